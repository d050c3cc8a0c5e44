package protocol

import "fmt"

// Validate checks the structural invariants every envelope must satisfy
// before it is published or dispatched. It is safe for concurrent use.
func Validate(e *Envelope) *Error {
	if e == nil {
		return NewError(ErrInvalidFormat, "envelope is nil")
	}

	for _, f := range []struct {
		field string
		value string
	}{
		{"header.message_id", e.Header.MessageID},
		{"header.source.agent_id", e.Header.Source.AgentID},
		{"header.target.agent_id", e.Header.Target.AgentID},
		{"payload.method", e.Payload.Method},
	} {
		if f.value == "" {
			return NewError(ErrMissingRequiredField,
				fmt.Sprintf("%s is required", f.field)).
				WithDetails(map[string]string{"field": f.field})
		}
	}

	if err := CheckVersion(e.Header.Version); err != nil {
		return err
	}

	if !e.Header.Routing.MessageType.Valid() {
		return NewError(ErrInvalidFormat,
			fmt.Sprintf("unknown message type %q", e.Header.Routing.MessageType))
	}
	if !e.Header.Routing.Priority.Valid() {
		return NewError(ErrInvalidFormat,
			fmt.Sprintf("unknown priority %q", e.Header.Routing.Priority))
	}
	if e.Header.Routing.DeliveryMode != "" && !e.Header.Routing.DeliveryMode.Valid() {
		return NewError(ErrInvalidFormat,
			fmt.Sprintf("unknown delivery mode %q", e.Header.Routing.DeliveryMode))
	}
	if e.Header.Routing.TTL <= 0 {
		return NewError(ErrInvalidFormat, "routing.ttl must be positive")
	}

	return nil
}
