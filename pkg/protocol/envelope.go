package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const logPrefix = "protocol:envelope"

// Default routing values applied by NewEnvelope.
const (
	DefaultTTLSeconds = 300
	ContentTypeJSON   = "application/json"
	EncodingUTF8      = "utf-8"
)

// Envelope is the unit of exchange between agents.
type Envelope struct {
	Header   Header   `json:"header"`
	Payload  Payload  `json:"payload"`
	Metadata Metadata `json:"metadata"`
}

// Header carries identity, correlation, and routing information.
type Header struct {
	Version       string          `json:"version"`
	MessageID     string          `json:"message_id"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Timestamp     string          `json:"timestamp"`
	Source        AgentDescriptor `json:"source"`
	Target        AgentDescriptor `json:"target"`
	Routing       Routing         `json:"routing"`
}

// Routing is the nested routing block of a header.
type Routing struct {
	MessageType  MessageType  `json:"message_type"`
	Priority     Priority     `json:"priority"`
	TTL          int          `json:"ttl"`
	DeliveryMode DeliveryMode `json:"delivery_mode"`
}

// Payload carries the business content of an envelope.
type Payload struct {
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
	Data    json.RawMessage        `json:"data,omitempty"`
	Context map[string]string      `json:"context,omitempty"`
}

// Metadata describes how the payload is encoded.
type Metadata struct {
	ContentType string `json:"content_type"`
	Encoding    string `json:"encoding"`
	Compression string `json:"compression,omitempty"`
	Checksum    string `json:"checksum,omitempty"`
}

// NewEnvelopeParams holds parameters for NewEnvelope.
type NewEnvelopeParams struct {
	Source        AgentDescriptor
	Target        AgentDescriptor
	MessageType   MessageType
	Priority      Priority
	Method        string
	Params        map[string]interface{}
	Data          json.RawMessage
	Context       map[string]string
	CorrelationID string
	TTLSeconds    int
	DeliveryMode  DeliveryMode
}

// NewEnvelope builds an envelope with a fresh message id and current timestamp.
// Zero-valued routing fields receive defaults (NORMAL, PERSISTENT, default TTL).
func NewEnvelope(p NewEnvelopeParams) *Envelope {
	priority := p.Priority
	if priority == "" {
		priority = PriorityNormal
	}
	ttl := p.TTLSeconds
	if ttl == 0 {
		ttl = DefaultTTLSeconds
	}
	mode := p.DeliveryMode
	if mode == "" {
		mode = DeliveryPersistent
	}

	return &Envelope{
		Header: Header{
			Version:       Version,
			MessageID:     uuid.NewString(),
			CorrelationID: p.CorrelationID,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			Source:        p.Source.Identity(),
			Target:        p.Target.Identity(),
			Routing: Routing{
				MessageType:  p.MessageType,
				Priority:     priority,
				TTL:          ttl,
				DeliveryMode: mode,
			},
		},
		Payload: Payload{
			Method:  p.Method,
			Params:  p.Params,
			Context: p.Context,
			Data:    p.Data,
		},
		Metadata: Metadata{
			ContentType: ContentTypeJSON,
			Encoding:    EncodingUTF8,
		},
	}
}

// NewResponse builds a RESPONSE envelope answering req, with the handler
// result serialized into the payload data. The response flows back to the
// request's source and carries the request's correlation id (falling back to
// the request message id when the caller did not set one).
func NewResponse(req *Envelope, result interface{}) (*Envelope, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode response result: %w", logPrefix, err)
	}

	resp := NewEnvelope(NewEnvelopeParams{
		Source:        req.Header.Target,
		Target:        req.Header.Source,
		MessageType:   MessageTypeResponse,
		Priority:      req.Header.Routing.Priority,
		Method:        req.Payload.Method,
		Data:          data,
		Context:       req.Payload.Context,
		CorrelationID: correlationOf(req),
		TTLSeconds:    req.Header.Routing.TTL,
		DeliveryMode:  req.Header.Routing.DeliveryMode,
	})
	return resp, nil
}

// NewErrorResponse builds an ERROR_RESPONSE envelope answering req.
func NewErrorResponse(req *Envelope, fabricErr *Error) *Envelope {
	data, err := json.Marshal(fabricErr)
	if err != nil {
		// Details was not serializable; keep code and message.
		data, _ = json.Marshal(&Error{Code: fabricErr.Code, Message: fabricErr.Message})
	}

	return NewEnvelope(NewEnvelopeParams{
		Source:        req.Header.Target,
		Target:        req.Header.Source,
		MessageType:   MessageTypeErrorResponse,
		Priority:      req.Header.Routing.Priority,
		Method:        req.Payload.Method,
		Data:          data,
		Context:       req.Payload.Context,
		CorrelationID: correlationOf(req),
		TTLSeconds:    req.Header.Routing.TTL,
		DeliveryMode:  req.Header.Routing.DeliveryMode,
	})
}

func correlationOf(req *Envelope) string {
	if req.Header.CorrelationID != "" {
		return req.Header.CorrelationID
	}
	return req.Header.MessageID
}

// ExpiresAt returns the instant the envelope stops being deliverable.
// The second return is false when the envelope never expires (zero TTL or
// an unparseable timestamp).
func (e *Envelope) ExpiresAt() (time.Time, bool) {
	if e.Header.Routing.TTL <= 0 {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, e.Header.Timestamp)
	if err != nil {
		return time.Time{}, false
	}
	return ts.Add(time.Duration(e.Header.Routing.TTL) * time.Second), true
}

// Expired reports whether the envelope's validity window has passed at now.
func (e *Envelope) Expired(now time.Time) bool {
	exp, ok := e.ExpiresAt()
	if !ok {
		return false
	}
	return now.After(exp)
}

// DecodeError extracts the structured error carried by an ERROR_RESPONSE payload.
func DecodeError(e *Envelope) *Error {
	var fe Error
	if err := json.Unmarshal(e.Payload.Data, &fe); err != nil || fe.Code == "" {
		return NewError(ErrInternalError, "malformed error response payload")
	}
	return &fe
}
