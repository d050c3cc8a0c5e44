package commsutil

import (
	"fmt"
	"strings"
)

// Default COMMS subjects.
const (
	// SubjectEvents is the global fabric lifecycle event subject.
	SubjectEvents = "fabric.events"
)

// BuildEventSubject builds a granular fabric event subject for one event kind.
func BuildEventSubject(kind string) string {
	return fmt.Sprintf("%s.%s", SubjectEvents, kind)
}

// InboxSubject builds the per-identity inbound queue name for an agent.
// The name doubles as the queue group so that instances sharing an agent id
// split its traffic instead of duplicating it.
func InboxSubject(agentType, agentID string) string {
	return fmt.Sprintf("%s.%s", subjectToken(agentType), subjectToken(agentID))
}

// subjectToken normalizes a descriptor field for use inside a subject.
func subjectToken(s string) string {
	return strings.ReplaceAll(s, ".", "_")
}
