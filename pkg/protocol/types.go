// Package protocol defines the wire-level message model shared by all fabric participants.
package protocol

// MessageType classifies an envelope for routing and handler dispatch.
type MessageType string

// Message types carried on the wire.
const (
	MessageTypeQueryRequest       MessageType = "QUERY_REQUEST"
	MessageTypeQueryResponse      MessageType = "QUERY_RESPONSE"
	MessageTypeCommand            MessageType = "COMMAND"
	MessageTypeStatusUpdate       MessageType = "STATUS_UPDATE"
	MessageTypeCouncilSummon      MessageType = "COUNCIL_SUMMON"
	MessageTypeCouncilDecision    MessageType = "COUNCIL_DECISION"
	MessageTypeUrgentConsultation MessageType = "URGENT_CONSULTATION"
	MessageTypeTaskAssignment     MessageType = "TASK_ASSIGNMENT"
	MessageTypeTaskStatus         MessageType = "TASK_STATUS"
	MessageTypeTaskCompletion     MessageType = "TASK_COMPLETION"
	MessageTypeKnowledgeQuery     MessageType = "KNOWLEDGE_QUERY"
	MessageTypeKnowledgeUpdate    MessageType = "KNOWLEDGE_UPDATE"
	MessageTypePatternSharing     MessageType = "PATTERN_SHARING"
	MessageTypeIncidentAlert      MessageType = "INCIDENT_ALERT"
	MessageTypeRecoveryRequest    MessageType = "RECOVERY_REQUEST"
	MessageTypeHealthCheck        MessageType = "HEALTH_CHECK"
	MessageTypeResponse           MessageType = "RESPONSE"
	MessageTypeErrorResponse      MessageType = "ERROR_RESPONSE"
)

var validMessageTypes = map[MessageType]bool{
	MessageTypeQueryRequest:       true,
	MessageTypeQueryResponse:      true,
	MessageTypeCommand:            true,
	MessageTypeStatusUpdate:       true,
	MessageTypeCouncilSummon:      true,
	MessageTypeCouncilDecision:    true,
	MessageTypeUrgentConsultation: true,
	MessageTypeTaskAssignment:     true,
	MessageTypeTaskStatus:         true,
	MessageTypeTaskCompletion:     true,
	MessageTypeKnowledgeQuery:     true,
	MessageTypeKnowledgeUpdate:    true,
	MessageTypePatternSharing:     true,
	MessageTypeIncidentAlert:      true,
	MessageTypeRecoveryRequest:    true,
	MessageTypeHealthCheck:        true,
	MessageTypeResponse:           true,
	MessageTypeErrorResponse:      true,
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	return validMessageTypes[t]
}

// IsReply reports whether t is a reply type that must never be re-answered.
func (t MessageType) IsReply() bool {
	return t == MessageTypeResponse || t == MessageTypeErrorResponse
}

// Priority is the symbolic urgency class of an envelope.
type Priority string

// Priorities, highest first.
const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityNormal   Priority = "NORMAL"
	PriorityLow      Priority = "LOW"
	PriorityBulk     Priority = "BULK"
)

// BrokerPriority maps the symbolic priority to the broker's numeric scale.
// Unknown priorities map to the NORMAL value.
func (p Priority) BrokerPriority() uint8 {
	switch p {
	case PriorityCritical:
		return 255
	case PriorityHigh:
		return 200
	case PriorityNormal:
		return 100
	case PriorityLow:
		return 50
	case PriorityBulk:
		return 1
	default:
		return 100
	}
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow, PriorityBulk:
		return true
	}
	return false
}

// DeliveryMode is the durability hint carried in the routing block.
type DeliveryMode string

// Delivery modes.
const (
	DeliveryPersistent DeliveryMode = "PERSISTENT"
	DeliveryTransient  DeliveryMode = "TRANSIENT"
)

// Valid reports whether m is a known delivery mode.
func (m DeliveryMode) Valid() bool {
	return m == DeliveryPersistent || m == DeliveryTransient
}

// AgentDescriptor identifies a fabric participant. Source and target headers
// carry only the identity fields; capability and endpoint fields travel only
// when a descriptor is published for registration.
type AgentDescriptor struct {
	AgentID      string   `json:"agent_id"`
	AgentType    string   `json:"agent_type"`
	InstanceID   string   `json:"instance_id,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Endpoints    []string `json:"endpoints,omitempty"`
	Priority     int      `json:"priority,omitempty"`
}

// Identity returns a descriptor stripped to the fields that name an agent on the wire.
func (d AgentDescriptor) Identity() AgentDescriptor {
	return AgentDescriptor{
		AgentID:    d.AgentID,
		AgentType:  d.AgentType,
		InstanceID: d.InstanceID,
	}
}

// Well-known payload methods understood by every fabric client.
const (
	// MethodPing is the health probe method carried by HEALTH_CHECK envelopes.
	MethodPing = "ping"
	// MethodExecuteBatch marks a composite envelope wrapping a flushed batch.
	MethodExecuteBatch = "execute_batch"
)
