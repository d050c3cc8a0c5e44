package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/morezero/agent-fabric/pkg/balancer"
	"github.com/morezero/agent-fabric/pkg/journal"
	"github.com/morezero/agent-fabric/pkg/protocol"
	"github.com/morezero/agent-fabric/pkg/registry"
)

const sendLogPrefix = "transport:send"

// SendRequest describes one outgoing message. Either TargetID routes the
// message to a specific registered agent, or Capability lets the balancer
// pick one. WaitForResponse suspends the caller until a correlated reply
// arrives or Timeout (DefaultTimeout when zero) elapses.
type SendRequest struct {
	TargetID        string
	Capability      string
	MessageType     protocol.MessageType
	Method          string
	Params          map[string]interface{}
	Data            json.RawMessage
	Context         map[string]string
	Priority        protocol.Priority
	WaitForResponse bool
	Timeout         time.Duration
	TTLSeconds      int
	DeliveryMode    protocol.DeliveryMode
}

// Send routes one message through the fabric. For waited sends the returned
// envelope is the reply; an ERROR_RESPONSE reply is returned together with
// its decoded error. Fire-and-forget sends return (nil, nil) once the
// message is accepted by the batcher or broker.
func (c *Client) Send(ctx context.Context, req SendRequest) (*protocol.Envelope, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, protocol.NewError(protocol.ErrServiceUnavailable, "client is closed")
	}

	priority := req.Priority
	if priority == "" {
		priority = protocol.PriorityNormal
	}

	if c.limiter != nil && !c.limiter.Allow() {
		c.recordRejected(ctx, req, "", priority, protocol.ErrRateLimitExceeded)
		return nil, protocol.NewError(protocol.ErrRateLimitExceeded,
			fmt.Sprintf("outgoing rate above %.1f msg/s", c.policy.RateLimit))
	}

	target, err := c.resolveTarget(req, priority)
	if err != nil {
		c.recordRejected(ctx, req, req.TargetID, priority, protocol.CodeOf(err))
		return nil, err
	}

	if err := c.breaker.Allow(ctx, target.AgentID); err != nil {
		c.recordRejected(ctx, req, target.AgentID, priority, protocol.CodeOf(err))
		return nil, err
	}

	env, err := c.buildEnvelope(req, target, priority)
	if err != nil {
		c.recordRejected(ctx, req, target.AgentID, priority, protocol.CodeOf(err))
		return nil, err
	}

	if req.WaitForResponse {
		return c.sendAndWait(ctx, req, env)
	}

	if c.batcher != nil && (priority == protocol.PriorityLow || priority == protocol.PriorityBulk) {
		if err := c.batcher.Add(ctx, env); err != nil {
			c.record(ctx, env, req.Capability, journal.OutcomeFailed, string(protocol.CodeOf(err)), 0)
			return nil, err
		}
		c.record(ctx, env, req.Capability, journal.OutcomeBatched, "", 0)
		return nil, nil
	}

	if err := c.publish(ctx, env); err != nil {
		c.breaker.ReportFailure(ctx, env.Header.Target.AgentID)
		c.record(ctx, env, req.Capability, journal.OutcomeFailed, string(protocol.ErrServiceUnavailable), 0)
		return nil, protocol.NewError(protocol.ErrServiceUnavailable, err.Error())
	}
	c.record(ctx, env, req.Capability, journal.OutcomeDelivered, "", 0)
	return nil, nil
}

// resolveTarget returns the descriptor the envelope is addressed to. An
// explicit TargetID must name a registered agent; otherwise the balancer
// picks one of the routable nodes advertising the capability.
func (c *Client) resolveTarget(req SendRequest, priority protocol.Priority) (protocol.AgentDescriptor, error) {
	if req.TargetID != "" {
		desc, ok := c.registry.Descriptor(req.TargetID)
		if !ok {
			return protocol.AgentDescriptor{}, protocol.NewError(protocol.ErrAgentNotFound,
				fmt.Sprintf("agent %s is not registered", req.TargetID)).
				WithDetails(map[string]string{"agent_id": req.TargetID})
		}
		return desc, nil
	}

	nodes := c.registry.AvailableNodes(req.Capability)
	agentID, ok := c.balancer.Pick(toCandidates(nodes), req.Capability, priority)
	if !ok {
		return protocol.AgentDescriptor{}, protocol.NewError(protocol.ErrServiceUnavailable,
			fmt.Sprintf("no available node for capability %q", req.Capability)).
			WithDetails(map[string]string{"capability": req.Capability})
	}
	desc, ok := c.registry.Descriptor(agentID)
	if !ok {
		// The node deregistered between selection and lookup.
		return protocol.AgentDescriptor{}, protocol.NewError(protocol.ErrServiceUnavailable,
			fmt.Sprintf("selected node %s left the registry", agentID))
	}
	return desc, nil
}

// buildEnvelope assembles and validates the outgoing envelope, attaching
// the auth token, trace id, and sealed data the policy asks for.
func (c *Client) buildEnvelope(req SendRequest, target protocol.AgentDescriptor, priority protocol.Priority) (*protocol.Envelope, error) {
	msgContext := make(map[string]string, len(req.Context)+2)
	for k, v := range req.Context {
		msgContext[k] = v
	}
	if msgContext["trace_id"] == "" {
		msgContext["trace_id"] = uuid.NewString()
	}
	if c.policy.RequireAuth {
		token, err := c.security.IssueToken(c.local, 0)
		if err != nil {
			return nil, err
		}
		msgContext["auth_token"] = token
	}

	correlationID := ""
	if req.WaitForResponse {
		correlationID = uuid.NewString()
	}
	ttl := req.TTLSeconds
	if ttl == 0 {
		ttl = c.policy.TTLSeconds
	}

	env := protocol.NewEnvelope(protocol.NewEnvelopeParams{
		Source:        c.local,
		Target:        target,
		MessageType:   req.MessageType,
		Priority:      priority,
		Method:        req.Method,
		Params:        req.Params,
		Data:          req.Data,
		Context:       msgContext,
		CorrelationID: correlationID,
		TTLSeconds:    ttl,
		DeliveryMode:  req.DeliveryMode,
	})

	if c.policy.EncryptData {
		if err := c.sealData(env); err != nil {
			return nil, err
		}
	}

	if err := protocol.Validate(env); err != nil {
		return nil, err
	}
	return env, nil
}

// sendAndWait publishes env and blocks until its pending slot resolves, the
// timeout fires, or ctx is cancelled. The slot is always cleaned up.
func (c *Client) sendAndWait(ctx context.Context, req SendRequest, env *protocol.Envelope) (*protocol.Envelope, error) {
	correlationID := env.Header.CorrelationID
	targetID := env.Header.Target.AgentID
	ch := c.pending.create(correlationID)

	start := time.Now()
	if err := c.publish(ctx, env); err != nil {
		c.pending.remove(correlationID)
		c.breaker.ReportFailure(ctx, targetID)
		c.record(ctx, env, req.Capability, journal.OutcomeFailed, string(protocol.ErrServiceUnavailable), 0)
		return nil, protocol.NewError(protocol.ErrServiceUnavailable, err.Error())
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.policy.DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		elapsed := time.Since(start)
		if c.metrics != nil {
			c.metrics.ObserveRequestDuration(string(env.Header.Routing.MessageType), elapsed)
		}
		if resp.Header.Routing.MessageType == protocol.MessageTypeErrorResponse {
			fabricErr := protocol.DecodeError(resp)
			// The target answered, so the circuit stays healthy; the
			// application failure lands on the node's error rate.
			c.breaker.ReportSuccess(ctx, targetID)
			c.registry.RecordOutcome(ctx, targetID, elapsed, false)
			c.record(ctx, env, req.Capability, journal.OutcomeFailed, string(fabricErr.Code), elapsed)
			return resp, fabricErr
		}
		c.breaker.ReportSuccess(ctx, targetID)
		c.registry.RecordOutcome(ctx, targetID, elapsed, true)
		c.record(ctx, env, req.Capability, journal.OutcomeDelivered, "", elapsed)
		return resp, nil

	case <-timer.C:
		elapsed := time.Since(start)
		c.pending.remove(correlationID)
		c.breaker.ReportFailure(ctx, targetID)
		c.registry.RecordOutcome(ctx, targetID, elapsed, false)
		c.record(ctx, env, req.Capability, journal.OutcomeTimeout, string(protocol.ErrDeliveryTimeout), elapsed)
		return nil, protocol.NewError(protocol.ErrDeliveryTimeout,
			fmt.Sprintf("no response from %s within %s", targetID, timeout)).
			WithDetails(map[string]string{"agent_id": targetID, "timeout": timeout.String()})

	case <-ctx.Done():
		// Cancellation stops the local wait only; the outbound request may
		// still be processed remotely.
		c.pending.remove(correlationID)
		c.record(ctx, env, req.Capability, journal.OutcomeTimeout, string(protocol.ErrDeliveryTimeout), time.Since(start))
		return nil, protocol.NewError(protocol.ErrDeliveryTimeout,
			fmt.Sprintf("wait for %s cancelled: %v", targetID, ctx.Err()))
	}
}

// record writes one delivery outcome to the journal and the send counters.
func (c *Client) record(ctx context.Context, env *protocol.Envelope, capability, outcome, errorCode string, latency time.Duration) {
	d := journal.Delivery{
		MessageID:     env.Header.MessageID,
		CorrelationID: env.Header.CorrelationID,
		Capability:    capability,
		Method:        env.Payload.Method,
		Target:        env.Header.Target.AgentID,
		Priority:      string(env.Header.Routing.Priority),
		Outcome:       outcome,
		ErrorCode:     errorCode,
		LatencyMS:     float64(latency.Microseconds()) / 1000.0,
		OccurredAt:    time.Now().UTC(),
	}
	if err := c.journal.Record(ctx, d); err != nil {
		slog.Warn(fmt.Sprintf("%s - journal record failed: %v", sendLogPrefix, err))
	}
	if c.metrics != nil {
		c.metrics.RecordSent(string(env.Header.Routing.MessageType), string(env.Header.Routing.Priority), outcome)
	}
}

// recordRejected journals a send refused before an envelope existed.
func (c *Client) recordRejected(ctx context.Context, req SendRequest, targetID string, priority protocol.Priority, code protocol.ErrorCode) {
	d := journal.Delivery{
		Capability: req.Capability,
		Method:     req.Method,
		Target:     targetID,
		Priority:   string(priority),
		Outcome:    journal.OutcomeRejected,
		ErrorCode:  string(code),
		OccurredAt: time.Now().UTC(),
	}
	if err := c.journal.Record(ctx, d); err != nil {
		slog.Warn(fmt.Sprintf("%s - journal record failed: %v", sendLogPrefix, err))
	}
	if c.metrics != nil {
		c.metrics.RecordSent(string(req.MessageType), string(priority), journal.OutcomeRejected)
	}
}

// toCandidates projects registry nodes into the balancer's view.
func toCandidates(nodes []registry.Node) []balancer.Candidate {
	out := make([]balancer.Candidate, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, balancer.Candidate{
			AgentID:             n.Descriptor.AgentID,
			CurrentLoad:         n.Metrics.CurrentLoad,
			MaxCapacity:         n.Metrics.MaxCapacity,
			AverageResponseTime: n.Metrics.AverageResponseTime,
		})
	}
	return out
}
