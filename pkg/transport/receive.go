package transport

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/morezero/agent-fabric/pkg/batch"
	"github.com/morezero/agent-fabric/pkg/commsutil"
	"github.com/morezero/agent-fabric/pkg/protocol"
)

const receiveLogPrefix = "transport:receive"

// Start subscribes the client to its inbox subject and begins serving
// incoming envelopes. Instances sharing an agent id join the same queue
// group and split the traffic. Calling Start twice is a no-op.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("%s - client is closed", receiveLogPrefix)
	}
	if c.sub != nil {
		return nil
	}

	subject := commsutil.InboxSubject(c.local.AgentType, c.local.AgentID)
	sub, err := c.broker.QueueSubscribe(subject, subject, c.handleInbound)
	if err != nil {
		return err
	}
	c.sub = sub
	if err := c.broker.Flush(); err != nil {
		return fmt.Errorf("%s - flush after subscribe: %w", receiveLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - listening on %s agent=%s", receiveLogPrefix, subject, c.local.AgentID))
	return nil
}

// handleInbound is the receive loop body: decode, drop expired, validate,
// resolve pending responses, then authenticate and dispatch requests.
func (c *Client) handleInbound(data []byte) {
	env, err := commsutil.DecodeEnvelope(data)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - dropping undecodable message: %v", receiveLogPrefix, err))
		return
	}

	messageType := env.Header.Routing.MessageType
	if c.metrics != nil {
		c.metrics.RecordReceived(string(messageType))
	}

	if env.Expired(time.Now()) {
		if c.metrics != nil {
			c.metrics.RecordExpired()
		}
		slog.Debug(fmt.Sprintf("%s - dropped expired message %s", receiveLogPrefix, env.Header.MessageID))
		return
	}

	if err := protocol.Validate(env); err != nil {
		slog.Warn(fmt.Sprintf("%s - invalid envelope %s: %v", receiveLogPrefix, env.Header.MessageID, err))
		if !messageType.IsReply() && env.Header.Source.AgentID != "" {
			c.reply(protocol.NewErrorResponse(env, err))
		}
		return
	}

	if env.Metadata.Encoding == encodingEncrypted {
		if err := c.openData(env); err != nil {
			slog.Warn(fmt.Sprintf("%s - cannot open sealed payload %s: %v", receiveLogPrefix, env.Header.MessageID, err))
			if !messageType.IsReply() {
				c.reply(protocol.NewErrorResponse(env,
					protocol.NewError(protocol.ErrInvalidFormat, "unreadable sealed payload")))
			}
			return
		}
	}

	if correlationID := env.Header.CorrelationID; correlationID != "" {
		if c.pending.resolve(correlationID, env) {
			return
		}
		if messageType.IsReply() {
			// The waiter already timed out; replies are never dispatched.
			slog.Debug(fmt.Sprintf("%s - discarding late response corr=%s", receiveLogPrefix, correlationID))
			return
		}
	}

	if c.policy.RequireAuth {
		if authErr := c.verifyAuth(env); authErr != nil {
			c.reply(protocol.NewErrorResponse(env, authErr))
			return
		}
	}

	if messageType == protocol.MessageTypeCommand && env.Payload.Method == protocol.MethodExecuteBatch {
		c.handleComposite(env)
		return
	}

	c.dispatchAndReply(env)
}

// verifyAuth checks the identity token carried in the payload context.
func (c *Client) verifyAuth(env *protocol.Envelope) *protocol.Error {
	token := env.Payload.Context["auth_token"]
	if token == "" {
		return protocol.NewError(protocol.ErrInvalidToken, "missing auth token").
			WithDetails(map[string]string{"agent_id": env.Header.Source.AgentID})
	}
	if _, err := c.security.VerifyToken(token); err != nil {
		if fabricErr, ok := err.(*protocol.Error); ok {
			return fabricErr
		}
		return protocol.NewError(protocol.ErrInvalidToken, err.Error())
	}
	return nil
}

// handleComposite unpacks an execute_batch envelope and dispatches each
// inner envelope individually.
func (c *Client) handleComposite(env *protocol.Envelope) {
	inner, err := batch.Unpack(env)
	if err != nil {
		slog.Warn(fmt.Sprintf("%s - bad composite %s: %v", receiveLogPrefix, env.Header.MessageID, err))
		c.reply(protocol.NewErrorResponse(env,
			protocol.NewError(protocol.ErrInvalidParameters, "malformed composite batch")))
		return
	}

	slog.Debug(fmt.Sprintf("%s - unpacking composite %s count=%d", receiveLogPrefix, env.Header.MessageID, len(inner)))
	for _, in := range inner {
		if in.Expired(time.Now()) {
			if c.metrics != nil {
				c.metrics.RecordExpired()
			}
			continue
		}
		c.dispatchAndReply(in)
	}
}

// dispatchAndReply runs the handler for env under a bounded context and
// sends the reply back to the source.
func (c *Client) dispatchAndReply(env *protocol.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), c.policy.DefaultTimeout)
	defer cancel()
	c.reply(c.dispatcher.Dispatch(ctx, env))
}

// reply publishes a reply envelope to its target's inbox. Failures are
// logged; there is no one left to report them to.
func (c *Client) reply(resp *protocol.Envelope) {
	if c.policy.EncryptData && len(resp.Payload.Data) > 0 && resp.Metadata.Encoding != encodingEncrypted {
		if err := c.sealData(resp); err != nil {
			slog.Error(fmt.Sprintf("%s - cannot seal reply %s: %v", receiveLogPrefix, resp.Header.MessageID, err))
			return
		}
	}
	if err := c.publish(context.Background(), resp); err != nil {
		slog.Error(fmt.Sprintf("%s - reply to %s failed: %v", receiveLogPrefix, resp.Header.Target.AgentID, err))
	}
}

// handlePing answers HEALTH_CHECK probes with the agent's identity.
func (c *Client) handlePing(ctx context.Context, env *protocol.Envelope) (interface{}, error) {
	return map[string]interface{}{
		"status":    "ok",
		"agent_id":  c.local.AgentID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, nil
}
