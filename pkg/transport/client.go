package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/morezero/agent-fabric/pkg/balancer"
	"github.com/morezero/agent-fabric/pkg/batch"
	"github.com/morezero/agent-fabric/pkg/breaker"
	"github.com/morezero/agent-fabric/pkg/commsutil"
	"github.com/morezero/agent-fabric/pkg/dispatcher"
	"github.com/morezero/agent-fabric/pkg/events"
	"github.com/morezero/agent-fabric/pkg/journal"
	"github.com/morezero/agent-fabric/pkg/metrics"
	"github.com/morezero/agent-fabric/pkg/protocol"
	"github.com/morezero/agent-fabric/pkg/registry"
	"github.com/morezero/agent-fabric/pkg/security"
)

const logPrefix = "transport:client"

// encodingEncrypted marks envelopes whose payload data block is sealed.
const encodingEncrypted = "encrypted"

// Policy holds the communication knobs applied by the send and receive paths.
type Policy struct {
	// DefaultTimeout bounds waited sends that carry no explicit timeout.
	DefaultTimeout time.Duration
	// TTLSeconds is the default envelope validity window.
	TTLSeconds int
	// RetryLimit bounds re-publish attempts after transient broker errors.
	RetryLimit int
	// RateLimit caps outgoing messages per second; zero means unlimited.
	RateLimit float64
	// RateBurst is the limiter burst; zero derives it from RateLimit.
	RateBurst int
	// RequireAuth attaches an identity token to outgoing envelopes and
	// verifies the token on incoming ones.
	RequireAuth bool
	// EncryptData seals payload data blocks on the wire.
	EncryptData bool
	// BatchEnabled batches fire-and-forget LOW/BULK sends per target.
	BatchEnabled bool
	// BatchSize and BatchTimeout configure the internal batcher.
	BatchSize    int
	BatchTimeout time.Duration
}

// DefaultPolicy returns the default client policy.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTimeout: 30 * time.Second,
		TTLSeconds:     protocol.DefaultTTLSeconds,
		RetryLimit:     3,
	}
}

// Client is one agent's connection to the fabric. It owns the send path
// (balancer, breaker, batcher, broker) and the receive loop on the agent's
// inbox subject.
type Client struct {
	local      protocol.AgentDescriptor
	registry   *registry.Registry
	balancer   balancer.Strategy
	breaker    *breaker.Breaker
	batcher    *batch.Batcher
	security   *security.Manager
	journal    journal.Recorder
	metrics    *metrics.Collector
	dispatcher *dispatcher.Dispatcher
	broker     Broker
	policy     Policy
	limiter    *rate.Limiter
	pending    *pendingMap

	mu     sync.Mutex
	sub    Subscription
	closed bool
}

// NewClientParams holds parameters for NewClient. Local, Registry, and
// Broker are required; nil collaborators fall back to defaults (round-robin
// balancer, fresh breaker, no-op journal) and a nil Metrics disables
// instrumentation.
type NewClientParams struct {
	Local     protocol.AgentDescriptor
	Registry  *registry.Registry
	Broker    Broker
	Balancer  balancer.Strategy
	Breaker   *breaker.Breaker
	Security  *security.Manager
	Journal   journal.Recorder
	Metrics   *metrics.Collector
	Publisher events.Publisher
	Policy    Policy
}

// NewClient creates a new Client instance.
func NewClient(params NewClientParams) (*Client, error) {
	if params.Broker == nil {
		return nil, fmt.Errorf("%s - broker is required", logPrefix)
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("%s - registry is required", logPrefix)
	}
	if params.Local.AgentID == "" || params.Local.AgentType == "" {
		return nil, fmt.Errorf("%s - local descriptor needs agent_id and agent_type", logPrefix)
	}

	policy := params.Policy
	if policy.DefaultTimeout <= 0 {
		policy.DefaultTimeout = 30 * time.Second
	}
	if policy.TTLSeconds <= 0 {
		policy.TTLSeconds = protocol.DefaultTTLSeconds
	}
	if policy.RetryLimit < 0 {
		policy.RetryLimit = 0
	}
	if (policy.RequireAuth || policy.EncryptData) && params.Security == nil {
		return nil, fmt.Errorf("%s - policy requires a security manager", logPrefix)
	}

	strategy := params.Balancer
	if strategy == nil {
		strategy = balancer.NewRoundRobin()
	}
	brk := params.Breaker
	if brk == nil {
		brk = breaker.NewBreaker(breaker.NewBreakerParams{Publisher: params.Publisher})
	}
	rec := params.Journal
	if rec == nil {
		rec = &journal.NoOpRecorder{}
	}

	c := &Client{
		local:      params.Local.Identity(),
		registry:   params.Registry,
		balancer:   strategy,
		breaker:    brk,
		security:   params.Security,
		journal:    rec,
		metrics:    params.Metrics,
		dispatcher: dispatcher.NewDispatcher(),
		broker:     params.Broker,
		policy:     policy,
		pending:    newPendingMap(),
	}

	if policy.RateLimit > 0 {
		burst := policy.RateBurst
		if burst <= 0 {
			burst = int(policy.RateLimit)
			if burst < 1 {
				burst = 1
			}
		}
		c.limiter = rate.NewLimiter(rate.Limit(policy.RateLimit), burst)
	}

	if policy.BatchEnabled {
		c.batcher = batch.NewBatcher(batch.NewBatcherParams{
			Config:    batch.Config{BatchSize: policy.BatchSize, BatchTimeout: policy.BatchTimeout},
			Send:      c.publish,
			Publisher: params.Publisher,
			OnFlush: func(target string, count int, reason string) {
				if c.metrics != nil {
					c.metrics.RecordBatchFlushed(reason)
				}
			},
		})
	}

	c.dispatcher.Register(protocol.MessageTypeHealthCheck, c.handlePing)
	return c, nil
}

// Handle registers the handler invoked for incoming envelopes of the given
// message type.
func (c *Client) Handle(messageType protocol.MessageType, handler dispatcher.HandlerFunc) {
	c.dispatcher.Register(messageType, handler)
}

// Local returns the client's own identity.
func (c *Client) Local() protocol.AgentDescriptor {
	return c.local
}

// Pending returns the number of sends currently waiting for a response.
func (c *Client) Pending() int {
	return c.pending.size()
}

// Close flushes the batcher, drops the inbox subscription, and pushes
// buffered publishes to the broker. Safe to call more than once. The broker
// connection itself stays open; its owner closes it.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sub := c.sub
	c.sub = nil
	c.mu.Unlock()

	var firstErr error
	if c.batcher != nil {
		firstErr = c.batcher.Close(ctx)
	}
	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("%s - unsubscribe: %w", logPrefix, err)
		}
	}
	if err := c.broker.Flush(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("%s - flush: %w", logPrefix, err)
	}
	slog.Info(fmt.Sprintf("%s - client closed agent=%s", logPrefix, c.local.AgentID))
	return firstErr
}

// publish encodes env and hands it to the broker, retrying transient
// failures up to the policy retry limit. Used by direct sends, batch
// flushes, and the receive loop's replies.
func (c *Client) publish(ctx context.Context, env *protocol.Envelope) error {
	data, err := commsutil.EncodeEnvelope(env)
	if err != nil {
		return err
	}
	subject := commsutil.InboxSubject(env.Header.Target.AgentType, env.Header.Target.AgentID)
	headers := brokerHeaders(env)

	var pubErr error
	for attempt := 0; attempt <= c.policy.RetryLimit; attempt++ {
		if pubErr = c.broker.Publish(subject, headers, data); pubErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < c.policy.RetryLimit {
			slog.Warn(fmt.Sprintf("%s - publish to %s failed (attempt %d/%d): %v",
				logPrefix, subject, attempt+1, c.policy.RetryLimit+1, pubErr))
		}
	}
	return fmt.Errorf("%s - publish to %s: %w", logPrefix, subject, pubErr)
}

// brokerHeaders maps the routing block onto broker message headers.
func brokerHeaders(env *protocol.Envelope) map[string]string {
	headers := map[string]string{
		HeaderPriority: strconv.Itoa(int(env.Header.Routing.Priority.BrokerPriority())),
	}
	if exp, ok := env.ExpiresAt(); ok {
		headers[HeaderExpires] = exp.UTC().Format(time.RFC3339)
	}
	return headers
}

// sealData replaces the payload data block with its ciphertext and marks
// the encoding.
func (c *Client) sealData(env *protocol.Envelope) error {
	if len(env.Payload.Data) == 0 {
		return nil
	}
	ciphertext, err := c.security.Encrypt(env.Payload.Data)
	if err != nil {
		return err
	}
	sealed, err := json.Marshal(ciphertext)
	if err != nil {
		return fmt.Errorf("%s - encode sealed data: %w", logPrefix, err)
	}
	env.Payload.Data = sealed
	env.Metadata.Encoding = encodingEncrypted
	return nil
}

// openData reverses sealData on an incoming envelope.
func (c *Client) openData(env *protocol.Envelope) error {
	if c.security == nil {
		return fmt.Errorf("%s - received encrypted payload without a security manager", logPrefix)
	}
	var ciphertext string
	if err := json.Unmarshal(env.Payload.Data, &ciphertext); err != nil {
		return fmt.Errorf("%s - decode sealed data: %w", logPrefix, err)
	}
	plaintext, err := c.security.Decrypt(ciphertext)
	if err != nil {
		return err
	}
	env.Payload.Data = plaintext
	env.Metadata.Encoding = protocol.EncodingUTF8
	return nil
}
