// Package batch coalesces low-priority outgoing envelopes per target so
// bulk traffic costs one broker operation per flush instead of one per
// message.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/agent-fabric/pkg/events"
	"github.com/morezero/agent-fabric/pkg/protocol"
)

const logPrefix = "batch:batch"

// Flush reasons reported on events and hooks.
const (
	ReasonSize    = "size"
	ReasonTimeout = "timeout"
	ReasonManual  = "manual"
	ReasonClose   = "close"
)

const (
	defaultBatchSize    = 10
	defaultBatchTimeout = time.Second
)

// Config holds batcher configuration.
type Config struct {
	// BatchSize is the buffer length that triggers an immediate flush.
	BatchSize int
	// BatchTimeout is how long a partial buffer waits before flushing.
	BatchTimeout time.Duration
}

// DefaultConfig returns the default batcher configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
	}
}

// FlushFunc receives the composite envelope for one flushed buffer.
// The transport client wires its direct-send path here.
type FlushFunc func(ctx context.Context, composite *protocol.Envelope) error

// Batcher buffers envelopes per target agent. Buffers flush when they
// reach BatchSize, when their timer fires, or on Flush/Close. The
// per-target timer is single-flight: adding to an already-timed buffer
// reuses the running timer rather than rearming it.
type Batcher struct {
	mu        sync.Mutex
	buffers   map[string]*buffer
	config    Config
	send      FlushFunc
	publisher events.Publisher
	onFlush   func(target string, count int, reason string)
	closed    bool
}

// buffer is the mutable per-target record guarded by Batcher.mu.
type buffer struct {
	target    protocol.AgentDescriptor
	envelopes []*protocol.Envelope
	timer     *time.Timer
}

// NewBatcherParams holds parameters for NewBatcher.
type NewBatcherParams struct {
	Config    Config
	Send      FlushFunc
	Publisher events.Publisher
	// OnFlush is called after every flush, outside the buffer lock.
	// Used to keep counters current.
	OnFlush func(target string, count int, reason string)
}

// NewBatcher creates a new Batcher instance.
func NewBatcher(params NewBatcherParams) *Batcher {
	cfg := params.Config
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = defaultBatchTimeout
	}

	pub := params.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}

	return &Batcher{
		buffers:   make(map[string]*buffer),
		config:    cfg,
		send:      params.Send,
		publisher: pub,
		onFlush:   params.OnFlush,
	}
}

// Add appends an envelope to its target's buffer. A buffer reaching
// BatchSize flushes before Add returns; otherwise the first envelope in
// an empty buffer arms the flush timer. CRITICAL envelopes are refused,
// they must take the direct-send path.
func (b *Batcher) Add(ctx context.Context, env *protocol.Envelope) error {
	if env.Header.Routing.Priority == protocol.PriorityCritical {
		return protocol.NewError(protocol.ErrInvalidParameters, "critical messages are never batched")
	}

	targetID := env.Header.Target.AgentID
	if targetID == "" {
		return protocol.NewError(protocol.ErrMissingRequiredField, "batched envelope has no target").
			WithDetails(map[string]string{"field": "header.target.agent_id"})
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return protocol.NewError(protocol.ErrServiceUnavailable, "batcher is closed")
	}

	buf, ok := b.buffers[targetID]
	if !ok {
		buf = &buffer{target: env.Header.Target}
		b.buffers[targetID] = buf
	}
	buf.envelopes = append(buf.envelopes, env)

	if len(buf.envelopes) >= b.config.BatchSize {
		batch := b.takeLocked(buf)
		b.mu.Unlock()
		return b.flush(ctx, buf.target, batch, ReasonSize)
	}

	if buf.timer == nil {
		buf.timer = time.AfterFunc(b.config.BatchTimeout, func() {
			b.flushExpired(targetID)
		})
	}
	b.mu.Unlock()
	return nil
}

// Flush forces out whatever is buffered for target. A missing or empty
// buffer is a no-op.
func (b *Batcher) Flush(ctx context.Context, targetID string) error {
	b.mu.Lock()
	buf, ok := b.buffers[targetID]
	if !ok || len(buf.envelopes) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.takeLocked(buf)
	b.mu.Unlock()

	return b.flush(ctx, buf.target, batch, ReasonManual)
}

// Close flushes every buffer, stops all timers, and refuses further
// adds. Safe to call more than once.
func (b *Batcher) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	type pending struct {
		target protocol.AgentDescriptor
		batch  []*protocol.Envelope
	}
	var remaining []pending
	for _, buf := range b.buffers {
		if len(buf.envelopes) == 0 {
			continue
		}
		remaining = append(remaining, pending{target: buf.target, batch: b.takeLocked(buf)})
	}
	b.mu.Unlock()

	var firstErr error
	for _, p := range remaining {
		if err := b.flush(ctx, p.target, p.batch, ReasonClose); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Depth returns how many envelopes are currently buffered for target.
func (b *Batcher) Depth(targetID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.buffers[targetID]; ok {
		return len(buf.envelopes)
	}
	return 0
}

// flushExpired is the timer callback. The buffer may already be empty
// when a size flush won the race; that is a no-op.
func (b *Batcher) flushExpired(targetID string) {
	b.mu.Lock()
	buf, ok := b.buffers[targetID]
	if !ok || b.closed {
		b.mu.Unlock()
		return
	}
	buf.timer = nil
	if len(buf.envelopes) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.takeLocked(buf)
	b.mu.Unlock()

	if err := b.flush(context.Background(), buf.target, batch, ReasonTimeout); err != nil {
		slog.Error(fmt.Sprintf("%s - timed flush failed target=%s: %v", logPrefix, targetID, err))
	}
}

// takeLocked empties the buffer and stops its timer. Caller holds b.mu.
func (b *Batcher) takeLocked(buf *buffer) []*protocol.Envelope {
	batch := buf.envelopes
	buf.envelopes = nil
	if buf.timer != nil {
		buf.timer.Stop()
		buf.timer = nil
	}
	return batch
}

// flush builds the composite envelope and hands it to the send path.
func (b *Batcher) flush(ctx context.Context, target protocol.AgentDescriptor, batch []*protocol.Envelope, reason string) error {
	composite := NewComposite(target, batch)

	slog.Info(fmt.Sprintf("%s - flushing target=%s count=%d reason=%s",
		logPrefix, target.AgentID, len(batch), reason))

	if err := b.send(ctx, composite); err != nil {
		return fmt.Errorf("%s - send composite to %s: %w", logPrefix, target.AgentID, err)
	}

	event := events.NewFabricEvent(events.KindBatchFlushed, target.AgentID).
		WithDetail("count", fmt.Sprintf("%d", len(batch))).
		WithDetail("reason", reason)
	if err := b.publisher.Publish(ctx, event); err != nil {
		slog.Error(fmt.Sprintf("%s - publish failed: %v", logPrefix, err))
	}
	if b.onFlush != nil {
		b.onFlush(target.AgentID, len(batch), reason)
	}
	return nil
}

// NewComposite wraps a batch into one COMMAND envelope carrying the
// messages in its params. The source is taken from the first buffered
// envelope and the priority is the most urgent one present.
func NewComposite(target protocol.AgentDescriptor, batch []*protocol.Envelope) *protocol.Envelope {
	var source protocol.AgentDescriptor
	priority := protocol.PriorityBulk
	for i, env := range batch {
		if i == 0 {
			source = env.Header.Source
		}
		if env.Header.Routing.Priority.BrokerPriority() > priority.BrokerPriority() {
			priority = env.Header.Routing.Priority
		}
	}

	return protocol.NewEnvelope(protocol.NewEnvelopeParams{
		Source:      source,
		Target:      target,
		MessageType: protocol.MessageTypeCommand,
		Priority:    priority,
		Method:      protocol.MethodExecuteBatch,
		Params: map[string]interface{}{
			"messages": batch,
			"count":    len(batch),
		},
	})
}

// Unpack recovers the individual envelopes from a composite built by
// NewComposite. The messages travel inside the params map, so after a wire
// round trip they come back as generic JSON values and are re-decoded here.
func Unpack(composite *protocol.Envelope) ([]*protocol.Envelope, error) {
	raw, ok := composite.Payload.Params["messages"]
	if !ok {
		return nil, protocol.NewError(protocol.ErrInvalidParameters, "composite envelope carries no messages")
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode composite messages: %w", logPrefix, err)
	}
	var batch []*protocol.Envelope
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("%s - failed to decode composite messages: %w", logPrefix, err)
	}
	return batch, nil
}
