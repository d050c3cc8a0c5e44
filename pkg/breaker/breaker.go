// Package breaker tracks a circuit state machine per target and rejects
// sends to targets whose consecutive failures crossed the threshold.
package breaker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/morezero/agent-fabric/pkg/events"
	"github.com/morezero/agent-fabric/pkg/protocol"
)

const logPrefix = "breaker:breaker"

// State is the per-target circuit state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

const (
	defaultFailureThreshold = 5
	defaultCooldown         = 30 * time.Second
)

// Config holds breaker configuration, shared by all targets.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// a closed circuit open.
	FailureThreshold int
	// Cooldown is how long an open circuit rejects calls before the
	// next caller may take the half-open trial.
	Cooldown time.Duration
}

// DefaultConfig returns the default breaker configuration.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: defaultFailureThreshold,
		Cooldown:         defaultCooldown,
	}
}

// TargetState is a point-in-time view of one target's circuit.
type TargetState struct {
	Target       string    `json:"target"`
	State        State     `json:"state"`
	FailureCount int       `json:"failure_count"`
	LastFailure  time.Time `json:"last_failure,omitempty"`
}

// circuit is the mutable per-target record guarded by Breaker.mu.
type circuit struct {
	state        State
	failureCount int
	lastFailure  time.Time
	openedAt     time.Time
}

// Breaker tracks one circuit per target. Targets start CLOSED on first
// contact. All transitions happen under one lock so concurrent failures
// cannot double-count or race a half-open trial.
type Breaker struct {
	mu        sync.Mutex
	targets   map[string]*circuit
	config    Config
	publisher events.Publisher
	onChange  func(target string, from, to State)
	now       func() time.Time
}

// NewBreakerParams holds parameters for NewBreaker.
type NewBreakerParams struct {
	Config    Config
	Publisher events.Publisher
	// OnChange is called after every state transition, outside the
	// table lock. Used to keep gauges current.
	OnChange func(target string, from, to State)
}

// NewBreaker creates a new Breaker instance.
func NewBreaker(params NewBreakerParams) *Breaker {
	cfg := params.Config
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = defaultCooldown
	}

	pub := params.Publisher
	if pub == nil {
		pub = &events.NoOpPublisher{}
	}

	return &Breaker{
		targets:   make(map[string]*circuit),
		config:    cfg,
		publisher: pub,
		onChange:  params.OnChange,
		now:       time.Now,
	}
}

// Allow reports whether a call to target may proceed right now. An open
// circuit whose cooldown has elapsed moves to HALF_OPEN and admits the
// calling goroutine as the single trial; anyone else arriving before the
// trial is reported on is rejected as if the circuit were still open.
// Rejections are local and synchronous, nothing is sent anywhere.
func (b *Breaker) Allow(ctx context.Context, target string) error {
	b.mu.Lock()
	c := b.circuitLocked(target)

	switch c.state {
	case StateClosed:
		b.mu.Unlock()
		return nil

	case StateOpen:
		if b.now().Sub(c.openedAt) < b.config.Cooldown {
			b.mu.Unlock()
			return b.rejection(target, StateOpen)
		}
		c.state = StateHalfOpen
		b.mu.Unlock()
		b.notify(ctx, target, StateOpen, StateHalfOpen)
		return nil

	default: // StateHalfOpen, trial already in flight
		b.mu.Unlock()
		return b.rejection(target, StateHalfOpen)
	}
}

// ReportSuccess records a successful call. In HALF_OPEN the trial
// passed and the circuit closes with its failure count cleared; in
// CLOSED the consecutive-failure streak resets. A success reported
// while OPEN belongs to a call that predates the trip and is ignored.
func (b *Breaker) ReportSuccess(ctx context.Context, target string) {
	b.mu.Lock()
	c := b.circuitLocked(target)

	switch c.state {
	case StateHalfOpen:
		c.state = StateClosed
		c.failureCount = 0
		b.mu.Unlock()
		slog.Info(fmt.Sprintf("%s - trial succeeded, circuit closed target=%s", logPrefix, target))
		b.notify(ctx, target, StateHalfOpen, StateClosed)

	case StateClosed:
		c.failureCount = 0
		b.mu.Unlock()

	default:
		b.mu.Unlock()
	}
}

// ReportFailure records a failed call. In CLOSED the streak grows and
// trips the circuit at the threshold; in HALF_OPEN the trial failed and
// the circuit re-opens with a fresh cooldown.
func (b *Breaker) ReportFailure(ctx context.Context, target string) {
	now := b.now()

	b.mu.Lock()
	c := b.circuitLocked(target)
	c.failureCount++
	c.lastFailure = now

	var from State
	switch c.state {
	case StateClosed:
		if c.failureCount < b.config.FailureThreshold {
			b.mu.Unlock()
			return
		}
		from = StateClosed

	case StateHalfOpen:
		from = StateHalfOpen

	default: // already OPEN
		b.mu.Unlock()
		return
	}

	c.state = StateOpen
	c.openedAt = now
	count := c.failureCount
	b.mu.Unlock()

	slog.Warn(fmt.Sprintf("%s - circuit opened target=%s failures=%d", logPrefix, target, count))
	b.notify(ctx, target, from, StateOpen)
}

// State returns the current circuit state for target. Targets never
// seen before report CLOSED.
func (b *Breaker) State(target string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.targets[target]; ok {
		return c.state
	}
	return StateClosed
}

// Snapshot returns every tracked circuit, sorted by target.
func (b *Breaker) Snapshot() []TargetState {
	b.mu.Lock()
	out := make([]TargetState, 0, len(b.targets))
	for target, c := range b.targets {
		out = append(out, TargetState{
			Target:       target,
			State:        c.state,
			FailureCount: c.failureCount,
			LastFailure:  c.lastFailure,
		})
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// circuitLocked returns the circuit for target, creating a closed one
// on first contact. Caller holds b.mu.
func (b *Breaker) circuitLocked(target string) *circuit {
	c, ok := b.targets[target]
	if !ok {
		c = &circuit{state: StateClosed}
		b.targets[target] = c
	}
	return c
}

func (b *Breaker) rejection(target string, state State) error {
	return protocol.NewError(protocol.ErrServiceUnavailable,
		fmt.Sprintf("circuit open for target %s", target)).
		WithDetails(map[string]string{"target": target, "state": string(state)})
}

// notify publishes the transition event and runs the metrics hook,
// outside the table lock.
func (b *Breaker) notify(ctx context.Context, target string, from, to State) {
	event := events.NewFabricEvent(events.KindCircuitStateChanged, target).
		WithDetail("from", string(from)).
		WithDetail("to", string(to))
	if err := b.publisher.Publish(ctx, event); err != nil {
		slog.Error(fmt.Sprintf("%s - publish failed: %v", logPrefix, err))
	}
	if b.onChange != nil {
		b.onChange(target, from, to)
	}
}
