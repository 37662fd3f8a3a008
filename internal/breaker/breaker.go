// Package breaker provides a three-state circuit breaker (closed, open,
// half-open) used to short-circuit calls to a failing dependency and
// probe it for recovery after a cooldown.
//
// A Breaker guards a single named dependency (an MCP server or an LLM
// provider). A Group lazily creates one Breaker per name with a shared
// configuration.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by callers that refuse a request because the
// breaker for the target is open.
var ErrOpen = errors.New("circuit breaker open")

// State is the phase of a circuit breaker.
type State int

const (
	// Closed lets every call through and counts consecutive failures.
	Closed State = iota
	// Open rejects calls until the cooldown has elapsed.
	Open
	// HalfOpen lets probe calls through and counts consecutive successes.
	HalfOpen
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config controls breaker thresholds.
type Config struct {
	// FailureThreshold is the number of consecutive failures in Closed
	// that trips the breaker open.
	FailureThreshold uint32

	// Cooldown is how long the breaker stays open before allowing a
	// half-open probe.
	Cooldown time.Duration

	// SuccessThreshold is the number of consecutive half-open successes
	// needed to close the breaker again.
	SuccessThreshold uint32
}

// DefaultConfig returns the thresholds used for MCP servers and other
// external services: 5 failures, 60s cooldown, 2 successes.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Cooldown:         60 * time.Second,
		SuccessThreshold: 2,
	}
}

// ProviderConfig returns the tighter thresholds used for LLM providers:
// 3 failures, 30s cooldown, 1 success.
func ProviderConfig() Config {
	return Config{
		FailureThreshold: 3,
		Cooldown:         30 * time.Second,
		SuccessThreshold: 1,
	}
}

// withDefaults fills zero-value fields from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.FailureThreshold == 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	return c
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides time.Now. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger sets the logger used for state transitions.
func WithLogger(l *slog.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

// WithStateChange registers a callback invoked after every state
// transition. It is called with the breaker's lock released.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onChange = fn }
}

// Snapshot is a point-in-time copy of a breaker's state, suitable for
// status endpoints.
type Snapshot struct {
	Name                 string    `json:"name"`
	State                string    `json:"state"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	OpenedAt             time.Time `json:"opened_at,omitempty"`
}

// Breaker is a circuit breaker for a single named dependency. All
// methods are safe for concurrent use; availability checks and counter
// updates are serialized by one mutex.
type Breaker struct {
	name     string
	cfg      Config
	now      func() time.Time
	logger   *slog.Logger
	onChange func(name string, from, to State)

	mu        sync.Mutex
	state     State
	failures  uint32
	successes uint32
	openedAt  time.Time
}

// New creates a closed breaker. Zero-value Config fields are replaced
// with DefaultConfig values.
func New(name string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{
		name: name,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	b.logger = b.logger.With("breaker", name)
	stateGauge.WithLabelValues(name).Set(float64(Closed))
	return b
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the effective thresholds.
func (b *Breaker) Config() Config {
	return b.cfg
}

// IsAvailable reports whether a call may proceed. An open breaker whose
// cooldown has elapsed moves to half-open and admits the call.
func (b *Breaker) IsAvailable() bool {
	b.mu.Lock()
	var from State
	changed := false
	available := true

	switch b.state {
	case Open:
		if b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
			from, changed = b.state, true
			b.state = HalfOpen
			b.successes = 0
		} else {
			available = false
		}
	}
	b.mu.Unlock()

	if changed {
		b.transitioned(from, HalfOpen)
	}
	return available
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var from State
	changed := false

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			from, changed = b.state, true
			b.state = Closed
			b.failures = 0
			b.successes = 0
			b.openedAt = time.Time{}
		}
	case Open:
		b.mu.Unlock()
		b.logger.Debug("success recorded while breaker open, ignoring")
		return
	}
	b.mu.Unlock()

	if changed {
		b.transitioned(from, Closed)
	}
}

// RecordFailure records a failed call. In half-open a single failure
// reopens the breaker; in open it extends the cooldown.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var from State
	changed := false

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			from, changed = b.state, true
			b.state = Open
			b.openedAt = b.now()
		}
	case HalfOpen:
		from, changed = b.state, true
		b.state = Open
		b.openedAt = b.now()
		b.successes = 0
	case Open:
		b.openedAt = b.now()
	}
	b.mu.Unlock()

	if changed {
		b.transitioned(from, Open)
	}
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.successes = 0
	b.openedAt = time.Time{}
	b.mu.Unlock()

	if from != Closed {
		b.transitioned(from, Closed)
	}
}

// State returns the current phase without side effects. Unlike
// IsAvailable it never moves an expired open breaker to half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:                 b.name,
		State:                b.state.String(),
		ConsecutiveFailures:  b.failures,
		ConsecutiveSuccesses: b.successes,
		OpenedAt:             b.openedAt,
	}
}

func (b *Breaker) transitioned(from, to State) {
	stateGauge.WithLabelValues(b.name).Set(float64(to))
	transitions.WithLabelValues(b.name, to.String()).Inc()

	level := slog.LevelInfo
	if to == Open {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit breaker state changed",
		"from", from.String(),
		"to", to.String(),
	)

	if b.onChange != nil {
		b.onChange(b.name, from, to)
	}
}
