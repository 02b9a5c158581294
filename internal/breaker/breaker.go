package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/timmy/flowline/internal/domain"
	"github.com/timmy/flowline/internal/logger"
)

// State is the per-dependency circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	SuccessThreshold int           // consecutive half-open successes before closing
	Cooldown         time.Duration // open duration before probing
}

// DefaultConfig matches the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Cooldown:         60 * time.Second,
	}
}

// circuit is the state for one dependency name.
type circuit struct {
	state        State
	failures     int
	successes    int
	openedAt     time.Time
	probing      bool // one half-open probe in flight at a time
}

// Breaker isolates failures per external dependency. State is process-local:
// a restart costs at most one extra round of probing.
type Breaker struct {
	mu   sync.Mutex
	cfg  Config
	deps map[string]*circuit
	now  func() time.Time
}

// New creates a Breaker with the given thresholds.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig().SuccessThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultConfig().Cooldown
	}
	return &Breaker{
		cfg:  cfg,
		deps: make(map[string]*circuit),
		now:  time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	b.now = now
	b.mu.Unlock()
}

// StateOf returns the current state for a dependency name.
func (b *Breaker) StateOf(dependency string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(dependency).state
}

// Call runs op behind the circuit for dependency. While the circuit is open
// it fails fast with a CircuitOpenError carrying the remaining cooldown; op
// is not invoked. Errors from op pass through unchanged.
func (b *Breaker) Call(ctx context.Context, dependency string, op func(context.Context) error) error {
	if err := b.admit(ctx, dependency); err != nil {
		return err
	}

	err := op(ctx)
	b.record(ctx, dependency, err)
	return err
}

// admit decides whether a call may proceed, moving open circuits to
// half-open once the cooldown has elapsed.
func (b *Breaker) admit(ctx context.Context, dependency string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(dependency)
	switch c.state {
	case StateClosed:
		return nil
	case StateOpen:
		remaining := c.openedAt.Add(b.cfg.Cooldown).Sub(b.now())
		if remaining > 0 {
			return domain.CircuitOpen(dependency, remaining)
		}
		c.state = StateHalfOpen
		c.successes = 0
		c.probing = true
		logger.CtxInfo(ctx, "circuit half-open for %s, probing", dependency)
		return nil
	default: // half-open
		if c.probing {
			return domain.CircuitOpen(dependency, time.Second)
		}
		c.probing = true
		return nil
	}
}

// record applies the call outcome to the circuit.
func (b *Breaker) record(ctx context.Context, dependency string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(dependency)
	c.probing = false

	if err == nil || !countsAsFailure(err) {
		b.onSuccess(ctx, dependency, c)
		return
	}

	switch c.state {
	case StateHalfOpen:
		// Any half-open failure reopens immediately and restarts the cooldown.
		c.state = StateOpen
		c.openedAt = b.now()
		c.failures = 0
		c.successes = 0
		logger.CtxWarn(ctx, "circuit reopened for %s after failed probe", dependency)
	default:
		c.failures++
		c.successes = 0
		if c.failures >= b.cfg.FailureThreshold {
			c.state = StateOpen
			c.openedAt = b.now()
			logger.CtxWarn(ctx, "circuit opened for %s after %d consecutive failures",
				dependency, c.failures)
		}
	}
}

func (b *Breaker) onSuccess(ctx context.Context, dependency string, c *circuit) {
	switch c.state {
	case StateHalfOpen:
		c.successes++
		if c.successes >= b.cfg.SuccessThreshold {
			c.state = StateClosed
			c.failures = 0
			c.successes = 0
			logger.CtxInfo(ctx, "circuit closed for %s", dependency)
		}
	default:
		c.failures = 0
	}
}

// countsAsFailure reports whether err should trip the circuit. Caller-input
// errors say nothing about the dependency's health and are ignored.
func countsAsFailure(err error) bool {
	e := domain.AsError(err)
	switch e.Kind {
	case domain.ErrValidation, domain.ErrNotFound, domain.ErrUnauthorized:
		return false
	}
	return true
}

// get lazily creates the circuit for a dependency name. Caller holds b.mu.
func (b *Breaker) get(dependency string) *circuit {
	c, ok := b.deps[dependency]
	if !ok {
		c = &circuit{state: StateClosed}
		b.deps[dependency] = c
	}
	return c
}
