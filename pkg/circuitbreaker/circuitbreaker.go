package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned without calling the guarded function.
var ErrOpen = errors.New("circuit breaker open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type Config struct {
	// FailureThreshold consecutive failures open the breaker.
	FailureThreshold int `yaml:"failure_threshold"`
	// SuccessThreshold half-open successes close it again.
	SuccessThreshold int `yaml:"success_threshold"`
	// OpenTimeout is how long the breaker rejects before probing.
	OpenTimeout time.Duration `yaml:"open_timeout"`
	// MaxProbes bounds concurrent calls while half-open.
	MaxProbes int `yaml:"max_probes"`
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      10 * time.Second,
		MaxProbes:        1,
	}
}

type Stats struct {
	State               State
	ConsecutiveFailures int
	Rejected            uint64
	LastChange          time.Time
}

// Breaker guards calls to a dependency that may be down.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	probes    int
	rejected  uint64
	changedAt time.Time

	onChange func(name string, from, to State)
}

func New(name string, config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.MaxProbes <= 0 {
		config.MaxProbes = 1
	}
	return &Breaker{
		name:      name,
		config:    config,
		now:       time.Now,
		changedAt: time.Now(),
	}
}

// OnStateChange registers fn, called synchronously after each transition
// with the breaker unlocked.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Execute runs fn unless the breaker is open. Context errors are returned
// without counting as failures.
func (b *Breaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	probe, err := b.admit()
	if err != nil {
		return err
	}

	err = fn()
	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		b.release(probe)
		return err
	}
	b.record(probe, err == nil)
	return err
}

func (b *Breaker) admit() (bool, error) {
	b.mu.Lock()

	if b.state == StateOpen && b.now().Sub(b.changedAt) >= b.config.OpenTimeout {
		notify := b.transitionLocked(StateHalfOpen)
		b.mu.Unlock()
		notify()
		b.mu.Lock()
	}

	defer b.mu.Unlock()
	switch b.state {
	case StateOpen:
		b.rejected++
		return false, fmt.Errorf("%s: %w", b.name, ErrOpen)
	case StateHalfOpen:
		if b.probes >= b.config.MaxProbes {
			b.rejected++
			return false, fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.probes++
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) release(probe bool) {
	if !probe {
		return
	}
	b.mu.Lock()
	if b.probes > 0 {
		b.probes--
	}
	b.mu.Unlock()
}

func (b *Breaker) record(probe, ok bool) {
	b.mu.Lock()
	if probe && b.probes > 0 {
		b.probes--
	}

	notify := func() {}
	switch {
	case ok && b.state == StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			notify = b.transitionLocked(StateClosed)
		}
	case ok:
		b.failures = 0
	case b.state == StateHalfOpen:
		notify = b.transitionLocked(StateOpen)
	default:
		b.failures++
		if b.state == StateClosed && b.failures >= b.config.FailureThreshold {
			notify = b.transitionLocked(StateOpen)
		}
	}
	b.mu.Unlock()
	notify()
}

func (b *Breaker) transitionLocked(to State) func() {
	from := b.state
	if from == to {
		return func() {}
	}
	b.state = to
	b.changedAt = b.now()
	b.failures = 0
	b.successes = 0
	b.probes = 0

	fn := b.onChange
	if fn == nil {
		return func() {}
	}
	return func() { fn(b.name, from, to) }
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		State:               b.state,
		ConsecutiveFailures: b.failures,
		Rejected:            b.rejected,
		LastChange:          b.changedAt,
	}
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	notify := b.transitionLocked(StateClosed)
	b.mu.Unlock()
	notify()
}
