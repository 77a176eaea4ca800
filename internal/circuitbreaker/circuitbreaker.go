// Package circuitbreaker stops delivery attempts to a target that keeps
// failing, and lets a single trial batch through once a cool-down passes.
package circuitbreaker

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrOpen is returned by Call while the breaker is rejecting calls.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	}
	return "unknown"
}

// Config controls when the breaker trips and recovers.
type Config struct {
	// FailureThreshold is the number of consecutive failed calls that opens
	// the breaker. Zero disables it.
	FailureThreshold int `mapstructure:"failure_threshold"`
	// SuccessThreshold is the number of successful trial calls that closes it.
	SuccessThreshold int `mapstructure:"success_threshold"`
	// OpenTimeout is how long the breaker stays open before a trial call.
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// Enabled reports whether the breaker would ever open.
func (c Config) Enabled() bool {
	return c.FailureThreshold > 0
}

// Breaker is safe for concurrent use.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time
	notify func(name string, s State)

	mu        sync.Mutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
	trial     bool
}

// New creates a closed breaker. notify, if set, is called on every state
// change with the lock released.
func New(name string, config Config, notify func(name string, s State)) *Breaker {
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	return &Breaker{name: name, config: config, now: time.Now, notify: notify}
}

// Call runs fn unless the breaker is open. Only one trial call runs at a
// time while half-open; others get ErrOpen.
func (b *Breaker) Call(fn func() error) error {
	if b == nil || !b.config.Enabled() {
		return fn()
	}
	if !b.allow() {
		return ErrOpen
	}
	err := fn()
	b.record(err)
	return err
}

// State returns the current position.
func (b *Breaker) State() State {
	if b == nil {
		return Closed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	var changed bool
	defer func() {
		b.mu.Unlock()
		if changed {
			b.changed(HalfOpen)
		}
	}()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.config.OpenTimeout {
			return false
		}
		b.state = HalfOpen
		b.successes = 0
		changed = true
	}

	if b.trial {
		return false
	}
	b.trial = true
	return true
}

func (b *Breaker) record(err error) {
	b.mu.Lock()
	prev := b.state
	b.trial = false

	switch {
	case err == nil && b.state == HalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.state = Closed
			b.failures = 0
		}
	case err == nil:
		b.failures = 0
	case b.state == HalfOpen:
		b.state = Open
		b.openedAt = b.now()
	default:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.state = Open
			b.openedAt = b.now()
		}
	}
	next := b.state
	failures := b.failures
	b.mu.Unlock()

	if next != prev {
		if next == Open {
			slog.Warn("circuit breaker opened", "target", b.name, "consecutive_failures", failures)
		} else if next == Closed {
			slog.Info("circuit breaker closed", "target", b.name)
		}
		b.changed(next)
	}
}

func (b *Breaker) changed(s State) {
	if s == HalfOpen {
		slog.Info("circuit breaker half-open, sending trial batch", "target", b.name)
	}
	if b.notify != nil {
		b.notify(b.name, s)
	}
}
