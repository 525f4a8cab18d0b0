// Package circuitbreaker stops calling a failing dependency for a cool-down
// period, then lets a few trial calls through before closing again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // calls pass
	StateOpen                  // calls rejected until the cool-down ends
	StateHalfOpen              // a limited number of trial calls pass
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

// ErrCircuitOpen is returned without calling fn while the breaker is open
// or its half-open trial slots are taken.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxFailures consecutive failures open the breaker.
	MaxFailures int
	// Cooldown is how long the breaker stays open.
	Cooldown time.Duration
	// HalfOpenMaxCalls trial calls are allowed; that many successes close it.
	HalfOpenMaxCalls int

	OnStateChange func(name string, from, to State)
	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultConfig suits archive uploads: a handful of failures, then back off
// for 30 seconds.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		MaxFailures:      5,
		Cooldown:         30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// Snapshot is a point-in-time view for health endpoints.
type Snapshot struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	MaxFailures     int       `json:"max_failures"`
	CooldownSeconds float64   `json:"cooldown_seconds"`
	LastFailure     time.Time `json:"last_failure,omitzero"`
}

type CircuitBreaker struct {
	cfg    Config
	logger zerolog.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	inFlight    int // half-open trial calls started
	lastFailure time.Time
}

func New(cfg *Config, logger zerolog.Logger) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	c := *cfg
	if c.MaxFailures < 1 {
		c.MaxFailures = 1
	}
	if c.HalfOpenMaxCalls < 1 {
		c.HalfOpenMaxCalls = 1
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return &CircuitBreaker{
		cfg:    c,
		logger: logger.With().Str("component", "circuit-breaker").Str("name", c.Name).Logger(),
	}
}

// Execute calls fn unless the breaker rejects it, and records the outcome.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.admit() {
		cb.logger.Warn().Msg("Call rejected by circuit breaker")
		return ErrCircuitOpen
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.cfg.Now().Sub(cb.lastFailure) < cb.cfg.Cooldown {
			return false
		}
		cb.transition(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if cb.inFlight >= cb.cfg.HalfOpenMaxCalls {
			return false
		}
		cb.inFlight++
		return true
	default:
		return true
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.failures++
		cb.successes = 0
		cb.lastFailure = cb.cfg.Now()
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.MaxFailures {
			cb.transition(StateOpen)
		}
		return
	}

	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.cfg.HalfOpenMaxCalls {
			cb.transition(StateClosed)
		}
	}
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.inFlight = 0

	cb.logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == StateOpen
}

func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return Snapshot{
		Name:            cb.cfg.Name,
		State:           cb.state.String(),
		Failures:        cb.failures,
		MaxFailures:     cb.cfg.MaxFailures,
		CooldownSeconds: cb.cfg.Cooldown.Seconds(),
		LastFailure:     cb.lastFailure,
	}
}

// Reset closes the breaker and clears counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(StateClosed)
	cb.failures = 0
}
