package circuitbreaker

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newBreaker(maxFailures, halfOpen int) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb := New(&Config{
		Name:             "test",
		MaxFailures:      maxFailures,
		Cooldown:         10 * time.Second,
		HalfOpenMaxCalls: halfOpen,
		Now:              clock.Now,
	}, zerolog.Nop())
	return cb, clock
}

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestStateString(t *testing.T) {
	tests := []struct {
		state    State
		expected string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.expected {
			t.Errorf("State.String() = %s, want %s", got, tt.expected)
		}
	}
}

func TestNew_Defaults(t *testing.T) {
	cb := New(nil, zerolog.Nop())
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
	snap := cb.Snapshot()
	if snap.Name != "default" || snap.MaxFailures != 5 || snap.CooldownSeconds != 30 {
		t.Errorf("Snapshot() = %+v", snap)
	}

	cb = New(&Config{Name: "zero"}, zerolog.Nop())
	if cb.cfg.MaxFailures != 1 || cb.cfg.HalfOpenMaxCalls != 1 {
		t.Errorf("zero config not clamped: %+v", cb.cfg)
	}
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newBreaker(3, 1)

	for i := 0; i < 2; i++ {
		if err := cb.Execute(fail); !errors.Is(err, errBoom) {
			t.Fatalf("Execute() = %v, want errBoom", err)
		}
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after 2 failures = %v, want closed", cb.State())
	}

	cb.Execute(fail)
	if !cb.IsOpen() {
		t.Fatalf("state after 3 failures = %v, want open", cb.State())
	}

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) || called {
		t.Errorf("open breaker should reject without calling: err=%v called=%v", err, called)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newBreaker(3, 1)
	cb.Execute(fail)
	cb.Execute(fail)
	cb.Execute(succeed)
	cb.Execute(fail)
	cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Errorf("failures are consecutive only; state = %v", cb.State())
	}
}

func TestCircuitBreaker_HalfOpen(t *testing.T) {
	cb, clock := newBreaker(1, 2)
	cb.Execute(fail)

	clock.Advance(9 * time.Second)
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("before cooldown: %v, want ErrCircuitOpen", err)
	}

	clock.Advance(2 * time.Second)
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("first trial call: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state after one trial success = %v, want half-open", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("second trial call: %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state after trial successes = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newBreaker(1, 3)
	cb.Execute(fail)
	clock.Advance(11 * time.Second)

	cb.Execute(fail)
	if !cb.IsOpen() {
		t.Fatalf("state = %v, want open", cb.State())
	}
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("reopened breaker restarts its cooldown: %v", err)
	}
}

func TestCircuitBreaker_HalfOpenLimitsTrials(t *testing.T) {
	cb, clock := newBreaker(1, 1)
	cb.Execute(fail)
	clock.Advance(11 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		cb.Execute(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("second concurrent trial = %v, want ErrCircuitOpen", err)
	}
	close(release)
	<-done
	if cb.State() != StateClosed {
		t.Errorf("state after the trial succeeded = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	var transitions []string
	var mu sync.Mutex
	clock := &fakeClock{now: time.Now()}
	cb := New(&Config{
		Name:             "hook",
		MaxFailures:      1,
		Cooldown:         time.Second,
		HalfOpenMaxCalls: 1,
		Now:              clock.Now,
		OnStateChange: func(name string, from, to State) {
			mu.Lock()
			transitions = append(transitions, from.String()+"->"+to.String())
			mu.Unlock()
		},
	}, zerolog.Nop())

	cb.Execute(fail)
	clock.Advance(2 * time.Second)
	cb.Execute(succeed)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if len(transitions) != len(want) {
		t.Fatalf("transitions = %v, want %v", transitions, want)
	}
	for i := range want {
		if transitions[i] != want[i] {
			t.Errorf("transition %d = %s, want %s", i, transitions[i], want[i])
		}
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _ := newBreaker(1, 1)
	cb.Execute(fail)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state after Reset = %v", cb.State())
	}
	if err := cb.Execute(succeed); err != nil {
		t.Errorf("Execute after Reset = %v", err)
	}
}

func TestCircuitBreaker_Concurrent(t *testing.T) {
	cb, _ := newBreaker(1000, 1)
	var calls atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cb.Execute(func() error {
				calls.Add(1)
				if i%2 == 0 {
					return errBoom
				}
				return nil
			})
		}(i)
	}
	wg.Wait()
	if calls.Load() != 50 {
		t.Errorf("calls = %d, want 50", calls.Load())
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}
