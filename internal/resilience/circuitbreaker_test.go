package resilience

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var errStore = errors.New("store unavailable")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

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

func fail(context.Context) error { return errStore }
func ok(context.Context) error   { return nil }

func newTestBreaker(clock *fakeClock, maxFailures, halfOpenMax int) *Breaker {
	return NewBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  maxFailures,
		ResetTimeout: 10 * time.Second,
		HalfOpenMax:  halfOpenMax,
		Now:          clock.Now,
	})
}

func TestNewBreaker_Defaults(t *testing.T) {
	t.Parallel()

	b := NewBreaker(BreakerConfig{Name: "test"})
	if b.cfg.MaxFailures != 3 {
		t.Errorf("MaxFailures = %d, want 3", b.cfg.MaxFailures)
	}
	if b.cfg.ResetTimeout != 30*time.Second {
		t.Errorf("ResetTimeout = %v, want 30s", b.cfg.ResetTimeout)
	}
	if b.cfg.HalfOpenMax != 1 {
		t.Errorf("HalfOpenMax = %d, want 1", b.cfg.HalfOpenMax)
	}
	if b.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBreaker(newFakeClock(), 3, 1)

	for i := range 3 {
		if err := b.Do(ctx, fail); !errors.Is(err, errStore) {
			t.Fatalf("call %d: err = %v, want store error", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Error("fn ran while the breaker was open")
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBreaker(newFakeClock(), 3, 1)

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, ok)
	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}
}

func TestBreaker_CallerCancellationIsNotAFailure(t *testing.T) {
	t.Parallel()

	b := newTestBreaker(newFakeClock(), 2, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 5 {
		_ = b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed", b.State())
	}

	// An expired deadline counts.
	dctx, dcancel := context.WithTimeout(context.Background(), -time.Second)
	defer dcancel()
	_ = b.Do(dctx, func(ctx context.Context) error { return ctx.Err() })
	_ = b.Do(dctx, func(ctx context.Context) error { return ctx.Err() })
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after deadline failures", b.State())
	}
}

func TestBreaker_HalfOpen(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		trials []func(context.Context) error
		want   State
	}{
		{name: "trials succeed", trials: []func(context.Context) error{ok, ok}, want: StateClosed},
		{name: "trial fails", trials: []func(context.Context) error{fail}, want: StateOpen},
		{name: "second trial fails", trials: []func(context.Context) error{ok, fail}, want: StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			clock := newFakeClock()
			b := newTestBreaker(clock, 1, 2)

			_ = b.Do(ctx, fail)
			if b.State() != StateOpen {
				t.Fatalf("state = %v, want open", b.State())
			}
			clock.Advance(9 * time.Second)
			if b.State() != StateOpen {
				t.Fatalf("state = %v, want open before the reset timeout", b.State())
			}
			clock.Advance(time.Second)
			if b.State() != StateHalfOpen {
				t.Fatalf("state = %v, want half-open", b.State())
			}

			for _, p := range tt.trials {
				_ = b.Do(ctx, p)
			}
			if got := b.State(); got != tt.want {
				t.Errorf("state = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBreaker_HalfOpenLimitsTrialsInFlight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	clock := newFakeClock()
	b := newTestBreaker(clock, 1, 1)

	_ = b.Do(ctx, fail)
	clock.Advance(10 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	if err := b.Do(ctx, ok); !errors.Is(err, ErrOpen) {
		t.Errorf("second trial err = %v, want ErrOpen", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("trial: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := newTestBreaker(newFakeClock(), 1, 1)
	_ = b.Do(ctx, fail)
	if b.State() != StateOpen {
		t.Fatal("expected open")
	}

	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", b.State())
	}
	if err := b.Do(ctx, ok); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
