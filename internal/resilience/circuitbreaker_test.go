package resilience

import (
	"errors"
	"testing"
	"time"
)

var errUpload = errors.New("ingest unreachable")

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 3})

	for range 10 {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want %v", got, StateClosed)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 3, ResetTimeout: time.Hour})

	for i := range 3 {
		if err := b.Execute(func() error { return errUpload }); !errors.Is(err, errUpload) {
			t.Fatalf("Execute(%d) error = %v, want upload error", i, err)
		}
	}
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want %v", got, StateOpen)
	}

	// Open state short-circuits without running the function.
	called := false
	err := b.Execute(func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) {
		t.Errorf("Execute() while open error = %v, want ErrOpen", err)
	}
	if called {
		t.Error("function ran while breaker was open")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 3, ResetTimeout: time.Hour})

	for range 2 {
		b.Execute(func() error { return errUpload })
	}
	b.Execute(func() error { return nil })
	for range 2 {
		b.Execute(func() error { return errUpload })
	}

	if got := b.State(); got != StateClosed {
		t.Errorf("state = %v, want %v (failures not consecutive)", got, StateClosed)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	b.Execute(func() error { return errUpload })
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want %v", got, StateOpen)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != StateHalfOpen {
		t.Fatalf("state after reset timeout = %v, want %v", got, StateHalfOpen)
	}

	// Two successful probes close the breaker.
	for i := range 2 {
		if err := b.Execute(func() error { return nil }); err != nil {
			t.Fatalf("probe %d error = %v", i, err)
		}
	}
	if got := b.State(); got != StateClosed {
		t.Errorf("state after probes = %v, want %v", got, StateClosed)
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: 10 * time.Millisecond,
	})

	b.Execute(func() error { return errUpload })
	time.Sleep(20 * time.Millisecond)

	// The probe fails; straight back to open.
	b.Execute(func() error { return errUpload })
	if got := b.State(); got != StateOpen {
		t.Errorf("state = %v, want %v", got, StateOpen)
	}
}

func TestBreakerReset(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", MaxFailures: 1, ResetTimeout: time.Hour})

	b.Execute(func() error { return errUpload })
	if got := b.State(); got != StateOpen {
		t.Fatalf("state = %v, want %v", got, StateOpen)
	}

	b.Reset()
	if got := b.State(); got != StateClosed {
		t.Errorf("state after Reset = %v, want %v", got, StateClosed)
	}
	if err := b.Execute(func() error { return nil }); err != nil {
		t.Errorf("Execute() after Reset error = %v", err)
	}
}
