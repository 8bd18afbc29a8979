package resilience_test

import (
	"errors"
	"testing"
	"time"

	"github.com/llmule/broker/internal/resilience"
)

var errBoom = errors.New("boom")

func fail() error { return errBoom }
func ok() error   { return nil }

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	b := resilience.New(resilience.Config{Name: "test", Trip: 3, CoolOff: time.Hour})

	for i := 0; i < 3; i++ {
		if err := b.Do(fail); !errors.Is(err, errBoom) {
			t.Fatalf("call %d: err = %v, want errBoom", i, err)
		}
	}
	if got := b.State(); got != resilience.Open {
		t.Fatalf("state = %s, want open", got)
	}
	if err := b.Do(ok); !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("err = %v, want ErrOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	t.Parallel()
	b := resilience.New(resilience.Config{Name: "test", Trip: 3, CoolOff: time.Hour})

	for i := 0; i < 2; i++ {
		_ = b.Do(fail)
	}
	if err := b.Do(ok); err != nil {
		t.Fatalf("ok call: %v", err)
	}
	for i := 0; i < 2; i++ {
		_ = b.Do(fail)
	}
	if got := b.State(); got != resilience.Closed {
		t.Errorf("state = %s, want closed after counter reset", got)
	}
}

func TestBreaker_ProbesAfterCoolOff(t *testing.T) {
	t.Parallel()
	b := resilience.New(resilience.Config{Name: "test", Trip: 1, CoolOff: 10 * time.Millisecond, Probes: 2})

	_ = b.Do(fail)
	if got := b.State(); got != resilience.Open {
		t.Fatalf("state = %s, want open", got)
	}

	time.Sleep(20 * time.Millisecond)
	if got := b.State(); got != resilience.HalfOpen {
		t.Fatalf("state = %s, want half-open after cool-off", got)
	}

	// Two successful probes close the breaker.
	if err := b.Do(ok); err != nil {
		t.Fatalf("probe 1: %v", err)
	}
	if err := b.Do(ok); err != nil {
		t.Fatalf("probe 2: %v", err)
	}
	if got := b.State(); got != resilience.Closed {
		t.Errorf("state = %s, want closed after probes", got)
	}
}

func TestBreaker_ProbeFailureReopens(t *testing.T) {
	t.Parallel()
	b := resilience.New(resilience.Config{Name: "test", Trip: 1, CoolOff: 10 * time.Millisecond, Probes: 2})

	_ = b.Do(fail)
	time.Sleep(20 * time.Millisecond)

	if err := b.Do(fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe: err = %v", err)
	}
	if got := b.State(); got != resilience.Open {
		t.Errorf("state = %s, want open after failed probe", got)
	}
	if err := b.Do(ok); !errors.Is(err, resilience.ErrOpen) {
		t.Errorf("err = %v, want ErrOpen while cooling off again", err)
	}
}

func TestBreaker_Reset(t *testing.T) {
	t.Parallel()
	b := resilience.New(resilience.Config{Name: "test", Trip: 1, CoolOff: time.Hour})

	_ = b.Do(fail)
	if got := b.State(); got != resilience.Open {
		t.Fatalf("state = %s, want open", got)
	}
	b.Reset()
	if got := b.State(); got != resilience.Closed {
		t.Errorf("state = %s, want closed after reset", got)
	}
	if err := b.Do(ok); err != nil {
		t.Errorf("call after reset: %v", err)
	}
}
