package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func newGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()
	fg := newGroup()

	var called []string
	err := fg.Execute(func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "primary" {
		t.Fatalf("called = %v, want [primary]", called)
	}
}

func TestFallbackGroup_FailsOver(t *testing.T) {
	t.Parallel()
	fg := newGroup()

	got, err := ExecuteWithResult(fg, func(v string) (string, error) {
		if v == "primary" {
			return "", errTest
		}
		return v + "-result", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secondary-result" {
		t.Fatalf("result = %q, want secondary-result", got)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()
	fg := newGroup()

	err := fg.Execute(func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want last failure wrapped", err)
	}
}

func TestFallbackGroup_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	fg := newGroup()

	for range 2 {
		_ = fg.Execute(func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}

	var called []string
	_ = fg.Execute(func(v string) error {
		called = append(called, v)
		return nil
	})
	if len(called) != 1 || called[0] != "secondary" {
		t.Fatalf("called = %v, want primary skipped", called)
	}

	states := map[string]State{}
	fg.Each(func(name string, _ string, s State) { states[name] = s })
	if states["primary"] != StateOpen || states["secondary"] != StateClosed {
		t.Errorf("states = %v", states)
	}
}

func TestFallbackGroup_HealthCheck(t *testing.T) {
	t.Parallel()
	fg := newGroup()
	fg.SetHealthCheck(func(v string) bool { return v != "primary" })

	var called []string
	if err := fg.Execute(func(v string) error {
		called = append(called, v)
		return nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(called) != 1 || called[0] != "secondary" {
		t.Fatalf("called = %v, want unhealthy primary skipped", called)
	}
}

func TestFallbackGroup_CancellationStopsFailover(t *testing.T) {
	t.Parallel()
	fg := newGroup()

	var called []string
	err := fg.Execute(func(v string) error {
		called = append(called, v)
		return context.Canceled
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want bare cancellation", err)
	}
	if len(called) != 1 {
		t.Fatalf("called = %v, want only primary", called)
	}
}

func TestFallbackGroup_Accessors(t *testing.T) {
	t.Parallel()
	fg := newGroup()
	if fg.Len() != 2 || fg.Primary() != "primary" {
		t.Fatalf("Len=%d Primary=%q", fg.Len(), fg.Primary())
	}
}
