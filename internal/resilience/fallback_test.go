package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func newTestGroup(names ...string) *FallbackGroup[string] {
	cfg := FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
		Logger:         quietLogger(),
	}
	fg := NewFallbackGroup(names[0], names[0], cfg)
	for _, n := range names[1:] {
		fg.AddFallback(n, n)
	}
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	t.Parallel()
	fg := newTestGroup("primary", "secondary")

	var called []string
	err := fg.Execute(context.Background(), func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(called, []string{"primary"}) {
		t.Errorf("called = %v, want [primary]", called)
	}
}

func TestFallbackGroup_Failover(t *testing.T) {
	t.Parallel()
	fg := newTestGroup("primary", "secondary", "tertiary")

	got, served, err := ExecuteWithResult(context.Background(), fg, func(v string) (string, error) {
		if v != "tertiary" {
			return "", errTest
		}
		return "from-" + v, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "from-tertiary" || served != "tertiary" {
		t.Errorf("result = %q served by %q, want from-tertiary by tertiary", got, served)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	t.Parallel()
	fg := newTestGroup("primary", "secondary")

	err := fg.Execute(context.Background(), func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Errorf("err = %v does not wrap the entry failures", err)
	}
}

func TestFallbackGroup_SkipsOpenCircuit(t *testing.T) {
	t.Parallel()
	fg := newTestGroup("primary", "secondary")

	for range 2 {
		_ = fg.Execute(context.Background(), func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if got := fg.Breaker("primary").State(); got != StateOpen {
		t.Fatalf("primary breaker = %v, want open", got)
	}

	var called []string
	err := fg.Execute(context.Background(), func(v string) error {
		called = append(called, v)
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !slices.Equal(called, []string{"secondary"}) {
		t.Errorf("called = %v, want [secondary]", called)
	}
}

func TestFallbackGroup_ContextEndsFailover(t *testing.T) {
	t.Parallel()
	fg := newTestGroup("primary", "secondary")

	ctx, cancel := context.WithCancel(context.Background())
	var called []string
	err := fg.Execute(ctx, func(v string) error {
		called = append(called, v)
		cancel()
		return ctx.Err()
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want bare context.Canceled", err)
	}
	if !slices.Equal(called, []string{"primary"}) {
		t.Errorf("called = %v, want [primary]", called)
	}
	if fg.Breaker("primary").LastError() != nil {
		t.Error("cancellation counted as a provider failure")
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	t.Parallel()
	fg := newTestGroup("a", "b", "c")
	if got := fg.Names(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Errorf("Names = %v", got)
	}
	if fg.Breaker("missing") != nil {
		t.Error("Breaker(missing) != nil")
	}
}
