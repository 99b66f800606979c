package network

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"testing"

	drifterrors "github.com/driftlock/driftlock/internal/errors"
	"github.com/driftlock/driftlock/internal/logging"
)

// fakeRunner scripts responses for tests.
type fakeRunner struct {
	mu    sync.Mutex
	errs  []error
	calls int
}

func (f *fakeRunner) Execute(_ context.Context, _ *Command) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &Response{ObjectID: "srv1"}, nil
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{drifterrors.NewConnectivity(nil), true},
		{context.DeadlineExceeded, true},
		{fmt.Errorf("wrap: %w", syscall.ECONNREFUSED), true},
		{syscall.ENETUNREACH, true},
		{drifterrors.NewConflict("rejected"), false},
		{fmt.Errorf("validation failed"), false},
	}
	for _, tc := range cases {
		if got := IsTransient(tc.err); got != tc.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestBreaker_OpensOnConsecutiveTransientFailures(t *testing.T) {
	fake := &fakeRunner{errs: []error{
		syscall.ECONNREFUSED, syscall.ECONNREFUSED, syscall.ECONNREFUSED,
	}}
	runner := NewBreakerRunner(fake, logging.Nop())
	ctx := context.Background()
	cmd := &Command{Kind: KindSave}

	for i := 0; i < 3; i++ {
		if _, err := runner.Execute(ctx, cmd); err == nil {
			t.Fatalf("call %d should fail", i)
		}
	}

	// Circuit is open now; the inner runner must not be reached.
	before := fake.calls
	_, err := runner.Execute(ctx, cmd)
	if !drifterrors.IsConnectivity(err) {
		t.Errorf("open circuit should report connectivity, got %v", err)
	}
	if fake.calls != before {
		t.Error("open circuit should short-circuit the inner runner")
	}
}

func TestBreaker_ApplicationErrorsDoNotTrip(t *testing.T) {
	rejections := make([]error, 10)
	for i := range rejections {
		rejections[i] = drifterrors.NewConflict("invalid field")
	}
	fake := &fakeRunner{errs: rejections}
	runner := NewBreakerRunner(fake, logging.Nop())
	ctx := context.Background()
	cmd := &Command{Kind: KindSave}

	for i := 0; i < 10; i++ {
		_, err := runner.Execute(ctx, cmd)
		if !drifterrors.Is(err, drifterrors.ErrConflict) {
			t.Fatalf("call %d: expected the rejection to pass through, got %v", i, err)
		}
	}

	// Breaker never opened: the next call reaches the inner runner.
	if _, err := runner.Execute(ctx, cmd); err != nil {
		t.Errorf("breaker should still be closed: %v", err)
	}
	if fake.calls != 11 {
		t.Errorf("inner runner saw %d calls, want 11", fake.calls)
	}
}
