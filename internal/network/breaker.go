package network

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	drifterrors "github.com/driftlock/driftlock/internal/errors"
)

// BreakerRunner wraps a Runner with a circuit breaker so repeated
// connectivity failures short-circuit further attempts for a while
// instead of hammering a dead link during replay.
type BreakerRunner struct {
	inner  Runner
	cb     *gobreaker.CircuitBreaker
	logger *zap.Logger
}

// NewBreakerRunner wraps inner. Only transient failures count against the
// breaker; application rejections pass through without tripping it.
func NewBreakerRunner(inner Runner, logger *zap.Logger) *BreakerRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:    "backend",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Info("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerRunner{
		inner:  inner,
		cb:     gobreaker.NewCircuitBreaker(settings),
		logger: logger,
	}
}

// Execute runs cmd through the breaker. An open circuit reports as a
// connectivity failure, so callers treat it like any other offline state.
func (b *BreakerRunner) Execute(ctx context.Context, cmd *Command) (*Response, error) {
	result, err := b.cb.Execute(func() (any, error) {
		return b.inner.Execute(ctx, cmd)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, drifterrors.NewConnectivity(err)
		}
		return nil, err
	}
	return result.(*Response), nil
}
