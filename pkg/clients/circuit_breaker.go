package clients

import (
	"context"
	"net/http"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/paulswartz/data-platform/pkg/errors"
)

// CircuitBreaker stops sending requests to an API after a run of
// consecutive failures, then lets a single trial request through once the open
// timeout expires.
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker[*http.Response]
	logger *zap.Logger
}

// NewCircuitBreaker creates a breaker that opens after threshold
// consecutive failures and stays open for timeout.
func NewCircuitBreaker(name string, threshold uint32, timeout time.Duration, logger *zap.Logger) *CircuitBreaker {
	if threshold == 0 {
		threshold = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &CircuitBreaker{logger: logger}
	b.cb = gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// a cancelled caller says nothing about the server
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	return b
}

// Execute runs fn unless the breaker is open.
func (b *CircuitBreaker) Execute(fn func() (*http.Response, error)) (*http.Response, error) {
	return b.cb.Execute(fn)
}

// State returns closed, half-open or open.
func (b *CircuitBreaker) State() string {
	return b.cb.State().String()
}

// IsBreakerRejection reports whether err came from an open or saturated
// breaker rather than from the request itself.
func IsBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
