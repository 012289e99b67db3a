package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/Tyrowin/relaychat/internal/metrics"
)

// BreakerConfig tunes the circuit breaker placed in front of a Store.
type BreakerConfig struct {
	// Failures is the number of consecutive failures that opens the circuit.
	Failures uint32
	// Timeout is how long the circuit stays open before a trial call.
	Timeout time.Duration
	Log     *slog.Logger
	Metrics *metrics.Store
}

// Breaker wraps a Store so that a failing backend is short-circuited with
// ErrUnavailable instead of stalling every caller.
type Breaker struct {
	next    Store
	cb      *gobreaker.CircuitBreaker
	metrics *metrics.Store
}

var _ Store = (*Breaker)(nil)

// WithBreaker decorates next with a circuit breaker.
func WithBreaker(next Store, cfg BreakerConfig) *Breaker {
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        "store",
		MaxRequests: 1,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, ErrEmptyContent) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				"component", name,
				"from", from.String(),
				"to", to.String(),
			)
			if cfg.Metrics != nil {
				cfg.Metrics.BreakerState.Set(float64(to))
			}
		},
	}

	return &Breaker{
		next:    next,
		cb:      gobreaker.NewCircuitBreaker(settings),
		metrics: cfg.Metrics,
	}
}

func (b *Breaker) Append(ctx context.Context, content string) (Message, error) {
	v, err := b.execute("append", func() (any, error) { return b.next.Append(ctx, content) })
	if err != nil {
		return Message{}, err
	}
	return v.(Message), nil
}

func (b *Breaker) List(ctx context.Context) ([]Message, error) {
	v, err := b.execute("list", func() (any, error) { return b.next.List(ctx) })
	if err != nil {
		return nil, err
	}
	return v.([]Message), nil
}

func (b *Breaker) Delete(ctx context.Context, id int64) (int64, error) {
	v, err := b.execute("delete", func() (any, error) { return b.next.Delete(ctx, id) })
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (b *Breaker) Close() error {
	return b.next.Close()
}

// State reports the current breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func (b *Breaker) execute(op string, fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		b.observe(op, "rejected")
		return nil, ErrUnavailable
	case err != nil:
		b.observe(op, "error")
		return nil, err
	}
	b.observe(op, "ok")
	return v, nil
}

func (b *Breaker) observe(op, result string) {
	if b.metrics != nil {
		b.metrics.Operations.WithLabelValues(op, result).Inc()
	}
}
