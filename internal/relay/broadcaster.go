package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Tyrowin/relaychat/internal/metrics"
)

// Broadcaster delivers a text payload to every connection in a registry
// snapshot. Each recipient push runs on its own goroutine and its failure is
// absorbed here: it is logged and counted, never returned, and the recipient
// stays registered until its own liveness check fails.
type Broadcaster struct {
	registry *Registry
	log      *slog.Logger
	metrics  *metrics.Relay
}

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

// WithBroadcasterLogger sets the logger used for delivery failures.
func WithBroadcasterLogger(log *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.log = log }
}

// WithBroadcasterMetrics enables broadcast and delivery counters.
func WithBroadcasterMetrics(m *metrics.Relay) BroadcasterOption {
	return func(b *Broadcaster) { b.metrics = m }
}

// NewBroadcaster creates a Broadcaster that fans out to reg.
func NewBroadcaster(reg *Registry, opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{registry: reg, log: slog.Default()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Broadcast dispatches text to every registered connection and returns
// without waiting for the pushes to complete.
func (b *Broadcaster) Broadcast(text string) {
	b.fanOut(text)
}

// BroadcastWait dispatches text like Broadcast and then blocks until every
// push has returned or ctx is done. Partial failure is not reported.
func (b *Broadcaster) BroadcastWait(ctx context.Context, text string) {
	done := b.fanOut(text)
	select {
	case <-done:
	case <-ctx.Done():
		b.log.Warn("Broadcast wait abandoned", "error", ctx.Err())
	}
}

// fanOut starts one push per snapshot entry and returns a channel closed once
// all of them have finished.
func (b *Broadcaster) fanOut(text string) <-chan struct{} {
	recipients := b.registry.Snapshot()
	done := make(chan struct{})

	if b.metrics != nil {
		b.metrics.Broadcasts.Inc()
	}
	if len(recipients) == 0 {
		close(done)
		return done
	}

	b.log.Debug("Broadcasting message", "recipients", len(recipients))

	var wg sync.WaitGroup
	wg.Add(len(recipients))
	for _, c := range recipients {
		go func(c Connection) {
			defer wg.Done()
			b.deliver(c, text)
		}(c)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func (b *Broadcaster) deliver(c Connection, text string) {
	err := safePush(c, text)
	if err != nil {
		b.log.Debug("Delivery failed", "conn_id", c.ID(), "error", err)
		b.count("failed")
		return
	}
	b.count("ok")
}

func (b *Broadcaster) count(result string) {
	if b.metrics != nil {
		b.metrics.Deliveries.WithLabelValues(result).Inc()
	}
}

// safePush turns a panicking Push into an ordinary delivery error.
func safePush(c Connection, text string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("push panicked: %v", r)
		}
	}()
	return c.Push(text)
}
