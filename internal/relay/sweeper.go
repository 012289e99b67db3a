package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
)

// Sweeper periodically prunes dead handles from a Registry, catching
// connections that died without their session reaching termination.
type Sweeper struct {
	registry *Registry
	interval time.Duration
	clock    clockwork.Clock
	log      *slog.Logger
}

// NewSweeper creates a sweeper. A nil clock means the real clock and a
// non-positive interval defaults to 30 seconds.
func NewSweeper(reg *Registry, interval time.Duration, clock clockwork.Clock, log *slog.Logger) *Sweeper {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{registry: reg, interval: interval, clock: clock, log: log}
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if n := s.registry.PruneDead(); n > 0 {
				s.log.Info("Swept dead connections", "removed", n, "remaining", s.registry.Len())
			}
		}
	}
}
