package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/store"
)

// MessageStore is the part of the durable store the session handler needs.
type MessageStore interface {
	Append(ctx context.Context, content string) (store.Message, error)
}

const defaultAppendTimeout = 5 * time.Second

// Handler runs client sessions: it registers each Transport, relays its text
// frames and deregisters it when the session terminates.
type Handler struct {
	registry      *Registry
	broadcaster   *Broadcaster
	store         MessageStore
	log           *slog.Logger
	metrics       *metrics.Relay
	limit         rate.Limit
	burst         int
	appendTimeout time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHandlerLogger sets the base logger for sessions.
func WithHandlerLogger(log *slog.Logger) HandlerOption {
	return func(h *Handler) { h.log = log }
}

// WithHandlerMetrics enables frame counters.
func WithHandlerMetrics(m *metrics.Relay) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithRateLimit allows each session burst text frames per interval; frames
// over the limit are discarded. A non-positive burst disables limiting.
func WithRateLimit(burst int, interval time.Duration) HandlerOption {
	return func(h *Handler) {
		if burst <= 0 {
			h.limit, h.burst = 0, 0
			return
		}
		if interval <= 0 {
			interval = time.Second
		}
		h.limit = rate.Limit(float64(burst) / interval.Seconds())
		h.burst = burst
	}
}

// WithAppendTimeout bounds each store append.
func WithAppendTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.appendTimeout = d
		}
	}
}

// NewHandler creates a session handler. A nil store relays without persisting.
func NewHandler(reg *Registry, bc *Broadcaster, st MessageStore, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry:      reg,
		broadcaster:   bc,
		store:         st,
		log:           slog.Default(),
		appendTimeout: defaultAppendTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve drives one session until the client closes, a fatal read error
// occurs or ctx is cancelled. It registers t exactly once on entry and always
// deregisters and closes it on return. A nil error means a normal closure.
func (h *Handler) Serve(ctx context.Context, t Transport) error {
	log := h.log.With("conn_id", t.ID())

	h.registry.Register(t)
	defer h.terminate(t, log)

	// Unblock ReadFrame when the server shuts down.
	stop := context.AfterFunc(ctx, func() { _ = t.Close() })
	defer stop()

	var limiter *rate.Limiter
	if h.burst > 0 {
		limiter = rate.NewLimiter(h.limit, h.burst)
	}

	for {
		frame, err := t.ReadFrame()
		if err != nil {
			if errors.Is(err, ErrFrameSkipped) {
				log.Debug("Ignoring unreadable frame", "error", err)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		h.countFrame(frame.Kind)

		switch frame.Kind {
		case FrameText:
			if limiter != nil && !limiter.Allow() {
				log.Warn("Rate limit exceeded; discarding message", "burst", h.burst)
				if h.metrics != nil {
					h.metrics.FramesDropped.Inc()
				}
				continue
			}
			h.relay(ctx, log, frame.Text)
		case FrameClose:
			log.Debug("Client closed session")
			return nil
		default:
			// binary and control frames carry nothing to relay
		}
	}
}

// relay fans the text out first so a slow store never delays live delivery;
// an append failure is logged and does not suppress the broadcast.
func (h *Handler) relay(ctx context.Context, log *slog.Logger, text string) {
	h.broadcaster.Broadcast(text)

	if h.store == nil {
		return
	}
	appendCtx, cancel := context.WithTimeout(ctx, h.appendTimeout)
	defer cancel()
	_, err := h.store.Append(appendCtx, text)
	switch {
	case errors.Is(err, store.ErrEmptyContent):
		log.Debug("Empty message relayed but not stored")
	case err != nil:
		log.Error("Failed to store message", "error", err)
	}
}

func (h *Handler) terminate(t Transport, log *slog.Logger) {
	h.registry.Deregister(t)
	h.registry.PruneDead()
	if err := t.Close(); err != nil {
		log.Debug("Error closing transport", "error", err)
	}
	log.Info("Session ended", "remaining", h.registry.Len())
}

func (h *Handler) countFrame(kind FrameKind) {
	if h.metrics != nil {
		h.metrics.FramesReceived.WithLabelValues(kind.String()).Inc()
	}
}
