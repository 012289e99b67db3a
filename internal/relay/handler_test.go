package relay_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/Tyrowin/relaychat/internal/metrics"
	"github.com/Tyrowin/relaychat/internal/relay"
	"github.com/Tyrowin/relaychat/internal/store"
	"github.com/Tyrowin/relaychat/internal/store/mocks"
)

const waitFor = time.Second

type session struct {
	transport *fakeTransport
	done      chan error
}

// startSession runs h.Serve on a fresh transport and waits for registration.
func startSession(t *testing.T, ctx context.Context, h *relay.Handler, reg *relay.Registry, id string) *session {
	t.Helper()
	before := reg.Len()
	s := &session{transport: newFakeTransport(id), done: make(chan error, 1)}
	go func() { s.done <- h.Serve(ctx, s.transport) }()
	require.Eventually(t, func() bool { return reg.Len() == before+1 }, waitFor, time.Millisecond)
	return s
}

func (s *session) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.done:
		return err
	case <-time.After(waitFor):
		t.Fatal("session did not terminate in time")
		return nil
	}
}

func TestHandler_RegistersAndDeregistersSession(t *testing.T) {
	req := require.New(t)
	reg := relay.NewRegistry()
	h := relay.NewHandler(reg, relay.NewBroadcaster(reg), nil)

	// Given an active session
	s := startSession(t, context.Background(), h, reg, "a")
	req.Equal([]relay.Connection{s.transport}, reg.Snapshot())

	// When the client sends a close frame
	s.transport.sendKind(relay.FrameClose)

	// Then the session ends cleanly, deregistered and closed
	req.NoError(s.wait(t))
	req.Zero(reg.Len())
	req.False(s.transport.Alive())
	req.GreaterOrEqual(s.transport.closes.Load(), int32(1))
}

func TestHandler_RelaysTextToStoreAndEveryone(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	reg := relay.NewRegistry()
	h := relay.NewHandler(reg, relay.NewBroadcaster(reg), st)

	listener := newFakeConn("listener")
	reg.Register(listener)

	st.EXPECT().Append(gomock.Any(), "hi").
		Return(store.Message{ID: 1, Content: "hi", Timestamp: time.Now()}, nil).
		Times(1)

	// Given a sender session
	s := startSession(t, context.Background(), h, reg, "sender")

	// When it sends a text frame
	s.transport.sendText("hi")

	// Then the listener and the sender itself receive it
	req.Eventually(func() bool {
		return len(listener.Received()) == 1 && len(s.transport.Received()) == 1
	}, waitFor, time.Millisecond)
	req.Equal([]string{"hi"}, listener.Received())
	req.Equal([]string{"hi"}, s.transport.Received())

	s.transport.sendKind(relay.FrameClose)
	req.NoError(s.wait(t))
}

func TestHandler_StoreFailureDoesNotSuppressRelay(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	reg := relay.NewRegistry()
	h := relay.NewHandler(reg, relay.NewBroadcaster(reg), st)

	listener := newFakeConn("listener")
	reg.Register(listener)

	st.EXPECT().Append(gomock.Any(), "unsaved").
		Return(store.Message{}, errors.New("connection refused")).
		Times(1)

	s := startSession(t, context.Background(), h, reg, "sender")
	s.transport.sendText("unsaved")
	s.transport.sendKind(relay.FrameClose)

	req.NoError(s.wait(t))
	req.Eventually(func() bool { return len(listener.Received()) == 1 }, waitFor, time.Millisecond)
}

func TestHandler_EmptyTextIsRelayedWithoutStoreError(t *testing.T) {
	req := require.New(t)
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	reg := relay.NewRegistry()
	h := relay.NewHandler(reg, relay.NewBroadcaster(reg), store.NewMemory(nil), relay.WithHandlerLogger(log))

	listener := newFakeConn("listener")
	reg.Register(listener)

	s := startSession(t, context.Background(), h, reg, "sender")
	s.transport.sendText("")
	s.transport.sendKind(relay.FrameClose)

	req.NoError(s.wait(t))
	req.Eventually(func() bool { return len(listener.Received()) == 1 }, waitFor, time.Millisecond)
	req.Equal([]string{""}, listener.Received())
	req.NotContains(logs.String(), "level=ERROR")
	req.Contains(logs.String(), "Empty message relayed but not stored")
}

func TestHandler_IgnoresNonTextFrames(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	reg := relay.NewRegistry()
	h := relay.NewHandler(reg, relay.NewBroadcaster(reg), st)

	listener := newFakeConn("listener")
	reg.Register(listener)

	st.EXPECT().Append(gomock.Any(), "after").Return(store.Message{ID: 7}, nil).Times(1)

	s := startSession(t, context.Background(), h, reg, "sender")
	s.transport.sendKind(relay.FrameBinary)
	s.transport.sendKind(relay.FramePing)
	s.transport.sendErr(fmt.Errorf("bad utf-8: %w", relay.ErrFrameSkipped))
	s.transport.sendText("after")
	s.transport.sendKind(relay.FrameClose)

	req.NoError(s.wait(t))
	req.Eventually(func() bool { return len(listener.Received()) == 1 }, waitFor, time.Millisecond)
	req.Equal([]string{"after"}, listener.Received())
}

func TestHandler_FatalReadErrorEndsSession(t *testing.T) {
	req := require.New(t)
	reg := relay.NewRegistry()
	h := relay.NewHandler(reg, relay.NewBroadcaster(reg), nil)
	boom := errors.New("unexpected EOF")

	s := startSession(t, context.Background(), h, reg, "a")
	s.transport.sendErr(boom)

	req.ErrorIs(s.wait(t), boom)
	req.Zero(reg.Len())
}

func TestHandler_ContextCancellationEndsSession(t *testing.T) {
	req := require.New(t)
	reg := relay.NewRegistry()
	h := relay.NewHandler(reg, relay.NewBroadcaster(reg), nil)
	ctx, cancel := context.WithCancel(context.Background())

	s := startSession(t, ctx, h, reg, "a")
	cancel()

	req.NoError(s.wait(t))
	req.Zero(reg.Len())
	req.False(s.transport.Alive())
}

func TestHandler_RateLimitDiscardsExcessFrames(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	st := mocks.NewMockStore(ctrl)
	m := metrics.NewRelay(prometheus.NewRegistry())
	reg := relay.NewRegistry()
	h := relay.NewHandler(reg, relay.NewBroadcaster(reg), st,
		relay.WithRateLimit(2, time.Hour),
		relay.WithHandlerMetrics(m),
	)

	st.EXPECT().Append(gomock.Any(), gomock.Any()).Return(store.Message{}, nil).Times(2)

	s := startSession(t, context.Background(), h, reg, "chatty")
	for i := 0; i < 5; i++ {
		s.transport.sendText(fmt.Sprintf("msg %d", i))
	}
	s.transport.sendKind(relay.FrameClose)

	req.NoError(s.wait(t))
	req.Equal(3.0, testutil.ToFloat64(m.FramesDropped))
	req.Equal(5.0, testutil.ToFloat64(m.FramesReceived.WithLabelValues("text")))
}

func TestHandler_PrunesDeadPeersOnTermination(t *testing.T) {
	req := require.New(t)
	reg := relay.NewRegistry()
	h := relay.NewHandler(reg, relay.NewBroadcaster(reg), nil)

	stale := newFakeConn("stale")
	reg.Register(stale)
	stale.dead.Store(true)

	s := startSession(t, context.Background(), h, reg, "a")
	s.transport.sendKind(relay.FrameClose)

	req.NoError(s.wait(t))
	req.Zero(reg.Len())
}
