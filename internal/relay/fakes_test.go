package relay_test

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/Tyrowin/relaychat/internal/relay"
)

var errBrokenPipe = errors.New("broken pipe")

// fakeConn records every push it receives.
type fakeConn struct {
	id       string
	mu       sync.Mutex
	received []string
	dead     atomic.Bool
	fail     atomic.Bool
	panics   bool
	block    chan struct{}
}

func newFakeConn(id string) *fakeConn {
	return &fakeConn{id: id}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Push(text string) error {
	if c.block != nil {
		<-c.block
	}
	if c.panics {
		panic("push on torn-down connection")
	}
	if c.fail.Load() || c.dead.Load() {
		return errBrokenPipe
	}
	c.mu.Lock()
	c.received = append(c.received, text)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Alive() bool { return !c.dead.Load() }

func (c *fakeConn) Received() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.received...)
}

type readResult struct {
	frame relay.Frame
	err   error
}

// fakeTransport feeds scripted frames to a Handler.
type fakeTransport struct {
	*fakeConn
	frames    chan readResult
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{
		fakeConn: newFakeConn(id),
		frames:   make(chan readResult, 16),
		closed:   make(chan struct{}),
	}
}

func (t *fakeTransport) ReadFrame() (relay.Frame, error) {
	select {
	case r := <-t.frames:
		return r.frame, r.err
	case <-t.closed:
		return relay.Frame{}, net.ErrClosed
	}
}

func (t *fakeTransport) Close() error {
	t.closes.Add(1)
	t.closeOnce.Do(func() {
		t.dead.Store(true)
		close(t.closed)
	})
	return nil
}

func (t *fakeTransport) sendText(text string) {
	t.frames <- readResult{frame: relay.Frame{Kind: relay.FrameText, Text: text}}
}

func (t *fakeTransport) sendKind(kind relay.FrameKind) {
	t.frames <- readResult{frame: relay.Frame{Kind: kind}}
}

func (t *fakeTransport) sendErr(err error) {
	t.frames <- readResult{err: err}
}
