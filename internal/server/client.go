package server

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/relaychat/internal/relay"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

var (
	// ErrSendBufferFull is returned by Push when the client cannot keep up.
	// The client is closed as a consequence.
	ErrSendBufferFull = errors.New("server: client send buffer full")
	// ErrClientClosed is returned by Push after the client was closed.
	ErrClientClosed = errors.New("server: client closed")
)

// Client is a WebSocket connection adapted to relay.Transport. Inbound frames
// are read by the session goroutine through ReadFrame; outbound text is
// queued by Push and written by writePump.
type Client struct {
	id             string
	conn           *websocket.Conn
	send           chan []byte
	done           chan struct{}
	addr           string
	maxMessageSize int64
	log            *slog.Logger
	closed         atomic.Bool
	closeOnce      sync.Once
}

var _ relay.Transport = (*Client)(nil)

// NewClient wraps conn. sendBuffer bounds the number of queued outbound
// messages; maxMessageSize bounds inbound frames.
func NewClient(id string, conn *websocket.Conn, addr string, sendBuffer int, maxMessageSize int64, log *slog.Logger) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	if conn != nil {
		conn.SetReadLimit(maxMessageSize)
	}

	return &Client{
		id:             id,
		conn:           conn,
		send:           make(chan []byte, sendBuffer),
		done:           make(chan struct{}),
		addr:           addr,
		maxMessageSize: maxMessageSize,
		log:            log.With("conn_id", id, "remote_addr", addr),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) Alive() bool { return !c.closed.Load() }

// Push queues text without blocking. A client whose buffer is full is too
// slow to keep and is closed.
func (c *Client) Push(text string) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	select {
	case c.send <- []byte(text):
		return nil
	case <-c.done:
		return ErrClientClosed
	default:
		c.log.Warn("Send buffer full; closing slow client", "buffer", cap(c.send))
		_ = c.Close()
		return ErrSendBufferFull
	}
}

// ReadFrame blocks for the next data frame. Pings and pongs are answered by
// the connection's control handlers and never surface here.
func (c *Client) ReadFrame() (relay.Frame, error) {
	messageType, data, err := c.conn.ReadMessage()
	if err != nil {
		return c.readError(err)
	}

	switch messageType {
	case websocket.TextMessage:
		if !utf8.Valid(data) {
			return relay.Frame{}, fmt.Errorf("invalid utf-8 in text frame: %w", relay.ErrFrameSkipped)
		}
		return relay.Frame{Kind: relay.FrameText, Text: string(data)}, nil
	case websocket.BinaryMessage:
		return relay.Frame{Kind: relay.FrameBinary}, nil
	default:
		return relay.Frame{}, fmt.Errorf("unexpected message type %d: %w", messageType, relay.ErrFrameSkipped)
	}
}

func (c *Client) readError(err error) (relay.Frame, error) {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		c.log.Debug("Client disconnected", "error", err)
		return relay.Frame{Kind: relay.FrameClose}, nil
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		c.log.Warn("Message exceeded maximum size", "max_bytes", c.maxMessageSize)
		return relay.Frame{}, err
	}

	if errors.Is(err, io.EOF) || isExpectedCloseError(err) || c.closed.Load() {
		c.log.Debug("Client connection closed", "error", err)
	} else {
		c.log.Warn("WebSocket read error", "error", err)
	}
	return relay.Frame{}, err
}

// Close sends a best-effort close frame and closes the connection. It is
// safe to call repeatedly and from any goroutine.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
		if c.conn == nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		if cerr := c.conn.Close(); cerr != nil && !isExpectedCloseError(cerr) {
			err = cerr
		}
	})
	return err
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *Client) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Debug("Error setting initial read deadline", "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// writePump drains the send queue onto the connection and keeps it alive
// with pings. It returns once the client is closed or a write fails.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			if !c.writeText(message) {
				return
			}
		case <-ticker.C:
			if !c.writePing() {
				return
			}
		}
	}
}

// writeText writes one queued message per text frame; frames are never
// coalesced, so every Push is exactly one client-visible message.
func (c *Client) writeText(message []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("Error setting write deadline", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing message", "error", err)
		}
		return false
	}
	return true
}

func (c *Client) writePing() bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		c.log.Debug("Error setting write deadline for ping", "error", err)
		return false
	}
	if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
		if !isExpectedCloseError(err) {
			c.log.Warn("Error writing ping", "error", err)
		}
		return false
	}
	return true
}
