package store

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Memory is a process-local Store, used in development and tests.
type Memory struct {
	mu       sync.RWMutex
	clock    clockwork.Clock
	nextID   int64
	messages []Message
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store stamping messages with clock.
// A nil clock means the real clock.
func NewMemory(clock clockwork.Clock) *Memory {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{clock: clock, nextID: 1}
}

func (m *Memory) Append(_ context.Context, content string) (Message, error) {
	if content == "" {
		return Message{}, ErrEmptyContent
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msg := Message{ID: m.nextID, Content: content, Timestamp: m.clock.Now().UTC()}
	m.nextID++
	m.messages = append(m.messages, msg)
	return msg, nil
}

func (m *Memory) List(_ context.Context) ([]Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Message, len(m.messages))
	copy(out, m.messages)
	return out, nil
}

func (m *Memory) Delete(_ context.Context, id int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, msg := range m.messages {
		if msg.ID == id {
			m.messages = append(m.messages[:i], m.messages[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (m *Memory) Close() error { return nil }
