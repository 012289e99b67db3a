//go:generate go run go.uber.org/mock/mockgen -source=store.go -destination=mocks/mock_store.go -package=mocks

// Package store defines the durable message store used by the relay and the
// HTTP surface, along with an in-memory backend and a circuit breaker
// decorator. Database backends live in the postgres and badger subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

// Message is a persisted chat message. It is never mutated once stored.
type Message struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

var (
	// ErrEmptyContent is returned by Append for an empty message body.
	ErrEmptyContent = errors.New("store: empty message content")
	// ErrUnavailable is returned while the store circuit breaker is open.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store appends, lists and deletes messages.
type Store interface {
	// Append persists content and returns the stored message with its
	// assigned identity and creation timestamp.
	Append(ctx context.Context, content string) (Message, error)
	// List returns every stored message in ascending id order.
	List(ctx context.Context) ([]Message, error)
	// Delete removes the message with the given id and returns the number
	// of rows removed (0 or 1).
	Delete(ctx context.Context, id int64) (int64, error)
	// Close releases backend resources.
	Close() error
}
