// Package badger implements store.Store on an embedded BadgerDB, for
// single-node deployments without PostgreSQL.
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
	"github.com/jonboulle/clockwork"

	"github.com/Tyrowin/relaychat/internal/store"
)

var (
	messagePrefix = []byte("msg/")
	sequenceKey   = []byte("seq/messages")
)

// sequenceBandwidth is how many ids are leased from disk at once. Unused ids
// of a lease are skipped after a restart, never reused.
const sequenceBandwidth = 100

// Store is a store.Store backed by BadgerDB. Messages are keyed by
// "msg/" + big-endian id so iteration order is id order.
type Store struct {
	db    *badger.DB
	seq   *badger.Sequence
	clock clockwork.Clock
	log   *slog.Logger
}

var _ store.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open opens (or creates) the database at path.
func Open(path string, opts ...Option) (*Store, error) {
	return open(badger.DefaultOptions(path).WithLogger(nil), opts...)
}

// OpenInMemory opens a database that lives only in memory.
func OpenInMemory(opts ...Option) (*Store, error) {
	return open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil), opts...)
}

func open(options badger.Options, opts ...Option) (*Store, error) {
	db, err := badger.Open(options)
	if err != nil {
		return nil, fmt.Errorf("database opening failed: %w", err)
	}

	seq, err := db.GetSequence(sequenceKey, sequenceBandwidth)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to lease message sequence: %w", err)
	}

	s := &Store{
		db:    db,
		seq:   seq,
		clock: clockwork.NewRealClock(),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Append(_ context.Context, content string) (store.Message, error) {
	if content == "" {
		return store.Message{}, store.ErrEmptyContent
	}

	n, err := s.seq.Next()
	if err != nil {
		return store.Message{}, fmt.Errorf("failed to allocate message id: %w", err)
	}

	msg := store.Message{
		ID:        int64(n) + 1,
		Content:   content,
		Timestamp: s.clock.Now().UTC(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return store.Message{}, fmt.Errorf("failed to encode message: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg.ID), data)
	})
	if err != nil {
		return store.Message{}, fmt.Errorf("failed to insert message: %w", err)
	}
	return msg, nil
}

func (s *Store) List(_ context.Context) ([]store.Message, error) {
	msgs := []store.Message{}

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = messagePrefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(messagePrefix); it.ValidForPrefix(messagePrefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var m store.Message
				if err := json.Unmarshal(v, &m); err != nil {
					return fmt.Errorf("failed to decode message: %w", err)
				}
				msgs = append(msgs, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	return msgs, nil
}

func (s *Store) Delete(_ context.Context, id int64) (int64, error) {
	if id <= 0 {
		return 0, nil
	}

	var deleted int64
	err := s.db.Update(func(txn *badger.Txn) error {
		key := messageKey(id)
		if _, err := txn.Get(key); errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		} else if err != nil {
			return err
		}
		if err := txn.Delete(key); err != nil {
			return err
		}
		deleted = 1
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete message %d: %w", id, err)
	}
	return deleted, nil
}

// Close returns unused leased ids and closes the database.
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.log.Warn("Failed to release message sequence", "error", err)
	}
	return s.db.Close()
}

func messageKey(id int64) []byte {
	key := make([]byte, len(messagePrefix)+8)
	copy(key, messagePrefix)
	binary.BigEndian.PutUint64(key[len(messagePrefix):], uint64(id))
	return key
}
