package sip

import (
	"context"
	"iter"
	"maps"
	"sync"

	"braces.dev/errtrace"
)

// TransactionStore keeps track of in-flight transactions by key.
//
// Implementations must be safe for concurrent use. Contexts are accepted
// to allow stores backed by external storage.
type TransactionStore[K comparable, T Transaction] interface {
	// Load returns the transaction stored under the key,
	// or [ErrTransactionNotFound].
	Load(ctx context.Context, key K) (T, error)
	// Store saves the transaction under the key.
	// Storing under an occupied key fails with [ErrTransactionExists].
	Store(ctx context.Context, key K, tx T) error
	// Delete removes the transaction stored under the key.
	Delete(ctx context.Context, key K) error
	// All iterates over a snapshot of all stored transactions.
	All(ctx context.Context) (iter.Seq2[K, T], error)
}

type memoryTransactionStore[K comparable, T Transaction] struct {
	mu  sync.RWMutex
	txs map[K]T
}

// NewMemoryTransactionStore returns an in-memory [TransactionStore].
func NewMemoryTransactionStore[K comparable, T Transaction]() TransactionStore[K, T] {
	return &memoryTransactionStore[K, T]{
		txs: make(map[K]T),
	}
}

func (s *memoryTransactionStore[K, T]) Load(_ context.Context, key K) (T, error) {
	s.mu.RLock()
	tx, ok := s.txs[key]
	s.mu.RUnlock()

	if !ok {
		var zero T
		return zero, errtrace.Wrap(ErrTransactionNotFound)
	}
	return tx, nil
}

func (s *memoryTransactionStore[K, T]) Store(_ context.Context, key K, tx T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txs[key]; ok {
		return errtrace.Wrap(ErrTransactionExists)
	}
	s.txs[key] = tx
	return nil
}

func (s *memoryTransactionStore[K, T]) Delete(_ context.Context, key K) error {
	s.mu.Lock()
	delete(s.txs, key)
	s.mu.Unlock()
	return nil
}

func (s *memoryTransactionStore[K, T]) All(_ context.Context) (iter.Seq2[K, T], error) {
	s.mu.RLock()
	snapshot := maps.Clone(s.txs)
	s.mu.RUnlock()

	return maps.All(snapshot), nil
}
