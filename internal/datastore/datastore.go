// Package datastore is an in-memory key/value store that takes part in the
// transaction protocol. Writes are buffered per transaction and applied on
// commit. Every key a transaction touches is locked by it until it completes.
package datastore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"txkernel/internal/kernel/txn"
	logx "txkernel/pkg/logx"
)

var (
	// ErrConflict means another transaction holds the key. It is retryable.
	ErrConflict = errors.New("datastore: key locked by another transaction")
	ErrNoKey    = errors.New("datastore: empty key")
)

// Stats counts completed transactions that touched the store.
type Stats struct {
	Keys      int    `json:"keys"`
	Locked    int    `json:"locked"`
	Commits   uint64 `json:"commits"`
	ReadOnly  uint64 `json:"read_only"`
	Aborts    uint64 `json:"aborts"`
	Conflicts uint64 `json:"conflicts"`
}

type Store struct {
	log logx.Logger

	mu    sync.Mutex
	data  map[string][]byte
	locks map[string]uint64
	parts map[uint64]*participant

	commits   atomic.Uint64
	readOnly  atomic.Uint64
	aborts    atomic.Uint64
	conflicts atomic.Uint64
}

func New(log logx.Logger) *Store {
	return &Store{
		log:   log.With(logx.Comp("datastore")),
		data:  map[string][]byte{},
		locks: map[string]uint64{},
		parts: map[uint64]*participant{},
	}
}

// Get reads key as seen by the transaction bound to ctx, including its own
// uncommitted writes. Like every operation it fails with a retryable
// ErrConflict if another transaction holds the key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	p, err := s.enter(ctx, key)
	if err != nil {
		return nil, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lockLocked(p, key); err != nil {
		return nil, false, err
	}
	if w, ok := p.writes[key]; ok {
		if w.deleted {
			return nil, false, nil
		}
		return clone(w.value), true, nil
	}
	v, ok := s.data[key]
	return clone(v), ok, nil
}

// Set buffers a write of key.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.write(ctx, key, write{value: clone(value)})
}

// Delete buffers removal of key.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.write(ctx, key, write{deleted: true})
}

// Keys returns the committed keys in order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Committed reads key outside any transaction.
func (s *Store) Committed(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return clone(v), ok
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	keys, locked := len(s.data), len(s.locks)
	s.mu.Unlock()
	return Stats{
		Keys:      keys,
		Locked:    locked,
		Commits:   s.commits.Load(),
		ReadOnly:  s.readOnly.Load(),
		Aborts:    s.aborts.Load(),
		Conflicts: s.conflicts.Load(),
	}
}

func (s *Store) write(ctx context.Context, key string, w write) error {
	p, err := s.enter(ctx, key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.lockLocked(p, key); err != nil {
		return err
	}
	p.writes[key] = w
	return nil
}

func (s *Store) lockLocked(p *participant, key string) error {
	if p.state != stateActive {
		return p.illegal("access")
	}
	if holder, ok := s.locks[key]; ok && holder != p.txID {
		s.conflicts.Add(1)
		return txn.Retry(fmt.Errorf("%w: %q held by txn %d", ErrConflict, key, holder))
	}
	s.locks[key] = p.txID
	p.locked[key] = struct{}{}
	return nil
}

// enter resolves the current transaction, checks its timeout and joins it.
func (s *Store) enter(ctx context.Context, key string) (*participant, error) {
	if key == "" {
		return nil, ErrNoKey
	}
	tx, err := txn.Current(ctx)
	if err != nil {
		return nil, err
	}
	if err := tx.CheckTimeout(ctx); err != nil {
		return nil, err
	}

	s.mu.Lock()
	p := s.parts[tx.ID()]
	joined := p != nil
	if !joined {
		p = &participant{
			s:      s,
			txID:   tx.ID(),
			locked: map[string]struct{}{},
			writes: map[string]write{},
		}
		s.parts[tx.ID()] = p
	}
	s.mu.Unlock()

	if !joined {
		if err := tx.Join(p); err != nil {
			s.mu.Lock()
			delete(s.parts, tx.ID())
			s.mu.Unlock()
			return nil, err
		}
	}
	return p, nil
}

// releaseLocked drops p's locks and forgets it.
func (s *Store) releaseLocked(p *participant) {
	for k := range p.locked {
		if s.locks[k] == p.txID {
			delete(s.locks, k)
		}
	}
	delete(s.parts, p.txID)
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
