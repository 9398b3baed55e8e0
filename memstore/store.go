// Package memstore is an in-process vault ledger. Transactions are serialized
// under one lock and staged in an overlay that is merged only on success.
package memstore

import (
	"bytes"
	"context"
	"math/bits"
	"sort"
	"sync"

	"github.com/OldEphraim/strategy-vault/vault"
)

type Store struct {
	mu         sync.RWMutex
	balances   map[vault.Address]uint64
	strategies map[vault.Address]vault.Strategy
	positions  map[vault.Address]vault.Position
	events     []vault.Event
}

var _ vault.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		balances:   make(map[vault.Address]uint64),
		strategies: make(map[vault.Address]vault.Strategy),
		positions:  make(map[vault.Address]vault.Position),
	}
}

// Fund mints amount into addr. Used for local networks and tests.
func (s *Store) Fund(_ context.Context, addr vault.Address, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum, carry := bits.Add64(s.balances[addr], amount, 0)
	if carry != 0 {
		return vault.ErrMathOverflow
	}
	s.balances[addr] = sum
	return nil
}

func (s *Store) ExecTx(ctx context.Context, fn func(vault.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{
		base:       s,
		balances:   make(map[vault.Address]uint64),
		strategies: make(map[vault.Address]vault.Strategy),
		positions:  make(map[vault.Address]vault.Position),
	}
	if err := fn(t); err != nil {
		return err
	}
	for k, v := range t.balances {
		s.balances[k] = v
	}
	for k, v := range t.strategies {
		s.strategies[k] = v
	}
	for k, v := range t.positions {
		s.positions[k] = v
	}
	s.events = append(s.events, t.events...)
	return nil
}

func (s *Store) GetStrategy(_ context.Context, addr vault.Address) (*vault.Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.strategies[addr]
	if !ok {
		return nil, vault.ErrStrategyNotFound
	}
	return &st, nil
}

func (s *Store) ListStrategies(_ context.Context, activeOnly bool) ([]vault.Strategy, error) {
	s.mu.RLock()
	out := make([]vault.Strategy, 0, len(s.strategies))
	for _, st := range s.strategies {
		if activeOnly && !st.IsActive {
			continue
		}
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return bytes.Compare(out[i].Address.Bytes(), out[j].Address.Bytes()) < 0
	})
	return out, nil
}

func (s *Store) GetPosition(_ context.Context, addr vault.Address) (*vault.Position, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.positions[addr]
	if !ok {
		return nil, vault.ErrPositionNotFound
	}
	return &pos, nil
}

func (s *Store) ListPositions(_ context.Context, f vault.PositionFilter) ([]vault.Position, error) {
	s.mu.RLock()
	out := make([]vault.Position, 0)
	for _, pos := range s.positions {
		if f.Match(&pos) {
			out = append(out, pos)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubscribedAt.Equal(out[j].SubscribedAt) {
			return out[i].SubscribedAt.Before(out[j].SubscribedAt)
		}
		return bytes.Compare(out[i].Address.Bytes(), out[j].Address.Bytes()) < 0
	})
	return out, nil
}

func (s *Store) Balance(_ context.Context, addr vault.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[addr], nil
}

func (s *Store) Events(_ context.Context, afterSeq int64, limit int) ([]vault.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	// Sequence numbers start at 1 and are contiguous.
	start := int(afterSeq)
	if start < 0 {
		start = 0
	}
	if start >= len(s.events) {
		return []vault.Event{}, nil
	}
	end := len(s.events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	out := make([]vault.Event, end-start)
	copy(out, s.events[start:end])
	return out, nil
}
