package memstore

import (
	"math/bits"

	"github.com/OldEphraim/strategy-vault/vault"
)

// tx stages writes on top of the committed maps. The store lock is held for
// its whole lifetime.
type tx struct {
	base       *Store
	balances   map[vault.Address]uint64
	strategies map[vault.Address]vault.Strategy
	positions  map[vault.Address]vault.Position
	events     []vault.Event
}

func (t *tx) Strategy(addr vault.Address) (*vault.Strategy, error) {
	if st, ok := t.strategies[addr]; ok {
		return &st, nil
	}
	if st, ok := t.base.strategies[addr]; ok {
		return &st, nil
	}
	return nil, vault.ErrStrategyNotFound
}

func (t *tx) CreateStrategy(st *vault.Strategy) error {
	if _, err := t.Strategy(st.Address); err == nil {
		return vault.ErrStrategyExists
	}
	t.strategies[st.Address] = *st
	return nil
}

func (t *tx) SaveStrategy(st *vault.Strategy) error {
	if _, err := t.Strategy(st.Address); err != nil {
		return err
	}
	t.strategies[st.Address] = *st
	return nil
}

func (t *tx) Position(addr vault.Address) (*vault.Position, error) {
	if pos, ok := t.positions[addr]; ok {
		return &pos, nil
	}
	if pos, ok := t.base.positions[addr]; ok {
		return &pos, nil
	}
	return nil, vault.ErrPositionNotFound
}

func (t *tx) CreatePosition(pos *vault.Position) error {
	if _, err := t.Position(pos.Address); err == nil {
		return vault.ErrPositionExists
	}
	t.positions[pos.Address] = *pos
	return nil
}

func (t *tx) SavePosition(pos *vault.Position) error {
	if _, err := t.Position(pos.Address); err != nil {
		return err
	}
	t.positions[pos.Address] = *pos
	return nil
}

func (t *tx) balance(addr vault.Address) uint64 {
	if b, ok := t.balances[addr]; ok {
		return b
	}
	return t.base.balances[addr]
}

func (t *tx) Transfer(signer vault.Signer, from, to vault.Address, amount uint64) error {
	if !signer.Authorizes(from) {
		return vault.ErrUnauthorized
	}
	src := t.balance(from)
	if src < amount {
		return vault.ErrInsufficientFunds.Wrapf("%s holds %d, needs %d", from.Hex(), src, amount)
	}
	if from == to {
		return nil
	}
	dst, carry := bits.Add64(t.balance(to), amount, 0)
	if carry != 0 {
		return vault.ErrMathOverflow
	}
	t.balances[from] = src - amount
	t.balances[to] = dst
	return nil
}

func (t *tx) Emit(e *vault.Event) error {
	e.Seq = int64(len(t.base.events) + len(t.events) + 1)
	t.events = append(t.events, *e)
	return nil
}
