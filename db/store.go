package db

import (
	"bytes"
	"context"
	"math/bits"

	"github.com/OldEphraim/strategy-vault/vault"
)

var _ vault.Store = (*Store)(nil)

// ExecTx runs fn in one Postgres transaction. Records and balances are read
// with FOR UPDATE, so operations on disjoint positions run concurrently while
// writers of the same strategy row queue behind each other.
func (s *Store) ExecTx(ctx context.Context, fn func(vault.Tx) error) error {
	return s.execTx(ctx, func(q *Queries) error {
		return fn(&ledgerTx{ctx: ctx, q: q})
	})
}

func (s *Store) Balance(ctx context.Context, addr vault.Address) (uint64, error) {
	return s.GetBalance(ctx, addr)
}

func (s *Store) Events(ctx context.Context, afterSeq int64, limit int) ([]vault.Event, error) {
	return s.ListEvents(ctx, afterSeq, limit)
}

type ledgerTx struct {
	ctx context.Context
	q   *Queries
}

func (t *ledgerTx) Strategy(addr vault.Address) (*vault.Strategy, error) {
	return t.q.GetStrategyForUpdate(t.ctx, addr)
}

func (t *ledgerTx) CreateStrategy(st *vault.Strategy) error {
	return t.q.InsertStrategy(t.ctx, st)
}

func (t *ledgerTx) SaveStrategy(st *vault.Strategy) error {
	return t.q.UpdateStrategy(t.ctx, st)
}

func (t *ledgerTx) Position(addr vault.Address) (*vault.Position, error) {
	return t.q.GetPositionForUpdate(t.ctx, addr)
}

func (t *ledgerTx) CreatePosition(pos *vault.Position) error {
	return t.q.InsertPosition(t.ctx, pos)
}

func (t *ledgerTx) SavePosition(pos *vault.Position) error {
	return t.q.UpdatePosition(t.ctx, pos)
}

func (t *ledgerTx) Transfer(signer vault.Signer, from, to vault.Address, amount uint64) error {
	if !signer.Authorizes(from) {
		return vault.ErrUnauthorized
	}
	if from == to {
		src, err := t.q.LockBalance(t.ctx, from)
		if err != nil {
			return err
		}
		if src < amount {
			return vault.ErrInsufficientFunds.Wrapf("%s holds %d, needs %d", from.Hex(), src, amount)
		}
		return nil
	}

	// Lock both rows in address order so opposing transfers cannot deadlock.
	first, second := from, to
	if bytes.Compare(first.Bytes(), second.Bytes()) > 0 {
		first, second = second, first
	}
	locked := make(map[vault.Address]uint64, 2)
	for _, addr := range []vault.Address{first, second} {
		bal, err := t.q.LockBalance(t.ctx, addr)
		if err != nil {
			return err
		}
		locked[addr] = bal
	}

	src, dst := locked[from], locked[to]
	if src < amount {
		return vault.ErrInsufficientFunds.Wrapf("%s holds %d, needs %d", from.Hex(), src, amount)
	}
	sum, carry := bits.Add64(dst, amount, 0)
	if carry != 0 {
		return vault.ErrMathOverflow
	}
	if err := t.q.SetBalance(t.ctx, from, src-amount); err != nil {
		return err
	}
	return t.q.SetBalance(t.ctx, to, sum)
}

func (t *ledgerTx) Emit(e *vault.Event) error {
	seq, err := t.q.InsertEvent(t.ctx, e)
	if err != nil {
		return err
	}
	e.Seq = seq
	return nil
}

// Fund mints amount into addr. Only wired when the dev faucet is enabled.
func (s *Store) Fund(ctx context.Context, addr vault.Address, amount uint64) error {
	return s.execTx(ctx, func(q *Queries) error {
		bal, err := q.LockBalance(ctx, addr)
		if err != nil {
			return err
		}
		sum, carry := bits.Add64(bal, amount, 0)
		if carry != 0 {
			return vault.ErrMathOverflow
		}
		return q.SetBalance(ctx, addr, sum)
	})
}
