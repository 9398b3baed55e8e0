// Package confidential is the boundary to an encrypted-balance payment
// system. The vault never reads these balances; ciphertexts and proofs are
// carried through opaque.
package confidential

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

var (
	ErrInvalidAmount = errors.New("InvalidAmount: amount must be greater than zero")
	ErrMissingProof  = errors.New("MissingProof: transfer requires a range proof")
	ErrSelfTransfer  = errors.New("SelfTransfer: sender and recipient are the same account")
)

// Ciphertext is an ElGamal-encrypted amount.
type Ciphertext [64]byte

type Kind string

const (
	KindDeposit  Kind = "deposit"
	KindTransfer Kind = "transfer"
	KindWithdraw Kind = "withdraw"
)

// Receipt records an accepted call. Amount is zero for transfers, whose
// value stays encrypted.
type Receipt struct {
	ID         string         `json:"id"`
	Kind       Kind           `json:"kind"`
	From       common.Address `json:"from"`
	To         common.Address `json:"to"`
	Amount     uint64         `json:"amount,omitempty"`
	Ciphertext *Ciphertext    `json:"ciphertext,omitempty"`
	ProofSize  int            `json:"proof_size,omitempty"`
	At         time.Time      `json:"at"`
}

type Ledger interface {
	Deposit(ctx context.Context, owner common.Address, amount uint64) (*Receipt, error)
	Transfer(ctx context.Context, from, to common.Address, amount Ciphertext, proof []byte) (*Receipt, error)
	Withdraw(ctx context.Context, owner common.Address, amount uint64) (*Receipt, error)
}

// Passthrough validates the public parts of each call and keeps receipts in
// memory. Proof verification belongs to the token program behind it.
type Passthrough struct {
	now func() time.Time

	mu       sync.Mutex
	receipts []Receipt
}

var _ Ledger = (*Passthrough)(nil)

func NewPassthrough() *Passthrough {
	return &Passthrough{now: time.Now}
}

func (p *Passthrough) Deposit(ctx context.Context, owner common.Address, amount uint64) (*Receipt, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	return p.record(ctx, Receipt{Kind: KindDeposit, From: owner, To: owner, Amount: amount})
}

func (p *Passthrough) Transfer(ctx context.Context, from, to common.Address, amount Ciphertext, proof []byte) (*Receipt, error) {
	if len(proof) == 0 {
		return nil, ErrMissingProof
	}
	if from == to {
		return nil, ErrSelfTransfer
	}
	ct := amount
	return p.record(ctx, Receipt{Kind: KindTransfer, From: from, To: to, Ciphertext: &ct, ProofSize: len(proof)})
}

func (p *Passthrough) Withdraw(ctx context.Context, owner common.Address, amount uint64) (*Receipt, error) {
	if amount == 0 {
		return nil, ErrInvalidAmount
	}
	return p.record(ctx, Receipt{Kind: KindWithdraw, From: owner, To: owner, Amount: amount})
}

// Receipts returns every receipt involving account, oldest first.
func (p *Passthrough) Receipts(account common.Address) []Receipt {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Receipt
	for _, r := range p.receipts {
		if r.From == account || r.To == account {
			out = append(out, r)
		}
	}
	return out
}

func (p *Passthrough) record(ctx context.Context, r Receipt) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.ID = uuid.NewString()
	r.At = p.now().UTC()
	p.mu.Lock()
	p.receipts = append(p.receipts, r)
	p.mu.Unlock()
	return &r, nil
}
