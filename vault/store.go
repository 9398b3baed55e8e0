package vault

import "context"

// Tx is the staged view of the ledger inside one atomic operation. Nothing
// written through it is visible to others until the transaction commits, and
// everything is discarded when the transaction function returns an error.
type Tx interface {
	// Strategy returns a copy; ErrStrategyNotFound when absent.
	Strategy(addr Address) (*Strategy, error)
	// CreateStrategy fails with ErrStrategyExists when the address is taken.
	CreateStrategy(s *Strategy) error
	SaveStrategy(s *Strategy) error

	Position(addr Address) (*Position, error)
	CreatePosition(p *Position) error
	SavePosition(p *Position) error

	// Transfer moves native value. The signer must authorize from
	// (ErrUnauthorized) and from must hold amount (ErrInsufficientFunds).
	Transfer(signer Signer, from, to Address, amount uint64) error

	// Emit journals e and assigns its sequence number.
	Emit(e *Event) error
}

// Reader is the committed read side of a ledger.
type Reader interface {
	GetStrategy(ctx context.Context, addr Address) (*Strategy, error)
	ListStrategies(ctx context.Context, activeOnly bool) ([]Strategy, error)
	GetPosition(ctx context.Context, addr Address) (*Position, error)
	ListPositions(ctx context.Context, f PositionFilter) ([]Position, error)
	Balance(ctx context.Context, addr Address) (uint64, error)
	Events(ctx context.Context, afterSeq int64, limit int) ([]Event, error)
}

// Store is a transactional ledger holding native balances, vault records and
// the event journal.
type Store interface {
	Reader
	ExecTx(ctx context.Context, fn func(Tx) error) error
}
