package vault

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	StrategySeed = "strategy"
	PositionSeed = "position"

	derivationMarker = "ProgramDerivedAddress"
)

// Authority derives keyless escrow addresses for one program identity and
// mints the signers that let the ledger debit them.
type Authority struct {
	program Address
}

func NewAuthority(program Address) *Authority {
	return &Authority{program: program}
}

func (a *Authority) Program() Address { return a.program }

// CreateAddress hashes seeds, bump and the program identity. Digests that are
// a valid secp256k1 x-coordinate are rejected: only off-curve digests are
// guaranteed to have no private key.
func (a *Authority) CreateAddress(seeds [][]byte, bump uint8) (Address, error) {
	parts := make([][]byte, 0, len(seeds)+3)
	parts = append(parts, seeds...)
	parts = append(parts, []byte{bump}, a.program.Bytes(), []byte(derivationMarker))
	digest := crypto.Keccak256(parts...)
	if onCurve(digest) {
		return Address{}, ErrInvalidSeeds
	}
	return common.BytesToAddress(digest[12:]), nil
}

// FindAddress walks bumps from 255 down and returns the first valid address.
func (a *Authority) FindAddress(seeds ...[]byte) (Address, uint8, error) {
	for bump := 255; bump >= 0; bump-- {
		addr, err := a.CreateAddress(seeds, uint8(bump))
		if err == nil {
			return addr, uint8(bump), nil
		}
	}
	return Address{}, 0, ErrInvalidSeeds
}

func (a *Authority) StrategyAddress(trader Address) (Address, uint8, error) {
	return a.FindAddress(StrategySeeds(trader)...)
}

func (a *Authority) PositionAddress(subscriber, strategy Address) (Address, uint8, error) {
	return a.FindAddress(PositionSeeds(subscriber, strategy)...)
}

// Verify checks that seeds and bump re-derive account.
func (a *Authority) Verify(account Address, seeds [][]byte, bump uint8) error {
	addr, err := a.CreateAddress(seeds, bump)
	if err != nil {
		return err
	}
	if addr != account {
		return ErrInvalidSeeds
	}
	return nil
}

// Sign mints an escrow signer for account after re-deriving it.
func (a *Authority) Sign(account Address, seeds [][]byte, bump uint8) (Signer, error) {
	if err := a.Verify(account, seeds, bump); err != nil {
		return Signer{}, err
	}
	return Signer{account: account, escrow: true}, nil
}

func StrategySeeds(trader Address) [][]byte {
	return [][]byte{[]byte(StrategySeed), trader.Bytes()}
}

func PositionSeeds(subscriber, strategy Address) [][]byte {
	return [][]byte{[]byte(PositionSeed), subscriber.Bytes(), strategy.Bytes()}
}

func onCurve(digest []byte) bool {
	_, err := crypto.DecompressPubkey(append([]byte{0x02}, digest...))
	return err == nil
}

// Signer authorizes debits from exactly one account. The zero value
// authorizes nothing.
type Signer struct {
	account Address
	escrow  bool
	wallet  bool
}

func walletSigner(caller Address) Signer {
	return Signer{account: caller, wallet: true}
}

func (s Signer) Account() Address { return s.account }

// Escrow reports whether the signer was minted from escrow seeds.
func (s Signer) Escrow() bool { return s.escrow }

func (s Signer) Authorizes(from Address) bool {
	return (s.escrow || s.wallet) && s.account == from
}
