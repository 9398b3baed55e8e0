package confidential

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

var (
	alice = common.HexToAddress("0x2000000000000000000000000000000000000002")
	bob   = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

func TestPassthroughRejectsInvalidCalls(t *testing.T) {
	ctx := context.Background()
	p := NewPassthrough()

	_, err := p.Deposit(ctx, alice, 0)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = p.Withdraw(ctx, alice, 0)
	require.ErrorIs(t, err, ErrInvalidAmount)
	_, err = p.Transfer(ctx, alice, bob, Ciphertext{}, nil)
	require.ErrorIs(t, err, ErrMissingProof)
	_, err = p.Transfer(ctx, alice, alice, Ciphertext{}, []byte{1})
	require.ErrorIs(t, err, ErrSelfTransfer)

	require.Empty(t, p.Receipts(alice))
}

func TestPassthroughRecordsReceipts(t *testing.T) {
	ctx := context.Background()
	p := NewPassthrough()

	dep, err := p.Deposit(ctx, alice, 1_000_000)
	require.NoError(t, err)
	_, err = uuid.Parse(dep.ID)
	require.NoError(t, err)
	require.Equal(t, KindDeposit, dep.Kind)

	var ct Ciphertext
	ct[0], ct[63] = 0xaa, 0xbb
	tr, err := p.Transfer(ctx, alice, bob, ct, make([]byte, 672))
	require.NoError(t, err)
	require.Zero(t, tr.Amount)
	require.Equal(t, ct, *tr.Ciphertext)
	require.Equal(t, 672, tr.ProofSize)

	_, err = p.Withdraw(ctx, bob, 10)
	require.NoError(t, err)

	require.Len(t, p.Receipts(alice), 2)
	bobs := p.Receipts(bob)
	require.Len(t, bobs, 2)
	require.Equal(t, KindTransfer, bobs[0].Kind)
	require.Equal(t, KindWithdraw, bobs[1].Kind)
}

func TestPassthroughHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewPassthrough().Deposit(ctx, alice, 1)
	require.ErrorIs(t, err, context.Canceled)
}
