package vault_test

import (
	"context"
	"math"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/OldEphraim/strategy-vault/memstore"
	"github.com/OldEphraim/strategy-vault/vault"
)

const deposit = vault.MinStakeAmount

var (
	program = common.HexToAddress("0x5ca1ab1e00000000000000000000000000000001")
	trader  = common.HexToAddress("0x1000000000000000000000000000000000000001")
	alice   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	bob     = common.HexToAddress("0x3000000000000000000000000000000000000003")
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type harness struct {
	store *memstore.Store
	svc   *vault.Service

	mu        sync.Mutex
	published []vault.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{store: memstore.New()}
	h.svc = vault.NewService(h.store, vault.NewAuthority(program),
		vault.WithClock(fixedClock{time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}),
		vault.WithPublisher(vault.PublisherFunc(func(_ context.Context, evs []vault.Event) error {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.published = append(h.published, evs...)
			return nil
		})),
	)
	require.NoError(t, h.store.Fund(context.Background(), alice, 10*deposit))
	require.NoError(t, h.store.Fund(context.Background(), bob, 10*deposit))
	require.NoError(t, h.store.Fund(context.Background(), trader, 10*deposit))
	return h
}

func (h *harness) strategy(t *testing.T, feeBps uint16) *vault.Strategy {
	t.Helper()
	st, err := h.svc.InitializeStrategy(context.Background(), trader, "Momentum", "trend following", feeBps)
	require.NoError(t, err)
	return st
}

func (h *harness) balance(t *testing.T, addr vault.Address) uint64 {
	t.Helper()
	b, err := h.svc.Balance(context.Background(), addr)
	require.NoError(t, err)
	return b
}

func TestInitializeStrategy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	st := h.strategy(t, 1000)
	want, err := h.svc.StrategyAddress(trader)
	require.NoError(t, err)
	require.Equal(t, want, st.Address)
	require.True(t, st.IsActive)
	require.Zero(t, st.TotalSubscribers)
	require.Zero(t, st.TotalVolumeTraded)
	require.Zero(t, st.TotalFeesEarned)

	got, err := h.svc.StrategyOf(ctx, trader)
	require.NoError(t, err)
	require.Equal(t, st, got)

	_, err = h.svc.InitializeStrategy(ctx, trader, "Again", "", 0)
	require.ErrorIs(t, err, vault.ErrStrategyExists)
	require.Equal(t, vault.KindState, vault.KindOf(err))

	require.Len(t, h.published, 1)
	require.Equal(t, vault.EventStrategyCreated, h.published[0].Type)
	var payload vault.StrategyCreated
	require.NoError(t, h.published[0].Decode(&payload))
	require.Equal(t, uint16(1000), payload.PerformanceFeeBps)
	require.Equal(t, trader, payload.Trader)
}

func TestInitializeStrategyValidation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.svc.InitializeStrategy(ctx, trader, strings.Repeat("n", vault.MaxNameLength+1), "", 0)
	require.ErrorIs(t, err, vault.ErrNameTooLong)
	require.Equal(t, vault.KindValidation, vault.KindOf(err))

	_, err = h.svc.InitializeStrategy(ctx, trader, "ok", strings.Repeat("d", vault.MaxDescriptionLength+1), 0)
	require.ErrorIs(t, err, vault.ErrDescriptionTooLong)

	_, err = h.svc.InitializeStrategy(ctx, trader, "ok", "", vault.MaxFeeBps+1)
	require.ErrorIs(t, err, vault.ErrFeeTooHigh)

	st, err := h.svc.InitializeStrategy(ctx, trader,
		strings.Repeat("n", vault.MaxNameLength),
		strings.Repeat("d", vault.MaxDescriptionLength),
		vault.MaxFeeBps)
	require.NoError(t, err)
	require.Equal(t, uint16(vault.MaxFeeBps), st.PerformanceFeeBps)
}

func TestUpdateStrategy(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 1000)

	updated, err := h.svc.UpdateStrategy(ctx, trader, st.Address, vault.StrategyPatch{Description: vault.Some("mean reversion")})
	require.NoError(t, err)
	require.Equal(t, "Momentum", updated.Name)
	require.Equal(t, "mean reversion", updated.Description)
	require.True(t, updated.IsActive)

	_, err = h.svc.UpdateStrategy(ctx, alice, st.Address, vault.StrategyPatch{IsActive: vault.Some(false)})
	require.ErrorIs(t, err, vault.ErrUnauthorized)
	require.Equal(t, vault.KindAuthorization, vault.KindOf(err))

	_, err = h.svc.UpdateStrategy(ctx, trader, st.Address, vault.StrategyPatch{Name: vault.Some(strings.Repeat("x", 51))})
	require.ErrorIs(t, err, vault.ErrNameTooLong)

	got, err := h.svc.Strategy(ctx, st.Address)
	require.NoError(t, err)
	require.Equal(t, "Momentum", got.Name)
	require.True(t, got.IsActive)
}

func TestSubscribeThenUnsubscribeReturnsDeposit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 1000)
	before := h.balance(t, alice)

	pos, err := h.svc.Subscribe(ctx, alice, st.Address, deposit)
	require.NoError(t, err)
	require.Equal(t, uint64(deposit), pos.InitialBalance)
	require.Equal(t, uint64(deposit), pos.CurrentBalance)
	require.True(t, pos.IsActive)
	require.Equal(t, before-deposit, h.balance(t, alice))
	require.Equal(t, uint64(deposit), h.balance(t, pos.Address))

	got, err := h.svc.Strategy(ctx, st.Address)
	require.NoError(t, err)
	require.Equal(t, uint32(1), got.TotalSubscribers)

	withdrawn, err := h.svc.Unsubscribe(ctx, alice, st.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(deposit), withdrawn)
	require.Equal(t, before, h.balance(t, alice))
	require.Zero(t, h.balance(t, pos.Address))

	closed, err := h.svc.PositionOf(ctx, alice, st.Address)
	require.NoError(t, err)
	require.False(t, closed.IsActive)
	require.Zero(t, closed.CurrentBalance)

	got, err = h.svc.Strategy(ctx, st.Address)
	require.NoError(t, err)
	require.Zero(t, got.TotalSubscribers)

	_, err = h.svc.Unsubscribe(ctx, alice, st.Address)
	require.ErrorIs(t, err, vault.ErrPositionInactive)

	_, err = h.svc.Subscribe(ctx, alice, st.Address, deposit)
	require.ErrorIs(t, err, vault.ErrPositionExists)
}

func TestSubscribeRejections(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 1000)

	_, err := h.svc.Subscribe(ctx, alice, st.Address, deposit-1)
	require.ErrorIs(t, err, vault.ErrInsufficientDeposit)
	require.Equal(t, vault.KindValidation, vault.KindOf(err))

	poor := common.HexToAddress("0x4000000000000000000000000000000000000004")
	_, err = h.svc.Subscribe(ctx, poor, st.Address, deposit)
	require.ErrorIs(t, err, vault.ErrInsufficientFunds)
	require.Equal(t, vault.KindTransfer, vault.KindOf(err))
	_, err = h.svc.PositionOf(ctx, poor, st.Address)
	require.ErrorIs(t, err, vault.ErrPositionNotFound, "failed subscribe leaves no position")

	_, err = h.svc.UpdateStrategy(ctx, trader, st.Address, vault.StrategyPatch{IsActive: vault.Some(false)})
	require.NoError(t, err)
	_, err = h.svc.Subscribe(ctx, alice, st.Address, deposit)
	require.ErrorIs(t, err, vault.ErrStrategyInactive)

	_, err = h.svc.Subscribe(ctx, alice, common.HexToAddress("0xdead"), deposit)
	require.ErrorIs(t, err, vault.ErrStrategyNotFound)

	got, err := h.svc.Strategy(ctx, st.Address)
	require.NoError(t, err)
	require.Zero(t, got.TotalSubscribers)
}

func TestExecuteTrade(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 1000)
	pos, err := h.svc.Subscribe(ctx, alice, st.Address, deposit)
	require.NoError(t, err)

	pos, err = h.svc.ExecuteTrade(ctx, trader, st.Address, pos.Address, 500, 250)
	require.NoError(t, err)
	require.Equal(t, uint64(deposit+250), pos.CurrentBalance)
	require.Equal(t, uint64(deposit), pos.InitialBalance)

	pos, err = h.svc.ExecuteTrade(ctx, trader, st.Address, pos.Address, 100, -300)
	require.NoError(t, err)
	require.Equal(t, uint64(deposit-50), pos.CurrentBalance)

	got, err := h.svc.Strategy(ctx, st.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(600), got.TotalVolumeTraded)

	require.Equal(t, uint64(deposit), h.balance(t, pos.Address), "trades move no value")
}

func TestExecuteTradeLossBeyondBalance(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 1000)
	pos, err := h.svc.Subscribe(ctx, alice, st.Address, deposit)
	require.NoError(t, err)

	_, err = h.svc.ExecuteTrade(ctx, trader, st.Address, pos.Address, 1, -(deposit + 1))
	require.ErrorIs(t, err, vault.ErrInsufficientBalance)
	require.Equal(t, vault.KindArithmetic, vault.KindOf(err))

	_, err = h.svc.ExecuteTrade(ctx, trader, st.Address, pos.Address, 1, math.MinInt64)
	require.ErrorIs(t, err, vault.ErrInsufficientBalance)

	got, err := h.svc.Position(ctx, pos.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(deposit), got.CurrentBalance)

	strat, err := h.svc.Strategy(ctx, st.Address)
	require.NoError(t, err)
	require.Zero(t, strat.TotalVolumeTraded, "failed trade leaves volume untouched")
}

func TestExecuteTradeAuthorization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 1000)
	other, err := h.svc.InitializeStrategy(ctx, bob, "Other", "", 0)
	require.NoError(t, err)

	pos, err := h.svc.Subscribe(ctx, alice, st.Address, deposit)
	require.NoError(t, err)

	_, err = h.svc.ExecuteTrade(ctx, bob, st.Address, pos.Address, 1, 1)
	require.ErrorIs(t, err, vault.ErrUnauthorized)

	_, err = h.svc.ExecuteTrade(ctx, bob, other.Address, pos.Address, 1, 1)
	require.ErrorIs(t, err, vault.ErrPositionStrategyMismatch)

	_, err = h.svc.Unsubscribe(ctx, alice, st.Address)
	require.NoError(t, err)
	_, err = h.svc.ExecuteTrade(ctx, trader, st.Address, pos.Address, 1, 1)
	require.ErrorIs(t, err, vault.ErrPositionInactive)
}

func TestSettleFeesHighWaterMark(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 1000)
	pos, err := h.svc.Subscribe(ctx, alice, st.Address, deposit)
	require.NoError(t, err)

	_, err = h.svc.ExecuteTrade(ctx, trader, st.Address, pos.Address, deposit, 1_000_000)
	require.NoError(t, err)
	traderBefore := h.balance(t, trader)

	settled, err := h.svc.SettleFees(ctx, alice, st.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), settled.TotalFeesPaid)
	require.Equal(t, uint64(deposit+900_000), settled.CurrentBalance)
	require.Equal(t, settled.CurrentBalance, settled.InitialBalance)
	require.Equal(t, traderBefore+100_000, h.balance(t, trader))
	require.Equal(t, uint64(deposit-100_000), h.balance(t, pos.Address))

	got, err := h.svc.Strategy(ctx, st.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000), got.TotalFeesEarned)

	_, err = h.svc.SettleFees(ctx, alice, st.Address)
	require.ErrorIs(t, err, vault.ErrNoProfitToSettle)
	require.Equal(t, vault.KindState, vault.KindOf(err))

	// A drawdown below the mark has to be recovered before fees accrue again.
	_, err = h.svc.ExecuteTrade(ctx, trader, st.Address, pos.Address, 1, -500_000)
	require.NoError(t, err)
	_, err = h.svc.SettleFees(ctx, alice, st.Address)
	require.ErrorIs(t, err, vault.ErrNoProfitToSettle)

	_, err = h.svc.ExecuteTrade(ctx, trader, st.Address, pos.Address, 1, 500_000)
	require.NoError(t, err)
	_, err = h.svc.SettleFees(ctx, alice, st.Address)
	require.ErrorIs(t, err, vault.ErrNoProfitToSettle)
}

func TestSettleFeesTooSmall(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 1000)
	pos, err := h.svc.Subscribe(ctx, alice, st.Address, deposit)
	require.NoError(t, err)

	_, err = h.svc.ExecuteTrade(ctx, trader, st.Address, pos.Address, 1, 9)
	require.NoError(t, err)
	_, err = h.svc.SettleFees(ctx, alice, st.Address)
	require.ErrorIs(t, err, vault.ErrFeeAmountTooSmall)

	got, err := h.svc.Position(ctx, pos.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(deposit), got.InitialBalance, "mark is untouched on failure")
}

func TestSettleFeesRequiresSubscriber(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 1000)

	_, err := h.svc.SettleFees(ctx, bob, st.Address)
	require.ErrorIs(t, err, vault.ErrPositionNotFound)
}

func TestUnbackedProfitCannotBeWithdrawn(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 0)
	pos, err := h.svc.Subscribe(ctx, alice, st.Address, deposit)
	require.NoError(t, err)

	_, err = h.svc.ExecuteTrade(ctx, trader, st.Address, pos.Address, 1, 1_000)
	require.NoError(t, err)

	_, err = h.svc.Unsubscribe(ctx, alice, st.Address)
	require.ErrorIs(t, err, vault.ErrInsufficientFunds)
	got, err := h.svc.Position(ctx, pos.Address)
	require.NoError(t, err)
	require.True(t, got.IsActive, "failed exit leaves the position open")

	require.NoError(t, h.svc.TransferNative(ctx, trader, pos.Address, 1_000))
	withdrawn, err := h.svc.Unsubscribe(ctx, alice, st.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(deposit+1_000), withdrawn)
}

func TestTransferNativeCannotDrainOthers(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	err := h.svc.TransferNative(ctx, alice, bob, 11*deposit)
	require.ErrorIs(t, err, vault.ErrInsufficientFunds)
	require.Equal(t, uint64(10*deposit), h.balance(t, alice))
}

func TestTransferNativeCannotDebitEscrow(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 1000)
	pos, err := h.svc.Subscribe(ctx, alice, st.Address, deposit)
	require.NoError(t, err)
	bobBefore := h.balance(t, bob)

	err = h.svc.TransferNative(ctx, pos.Address, bob, deposit)
	require.ErrorIs(t, err, vault.ErrUnauthorized)
	require.Equal(t, vault.KindAuthorization, vault.KindOf(err))
	err = h.svc.TransferNative(ctx, st.Address, bob, 0)
	require.ErrorIs(t, err, vault.ErrUnauthorized)

	require.Equal(t, uint64(deposit), h.balance(t, pos.Address))
	require.Equal(t, bobBefore, h.balance(t, bob))

	withdrawn, err := h.svc.Unsubscribe(ctx, alice, st.Address)
	require.NoError(t, err)
	require.Equal(t, uint64(deposit), withdrawn)
}

func TestSubscriberCountTracksActivePositions(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 1000)

	_, err := h.svc.Subscribe(ctx, alice, st.Address, deposit)
	require.NoError(t, err)
	_, err = h.svc.Subscribe(ctx, bob, st.Address, 2*deposit)
	require.NoError(t, err)
	_, err = h.svc.Unsubscribe(ctx, alice, st.Address)
	require.NoError(t, err)

	got, err := h.svc.Strategy(ctx, st.Address)
	require.NoError(t, err)
	active, err := h.svc.Positions(ctx, vault.PositionFilter{Strategy: st.Address, ActiveOnly: true})
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, uint32(len(active)), got.TotalSubscribers)

	all, err := h.svc.Positions(ctx, vault.PositionFilter{Strategy: st.Address})
	require.NoError(t, err)
	require.Len(t, all, 2)

	mine, err := h.svc.Positions(ctx, vault.PositionFilter{Subscriber: bob})
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Equal(t, uint64(2*deposit), mine[0].CurrentBalance)
}

func TestConcurrentSubscribes(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 1000)

	const n = 16
	subscribers := make([]vault.Address, n)
	for i := range subscribers {
		subscribers[i] = common.BigToAddress(big.NewInt(int64(1000 + i)))
		require.NoError(t, h.store.Fund(context.Background(), subscribers[i], deposit))
	}

	var g errgroup.Group
	for _, sub := range subscribers {
		g.Go(func() error {
			_, err := h.svc.Subscribe(ctx, sub, st.Address, deposit)
			return err
		})
	}
	require.NoError(t, g.Wait())

	got, err := h.svc.Strategy(ctx, st.Address)
	require.NoError(t, err)
	require.Equal(t, uint32(n), got.TotalSubscribers)
}

func TestConcurrentSettleFees(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 1000)

	profits := map[vault.Address]int64{alice: 1_000_000, bob: 3_000_000}
	for sub, pnl := range profits {
		pos, err := h.svc.Subscribe(ctx, sub, st.Address, 2*deposit)
		require.NoError(t, err)
		_, err = h.svc.ExecuteTrade(ctx, trader, st.Address, pos.Address, deposit, pnl)
		require.NoError(t, err)
		require.NoError(t, h.svc.TransferNative(ctx, trader, pos.Address, uint64(pnl)))
	}

	var g errgroup.Group
	fees := make(map[vault.Address]uint64, len(profits))
	var mu sync.Mutex
	for sub := range profits {
		g.Go(func() error {
			pos, err := h.svc.SettleFees(ctx, sub, st.Address)
			if err != nil {
				return err
			}
			mu.Lock()
			fees[sub] = pos.TotalFeesPaid
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.Equal(t, uint64(100_000), fees[alice])
	require.Equal(t, uint64(300_000), fees[bob])
	got, err := h.svc.Strategy(ctx, st.Address)
	require.NoError(t, err)
	require.Equal(t, fees[alice]+fees[bob], got.TotalFeesEarned)
}

func TestEventsJournal(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	st := h.strategy(t, 1000)
	pos, err := h.svc.Subscribe(ctx, alice, st.Address, deposit)
	require.NoError(t, err)
	_, err = h.svc.ExecuteTrade(ctx, trader, st.Address, pos.Address, 10, 20)
	require.NoError(t, err)
	_, err = h.svc.Subscribe(ctx, alice, st.Address, deposit)
	require.Error(t, err)

	events, err := h.svc.Events(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, events, 3)
	for i, ev := range events {
		require.Equal(t, int64(i+1), ev.Seq)
	}
	require.Equal(t, vault.EventTradeExecuted, events[2].Type)
	var trade vault.TradeExecuted
	require.NoError(t, events[2].Decode(&trade))
	require.Equal(t, uint64(deposit+20), trade.NewBalance)
	require.Equal(t, alice, trade.User)

	require.Equal(t, events, h.published)

	tail, err := h.svc.Events(ctx, 2, 10)
	require.NoError(t, err)
	require.Len(t, tail, 1)
}
