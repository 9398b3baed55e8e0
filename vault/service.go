package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Service runs the vault operations. Each operation is one store transaction:
// either every write (records, balances, journal) lands or none does.
type Service struct {
	store     Store
	authority *Authority
	clock     Clock
	log       *slog.Logger
	publisher Publisher
}

type Option func(*Service)

func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithPublisher sets where committed events go. Publish failures are logged
// and do not fail the operation.
func WithPublisher(p Publisher) Option { return func(s *Service) { s.publisher = p } }

func NewService(store Store, authority *Authority, opts ...Option) *Service {
	s := &Service{
		store:     store,
		authority: authority,
		clock:     SystemClock,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// InitializeStrategy creates the caller's strategy.
func (s *Service) InitializeStrategy(ctx context.Context, trader Address, name, description string, feeBps uint16) (*Strategy, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	if err := validateDescription(description); err != nil {
		return nil, err
	}
	if err := validateFee(feeBps); err != nil {
		return nil, err
	}
	addr, bump, err := s.authority.StrategyAddress(trader)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	st := &Strategy{
		Address:           addr,
		Trader:            trader,
		Name:              name,
		Description:       description,
		PerformanceFeeBps: feeBps,
		IsActive:          true,
		CreatedAt:         now,
		Bump:              bump,
	}
	err = s.commit(ctx, "initialize_strategy", func(tx Tx) ([]*Event, error) {
		if err := tx.CreateStrategy(st); err != nil {
			return nil, err
		}
		ev, err := newEvent(EventStrategyCreated, addr, trader, now, StrategyCreated{
			Strategy:          addr,
			Trader:            trader,
			Name:              name,
			PerformanceFeeBps: feeBps,
		})
		return []*Event{ev}, err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateStrategy applies patch to the strategy at strategyAddr, which must be
// the one derived from trader.
func (s *Service) UpdateStrategy(ctx context.Context, trader, strategyAddr Address, patch StrategyPatch) (*Strategy, error) {
	var out *Strategy
	err := s.commit(ctx, "update_strategy", func(tx Tx) ([]*Event, error) {
		st, err := s.ownedStrategy(tx, trader, strategyAddr)
		if err != nil {
			return nil, err
		}
		if err := patch.apply(st); err != nil {
			return nil, err
		}
		if err := tx.SaveStrategy(st); err != nil {
			return nil, err
		}
		out = st
		ev, err := newEvent(EventStrategyUpdated, strategyAddr, trader, s.clock.Now(), StrategyUpdated{
			Strategy: strategyAddr,
			Trader:   trader,
		})
		return []*Event{ev}, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Subscribe opens the subscriber's position in a strategy and escrows deposit.
func (s *Service) Subscribe(ctx context.Context, subscriber, strategyAddr Address, deposit uint64) (*Position, error) {
	posAddr, bump, err := s.authority.PositionAddress(subscriber, strategyAddr)
	if err != nil {
		return nil, err
	}

	var out *Position
	err = s.commit(ctx, "subscribe", func(tx Tx) ([]*Event, error) {
		st, err := s.derivedStrategy(tx, strategyAddr)
		if err != nil {
			return nil, err
		}
		if !st.IsActive {
			return nil, ErrStrategyInactive
		}
		if deposit < MinStakeAmount {
			return nil, ErrInsufficientDeposit
		}

		now := s.clock.Now()
		pos := &Position{
			Address:           posAddr,
			Subscriber:        subscriber,
			Strategy:          strategyAddr,
			InitialBalance:    deposit,
			CurrentBalance:    deposit,
			LastFeeSettlement: now,
			SubscribedAt:      now,
			IsActive:          true,
			Bump:              bump,
		}
		if err := tx.CreatePosition(pos); err != nil {
			return nil, err
		}
		if err := tx.Transfer(walletSigner(subscriber), subscriber, posAddr, deposit); err != nil {
			return nil, err
		}
		if st.TotalSubscribers, err = checkedInc32(st.TotalSubscribers); err != nil {
			return nil, err
		}
		if err := tx.SaveStrategy(st); err != nil {
			return nil, err
		}
		out = pos
		ev, err := newEvent(EventUserSubscribed, strategyAddr, subscriber, now, UserSubscribed{
			User:           subscriber,
			Strategy:       strategyAddr,
			InitialDeposit: deposit,
		})
		return []*Event{ev}, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ExecuteTrade records a trade outcome against one position. No value moves;
// only the recorded balance and the strategy volume change.
func (s *Service) ExecuteTrade(ctx context.Context, trader, strategyAddr, positionAddr Address, amount uint64, pnl int64) (*Position, error) {
	var out *Position
	err := s.commit(ctx, "execute_trade", func(tx Tx) ([]*Event, error) {
		st, err := s.ownedStrategy(tx, trader, strategyAddr)
		if err != nil {
			return nil, err
		}
		pos, err := tx.Position(positionAddr)
		if err != nil {
			return nil, err
		}
		if pos.Strategy != strategyAddr {
			return nil, ErrPositionStrategyMismatch
		}
		if err := s.authority.Verify(positionAddr, PositionSeeds(pos.Subscriber, strategyAddr), pos.Bump); err != nil {
			return nil, err
		}
		if !pos.IsActive {
			return nil, ErrPositionInactive
		}

		if pos.CurrentBalance, err = applyPnL(pos.CurrentBalance, pnl); err != nil {
			return nil, err
		}
		if st.TotalVolumeTraded, err = checkedAdd(st.TotalVolumeTraded, amount); err != nil {
			return nil, err
		}
		if err := tx.SavePosition(pos); err != nil {
			return nil, err
		}
		if err := tx.SaveStrategy(st); err != nil {
			return nil, err
		}
		out = pos
		ev, err := newEvent(EventTradeExecuted, strategyAddr, pos.Subscriber, s.clock.Now(), TradeExecuted{
			Strategy:     strategyAddr,
			User:         pos.Subscriber,
			Amount:       amount,
			ProfitOrLoss: pnl,
			NewBalance:   pos.CurrentBalance,
		})
		return []*Event{ev}, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SettleFees pays the performance fee on profit above the high-water mark to
// the trader and resets the mark to the post-fee balance.
func (s *Service) SettleFees(ctx context.Context, subscriber, strategyAddr Address) (*Position, error) {
	var out *Position
	err := s.commit(ctx, "settle_fees", func(tx Tx) ([]*Event, error) {
		st, pos, err := s.subscriberPosition(tx, subscriber, strategyAddr)
		if err != nil {
			return nil, err
		}
		if !pos.IsActive {
			return nil, ErrPositionInactive
		}

		profit, err := checkedSub(pos.CurrentBalance, pos.InitialBalance)
		if err != nil || profit == 0 {
			return nil, ErrNoProfitToSettle
		}
		fee, err := PerformanceFee(profit, st.PerformanceFeeBps)
		if err != nil {
			return nil, err
		}
		if fee == 0 {
			return nil, ErrFeeAmountTooSmall
		}

		signer, err := s.authority.Sign(pos.Address, PositionSeeds(subscriber, strategyAddr), pos.Bump)
		if err != nil {
			return nil, err
		}
		if err := tx.Transfer(signer, pos.Address, st.Trader, fee); err != nil {
			return nil, err
		}

		now := s.clock.Now()
		if pos.CurrentBalance, err = checkedSub(pos.CurrentBalance, fee); err != nil {
			return nil, err
		}
		pos.InitialBalance = pos.CurrentBalance
		if pos.TotalFeesPaid, err = checkedAdd(pos.TotalFeesPaid, fee); err != nil {
			return nil, err
		}
		pos.LastFeeSettlement = now
		if st.TotalFeesEarned, err = checkedAdd(st.TotalFeesEarned, fee); err != nil {
			return nil, err
		}
		if err := tx.SavePosition(pos); err != nil {
			return nil, err
		}
		if err := tx.SaveStrategy(st); err != nil {
			return nil, err
		}
		out = pos
		ev, err := newEvent(EventFeesSettled, strategyAddr, subscriber, now, FeesSettled{
			User:             subscriber,
			Strategy:         strategyAddr,
			Trader:           st.Trader,
			FeeAmount:        fee,
			RemainingBalance: pos.CurrentBalance,
		})
		return []*Event{ev}, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Unsubscribe closes the position and returns its whole recorded balance to
// the subscriber. It reports the amount withdrawn.
func (s *Service) Unsubscribe(ctx context.Context, subscriber, strategyAddr Address) (uint64, error) {
	var withdrawn uint64
	err := s.commit(ctx, "unsubscribe", func(tx Tx) ([]*Event, error) {
		st, pos, err := s.subscriberPosition(tx, subscriber, strategyAddr)
		if err != nil {
			return nil, err
		}
		if !pos.IsActive {
			return nil, ErrPositionInactive
		}

		amount := pos.CurrentBalance
		signer, err := s.authority.Sign(pos.Address, PositionSeeds(subscriber, strategyAddr), pos.Bump)
		if err != nil {
			return nil, err
		}
		if err := tx.Transfer(signer, pos.Address, subscriber, amount); err != nil {
			return nil, err
		}

		pos.IsActive = false
		pos.CurrentBalance = 0
		if st.TotalSubscribers, err = checkedDec32(st.TotalSubscribers); err != nil {
			return nil, err
		}
		if err := tx.SavePosition(pos); err != nil {
			return nil, err
		}
		if err := tx.SaveStrategy(st); err != nil {
			return nil, err
		}
		withdrawn = amount
		ev, err := newEvent(EventUserUnsubscribed, strategyAddr, subscriber, s.clock.Now(), UserUnsubscribed{
			User:            subscriber,
			Strategy:        strategyAddr,
			WithdrawnAmount: amount,
		})
		return []*Event{ev}, err
	})
	if err != nil {
		return 0, err
	}
	return withdrawn, nil
}

// TransferNative moves value out of the caller's own wallet. Accounts holding
// a strategy or position record are escrows and only move through their seeds.
func (s *Service) TransferNative(ctx context.Context, from, to Address, amount uint64) error {
	return s.commit(ctx, "transfer", func(tx Tx) ([]*Event, error) {
		if err := s.rejectEscrow(tx, from); err != nil {
			return nil, err
		}
		return nil, tx.Transfer(walletSigner(from), from, to, amount)
	})
}

func (s *Service) rejectEscrow(tx Tx, from Address) error {
	if _, err := tx.Strategy(from); err == nil {
		return ErrUnauthorized.Wrapf("%s is a strategy escrow", from.Hex())
	} else if !errors.Is(err, ErrStrategyNotFound) {
		return err
	}
	if _, err := tx.Position(from); err == nil {
		return ErrUnauthorized.Wrapf("%s is a position escrow", from.Hex())
	} else if !errors.Is(err, ErrPositionNotFound) {
		return err
	}
	return nil
}

func (s *Service) ownedStrategy(tx Tx, trader, addr Address) (*Strategy, error) {
	st, err := tx.Strategy(addr)
	if err != nil {
		return nil, err
	}
	if st.Trader != trader {
		return nil, ErrUnauthorized
	}
	if err := s.authority.Verify(addr, StrategySeeds(trader), st.Bump); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Service) derivedStrategy(tx Tx, addr Address) (*Strategy, error) {
	st, err := tx.Strategy(addr)
	if err != nil {
		return nil, err
	}
	if err := s.authority.Verify(addr, StrategySeeds(st.Trader), st.Bump); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *Service) subscriberPosition(tx Tx, subscriber, strategyAddr Address) (*Strategy, *Position, error) {
	st, err := s.derivedStrategy(tx, strategyAddr)
	if err != nil {
		return nil, nil, err
	}
	posAddr, _, err := s.authority.PositionAddress(subscriber, strategyAddr)
	if err != nil {
		return nil, nil, err
	}
	pos, err := tx.Position(posAddr)
	if err != nil {
		return nil, nil, err
	}
	if pos.Subscriber != subscriber {
		return nil, nil, ErrUnauthorized
	}
	if pos.Strategy != strategyAddr {
		return nil, nil, ErrPositionStrategyMismatch
	}
	return st, pos, nil
}

func (s *Service) commit(ctx context.Context, op string, fn func(Tx) ([]*Event, error)) error {
	var events []*Event
	err := s.store.ExecTx(ctx, func(tx Tx) error {
		evs, err := fn(tx)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			if err := tx.Emit(ev); err != nil {
				return fmt.Errorf("emit %s: %w", ev.Type, err)
			}
		}
		events = evs
		return nil
	})
	if err != nil {
		if KindOf(err) == KindUnknown {
			s.log.Error("operation failed", "op", op, "err", err)
		} else {
			s.log.Info("operation rejected", "op", op, "code", CodeOf(err), "kind", KindOf(err).String())
		}
		return err
	}
	for _, ev := range events {
		s.log.Info("operation committed", "op", op, "event", ev.Type, "seq", ev.Seq, "strategy", ev.Strategy.Hex())
	}
	s.publish(ctx, events)
	return nil
}

func (s *Service) publish(ctx context.Context, events []*Event) {
	if s.publisher == nil || len(events) == 0 {
		return
	}
	batch := make([]Event, len(events))
	for i, ev := range events {
		batch[i] = *ev
	}
	if err := s.publisher.Publish(ctx, batch); err != nil {
		s.log.Error("publish events", "err", err, "count", len(batch))
	}
}
