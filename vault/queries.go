package vault

import "context"

func (s *Service) StrategyAddress(trader Address) (Address, error) {
	addr, _, err := s.authority.StrategyAddress(trader)
	return addr, err
}

func (s *Service) PositionAddress(subscriber, strategy Address) (Address, error) {
	addr, _, err := s.authority.PositionAddress(subscriber, strategy)
	return addr, err
}

func (s *Service) Strategy(ctx context.Context, addr Address) (*Strategy, error) {
	return s.store.GetStrategy(ctx, addr)
}

// StrategyOf returns the strategy published by trader.
func (s *Service) StrategyOf(ctx context.Context, trader Address) (*Strategy, error) {
	addr, err := s.StrategyAddress(trader)
	if err != nil {
		return nil, err
	}
	return s.store.GetStrategy(ctx, addr)
}

func (s *Service) Strategies(ctx context.Context, activeOnly bool) ([]Strategy, error) {
	return s.store.ListStrategies(ctx, activeOnly)
}

func (s *Service) Position(ctx context.Context, addr Address) (*Position, error) {
	return s.store.GetPosition(ctx, addr)
}

func (s *Service) PositionOf(ctx context.Context, subscriber, strategy Address) (*Position, error) {
	addr, err := s.PositionAddress(subscriber, strategy)
	if err != nil {
		return nil, err
	}
	return s.store.GetPosition(ctx, addr)
}

func (s *Service) Positions(ctx context.Context, f PositionFilter) ([]Position, error) {
	return s.store.ListPositions(ctx, f)
}

func (s *Service) Balance(ctx context.Context, addr Address) (uint64, error) {
	return s.store.Balance(ctx, addr)
}

// Events pages through the journal in sequence order.
func (s *Service) Events(ctx context.Context, afterSeq int64, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return s.store.Events(ctx, afterSeq, limit)
}
