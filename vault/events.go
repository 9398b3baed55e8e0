package vault

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

type EventType string

const (
	EventStrategyCreated  EventType = "STRATEGY_CREATED"
	EventStrategyUpdated  EventType = "STRATEGY_UPDATED"
	EventUserSubscribed   EventType = "USER_SUBSCRIBED"
	EventTradeExecuted    EventType = "TRADE_EXECUTED"
	EventFeesSettled      EventType = "FEES_SETTLED"
	EventUserUnsubscribed EventType = "USER_UNSUBSCRIBED"
)

// Event is a journal record written in the same transaction as the state
// change it describes. Seq is assigned by the store.
type Event struct {
	Seq       int64           `json:"seq"`
	Type      EventType       `json:"type"`
	Strategy  Address         `json:"strategy"`
	Account   Address         `json:"account"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

func (e Event) Decode(v any) error { return json.Unmarshal(e.Data, v) }

type StrategyCreated struct {
	Strategy          Address `json:"strategy"`
	Trader            Address `json:"trader"`
	Name              string  `json:"name"`
	PerformanceFeeBps uint16  `json:"performance_fee_bps"`
}

type StrategyUpdated struct {
	Strategy Address `json:"strategy"`
	Trader   Address `json:"trader"`
}

type UserSubscribed struct {
	User           Address `json:"user"`
	Strategy       Address `json:"strategy"`
	InitialDeposit uint64  `json:"initial_deposit"`
}

type TradeExecuted struct {
	Strategy     Address `json:"strategy"`
	User         Address `json:"user"`
	Amount       uint64  `json:"amount"`
	ProfitOrLoss int64   `json:"profit_or_loss"`
	NewBalance   uint64  `json:"new_balance"`
}

type FeesSettled struct {
	User             Address `json:"user"`
	Strategy         Address `json:"strategy"`
	Trader           Address `json:"trader"`
	FeeAmount        uint64  `json:"fee_amount"`
	RemainingBalance uint64  `json:"remaining_balance"`
}

type UserUnsubscribed struct {
	User            Address `json:"user"`
	Strategy        Address `json:"strategy"`
	WithdrawnAmount uint64  `json:"withdrawn_amount"`
}

func newEvent(typ EventType, strategy, account Address, at time.Time, payload any) (*Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Event{Type: typ, Strategy: strategy, Account: account, Timestamp: at, Data: data}, nil
}

// Publisher receives events after their transaction commits.
type Publisher interface {
	Publish(ctx context.Context, events []Event) error
}

type PublisherFunc func(ctx context.Context, events []Event) error

func (f PublisherFunc) Publish(ctx context.Context, events []Event) error { return f(ctx, events) }

// MultiPublisher hands each batch to every publisher; one failing sink does
// not stop the others.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, events []Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
