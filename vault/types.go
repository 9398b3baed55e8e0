package vault

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Address identifies wallets and escrow accounts alike.
type Address = common.Address

const (
	MaxNameLength        = 50
	MaxDescriptionLength = 500
	MaxFeeBps            = 5000
	MinStakeAmount       = 1_000_000_000
	BasisPointsDivisor   = 10_000
)

// Strategy is a trader's published offering. There is exactly one per trader
// and it lives at the address derived from ("strategy", trader).
type Strategy struct {
	Address           Address   `json:"address"`
	Trader            Address   `json:"trader"`
	Name              string    `json:"name"`
	Description       string    `json:"description"`
	PerformanceFeeBps uint16    `json:"performance_fee_bps"`
	TotalSubscribers  uint32    `json:"total_subscribers"`
	TotalVolumeTraded uint64    `json:"total_volume_traded"`
	TotalFeesEarned   uint64    `json:"total_fees_earned"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	Bump              uint8     `json:"bump"`
}

// Position is one subscriber's escrowed stake in one strategy. Its address is
// derived from ("position", subscriber, strategy), so there is at most one per
// pair. A closed position keeps its record with a zero balance.
type Position struct {
	Address           Address   `json:"address"`
	Subscriber        Address   `json:"subscriber"`
	Strategy          Address   `json:"strategy"`
	InitialBalance    uint64    `json:"initial_balance"`
	CurrentBalance    uint64    `json:"current_balance"`
	TotalFeesPaid     uint64    `json:"total_fees_paid"`
	LastFeeSettlement time.Time `json:"last_fee_settlement"`
	SubscribedAt      time.Time `json:"subscribed_at"`
	IsActive          bool      `json:"is_active"`
	Bump              uint8     `json:"bump"`
}

// PnLPercent is the change of the current balance relative to the
// high-water mark, in percent.
func (p *Position) PnLPercent() float64 {
	if p.InitialBalance == 0 {
		return 0
	}
	cur, init := float64(p.CurrentBalance), float64(p.InitialBalance)
	return (cur - init) / init * 100
}

// PositionFilter narrows position listings. Zero addresses match everything.
type PositionFilter struct {
	Subscriber Address
	Strategy   Address
	ActiveOnly bool
}

func (f PositionFilter) Match(p *Position) bool {
	if f.Subscriber != (Address{}) && p.Subscriber != f.Subscriber {
		return false
	}
	if f.Strategy != (Address{}) && p.Strategy != f.Strategy {
		return false
	}
	return !f.ActiveOnly || p.IsActive
}

// Clock supplies operation timestamps.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock reads the wall clock in UTC.
var SystemClock Clock = systemClock{}
