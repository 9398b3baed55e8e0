package client

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/OldEphraim/strategy-vault/vault"
)

// Request and response bodies of the vault HTTP API.

type InitializeStrategyRequest struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	PerformanceFeeBps uint16 `json:"performance_fee_bps"`
}

type SubscribeRequest struct {
	Deposit uint64 `json:"deposit"`
}

type TradeRequest struct {
	Amount       uint64 `json:"amount"`
	ProfitOrLoss int64  `json:"profit_or_loss"`
}

type TransferRequest struct {
	To     common.Address `json:"to"`
	Amount uint64         `json:"amount"`
}

type AirdropRequest struct {
	Amount uint64 `json:"amount"`
}

type UnsubscribeResponse struct {
	Position        common.Address `json:"position"`
	WithdrawnAmount uint64         `json:"withdrawn_amount"`
}

type BalanceResponse struct {
	Address common.Address `json:"address"`
	Balance uint64         `json:"balance"`
}

// PositionView is a position plus its PnL relative to the high-water mark.
type PositionView struct {
	vault.Position
	PnLPercent float64 `json:"pnl_percent"`
}

func NewPositionView(p vault.Position) PositionView {
	return PositionView{Position: p, PnLPercent: p.PnLPercent()}
}

type ConfidentialAmountRequest struct {
	Amount uint64 `json:"amount"`
}

type ConfidentialTransferRequest struct {
	To         common.Address `json:"to"`
	Ciphertext string         `json:"ciphertext"`
	Proof      string         `json:"proof"`
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code,omitempty"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("vault api %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("vault api %d: %s", e.Status, e.Message)
}
