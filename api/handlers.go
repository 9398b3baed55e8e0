package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/OldEphraim/strategy-vault/client"
	"github.com/OldEphraim/strategy-vault/confidential"
	"github.com/OldEphraim/strategy-vault/vault"
)

func positionViews(ps []vault.Position) []client.PositionView {
	out := make([]client.PositionView, 0, len(ps))
	for _, p := range ps {
		out = append(out, client.NewPositionView(p))
	}
	return out
}

// POST /api/strategies
func (s *Server) initializeStrategy(w http.ResponseWriter, r *http.Request, caller vault.Address, body []byte) {
	var req client.InitializeStrategyRequest
	if err := decodeBody(body, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	st, err := s.svc.InitializeStrategy(ctx, caller, req.Name, req.Description, req.PerformanceFeeBps)
	if err != nil {
		s.writeVaultErr(w, "initializeStrategy", err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// PATCH /api/strategies/{address}
func (s *Server) updateStrategy(w http.ResponseWriter, r *http.Request, caller vault.Address, body []byte) {
	addr, ok := pathAddr(r, "address")
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid strategy address")
		return
	}
	var patch vault.StrategyPatch
	if err := decodeBody(body, &patch); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	st, err := s.svc.UpdateStrategy(ctx, caller, addr, patch)
	if err != nil {
		s.writeVaultErr(w, "updateStrategy", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// POST /api/strategies/{address}/subscribe
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request, caller vault.Address, body []byte) {
	addr, ok := pathAddr(r, "address")
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid strategy address")
		return
	}
	var req client.SubscribeRequest
	if err := decodeBody(body, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	pos, err := s.svc.Subscribe(ctx, caller, addr, req.Deposit)
	if err != nil {
		s.writeVaultErr(w, "subscribe", err)
		return
	}
	writeJSON(w, http.StatusCreated, client.NewPositionView(*pos))
}

// POST /api/strategies/{address}/positions/{position}/trades
func (s *Server) executeTrade(w http.ResponseWriter, r *http.Request, caller vault.Address, body []byte) {
	strategy, ok := pathAddr(r, "address")
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid strategy address")
		return
	}
	position, ok := pathAddr(r, "position")
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid position address")
		return
	}
	var req client.TradeRequest
	if err := decodeBody(body, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	pos, err := s.svc.ExecuteTrade(ctx, caller, strategy, position, req.Amount, req.ProfitOrLoss)
	if err != nil {
		s.writeVaultErr(w, "executeTrade", err)
		return
	}
	writeJSON(w, http.StatusOK, client.NewPositionView(*pos))
}

// POST /api/strategies/{address}/settle
func (s *Server) settleFees(w http.ResponseWriter, r *http.Request, caller vault.Address, _ []byte) {
	strategy, ok := pathAddr(r, "address")
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid strategy address")
		return
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	pos, err := s.svc.SettleFees(ctx, caller, strategy)
	if err != nil {
		s.writeVaultErr(w, "settleFees", err)
		return
	}
	writeJSON(w, http.StatusOK, client.NewPositionView(*pos))
}

// POST /api/strategies/{address}/unsubscribe
func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request, caller vault.Address, _ []byte) {
	strategy, ok := pathAddr(r, "address")
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid strategy address")
		return
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	withdrawn, err := s.svc.Unsubscribe(ctx, caller, strategy)
	if err != nil {
		s.writeVaultErr(w, "unsubscribe", err)
		return
	}
	position, err := s.svc.PositionAddress(caller, strategy)
	if err != nil {
		s.writeVaultErr(w, "unsubscribe", err)
		return
	}
	writeJSON(w, http.StatusOK, client.UnsubscribeResponse{Position: position, WithdrawnAmount: withdrawn})
}

// POST /api/transfers
func (s *Server) transfer(w http.ResponseWriter, r *http.Request, caller vault.Address, body []byte) {
	var req client.TransferRequest
	if err := decodeBody(body, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	if err := s.svc.TransferNative(ctx, caller, req.To, req.Amount); err != nil {
		s.writeVaultErr(w, "transfer", err)
		return
	}
	balance, err := s.svc.Balance(ctx, caller)
	if err != nil {
		s.writeVaultErr(w, "transfer", err)
		return
	}
	writeJSON(w, http.StatusOK, client.BalanceResponse{Address: caller, Balance: balance})
}

// POST /api/accounts/{address}/airdrop
func (s *Server) airdrop(w http.ResponseWriter, r *http.Request, caller vault.Address, body []byte) {
	addr, ok := pathAddr(r, "address")
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid account address")
		return
	}
	var req client.AirdropRequest
	if err := decodeBody(body, &req); err != nil || req.Amount == 0 {
		writeErr(w, http.StatusBadRequest, "amount must be positive")
		return
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	if err := s.opts.Faucet.Fund(ctx, addr, req.Amount); err != nil {
		s.writeVaultErr(w, "airdrop", err)
		return
	}
	s.log.Info("airdrop", "to", addr.Hex(), "amount", req.Amount, "requested_by", caller.Hex())
	balance, err := s.svc.Balance(ctx, addr)
	if err != nil {
		s.writeVaultErr(w, "airdrop", err)
		return
	}
	writeJSON(w, http.StatusOK, client.BalanceResponse{Address: addr, Balance: balance})
}

// --------- reads ---------

func activeParam(r *http.Request) bool {
	v, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	return v
}

// GET /api/strategies[?active=true]
func (s *Server) listStrategies(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	out, err := s.svc.Strategies(ctx, activeParam(r))
	if err != nil {
		s.writeVaultErr(w, "listStrategies", err)
		return
	}
	if out == nil {
		out = []vault.Strategy{}
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/strategies/{address}
func (s *Server) getStrategy(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(r, "address")
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid strategy address")
		return
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	st, err := s.svc.Strategy(ctx, addr)
	if err != nil {
		s.writeVaultErr(w, "getStrategy", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GET /api/strategies/{address}/positions
func (s *Server) strategyPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(r, "address")
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid strategy address")
		return
	}
	s.listPositions(w, r, vault.PositionFilter{Strategy: addr, ActiveOnly: activeParam(r)})
}

// GET /api/subscribers/{address}/positions
func (s *Server) subscriberPositions(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(r, "address")
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid subscriber address")
		return
	}
	s.listPositions(w, r, vault.PositionFilter{Subscriber: addr, ActiveOnly: activeParam(r)})
}

func (s *Server) listPositions(w http.ResponseWriter, r *http.Request, f vault.PositionFilter) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	ps, err := s.svc.Positions(ctx, f)
	if err != nil {
		s.writeVaultErr(w, "listPositions", err)
		return
	}
	writeJSON(w, http.StatusOK, positionViews(ps))
}

// GET /api/positions/{address}
func (s *Server) getPosition(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(r, "address")
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid position address")
		return
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	pos, err := s.svc.Position(ctx, addr)
	if err != nil {
		s.writeVaultErr(w, "getPosition", err)
		return
	}
	writeJSON(w, http.StatusOK, client.NewPositionView(*pos))
}

// GET /api/accounts/{address}/balance
func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	addr, ok := pathAddr(r, "address")
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid account address")
		return
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	balance, err := s.svc.Balance(ctx, addr)
	if err != nil {
		s.writeVaultErr(w, "getBalance", err)
		return
	}
	writeJSON(w, http.StatusOK, client.BalanceResponse{Address: addr, Balance: balance})
}

// GET /api/events?after=&limit=
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	after, err := strconv.ParseInt(r.URL.Query().Get("after"), 10, 64)
	if err != nil {
		after = 0
	}
	limit := atoiDefault(r.URL.Query().Get("limit"), 100)

	ctx, cancel := s.reqCtx(r)
	defer cancel()

	events, err := s.svc.Events(ctx, after, limit)
	if err != nil {
		s.writeVaultErr(w, "listEvents", err)
		return
	}
	if events == nil {
		events = []vault.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// GET /api/marketplace serves the cached index and falls back to the store
// when the cache is absent or failing.
func (s *Server) marketplace(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	if s.opts.Marketplace != nil {
		out, err := s.opts.Marketplace.List(ctx, false)
		if err == nil {
			writeJSON(w, http.StatusOK, out)
			return
		}
		s.log.Warn("marketplace cache unavailable", "err", err)
	}
	out, err := s.svc.Strategies(ctx, true)
	if err != nil {
		s.writeVaultErr(w, "marketplace", err)
		return
	}
	if out == nil {
		out = []vault.Strategy{}
	}
	writeJSON(w, http.StatusOK, out)
}

// --------- confidential payments ---------

// POST /api/payments/deposit
func (s *Server) paymentDeposit(w http.ResponseWriter, r *http.Request, caller vault.Address, body []byte) {
	var req client.ConfidentialAmountRequest
	if err := decodeBody(body, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	receipt, err := s.opts.Payments.Deposit(ctx, caller, req.Amount)
	if err != nil {
		s.writePaymentErr(w, "paymentDeposit", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// POST /api/payments/transfer
func (s *Server) paymentTransfer(w http.ResponseWriter, r *http.Request, caller vault.Address, body []byte) {
	var req client.ConfidentialTransferRequest
	if err := decodeBody(body, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	raw, err := hexutil.Decode(req.Ciphertext)
	if err != nil || len(raw) != len(confidential.Ciphertext{}) {
		writeErr(w, http.StatusBadRequest, "ciphertext must be 64 hex-encoded bytes")
		return
	}
	var ct confidential.Ciphertext
	copy(ct[:], raw)
	var proof []byte
	if req.Proof != "" {
		if proof, err = hexutil.Decode(req.Proof); err != nil {
			writeErr(w, http.StatusBadRequest, "proof must be hex encoded")
			return
		}
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	receipt, err := s.opts.Payments.Transfer(ctx, caller, req.To, ct, proof)
	if err != nil {
		s.writePaymentErr(w, "paymentTransfer", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// POST /api/payments/withdraw
func (s *Server) paymentWithdraw(w http.ResponseWriter, r *http.Request, caller vault.Address, body []byte) {
	var req client.ConfidentialAmountRequest
	if err := decodeBody(body, &req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json body")
		return
	}
	ctx, cancel := s.reqCtx(r)
	defer cancel()

	receipt, err := s.opts.Payments.Withdraw(ctx, caller, req.Amount)
	if err != nil {
		s.writePaymentErr(w, "paymentWithdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func (s *Server) writePaymentErr(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, confidential.ErrInvalidAmount),
		errors.Is(err, confidential.ErrMissingProof),
		errors.Is(err, confidential.ErrSelfTransfer):
		writeErr(w, http.StatusBadRequest, err.Error())
	default:
		s.log.Error(op, "err", err)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}
