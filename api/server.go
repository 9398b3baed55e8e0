// Package api exposes the vault over HTTP. Mutating routes require a signed
// request; the recovered address is the acting trader or subscriber.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"github.com/OldEphraim/strategy-vault/auth"
	"github.com/OldEphraim/strategy-vault/confidential"
	"github.com/OldEphraim/strategy-vault/vault"
)

const maxBodyBytes = 1 << 20

// Marketplace serves the cached strategy listing.
type Marketplace interface {
	List(ctx context.Context, includeInactive bool) ([]vault.Strategy, error)
}

// Funder mints test value. Only wired when the dev faucet is enabled.
type Funder interface {
	Fund(ctx context.Context, addr vault.Address, amount uint64) error
}

type Options struct {
	APIKey      string
	Timeout     time.Duration
	Stream      http.Handler
	Marketplace Marketplace
	Payments    confidential.Ledger
	Faucet      Funder
	Logger      *slog.Logger
}

type Server struct {
	svc      *vault.Service
	verifier *auth.Verifier
	opts     Options
	log      *slog.Logger
}

func NewServer(svc *vault.Service, verifier *auth.Verifier, opts Options) *Server {
	if opts.Timeout <= 0 {
		opts.Timeout = 8 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Server{svc: svc, verifier: verifier, opts: opts, log: logger}
}

// --------- helpers ---------

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return i
}

func (s *Server) reqCtx(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opts.Timeout)
}

func safeKeyEq(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := 0; i < len(a); i++ {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// authenticate is a no-op when no API key is configured.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.APIKey != "" && !safeKeyEq(r.Header.Get("X-API-Key"), s.opts.APIKey) {
			writeErr(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type signedHandler func(w http.ResponseWriter, r *http.Request, caller vault.Address, body []byte)

// signed reads the body, verifies the request signature and passes the
// recovered caller on.
func (s *Server) signed(next signedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			writeErr(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		caller, err := s.verifier.Verify(r, body)
		switch {
		case errors.Is(err, auth.ErrNonceUnavailable):
			s.log.Error("replay check failed", "path", r.URL.Path, "err", err)
			writeErr(w, http.StatusServiceUnavailable, "replay check unavailable")
			return
		case errors.Is(err, auth.ErrReplayed):
			s.log.Warn("replayed request", "path", r.URL.Path, "address", r.Header.Get(auth.HeaderAddress))
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error(), "code": "Replayed"})
			return
		case err != nil:
			s.log.Info("rejected request signature", "path", r.URL.Path, "err", err)
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": err.Error(), "code": "BadSignature"})
			return
		}
		next(w, r, caller, body)
	}
}

func decodeBody(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}

func pathAddr(r *http.Request, key string) (vault.Address, bool) {
	raw := mux.Vars(r)[key]
	if !common.IsHexAddress(raw) {
		return vault.Address{}, false
	}
	return common.HexToAddress(raw), true
}

// Router registers every route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	if s.opts.Stream != nil {
		r.Handle("/ws/events", s.opts.Stream).Methods("GET")
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(func(next http.Handler) http.Handler { return s.authenticate(next) })

	// Strategy lifecycle
	api.HandleFunc("/strategies", s.signed(s.initializeStrategy)).Methods("POST")
	api.HandleFunc("/strategies/{address}", s.signed(s.updateStrategy)).Methods("PATCH")

	// Subscription, trades, fees, exit
	api.HandleFunc("/strategies/{address}/subscribe", s.signed(s.subscribe)).Methods("POST")
	api.HandleFunc("/strategies/{address}/positions/{position}/trades", s.signed(s.executeTrade)).Methods("POST")
	api.HandleFunc("/strategies/{address}/settle", s.signed(s.settleFees)).Methods("POST")
	api.HandleFunc("/strategies/{address}/unsubscribe", s.signed(s.unsubscribe)).Methods("POST")
	api.HandleFunc("/transfers", s.signed(s.transfer)).Methods("POST")
	if s.opts.Faucet != nil {
		api.HandleFunc("/accounts/{address}/airdrop", s.signed(s.airdrop)).Methods("POST")
	}

	// Reads
	api.HandleFunc("/strategies", s.listStrategies).Methods("GET")
	api.HandleFunc("/strategies/{address}", s.getStrategy).Methods("GET")
	api.HandleFunc("/strategies/{address}/positions", s.strategyPositions).Methods("GET")
	api.HandleFunc("/positions/{address}", s.getPosition).Methods("GET")
	api.HandleFunc("/subscribers/{address}/positions", s.subscriberPositions).Methods("GET")
	api.HandleFunc("/accounts/{address}/balance", s.getBalance).Methods("GET")
	api.HandleFunc("/events", s.listEvents).Methods("GET")
	api.HandleFunc("/marketplace", s.marketplace).Methods("GET")

	if s.opts.Payments != nil {
		api.HandleFunc("/payments/deposit", s.signed(s.paymentDeposit)).Methods("POST")
		api.HandleFunc("/payments/transfer", s.signed(s.paymentTransfer)).Methods("POST")
		api.HandleFunc("/payments/withdraw", s.signed(s.paymentWithdraw)).Methods("POST")
	}
	return r
}

// Handler wraps the router with CORS, access logging and panic recovery.
func (s *Server) Handler(accessLog io.Writer) http.Handler {
	if accessLog == nil {
		accessLog = os.Stdout
	}
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{"GET", "POST", "PATCH", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Content-Type", "X-API-Key", auth.HeaderAddress, auth.HeaderTimestamp, auth.HeaderSignature}),
	)
	return handlers.RecoveryHandler()(handlers.LoggingHandler(accessLog, cors(s.Router())))
}
