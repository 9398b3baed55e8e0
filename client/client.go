package client

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/OldEphraim/strategy-vault/auth"
	"github.com/OldEphraim/strategy-vault/vault"
)

type VaultClient struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
	authority  *vault.Authority
	domain     auth.Domain
	apiURL     string
	apiKey     string
	client     *http.Client
	now        func() time.Time

	mu         sync.Mutex
	lastSigned time.Time
}

func NewVaultClient(apiURL, privateKeyHex string, program common.Address) (*VaultClient, error) {
	privateKeyHex = strings.TrimPrefix(privateKeyHex, "0x")
	privateKey, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, err
	}
	return NewVaultClientWithKey(apiURL, privateKey, program), nil
}

func NewVaultClientWithKey(apiURL string, key *ecdsa.PrivateKey, program common.Address) *VaultClient {
	return &VaultClient{
		privateKey: key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		authority:  vault.NewAuthority(program),
		domain:     auth.DefaultDomain(program),
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		client:     &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
}

// WithAPIKey sets the X-API-Key header sent on every request.
func (c *VaultClient) WithAPIKey(key string) *VaultClient {
	c.apiKey = key
	return c
}

func (c *VaultClient) WithHTTPClient(h *http.Client) *VaultClient {
	c.client = h
	return c
}

func (c *VaultClient) Address() common.Address { return c.address }

// StrategyAddress is where the caller's own strategy lives.
func (c *VaultClient) StrategyAddress() (common.Address, error) {
	addr, _, err := c.authority.StrategyAddress(c.address)
	return addr, err
}

func (c *VaultClient) PositionAddress(strategy common.Address) (common.Address, error) {
	addr, _, err := c.authority.PositionAddress(c.address, strategy)
	return addr, err
}

func (c *VaultClient) InitializeStrategy(ctx context.Context, name, description string, feeBps uint16) (*vault.Strategy, error) {
	var out vault.Strategy
	err := c.do(ctx, http.MethodPost, "/api/strategies", InitializeStrategyRequest{
		Name:              name,
		Description:       description,
		PerformanceFeeBps: feeBps,
	}, &out, true)
	return &out, err
}

func (c *VaultClient) UpdateStrategy(ctx context.Context, patch vault.StrategyPatch) (*vault.Strategy, error) {
	addr, err := c.StrategyAddress()
	if err != nil {
		return nil, err
	}
	var out vault.Strategy
	err = c.do(ctx, http.MethodPatch, "/api/strategies/"+addr.Hex(), patch, &out, true)
	return &out, err
}

func (c *VaultClient) Subscribe(ctx context.Context, strategy common.Address, deposit uint64) (*PositionView, error) {
	var out PositionView
	err := c.do(ctx, http.MethodPost, "/api/strategies/"+strategy.Hex()+"/subscribe", SubscribeRequest{Deposit: deposit}, &out, true)
	return &out, err
}

// ExecuteTrade records a trade against a position of the caller's strategy.
func (c *VaultClient) ExecuteTrade(ctx context.Context, position common.Address, amount uint64, pnl int64) (*PositionView, error) {
	strategy, err := c.StrategyAddress()
	if err != nil {
		return nil, err
	}
	var out PositionView
	path := fmt.Sprintf("/api/strategies/%s/positions/%s/trades", strategy.Hex(), position.Hex())
	err = c.do(ctx, http.MethodPost, path, TradeRequest{Amount: amount, ProfitOrLoss: pnl}, &out, true)
	return &out, err
}

func (c *VaultClient) SettleFees(ctx context.Context, strategy common.Address) (*PositionView, error) {
	var out PositionView
	err := c.do(ctx, http.MethodPost, "/api/strategies/"+strategy.Hex()+"/settle", nil, &out, true)
	return &out, err
}

func (c *VaultClient) Unsubscribe(ctx context.Context, strategy common.Address) (uint64, error) {
	var out UnsubscribeResponse
	err := c.do(ctx, http.MethodPost, "/api/strategies/"+strategy.Hex()+"/unsubscribe", nil, &out, true)
	return out.WithdrawnAmount, err
}

// Transfer sends native value from the caller's wallet.
func (c *VaultClient) Transfer(ctx context.Context, to common.Address, amount uint64) error {
	return c.do(ctx, http.MethodPost, "/api/transfers", TransferRequest{To: to, Amount: amount}, nil, true)
}

// Airdrop mints test value; only servers running with the dev faucet accept it.
func (c *VaultClient) Airdrop(ctx context.Context, to common.Address, amount uint64) error {
	return c.do(ctx, http.MethodPost, "/api/accounts/"+to.Hex()+"/airdrop", AirdropRequest{Amount: amount}, nil, true)
}

func (c *VaultClient) GetStrategy(ctx context.Context, addr common.Address) (*vault.Strategy, error) {
	var out vault.Strategy
	err := c.do(ctx, http.MethodGet, "/api/strategies/"+addr.Hex(), nil, &out, false)
	return &out, err
}

func (c *VaultClient) ListStrategies(ctx context.Context, activeOnly bool) ([]vault.Strategy, error) {
	var out []vault.Strategy
	err := c.do(ctx, http.MethodGet, "/api/strategies?active="+strconv.FormatBool(activeOnly), nil, &out, false)
	return out, err
}

// Marketplace lists strategies from the cached index.
func (c *VaultClient) Marketplace(ctx context.Context) ([]vault.Strategy, error) {
	var out []vault.Strategy
	err := c.do(ctx, http.MethodGet, "/api/marketplace", nil, &out, false)
	return out, err
}

func (c *VaultClient) GetPosition(ctx context.Context, addr common.Address) (*PositionView, error) {
	var out PositionView
	err := c.do(ctx, http.MethodGet, "/api/positions/"+addr.Hex(), nil, &out, false)
	return &out, err
}

func (c *VaultClient) StrategyPositions(ctx context.Context, strategy common.Address, activeOnly bool) ([]PositionView, error) {
	var out []PositionView
	path := "/api/strategies/" + strategy.Hex() + "/positions?active=" + strconv.FormatBool(activeOnly)
	err := c.do(ctx, http.MethodGet, path, nil, &out, false)
	return out, err
}

func (c *VaultClient) UserPositions(ctx context.Context, subscriber common.Address, activeOnly bool) ([]PositionView, error) {
	var out []PositionView
	path := "/api/subscribers/" + subscriber.Hex() + "/positions?active=" + strconv.FormatBool(activeOnly)
	err := c.do(ctx, http.MethodGet, path, nil, &out, false)
	return out, err
}

func (c *VaultClient) Balance(ctx context.Context, addr common.Address) (uint64, error) {
	var out BalanceResponse
	err := c.do(ctx, http.MethodGet, "/api/accounts/"+addr.Hex()+"/balance", nil, &out, false)
	return out.Balance, err
}

func (c *VaultClient) Events(ctx context.Context, afterSeq int64, limit int) ([]vault.Event, error) {
	q := url.Values{}
	q.Set("after", strconv.FormatInt(afterSeq, 10))
	q.Set("limit", strconv.Itoa(limit))
	var out []vault.Event
	err := c.do(ctx, http.MethodGet, "/api/events?"+q.Encode(), nil, &out, false)
	return out, err
}

// signingTime is strictly increasing per client at millisecond resolution,
// so two identical calls never share a signature.
func (c *VaultClient) signingTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now().Truncate(time.Millisecond)
	if !now.After(c.lastSigned) {
		now = c.lastSigned.Add(time.Millisecond)
	}
	c.lastSigned = now
	return now
}

func (c *VaultClient) do(ctx context.Context, method, path string, in, out any, signed bool) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if signed {
		if err := auth.SignRequest(req, body, c.privateKey, c.domain, c.signingTime()); err != nil {
			return err
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{Status: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(bodyBytes))
		}
		return apiErr
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to parse: %w", err)
	}
	return nil
}
