// Package cache keeps vault state in redis: the marketplace strategy hash and
// the set of signed requests already accepted.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"

	redis "github.com/redis/go-redis/v9"

	"github.com/OldEphraim/strategy-vault/vault"
)

const DefaultKey = "vault:strategies"

type hashClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// StrategyIndex mirrors strategy accounts into redis. It is fed by committed
// events and reloads the strategy from the store, so the cached copy is never
// newer than the ledger.
type StrategyIndex struct {
	client hashClient
	reader vault.Reader
	key    string
	log    *slog.Logger
}

var _ vault.Publisher = (*StrategyIndex)(nil)

func NewStrategyIndex(client *redis.Client, reader vault.Reader, key string, logger *slog.Logger) *StrategyIndex {
	return newStrategyIndex(client, reader, key, logger)
}

func newStrategyIndex(client hashClient, reader vault.Reader, key string, logger *slog.Logger) *StrategyIndex {
	if key == "" {
		key = DefaultKey
	}
	return &StrategyIndex{client: client, reader: reader, key: key, log: logger}
}

// Publish refreshes every strategy touched by the batch.
func (ix *StrategyIndex) Publish(ctx context.Context, events []vault.Event) error {
	seen := make(map[vault.Address]bool)
	for _, ev := range events {
		if ev.Strategy == (vault.Address{}) || seen[ev.Strategy] {
			continue
		}
		seen[ev.Strategy] = true
		if err := ix.refresh(ctx, ev.Strategy); err != nil {
			return err
		}
	}
	return nil
}

// Rebuild writes every strategy in the store.
func (ix *StrategyIndex) Rebuild(ctx context.Context) error {
	strategies, err := ix.reader.ListStrategies(ctx, false)
	if err != nil {
		return fmt.Errorf("list strategies: %w", err)
	}
	for i := range strategies {
		if err := ix.put(ctx, &strategies[i]); err != nil {
			return err
		}
	}
	ix.log.Info("strategy index rebuilt", "count", len(strategies))
	return nil
}

func (ix *StrategyIndex) refresh(ctx context.Context, addr vault.Address) error {
	st, err := ix.reader.GetStrategy(ctx, addr)
	if err != nil {
		return fmt.Errorf("load strategy %s: %w", addr.Hex(), err)
	}
	return ix.put(ctx, st)
}

func (ix *StrategyIndex) put(ctx context.Context, st *vault.Strategy) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal strategy: %w", err)
	}
	if err := ix.client.HSet(ctx, ix.key, st.Address.Hex(), string(data)).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", ix.key, err)
	}
	return nil
}

// List returns cached strategies, newest first. Inactive strategies are
// skipped unless includeInactive is set.
func (ix *StrategyIndex) List(ctx context.Context, includeInactive bool) ([]vault.Strategy, error) {
	entries, err := ix.client.HGetAll(ctx, ix.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", ix.key, err)
	}
	out := make([]vault.Strategy, 0, len(entries))
	for field, raw := range entries {
		var st vault.Strategy
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			ix.log.Warn("skipping malformed strategy entry", "field", field, "err", err)
			continue
		}
		if !includeInactive && !st.IsActive {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].Address.Cmp(out[j].Address) < 0
	})
	return out, nil
}
