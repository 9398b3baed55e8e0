package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeSetNX struct {
	keys map[string]time.Duration
	err  error
}

func (f *fakeSetNX) SetNX(_ context.Context, key string, _ interface{}, expiration time.Duration) *redis.BoolCmd {
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func TestRequestNoncesClaimOnce(t *testing.T) {
	ctx := context.Background()
	fake := &fakeSetNX{keys: map[string]time.Duration{}}
	n := newRequestNonces(fake, "")

	ok, err := n.Claim(ctx, "0xabc:01", 2*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 2*time.Minute, fake.keys[DefaultNoncePrefix+"0xabc:01"])

	ok, err = n.Claim(ctx, "0xabc:01", 2*time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = n.Claim(ctx, "0xabc:02", 2*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRequestNoncesReportRedisErrors(t *testing.T) {
	fake := &fakeSetNX{keys: map[string]time.Duration{}, err: errors.New("connection refused")}
	n := newRequestNonces(fake, "custom:")

	_, err := n.Claim(context.Background(), "k", time.Minute)
	require.ErrorContains(t, err, "redis setnx")
	require.Empty(t, fake.keys)
}
