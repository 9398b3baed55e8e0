package stream_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/OldEphraim/strategy-vault/client"
	"github.com/OldEphraim/strategy-vault/stream"
	"github.com/OldEphraim/strategy-vault/utils/logging"
	"github.com/OldEphraim/strategy-vault/vault"
)

var (
	strategyA = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	strategyB = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	alice     = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
)

func newHub(t *testing.T) (*stream.Hub, *httptest.Server) {
	t.Helper()
	hub := stream.NewHub(logging.Discard(), 16)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

func recv(t *testing.T, ch <-chan vault.Event) vault.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return vault.Event{}
}

func TestHubBroadcastsCommittedEvents(t *testing.T) {
	hub, srv := newHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	es, err := client.DialEvents(ctx, srv.URL, common.Address{}, common.Address{})
	require.NoError(t, err)
	defer es.Close()
	events := es.Listen(ctx)

	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, []vault.Event{
		{Seq: 1, Type: vault.EventStrategyCreated, Strategy: strategyA},
		{Seq: 2, Type: vault.EventUserSubscribed, Strategy: strategyA, Account: alice},
	}))

	first := recv(t, events)
	require.Equal(t, int64(1), first.Seq)
	require.Equal(t, vault.EventStrategyCreated, first.Type)
	second := recv(t, events)
	require.Equal(t, alice, second.Account)
}

func TestHubFiltersByStrategyAndAccount(t *testing.T) {
	hub, srv := newHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	byStrategy, err := client.DialEvents(ctx, srv.URL, strategyB, common.Address{})
	require.NoError(t, err)
	defer byStrategy.Close()
	byAccount, err := client.DialEvents(ctx, srv.URL, common.Address{}, alice)
	require.NoError(t, err)
	defer byAccount.Close()

	strategyEvents := byStrategy.Listen(ctx)
	accountEvents := byAccount.Listen(ctx)
	require.Eventually(t, func() bool { return hub.Subscribers() == 2 }, time.Second, 10*time.Millisecond)

	require.NoError(t, hub.Publish(ctx, []vault.Event{
		{Seq: 1, Type: vault.EventTradeExecuted, Strategy: strategyA},
		{Seq: 2, Type: vault.EventUserSubscribed, Strategy: strategyA, Account: alice},
		{Seq: 3, Type: vault.EventTradeExecuted, Strategy: strategyB},
	}))

	require.Equal(t, int64(3), recv(t, strategyEvents).Seq)
	require.Equal(t, int64(2), recv(t, accountEvents).Seq)
}

func TestHubRejectsBadFilter(t *testing.T) {
	_, srv := newHub(t)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/events?strategy=nothex"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHubCloseDisconnects(t *testing.T) {
	hub, srv := newHub(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	es, err := client.DialEvents(ctx, srv.URL, common.Address{}, common.Address{})
	require.NoError(t, err)
	defer es.Close()
	events := es.Listen(ctx)
	require.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 10*time.Millisecond)

	hub.Close()
	select {
	case _, ok := <-events:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream not closed")
	}
	require.Zero(t, hub.Subscribers())
}
