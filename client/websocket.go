package client

import (
	"context"
	"log"
	"net/url"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/OldEphraim/strategy-vault/vault"
)

// EventStream follows committed vault events over the API websocket.
type EventStream struct {
	conn *websocket.Conn
	url  string
}

// DialEvents connects to /ws/events. Zero addresses leave that filter off.
func DialEvents(ctx context.Context, apiURL string, strategy, account common.Address) (*EventStream, error) {
	u, err := url.Parse(strings.TrimSuffix(apiURL, "/") + "/ws/events")
	if err != nil {
		return nil, err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	if strategy != (common.Address{}) {
		q.Set("strategy", strategy.Hex())
	}
	if account != (common.Address{}) {
		q.Set("account", account.Hex())
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &EventStream{conn: conn, url: u.String()}, nil
}

// Listen reads events until the connection drops or ctx ends. The returned
// channel is closed when reading stops.
func (es *EventStream) Listen(ctx context.Context) <-chan vault.Event {
	ch := make(chan vault.Event, 100)
	go func() {
		<-ctx.Done()
		_ = es.conn.Close()
	}()
	go func() {
		defer close(ch)
		for {
			var ev vault.Event
			if err := es.conn.ReadJSON(&ev); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
					log.Printf("event stream error: %v", err)
				}
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

func (es *EventStream) Close() error {
	if es.conn != nil {
		return es.conn.Close()
	}
	return nil
}
