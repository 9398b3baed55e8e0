package vault_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/OldEphraim/strategy-vault/vault"
)

func TestMultiPublisherReachesEverySink(t *testing.T) {
	failing := errors.New("sink down")
	var got []int
	m := vault.MultiPublisher{
		vault.PublisherFunc(func(_ context.Context, evs []vault.Event) error {
			got = append(got, len(evs))
			return failing
		}),
		vault.PublisherFunc(func(_ context.Context, evs []vault.Event) error {
			got = append(got, len(evs))
			return nil
		}),
	}
	err := m.Publish(context.Background(), []vault.Event{{Seq: 1}, {Seq: 2}})
	require.ErrorIs(t, err, failing)
	require.Equal(t, []int{2, 2}, got)

	require.NoError(t, vault.MultiPublisher{}.Publish(context.Background(), nil))
}

func TestEventDecode(t *testing.T) {
	ev := vault.Event{Data: []byte(`{"amount":25,"fee_amount":5}`)}
	var fs vault.FeesSettled
	require.NoError(t, ev.Decode(&fs))
	require.Equal(t, uint64(5), fs.FeeAmount)
}
