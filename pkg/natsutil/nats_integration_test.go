//go:build integration

package natsutil

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func natsURL() string {
	if v := os.Getenv("NATS_URL"); v != "" {
		return v
	}
	return nats.DefaultURL
}

func TestNATS_PubSubWithRetryHeader(t *testing.T) {
	nc, err := nats.Connect(natsURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	type msg struct {
		Text string `json:"text"`
	}
	ch := make(chan int, 2)
	sub, err := Subscribe(nc, "integ.hybrag", nil, func(_ context.Context, m msg, raw *nats.Msg) {
		require.Equal(t, "hello", m.Text)
		ch <- RetryCount(raw)
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, Publish(context.Background(), nc, "integ.hybrag", msg{Text: "hello"}))
	first := <-ch
	require.Equal(t, 0, first)

	out, err := NewMsg(context.Background(), "integ.hybrag", msg{Text: "hello"})
	require.NoError(t, err)
	require.NoError(t, Requeue(nc, out, "integ.hybrag", 2))

	select {
	case got := <-ch:
		require.Equal(t, 2, got)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for requeued message")
	}
}
