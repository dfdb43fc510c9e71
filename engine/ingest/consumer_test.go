package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hybrag/hybrag/engine/domain"
	"github.com/hybrag/hybrag/engine/semantic"
	"github.com/hybrag/hybrag/pkg/metrics"
	"github.com/hybrag/hybrag/pkg/natsutil"
)

type capturePublisher struct {
	mu   sync.Mutex
	msgs []*nats.Msg
}

func (p *capturePublisher) PublishMsg(m *nats.Msg) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
	return nil
}

func rawMsg(t *testing.T, m Message, retries string) *nats.Msg {
	t.Helper()
	msg, err := natsutil.NewMsg(context.Background(), IngestSubject, m)
	require.NoError(t, err)
	if retries != "" {
		msg.Header.Set(natsutil.RetryHeader, retries)
	}
	return msg
}

func TestMessageRoundTrip(t *testing.T) {
	m := MessageFor(testItem("p1"))
	assert.Equal(t, "2024-06-15", m.ShotDate)

	item, err := m.Item()
	require.NoError(t, err)
	assert.Equal(t, 20240615, item.ShotYMD())
	assert.Equal(t, "site/p1.jpg", item.Ref)

	_, err = Message{ID: "x", ShotDate: "15/06/2024"}.Item()
	require.ErrorIs(t, err, domain.ErrInvalidDate)
}

func TestHandleSuccess(t *testing.T) {
	store := semantic.NewMemory(2)
	pub := &capturePublisher{}
	o := newTestOrchestrator(&fakeEmbedder{}, store, nil)

	m := MessageFor(testItem("p1"))
	o.Handle(context.Background(), pub, m, rawMsg(t, m, ""), ConsumerOptions{})
	assert.Equal(t, 1, store.Len(""))
	assert.Empty(t, pub.msgs)
}

func TestHandleRequeuesWithRetryHeader(t *testing.T) {
	item := testItem("p1")
	emb := &fakeEmbedder{fail: map[string]error{item.Ref: domain.Transport("embed", errors.New("503"))}}
	pub := &capturePublisher{}
	reg := metrics.New()
	o := newTestOrchestrator(emb, semantic.NewMemory(2), metrics.NewEngine(reg))

	m := MessageFor(item)
	o.Handle(context.Background(), pub, m, rawMsg(t, m, "1"), ConsumerOptions{})

	require.Len(t, pub.msgs, 1)
	out := pub.msgs[0]
	assert.Equal(t, IngestSubject, out.Subject)
	assert.Equal(t, "2", out.Header.Get(natsutil.RetryHeader))
	assert.JSONEq(t, string(rawMsg(t, m, "").Data), string(out.Data))
	assert.Contains(t, reg.Render(), "hybrag_ingest_errors_total 1")
}

func TestHandleDeadLettersAfterMaxRetries(t *testing.T) {
	item := testItem("p1")
	emb := &fakeEmbedder{fail: map[string]error{item.Ref: domain.Transport("embed", errors.New("503"))}}
	pub := &capturePublisher{}
	reg := metrics.New()
	o := newTestOrchestrator(emb, semantic.NewMemory(2), metrics.NewEngine(reg))

	m := MessageFor(item)
	o.Handle(context.Background(), pub, m, rawMsg(t, m, "2"), ConsumerOptions{})

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, DLQSubject, pub.msgs[0].Subject)
	var dl DeadLetter
	require.NoError(t, json.Unmarshal(pub.msgs[0].Data, &dl))
	assert.Equal(t, 3, dl.Retries)
	assert.Equal(t, "p1", dl.Message.ID)
	assert.Contains(t, dl.Error, "503")
	assert.Contains(t, reg.Render(), "hybrag_ingest_dlq_total 1")
}

func TestHandleDeadLettersInvalidItemsImmediately(t *testing.T) {
	pub := &capturePublisher{}
	emb := &fakeEmbedder{}
	o := newTestOrchestrator(emb, semantic.NewMemory(2), nil)

	m := Message{ID: "p1", Ref: "site/p1.jpg", Building: "north", ShotDate: "not a date"}
	o.Handle(context.Background(), pub, m, nil, ConsumerOptions{DLQSubject: "custom.dlq"})

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "custom.dlq", pub.msgs[0].Subject)
	assert.Zero(t, emb.single)
}
