package ingestion

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c3hub/fieldhub/internal/clock"
	"github.com/c3hub/fieldhub/internal/codec"
	"github.com/c3hub/fieldhub/internal/credential"
	"github.com/c3hub/fieldhub/internal/gate"
	"github.com/c3hub/fieldhub/internal/ledger"
	"github.com/c3hub/fieldhub/internal/lora"
	"github.com/c3hub/fieldhub/internal/registry"
	"github.com/c3hub/fieldhub/internal/schema"
	"github.com/c3hub/fieldhub/internal/storage"
	"github.com/c3hub/fieldhub/internal/streamer"
)

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

type fakeSubscriber struct {
	handlers map[string]mqtt.MessageHandler
}

func (f *fakeSubscriber) Subscribe(topic string, qos byte, h mqtt.MessageHandler) error {
	f.handlers[topic] = h
	return nil
}

type fixture struct {
	svc      *Service
	sub      *fakeSubscriber
	ledger   *ledger.Ledger
	relay    *lora.Relay
	deviceID string
	apiKey   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	db := storage.NewMemoryStore(schema.Tables()...)
	clk := clock.Fake(time.Unix(50, 0))
	creds := credential.New(db, nil)
	reg := registry.New(db, creds, clk, nil)
	id, key, err := reg.Register(ctx, "environmental_station", "st1", "u1")
	require.NoError(t, err)

	l := ledger.New(db, streamer.Options{Clock: clk})
	r := lora.New(db, lora.Options{Stream: streamer.Options{Clock: clk}})
	sub := &fakeSubscriber{handlers: map[string]mqtt.MessageHandler{}}
	svc := New(sub, gate.New(creds, nil), l, r, Options{TopicPrefix: "hub", QoS: 1})
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Stop)

	return &fixture{svc: svc, sub: sub, ledger: l, relay: r, deviceID: id, apiKey: key}
}

func ts(v float64) *float64 { return &v }

func TestStartSubscribesWildcards(t *testing.T) {
	f := newFixture(t)
	assert.Contains(t, f.sub.handlers, "hub/telemetry/+")
	assert.Contains(t, f.sub.handlers, "hub/lora/+")
}

func TestTelemetryJSONAndCBOR(t *testing.T) {
	f := newFixture(t)
	h := f.sub.handlers["hub/telemetry/+"]
	topic := TelemetryTopic("hub", f.deviceID)

	js, err := json.Marshal(TelemetryFrame{APIKey: f.apiKey, Timestamp: ts(1), Data: map[string]any{"temp": 21.5}})
	require.NoError(t, err)
	h(nil, fakeMessage{topic: topic, payload: js})

	cb, err := codec.Marshal(TelemetryFrame{APIKey: f.apiKey, Timestamp: ts(2), Data: map[string]any{"temp": 22.0}})
	require.NoError(t, err)
	h(nil, fakeMessage{topic: topic, payload: cb})

	recs, err := f.ledger.Tail(context.Background(), f.deviceID, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, 2.0, recs[0].Timestamp)
	assert.Equal(t, 22.0, recs[0].Data["temp"])
	assert.Equal(t, 21.5, recs[1].Data["temp"])
}

func TestTelemetryRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	topic := TelemetryTopic("hub", f.deviceID)
	encode := func(frame TelemetryFrame) []byte {
		b, err := json.Marshal(frame)
		require.NoError(t, err)
		return b
	}

	err := f.svc.process(ctx, topic, encode(TelemetryFrame{APIKey: "bogus", Timestamp: ts(1)}))
	assert.True(t, errors.IsUnauthorized(err), "got %v", err)

	err = f.svc.process(ctx, topic, encode(TelemetryFrame{APIKey: f.apiKey}))
	assert.True(t, errors.IsNotValid(err), "got %v", err)

	err = f.svc.process(ctx, topic, encode(TelemetryFrame{APIKey: f.apiKey, DeviceID: "other", Timestamp: ts(1)}))
	assert.True(t, errors.IsNotValid(err), "got %v", err)

	err = f.svc.process(ctx, TelemetryTopic("hub", "someone-else"), encode(TelemetryFrame{APIKey: f.apiKey, Timestamp: ts(1)}))
	assert.True(t, errors.IsUnauthorized(err), "got %v", err)

	err = f.svc.process(ctx, "hub/unknown/x", encode(TelemetryFrame{}))
	assert.True(t, errors.IsNotValid(err), "got %v", err)

	recs, err := f.ledger.Tail(ctx, f.deviceID, 0)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLoraFrames(t *testing.T) {
	f := newFixture(t)
	h := f.sub.handlers["hub/lora/+"]

	cb, err := codec.Marshal(LoraFrame{SenderID: "nodeA", Message: "ping"})
	require.NoError(t, err)
	h(nil, fakeMessage{topic: LoraTopic("hub", "nodeB"), payload: cb})

	js, err := json.Marshal(LoraFrame{SenderID: "nodeA", Message: "pong", Timestamp: ts(60)})
	require.NoError(t, err)
	h(nil, fakeMessage{topic: LoraTopic("hub", "nodeB"), payload: js})

	msgs, err := f.relay.Fetch(context.Background(), "nodeB", nil, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "ping", msgs[0].Message)
	assert.Equal(t, 50.0, msgs[0].Timestamp)
	assert.Equal(t, "pong", msgs[1].Message)
}

func TestStoppedServiceDropsFrames(t *testing.T) {
	f := newFixture(t)
	f.svc.Stop()

	js, err := json.Marshal(LoraFrame{SenderID: "a", Message: "late"})
	require.NoError(t, err)
	f.sub.handlers["hub/lora/+"](nil, fakeMessage{topic: LoraTopic("hub", "b"), payload: js})

	msgs, err := f.relay.Fetch(context.Background(), "b", nil, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
