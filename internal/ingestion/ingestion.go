// Package ingestion accepts telemetry and LoRa frames over MQTT and feeds
// them through the same gate, ledger and relay as the HTTP API.
package ingestion

import (
	"context"
	"log/slog"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"github.com/c3hub/fieldhub/internal/codec"
	"github.com/c3hub/fieldhub/internal/gate"
	"github.com/c3hub/fieldhub/internal/ledger"
	"github.com/c3hub/fieldhub/internal/lora"
	"github.com/c3hub/fieldhub/internal/models"
)

const (
	telemetrySegment = "telemetry"
	loraSegment      = "lora"
)

// TelemetryFrame is the payload published to <prefix>/telemetry/<device>.
// An empty DeviceID is taken from the topic.
type TelemetryFrame struct {
	APIKey    string         `json:"api_key" cbor:"api_key"`
	DeviceID  string         `json:"device_id,omitempty" cbor:"device_id,omitempty"`
	Timestamp *float64       `json:"timestamp" cbor:"timestamp"`
	Data      map[string]any `json:"data" cbor:"data"`
}

// LoraFrame is the payload published to <prefix>/lora/<receiver>.
type LoraFrame struct {
	SenderID   string   `json:"sender_id" cbor:"sender_id"`
	ReceiverID string   `json:"receiver_id,omitempty" cbor:"receiver_id,omitempty"`
	Message    string   `json:"message" cbor:"message"`
	Timestamp  *float64 `json:"timestamp,omitempty" cbor:"timestamp,omitempty"`
}

func TelemetryTopic(prefix, deviceID string) string {
	return prefix + "/" + telemetrySegment + "/" + deviceID
}

func LoraTopic(prefix, receiverID string) string {
	return prefix + "/" + loraSegment + "/" + receiverID
}

// Subscriber is the part of mqttclient.Client the service needs.
type Subscriber interface {
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
}

type Options struct {
	TopicPrefix string
	QoS         byte
	Logger      *slog.Logger
}

type Service struct {
	sub    Subscriber
	gate   *gate.Gate
	ledger *ledger.Ledger
	relay  *lora.Relay
	prefix string
	qos    byte
	logger *slog.Logger

	alive  *alive.Alive
	ctx    context.Context
	cancel context.CancelFunc
}

func New(sub Subscriber, g *gate.Gate, l *ledger.Ledger, r *lora.Relay, opts Options) *Service {
	s := &Service{
		sub:    sub,
		gate:   g,
		ledger: l,
		relay:  r,
		prefix: opts.TopicPrefix,
		qos:    opts.QoS,
		logger: opts.Logger,
		alive:  alive.NewAlive(),
	}
	if s.prefix == "" {
		s.prefix = "hub"
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Start subscribes to the telemetry and LoRa topics.
func (s *Service) Start() error {
	for _, topic := range []string{
		TelemetryTopic(s.prefix, "+"),
		LoraTopic(s.prefix, "+"),
	} {
		if err := s.sub.Subscribe(topic, s.qos, s.handle); err != nil {
			return errors.Annotate(err, "ingestion start")
		}
	}
	s.logger.Info("ingestion started", "prefix", s.prefix)
	return nil
}

// Stop rejects new frames and waits for the ones in flight.
func (s *Service) Stop() {
	s.alive.Stop()
	s.alive.Wait()
	s.cancel()
	s.logger.Info("ingestion stopped")
}

func (s *Service) handle(_ mqtt.Client, msg mqtt.Message) {
	if !s.alive.Add(1) {
		return
	}
	defer s.alive.Done()

	if err := s.process(s.ctx, msg.Topic(), msg.Payload()); err != nil {
		level := slog.LevelWarn
		if !errors.IsNotValid(err) && !errors.IsUnauthorized(err) {
			level = slog.LevelError
		}
		s.logger.Log(s.ctx, level, "mqtt frame rejected", "topic", msg.Topic(), "error", err)
	}
}

func (s *Service) process(ctx context.Context, topic string, payload []byte) error {
	rest, ok := strings.CutPrefix(topic, s.prefix+"/")
	if !ok {
		return errors.NotValidf("topic %q", topic)
	}
	kind, subject, ok := strings.Cut(rest, "/")
	if !ok || subject == "" || strings.Contains(subject, "/") {
		return errors.NotValidf("topic %q", topic)
	}

	switch kind {
	case telemetrySegment:
		return s.telemetry(ctx, subject, payload)
	case loraSegment:
		return s.lora(ctx, subject, payload)
	}
	return errors.NotValidf("topic %q", topic)
}

func (s *Service) telemetry(ctx context.Context, deviceID string, payload []byte) error {
	var frame TelemetryFrame
	if _, err := codec.Decode(payload, &frame); err != nil {
		return err
	}
	if frame.DeviceID != "" && frame.DeviceID != deviceID {
		return errors.NotValidf("device_id %q on topic for %q", frame.DeviceID, deviceID)
	}
	if frame.Timestamp == nil {
		return errors.NotValidf("missing timestamp")
	}

	dev, err := s.gate.Authenticate(ctx, frame.APIKey)
	if err != nil {
		return err
	}
	rec, err := s.ledger.Append(ctx, dev, models.TelemetryRecord{
		DeviceID:  deviceID,
		Timestamp: *frame.Timestamp,
		Data:      frame.Data,
	})
	if err != nil {
		return err
	}
	s.logger.Debug("mqtt telemetry stored", "device_id", rec.DeviceID, "id", rec.ID)
	return nil
}

func (s *Service) lora(ctx context.Context, receiverID string, payload []byte) error {
	var frame LoraFrame
	if _, err := codec.Decode(payload, &frame); err != nil {
		return err
	}
	if frame.ReceiverID != "" && frame.ReceiverID != receiverID {
		return errors.NotValidf("receiver_id %q on topic for %q", frame.ReceiverID, receiverID)
	}
	receipt, err := s.relay.Send(ctx, frame.SenderID, receiverID, frame.Message, frame.Timestamp)
	if err != nil {
		return err
	}
	s.logger.Debug("mqtt lora message stored", "receiver_id", receiverID, "id", receipt.ID)
	return nil
}
