package mqttclient

import (
	"context"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
)

type Options struct {
	BrokerURL      string
	ClientID       string
	ConnectTimeout time.Duration // 10s if zero
	Logger         *slog.Logger
}

type subscription struct {
	qos     byte
	handler mqtt.MessageHandler
}

// Client wraps a paho client. Subscriptions are restored after the
// broker connection drops and comes back.
type Client struct {
	raw    mqtt.Client
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string]subscription
}

func New(ctx context.Context, opts Options) (*Client, error) {
	c := &Client{logger: opts.Logger, subs: make(map[string]subscription)}
	if c.logger == nil {
		c.logger = slog.New(slog.DiscardHandler)
	}
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	o := mqtt.NewClientOptions()
	o.AddBroker(opts.BrokerURL)
	o.SetClientID(opts.ClientID)
	o.SetConnectRetry(true)
	o.SetConnectRetryInterval(2 * time.Second)
	o.SetAutoReconnect(true)
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("mqtt connection lost", "broker", opts.BrokerURL, "error", err)
	})
	o.SetOnConnectHandler(func(mqtt.Client) {
		c.logger.Info("mqtt connected", "broker", opts.BrokerURL)
		c.resubscribe()
	})
	c.raw = mqtt.NewClient(o)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := wait(ctx, c.raw.Connect()); err != nil {
		c.raw.Disconnect(0)
		return nil, errors.Annotatef(err, "mqtt connect %s", opts.BrokerURL)
	}
	return c, nil
}

func (c *Client) Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error {
	if err := wait(ctx, c.raw.Publish(topic, qos, retained, payload)); err != nil {
		return errors.Annotatef(err, "mqtt publish %s", topic)
	}
	return nil
}

func (c *Client) Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error {
	c.mu.Lock()
	c.subs[topic] = subscription{qos: qos, handler: handler}
	c.mu.Unlock()

	token := c.raw.Subscribe(topic, qos, handler)
	token.Wait()
	if err := token.Error(); err != nil {
		return errors.Annotatef(err, "mqtt subscribe %s", topic)
	}
	c.logger.Info("mqtt subscribed", "topic", topic)
	return nil
}

func (c *Client) resubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, s := range c.subs {
		// Runs on the paho callback goroutine; waiting here would block it.
		c.raw.Subscribe(topic, s.qos, s.handler)
	}
}

func (c *Client) Close() {
	c.raw.Disconnect(250)
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
