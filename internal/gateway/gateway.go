// Package gateway forwards frames from a serial LoRa radio to the hub over
// MQTT. Frames are written to a persistent queue first and removed only
// after the broker has accepted them, so hub or broker outages and
// gateway restarts lose nothing.
package gateway

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/alive/v2"
	"github.com/temoto/spq"

	"github.com/c3hub/fieldhub/internal/clock"
	"github.com/c3hub/fieldhub/internal/codec"
	"github.com/c3hub/fieldhub/internal/ingestion"
)

// Publisher is the part of mqttclient.Client the forwarder needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, qos byte, retained bool, payload []byte) error
}

type Options struct {
	TopicPrefix string
	QoS         byte
	MinBackoff  time.Duration // 1s if zero
	MaxBackoff  time.Duration // 1m if zero
	Clock       clock.Clock
	Logger      *slog.Logger
}

type Gateway struct {
	queue  *spq.Queue
	pub    Publisher
	prefix string
	qos    byte
	minBO  time.Duration
	maxBO  time.Duration
	clock  clock.Clock
	logger *slog.Logger
	alive  *alive.Alive
}

// Open opens the queue at path. spq.OnlyForTesting keeps it in memory.
func Open(path string, pub Publisher, opts Options) (*Gateway, error) {
	q, err := spq.Open(path)
	if err != nil {
		return nil, errors.Annotatef(err, "open queue %s", path)
	}
	g := &Gateway{
		queue:  q,
		pub:    pub,
		prefix: opts.TopicPrefix,
		qos:    opts.QoS,
		minBO:  opts.MinBackoff,
		maxBO:  opts.MaxBackoff,
		clock:  opts.Clock,
		logger: opts.Logger,
		alive:  alive.NewAlive(),
	}
	if g.prefix == "" {
		g.prefix = "hub"
	}
	if g.minBO <= 0 {
		g.minBO = time.Second
	}
	if g.maxBO < g.minBO {
		g.maxBO = time.Minute
	}
	if g.clock == nil {
		g.clock = clock.Real()
	}
	if g.logger == nil {
		g.logger = slog.New(slog.DiscardHandler)
	}
	return g, nil
}

// Enqueue persists a frame for forwarding.
func (g *Gateway) Enqueue(frame ingestion.LoraFrame) error {
	b, err := codec.Marshal(frame)
	if err != nil {
		return errors.Annotate(err, "encode frame")
	}
	if err := g.queue.Push(b); err != nil {
		return errors.Annotate(err, "queue push")
	}
	g.logger.Debug("frame queued", "sender_id", frame.SenderID, "receiver_id", frame.ReceiverID)
	return nil
}

// Pump parses lines from r and queues every valid frame until r ends.
// Malformed lines are logged and skipped.
func (g *Gateway) Pump(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		frame, err := ParseLine(scanner.Text(), g.clock.Now())
		if err != nil {
			g.logger.Warn("skipping radio line", "line", scanner.Text(), "error", err)
			continue
		}
		if err := g.Enqueue(frame); err != nil {
			return err
		}
	}
	return errors.Annotate(scanner.Err(), "serial read")
}

// Run forwards queued frames until ctx is done or Close is called. A
// frame that fails to publish goes to the back of the queue and the
// forwarder waits with exponential backoff.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.alive.Add(1) {
		return nil
	}
	defer g.alive.Done()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			g.queue.Close()
		case <-g.alive.StopChan():
		case <-done:
		}
	}()

	backoff := g.minBO
	for {
		box, err := g.queue.Peek()
		switch err {
		case nil:
		case spq.ErrClosed:
			return nil
		default:
			return errors.Annotate(err, "queue peek")
		}

		var frame ingestion.LoraFrame
		if err := codec.Unmarshal(box.Bytes(), &frame); err != nil {
			g.logger.Error("dropping undecodable frame", "error", err)
			if err := g.queue.Delete(box); err != nil {
				return closedOK(err, "queue delete")
			}
			continue
		}

		err = g.pub.Publish(ctx, ingestion.LoraTopic(g.prefix, frame.ReceiverID), g.qos, false, box.Bytes())
		if err == nil {
			if err := g.queue.Delete(box); err != nil {
				return closedOK(err, "queue delete")
			}
			backoff = g.minBO
			g.logger.Info("frame forwarded", "receiver_id", frame.ReceiverID)
			continue
		}

		g.logger.Warn("publish failed, requeueing", "receiver_id", frame.ReceiverID, "backoff", backoff, "error", err)
		if err := g.queue.DeletePush(box); err != nil {
			return closedOK(err, "queue requeue")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-g.alive.StopChan():
			return nil
		case <-g.clock.After(backoff):
		}
		backoff = min(backoff*2, g.maxBO)
	}
}

// closedOK treats a queue closed under the forwarder as a clean stop.
func closedOK(err error, op string) error {
	if err == spq.ErrClosed {
		return nil
	}
	return errors.Annotate(err, op)
}

// Close stops the forwarder and closes the queue. Frames not yet
// forwarded stay on disk for the next run.
func (g *Gateway) Close() error {
	g.alive.Stop()
	err := g.queue.Close()
	g.alive.Wait()
	return errors.Trace(err)
}
