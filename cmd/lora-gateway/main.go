// lora-gateway reads frames from a serial LoRa radio and forwards them to
// the hub over MQTT. Frames are queued on disk before forwarding, so they
// survive broker outages and gateway restarts.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/c3hub/fieldhub/internal/clock"
	"github.com/c3hub/fieldhub/internal/gateway"
	"github.com/c3hub/fieldhub/internal/mqttclient"
)

type options struct {
	port        string
	baud        int
	broker      string
	queue       string
	topicPrefix string
	qos         int
	sim         bool
	simInterval time.Duration
	debug       bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var opts options
	flagSet := pflag.NewFlagSet("lora-gateway", pflag.ContinueOnError)
	flagSet.StringVar(&opts.port, "port", "/dev/ttyUSB0", "serial port of the radio")
	flagSet.IntVar(&opts.baud, "baud", 9600, "serial baud rate")
	flagSet.StringVar(&opts.broker, "broker", "tcp://localhost:1883", "mqtt broker")
	flagSet.StringVar(&opts.queue, "queue", "lora-gateway.queue", "directory of the outbound queue")
	flagSet.StringVar(&opts.topicPrefix, "topic-prefix", "hub", "topic prefix of the hub")
	flagSet.IntVar(&opts.qos, "qos", 1, "mqtt qos for forwarded frames")
	flagSet.BoolVar(&opts.sim, "sim", false, "generate frames instead of reading the radio")
	flagSet.DurationVar(&opts.simInterval, "sim-interval", time.Second, "interval between simulated frames")
	flagSet.BoolVar(&opts.debug, "debug", false, "debug logging")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	level := slog.LevelInfo
	if opts.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	mqttc, err := mqttclient.New(ctx, mqttclient.Options{
		BrokerURL: opts.broker,
		ClientID:  fmt.Sprintf("lora-gateway-%d", time.Now().UnixNano()),
		Logger:    logger.With("component", "mqtt"),
	})
	if err != nil {
		return err
	}
	defer mqttc.Close()

	gw, err := gateway.Open(opts.queue, mqttc, gateway.Options{
		TopicPrefix: opts.topicPrefix,
		QoS:         byte(opts.qos),
		Logger:      logger.With("component", "gateway"),
	})
	if err != nil {
		return err
	}
	defer gw.Close()

	var radio io.ReadCloser
	if opts.sim {
		radio = simulate(ctx, opts.simInterval)
		logger.Info("simulating radio", "interval", opts.simInterval)
	} else {
		radio, err = openRadio(opts.port, opts.baud)
		if err != nil {
			return err
		}
		logger.Info("radio opened", "port", opts.port, "baud", opts.baud)
	}
	go func() {
		<-ctx.Done()
		radio.Close()
	}()

	go func() {
		if err := gw.Pump(ctx, radio); err != nil && ctx.Err() == nil {
			logger.Error("radio read failed", "error", err)
			stop()
		}
	}()
	return gw.Run(ctx)
}

// simulate writes CSV frames between a few fake nodes until ctx is done.
func simulate(ctx context.Context, interval time.Duration) io.ReadCloser {
	r, w := io.Pipe()
	nodes := []string{"node_1", "node_2", "node_3"}
	go func() {
		ticker := clock.Real().NewTicker(interval)
		defer ticker.Stop()
		for seq := 1; ; seq++ {
			select {
			case <-ctx.Done():
				w.Close()
				return
			case <-ticker.C:
			}
			from := rand.IntN(len(nodes))
			to := (from + 1 + rand.IntN(len(nodes)-1)) % len(nodes)
			if _, err := fmt.Fprintf(w, "%s,%s,ping %d\n", nodes[from], nodes[to], seq); err != nil {
				return
			}
		}
	}()
	return r
}
