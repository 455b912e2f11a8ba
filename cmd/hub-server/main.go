// hub-server serves the device hub over HTTP and, when enabled, ingests
// telemetry and LoRa frames from an MQTT broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/errors"
	"github.com/spf13/pflag"

	"github.com/c3hub/fieldhub/internal/clock"
	"github.com/c3hub/fieldhub/internal/config"
	"github.com/c3hub/fieldhub/internal/credential"
	"github.com/c3hub/fieldhub/internal/gate"
	"github.com/c3hub/fieldhub/internal/ingestion"
	"github.com/c3hub/fieldhub/internal/ledger"
	"github.com/c3hub/fieldhub/internal/lora"
	"github.com/c3hub/fieldhub/internal/mqttclient"
	"github.com/c3hub/fieldhub/internal/registry"
	"github.com/c3hub/fieldhub/internal/schema"
	"github.com/c3hub/fieldhub/internal/server"
	"github.com/c3hub/fieldhub/internal/storage"
	"github.com/c3hub/fieldhub/internal/streamer"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("hub-server", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config (default: $"+config.EnvConfig+")")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	cfg, err := config.Load(config.Path(configPath))
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	streamOpts := streamer.Options{
		Period: cfg.Stream.PollInterval,
		Clock:  clock.Real(),
		Logger: logger.With("component", "streamer"),
	}
	creds := credential.New(db, logger.With("component", "credential"))
	reg := registry.New(db, creds, clock.Real(), logger.With("component", "registry"))
	led := ledger.New(db, streamOpts)
	relay := lora.New(db, lora.Options{MaxMessageBytes: cfg.Lora.MaxMessageBytes, Stream: streamOpts})
	g := gate.New(creds, logger.With("component", "gate"))

	if cfg.MQTT.Enabled {
		mqttc, err := mqttclient.New(ctx, mqttclient.Options{
			BrokerURL: cfg.MQTT.Broker,
			ClientID:  fmt.Sprintf("%s-%d", cfg.MQTT.ClientID, time.Now().UnixNano()),
			Logger:    logger.With("component", "mqtt"),
		})
		if err != nil {
			return err
		}
		defer mqttc.Close()

		ing := ingestion.New(mqttc, g, led, relay, ingestion.Options{
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Logger:      logger.With("component", "ingestion"),
		})
		if err := ing.Start(); err != nil {
			return err
		}
		defer ing.Stop()
	}

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     cfg.Server.IdleTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Heartbeat:       cfg.Stream.HeartbeatInterval,
		Production:      cfg.Environment == config.Production,
	}, server.Deps{
		Registry:    reg,
		Credentials: creds,
		Ledger:      led,
		Relay:       relay,
		Gate:        g,
	}, logger.With("component", "server"))

	logger.Info("hub starting",
		"environment", cfg.Environment,
		"storage", cfg.Storage.Driver,
		"mqtt", cfg.MQTT.Enabled)
	return srv.Start(ctx)
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Driver {
	case config.DriverSQLite:
		return storage.OpenSQLite(ctx, storage.SQLiteConfig{
			Path:     cfg.Storage.Path,
			PoolSize: cfg.Storage.PoolSize,
			Logger:   logger.With("component", "storage"),
		}, schema.Tables()...)
	case config.DriverMemory:
		logger.Warn("using in-memory storage; data is lost on exit")
		return storage.NewMemoryStore(schema.Tables()...), nil
	}
	return nil, errors.NotValidf("storage driver %q", cfg.Storage.Driver)
}
