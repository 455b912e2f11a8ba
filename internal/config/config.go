// Package config loads the hub's configuration.
//
// The file is named by the --config flag or, failing that, HUB_CONFIG.
// Without a file the defaults apply. HUB_* environment variables are
// applied last and override both.
package config

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/juju/errors"
	"gopkg.in/yaml.v3"
)

const (
	EnvConfig         = "HUB_CONFIG"
	EnvEnvironment    = "HUB_ENVIRONMENT"
	EnvServerHost     = "HUB_SERVER_HOST"
	EnvServerPort     = "HUB_SERVER_PORT"
	EnvStorageDriver  = "HUB_STORAGE_DRIVER"
	EnvStoragePath    = "HUB_STORAGE_PATH"
	EnvMQTTBroker     = "HUB_MQTT_BROKER"
	EnvMQTTEnabled    = "HUB_MQTT_ENABLED"
	EnvLogLevel       = "HUB_LOG_LEVEL"
	MinPortNumber     = 1
	MaxPortNumber     = 65535
	DriverMemory      = "memory"
	DriverSQLite      = "sqlite"
	defaultPort       = 8000
	defaultPollPeriod = 2 * time.Second
)

type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

type Config struct {
	Environment Environment   `yaml:"environment"`
	Server      ServerConfig  `yaml:"server"`
	Storage     StorageConfig `yaml:"storage"`
	Stream      StreamConfig  `yaml:"stream"`
	MQTT        MQTTConfig    `yaml:"mqtt"`
	Lora        LoraConfig    `yaml:"lora"`
	Log         LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type StorageConfig struct {
	// Driver is "memory" or "sqlite".
	Driver   string `yaml:"driver"`
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

type StreamConfig struct {
	// PollInterval is how often a subscription polls the store.
	PollInterval      time.Duration `yaml:"poll_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	// TopicPrefix roots the ingestion topics: <prefix>/telemetry/<device>
	// and <prefix>/lora/<receiver>.
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
}

type LoraConfig struct {
	// MaxMessageBytes bounds a relayed payload. Zero, the default, means
	// no limit; 255 restricts the relay to single LoRa frames.
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	// Format is "text" or "json". Empty picks text in development and
	// json in production.
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Environment: Development,
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            defaultPort,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Driver:   DriverMemory,
			Path:     "fieldhub.db",
			PoolSize: 4,
		},
		Stream: StreamConfig{
			PollInterval:      defaultPollPeriod,
			HeartbeatInterval: 15 * time.Second,
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "fieldhub",
			TopicPrefix: "hub",
			QoS:         1,
		},
		Lora: LoraConfig{},
		Log:  LogConfig{Level: "info"},
	}
}

// Path returns flagValue if set, otherwise HUB_CONFIG.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return strings.TrimSpace(os.Getenv(EnvConfig))
}

// Load reads the file at path over the defaults, applies the environment
// and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Annotatef(err, "read config %s", path)
		}
		if err := cfg.parse(data); err != nil {
			return nil, errors.Annotatef(err, "parse config %s", path)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) parse(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return errors.NotValidf("yaml: %v", err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvEnvironment); ok {
		c.Environment = Environment(v)
	}
	if v, ok := get(EnvServerHost); ok {
		c.Server.Host = v
	}
	if v, ok := get(EnvServerPort); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.NotValidf("%s %q", EnvServerPort, v)
		}
		c.Server.Port = n
	}
	if v, ok := get(EnvStorageDriver); ok {
		c.Storage.Driver = v
	}
	if v, ok := get(EnvStoragePath); ok {
		c.Storage.Path = v
	}
	if v, ok := get(EnvMQTTBroker); ok {
		c.MQTT.Broker = v
	}
	if v, ok := get(EnvMQTTEnabled); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.NotValidf("%s %q", EnvMQTTEnabled, v)
		}
		c.MQTT.Enabled = b
	}
	if v, ok := get(EnvLogLevel); ok {
		c.Log.Level = v
	}
	return nil
}

// Validate checks that the configuration is coherent.
func (c *Config) Validate() error {
	switch c.Environment {
	case Development, Production:
	default:
		return errors.NotValidf("environment %q", c.Environment)
	}
	if c.Server.Host == "" {
		return errors.NotValidf("empty server.host")
	}
	if c.Server.Port < MinPortNumber || c.Server.Port > MaxPortNumber {
		return errors.NotValidf("server.port %d outside %d..%d", c.Server.Port, MinPortNumber, MaxPortNumber)
	}
	if c.Server.ReadTimeout <= 0 || c.Server.IdleTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return errors.NotValidf("non-positive server timeout")
	}
	if c.Server.WriteTimeout < 0 {
		return errors.NotValidf("negative server.write_timeout")
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Storage.Path == "" {
			return errors.NotValidf("empty storage.path for sqlite")
		}
		if c.Storage.PoolSize <= 0 {
			return errors.NotValidf("storage.pool_size %d", c.Storage.PoolSize)
		}
	default:
		return errors.NotValidf("storage.driver %q", c.Storage.Driver)
	}
	if c.Stream.PollInterval <= 0 {
		return errors.NotValidf("stream.poll_interval %v", c.Stream.PollInterval)
	}
	if c.Stream.HeartbeatInterval <= 0 {
		return errors.NotValidf("stream.heartbeat_interval %v", c.Stream.HeartbeatInterval)
	}
	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return errors.NotValidf("empty mqtt.broker")
		}
		if c.MQTT.TopicPrefix == "" || strings.ContainsAny(c.MQTT.TopicPrefix, "+#") {
			return errors.NotValidf("mqtt.topic_prefix %q", c.MQTT.TopicPrefix)
		}
		if c.MQTT.QoS > 2 {
			return errors.NotValidf("mqtt.qos %d", c.MQTT.QoS)
		}
	}
	if c.Lora.MaxMessageBytes < 0 {
		return errors.NotValidf("lora.max_message_bytes %d", c.Lora.MaxMessageBytes)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return errors.NotValidf("log.format %q", c.Log.Format)
	}
	return nil
}

// NewLogger builds the process logger writing to w.
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	format := c.Log.Format
	if format == "" {
		format = "text"
		if c.Environment == Production {
			format = "json"
		}
	}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, errors.NotValidf("log.level %q", s)
	}
	return level, nil
}
