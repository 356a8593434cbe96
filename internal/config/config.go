// Package config loads the allocation service configuration from a YAML file, an
// optional .env file and ALLOCATION_* environment variables, in that order of
// increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	berr "github.com/next-trace/scg-message-bus/contract/errors"
)

const envPrefix = "ALLOCATION_"

// Broker kinds.
const (
	BrokerMemory   = "memory"
	BrokerNATS     = "nats"
	BrokerKafka    = "kafka"
	BrokerRabbitMQ = "rabbitmq"
)

// Event policies.
const (
	EventPolicyStrict = "strict"
	EventPolicyIgnore = "ignore"
)

type Config struct {
	Database      Database      `yaml:"database"`
	Redis         Redis         `yaml:"redis"`
	Broker        Broker        `yaml:"broker"`
	Log           Log           `yaml:"log"`
	Bus           Bus           `yaml:"bus"`
	Notifications Notifications `yaml:"notifications"`
}

type Database struct {
	Path string `yaml:"path"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Broker struct {
	Kind string `yaml:"kind"`
	// URL is used by nats and rabbitmq.
	URL string `yaml:"url"`
	// Brokers is the kafka seed list.
	Brokers []string `yaml:"brokers"`
	// Exchange and Confirm apply to rabbitmq.
	Exchange string `yaml:"exchange"`
	Confirm  bool   `yaml:"confirm"`
	// SubjectPrefix is prepended to nats subjects.
	SubjectPrefix string `yaml:"subject_prefix"`
	ClientID      string `yaml:"client_id"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Bus struct {
	EventPolicy string `yaml:"event_policy"`
}

type Notifications struct {
	StockRecipient string `yaml:"stock_recipient"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Database:      Database{Path: "allocation.db"},
		Redis:         Redis{Addr: "localhost:6379"},
		Broker:        Broker{Kind: BrokerMemory},
		Log:           Log{Level: "info", Format: "text"},
		Bus:           Bus{EventPolicy: EventPolicyStrict},
		Notifications: Notifications{StockRecipient: "stock@made.com"},
	}
}

// Load builds the configuration. An empty path skips the YAML file; missing env
// files are ignored.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}

		if err := decode(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}

	return nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}

	str("DB_PATH", &cfg.Database.Path)
	str("REDIS_ADDR", &cfg.Redis.Addr)
	str("REDIS_PASSWORD", &cfg.Redis.Password)
	str("BROKER_KIND", &cfg.Broker.Kind)
	str("BROKER_URL", &cfg.Broker.URL)
	str("BROKER_EXCHANGE", &cfg.Broker.Exchange)
	str("BROKER_CLIENT_ID", &cfg.Broker.ClientID)
	str("BROKER_SUBJECT_PREFIX", &cfg.Broker.SubjectPrefix)
	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
	str("EVENT_POLICY", &cfg.Bus.EventPolicy)
	str("STOCK_RECIPIENT", &cfg.Notifications.StockRecipient)

	if v, ok := lookup(envPrefix + "BROKER_BROKERS"); ok {
		cfg.Broker.Brokers = splitList(v)
	}

	if v, ok := lookup(envPrefix + "BROKER_CONFIRM"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sBROKER_CONFIRM=%q: %w", berr.ErrInvalidConfig, envPrefix, v, err)
		}

		cfg.Broker.Confirm = b
	}

	if v, ok := lookup(envPrefix + "REDIS_DB"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %sREDIS_DB=%q: %w", berr.ErrInvalidConfig, envPrefix, v, err)
		}

		cfg.Redis.DB = n
	}

	return nil
}

func splitList(v string) []string {
	var out []string

	for part := range strings.SplitSeq(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}

	return out
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var errs []error

	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{berr.ErrInvalidConfig}, args...)...))
	}

	if c.Database.Path == "" {
		invalid("database.path is required")
	}

	if c.Redis.Addr == "" {
		invalid("redis.addr is required")
	}

	switch c.Broker.Kind {
	case BrokerMemory:
	case BrokerNATS, BrokerRabbitMQ:
		if c.Broker.URL == "" {
			invalid("broker.url is required for %s", c.Broker.Kind)
		}
	case BrokerKafka:
		if len(c.Broker.Brokers) == 0 {
			invalid("broker.brokers is required for kafka")
		}
	default:
		invalid("unknown broker.kind %q", c.Broker.Kind)
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}

	if !slices.Contains([]string{"text", "json"}, c.Log.Format) {
		invalid("log.format must be text or json, got %q", c.Log.Format)
	}

	if !slices.Contains([]string{EventPolicyStrict, EventPolicyIgnore}, c.Bus.EventPolicy) {
		invalid("bus.event_policy must be %s or %s, got %q", EventPolicyStrict, EventPolicyIgnore, c.Bus.EventPolicy)
	}

	return errors.Join(errs...)
}

// SlogLevel parses Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", berr.ErrInvalidConfig, l.Level)
	}

	return lvl, nil
}
