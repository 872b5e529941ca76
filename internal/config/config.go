package config

import (
	"io"
	"log/slog"
	"time"

	"github.com/rickgao/accelerator/internal/accelerator"
)

// Config is the root configuration for the accelerator client.
type Config struct {
	Accelerator AcceleratorConfig `yaml:"accelerator"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Watch       []TopicConfig     `yaml:"watch" validate:"dive"`
	RPC         RPCConfig         `yaml:"rpc"`
	Database    DatabaseConfig    `yaml:"database"`
	Writer      WriterConfig      `yaml:"writer"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// AcceleratorConfig holds relay connection settings.
type AcceleratorConfig struct {
	URL             string        `yaml:"url" validate:"required,url"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout" validate:"gte=0"`
	AckTimeout      time.Duration `yaml:"ack_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" validate:"gte=0"`
	PingInterval    time.Duration `yaml:"ping_interval" validate:"gte=0"`
	PingTimeout     time.Duration `yaml:"ping_timeout" validate:"gte=0"`
	BufferSize      int           `yaml:"buffer_size" validate:"gte=1"`
	SendErrorPolicy string        `yaml:"send_error_policy" validate:"oneof=propagate swallow"`
}

// ReconnectConfig holds backoff and circuit breaker settings.
type ReconnectConfig struct {
	BaseDelay        time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay         time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	Jitter           float64       `yaml:"jitter" validate:"gte=0,lte=1"`
	BreakerThreshold int           `yaml:"breaker_threshold" validate:"gte=0"` // 0 disables the breaker
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown" validate:"gte=0"`
}

// TopicConfig is one account to watch.
type TopicConfig struct {
	Cluster string `yaml:"cluster" validate:"required,oneof=devnet mainnet-beta testnet localnet"`
	Account string `yaml:"account" validate:"required"`
}

// RPCConfig holds ledger RPC settings. An empty URL means the public
// endpoint of the first watched cluster.
type RPCConfig struct {
	URL          string        `yaml:"url" validate:"omitempty,url"`
	Timeout      time.Duration `yaml:"timeout" validate:"gte=0"`
	MaxRetries   int           `yaml:"max_retries" validate:"gte=0"`
	Commitment   string        `yaml:"commitment" validate:"oneof=processed confirmed finalized"`
	PollInterval time.Duration `yaml:"poll_interval" validate:"gt=0"`
}

// DatabaseConfig holds the optional PostgreSQL sink.
type DatabaseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode" validate:"omitempty,oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// WriterConfig holds batch writer settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size" validate:"gte=1"`
	FlushInterval time.Duration `yaml:"flush_interval" validate:"gt=0"`
	BufferSize    int           `yaml:"buffer_size" validate:"gte=1"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// Multiplexer converts the relay and reconnect sections.
func (c *Config) Multiplexer() accelerator.Config {
	return accelerator.Config{
		ConnectTimeout:     c.Accelerator.ConnectTimeout,
		AckTimeout:         c.Accelerator.AckTimeout,
		WriteTimeout:       c.Accelerator.WriteTimeout,
		PingInterval:       c.Accelerator.PingInterval,
		PingTimeout:        c.Accelerator.PingTimeout,
		BufferSize:         c.Accelerator.BufferSize,
		ReconnectBaseDelay: c.Reconnect.BaseDelay,
		ReconnectMaxDelay:  c.Reconnect.MaxDelay,
		ReconnectJitter:    c.Reconnect.Jitter,
		BreakerThreshold:   c.Reconnect.BreakerThreshold,
		BreakerCooldown:    c.Reconnect.BreakerCooldown,
		SendErrorPolicy:    accelerator.SendErrorPolicy(c.Accelerator.SendErrorPolicy),
	}
}

// Topics returns the watch list.
func (c *Config) Topics() []accelerator.Topic {
	topics := make([]accelerator.Topic, len(c.Watch))
	for i, w := range c.Watch {
		topics[i] = w.Topic()
	}
	return topics
}

func (t TopicConfig) Topic() accelerator.Topic {
	return accelerator.Topic{Cluster: accelerator.Cluster(t.Cluster), Account: t.Account}
}

// Logger builds a slog.Logger writing to w.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: l.level()}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (l LogConfig) level() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
