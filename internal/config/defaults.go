package config

import "time"

// Default values for optional configuration fields.
const (
	DefaultConnectTimeout     = 60 * time.Second
	DefaultAckTimeout         = 60 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultPingInterval       = 30 * time.Second
	DefaultPingTimeout        = 90 * time.Second
	DefaultSocketBuffer       = 1024
	DefaultSendErrorPolicy    = "propagate"
	DefaultReconnectBaseDelay = 500 * time.Millisecond
	DefaultReconnectMaxDelay  = 30 * time.Second
	DefaultReconnectJitter    = 0.25
	DefaultBreakerThreshold   = 10
	DefaultBreakerCooldown    = 60 * time.Second
	DefaultRPCTimeout         = 30 * time.Second
	DefaultRPCMaxRetries      = 3
	DefaultCommitment         = "confirmed"
	DefaultPollInterval       = 2 * time.Second
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultBatchSize          = 500
	DefaultFlushInterval      = 1 * time.Second
	DefaultBufferSize         = 10000
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// ApplyDefaults fills every unset optional field.
func (c *Config) ApplyDefaults() {
	// Relay defaults
	if c.Accelerator.ConnectTimeout == 0 {
		c.Accelerator.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Accelerator.AckTimeout == 0 {
		c.Accelerator.AckTimeout = DefaultAckTimeout
	}
	if c.Accelerator.WriteTimeout == 0 {
		c.Accelerator.WriteTimeout = DefaultWriteTimeout
	}
	if c.Accelerator.PingInterval == 0 {
		c.Accelerator.PingInterval = DefaultPingInterval
	}
	if c.Accelerator.PingTimeout == 0 {
		c.Accelerator.PingTimeout = DefaultPingTimeout
	}
	if c.Accelerator.BufferSize == 0 {
		c.Accelerator.BufferSize = DefaultSocketBuffer
	}
	if c.Accelerator.SendErrorPolicy == "" {
		c.Accelerator.SendErrorPolicy = DefaultSendErrorPolicy
	}

	// Reconnect defaults. Jitter and threshold keep explicit zeros only
	// when the whole section is empty.
	if c.Reconnect == (ReconnectConfig{}) {
		c.Reconnect.Jitter = DefaultReconnectJitter
		c.Reconnect.BreakerThreshold = DefaultBreakerThreshold
	}
	if c.Reconnect.BaseDelay == 0 {
		c.Reconnect.BaseDelay = DefaultReconnectBaseDelay
	}
	if c.Reconnect.MaxDelay == 0 {
		c.Reconnect.MaxDelay = DefaultReconnectMaxDelay
	}
	if c.Reconnect.BreakerCooldown == 0 {
		c.Reconnect.BreakerCooldown = DefaultBreakerCooldown
	}

	// RPC defaults
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = DefaultRPCTimeout
	}
	if c.RPC.MaxRetries == 0 {
		c.RPC.MaxRetries = DefaultRPCMaxRetries
	}
	if c.RPC.Commitment == "" {
		c.RPC.Commitment = DefaultCommitment
	}
	if c.RPC.PollInterval == 0 {
		c.RPC.PollInterval = DefaultPollInterval
	}

	// Database defaults
	if c.Database.Port == 0 {
		c.Database.Port = DefaultDBPort
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = DefaultDBSSLMode
	}
	if c.Database.MaxConns == 0 {
		c.Database.MaxConns = DefaultMaxConns
	}
	if c.Database.MinConns == 0 {
		c.Database.MinConns = DefaultMinConns
	}

	// Writer defaults
	if c.Writer.BatchSize == 0 {
		c.Writer.BatchSize = DefaultBatchSize
	}
	if c.Writer.FlushInterval == 0 {
		c.Writer.FlushInterval = DefaultFlushInterval
	}
	if c.Writer.BufferSize == 0 {
		c.Writer.BufferSize = DefaultBufferSize
	}

	// Metrics defaults
	if c.Metrics.Port == 0 {
		c.Metrics.Port = DefaultMetricsPort
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}

	// Log defaults
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}
