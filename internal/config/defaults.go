package config

import (
	"time"

	"github.com/rickgao/marketfeed/internal/profile"
)

// Default values for optional configuration fields.
const (
	DefaultInstanceID         = "marketfeed"
	DefaultResolveTimeout     = 5 * time.Second
	DefaultConnectTimeout     = 10 * time.Second
	DefaultTLSTimeout         = 10 * time.Second
	DefaultAuthTimeout        = 10 * time.Second
	DefaultHandshakeTimeout   = 10 * time.Second
	DefaultWriteTimeout       = 5 * time.Second
	DefaultReconnectBaseDelay = 1 * time.Second
	DefaultReconnectMaxDelay  = 60 * time.Second
	DefaultStabilityWindow    = 30 * time.Second
	DefaultWSBufferSize       = 4096
	DefaultRouterBufferSize   = 1024
	DefaultRouterMaxBuffered  = 100_000
	DefaultRouterOutputSize   = 1024
	DefaultDBPort             = 5432
	DefaultDBSSLMode          = "prefer"
	DefaultMaxConns           = 10
	DefaultMinConns           = 2
	DefaultBatchSize          = 1000
	DefaultFlushInterval      = 1 * time.Second
	DefaultArchiveBufferSize  = 10000
	DefaultMetricsPort        = 9090
	DefaultMetricsPath        = "/metrics"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

// ApplyDefaults fills zero-valued optional fields. With no exchanges listed,
// every built-in profile is enabled.
func (c *Config) ApplyDefaults() {
	if c.Instance.ID == "" {
		c.Instance.ID = DefaultInstanceID
	}

	// Connections defaults
	conn := &c.Connections
	if conn.ResolveTimeout == 0 {
		conn.ResolveTimeout = DefaultResolveTimeout
	}
	if conn.ConnectTimeout == 0 {
		conn.ConnectTimeout = DefaultConnectTimeout
	}
	if conn.TLSTimeout == 0 {
		conn.TLSTimeout = DefaultTLSTimeout
	}
	if conn.AuthTimeout == 0 {
		conn.AuthTimeout = DefaultAuthTimeout
	}
	if conn.HandshakeTimeout == 0 {
		conn.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if conn.WriteTimeout == 0 {
		conn.WriteTimeout = DefaultWriteTimeout
	}
	if conn.ReconnectBaseDelay == 0 {
		conn.ReconnectBaseDelay = DefaultReconnectBaseDelay
	}
	if conn.ReconnectMaxDelay == 0 {
		conn.ReconnectMaxDelay = DefaultReconnectMaxDelay
	}
	if conn.StabilityWindow == 0 {
		conn.StabilityWindow = DefaultStabilityWindow
	}
	if conn.ReadBufferSize == 0 {
		conn.ReadBufferSize = DefaultWSBufferSize
	}
	if conn.WriteBufferSize == 0 {
		conn.WriteBufferSize = DefaultWSBufferSize
	}

	if len(c.Exchanges) == 0 {
		for _, name := range profile.Names() {
			c.Exchanges = append(c.Exchanges, ExchangeConfig{Name: name})
		}
	}

	// Router defaults
	if c.Router.BufferSize == 0 {
		c.Router.BufferSize = DefaultRouterBufferSize
	}
	if c.Router.MaxBuffered == 0 {
		c.Router.MaxBuffered = DefaultRouterMaxBuffered
	}
	if c.Router.OutputSize == 0 {
		c.Router.OutputSize = DefaultRouterOutputSize
	}

	// Archive defaults
	applyDBDefaults(&c.Archive.Database)
	if c.Archive.BatchSize == 0 {
		c.Archive.BatchSize = DefaultBatchSize
	}
	if c.Archive.FlushInterval == 0 {
		c.Archive.FlushInterval = DefaultFlushInterval
	}
	if c.Archive.BufferSize == 0 {
		c.Archive.BufferSize = DefaultArchiveBufferSize
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

func applyDBDefaults(db *DBConfig) {
	if db.Port == 0 {
		db.Port = DefaultDBPort
	}
	if db.SSLMode == "" {
		db.SSLMode = DefaultDBSSLMode
	}
	if db.MaxConns == 0 {
		db.MaxConns = DefaultMaxConns
	}
	if db.MinConns == 0 {
		db.MinConns = DefaultMinConns
	}
}
