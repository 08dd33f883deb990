package config

import "time"

// Config is the root configuration for a feed daemon.
type Config struct {
	Instance    InstanceConfig    `yaml:"instance"`
	Connections ConnectionsConfig `yaml:"connections"`
	Exchanges   []ExchangeConfig  `yaml:"exchanges"`
	Router      RouterConfig      `yaml:"router"`
	Archive     ArchiveConfig     `yaml:"archive"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

// InstanceConfig identifies this daemon.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// ConnectionsConfig holds session timeouts and reconnect settings shared by
// every exchange.
type ConnectionsConfig struct {
	ResolveTimeout     time.Duration `yaml:"resolve_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	TLSTimeout         time.Duration `yaml:"tls_timeout"`
	AuthTimeout        time.Duration `yaml:"auth_timeout"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	StaleTimeout       time.Duration `yaml:"stale_timeout"` // 0 disables
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	StabilityWindow    time.Duration `yaml:"stability_window"`
	Jitter             float64       `yaml:"jitter"`
	ReadBufferSize     int           `yaml:"read_buffer_size"`
	WriteBufferSize    int           `yaml:"write_buffer_size"`
}

// ExchangeConfig selects a built-in profile by name and optionally
// overrides its fields. A name with no built-in profile defines a custom
// exchange, which must then set every required field.
type ExchangeConfig struct {
	Name    string `yaml:"name"`
	Enabled *bool  `yaml:"enabled"` // Default: true

	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	SNIName            string        `yaml:"sni_name"`
	Path               string        `yaml:"path"`
	SubscribeFrames    []string      `yaml:"subscribe_frames"`
	UserAgent          string        `yaml:"user_agent"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	SendRate           float64       `yaml:"send_rate"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HeartbeatFrame     string        `yaml:"heartbeat_frame"`
	Auth               *AuthConfig   `yaml:"auth"`
}

// IsEnabled reports whether the exchange should be streamed.
func (e ExchangeConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// AuthConfig overrides the pre-connection token request.
type AuthConfig struct {
	Endpoint           string   `yaml:"endpoint"`
	Method             string   `yaml:"method"`
	TokenPath          []string `yaml:"token_path"`
	UserAgent          string   `yaml:"user_agent"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
}

// RouterConfig holds per-exchange buffering settings.
type RouterConfig struct {
	BufferSize  int `yaml:"buffer_size"`
	MaxBuffered int `yaml:"max_buffered"` // 0 = unbounded
	OutputSize  int `yaml:"output_size"`
}

// ArchiveConfig controls the optional raw message archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics and health endpoint settings.
type MetricsConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}
