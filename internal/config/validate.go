package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	validLogLevels  = []string{"debug", "info", "warn", "error"}
	validLogFormats = []string{"text", "json"}
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if err := c.Connections.validate("connections"); err != nil {
		return err
	}

	if len(c.Exchanges) == 0 {
		return errors.New("exchanges must list at least one exchange")
	}
	seen := make(map[string]bool, len(c.Exchanges))
	enabled := 0
	for i, ex := range c.Exchanges {
		prefix := fmt.Sprintf("exchanges[%d]", i)
		if ex.Name == "" {
			return fmt.Errorf("%s.name is required", prefix)
		}
		if seen[ex.Name] {
			return fmt.Errorf("%s.name %q is duplicated", prefix, ex.Name)
		}
		seen[ex.Name] = true
		if ex.IsEnabled() {
			enabled++
		}
	}
	if enabled == 0 {
		return errors.New("exchanges: at least one exchange must be enabled")
	}
	if _, err := c.Profiles(); err != nil {
		return err
	}

	if c.Router.BufferSize < 1 {
		return errors.New("router.buffer_size must be >= 1")
	}
	if c.Router.MaxBuffered < 0 {
		return errors.New("router.max_buffered must be >= 0")
	}
	if c.Router.OutputSize < 0 {
		return errors.New("router.output_size must be >= 0")
	}

	if c.Archive.Enabled {
		if err := c.Archive.Database.validate("archive.database"); err != nil {
			return err
		}
		if c.Archive.BatchSize < 1 {
			return errors.New("archive.batch_size must be >= 1")
		}
		if c.Archive.FlushInterval <= 0 {
			return errors.New("archive.flush_interval must be > 0")
		}
		if c.Archive.BufferSize < 1 {
			return errors.New("archive.buffer_size must be >= 1")
		}
	}

	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be between 1 and 65535, got %d", c.Metrics.Port)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	if !slices.Contains(validLogLevels, c.Log.Level) {
		return fmt.Errorf("log.level must be one of %s, got %q", strings.Join(validLogLevels, ", "), c.Log.Level)
	}
	if !slices.Contains(validLogFormats, c.Log.Format) {
		return fmt.Errorf("log.format must be one of %s, got %q", strings.Join(validLogFormats, ", "), c.Log.Format)
	}

	return nil
}

func (c *ConnectionsConfig) validate(prefix string) error {
	timeouts := []struct {
		name  string
		value any
		ok    bool
	}{
		{"resolve_timeout", c.ResolveTimeout, c.ResolveTimeout > 0},
		{"connect_timeout", c.ConnectTimeout, c.ConnectTimeout > 0},
		{"tls_timeout", c.TLSTimeout, c.TLSTimeout > 0},
		{"auth_timeout", c.AuthTimeout, c.AuthTimeout > 0},
		{"handshake_timeout", c.HandshakeTimeout, c.HandshakeTimeout > 0},
		{"write_timeout", c.WriteTimeout, c.WriteTimeout > 0},
		{"reconnect_base_delay", c.ReconnectBaseDelay, c.ReconnectBaseDelay > 0},
	}
	for _, t := range timeouts {
		if !t.ok {
			return fmt.Errorf("%s.%s must be > 0, got %v", prefix, t.name, t.value)
		}
	}

	if c.StaleTimeout < 0 {
		return fmt.Errorf("%s.stale_timeout must be >= 0", prefix)
	}
	if c.StabilityWindow < 0 {
		return fmt.Errorf("%s.stability_window must be >= 0", prefix)
	}
	if c.ReconnectMaxDelay < c.ReconnectBaseDelay {
		return fmt.Errorf("%s.reconnect_max_delay (%v) cannot be less than reconnect_base_delay (%v)",
			prefix, c.ReconnectMaxDelay, c.ReconnectBaseDelay)
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		return fmt.Errorf("%s.jitter must be between 0 and 1, got %v", prefix, c.Jitter)
	}
	if c.ReadBufferSize < 0 || c.WriteBufferSize < 0 {
		return fmt.Errorf("%s buffer sizes must be >= 0", prefix)
	}
	return nil
}

func (db *DBConfig) validate(prefix string) error {
	if db.Host == "" {
		return fmt.Errorf("%s.host is required", prefix)
	}
	if db.Name == "" {
		return fmt.Errorf("%s.name is required", prefix)
	}
	if db.User == "" {
		return fmt.Errorf("%s.user is required", prefix)
	}
	if db.Password == "" {
		return fmt.Errorf("%s.password is required", prefix)
	}
	if db.MaxConns < 1 {
		return fmt.Errorf("%s.max_conns must be >= 1", prefix)
	}
	if db.MinConns < 0 {
		return fmt.Errorf("%s.min_conns must be >= 0", prefix)
	}
	if db.MinConns > db.MaxConns {
		return fmt.Errorf("%s.min_conns (%d) cannot exceed max_conns (%d)", prefix, db.MinConns, db.MaxConns)
	}
	return nil
}
