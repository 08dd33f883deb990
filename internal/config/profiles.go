package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/rickgao/marketfeed/internal/connection"
	"github.com/rickgao/marketfeed/internal/profile"
	"github.com/rickgao/marketfeed/internal/router"
)

// Profiles returns the validated profile of every enabled exchange, in
// config order. Overrides are applied on top of the built-in profile of the
// same name.
func (c *Config) Profiles() ([]profile.Profile, error) {
	var profiles []profile.Profile
	for i, ex := range c.Exchanges {
		if !ex.IsEnabled() {
			continue
		}
		p, err := ex.Profile()
		if err != nil {
			return nil, fmt.Errorf("exchanges[%d]: %w", i, err)
		}
		profiles = append(profiles, p)
	}
	return profiles, nil
}

// Profile builds the exchange's profile.
func (e ExchangeConfig) Profile() (profile.Profile, error) {
	p, err := profile.Lookup(e.Name)
	if errors.Is(err, profile.ErrUnknown) {
		p = profile.Profile{Name: e.Name}
	} else if err != nil {
		return profile.Profile{}, err
	}

	if e.Host != "" {
		p.Host = e.Host
		if e.SNIName == "" && p.SNIName != "" {
			p.SNIName = e.Host
		}
	}
	if e.Port != 0 {
		p.Port = e.Port
	}
	if e.SNIName != "" {
		p.SNIName = e.SNIName
	}
	if p.SNIName == "" {
		p.SNIName = p.Host
	}
	if e.Path != "" {
		p.Path = e.Path
	}
	if e.SubscribeFrames != nil {
		p.SubscribeFrames = append([]string(nil), e.SubscribeFrames...)
	}
	if e.UserAgent != "" {
		p.UserAgent = e.UserAgent
	}
	if e.InsecureSkipVerify {
		p.InsecureSkipVerify = true
	}
	if e.SendRate != 0 {
		p.SendRate = e.SendRate
	}
	if e.HeartbeatInterval != 0 {
		p.Heartbeat.Interval = e.HeartbeatInterval
	}
	if e.HeartbeatFrame != "" {
		p.Heartbeat.Frame = e.HeartbeatFrame
	}

	if a := e.Auth; a != nil {
		step := profile.AuthStep{}
		if p.Auth != nil {
			step = *p.Auth
		}
		if a.Endpoint != "" {
			step.Endpoint = a.Endpoint
		}
		if a.Method != "" {
			step.Method = strings.ToUpper(a.Method)
		}
		if a.TokenPath != nil {
			step.TokenPath = append([]string(nil), a.TokenPath...)
		}
		if a.UserAgent != "" {
			step.UserAgent = a.UserAgent
		}
		if a.InsecureSkipVerify {
			step.InsecureSkipVerify = true
		}
		p.Auth = &step
	}

	if err := p.Validate(); err != nil {
		return profile.Profile{}, err
	}
	return p, nil
}

// SessionConfig converts the connection settings for connection.NewSession.
func (c ConnectionsConfig) SessionConfig() connection.SessionConfig {
	return connection.SessionConfig{
		ResolveTimeout:   c.ResolveTimeout,
		ConnectTimeout:   c.ConnectTimeout,
		TLSTimeout:       c.TLSTimeout,
		AuthTimeout:      c.AuthTimeout,
		HandshakeTimeout: c.HandshakeTimeout,
		WriteTimeout:     c.WriteTimeout,
		StaleTimeout:     c.StaleTimeout,
		ReadBufferSize:   c.ReadBufferSize,
		WriteBufferSize:  c.WriteBufferSize,
	}
}

// SupervisorConfig converts the reconnect settings.
func (c ConnectionsConfig) SupervisorConfig() connection.SupervisorConfig {
	return connection.SupervisorConfig{
		BaseBackoff:     c.ReconnectBaseDelay,
		MaxBackoff:      c.ReconnectMaxDelay,
		StabilityWindow: c.StabilityWindow,
		Jitter:          c.Jitter,
	}
}

// Config converts the router settings.
func (r RouterConfig) Config() router.Config {
	return router.Config{
		BufferSize:  r.BufferSize,
		MaxBuffered: r.MaxBuffered,
		OutputSize:  r.OutputSize,
	}
}

// SlogLevel returns the configured level, defaulting to info.
func (l LogConfig) SlogLevel() slog.Level {
	switch strings.ToLower(l.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
