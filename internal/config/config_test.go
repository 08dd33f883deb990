package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rickgao/marketfeed/internal/profile"
)

func TestLoad(t *testing.T) {
	yaml := `
instance:
  id: feed-1
connections:
  connect_timeout: 3s
  reconnect_base_delay: 500ms
  stale_timeout: 2m
exchanges:
  - name: binance
  - name: kucoin
    enabled: false
router:
  max_buffered: 500
log:
  level: debug
  format: json
`
	path := writeTempFile(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Instance.ID != "feed-1" {
		t.Errorf("Instance.ID = %q, want feed-1", cfg.Instance.ID)
	}
	if cfg.Connections.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout = %v, want 3s", cfg.Connections.ConnectTimeout)
	}
	if cfg.Connections.ReconnectBaseDelay != 500*time.Millisecond {
		t.Errorf("ReconnectBaseDelay = %v, want 500ms", cfg.Connections.ReconnectBaseDelay)
	}
	if cfg.Connections.StaleTimeout != 2*time.Minute {
		t.Errorf("StaleTimeout = %v, want 2m", cfg.Connections.StaleTimeout)
	}
	if len(cfg.Exchanges) != 2 || cfg.Exchanges[1].IsEnabled() {
		t.Errorf("Exchanges = %+v, want binance enabled and kucoin disabled", cfg.Exchanges)
	}
	if cfg.Router.MaxBuffered != 500 {
		t.Errorf("Router.MaxBuffered = %d, want 500", cfg.Router.MaxBuffered)
	}
	if cfg.Log.SlogLevel() != slog.LevelDebug || cfg.Log.Format != "json" {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestLoadWithEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_DB_PASSWORD", "secret123")
	t.Setenv("TEST_BYBIT_HOST", "stream-testnet.bybit.com")

	yaml := `
exchanges:
  - name: bybit
    host: ${TEST_BYBIT_HOST}
archive:
  enabled: true
  database:
    host: localhost
    name: feed
    user: feed
    password: ${TEST_DB_PASSWORD}
`
	path := writeTempFile(t, yaml)

	cfg, err := LoadAndValidate(path)
	if err != nil {
		t.Fatalf("LoadAndValidate failed: %v", err)
	}

	if cfg.Archive.Database.Password != "secret123" {
		t.Errorf("Archive.Database.Password = %q, want secret123", cfg.Archive.Database.Password)
	}

	profiles, err := cfg.Profiles()
	if err != nil {
		t.Fatalf("Profiles failed: %v", err)
	}
	if profiles[0].Host != "stream-testnet.bybit.com" || profiles[0].SNIName != "stream-testnet.bybit.com" {
		t.Errorf("host override = %q / sni %q", profiles[0].Host, profiles[0].SNIName)
	}
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !errors.Is(err, os.ErrNotExist) || !strings.Contains(err.Error(), path) {
		t.Errorf("error = %v, want not-exist naming %s", err, path)
	}
}

func TestLoadErrorsNameFile(t *testing.T) {
	bad := writeTempFile(t, "exchanges: [")
	if _, err := Load(bad); err == nil || !strings.Contains(err.Error(), bad) {
		t.Errorf("decode error = %v, want it to name %s", err, bad)
	}

	dup := writeTempFile(t, "exchanges:\n  - name: binance\n  - name: binance\n")
	_, err := LoadAndValidate(dup)
	if err == nil {
		t.Fatal("expected validation error for duplicated exchange")
	}
	if !strings.Contains(err.Error(), dup) || !strings.Contains(err.Error(), `exchanges[1].name "binance" is duplicated`) {
		t.Errorf("validate error = %v, want file name and duplicated exchange", err)
	}
}

func TestParseInvalidYAML(t *testing.T) {
	if _, err := Parse([]byte("exchanges: [")); err == nil {
		t.Error("expected error for invalid yaml")
	}
}

func TestLoadWithDefaults(t *testing.T) {
	path := writeTempFile(t, "instance:\n  id: feed-1\n")

	cfg, err := LoadWithDefaults(path)
	if err != nil {
		t.Fatalf("LoadWithDefaults failed: %v", err)
	}

	if cfg.Connections.ResolveTimeout != DefaultResolveTimeout {
		t.Errorf("ResolveTimeout = %v, want default %v", cfg.Connections.ResolveTimeout, DefaultResolveTimeout)
	}
	if cfg.Connections.ReconnectMaxDelay != DefaultReconnectMaxDelay {
		t.Errorf("ReconnectMaxDelay = %v, want default %v", cfg.Connections.ReconnectMaxDelay, DefaultReconnectMaxDelay)
	}
	if cfg.Connections.StaleTimeout != 0 {
		t.Errorf("StaleTimeout = %v, want disabled by default", cfg.Connections.StaleTimeout)
	}
	if cfg.Archive.Database.Port != DefaultDBPort {
		t.Errorf("Archive.Database.Port = %d, want default %d", cfg.Archive.Database.Port, DefaultDBPort)
	}
	if cfg.Metrics.Port != DefaultMetricsPort || cfg.Metrics.Path != DefaultMetricsPath {
		t.Errorf("Metrics = %+v, want defaults", cfg.Metrics)
	}

	var names []string
	for _, ex := range cfg.Exchanges {
		names = append(names, ex.Name)
	}
	if strings.Join(names, ",") != strings.Join(profile.Names(), ",") {
		t.Errorf("default exchanges = %v, want all built-ins %v", names, profile.Names())
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults do not validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func(mutate func(*Config)) Config {
		cfg := Default()
		mutate(cfg)
		return *cfg
	}

	tests := []struct {
		name    string
		cfg     Config
		wantErr string
	}{
		{
			name:    "missing instance id",
			cfg:     Config{},
			wantErr: "instance.id is required",
		},
		{
			name: "missing timeouts",
			cfg: Config{
				Instance: InstanceConfig{ID: "test"},
			},
			wantErr: "connections.resolve_timeout must be > 0, got 0s",
		},
		{
			name: "max delay below base",
			cfg: valid(func(c *Config) {
				c.Connections.ReconnectBaseDelay = 10 * time.Second
				c.Connections.ReconnectMaxDelay = time.Second
			}),
			wantErr: "connections.reconnect_max_delay (1s) cannot be less than reconnect_base_delay (10s)",
		},
		{
			name:    "jitter out of range",
			cfg:     valid(func(c *Config) { c.Connections.Jitter = 1.5 }),
			wantErr: "connections.jitter must be between 0 and 1, got 1.5",
		},
		{
			name:    "missing exchange name",
			cfg:     valid(func(c *Config) { c.Exchanges = []ExchangeConfig{{Name: "binance"}, {}} }),
			wantErr: "exchanges[1].name is required",
		},
		{
			name: "duplicate exchange",
			cfg: valid(func(c *Config) {
				c.Exchanges = []ExchangeConfig{{Name: "bybit"}, {Name: "bybit"}}
			}),
			wantErr: `exchanges[1].name "bybit" is duplicated`,
		},
		{
			name: "all disabled",
			cfg: valid(func(c *Config) {
				off := false
				c.Exchanges = []ExchangeConfig{{Name: "bybit", Enabled: &off}}
			}),
			wantErr: "exchanges: at least one exchange must be enabled",
		},
		{
			name: "archive missing password",
			cfg: valid(func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Database.Host = "localhost"
				c.Archive.Database.Name = "feed"
				c.Archive.Database.User = "feed"
			}),
			wantErr: "archive.database.password is required",
		},
		{
			name: "archive min_conns exceeds max_conns",
			cfg: valid(func(c *Config) {
				c.Archive.Enabled = true
				c.Archive.Database = DBConfig{Host: "localhost", Name: "db", User: "user", Password: "pass", MaxConns: 5, MinConns: 10}
			}),
			wantErr: "archive.database.min_conns (10) cannot exceed max_conns (5)",
		},
		{
			name:    "disabled archive not validated",
			cfg:     valid(func(c *Config) { c.Archive.Database = DBConfig{} }),
			wantErr: "",
		},
		{
			name:    "metrics port",
			cfg:     valid(func(c *Config) { c.Metrics.Port = 70000 }),
			wantErr: "metrics.port must be between 1 and 65535, got 70000",
		},
		{
			name:    "log level",
			cfg:     valid(func(c *Config) { c.Log.Level = "verbose" }),
			wantErr: `log.level must be one of debug, info, warn, error, got "verbose"`,
		},
		{
			name:    "valid defaults",
			cfg:     valid(func(*Config) {}),
			wantErr: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Errorf("Validate() expected error %q, got nil", tt.wantErr)
			} else if err.Error() != tt.wantErr {
				t.Errorf("Validate() error = %q, want %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestProfiles_Overrides(t *testing.T) {
	off := false
	cfg := Default()
	cfg.Exchanges = []ExchangeConfig{
		{Name: "binance", Path: "/ws/ethusdt@kline_1m"},
		{Name: "bybit", Enabled: &off},
		{
			Name: "kucoin",
			Auth: &AuthConfig{InsecureSkipVerify: true},
		},
		{
			Name:            "okx",
			Host:            "ws.okx.com",
			Port:            8443,
			Path:            "/ws/v5/public",
			SubscribeFrames: []string{`{"op":"subscribe"}`},
			UserAgent:       "okx-connector",
		},
	}

	profiles, err := cfg.Profiles()
	if err != nil {
		t.Fatalf("Profiles failed: %v", err)
	}
	if len(profiles) != 3 {
		t.Fatalf("got %d profiles, want 3 (bybit disabled)", len(profiles))
	}

	binance := profiles[0]
	if binance.Path != "/ws/ethusdt@kline_1m" || binance.Host != "stream.binance.com" || binance.Port != 9443 {
		t.Errorf("binance = %+v, want path override on built-in", binance)
	}

	kucoin := profiles[1]
	if kucoin.Auth == nil || !kucoin.Auth.InsecureSkipVerify {
		t.Fatalf("kucoin auth = %+v, want reduced trust opt-in", kucoin.Auth)
	}
	if kucoin.Auth.Endpoint != "https://api.kucoin.com/api/v1/bullet-public" {
		t.Errorf("kucoin auth endpoint = %q, want built-in kept", kucoin.Auth.Endpoint)
	}

	okx := profiles[2]
	if okx.SNIName != "ws.okx.com" || okx.Port != 8443 || okx.UserAgent != "okx-connector" {
		t.Errorf("custom profile = %+v", okx)
	}

	// Built-ins are untouched.
	orig, _ := profile.Lookup(profile.KuCoin)
	if orig.Auth.InsecureSkipVerify {
		t.Error("override leaked into built-in profile")
	}
}

func TestProfiles_InvalidCustomExchange(t *testing.T) {
	cfg := Default()
	cfg.Exchanges = []ExchangeConfig{{Name: "mystery"}}

	_, err := cfg.Profiles()
	if !errors.Is(err, profile.ErrInvalidProfile) {
		t.Fatalf("expected ErrInvalidProfile, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "exchanges[0]: ") {
		t.Errorf("error %q lacks field path", err)
	}
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Connections.StaleTimeout = time.Minute
	cfg.Connections.Jitter = 0.1

	sc := cfg.Connections.SessionConfig()
	if sc.ConnectTimeout != DefaultConnectTimeout || sc.StaleTimeout != time.Minute || sc.ReadBufferSize != DefaultWSBufferSize {
		t.Errorf("SessionConfig = %+v", sc)
	}

	sup := cfg.Connections.SupervisorConfig()
	if sup.BaseBackoff != DefaultReconnectBaseDelay || sup.MaxBackoff != DefaultReconnectMaxDelay ||
		sup.StabilityWindow != DefaultStabilityWindow || sup.Jitter != 0.1 {
		t.Errorf("SupervisorConfig = %+v", sup)
	}

	rc := cfg.Router.Config()
	if rc.BufferSize != DefaultRouterBufferSize || rc.MaxBuffered != DefaultRouterMaxBuffered {
		t.Errorf("router.Config = %+v", rc)
	}
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"WARN":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
	}
	for in, want := range tests {
		if got := (LogConfig{Level: in}).SlogLevel(); got != want {
			t.Errorf("SlogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func writeTempFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	return path
}
