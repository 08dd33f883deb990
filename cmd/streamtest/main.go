// streamtest connects to one exchange and prints every raw frame to stdout.
// Usage: go run ./cmd/streamtest --exchange kucoin
//
// With --config, the exchange's overrides and the connection timeouts are
// taken from the config file; otherwise built-in defaults are used.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rickgao/marketfeed/internal/config"
	"github.com/rickgao/marketfeed/internal/connection"
	"github.com/rickgao/marketfeed/internal/profile"
)

func main() {
	exchange := flag.String("exchange", "binance", "exchange to stream ("+strings.Join(profile.Names(), ", ")+")")
	configPath := flag.String("config", "", "optional path to config file")
	verbose := flag.Bool("verbose", false, "print full event JSON")
	flag.Parse()

	// Logs go to stderr so stdout carries only frames.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadWithDefaults(*configPath)
		if err != nil {
			logger.Error("failed to load config", "error", err)
			os.Exit(1)
		}
	}

	p, err := exchangeProfile(cfg, *exchange)
	if err != nil {
		logger.Error("invalid exchange", "exchange", *exchange, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("received shutdown signal")
		cancel()
	}()

	sup, err := connection.NewSupervisor(p,
		cfg.Connections.SupervisorConfig(),
		cfg.Connections.SessionConfig(),
		connection.WithLogger(logger),
	)
	if err != nil {
		logger.Error("failed to create supervisor", "error", err)
		os.Exit(1)
	}

	// Stats printer
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := sup.State()
				logger.Info("stats",
					"phase", st.Phase,
					"attempts", st.Attempts,
					"failures", st.ConsecutiveFailures,
					"messages", st.Messages,
					"last_error", st.LastError,
				)
			}
		}
	}()

	logger.Info("streaming started - press Ctrl+C to stop", "exchange", p.Name, "host", p.Host, "path", p.Path)

	printer := newPrinter(os.Stdout, *verbose)
	if err := sup.Run(ctx, printer.print); err != nil && ctx.Err() == nil {
		logger.Error("supervisor stopped", "error", err)
		os.Exit(1)
	}

	logger.Info("shutdown complete", "messages", sup.State().Messages)
}

// exchangeProfile returns the configured profile for name, falling back to
// the built-in one when the config does not list it.
func exchangeProfile(cfg *config.Config, name string) (profile.Profile, error) {
	for _, ex := range cfg.Exchanges {
		if ex.Name == name {
			return ex.Profile()
		}
	}
	return profile.Lookup(name)
}

type printer struct {
	w       io.Writer
	verbose bool
}

func newPrinter(w io.Writer, verbose bool) *printer {
	return &printer{w: w, verbose: verbose}
}

func (p *printer) print(evt connection.RawMessageEvent) {
	if !p.verbose {
		fmt.Fprintf(p.w, "%s\n", evt.Data)
		return
	}
	data, _ := json.MarshalIndent(struct {
		Exchange   string          `json:"exchange"`
		SessionID  string          `json:"session_id"`
		Seq        uint64          `json:"seq"`
		ReceivedAt time.Time       `json:"received_at"`
		Data       json.RawMessage `json:"data,omitempty"`
		Text       string          `json:"text,omitempty"`
	}{
		Exchange:   evt.Exchange,
		SessionID:  evt.SessionID.String(),
		Seq:        evt.Seq,
		ReceivedAt: evt.ReceivedAt,
		Data:       rawJSON(evt.Data),
		Text:       textIfNotJSON(evt.Data),
	}, "", "  ")
	fmt.Fprintf(p.w, "%s\n", data)
}

func rawJSON(b []byte) json.RawMessage {
	if json.Valid(b) {
		return b
	}
	return nil
}

func textIfNotJSON(b []byte) string {
	if json.Valid(b) {
		return ""
	}
	return string(b)
}
