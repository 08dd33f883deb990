// feedd keeps one WebSocket stream per configured exchange alive and
// optionally archives every raw frame to PostgreSQL.
//
// Usage: go run ./cmd/feedd --config configs/feedd.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rickgao/marketfeed/internal/config"
	"github.com/rickgao/marketfeed/internal/connection"
	"github.com/rickgao/marketfeed/internal/database"
	"github.com/rickgao/marketfeed/internal/metrics"
	"github.com/rickgao/marketfeed/internal/router"
	"github.com/rickgao/marketfeed/internal/version"
	"github.com/rickgao/marketfeed/internal/writer"
)

func main() {
	configPath := flag.String("config", "configs/feedd.yaml", "path to config file")
	printFrames := flag.Bool("print", false, "print every frame to stdout")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "config", *configPath)
		os.Exit(1)
	}

	logger := newLogger(os.Stderr, cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting feedd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
		"instance_id", cfg.Instance.ID,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	var out io.Writer
	if *printFrames {
		out = os.Stdout
	}
	if err := run(ctx, cfg, out, logger); err != nil {
		logger.Error("feedd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("feedd stopped")
}

// newLogger builds the process logger from the log section.
func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.SlogLevel()}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// run wires supervisors, router, archive and the HTTP server, and blocks
// until ctx is canceled.
func run(ctx context.Context, cfg *config.Config, out io.Writer, logger *slog.Logger) error {
	profiles, err := cfg.Profiles()
	if err != nil {
		return fmt.Errorf("build profiles: %w", err)
	}
	if len(profiles) == 0 {
		return errors.New("no exchanges enabled")
	}

	m := metrics.New(nil)

	sources := make([]router.Source, 0, len(profiles))
	for _, p := range profiles {
		sup, err := connection.NewSupervisor(p,
			cfg.Connections.SupervisorConfig(),
			cfg.Connections.SessionConfig(),
			connection.WithObserver(m),
			connection.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("supervisor %s: %w", p.Name, err)
		}
		sources = append(sources, sup)
	}

	rt, err := router.New(cfg.Router.Config(), sources, logger)
	if err != nil {
		return fmt.Errorf("create router: %w", err)
	}

	var archive *archiveSink
	if cfg.Archive.Enabled {
		archive, err = startArchive(ctx, cfg.Archive, m, logger)
		if err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:           newHTTPHandler(cfg.Metrics.Path, m, rt, archive),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("starting http server", "port", cfg.Metrics.Port, "metrics_path", cfg.Metrics.Path)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	routerDone := make(chan error, 1)
	go func() {
		routerDone <- rt.Run(ctx)
	}()

	logger.Info("feedd running", "exchanges", rt.Exchanges())
	consume(rt.Events(), archive, out, logger)

	runErr := <-routerDone

	logger.Info("shutting down...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if archive != nil {
		archive.stop(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown", "error", err)
	}
	return runErr
}

// consume drains the merged stream until the router closes it.
func consume(events <-chan connection.RawMessageEvent, archive *archiveSink, out io.Writer, logger *slog.Logger) {
	var count int64
	for evt := range events {
		count++
		if archive != nil {
			archive.input.Send(evt)
		}
		if out != nil {
			fmt.Fprintf(out, "%s %s %d %s\n", evt.ReceivedAt.Format(time.RFC3339Nano), evt.Exchange, evt.Seq, evt.Data)
		}
	}
	logger.Info("event stream closed", "events", count)
}

// archiveSink owns the database pool and the archive writer.
type archiveSink struct {
	input  *router.GrowableBuffer[connection.RawMessageEvent]
	writer *writer.ArchiveWriter
	db     interface {
		Ping(context.Context) error
		Close()
	}
}

func startArchive(ctx context.Context, cfg config.ArchiveConfig, m *metrics.Metrics, logger *slog.Logger) (*archiveSink, error) {
	logger.Info("connecting to database",
		"host", cfg.Database.Host,
		"port", cfg.Database.Port,
		"database", cfg.Database.Name,
	)
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	input := router.NewGrowableBuffer[connection.RawMessageEvent](cfg.BufferSize)
	w := writer.NewArchiveWriter(writer.WriterConfig{
		BatchSize:     cfg.BatchSize,
		FlushInterval: cfg.FlushInterval,
	}, input, pool, m, logger)
	// The writer outlives ctx so Stop can flush what is still buffered.
	if err := w.Start(context.WithoutCancel(ctx)); err != nil {
		pool.Close()
		return nil, fmt.Errorf("start archive writer: %w", err)
	}

	logger.Info("archive enabled")
	return &archiveSink{input: input, writer: w, db: pool}, nil
}

func (a *archiveSink) stop(ctx context.Context) {
	a.input.Close()
	if err := a.writer.Stop(ctx); err != nil {
		slog.Warn("archive writer stop", "error", err)
	}
	a.db.Close()
}
