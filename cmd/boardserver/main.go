// Command boardserver runs the multi-tenant collaborative-whiteboard
// session server: it wires the durable element store, the session
// registry, and the HTTP + bidirectional-socket front ends together and
// serves them on one listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/wonton/cli"

	"github.com/kanvas/boardserver/board/httpapi"
	"github.com/kanvas/boardserver/board/registry"
	"github.com/kanvas/boardserver/board/store"
	"github.com/kanvas/boardserver/board/wsapi"
	"github.com/kanvas/boardserver/config"
	"github.com/kanvas/boardserver/slogger"
)

func main() {
	app := cli.New("boardserver").
		Description("Multi-tenant collaborative whiteboard session server").
		Version("0.1.0")

	app.Main().
		Flags(
			cli.String("listen", "l").
				Default("").
				Env("BOARDSERVER_LISTEN").
				Help("Address to listen on for HTTP and socket upgrades (default :3000)"),
			cli.String("data-dir", "d").
				Default("").
				Env("BOARDSERVER_DATA_DIR").
				Help("Directory backing the durable element store (default ./data)"),
			cli.String("config", "c").
				Default("").
				Help("Path to an optional YAML config file"),
			cli.Int("queue-depth", "").
				Default(0).
				Env("BOARDSERVER_QUEUE_DEPTH").
				Help("Per-subscriber outbound queue depth (0 uses the package default)"),
			cli.String("log-level", "").
				Default("").
				Env("BOARDSERVER_LOG_LEVEL").
				Help("Log level: debug, info, warn, or error (default info)"),
		).
		Run(runServer)

	if err := app.Execute(); err != nil {
		if cli.IsHelpRequested(err) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(cli.GetExitCode(err))
	}
}

func runServer(ctx *cli.Context) error {
	cfg, err := config.LoadFile(ctx.String("config"))
	if err != nil {
		return err
	}
	if v := ctx.String("listen"); v != "" {
		cfg.ListenAddr = v
	}
	if v := ctx.String("data-dir"); v != "" {
		cfg.DataDir = v
	}
	if v := ctx.Int("queue-depth"); v > 0 {
		cfg.QueueDepth = v
	}
	if v := ctx.String("log-level"); v != "" {
		cfg.LogLevel = v
	}

	logger := slogger.New(slogger.LevelFromString(cfg.LogLevel))

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	dbPath := cfg.DataDir + "/board.db"
	boardStore, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open element store: %w", err)
	}
	defer boardStore.Close()

	if keys, err := boardStore.Keys(context.Background()); err == nil {
		logger.Info("element store opened", "path", dbPath, "persistedSessions", len(keys))
	}

	reg := registry.New(registry.Options{
		Store:         boardStore,
		Logger:        logger,
		EvictionDelay: time.Duration(cfg.EvictionDelaySecondsOrDefault()) * time.Second,
	})
	defer reg.Shutdown()

	mux := http.NewServeMux()
	mux.Handle("/ws", wsapi.New(wsapi.Options{
		Registry:   reg,
		Logger:     logger,
		QueueDepth: cfg.QueueDepthOrDefault(),
	}))
	mux.Handle("/", httpapi.New(reg, logger, nil).Router())

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.ListenAddr, "dataDir", cfg.DataDir)
		serveErr <- server.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("serve: %w", err)
		}
	case <-sigCtx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown: %w", err)
		}
	}
	return nil
}
