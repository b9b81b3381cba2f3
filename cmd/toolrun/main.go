// Command toolrun runs the action execution engine as an MCP stdio server.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/toolrun/toolrun/internal/catalog"
	"github.com/toolrun/toolrun/internal/credentials"
	"github.com/toolrun/toolrun/internal/engine"
	"github.com/toolrun/toolrun/internal/logging"
	"github.com/toolrun/toolrun/internal/sandbox"
	"github.com/toolrun/toolrun/internal/scheduler"
	"github.com/toolrun/toolrun/internal/secrets"
	"github.com/toolrun/toolrun/internal/store"
	"github.com/toolrun/toolrun/pkg/mcp"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "toolrun:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	// Stdout carries the MCP transport, so logs go to stderr.
	logger := newLogger(os.Stderr, cfg.LogLevel)
	slog.SetDefault(logger)

	cipher, err := buildCipher(cfg, logger)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:"+cfg.DBPath, cipher)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	cat, err := catalog.NewMemory()
	if err != nil {
		return fmt.Errorf("init catalog: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Store:            st,
		Catalog:          cat,
		Creds:            credentials.NewResolver(st, logger),
		Runtime:          sandbox.NewHTTPRuntime(logger),
		Logger:           logger,
		DefaultTimeoutMs: cfg.DefaultTimeoutMs,
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	if cfg.Scheduler {
		sched := scheduler.New(st, eng, logger)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer sched.Stop()
	}

	srv := mcp.NewToolrunServer(mcp.ToolrunServerDeps{
		Service: eng,
		Logger:  logger,
	})

	logger.Info("toolrun engine started", "db_path", cfg.DBPath)
	if err := srv.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}

// buildCipher selects the credential cipher. Without a master key the store
// falls back to plaintext, which is only acceptable for local development.
func buildCipher(cfg Config, logger *slog.Logger) (secrets.Cipher, error) {
	if cfg.MasterKeyHex == "" {
		logger.Warn("no master key configured, credentials will be stored unencrypted")
		return secrets.Plaintext{}, nil
	}
	key, err := hex.DecodeString(cfg.MasterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	return secrets.NewAESCipher(secrets.CipherConfig{MasterKey: key})
}
