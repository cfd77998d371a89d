package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/aining777/grouped-history/internal/config"
	"github.com/aining777/grouped-history/internal/domain"
	"github.com/aining777/grouped-history/internal/observability"
	"github.com/aining777/grouped-history/internal/service"
	"github.com/aining777/grouped-history/internal/storage"
	"github.com/aining777/grouped-history/internal/storage/file"
	"github.com/aining777/grouped-history/internal/storage/memory"
	"github.com/aining777/grouped-history/internal/storage/sql"
)

const usage = `usage: grouped-history <command> [args]

commands:
  groups                                 list groups and their record counts
  create NAME                            create an empty group
  delete NAME                            delete a group and its records
  add NAME REQUEST_FILE [RESPONSE_FILE]  add a captured transaction to a group
  records NAME                           list the records of a group
  remove NAME INDEX...                   remove records by position
  stats                                  print store metrics
`

var errUsage = errors.New("invalid usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	switch {
	case err == nil:
	case errors.Is(err, errUsage):
		fmt.Fprintf(os.Stderr, "grouped-history: %v\n\n%s", err, usage)
		os.Exit(2)
	default:
		fmt.Fprintf(os.Stderr, "grouped-history: %v [%s]\n", err, domain.ErrorCode(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) (err error) {
	if len(args) == 0 {
		return errUsage
	}
	cmd, ok := commands[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.Log.Level, cfg.Log.Format, stderr)
	metrics := observability.NewMetrics()

	kv, err := openKV(cfg, logger)
	if err != nil {
		return err
	}

	svc, err := service.New(kv, service.Options{
		Key:      cfg.Storage.Key,
		Debounce: cfg.Save.Debounce,
		Workers:  cfg.Save.Workers,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		kv.Close()
		return err
	}
	defer func() {
		if cerr := svc.Close(context.WithoutCancel(ctx)); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if _, err := svc.Load(ctx); err != nil {
		return err
	}

	return cmd(ctx, &env{svc: svc, metrics: metrics, out: stdout}, args[1:])
}

func openKV(cfg *config.Config, logger zerolog.Logger) (storage.KV, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		logger.Warn().Msg("using in-memory storage, nothing will be persisted")
		return memory.New(), nil
	case config.BackendFile:
		kv, err := file.New(cfg.Storage.Dir)
		if err != nil {
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		return kv, nil
	}

	// Create data directory if needed (for SQLite)
	if cfg.Storage.Backend == config.BackendSQLite {
		if dir := filepath.Dir(cfg.Storage.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating data directory: %w", err)
			}
		}
	}
	kv, err := sql.New(cfg.Storage.Backend, cfg.Storage.DSN)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	return kv, nil
}
