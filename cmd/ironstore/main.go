// ABOUTME: Operator CLI for the ironstore persistence layer
// ABOUTME: Migrations, health, backups, and an optional metrics endpoint

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/itehadironstore/ironstore/internal/config"
	"github.com/itehadironstore/ironstore/internal/observe"
	"github.com/itehadironstore/ironstore/internal/service"
	"github.com/itehadironstore/ironstore/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := loadConfig()
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	logger := observe.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "init":
		err = cmdInit(cfg, logger)
	case "migrate":
		err = cmdMigrate(cfg, logger)
	case "status":
		err = cmdStatus(cfg, logger)
	case "health":
		err = cmdHealth(cfg, logger)
	case "backup":
		err = cmdBackup(cfg, logger, args)
	case "serve":
		err = cmdServe(cfg, logger)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
}

func printUsage() {
	yellow := color.New(color.FgYellow)

	fmt.Println("Usage: ironstore <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  init             Create the store and apply all migrations")
	fmt.Println("  migrate          Apply pending schema migrations")
	fmt.Println("  status           Show schema version and migration ledger")
	fmt.Println("  health           Probe the store and print component counters")
	fmt.Println("  backup <dest>    Write a checksummed backup copy to <dest>")
	fmt.Println("  serve            Run the metrics endpoint until interrupted")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  IRONSTORE_CONFIG  Config file path (default: ~/.config/ironstore/ironstore.yaml)")
}

// configPath resolves the config file location without touching disk.
func configPath() string {
	if path := os.Getenv("IRONSTORE_CONFIG"); path != "" {
		return path
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "ironstore", "ironstore.yaml")
}

// loadConfig resolves the config file. A missing file is fine; the
// defaults stand alone.
func loadConfig() (config.Config, error) {
	path := configPath()

	if path == "" {
		return *config.Default(), nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return *config.Default(), nil
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("loading %s: %w", path, err)
	}
	return *cfg, nil
}

// defaultConfigYAML is the annotated starting config init writes.
const defaultConfigYAML = `store:
  # path: /var/lib/ironstore/store.db
  busy_timeout: 5s
  slow_query_threshold: 250ms

cache:
  max_entries: 1000
  default_ttl: 5m
  cleanup_interval: 1m

txn:
  max_slots: 4
  max_retries: 3
  retry_base_delay: 50ms
  retry_max_delay: 2s
  timeout: 30s
  shutdown_grace: 10s

logging:
  level: info
  format: text

metrics:
  enabled: false
  addr: 127.0.0.1:9191
  path: /metrics
`

func cmdInit(cfg config.Config, logger *slog.Logger) error {
	if path := configPath(); path != "" {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
			if err := os.WriteFile(path, []byte(defaultConfigYAML), 0644); err != nil {
				return fmt.Errorf("writing default config: %w", err)
			}
			color.Green("Wrote default config to %s", path)
		} else {
			color.Yellow("Config already exists at %s", path)
		}
	}

	svc, err := service.New(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	color.Green("Store ready at %s", svc.Conn().Path())
	return nil
}

func cmdMigrate(cfg config.Config, logger *slog.Logger) error {
	conn, migrator, err := openMigrator(cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := context.Background()
	applied, err := migrator.Apply(ctx)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		color.Green("Schema up to date")
		return nil
	}
	for _, v := range applied {
		color.Green("Applied migration %d", v)
	}
	return nil
}

func cmdStatus(cfg config.Config, logger *slog.Logger) error {
	conn, migrator, err := openMigrator(cfg, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	ctx := context.Background()
	records, err := migrator.Applied(ctx)
	if err != nil {
		return err
	}
	pending, err := migrator.Pending(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Store: %s\n\n", conn.Path())

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tDESCRIPTION\tAPPLIED AT")
	for _, rec := range records {
		fmt.Fprintf(w, "%d\t%s\t%s\n",
			rec.Version, rec.Description, rec.AppliedAt.Format(time.RFC3339))
	}
	for _, mig := range pending {
		fmt.Fprintf(w, "%d\t%s\t(pending)\n", mig.Version, mig.Description)
	}
	w.Flush()

	if len(pending) > 0 {
		color.Yellow("\n%d migration(s) pending; run 'ironstore migrate'", len(pending))
	}
	return nil
}

func cmdHealth(cfg config.Config, logger *slog.Logger) error {
	svc, err := service.New(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	h := svc.HealthCheck(context.Background())
	if h.Healthy {
		color.Green("Store healthy at %s", h.StorePath)
	} else {
		color.Red("Store unhealthy at %s", h.StorePath)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "queries\t%d\n", h.Store.TotalQueries)
	fmt.Fprintf(w, "slow queries\t%d\n", h.Store.SlowQueries)
	fmt.Fprintf(w, "connection errors\t%d\n", h.Store.ConnectionErrors)
	fmt.Fprintf(w, "cache entries\t%d\n", h.Cache.Entries)
	fmt.Fprintf(w, "cache hit rate\t%.1f%%\n", h.Cache.HitRate()*100)
	fmt.Fprintf(w, "tx committed\t%d\n", h.Txn.Committed)
	fmt.Fprintf(w, "tx rolled back\t%d\n", h.Txn.RolledBack)
	w.Flush()

	if !h.Healthy {
		return errors.New("health probe failed")
	}
	return nil
}

func cmdBackup(cfg config.Config, logger *slog.Logger, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: ironstore backup <dest>")
	}

	conn, err := store.Open(store.Options{
		Path:               cfg.Store.Path,
		BusyTimeout:        cfg.Store.BusyTimeout,
		SlowQueryThreshold: cfg.Store.SlowQueryThreshold,
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	info, err := conn.Backup(context.Background(), args[0])
	if err != nil {
		return err
	}

	color.Green("Backup written to %s", info.Path)
	fmt.Printf("size: %d bytes\nsha256: %s\n", info.Size, info.Checksum)
	return nil
}

func cmdServe(cfg config.Config, logger *slog.Logger) error {
	svc, err := service.New(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	if err := svc.WarmCache(context.Background()); err != nil {
		logger.Warn("cache warmup failed", "error", err)
	}

	addr := cfg.Metrics.Addr
	if addr == "" {
		addr = "127.0.0.1:9191"
	}
	path := cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, svc.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		h := svc.HealthCheck(r.Context())
		if !h.Healthy {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	server := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics endpoint listening", "addr", addr, "path", path)
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// openMigrator opens the store and builds a migrator over the built-in set.
func openMigrator(cfg config.Config, logger *slog.Logger) (*store.Conn, *store.Migrator, error) {
	conn, err := store.Open(store.Options{
		Path:               cfg.Store.Path,
		BusyTimeout:        cfg.Store.BusyTimeout,
		SlowQueryThreshold: cfg.Store.SlowQueryThreshold,
		Logger:             logger,
	})
	if err != nil {
		return nil, nil, err
	}

	migrator, err := store.NewMigrator(conn, store.Migrations)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if err := migrator.Initialize(context.Background()); err != nil {
		conn.Close()
		return nil, nil, err
	}
	return conn, migrator, nil
}
