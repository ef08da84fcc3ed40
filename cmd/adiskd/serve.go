package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/opendiamond/adiskd/internal/cache"
	"github.com/opendiamond/adiskd/internal/config"
	"github.com/opendiamond/adiskd/internal/executor"
	"github.com/opendiamond/adiskd/internal/filtertable"
	"github.com/opendiamond/adiskd/internal/logging"
	"github.com/opendiamond/adiskd/internal/objectdisk"
	"github.com/opendiamond/adiskd/internal/stats"
)

// ServeCmd starts the daemon: it opens the cache DB, builds the object
// disk pipeline (C6) ready to accept connections from the wire-protocol
// layer, exposes a Prometheus /metrics endpoint, and blocks until it
// receives SIGINT/SIGTERM or the metrics listener fails.
type ServeCmd struct {
	ConfigFile string `short:"c" help:"Path to the YAML config file." type:"path"`
}

func (c *ServeCmd) Run() error {
	cfg := config.DefaultConfig()
	if c.ConfigFile != "" {
		loaded, err := config.LoadConfig(c.ConfigFile)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	if errs := config.ValidateConfig(cfg); len(errs) > 0 {
		return fmt.Errorf("invalid config: %v", errs[0])
	}

	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})
	defer log.Sync() //nolint:errcheck

	d, err := newDaemon(cfg, c.ConfigFile, log)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return d.Run(ctx)
}

// daemon holds every long-lived component serve wires together. A wire
// protocol handler (out of scope, spec.md §1 Non-goals) would hold this and
// construct one internal/search.Worker per accepted connection, sharing
// cacheDB and hooks across all of them the way the teacher's LDAPServer
// shares its storage engine across connections.
type daemon struct {
	cfg     *config.Config
	log     *zap.SugaredLogger
	cacheDB *cache.DB
	hooks   *executor.Hooks
	disk    *objectdisk.Disk

	mgr *config.ConfigManager

	registry   *prometheus.Registry
	metricsSrv *http.Server
}

// RegisterSearch exposes one active search's counters and filter table as
// adiskd_* gauges on the daemon's /metrics endpoint (C12). The returned
// unregister func must be called when the search ends — the wire-protocol
// layer (out of scope, spec.md §1 Non-goals) is expected to call it once
// per accepted connection's internal/search.Worker, keyed by a unique
// searchID so concurrent searches don't collide on their constant label.
func (d *daemon) RegisterSearch(searchID string, counters *stats.Counters, table *filtertable.Table) (unregister func(), err error) {
	exp := stats.NewExporter(searchID, counters, table)
	if err := d.registry.Register(exp); err != nil {
		return nil, fmt.Errorf("register search %s: %w", searchID, err)
	}
	return func() { d.registry.Unregister(exp) }, nil
}

func newDaemon(cfg *config.Config, configFile string, log *zap.SugaredLogger) (*daemon, error) {
	db, err := cache.Open(cfg.Cache.Dir, log)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}

	hooks := executor.NewHooks(db)
	disk := objectdisk.Init(cfg.Retriever.BaseURI, hooks, log)

	d := &daemon{
		cfg:     cfg,
		log:     log,
		cacheDB: db,
		hooks:   hooks,
		disk:    disk,
	}

	d.mgr = config.NewConfigManager(cfg, configFile)
	d.mgr.SetOnUpdate(func(_, newCfg *config.Config) {
		log.Infow("config reloaded", "level", newCfg.Logging.Level)
	})

	d.registry = prometheus.NewRegistry()

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{}))
		d.metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
	}

	return d, nil
}

// Run blocks until ctx is cancelled, serving metrics in the background.
func (d *daemon) Run(ctx context.Context) error {
	if d.mgr.GetConfigFile() != "" {
		if err := d.mgr.StartWatching(0, 0); err != nil {
			d.log.Warnw("config watch not started", "error", err)
		}
	}

	errCh := make(chan error, 1)
	if d.metricsSrv != nil {
		go func() {
			d.log.Infow("metrics listening", "address", d.metricsSrv.Addr)
			if err := d.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()
	}

	select {
	case <-ctx.Done():
		d.log.Info("shutting down")
	case err := <-errCh:
		return err
	}

	if d.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.metricsSrv.Shutdown(shutdownCtx); err != nil {
			d.log.Warnw("metrics server shutdown error", "error", err)
		}
	}

	return nil
}

func (d *daemon) Close() {
	d.mgr.StopWatching()
	d.cacheDB.Close() //nolint:errcheck
}
