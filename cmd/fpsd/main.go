// Command fpsd manages a fleet of networked fingerprint sensors: it tracks
// devices from heartbeats and broadcasts, relays their output, arbitrates
// exclusive control and moves templates between devices and disk.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/high-horse/fingerprint-fleet/internal/api"
	"github.com/high-horse/fingerprint-fleet/internal/config"
	"github.com/high-horse/fingerprint-fleet/internal/devlog"
	"github.com/high-horse/fingerprint-fleet/internal/discovery"
	"github.com/high-horse/fingerprint-fleet/internal/fleet"
	"github.com/high-horse/fingerprint-fleet/internal/ingest"
	"github.com/high-horse/fingerprint-fleet/internal/logging"
	"github.com/high-horse/fingerprint-fleet/internal/metrics"
	"github.com/high-horse/fingerprint-fleet/internal/monitor"
	"github.com/high-horse/fingerprint-fleet/internal/protocol"
	"github.com/high-horse/fingerprint-fleet/internal/store"
)

// eventBacklog is how many device log entries the operator API can read back.
const eventBacklog = 1000

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Shutdown signal received: %s", sig)
		cancel()
	}()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("fpsd: %v", err)
	}
}

func run(ctx context.Context, cfg config.Config) error {
	logger, out, err := logging.New(logging.Options{
		Dir:          cfg.Log.Dir,
		Level:        cfg.Log.Level,
		MaxAge:       cfg.Log.MaxAge,
		RotationTime: cfg.Log.RotationTime,
	})
	if err != nil {
		return err
	}
	defer out.Close()

	templates, err := store.NewFileStore(cfg.Store.TemplateDir)
	if err != nil {
		return err
	}
	catalog, err := store.OpenCatalog(cfg.Store.Catalog)
	if err != nil {
		return err
	}

	m := metrics.New()
	backlog := devlog.NewMemory(eventBacklog)
	events := devlog.Tee{devlog.NewLogger(logger), backlog}

	registry := fleet.New(m)
	client := protocol.NewClient(cfg.CommandPort, cfg.ProtocolTimeouts(), logger, m)
	pool := monitor.New(cfg.MonitorConfig(), registry, client.Target, events, logger, m)
	controller := fleet.NewController(registry, client, templates, pool, events, logger, cfg.ControllerOptions())

	status := ingest.NewServer(cfg.Ingest.Listen, cfg.Ingest.ReadTimeout, registry, events, logger, m)
	operator := api.New(api.Deps{
		Fleet:      registry,
		Controller: controller,
		Catalog:    catalog,
		Monitor:    pool,
		Events:     backlog,
		Metrics:    m,
		Threshold:  cfg.Match.Threshold,
		Log:        logger,
		AccessLog:  out,
	})

	logger.Info("fpsd starting",
		"command_port", cfg.CommandPort,
		"status", cfg.Ingest.Listen,
		"api", cfg.API.Listen,
		"discovery", cfg.Discovery.Enabled)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return status.ListenAndServe(ctx) })
	g.Go(func() error { return pool.Run(ctx) })
	g.Go(func() error { return operator.Run(ctx, cfg.API.Listen) })
	if cfg.Discovery.Enabled {
		bcast := discovery.NewListener(cfg.Discovery.Listen, registry, events, logger, m)
		g.Go(func() error { return bcast.ListenAndServe(ctx) })
	}

	err = g.Wait()
	if leased, ok := registry.Leased(); ok {
		logger.Warn("exiting with a device still in manage mode", "device", leased)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("service stopped: %w", err)
	}
	logger.Info("fpsd stopped")
	return nil
}
