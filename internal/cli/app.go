package cli

// ============================================================================
// Wiring
// Responsibility: build every component from a validated Config and release
// them in reverse order on Close
// ============================================================================

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"google.golang.org/grpc"

	"github.com/ChuLiYu/fleetsync/internal/audit"
	"github.com/ChuLiYu/fleetsync/internal/authority"
	"github.com/ChuLiYu/fleetsync/internal/budget"
	"github.com/ChuLiYu/fleetsync/internal/config"
	"github.com/ChuLiYu/fleetsync/internal/conflict"
	"github.com/ChuLiYu/fleetsync/internal/fleet"
	"github.com/ChuLiYu/fleetsync/internal/health"
	"github.com/ChuLiYu/fleetsync/internal/mapping"
	"github.com/ChuLiYu/fleetsync/internal/metrics"
	"github.com/ChuLiYu/fleetsync/internal/orchestrator"
	"github.com/ChuLiYu/fleetsync/internal/server"
	"github.com/ChuLiYu/fleetsync/internal/statestore"
	"github.com/ChuLiYu/fleetsync/internal/syncpass"
	"github.com/ChuLiYu/fleetsync/internal/telemetry"
)

// Overrides replaces config-selected collaborators. The demo uses it to
// inject seeded in-memory systems.
type Overrides struct {
	Authority authority.Client
	Fleet     fleet.Client
	Registry  *prometheus.Registry
}

// App is the fully wired sync engine
type App struct {
	Config       config.Config
	Orchestrator *orchestrator.Orchestrator
	Admin        *server.Server
	Registry     *prometheus.Registry
	Authority    authority.Client
	Fleet        fleet.Client

	closers []func() error
}

// Build wires the components described by cfg. cfg must already be valid.
func Build(ctx context.Context, cfg config.Config, ov Overrides) (_ *App, err error) {
	app := &App{Config: cfg}
	defer func() {
		if err != nil {
			_ = app.Close()
		}
	}()

	// Telemetry
	shutdown, err := telemetry.Init(ctx, cfg.Telemetry, Version)
	if err != nil {
		return nil, err
	}
	app.onClose(func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdown(sctx)
	})

	// Authority
	var dbPinger health.Pinger
	switch {
	case ov.Authority != nil:
		app.Authority = ov.Authority
	case cfg.Authority.Type == config.BackendPostgres:
		pg, err := authority.NewPGStore(ctx, cfg.Authority.DSN)
		if err != nil {
			return nil, err
		}
		app.onClose(func() error { pg.Close(); return nil })
		pg.SetRetry(cfg.Authority.Retries, cfg.Authority.RetryBaseDelay)
		if err := pg.Migrate(ctx); err != nil {
			return nil, err
		}
		app.Authority = pg
		dbPinger = pg.Pool()
	default:
		app.Authority = authority.NewStore()
	}
	if dbPinger == nil {
		dbPinger = app.Authority
	}

	// Fleet
	var fleetConn grpc.ClientConnInterface
	switch {
	case ov.Fleet != nil:
		app.Fleet = ov.Fleet
	case cfg.Fleet.Type == config.BackendGRPC:
		conn, err := fleet.Dial(cfg.Fleet.Address)
		if err != nil {
			return nil, err
		}
		app.onClose(conn.Close)
		fleetConn = conn
		app.Fleet = fleet.NewGRPCClient(conn)
	default:
		app.Fleet = fleet.NewFleet()
	}

	// Mapping
	reg, err := cfg.Registry()
	if err != nil {
		return nil, fmt.Errorf("cli: transforms: %w", err)
	}
	table, err := cfg.Table()
	if err != nil {
		return nil, fmt.Errorf("cli: mappings: %w", err)
	}
	policies, err := cfg.Policies()
	if err != nil {
		return nil, fmt.Errorf("cli: conflict policies: %w", err)
	}
	mapper := mapping.NewMapper(reg)

	// Audit
	fileSink, err := audit.OpenFile(cfg.Audit.Path, cfg.Audit.Sync)
	if err != nil {
		return nil, err
	}
	sinks := audit.Multi{fileSink}
	if cfg.Audit.SQLitePath != "" {
		sqlSink, err := audit.OpenSQLite(ctx, cfg.Audit.SQLitePath)
		if err != nil {
			_ = fileSink.Close()
			return nil, err
		}
		sinks = append(sinks, sqlSink)
	}
	app.onClose(sinks.Close)

	// Health
	monitor, err := health.Build(ctx, cfg.HealthChecks, health.Deps{
		HTTPClient: &http.Client{},
		Database:   dbPinger,
		Fleet:      app.Fleet,
		FleetConn:  fleetConn,
	})
	if err != nil {
		return nil, err
	}
	app.onClose(monitor.Close)

	// Metrics
	app.Registry = ov.Registry
	if app.Registry == nil {
		app.Registry = prometheus.NewRegistry()
		app.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	collector := metrics.NewCollector(app.Registry)
	recorder := metrics.NewRecorder(cfg.Metrics.BufferSize, cfg.Metrics.AnomalyWindow)

	guard := budget.NewGuard(cfg.BudgetConfig(), budget.WithAlert(func(day string, cumulative, limit float64) {
		slog.Warn("Budget alert threshold crossed",
			"day", day,
			"cumulative", cumulative,
			"limit", limit,
			"threshold_percent", cfg.Budget.AlertThresholdPercent)
	}))

	syncCfg := cfg.SyncConfig()
	orch, err := orchestrator.New(cfg.OrchestratorConfig(), orchestrator.Deps{
		Health:     monitor,
		Budget:     guard,
		Downstream: syncpass.NewDownstream(app.Authority, app.Fleet, table, mapper, syncCfg),
		Upstream:   syncpass.NewUpstream(app.Authority, app.Fleet, table, mapper, syncCfg),
		Resolver:   conflict.NewResolver(policies, table, app.Authority, app.Fleet, sinks,
			conflict.WithCallTimeout(cfg.Sync.CallTimeout), conflict.WithTransforms(reg)),
		Recorder:   recorder,
		Collector:  collector,
		Audit:      sinks,
		Store:      statestore.New(cfg.State.Path),
	})
	if err != nil {
		return nil, err
	}
	app.Orchestrator = orch
	app.Admin = server.New(orch, app.Registry)
	return app, nil
}

func (a *App) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// Close releases resources in reverse construction order
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Serve runs the orchestrator loop plus the configured admin listeners until
// the loop ends or ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errc := make(chan error, 2)
	listeners := 0
	if addr := a.Config.Admin.Addr; addr != "" {
		listeners++
		go func() { errc <- a.stopOnError(a.Admin.ServeHTTP(ctx, addr)) }()
	}
	if addr := a.Config.Admin.GRPCAddr; addr != "" {
		listeners++
		go func() { errc <- a.stopOnError(a.Admin.ServeGRPC(ctx, addr)) }()
	}

	runErr := a.Orchestrator.Run(ctx)
	cancel()

	var errs []error
	if runErr != nil {
		errs = append(errs, runErr)
	}
	for range listeners {
		if err := <-errc; err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// stopOnError stops the loop when an admin listener fails
func (a *App) stopOnError(err error) error {
	if err != nil {
		slog.Error("Admin listener failed", "error", err)
		_ = a.Orchestrator.Stop()
	}
	return err
}
