package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"custodian/api"
	"custodian/config"
	"custodian/intake"
	"custodian/pipeline"
	"custodian/queue"
	"custodian/util/goroutine"

	"go.uber.org/zap"
)

// reaperInterval is how often expired task leases are reclaimed.
const reaperInterval = 30 * time.Second

// App is the assembled custodian service.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger

	Storage *StorageComponents
	Queue   *queue.Queue

	Gate      *intake.Engine
	Pipeline  *pipeline.Pipeline
	Pool      *pipeline.Pool
	APIServer *api.API

	cancel    context.CancelFunc
	serviceWg sync.WaitGroup
}

// NewApp creates the application and initializes all components.
func NewApp(ctx context.Context) (*App, error) {
	app := &App{}

	logger, sugar, err := InitLogger("info")
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	app.Logger = logger
	app.Sugar = sugar

	sugar.Info("Custodian starting...")

	cfg, err := InitConfig(sugar)
	if err != nil {
		return nil, err
	}
	app.Config = cfg

	// Re-level the logger now that config is known.
	if cfg.Logging.Level != "info" {
		logger, sugar, _ = InitLogger(cfg.Logging.Level)
		app.Logger = logger
		app.Sugar = sugar
	}

	if err := EnsureDataDirectories(cfg, sugar); err != nil {
		return nil, fmt.Errorf("pre-flight check failed: %w", err)
	}

	stores, err := InitStorage(ctx, cfg, sugar)
	if err != nil {
		return nil, err
	}
	app.Storage = stores

	q, err := InitQueue(ctx, cfg, sugar)
	if err != nil {
		stores.Close()
		return nil, err
	}
	app.Queue = q

	targets, err := pipeline.LoadFieldTargets(cfg.DataPaths.IOCFieldTargetsPath)
	if err != nil {
		sugar.Errorf("Failed to load indicator field targets: %v - using built-in defaults", err)
		targets = pipeline.DefaultFieldTargets()
	}

	app.Gate = intake.NewEngine(stores.Files, cfg.DataPaths.EvidenceDir, sugar)
	app.Pipeline = pipeline.New(stores.Files, stores.Events, stores.Violations, stores.IOCs, cfg, targets, sugar)
	app.Pool = pipeline.NewPool(q, app.Pipeline, cfg, sugar)
	app.APIServer = api.NewAPI(stores.Files, stores.Violations, stores.IOCs,
		app.Gate, app.Pipeline, q, cfg, sugar)

	return app, nil
}

// Start launches the worker pool, the lease reaper and the HTTP API.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.Pool.Start(runCtx)

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		a.Queue.RunReaper(runCtx, reaperInterval, a.Pipeline)
	}()

	a.serviceWg.Add(1)
	go func() {
		defer a.serviceWg.Done()
		defer goroutine.Recover("api-server", a.Sugar)
		if err := a.APIServer.Start(); err != nil {
			a.Sugar.Errorw("API server exited", "error", err)
		}
	}()

	a.Sugar.Info("Custodian started")
	return nil
}

// WaitForShutdown blocks until SIGINT or SIGTERM.
func (a *App) WaitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	a.Sugar.Infow("Shutdown signal received", "signal", sig)
}

// Shutdown stops services in dependency order: stop accepting HTTP work,
// cancel the workers, wait for in-flight tasks to settle, then close the
// backends. Unacked tasks survive in the queue and redeliver on restart.
func (a *App) Shutdown() {
	a.Sugar.Info("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if a.APIServer != nil {
		if err := a.APIServer.Stop(shutdownCtx); err != nil {
			a.Sugar.Errorw("API shutdown failed", "error", err)
		}
	}

	if a.cancel != nil {
		a.cancel()
	}
	if a.Pool != nil {
		a.Pool.Wait()
	}
	a.serviceWg.Wait()

	if a.Queue != nil {
		_ = a.Queue.Close()
	}
	if a.Storage != nil {
		a.Storage.Close()
	}

	a.Sugar.Info("Shutdown complete")
	_ = a.Logger.Sync()
}
