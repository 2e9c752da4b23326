package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/EpicMandM/lab-session-manager/internal/audit"
	"github.com/EpicMandM/lab-session-manager/internal/config"
	"github.com/EpicMandM/lab-session-manager/internal/containers"
	"github.com/EpicMandM/lab-session-manager/internal/credentials"
	"github.com/EpicMandM/lab-session-manager/internal/handler"
	"github.com/EpicMandM/lab-session-manager/internal/labs"
	"github.com/EpicMandM/lab-session-manager/internal/ledger"
	"github.com/EpicMandM/lab-session-manager/internal/logger"
	"github.com/EpicMandM/lab-session-manager/internal/orchestrator"
	"github.com/EpicMandM/lab-session-manager/internal/probe"
	"github.com/EpicMandM/lab-session-manager/internal/store"
	"github.com/EpicMandM/lab-session-manager/internal/teardown"
	"k8s.io/utils/clock"
)

const shutdownTimeout = 30 * time.Second

// Runtime is the container engine with its connection lifecycle.
type Runtime interface {
	containers.Runtime
	Ping(ctx context.Context) error
	Close() error
}

type App struct {
	config *config.Config
	logger *logger.Logger
	clock  clock.WithTicker

	labs      *labs.Registry
	store     *store.SQLStore
	runtime   Runtime
	scheduler *teardown.Scheduler
	handler   *handler.APIHandler
}

func New(cfg *config.Config, log *logger.Logger) *App {
	if log == nil {
		log = logger.Discard()
	}
	return &App{
		config: cfg,
		logger: log,
		clock:  clock.RealClock{},
	}
}

// Initialize connects to the Docker daemon and wires every component.
func (a *App) Initialize(ctx context.Context) error {
	docker, err := containers.NewDocker(a.logger)
	if err != nil {
		return err
	}
	if err := docker.Ping(ctx); err != nil {
		_ = docker.Close()
		return fmt.Errorf("failed to connect to docker: %w", err)
	}
	if err := a.initialize(ctx, docker); err != nil {
		_ = docker.Close()
		return err
	}
	a.logger.Info("Connected to docker", logger.Status("ready"))
	return nil
}

func (a *App) initialize(_ context.Context, rt Runtime) error {
	f, err := labs.ReadFile(a.config.LabConfigPath)
	if err != nil {
		return err
	}
	if a.config.ServerName != "" {
		f.ServerName = a.config.ServerName
	}
	registry, err := labs.New(f)
	if err != nil {
		return fmt.Errorf("invalid lab config %s: %w", a.config.LabConfigPath, err)
	}

	hooks := credentials.NewRegistry(rt)
	if err := hooks.Require(hookNames(registry)...); err != nil {
		return err
	}

	auditLog, err := audit.NewWriter(a.config.AuditLogDir)
	if err != nil {
		return err
	}

	st, err := store.Open(a.config.DatabaseDriver, a.config.DatabaseURL)
	if err != nil {
		return fmt.Errorf("failed to open booking store: %w", err)
	}

	scheduler := teardown.New(rt, st, auditLog, registry, a.logger, teardown.Options{
		Margin:   a.config.TeardownMargin,
		Interval: a.config.ReconcileInterval,
		Clock:    a.clock,
	})

	bookings := ledger.New(st, registry, a.logger)
	orch := &orchestrator.Orchestrator{
		Logger:     a.logger,
		Labs:       registry,
		Bookings:   bookings,
		Runtime:    rt,
		Hooks:      hooks,
		Teardown:   scheduler,
		PublicHost: a.config.PublicHost,
		Cutoff:     scheduler.Margin(),
	}
	if a.config.ProbeEnabled {
		orch.Prober = probe.New(a.config.ProbeInterval, a.config.ProbeTimeout)
	}

	a.labs = registry
	a.store = st
	a.runtime = rt
	a.scheduler = scheduler
	a.handler = handler.NewAPIHandler(registry, bookings, orch, st, a.logger, handler.Options{
		RateLimitPerMinute: a.config.RateLimitPerMinute,
		Now:                a.clock.Now,
	})

	a.logger.Info("Application initialized",
		logger.Count(len(registry.All())),
		logger.F("DATABASE", a.config.DatabaseDriver),
		logger.F("SERVER_NAME", registry.ServerName()),
	)
	return nil
}

// hookNames lists every credential hook the lab definitions refer to.
func hookNames(registry *labs.Registry) []string {
	var names []string
	for _, def := range registry.All() {
		names = append(names, def.CredentialHook)
		for _, aux := range def.Auxiliary {
			names = append(names, aux.CredentialHook)
		}
	}
	return names
}

// Handler returns the HTTP API.
func (a *App) Handler() http.Handler {
	if a.handler == nil {
		return nil
	}
	return a.handler.Routes()
}

// startBackground adopts teardowns left behind by a previous process and
// starts the reconciliation loop.
func (a *App) startBackground(ctx context.Context) {
	n, err := a.scheduler.Recover(ctx)
	if err != nil {
		a.logger.Error("Failed to recover scheduled stops", logger.Error(err))
	} else {
		a.logger.Info("Scheduled stops recovered", logger.Count(n))
	}
	go a.scheduler.Run(ctx)
}

// Run serves the API until ctx is cancelled, then shuts the server down.
func (a *App) Run(ctx context.Context) error {
	if a.handler == nil {
		return fmt.Errorf("app not initialized")
	}
	a.startBackground(ctx)

	srv := &http.Server{
		Addr:              a.config.ListenAddr,
		Handler:           a.handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Enter waits for the lab to come up.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", logger.F("ADDR", a.config.ListenAddr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close stops pending teardown timers and releases the store and the
// container engine. Running sessions keep running; their scheduled stops
// are picked up on the next start.
func (a *App) Close(_ context.Context) error {
	if a.scheduler != nil {
		a.scheduler.Close()
	}
	var errs []error
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
	}
	if a.runtime != nil {
		if err := a.runtime.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close docker client: %w", err))
		}
	}
	return errors.Join(errs...)
}
