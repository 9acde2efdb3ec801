// Package app wires the pieces into a running daemon: catalog, process
// launcher, manager, dispatcher, gateway, and the observability listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"toolbridge/internal/domain"
	"toolbridge/internal/infra/catalog"
	"toolbridge/internal/infra/dispatch"
	"toolbridge/internal/infra/gateway"
	"toolbridge/internal/infra/manager"
	"toolbridge/internal/infra/process"
	"toolbridge/internal/infra/telemetry"
)

type App struct {
	logger *zap.Logger
}

type ServeConfig struct {
	ConfigPath string
}

type ValidateConfig struct {
	ConfigPath string
}

func New(logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		logger: logger.Named("app"),
	}
}

// Serve runs the bridge until the context is canceled, then drains in-flight
// HTTP requests and stops every tool process.
func (a *App) Serve(ctx context.Context, cfg ServeConfig) error {
	loader := catalog.NewLoader(a.logger)
	cat, err := loader.Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}

	a.logger.Info("configuration loaded",
		zap.String("config", cfg.ConfigPath),
		zap.Int("tools", len(cat.Tools)),
	)

	registry := prometheus.NewRegistry()
	metrics := telemetry.NewPrometheusMetrics(registry)

	launcher := process.NewLauncher(a.logger)
	mgr := manager.New(launcher, cat.Tools, manager.Options{
		Logger:         a.logger,
		Metrics:        metrics,
		TerminateGrace: cat.Runtime.TerminateGrace(),
	})
	dispatcher := dispatch.New(mgr, dispatch.Options{
		Logger:  a.logger,
		Metrics: metrics,
	})
	gw := gateway.New(dispatcher, sortedDescriptors(cat.Tools), gateway.Options{
		Logger: a.logger,
	})

	server := &http.Server{
		Addr:    cat.Runtime.ListenAddress,
		Handler: gw,
	}

	// Errors are only sent when fatal; a clean return stays silent so the
	// select below keeps waiting on the context.
	fatal := make(chan error, 2)

	go func() {
		opts := telemetry.HTTPServerOptions{
			Addr:          cat.Runtime.Observability.ListenAddress,
			EnableMetrics: cat.Runtime.Observability.EnableMetrics,
			EnableHealthz: cat.Runtime.Observability.EnableHealthz,
			Registry:      registry,
		}
		if err := telemetry.StartHTTPServer(ctx, opts, a.logger); err != nil {
			fatal <- fmt.Errorf("observability server: %w", err)
		}
	}()

	go func() {
		a.logger.Info("gateway listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal <- fmt.Errorf("gateway server: %w", err)
		}
	}()

	var runErr error
	select {
	case runErr = <-fatal:
	case <-ctx.Done():
	}

	a.logger.Info("shutting down", telemetry.EventField(telemetry.EventShutdown))

	drainCtx, cancel := context.WithTimeout(context.Background(), cat.Runtime.ShutdownGrace())
	defer cancel()
	if err := server.Shutdown(drainCtx); err != nil {
		a.logger.Warn("gateway drain incomplete", zap.Error(err))
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), cat.Runtime.ShutdownGrace()+cat.Runtime.TerminateGrace())
	defer cancelStop()
	if err := mgr.Shutdown(stopCtx); err != nil {
		a.logger.Warn("tool processes did not stop in time", zap.Error(err))
	}

	return runErr
}

// ValidateConfig loads and validates the catalog without starting anything.
func (a *App) ValidateConfig(ctx context.Context, cfg ValidateConfig) error {
	loader := catalog.NewLoader(a.logger)
	cat, err := loader.Load(ctx, cfg.ConfigPath)
	if err != nil {
		return err
	}

	for _, descriptor := range sortedDescriptors(cat.Tools) {
		a.logger.Info("tool validated",
			telemetry.ToolField(descriptor.Name),
			zap.String(telemetry.FieldEndpoint, "/"+descriptor.Endpoint),
			zap.Strings("cmd", descriptor.Cmd),
			zap.Bool("schema", descriptor.ResolvedInput != nil),
		)
	}
	a.logger.Info("configuration valid",
		zap.String("config", cfg.ConfigPath),
		zap.Int("tools", len(cat.Tools)),
	)
	return nil
}

func sortedDescriptors(tools map[string]domain.ToolDescriptor) []domain.ToolDescriptor {
	out := make([]domain.ToolDescriptor, 0, len(tools))
	for _, descriptor := range tools {
		out = append(out, descriptor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
