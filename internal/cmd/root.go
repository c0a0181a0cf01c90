// SPDX-License-Identifier: AGPL-3.0-or-later
// Parlor - real-time chat and voice coordination server

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/parlor-chat/parlor/internal/config"
	"github.com/parlor-chat/parlor/internal/gateway"
	"github.com/parlor-chat/parlor/internal/httpapi"
	"github.com/parlor-chat/parlor/internal/identity"
	"github.com/parlor-chat/parlor/internal/membership"
	"github.com/parlor-chat/parlor/internal/metrics"
	"github.com/parlor-chat/parlor/internal/pprof"
	"github.com/parlor-chat/parlor/internal/presence"
	"github.com/parlor-chat/parlor/internal/pubsub"
	"github.com/parlor-chat/parlor/internal/sfu"
	"github.com/parlor-chat/parlor/internal/store"
	"github.com/parlor-chat/parlor/internal/textpipeline"
	"github.com/parlor-chat/parlor/internal/voice"
)

const orphanSweepInterval = 30 * time.Second
const shutdownTimeout = 10 * time.Second
const readHeaderTimeout = 5 * time.Second

func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "parlor",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:              runRoot,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	fmt.Printf("parlor - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg := config.GetConfig()

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stopSignals := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stopSignals()

	var tracerShutdown func(context.Context) error
	if cfg.Metrics.OTLPEndpoint != "" {
		tracerShutdown = initTracer(cfg)
	}

	go func() {
		if err := metrics.CreateMetricsServer(cfg); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()
	go pprof.CreatePProfServer(cfg)

	m := metrics.NewMetrics()

	st := store.NewFileStore(cfg.StorePath)
	ps, err := pubsub.MakePubSub(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to pubsub: %w", err)
	}
	defer func() {
		if err := ps.Close(); err != nil {
			logger.Error("failed to close pubsub", "error", err)
		}
	}()

	dir := identity.New(st, ps, logger)
	pres := presence.New(ps, logger)
	mem := membership.New(ps, logger)
	text := textpipeline.New(st, ps, logger)

	workers, err := sfu.NewWorkerPool(sfuWorkerCount(), sfu.PortRange{Min: uint16(cfg.RTCMinPort), Max: uint16(cfg.RTCMaxPort)}, cfg.AnnouncedIP)
	if err != nil {
		return fmt.Errorf("failed to start SFU workers: %w", err)
	}

	// voice.New needs a Dispatcher that is itself backed by the
	// Handler constructed below; gateway.New needs the Orchestrator.
	// Forward-declare the Handler and close over it rather than
	// breaking the cycle with an interface neither side truly owns.
	var handler *gateway.Handler
	orchestrator := voice.New(workers, mem, dispatcherFunc(func(connID, event string, data any) error {
		return handler.Send(connID, event, data)
	}), logger)
	handler = gateway.New(orchestrator, pres, mem, text, ps, m, logger)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if _, err := scheduler.NewJob(
		gocron.DurationJob(orphanSweepInterval),
		gocron.NewTask(func() {
			orchestrator.PruneOrphans(handler.IsConnected)
		}),
	); err != nil {
		return fmt.Errorf("failed to schedule orphan sweep: %w", err)
	}
	scheduler.Start()

	mux := http.NewServeMux()
	mux.Handle("/ws", handler)
	mux.Handle("/", httpapi.NewRouter(dir, st, logger))

	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.HTTPPort),
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	srv.SetKeepAlivesEnabled(true)

	// Mirrors the teacher's Server.Start: the listener runs inside an
	// errgroup so a clean Shutdown's resulting ErrServerClosed collapses
	// to nil instead of surfacing as a startup failure.
	g := new(errgroup.Group)
	g.Go(func() error {
		logger.Info("listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})

	<-ctx.Done()
	logger.Warn("shutting down due to signal")

	if err := shutdown(srv, scheduler, tracerShutdown, logger); err != nil {
		return err
	}
	return g.Wait()
}

// shutdown drains the HTTP server, the scheduler, and the tracer in
// parallel, mirroring the teacher's WaitGroup-drain pattern in
// cmd/root.go. os/signal.NotifyContext replaces the teacher's
// ztrue/shutdown dependency (see DESIGN.md) but the drain shape is
// the same.
func shutdown(srv *http.Server, scheduler gocron.Scheduler, tracerShutdown func(context.Context) error, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("failed to shut down HTTP server", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := scheduler.Shutdown(); err != nil {
			logger.Error("failed to stop scheduler", "error", err)
		}
	}()

	if tracerShutdown != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := tracerShutdown(ctx); err != nil {
				logger.Error("failed to shut down tracer", "error", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
		return nil
	case <-time.After(shutdownTimeout):
		logger.Error("shutdown timed out")
		return fmt.Errorf("shutdown timed out")
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	out := os.Stdout
	switch cfg.LogLevel {
	case config.LogLevelDebug:
		level = slog.LevelDebug
	case config.LogLevelWarn:
		level = slog.LevelWarn
		out = os.Stderr
	case config.LogLevelError:
		level = slog.LevelError
		out = os.Stderr
	case config.LogLevelInfo:
	}
	return slog.New(tint.NewHandler(out, &tint.Options{Level: level}))
}

// sfuWorkerCount sizes the Worker pool to the available CPUs, the
// same one-worker-per-core default the teacher's hub connection pools
// use (internal/dmr/hub's connsPerCPU-derived sizing).
func sfuWorkerCount() int {
	n := runtime.NumCPU()
	if n < 1 {
		return 1
	}
	return n
}

// dispatcherFunc adapts a function literal to voice.Dispatcher, the
// same closure-adapter used in internal/gateway's tests to resolve the
// Orchestrator/Handler construction cycle.
type dispatcherFunc func(connID, event string, data any) error

func (f dispatcherFunc) Send(connID, event string, data any) error { return f(connID, event, data) }

func initTracer(cfg *config.Config) func(context.Context) error {
	exporter, err := otlptrace.New(
		context.Background(),
		otlptracegrpc.NewClient(
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithEndpoint(cfg.Metrics.OTLPEndpoint),
		),
	)
	if err != nil {
		slog.Error("failed to create tracing exporter", "error", err)
		return func(context.Context) error { return nil }
	}
	resources, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", "parlor"),
			attribute.String("library.language", "go"),
		),
	)
	if err != nil {
		slog.Error("could not set tracer resources", "error", err)
	}

	otel.SetTracerProvider(
		sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(resources),
		),
	)
	return exporter.Shutdown
}
