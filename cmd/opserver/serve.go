package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	ophttp "github.com/Strob0t/opserver/internal/adapter/http"
	opnats "github.com/Strob0t/opserver/internal/adapter/nats"
	opotel "github.com/Strob0t/opserver/internal/adapter/otel"
	"github.com/Strob0t/opserver/internal/adapter/ristretto"
	"github.com/Strob0t/opserver/internal/adapter/simulator"
	"github.com/Strob0t/opserver/internal/adapter/ws"
	"github.com/Strob0t/opserver/internal/config"
	"github.com/Strob0t/opserver/internal/domain/session"
	"github.com/Strob0t/opserver/internal/logger"
	"github.com/Strob0t/opserver/internal/middleware"
	"github.com/Strob0t/opserver/internal/port/messagequeue"
	"github.com/Strob0t/opserver/internal/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log, closeLog := logger.New(cfg.Logging)
	defer closeLog.Close()
	slog.SetDefault(log)

	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"operations_home", cfg.Operations.Home,
		"nats", cfg.NATS.URL != "",
		"otel", cfg.OTEL.Enabled,
	)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Telemetry ---
	shutdownOtel, err := opotel.Setup(ctx, cfg.OTEL)
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownOtel(sctx); err != nil {
			slog.Error("otel shutdown", "error", err)
		}
	}()
	metrics, err := opotel.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("otel metrics: %w", err)
	}

	// --- Infrastructure ---
	closed, err := ristretto.New[*session.Session](cfg.Operations.MaxClosedSessions)
	if err != nil {
		return fmt.Errorf("closed-session cache: %w", err)
	}
	defer closed.Close()

	descriptors := service.NewDescriptors(cfg.Operations.Home)
	if cfg.Operations.Preload {
		if _, err := descriptors.Preload(); err != nil {
			slog.Warn("operation preload failed", "error", err)
		}
	}

	hub := ws.NewHub(originPattern(cfg.Server.CORSOrigin))
	defer hub.Close()

	var queue *opnats.Queue
	var mq messagequeue.Queue
	if cfg.NATS.URL != "" {
		queue, err = opnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() {
			if err := queue.Drain(); err != nil {
				slog.Error("nats drain", "error", err)
			}
		}()
		mq = queue
	}

	// --- Services ---
	events := service.NewEvents(mq, hub)
	dispatcher := service.NewDispatcher(descriptors, closed, cfg.Operations.SessionRetention,
		service.WithEvents(events),
		service.WithMetrics(metrics),
		service.WithFileRoot(cfg.Operations.FileRoot),
		service.WithSimulators(simulator.NewBackend(cfg.Breaker)),
	)

	if mq != nil {
		stopCancel, err := service.SubscribeCancel(ctx, mq, dispatcher)
		if err != nil {
			return fmt.Errorf("cancel subscriber: %w", err)
		}
		defer stopCancel()
	}

	// --- HTTP ---
	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(cfg.Rate.CleanupInterval, cfg.Rate.MaxIdleTime)
	defer stopCleanup()

	handlers := &ophttp.Handlers{
		Dispatcher: dispatcher,
		Hub:        hub,
		MaxBody:    cfg.Limits.MaxRequestBody,
	}
	if queue != nil {
		handlers.Queue = queue
	}

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(ophttp.CORS(cfg.Server.CORSOrigin))
	r.Use(ophttp.Logger)
	r.Use(opotel.HTTPMiddleware(cfg.OTEL.ServiceName))

	ophttp.MountRoutes(r, handlers, limiter.Handler, hub.HandleWS)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.Server.ReadTimeout,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Synchronous handlers only return once their sessions are cancelled,
		// so the dispatcher stops while the server drains.
		httpDone := make(chan error, 1)
		go func() { httpDone <- srv.Shutdown(shutdownCtx) }()

		var errs []error
		if err := dispatcher.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := events.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := <-httpDone; err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// originPattern turns the CORS origin into the host pattern the websocket
// handshake matches against.
func originPattern(origin string) string {
	if u, err := url.Parse(origin); err == nil && u.Host != "" {
		return u.Host
	}
	return origin
}
