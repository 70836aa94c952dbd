// Command server starts the job dispatch HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cncaiprojem/jobcore/internal/adapter/broker/rabbit"
	"github.com/cncaiprojem/jobcore/internal/adapter/cache/redisflags"
	httpserver "github.com/cncaiprojem/jobcore/internal/adapter/httpserver"
	"github.com/cncaiprojem/jobcore/internal/adapter/observability"
	"github.com/cncaiprojem/jobcore/internal/adapter/repo/postgres"
	"github.com/cncaiprojem/jobcore/internal/app"
	"github.com/cncaiprojem/jobcore/internal/config"
	"github.com/cncaiprojem/jobcore/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	policies, err := cfg.Policies()
	if err != nil {
		slog.Error("policy table load failed", slog.Any("error", err))
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	jobRepo := postgres.NewJobRepo(pool)

	flags, err := redisflags.NewFromURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = flags.Close() }()

	broker, err := rabbit.Dial(ctx, rabbit.Config{
		URL:            cfg.BrokerURL,
		Heartbeat:      cfg.BrokerHeartbeat,
		ConnectRetries: cfg.BrokerConnectRetries,
	})
	if err != nil {
		slog.Error("broker connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = broker.Close() }()

	// Topology declaration is idempotent; server and worker both run it so
	// either process can start first.
	topoCh, err := broker.Channel(ctx)
	if err != nil {
		slog.Error("broker channel failed", slog.Any("error", err))
		os.Exit(1)
	}
	topo := rabbit.Topology{
		Classes:       cfg.Classes,
		Policies:      policies,
		MaxBytes:      cfg.MaxMessageBytes,
		DLQMessageTTL: cfg.DLQMessageTTL,
		DLQMaxLength:  cfg.DLQMaxLength,
	}
	if err := topo.Declare(ctx, topoCh); err != nil {
		slog.Error("topology declaration failed", slog.Any("error", err))
		os.Exit(1)
	}
	_ = topoCh.Close()

	publisher := rabbit.NewPublisher(broker, cfg.PublishTimeout, cfg.PublishRetries)
	defer func() { _ = publisher.Close() }()

	events := usecase.NewEventService(publisher, flags, cfg.EventDedupTTL)
	dispatch := usecase.Dispatcher{
		Store:    jobRepo,
		Broker:   publisher,
		Events:   events,
		Policies: policies,
		MaxBytes: cfg.MaxMessageBytes,
	}
	cancelSvc := usecase.CancelService{
		Store: jobRepo, Flags: flags, Events: events, FlagTTL: cfg.CancelFlagTTL,
	}
	progressSvc := usecase.ProgressService{
		Store: jobRepo, Flags: flags, Events: events,
		ThrottleWindow: cfg.ProgressThrottle,
		CoalesceTTL:    cfg.CoalesceTTL,
	}
	dlq := &usecase.DLQHandler{
		Store: jobRepo, Broker: publisher, Events: events,
		Cancel: cancelSvc, Dispatcher: dispatch, Policies: policies,
	}

	// Stuck-job sweeper repairs records whose worker died mid-run.
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweeper := app.NewStuckJobSweeper(jobRepo, progressSvc, policies, cfg.SweepGrace, cfg.SweepInterval)
	go sweeper.Run(sweepCtx)

	schedules, err := cfg.ParsedSchedules()
	if err != nil {
		slog.Error("schedule parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	scheduler, err := app.NewScheduler(dispatch, schedules)
	if err != nil {
		slog.Error("scheduler build failed", slog.Any("error", err))
		os.Exit(1)
	}
	go scheduler.Run(sweepCtx)

	srv := httpserver.NewServer(cfg, dispatch, cancelSvc, progressSvc, dlq, jobRepo,
		func(ctx context.Context) error { return pool.Ping(ctx) },
		flags.Ping,
		broker.Ping,
	)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	dlq.Drain()
}
