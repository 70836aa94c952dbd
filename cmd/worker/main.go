// Command worker consumes the class queues and executes job bodies under the
// lifecycle harness.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cncaiprojem/jobcore/internal/adapter/broker/rabbit"
	"github.com/cncaiprojem/jobcore/internal/adapter/cache/redisflags"
	"github.com/cncaiprojem/jobcore/internal/adapter/observability"
	"github.com/cncaiprojem/jobcore/internal/adapter/repo/postgres"
	"github.com/cncaiprojem/jobcore/internal/config"
	"github.com/cncaiprojem/jobcore/internal/domain"
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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

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
	cancelSvc := usecase.CancelService{
		Store: jobRepo, Flags: flags, Events: events, FlagTTL: cfg.CancelFlagTTL,
	}
	progressSvc := usecase.ProgressService{
		Store: jobRepo, Flags: flags, Events: events,
		ThrottleWindow: cfg.ProgressThrottle,
		CoalesceTTL:    cfg.CoalesceTTL,
	}
	dispatch := usecase.Dispatcher{
		Store: jobRepo, Broker: publisher, Events: events,
		Policies: policies, MaxBytes: cfg.MaxMessageBytes,
	}
	dlq := &usecase.DLQHandler{
		Store: jobRepo, Broker: publisher, Events: events,
		Cancel: cancelSvc, Dispatcher: dispatch, Policies: policies,
	}

	harness := &usecase.Harness{
		Store:    jobRepo,
		Cancel:   cancelSvc,
		Progress: progressSvc,
		DLQ:      dlq,
		Policies: policies,
		Bodies:   registerBodies(cfg.Classes),
	}

	// Metrics endpoint for the worker process.
	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           metricsMux(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("worker metrics listening", slog.Int("port", cfg.MetricsPort))
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	var wg sync.WaitGroup
	for _, class := range cfg.Classes {
		class := class
		consumer := rabbit.NewConsumer(broker, class, cfg.Prefetch)
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := consumer.Consume(ctx, func(ctx context.Context, del rabbit.Delivery) {
				harness.Process(ctx, del.Envelope, del)
			})
			if err != nil && ctx.Err() == nil {
				slog.Error("consumer exited", slog.String("class", class), slog.Any("error", err))
			}
		}()
	}
	slog.Info("worker started", slog.Any("classes", cfg.Classes), slog.Int("prefetch", cfg.Prefetch))

	<-ctx.Done()
	slog.Info("worker shutting down")
	wg.Wait()
	dlq.Drain()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	return mux
}

// registerBodies wires the execution bodies per class. The core ships a
// passthrough body; deployments replace entries here with their real
// per-class implementations.
func registerBodies(classes []string) map[string]usecase.Body {
	bodies := make(map[string]usecase.Body, len(classes))
	for _, class := range classes {
		bodies[class] = passthroughBody
	}
	return bodies
}

// passthroughBody acknowledges the payload in steps with cooperative cancel
// checks, returning the input wrapped as the output document.
func passthroughBody(ctx domain.Context, job domain.Job, tools usecase.Tools) (json.RawMessage, error) {
	if err := tools.Check(ctx); err != nil {
		return nil, err
	}
	if err := tools.Report(ctx, 10, "accepted", ""); err != nil {
		return nil, err
	}
	if err := tools.Check(ctx); err != nil {
		return nil, err
	}
	out, err := json.Marshal(map[string]any{
		"class":        job.Class,
		"input":        json.RawMessage(job.Input),
		"processed_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, domain.WithKind(domain.KindNonRetryable, err)
	}
	if err := tools.Report(ctx, 100, "done", ""); err != nil {
		return nil, err
	}
	return out, nil
}
