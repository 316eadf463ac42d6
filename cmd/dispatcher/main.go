package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/nsqio/go-nsq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"google.golang.org/grpc"
	grpc_health "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/pagehook/internal/api"
	"github.com/austindbirch/pagehook/internal/config"
	"github.com/austindbirch/pagehook/internal/delivery"
	"github.com/austindbirch/pagehook/internal/deliverylog"
	"github.com/austindbirch/pagehook/internal/dispatch"
	"github.com/austindbirch/pagehook/internal/health"
	"github.com/austindbirch/pagehook/internal/ingest"
	"github.com/austindbirch/pagehook/internal/logging"
	"github.com/austindbirch/pagehook/internal/metrics"
	"github.com/austindbirch/pagehook/internal/registry"
	"github.com/austindbirch/pagehook/internal/retry"
	"github.com/austindbirch/pagehook/internal/tracing"
)

const (
	serviceName       = "pagehook-dispatcher"
	grpcHealthService = "pagehook.Dispatcher"
	shutdownTimeout   = 20 * time.Second
)

func main() {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	logger := logging.New(serviceName)
	logging.SetDefaultService(serviceName)

	shutdownTracing, err := tracing.InitTracing(ctx, serviceName)
	if err != nil {
		logger.Plain().WithError(err).Fatal("Failed to initialize tracing")
	}
	defer shutdownTracing()

	stores, err := openStores(ctx, cfg, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("store setup failed")
	}
	defer stores.Close()

	// Prom metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)

	// DLQ producer
	var dlq *delivery.DLQ
	if cfg.NSQ.PublishDLQ {
		producer, err := nsq.NewProducer(cfg.NSQ.NsqdTCPAddr, nsq.NewConfig())
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer producer.Stop()
		dlq = delivery.NewDLQ(producer, cfg.NSQ.DLQTopic, logger)
	}

	// Domain wiring
	subs := registry.New(stores.Main, logger)
	deliveryLog := deliverylog.New(stores.Log, stores.Emergency, cfg.Delivery.LogCap, logger)
	scheduler := retry.NewScheduler(stores.Main, retry.Config{
		MaxAttempts:   cfg.Retry.MaxAttempts,
		Backoff:       cfg.Retry.BackoffSchedule,
		JitterPercent: cfg.Retry.JitterPercent,
	}, logger)
	pipeline := retry.NewPipeline(delivery.NewEngine(cfg.Delivery.Timeout, logger), deliveryLog, scheduler, dlq, logger)
	dispatcher := dispatch.New(subs, pipeline, logger)

	workers := retry.NewWorkers(ctx, retry.Deps{
		Pipeline:     pipeline,
		Subscribers:  subs,
		PollInterval: cfg.Retry.PollInterval,
		Logger:       logger,
	})
	for _, ws := range cfg.Retry.WorkspaceIDs {
		if _, err := workers.Ensure(ws); err != nil {
			logger.Plain().WithWorkspace(ws).WithError(err).Error("retry worker failed to start")
		}
	}

	validator, err := buildValidator(ctx, cfg.Auth)
	if err != nil {
		logger.Plain().WithError(err).Fatal("auth setup failed")
	}

	// gRPC health
	grpcOpts := []grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}
	if validator != nil {
		grpcOpts = append(grpcOpts, grpc.ChainUnaryInterceptor(validator.GRPCInterceptor()))
	}
	grpcSrv := grpc.NewServer(grpcOpts...)
	hs := grpc_health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, hs)
	go health.Watch(ctx, stores.Main, hs, grpcHealthService, 10*time.Second, logger)

	lis, err := net.Listen("tcp", cfg.GRPCPort)
	if err != nil {
		logger.Plain().WithError(err).Fatal("gRPC listen failed")
	}
	go func() {
		logger.Plain().WithField("addr", cfg.GRPCPort).Info("gRPC health listening")
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Plain().WithError(err).Fatal("gRPC serve failed")
		}
	}()

	// HTTP: admin API, health, metrics
	router := api.NewRouter(api.Deps{
		Registry:   subs,
		Dispatcher: dispatcher,
		Log:        deliveryLog,
		Queue:      scheduler,
		Workers:    workers,
		Validator:  validator,
		Logger:     logger,
	}, map[string]http.Handler{
		"/healthz": health.HTTPHandler(stores.Main),
		"/metrics": promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPPort,
		Handler:           otelhttp.NewHandler(router, "admin"),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("dispatcher HTTP server starting")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Plain().WithError(err).Fatal("dispatcher HTTP server failed")
		}
	}()

	// NSQ consumer
	handler := ingest.NewHandler(dispatcher, workers, logger)
	consumer, err := ingest.NewConsumer(cfg.NSQ.EventsTopic, cfg.NSQ.Channel, handler, cfg.NSQ.Concurrency, logger)
	if err != nil {
		logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
	}
	if err := consumer.Connect(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.LookupHTTPAddr); err != nil {
		logger.Plain().WithError(err).Fatal("connect to nsq failed")
	}
	if cfg.NSQ.BacklogInterval > 0 && cfg.NSQ.NsqdHTTPAddr != "" {
		go ingest.NewBacklog(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.EventsTopic, cfg.NSQ.Channel, logger).Run(ctx, cfg.NSQ.BacklogInterval)
	}

	logger.Plain().WithFields(map[string]any{
		"store_tiers": stores.Main.Tiers(),
		"workspaces":  workers.Workspaces(),
		"auth":        validator != nil,
	}).Info("dispatcher started")

	<-ctx.Done()
	logger.Plain().Info("Shutting down dispatcher")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	consumer.Stop()
	grpcSrv.GracefulStop()
	_ = httpSrv.Shutdown(shutdownCtx)
	workers.StopAll(shutdownCtx)
	logger.Plain().Info("dispatcher stopped")
}
