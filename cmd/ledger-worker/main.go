// cmd/ledger-worker/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gp "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/loan-payments-gateway/internal/config"
	"github.com/example/loan-payments-gateway/internal/grpcserver"
	"github.com/example/loan-payments-gateway/internal/ipn"
	"github.com/example/loan-payments-gateway/internal/ledger"
	"github.com/example/loan-payments-gateway/internal/queue"
)

const serviceName = "ledger-worker"

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", serviceName))

	cfg := config.Load()
	if cfg.DatabaseURL == "" {
		fatal("config_invalid", errors.New("missing DATABASE_URL"))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := ledger.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("ledger_open_failed", err)
	}
	defer pool.Close()
	store := ledger.NewPostgres(pool)

	// Health
	reporter := grpcserver.NewHealthReporter(serviceName, store)
	grpcSrv := grpc.NewServer(
		grpc.UnaryInterceptor(gp.UnaryServerInterceptor),
		grpc.StreamInterceptor(gp.StreamServerInterceptor),
	)
	healthpb.RegisterHealthServer(grpcSrv, reporter.Server)
	gp.Register(grpcSrv)
	go reporter.Run(ctx)

	// gRPC
	go func() {
		lis, err := net.Listen("tcp", cfg.WorkerGRPCAddr)
		if err != nil {
			fatal("grpc_listen_failed", err)
		}
		slog.Info("serving_grpc", "addr", cfg.WorkerGRPCAddr)
		if err := grpcSrv.Serve(lis); err != nil {
			slog.Error("grpc_serve_failed", "error", err.Error())
		}
	}()

	// Metrics HTTP
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	metricsSrv := &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		slog.Info("serving_metrics", "addr", cfg.WorkerMetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics_serve_failed", "error", err.Error())
		}
	}()

	// Reconciliation sweep: the durable path for deferred credits.
	sweepDone := make(chan struct{})
	go func() {
		defer close(sweepDone)
		ipn.NewReconciler(store, cfg.SweepInterval).Run(ctx)
	}()

	// Kafka is the fast path and optional.
	var runErr error
	if len(cfg.Kafka.Brokers) > 0 {
		consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID)
		slog.Info("consuming", "topic", cfg.Kafka.Topic, "group", cfg.Kafka.GroupID)
		runErr = consumer.Run(ctx, ipn.DeferredCredits(store))
		_ = consumer.Close()
	} else {
		slog.Info("kafka_disabled", "sweep_interval", cfg.SweepInterval.String())
		<-ctx.Done()
	}

	slog.Info("shutting_down")
	stop()
	<-sweepDone
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	grpcSrv.GracefulStop()
	_ = metricsSrv.Shutdown(shutdownCtx)

	if runErr != nil {
		fatal("consumer_failed", runErr)
	}
}

func fatal(event string, err error) {
	slog.Error(event, "error", err.Error())
	os.Exit(1)
}
