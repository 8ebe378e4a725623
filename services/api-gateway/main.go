// services/api-gateway/main.go
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/loan-payments-gateway/internal/config"
	"github.com/example/loan-payments-gateway/internal/gateway"
	"github.com/example/loan-payments-gateway/internal/ipn"
	"github.com/example/loan-payments-gateway/internal/ledger"
	"github.com/example/loan-payments-gateway/internal/payments"
	"github.com/example/loan-payments-gateway/internal/queue"
	"github.com/example/loan-payments-gateway/services/api-gateway/handlers"
	perr "github.com/example/loan-payments-gateway/pkg/errors"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", handlers.ServiceName))

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		// Missing gateway credentials are reported per request; a missing
		// database is not recoverable.
		if cfg.DatabaseURL == "" {
			fatal("config_invalid", err)
		}
		slog.Warn("config_incomplete", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := ledger.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("ledger_open_failed", err)
	}
	defer pool.Close()
	store := ledger.NewPostgres(pool)
	if cfg.Migrate {
		if err := store.Migrate(ctx); err != nil {
			fatal("ledger_migrate_failed", err)
		}
		slog.Info("ledger_migrated")
	}

	var events ipn.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		bus := queue.New(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer bus.Close()
		events = bus
	}

	nt, err := gateway.ParseNotificationType(cfg.Gateway.NotificationType)
	if err != nil || nt == "" {
		nt = gateway.NotifyPOST
	}
	client := gateway.NewClient(cfg.Gateway, nil)
	svc := payments.NewService(
		gateway.NewBroker(client, cfg.Gateway.Credential),
		gateway.NewRegistrar(client, nt),
		gateway.NewSubmitter(client, cfg.Orders, cfg.Gateway.PaymentPageURL),
		store,
	)

	router := handlers.NewRouter(handlers.Deps{
		Payments:    svc,
		IPN:         ipn.NewReceiver(store, cfg.IPNOrigins, events),
		Health:      store,
		CORSOrigins: cfg.CORSOrigins,
		IPNOrigins:  cfg.IPNOrigins,
	})

	// A submit makes two sequential gateway calls.
	server := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 2*cfg.Gateway.Timeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		slog.Info("shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("http_shutdown_failed", "error", err.Error())
		}
	}()

	slog.Info("listening", "addr", cfg.HTTPAddr, "gateway", cfg.Gateway.BaseURL, "kafka", events != nil)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		fatal("http_server_failed", err)
	}
}

func fatal(event string, err error) {
	attrs := []any{"error", err.Error()}
	if k := perr.KindOf(err); k != "" {
		attrs = append(attrs, "kind", string(k))
	}
	slog.Error(event, attrs...)
	os.Exit(1)
}
