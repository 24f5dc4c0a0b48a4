// Command gateway starts the compute dispatch gateway: the HTTP/WebSocket
// surface, the Kafka producer and result consumer, and the results ledger.
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

	"github.com/velivolant/gateway/internal/adapter/httpserver"
	"github.com/velivolant/gateway/internal/adapter/queue/kafka"
	"github.com/velivolant/gateway/internal/adapter/repo/postgres"
	"github.com/velivolant/gateway/internal/adapter/ws"
	"github.com/velivolant/gateway/internal/app"
	"github.com/velivolant/gateway/internal/config"
	"github.com/velivolant/gateway/internal/observability"
	"github.com/velivolant/gateway/internal/usecase"
)

// consumerState adapts the consumer's typed state to the readiness check.
type consumerState struct{ c *kafka.Consumer }

func (s consumerState) State() string { return string(s.c.State()) }

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Ledger
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL())
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("db schema bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}
	ledger := postgres.NewResultRepo(pool)

	if cfg.LedgerRetention > 0 {
		cleanupSvc := postgres.NewCleanupService(pool, cfg.LedgerRetention)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("ledger cleanup started",
			slog.Int("retention_days", cfg.LedgerRetention),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Kafka
	clientCfg := kafka.ClientConfig{
		Brokers:        cfg.KafkaBrokers,
		SSL:            cfg.KafkaSSL,
		SASLEnabled:    cfg.KafkaSASLEnabled,
		SASLUser:       cfg.KafkaAPIKey,
		SASLPass:       cfg.KafkaAPISecret,
		RegistryURL:    cfg.SchemaRegistryURL,
		RegistryKey:    cfg.SchemaRegistryKey,
		RegistrySecret: cfg.SchemaRegistrySecret,
	}
	producer := kafka.NewProducer(kafka.ProducerConfig{ClientConfig: clientCfg, Topic: cfg.RequestTopic})
	defer producer.Close()

	// Dispatch core
	dispatcher := usecase.NewDispatcher(producer, usecase.DispatcherConfig{
		DefaultTimeout: cfg.SubmitTimeout,
		WaiterTTL:      cfg.WaiterTTL,
		PendingTTL:     cfg.PendingTTL,
		SweepInterval:  cfg.PendingSweep,
	})
	dispatcher.Start()
	defer dispatcher.Shutdown()

	// WebSocket hub
	hub := ws.NewHub(ws.NewJWTVerifier(cfg.JWTSecret))
	hub.Start()

	// Result routing: ledger first, then waiter resolve, then broadcast
	router := usecase.NewRouter(ledger, dispatcher, usecase.BroadcastSink{Hub: hub})

	consumer := kafka.NewConsumer(kafka.ConsumerConfig{
		ClientConfig: clientCfg,
		Topic:        cfg.ResultTopic,
		Group:        cfg.ConsumerGroup,
	}, router)
	if err := consumer.Start(ctx); err != nil {
		slog.Error("consumer start failed", slog.Any("error", err))
		os.Exit(1)
	}

	// HTTP
	dbCheck, brokerCheck := app.BuildReadinessChecks(pool, consumerState{consumer}, string(kafka.StateRunning))
	srv := httpserver.NewServer(cfg, dispatcher, ledger, dbCheck, brokerCheck)
	handler := app.BuildRouter(cfg, srv, hub)

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

	fatal := false
	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if serverFailed(err) {
			slog.Error("server error", slog.Any("error", err))
			fatal = true
		}
	}

	// Shut down in reverse order: stop intake, drain the consumer, close the
	// hub, then let the deferred dispatcher/producer teardown run.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer shutdownCancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	if err := consumer.Shutdown(shutdownCtx); err != nil {
		slog.Error("consumer shutdown failed", slog.Any("error", err))
	}
	_ = hub.Shutdown(shutdownCtx)

	if fatal {
		os.Exit(1)
	}
}

// serverFailed reports whether a ListenAndServe return is a real failure,
// as opposed to the close that follows a graceful Shutdown.
func serverFailed(err error) bool {
	return err != nil && !errors.Is(err, http.ErrServerClosed)
}
