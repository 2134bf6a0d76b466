/**
 * @description
 * Entry point for the settlement server: the merchant-facing API, the
 * payment ledger, and the consumers that feed it from the bus. It wires the
 * database, RabbitMQ, the Redis dedup window, the webhook dispatcher, the
 * live socket hub, and the background expiry and allocation loops, then
 * serves HTTP until a shutdown signal arrives.
 *
 * @dependencies
 * - internal/api, internal/app, internal/ledger, internal/notify,
 *   internal/store, internal/config, internal/bus, pkg/rabbitmq.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/anypay/settlement-engine/internal/api"
	"github.com/anypay/settlement-engine/internal/app"
	"github.com/anypay/settlement-engine/internal/bus"
	"github.com/anypay/settlement-engine/internal/config"
	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/internal/ledger"
	"github.com/anypay/settlement-engine/internal/notify"
	"github.com/anypay/settlement-engine/internal/store"
	"github.com/anypay/settlement-engine/pkg/rabbitmq"
)

func main() {
	// Load a local .env file if present; real deployments set the environment.
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("server: config load failed: %v", err)
	}
	if strings.TrimSpace(cfg.APISigningSecret) == "" {
		log.Fatalf("server: API_SIGNING_SECRET must be configured")
	}

	log.Printf("server: starting settlement server on port %s", cfg.ServerPort)

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("server: database url parse failed: %v", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("server: database connection failed: %v", err)
	}
	defer dbpool.Close()
	log.Println("server: database connected")

	producer, err := rabbitmq.NewProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("server: rabbitmq producer init failed: %v", err)
	}
	defer producer.Close()

	deduper := buildDeduper(cfg)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, deduper)
	if err != nil {
		log.Fatalf("server: rabbitmq consumer init failed: %v", err)
	}
	defer consumer.Close()

	repo := store.NewPostgresRepository(dbpool)
	publisher := app.NewBusPublisher(producer)
	walletClient := app.NewWalletClient(producer, time.Duration(cfg.WalletTimeoutSeconds)*time.Second)

	paymentLedger := ledger.New(repo, walletClient, publisher, cfg.SweepDestinations())
	dispatcher := notify.NewDispatcher(repo, cfg.WebhookMaxAttempts, time.Duration(cfg.WebhookBaseDelaySeconds)*time.Second)
	hub := notify.NewHub()

	// Wallet replies use a per-instance queue so they always come back to the
	// process holding the waiter.
	if err := consumer.ConsumeWithBindings(domain.Exchange, app.ReplyQueueName(), walletClient.ReplyBindings()); err != nil {
		log.Fatalf("server: wallet reply consumer start failed: %v", err)
	}

	consumers := app.NewConsumers(paymentLedger, repo, dispatcher, hub, cfg.AutoSettle)
	if err := consumers.Start(consumer); err != nil {
		log.Fatalf("server: bus consumer start failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go paymentLedger.RunExpirySweep(ctx, time.Duration(cfg.ExpirySweepSeconds)*time.Second)
	go app.RunAllocationRetry(ctx, repo, paymentLedger, time.Duration(cfg.AllocationRetrySeconds)*time.Second)

	handlers := api.NewHandlers(paymentLedger, dispatcher)
	socketHandler := api.NewSocketHandler(hub, paymentLedger)
	router := api.NewRouter(handlers, socketHandler, cfg.APISigningSecret)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: router,
	}

	go func() {
		log.Printf("server: listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: http server stopped unexpectedly: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("server: shutdown started")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("server: http shutdown failed: %v", err)
	}
	log.Println("server: shutdown complete")
}

// buildDeduper prefers the shared Redis window and falls back to an
// in-process one when Redis is not configured or unreachable.
func buildDeduper(cfg config.Config) rabbitmq.Deduper {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("server: no redis url configured, using in-memory dedup window")
		return bus.NewMemoryDeduper(0)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("server: redis url parse failed, using in-memory dedup window: %v", err)
		return bus.NewMemoryDeduper(0)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("server: redis ping failed, using in-memory dedup window: %v", err)
		client.Close()
		return bus.NewMemoryDeduper(0)
	}
	log.Println("server: redis dedup window connected")
	return bus.NewRedisDeduper(client, "settlement:dedup", time.Duration(cfg.DedupTTLHours)*time.Hour)
}
