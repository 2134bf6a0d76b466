/**
 * @description
 * Entry point for the wallet authority daemon. This is the only process
 * that ever holds key material: it loads the BIP32 seed, opens its own
 * database schema, and answers derive/sign commands over the bus. It
 * exposes no API beyond a health probe.
 *
 * @dependencies
 * - internal/wallet: Key derivation and signing.
 * - internal/app: Bus command handlers.
 */

package main

import (
	"context"
	"encoding/hex"
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

	"github.com/anypay/settlement-engine/internal/app"
	"github.com/anypay/settlement-engine/internal/bus"
	"github.com/anypay/settlement-engine/internal/chain"
	"github.com/anypay/settlement-engine/internal/config"
	"github.com/anypay/settlement-engine/internal/store"
	"github.com/anypay/settlement-engine/internal/wallet"
	"github.com/anypay/settlement-engine/pkg/rabbitmq"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("walletd: config load failed: %v", err)
	}

	seedHex := strings.TrimSpace(cfg.WalletSeed)
	if seedHex == "" {
		log.Fatalf("walletd: WALLET_SEED must be configured")
	}
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		log.Fatalf("walletd: WALLET_SEED is not valid hex: %v", err)
	}

	params, err := chain.NetworkParams(cfg.BitcoinNetwork)
	if err != nil {
		log.Fatalf("walletd: %v", err)
	}

	dbURL := cfg.WalletDatabaseURL
	if strings.TrimSpace(dbURL) == "" {
		log.Fatalf("walletd: WALLET_DATABASE_URL must be configured")
	}
	poolConfig, err := pgxpool.ParseConfig(dbURL)
	if err != nil {
		log.Fatalf("walletd: database url parse failed: %v", err)
	}
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("walletd: database connection failed: %v", err)
	}
	defer dbpool.Close()
	log.Println("walletd: wallet database connected")

	walletRepo := store.NewPostgresWalletRepository(dbpool)
	authority, err := wallet.NewAuthority(seed, params, walletRepo, cfg.EthereumChainID)
	if err != nil {
		log.Fatalf("walletd: authority init failed: %v", err)
	}
	// The seed slice is not needed past authority construction.
	for i := range seed {
		seed[i] = 0
	}

	producer, err := rabbitmq.NewProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("walletd: rabbitmq producer init failed: %v", err)
	}
	defer producer.Close()

	// Sign commands must never be double-applied on redelivery; the dedup
	// window is mandatory here, Redis-backed when available.
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, buildDeduper(cfg))
	if err != nil {
		log.Fatalf("walletd: rabbitmq consumer init failed: %v", err)
	}
	defer consumer.Close()

	service := app.NewWalletService(authority, producer)
	if err := service.Start(consumer); err != nil {
		log.Fatalf("walletd: command consumer start failed: %v", err)
	}
	log.Println("walletd: wallet authority serving derive/sign commands")

	// Health probe only; the authority has no other HTTP surface.
	probe := &http.Server{
		Addr: fmt.Sprintf(":%s", cfg.ServerPort),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/health" {
				http.NotFound(w, r)
				return
			}
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Wallet authority is healthy"))
		}),
	}
	go func() {
		if err := probe.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("walletd: health probe stopped unexpectedly: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("walletd: shutdown started")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := probe.Shutdown(shutdownCtx); err != nil {
		log.Printf("walletd: health probe shutdown failed: %v", err)
	}
	log.Println("walletd: shutdown complete")
}

func buildDeduper(cfg config.Config) rabbitmq.Deduper {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("walletd: no redis url configured, using in-memory dedup window")
		return bus.NewMemoryDeduper(0)
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("walletd: redis url parse failed, using in-memory dedup window: %v", err)
		return bus.NewMemoryDeduper(0)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("walletd: redis ping failed, using in-memory dedup window: %v", err)
		client.Close()
		return bus.NewMemoryDeduper(0)
	}
	log.Println("walletd: redis dedup window connected")
	return bus.NewRedisDeduper(client, "settlement:dedup:wallet", time.Duration(cfg.DedupTTLHours)*time.Hour)
}
