/**
 * @description
 * Entry point for the confirmation tracker daemon. One tracker goroutine
 * runs per configured rail, each polling its chain adapter independently so
 * a slow rail never stalls another. The daemon also runs the outbound
 * broadcaster, since it is the process holding chain connectivity.
 *
 * @dependencies
 * - internal/chain: Rail adapters (bitcoind RPC, ethereum JSON-RPC, XRPL).
 * - internal/tracker: The per-rail reconciliation loop.
 * - internal/app: Bus publisher, wallet client, outbound broadcaster.
 */

package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/anypay/settlement-engine/internal/app"
	"github.com/anypay/settlement-engine/internal/chain"
	"github.com/anypay/settlement-engine/internal/config"
	"github.com/anypay/settlement-engine/internal/domain"
	"github.com/anypay/settlement-engine/internal/store"
	"github.com/anypay/settlement-engine/internal/tracker"
	"github.com/anypay/settlement-engine/pkg/rabbitmq"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("trackerd: config load failed: %v", err)
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("trackerd: database url parse failed: %v", err)
	}
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("trackerd: database connection failed: %v", err)
	}
	defer dbpool.Close()
	log.Println("trackerd: database connected")

	producer, err := rabbitmq.NewProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Fatalf("trackerd: rabbitmq producer init failed: %v", err)
	}
	defer producer.Close()

	repo := store.NewPostgresRepository(dbpool)
	publisher := app.NewBusPublisher(producer)

	adapters := buildAdapters(cfg)
	if len(adapters) == 0 {
		log.Fatalf("trackerd: no rail adapters configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	interval := time.Duration(cfg.PollIntervalSeconds) * time.Second
	for _, adapter := range adapters {
		t := tracker.New(adapter, repo, publisher, interval, cfg.ReorgWindowBlocks)
		go t.Run(ctx)
	}

	// The broadcaster signs through the wallet authority over the bus and
	// broadcasts through the same adapters the trackers poll.
	params, err := chain.NetworkParams(cfg.BitcoinNetwork)
	if err != nil {
		log.Fatalf("trackerd: %v", err)
	}
	walletClient := app.NewWalletClient(producer, time.Duration(cfg.WalletTimeoutSeconds)*time.Second)
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, nil)
	if err != nil {
		log.Fatalf("trackerd: rabbitmq consumer init failed: %v", err)
	}
	defer consumer.Close()
	if err := consumer.ConsumeWithBindings(domain.Exchange, app.ReplyQueueName(), walletClient.ReplyBindings()); err != nil {
		log.Fatalf("trackerd: wallet reply consumer start failed: %v", err)
	}

	broadcaster := app.NewBroadcaster(repo, walletClient, adapters, params,
		time.Duration(cfg.SweepIntervalSeconds)*time.Second,
		time.Duration(cfg.BroadcastTimeoutSeconds)*time.Second)
	go broadcaster.Run(ctx)

	log.Printf("trackerd: started with %d rail(s)", len(adapters))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("trackerd: shutdown started")
	cancel()
	log.Println("trackerd: shutdown complete")
}

// buildAdapters connects an adapter for every rail with endpoint
// configuration. Unconfigured rails are skipped, not errors: deployments
// enable rails one at a time.
func buildAdapters(cfg config.Config) map[string]chain.Adapter {
	adapters := make(map[string]chain.Adapter)

	if strings.TrimSpace(cfg.BitcoinRPCHost) != "" {
		params, err := chain.NetworkParams(cfg.BitcoinNetwork)
		if err != nil {
			log.Fatalf("trackerd: %v", err)
		}
		btc, err := chain.NewBitcoinAdapter(cfg.BitcoinRPCHost, cfg.BitcoinRPCUser, cfg.BitcoinRPCPass, params)
		if err != nil {
			log.Fatalf("trackerd: bitcoin adapter init failed: %v", err)
		}
		adapters[domain.RailBitcoin] = btc
		log.Printf("trackerd: bitcoin adapter connected to %s", cfg.BitcoinRPCHost)
	}

	if strings.TrimSpace(cfg.EthereumRPCURL) != "" {
		dialCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		eth, err := chain.NewEthereumAdapter(dialCtx, cfg.EthereumRPCURL)
		cancel()
		if err != nil {
			log.Fatalf("trackerd: ethereum adapter init failed: %v", err)
		}
		adapters[domain.RailEthereum] = eth
		log.Printf("trackerd: ethereum adapter connected to %s", cfg.EthereumRPCURL)
	}

	if strings.TrimSpace(cfg.XRPLRPCURL) != "" {
		adapters[domain.RailXRPL] = chain.NewXRPLAdapter(cfg.XRPLRPCURL)
		log.Printf("trackerd: xrpl adapter configured for %s", cfg.XRPLRPCURL)
	}

	return adapters
}
