/**
 * @description
 * Configuration for the settlement engine processes. Viper reads an optional
 * .env file and the environment; every process (server, trackerd, walletd)
 * loads the same Config and uses the subset it needs.
 *
 * @dependencies
 * - github.com/spf13/viper: Environment binding with defaults.
 */

package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all configuration variables for the settlement engine.
// Values are loaded from environment variables.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`

	DatabaseURL       string `mapstructure:"DATABASE_URL"`
	WalletDatabaseURL string `mapstructure:"WALLET_DATABASE_URL"`
	RabbitMQURL       string `mapstructure:"RABBITMQ_URL"`
	RedisURL          string `mapstructure:"REDIS_URL"`

	APISigningSecret string `mapstructure:"API_SIGNING_SECRET"`

	// WalletSeed is the hex-encoded BIP32 seed. Only walletd reads it.
	WalletSeed     string `mapstructure:"WALLET_SEED"`
	BitcoinNetwork string `mapstructure:"BITCOIN_NETWORK"`
	EthereumChainID int64 `mapstructure:"ETHEREUM_CHAIN_ID"`

	BitcoinRPCHost string `mapstructure:"BITCOIN_RPC_HOST"`
	BitcoinRPCUser string `mapstructure:"BITCOIN_RPC_USER"`
	BitcoinRPCPass string `mapstructure:"BITCOIN_RPC_PASS"`
	EthereumRPCURL string `mapstructure:"ETHEREUM_RPC_URL"`
	XRPLRPCURL     string `mapstructure:"XRPL_RPC_URL"`

	PollIntervalSeconds int `mapstructure:"POLL_INTERVAL_SECONDS"`
	ReorgWindowBlocks   int `mapstructure:"REORG_WINDOW_BLOCKS"`

	ExpirySweepSeconds      int `mapstructure:"EXPIRY_SWEEP_SECONDS"`
	AllocationRetrySeconds  int `mapstructure:"ALLOCATION_RETRY_SECONDS"`
	SweepIntervalSeconds    int `mapstructure:"SWEEP_INTERVAL_SECONDS"`
	BroadcastTimeoutSeconds int `mapstructure:"BROADCAST_TIMEOUT_SECONDS"`
	WalletTimeoutSeconds    int `mapstructure:"WALLET_TIMEOUT_SECONDS"`

	WebhookMaxAttempts      int `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
	WebhookBaseDelaySeconds int `mapstructure:"WEBHOOK_BASE_DELAY_SECONDS"`

	DedupTTLHours int  `mapstructure:"DEDUP_TTL_HOURS"`
	AutoSettle    bool `mapstructure:"AUTO_SETTLE"`

	SweepDestinationBitcoin  string `mapstructure:"SWEEP_DESTINATION_BITCOIN"`
	SweepDestinationEthereum string `mapstructure:"SWEEP_DESTINATION_ETHEREUM"`
	SweepDestinationXRPL     string `mapstructure:"SWEEP_DESTINATION_XRPL"`
}

// SweepDestinations returns the configured rail -> treasury address map,
// omitting rails without a destination.
func (c Config) SweepDestinations() map[string]string {
	out := make(map[string]string)
	for rail, dest := range map[string]string{
		"bitcoin":  c.SweepDestinationBitcoin,
		"ethereum": c.SweepDestinationEthereum,
		"xrpl":     c.SweepDestinationXRPL,
	} {
		if strings.TrimSpace(dest) != "" {
			out[rail] = strings.TrimSpace(dest)
		}
	}
	return out
}

// LoadConfig reads configuration from the environment and an optional .env
// file at the given path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("BITCOIN_NETWORK", "mainnet")
	viper.SetDefault("ETHEREUM_CHAIN_ID", 1)
	viper.SetDefault("POLL_INTERVAL_SECONDS", 30)
	viper.SetDefault("REORG_WINDOW_BLOCKS", 12)
	viper.SetDefault("EXPIRY_SWEEP_SECONDS", 60)
	viper.SetDefault("ALLOCATION_RETRY_SECONDS", 30)
	viper.SetDefault("SWEEP_INTERVAL_SECONDS", 60)
	viper.SetDefault("BROADCAST_TIMEOUT_SECONDS", 20)
	viper.SetDefault("WALLET_TIMEOUT_SECONDS", 15)
	viper.SetDefault("WEBHOOK_MAX_ATTEMPTS", 5)
	viper.SetDefault("WEBHOOK_BASE_DELAY_SECONDS", 2)
	viper.SetDefault("DEDUP_TTL_HOURS", 24)
	viper.SetDefault("AUTO_SETTLE", true)

	// Bind environment variables explicitly so they appear in Unmarshal.
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("WALLET_DATABASE_URL")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("REDIS_URL")
	_ = viper.BindEnv("API_SIGNING_SECRET")
	_ = viper.BindEnv("WALLET_SEED")
	_ = viper.BindEnv("BITCOIN_NETWORK")
	_ = viper.BindEnv("ETHEREUM_CHAIN_ID")
	_ = viper.BindEnv("BITCOIN_RPC_HOST")
	_ = viper.BindEnv("BITCOIN_RPC_USER")
	_ = viper.BindEnv("BITCOIN_RPC_PASS")
	_ = viper.BindEnv("ETHEREUM_RPC_URL")
	_ = viper.BindEnv("XRPL_RPC_URL")
	_ = viper.BindEnv("POLL_INTERVAL_SECONDS")
	_ = viper.BindEnv("REORG_WINDOW_BLOCKS")
	_ = viper.BindEnv("EXPIRY_SWEEP_SECONDS")
	_ = viper.BindEnv("ALLOCATION_RETRY_SECONDS")
	_ = viper.BindEnv("SWEEP_INTERVAL_SECONDS")
	_ = viper.BindEnv("BROADCAST_TIMEOUT_SECONDS")
	_ = viper.BindEnv("WALLET_TIMEOUT_SECONDS")
	_ = viper.BindEnv("WEBHOOK_MAX_ATTEMPTS")
	_ = viper.BindEnv("WEBHOOK_BASE_DELAY_SECONDS")
	_ = viper.BindEnv("DEDUP_TTL_HOURS")
	_ = viper.BindEnv("AUTO_SETTLE")
	_ = viper.BindEnv("SWEEP_DESTINATION_BITCOIN")
	_ = viper.BindEnv("SWEEP_DESTINATION_ETHEREUM")
	_ = viper.BindEnv("SWEEP_DESTINATION_XRPL")

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("config: failed to read .env file, using environment values: %v", err)
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	return
}
