package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Checkpoint backends
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendPebble   = "pebble"
)

// Config holds all configuration for the relay
type Config struct {
	// Endpoints
	PrimaryRPCURL   string `yaml:"primary_rpc_url"`
	AlternateRPCURL string `yaml:"alternate_rpc_url"`

	// Contract and signer
	ContractAddress string `yaml:"contract_address"`
	PrivateKey      string `yaml:"private_key"`
	ChainID         uint64 `yaml:"chain_id"`

	// Submission
	MaxRetries     int    `yaml:"max_retries"`
	BatchSize      int    `yaml:"batch_size"`
	PriorityFeeWei uint64 `yaml:"priority_fee_wei"`

	// ReceiptTimeout bounds the wait for one pong to be mined
	ReceiptTimeout time.Duration `yaml:"receipt_timeout"`

	// Ingestion
	BackfillChunkSize       uint64        `yaml:"backfill_chunk_size"`
	BackfillInterval        time.Duration `yaml:"backfill_interval"`
	BackfillQueryRate       float64       `yaml:"backfill_query_rate"`
	DeadLetterRetryInterval time.Duration `yaml:"dead_letter_retry_interval"`
	ReconnectDelay          time.Duration `yaml:"reconnect_delay"`

	// Checkpoint storage
	CheckpointBackend string `yaml:"checkpoint_backend"`
	CheckpointFile    string `yaml:"checkpoint_file"`
	DeadLetterFile    string `yaml:"dead_letter_file"`
	DatabaseURL       string `yaml:"database_url"`
	PebblePath        string `yaml:"pebble_path"`

	// Server configuration
	Port           string `yaml:"port"`
	AllowedOrigins string `yaml:"allowed_origins"`

	// PingPongABI is the contract ABI used for log filtering and pong encoding
	PingPongABI string `yaml:"-"`
}

// Default returns the configuration with every optional value set.
func Default() *Config {
	return &Config{
		ChainID:                 EthereumSepoliaChainID,
		MaxRetries:              140,
		BatchSize:               5,
		PriorityFeeWei:          1_500_000_000,
		ReceiptTimeout:          3 * time.Minute,
		BackfillChunkSize:       500,
		BackfillInterval:        5 * time.Minute,
		BackfillQueryRate:       5,
		DeadLetterRetryInterval: 10 * time.Minute,
		ReconnectDelay:          2 * time.Second,
		CheckpointBackend:       BackendFile,
		CheckpointFile:          "./progress.json",
		DeadLetterFile:          "./failed_transactions.json",
		PebblePath:              "./relay-data",
		Port:                    "8080",
		PingPongABI:             PingPongABI,
	}
}

// LoadConfig loads configuration from an optional YAML file and environment variables.
// Environment variables take precedence over the file.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := Default()

	if path := os.Getenv("RELAY_CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "failed to read config file %s", path)
	}

	if err := yaml.Unmarshal(raw, c); err != nil {
		return errors.Wrapf(err, "failed to parse config file %s", path)
	}

	return nil
}

func (c *Config) loadEnv() error {
	c.PrimaryRPCURL = getEnvOrDefault("PRIMARY_RPC_URL", c.PrimaryRPCURL)
	c.AlternateRPCURL = getEnvOrDefault("ALTERNATE_RPC_URL", c.AlternateRPCURL)
	c.ContractAddress = getEnvOrDefault("CONTRACT_ADDRESS", c.ContractAddress)
	c.PrivateKey = getEnvOrDefault("PRIVATE_KEY", c.PrivateKey)
	c.CheckpointBackend = getEnvOrDefault("CHECKPOINT_BACKEND", c.CheckpointBackend)
	c.CheckpointFile = getEnvOrDefault("CHECKPOINT_FILE", c.CheckpointFile)
	c.DeadLetterFile = getEnvOrDefault("DEAD_LETTER_FILE", c.DeadLetterFile)
	c.DatabaseURL = getEnvOrDefault("DATABASE_URL", c.DatabaseURL)
	c.PebblePath = getEnvOrDefault("PEBBLE_PATH", c.PebblePath)
	c.Port = getEnvOrDefault("PORT", c.Port)
	c.AllowedOrigins = getEnvOrDefault("ALLOWED_ORIGINS", c.AllowedOrigins)

	parsers := []error{
		parseEnv("CHAIN_ID", &c.ChainID, parseUint),
		parseEnv("MAX_RETRIES", &c.MaxRetries, strconv.Atoi),
		parseEnv("BATCH_SIZE", &c.BatchSize, strconv.Atoi),
		parseEnv("PRIORITY_FEE_WEI", &c.PriorityFeeWei, parseUint),
		parseEnv("BACKFILL_CHUNK_SIZE", &c.BackfillChunkSize, parseUint),
		parseEnv("BACKFILL_INTERVAL", &c.BackfillInterval, time.ParseDuration),
		parseEnv("BACKFILL_QUERY_RATE", &c.BackfillQueryRate, parseFloat),
		parseEnv("DEAD_LETTER_RETRY_INTERVAL", &c.DeadLetterRetryInterval, time.ParseDuration),
		parseEnv("RECONNECT_DELAY", &c.ReconnectDelay, time.ParseDuration),
		parseEnv("RECEIPT_TIMEOUT", &c.ReceiptTimeout, time.ParseDuration),
	}

	for _, err := range parsers {
		if err != nil {
			return err
		}
	}

	return nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch {
	case c.PrimaryRPCURL == "":
		return errors.New("PRIMARY_RPC_URL is required")
	case !common.IsHexAddress(c.ContractAddress):
		return errors.Errorf("CONTRACT_ADDRESS %q is not a valid address", c.ContractAddress)
	case c.PrivateKey == "":
		return errors.New("PRIVATE_KEY is required")
	case c.MaxRetries <= 0:
		return errors.New("MAX_RETRIES must be positive")
	case c.BatchSize <= 0:
		return errors.New("BATCH_SIZE must be positive")
	case c.BackfillChunkSize == 0:
		return errors.New("BACKFILL_CHUNK_SIZE must be positive")
	case c.BackfillInterval <= 0 || c.DeadLetterRetryInterval <= 0:
		return errors.New("BACKFILL_INTERVAL and DEAD_LETTER_RETRY_INTERVAL must be positive")
	case c.ReceiptTimeout <= 0:
		return errors.New("RECEIPT_TIMEOUT must be positive")
	case c.BackfillQueryRate <= 0:
		return errors.New("BACKFILL_QUERY_RATE must be positive")
	}

	if _, err := crypto.HexToECDSA(strings.TrimPrefix(c.PrivateKey, "0x")); err != nil {
		return errors.Wrap(err, "PRIVATE_KEY is invalid")
	}

	switch c.CheckpointBackend {
	case BackendFile, BackendPebble:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres backend")
		}
	default:
		return errors.Errorf("unknown CHECKPOINT_BACKEND %q", c.CheckpointBackend)
	}

	return nil
}

// Endpoints returns the configured RPC endpoints, primary first.
func (c *Config) Endpoints() []string {
	if c.AlternateRPCURL == "" || c.AlternateRPCURL == c.PrimaryRPCURL {
		return []string{c.PrimaryRPCURL}
	}
	return []string{c.PrimaryRPCURL, c.AlternateRPCURL}
}

// getEnvOrDefault returns the value of an environment variable or a default value
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseEnv[T any](key string, dst *T, parse func(string) (T, error)) error {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}

	parsed, err := parse(value)
	if err != nil {
		return errors.Wrapf(err, "invalid %s", key)
	}

	*dst = parsed
	return nil
}

func parseUint(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}
