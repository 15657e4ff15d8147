package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the sequencer service.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Durable store
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Chain
	EthereumURL           string
	EthChainID            int64
	EthPrivateKey         string
	AnchorContractAddress string
	SecondaryReadURLs     map[int64]string // chain_id -> RPC URL

	// Prover endpoints, keyed "kind:size" (kind is "insertion" or "deletion")
	ProverURLs map[string]string

	// Tree layout
	TreeDepth       int
	TreeGCThreshold int

	// Batch policy
	InsertionBatchSizes       []int
	DeletionBatchSizes        []int
	BatchTimeout              time.Duration
	BatchDeletionTimeout      time.Duration
	MinBatchDeletionSize      int

	// Chain depth thresholds
	MinedConfirmations int
	FinalizationDepth  int

	// Concurrency
	MonitoredTxsCapacity int

	LogLevel string
}

// Load reads configuration from environment variables. Required fields have
// no defaults; call Validate() after Load() before starting the service.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:  getEnv("LISTEN_ADDR", "0.0.0.0:8080"),
		MetricsAddr: getEnv("METRICS_ADDR", "0.0.0.0:9090"),

		DatabaseURL:       getEnv("DATABASE_URL", ""),
		DBMaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour),

		EthereumURL:           getEnv("ETHEREUM_URL", ""),
		EthChainID:            getEnvInt64("ETH_CHAIN_ID", 1),
		EthPrivateKey:         getEnv("ETH_PRIVATE_KEY", ""),
		AnchorContractAddress: getEnv("ANCHOR_CONTRACT_ADDRESS", ""),
		SecondaryReadURLs:     parseChainURLMap(getEnv("SECONDARY_READ_URLS", "")),

		ProverURLs: parseProverURLMap(getEnv("PROVER_URLS", "")),

		TreeDepth:       getEnvInt("TREE_DEPTH", 18),
		TreeGCThreshold: getEnvInt("TREE_GC_THRESHOLD", 50),

		InsertionBatchSizes:  parseIntList(getEnv("INSERTION_BATCH_SIZES", "8")),
		DeletionBatchSizes:   parseIntList(getEnv("DELETION_BATCH_SIZES", "3")),
		BatchTimeout:         getEnvDuration("BATCH_TIMEOUT", 10*time.Second),
		BatchDeletionTimeout: getEnvDuration("BATCH_DELETION_TIMEOUT", 10*time.Second),
		MinBatchDeletionSize: getEnvInt("MIN_BATCH_DELETION_SIZE", 3),

		MinedConfirmations: getEnvInt("MINED_CONFIRMATIONS", 1),
		FinalizationDepth:  getEnvInt("FINALIZATION_DEPTH", 10),

		MonitoredTxsCapacity: getEnvInt("MONITORED_TXS_CAPACITY", 100),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and internally
// consistent. Must be called after Load() before starting the service.
func (c *Config) Validate() error {
	var errs []string

	if c.DatabaseURL == "" {
		errs = append(errs, "DATABASE_URL is required but not set")
	}
	if c.EthereumURL == "" {
		errs = append(errs, "ETHEREUM_URL is required but not set")
	}
	if c.EthPrivateKey == "" {
		errs = append(errs, "ETH_PRIVATE_KEY is required but not set")
	}
	if c.AnchorContractAddress == "" {
		errs = append(errs, "ANCHOR_CONTRACT_ADDRESS is required but not set")
	}
	if len(c.ProverURLs) == 0 {
		errs = append(errs, "PROVER_URLS must register at least one (kind,size) prover")
	}

	if c.TreeDepth <= 0 || c.TreeDepth > 256 {
		errs = append(errs, "TREE_DEPTH must be in (0, 256]")
	}
	if len(c.InsertionBatchSizes) == 0 {
		errs = append(errs, "INSERTION_BATCH_SIZES must list at least one size")
	}
	if len(c.DeletionBatchSizes) == 0 {
		errs = append(errs, "DELETION_BATCH_SIZES must list at least one size")
	}
	if c.MinBatchDeletionSize <= 0 {
		errs = append(errs, "MIN_BATCH_DELETION_SIZE must be positive")
	}
	if c.MonitoredTxsCapacity <= 0 {
		errs = append(errs, "MONITORED_TXS_CAPACITY must be positive")
	}
	if c.FinalizationDepth < c.MinedConfirmations {
		errs = append(errs, "FINALIZATION_DEPTH must be >= MINED_CONFIRMATIONS")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}

	return nil
}

// proverOverlayFile is the YAML shape accepted by LoadProverOverlay: a flat
// map of "kind:size" to prover URL, the same key format as PROVER_URLS but
// convenient for operators rolling out many prover endpoints at once
// without an unwieldy single environment variable.
type proverOverlayFile struct {
	Provers map[string]string `yaml:"provers"`
}

// LoadProverOverlay reads a YAML file at path and merges its `provers` map
// into cfg.ProverURLs, overriding any key also set via PROVER_URLS. A
// missing file is not an error (the overlay is optional); a malformed one
// is.
func (c *Config) LoadProverOverlay(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("config: read prover overlay %s: %w", path, err)
	}

	var overlay proverOverlayFile
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return fmt.Errorf("config: parse prover overlay %s: %w", path, err)
	}

	if c.ProverURLs == nil {
		c.ProverURLs = make(map[string]string, len(overlay.Provers))
	}
	for key, url := range overlay.Provers {
		c.ProverURLs[key] = url
	}
	return nil
}

// ProverSizesForKind returns the configured batch sizes for insertions or
// deletions, in the order they were configured (not sorted).
func (c *Config) ProverSizesForKind(kind string) []int {
	switch kind {
	case "insertion":
		return c.InsertionBatchSizes
	case "deletion":
		return c.DeletionBatchSizes
	default:
		return nil
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// parseIntList parses a comma-separated list of batch sizes, e.g. "1,10,100".
func parseIntList(value string) []int {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	result := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		result = append(result, n)
	}
	return result
}

// parseProverURLMap parses "insertion:8=http://a,deletion:3=http://b" into a
// map keyed "insertion:8".
func parseProverURLMap(value string) map[string]string {
	result := make(map[string]string)
	if value == "" {
		return result
	}
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		result[strings.TrimSpace(kv[0])] = strings.TrimSpace(kv[1])
	}
	return result
}

// parseChainURLMap parses "11155111=http://a,137=http://b" into chain_id -> URL.
func parseChainURLMap(value string) map[int64]string {
	result := make(map[int64]string)
	if value == "" {
		return result
	}
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kv := strings.SplitN(entry, "=", 2)
		if len(kv) != 2 {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSpace(kv[0]), 10, 64)
		if err != nil {
			continue
		}
		result[id] = strings.TrimSpace(kv[1])
	}
	return result
}
