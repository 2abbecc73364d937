// Package config provides configuration loading and management for the application.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/yourorg/realm-aggregator/internal/types"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Path of the JSON file describing realms, tokens and deployments
	RealmsFile string

	// Account whose balances are read; empty skips account-scoped reads
	Account string

	// Default JSON-RPC endpoint, used for any chain without its own entry
	RPCURL string
	Chains map[types.SupportedChain]types.ChainConfig

	// Refresh settings
	RefreshInterval time.Duration
	RequestTimeout  time.Duration
	MarketsCacheTTL time.Duration
	RPCMaxBatch     int
	RPCRateLimit    float64

	// Derived value settings
	APYModel      string
	BlocksPerYear int64

	// Circuit breaker settings
	MaxMissingRatio   float64
	MaxTVLChange      float64
	MinMarkets        int
	CircuitResetDelay time.Duration

	// Hex encoded secp256k1 key used to sign published summaries
	SigningKey string

	// Webhook export of published summaries
	WebhookURL      string
	WebhookAPIKey   string
	ExportInterval  time.Duration
	ExportBatchSize int

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// HTTP API settings
	RateLimitRPS   float64
	RateLimitBurst int
	CORSOrigins    []string
}

// Load creates a new Config from environment variables
func Load() Config {
	cfg := Config{
		Port:              GetEnvOrDefault("PORT", "8080"),
		RealmsFile:        GetEnvOrDefault("REALMS_FILE", "configs/realms.json"),
		Account:           GetEnvOrDefault("ACCOUNT", ""),
		RPCURL:            GetEnvOrDefault("RPC_URL", "http://127.0.0.1:8545"),
		RefreshInterval:   GetEnvAsDuration("REFRESH_INTERVAL", 15*time.Second),
		RequestTimeout:    GetEnvAsDuration("REQUEST_TIMEOUT", 10*time.Second),
		MarketsCacheTTL:   GetEnvAsDuration("MARKETS_CACHE_TTL", 5*time.Minute),
		RPCMaxBatch:       GetEnvAsInt("RPC_MAX_BATCH", 100),
		RPCRateLimit:      GetEnvAsFloat("RPC_RATE_LIMIT", 0),
		APYModel:          strings.ToLower(GetEnvOrDefault("APY_MODEL", "legacy")),
		BlocksPerYear:     int64(GetEnvAsInt("BLOCKS_PER_YEAR", 2102400)),
		MaxMissingRatio:   GetEnvAsFloat("MAX_MISSING_RATIO", 0.5),
		MaxTVLChange:      GetEnvAsFloat("MAX_TVL_CHANGE", 0.5), // 50% max TVL change
		MinMarkets:        GetEnvAsInt("MIN_MARKETS", 1),
		CircuitResetDelay: GetEnvAsDuration("CIRCUIT_RESET_DELAY", 5*time.Minute),
		SigningKey:        GetEnvOrDefault("SIGNING_KEY", ""),
		WebhookURL:        GetEnvOrDefault("WEBHOOK_URL", ""),
		WebhookAPIKey:     GetEnvOrDefault("WEBHOOK_API_KEY", ""),
		ExportInterval:    GetEnvAsDuration("EXPORT_INTERVAL", time.Minute),
		ExportBatchSize:   GetEnvAsInt("EXPORT_BATCH_SIZE", 20),
		OtelEndpoint:      GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		RateLimitRPS:      GetEnvAsFloat("RATE_LIMIT_RPS", 10.0),
		RateLimitBurst:    GetEnvAsInt("RATE_LIMIT_BURST", 20),
		CORSOrigins:       splitList(GetEnvOrDefault("CORS_ORIGINS", "*")),
	}
	cfg.Chains = loadChains(cfg)
	return cfg
}

// loadChains reads per-chain overrides for every chain listed in
// SUPPORTED_CHAINS, e.g. CHAIN_SCROLL_RPC_ENDPOINT.
func loadChains(cfg Config) map[types.SupportedChain]types.ChainConfig {
	chains := make(map[types.SupportedChain]types.ChainConfig)
	for _, name := range splitList(os.Getenv("SUPPORTED_CHAINS")) {
		envPrefix := "CHAIN_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_"
		chains[types.SupportedChain(name)] = types.ChainConfig{
			RPCEndpoint:  GetEnvOrDefault(envPrefix+"RPC_ENDPOINT", cfg.RPCURL),
			MaxBatchSize: GetEnvAsInt(envPrefix+"MAX_BATCH", cfg.RPCMaxBatch),
			RateLimit:    GetEnvAsFloat(envPrefix+"RATE_LIMIT", cfg.RPCRateLimit),
		}
	}
	return chains
}

// Chain returns the connection settings for a chain id, falling back to the
// default endpoint.
func (c Config) Chain(chainID int64) types.ChainConfig {
	if chain, ok := c.Chains[types.ChainByID(chainID)]; ok {
		return chain
	}
	return types.ChainConfig{
		RPCEndpoint:  c.RPCURL,
		MaxBatchSize: c.RPCMaxBatch,
		RateLimit:    c.RPCRateLimit,
	}
}

// Validate reports settings the service cannot start with
func (c Config) Validate() error {
	if c.RefreshInterval <= 0 {
		return fmt.Errorf("REFRESH_INTERVAL must be positive, got %s", c.RefreshInterval)
	}
	if c.RPCMaxBatch <= 0 {
		return fmt.Errorf("RPC_MAX_BATCH must be positive, got %d", c.RPCMaxBatch)
	}
	switch c.APYModel {
	case "legacy", "compound":
	default:
		return fmt.Errorf("unknown APY_MODEL %q", c.APYModel)
	}
	if c.MaxMissingRatio < 0 || c.MaxMissingRatio > 1 {
		return fmt.Errorf("MAX_MISSING_RATIO must be within [0, 1], got %f", c.MaxMissingRatio)
	}
	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
