package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
// Everything has a usable default for a local validator; Load still collects
// every malformed value so misconfiguration fails fast with one message.
type Config struct {
	LogLevel string

	// Solana configuration
	SolanaRPCURL string // comma separated; one endpoint is picked per process
	Commitment   string

	// Key material locations. The keys themselves are never held here.
	SignerEnv          string
	SignerKeypairPath  string
	ProgramKeypairPath string
	ProgramID          string

	// Waiter configuration
	BlockInterval       time.Duration
	PollInitialInterval time.Duration
	PollMaxInterval     time.Duration
	RPCTimeout          time.Duration
	MaxRebuilds         int

	ExplorerURL string

	// Optional sinks; empty disables them.
	DatabaseURL string
	NATSURL     string

	// Temporal configuration
	TemporalHost      string
	TemporalNamespace string
	TemporalTaskQueue string

	MetricsAddr string

	// HTTP API
	ServerAddr string
	ServerURL  string // where the CLI finds the API
}

// Load reads configuration from environment variables and validates it.
// Returns an error listing every invalid value.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	cfg.SolanaRPCURL = getEnvOrDefault("SOLANA_RPC_URL", "http://127.0.0.1:8899")
	cfg.Commitment = getEnvOrDefault("COMMITMENT", "confirmed")

	cfg.SignerEnv = getEnvOrDefault("SIGNER_ENV", "SIGNER")
	cfg.SignerKeypairPath = os.Getenv("SIGNER_KEYPAIR_PATH")
	cfg.ProgramKeypairPath = os.Getenv("PROGRAM_KEYPAIR_PATH")
	cfg.ProgramID = os.Getenv("PROGRAM_ID")

	durations := []struct {
		key, def string
		dst      *time.Duration
	}{
		{"BLOCK_INTERVAL", "400ms", &cfg.BlockInterval},
		{"POLL_INITIAL_INTERVAL", "500ms", &cfg.PollInitialInterval},
		{"POLL_MAX_INTERVAL", "4s", &cfg.PollMaxInterval},
		{"RPC_TIMEOUT", "10s", &cfg.RPCTimeout},
	}
	for _, d := range durations {
		v, err := parseDuration(d.key, d.def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		*d.dst = v
	}

	rebuilds, err := parseInt("MAX_REBUILDS", 2)
	if err != nil {
		errs = append(errs, err)
	} else {
		cfg.MaxRebuilds = rebuilds
	}

	cfg.ExplorerURL = getEnvOrDefault("EXPLORER_URL", "https://explorer.solana.com")

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.NATSURL = os.Getenv("NATS_URL")

	cfg.TemporalHost = getEnvOrDefault("TEMPORAL_HOST", "localhost:7233")
	cfg.TemporalNamespace = getEnvOrDefault("TEMPORAL_NAMESPACE", "default")
	cfg.TemporalTaskQueue = getEnvOrDefault("TEMPORAL_TASK_QUEUE", "txlander")

	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9091")
	cfg.ServerAddr = getEnvOrDefault("SERVER_ADDR", ":8080")
	cfg.ServerURL = getEnvOrDefault("TXLANDER_SERVER_URL", "http://localhost:8080")

	if len(errs) == 0 {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	return nil, fmt.Errorf("configuration validation failed: %v", errs)
}

// MustLoad is like Load but panics if configuration is invalid.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if len(c.RPCEndpoints()) == 0 {
		errs = append(errs, fmt.Errorf("SolanaRPCURL is required"))
	}

	switch c.Commitment {
	case "processed", "confirmed", "finalized":
	default:
		errs = append(errs, fmt.Errorf("Commitment %q must be processed, confirmed or finalized", c.Commitment))
	}

	if c.BlockInterval <= 0 {
		errs = append(errs, fmt.Errorf("BlockInterval must be positive"))
	}

	if c.PollInitialInterval <= 0 {
		errs = append(errs, fmt.Errorf("PollInitialInterval must be positive"))
	}

	if c.PollInitialInterval > c.PollMaxInterval {
		errs = append(errs, fmt.Errorf("PollInitialInterval cannot be greater than PollMaxInterval"))
	}

	if c.RPCTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RPCTimeout must be positive"))
	}

	if c.MaxRebuilds < 0 {
		errs = append(errs, fmt.Errorf("MaxRebuilds cannot be negative"))
	}

	if c.TemporalHost == "" {
		errs = append(errs, fmt.Errorf("TemporalHost is required"))
	}

	if c.TemporalNamespace == "" {
		errs = append(errs, fmt.Errorf("TemporalNamespace is required"))
	}

	if c.TemporalTaskQueue == "" {
		errs = append(errs, fmt.Errorf("TemporalTaskQueue is required"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// RPCEndpoints splits SolanaRPCURL into its non-empty entries.
func (c *Config) RPCEndpoints() []string {
	var out []string
	for _, s := range strings.Split(c.SolanaRPCURL, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseInt parses an integer from an environment variable or uses a default.
func parseInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid integer %q: %w", key, value, err)
	}
	return result, nil
}
