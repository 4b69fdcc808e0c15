package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"LOG_LEVEL", "SOLANA_RPC_URL", "COMMITMENT", "SIGNER_ENV", "SIGNER_KEYPAIR_PATH",
	"PROGRAM_KEYPAIR_PATH", "PROGRAM_ID", "BLOCK_INTERVAL", "POLL_INITIAL_INTERVAL",
	"POLL_MAX_INTERVAL", "RPC_TIMEOUT", "MAX_REBUILDS", "EXPLORER_URL", "DATABASE_URL",
	"NATS_URL", "TEMPORAL_HOST", "TEMPORAL_NAMESPACE", "TEMPORAL_TASK_QUEUE", "METRICS_ADDR",
	"SERVER_ADDR", "TXLANDER_SERVER_URL",
}

// clearEnv blanks every variable Load reads; t.Setenv restores them afterwards.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range envKeys {
		t.Setenv(k, "")
	}
}

func validConfig() *Config {
	return &Config{
		SolanaRPCURL:        "http://127.0.0.1:8899",
		Commitment:          "confirmed",
		BlockInterval:       400 * time.Millisecond,
		PollInitialInterval: 500 * time.Millisecond,
		PollMaxInterval:     4 * time.Second,
		RPCTimeout:          10 * time.Second,
		MaxRebuilds:         2,
		TemporalHost:        "localhost:7233",
		TemporalNamespace:   "default",
		TemporalTaskQueue:   "txlander",
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "http://127.0.0.1:8899", cfg.SolanaRPCURL)
	assert.Equal(t, "confirmed", cfg.Commitment)
	assert.Equal(t, "SIGNER", cfg.SignerEnv)
	assert.Equal(t, 400*time.Millisecond, cfg.BlockInterval)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInitialInterval)
	assert.Equal(t, 4*time.Second, cfg.PollMaxInterval)
	assert.Equal(t, 10*time.Second, cfg.RPCTimeout)
	assert.Equal(t, 2, cfg.MaxRebuilds)
	assert.Equal(t, "https://explorer.solana.com", cfg.ExplorerURL)
	assert.Empty(t, cfg.DatabaseURL)
	assert.Empty(t, cfg.NATSURL)
	assert.Equal(t, "txlander", cfg.TemporalTaskQueue)
	assert.Equal(t, ":9091", cfg.MetricsAddr)
	assert.Equal(t, ":8080", cfg.ServerAddr)
	assert.Equal(t, "http://localhost:8080", cfg.ServerURL)
}

func TestLoad_CustomValues(t *testing.T) {
	clearEnv(t)
	t.Setenv("SOLANA_RPC_URL", "https://a.example.com, https://b.example.com")
	t.Setenv("COMMITMENT", "finalized")
	t.Setenv("SIGNER_KEYPAIR_PATH", "/keys/id.json")
	t.Setenv("PROGRAM_ID", "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr")
	t.Setenv("POLL_MAX_INTERVAL", "8s")
	t.Setenv("MAX_REBUILDS", "0")
	t.Setenv("DATABASE_URL", "postgres://localhost/txlander")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.RPCEndpoints())
	assert.Equal(t, "finalized", cfg.Commitment)
	assert.Equal(t, "/keys/id.json", cfg.SignerKeypairPath)
	assert.Equal(t, "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr", cfg.ProgramID)
	assert.Equal(t, 8*time.Second, cfg.PollMaxInterval)
	assert.Equal(t, 0, cfg.MaxRebuilds)
	assert.Equal(t, "postgres://localhost/txlander", cfg.DatabaseURL)
	assert.Equal(t, "nats://localhost:4222", cfg.NATSURL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"bad duration", map[string]string{"BLOCK_INTERVAL": "soon"}, "invalid duration"},
		{"bad integer", map[string]string{"MAX_REBUILDS": "many"}, "invalid integer"},
		{"bad commitment", map[string]string{"COMMITMENT": "max"}, "must be processed, confirmed or finalized"},
		{"initial above max", map[string]string{"POLL_INITIAL_INTERVAL": "10s"}, "cannot be greater than"},
		{"only commas", map[string]string{"SOLANA_RPC_URL": " , "}, "SolanaRPCURL is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			require.Error(t, err)
			assert.Nil(t, cfg)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoad_CollectsAllErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("BLOCK_INTERVAL", "x")
	t.Setenv("RPC_TIMEOUT", "y")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BLOCK_INTERVAL")
	assert.Contains(t, err.Error(), "RPC_TIMEOUT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"negative rebuilds", func(c *Config) { c.MaxRebuilds = -1 }, "MaxRebuilds cannot be negative"},
		{"zero timeout", func(c *Config) { c.RPCTimeout = 0 }, "RPCTimeout must be positive"},
		{"missing task queue", func(c *Config) { c.TemporalTaskQueue = "" }, "TemporalTaskQueue is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMustLoad_Panics(t *testing.T) {
	clearEnv(t)
	t.Setenv("COMMITMENT", "eventually")

	assert.Panics(t, func() {
		MustLoad()
	})
}

func TestMustLoad_Success(t *testing.T) {
	clearEnv(t)

	assert.NotPanics(t, func() {
		cfg := MustLoad()
		assert.NotNil(t, cfg)
	})
}
