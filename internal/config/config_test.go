package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/realm-aggregator/internal/types"
	"github.com/yourorg/realm-aggregator/internal/validation"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, 15*time.Second, cfg.RefreshInterval)
	assert.Equal(t, "legacy", cfg.APYModel)
	assert.Equal(t, int64(2102400), cfg.BlocksPerYear)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REFRESH_INTERVAL", "30s")
	t.Setenv("APY_MODEL", "Compound")
	t.Setenv("RPC_MAX_BATCH", "not-a-number")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example ,")
	t.Setenv("SUPPORTED_CHAINS", "scroll-alpha")
	t.Setenv("CHAIN_SCROLL_ALPHA_RPC_ENDPOINT", "https://alpha-rpc.example")
	t.Setenv("CHAIN_SCROLL_ALPHA_MAX_BATCH", "25")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.RefreshInterval)
	assert.Equal(t, "compound", cfg.APYModel)
	assert.Equal(t, 100, cfg.RPCMaxBatch)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)

	alpha := cfg.Chain(534353)
	assert.Equal(t, "https://alpha-rpc.example", alpha.RPCEndpoint)
	assert.Equal(t, 25, alpha.MaxBatchSize)

	fallback := cfg.Chain(1)
	assert.Equal(t, cfg.RPCURL, fallback.RPCEndpoint)
	assert.Equal(t, 100, fallback.MaxBatchSize)
	assert.Contains(t, cfg.Chains, types.ChainScrollAlpha)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.RefreshInterval = 0 }},
		{"zero batch", func(c *Config) { c.RPCMaxBatch = 0 }},
		{"unknown apy model", func(c *Config) { c.APYModel = "simple" }},
		{"missing ratio above one", func(c *Config) { c.MaxMissingRatio = 1.5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Load()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_FLOAT", "0.25")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DURATION", "2m")
	t.Setenv("TEST_BAD", "x")

	assert.Equal(t, 42, GetEnvAsInt("TEST_INT", 1))
	assert.Equal(t, 1, GetEnvAsInt("TEST_BAD", 1))
	assert.Equal(t, 0.25, GetEnvAsFloat("TEST_FLOAT", 1))
	assert.True(t, GetEnvAsBool("TEST_BOOL", false))
	assert.False(t, GetEnvAsBool("TEST_BAD", false))
	assert.Equal(t, 2*time.Minute, GetEnvAsDuration("TEST_DURATION", time.Second))
	assert.Equal(t, "fallback", GetEnvOrDefault("TEST_UNSET_KEY", "fallback"))
}

func TestLoadRealms(t *testing.T) {
	registry, err := LoadRealms(filepath.Join("..", "..", "configs", "realms.json"))
	require.NoError(t, err)

	realms := registry.Realms()
	require.Len(t, realms, 1)
	assert.Equal(t, "main", realms[0].ID)

	realm, d, err := registry.Realm("main")
	require.NoError(t, err)
	assert.Equal(t, "Main Realm", realm.Name)
	assert.Equal(t, int64(534353), d.ChainID)
	assert.Equal(t, common.HexToAddress("0x9fE46736679d2D9a65F0992F2272dE9f3c7fa6e0"), d.Contracts["CEther"])

	_, _, err = registry.Realm("nope")
	assert.ErrorIs(t, err, ErrUnknownRealm)
}

func TestLoadRealms_Invalid(t *testing.T) {
	dir := t.TempDir()

	missing := filepath.Join(dir, "missing.json")
	_, err := LoadRealms(missing)
	assert.Error(t, err)

	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte("{"), 0o600))
	_, err = LoadRealms(garbage)
	assert.Error(t, err)

	undeployed := filepath.Join(dir, "undeployed.json")
	body := `{"realms":[{"id":"main","key":"nowhere","markets":[],"tokens":[]}],"deployments":{}}`
	require.NoError(t, os.WriteFile(undeployed, []byte(body), 0o600))
	_, err = LoadRealms(undeployed)
	assert.ErrorIs(t, err, validation.ErrInvalidRealm)
}
