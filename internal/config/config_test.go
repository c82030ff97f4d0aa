package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"SYMBOL", "EXCHANGES", "STALE_TIME", "MAX_WS_RECONNECTS", "TAKER_FEE",
		"REDIS_URL", "DATABASE_URL", "OPS_ADDR", "ARBWATCH_DATA_DIR",
		"KUCOIN_API_KEY", "KUCOIN_API_SECRET", "KUCOIN_API_PASSPHRASE",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(newFlags(t), nil)
	require.NoError(t, err)

	assert.Equal(t, "BTC", cfg.Symbol)
	// KuCoin is dropped without credentials.
	assert.Equal(t, []string{"binance", "coinbase", "bybit", "kraken"}, cfg.Exchanges)
	assert.Equal(t, 30*time.Second, cfg.StaleTime)
	assert.Equal(t, 5, cfg.MaxReconnects)
	assert.Equal(t, 0.001, cfg.TakerFee)
	assert.Equal(t, "127.0.0.1:8090", cfg.OpsAddr)
	assert.Equal(t, "logs", cfg.DataDir)
	assert.Equal(t, "opportunities.csv", cfg.CSVPath)
}

func TestSymbolPrecedence(t *testing.T) {
	clearEnv(t)
	t.Setenv("SYMBOL", "eth")

	cfg, err := Load(newFlags(t), nil)
	require.NoError(t, err)
	assert.Equal(t, "ETH", cfg.Symbol)

	// Positional argument beats the environment.
	cfg, err = Load(newFlags(t), []string{"sol"})
	require.NoError(t, err)
	assert.Equal(t, "SOL", cfg.Symbol)
}

func TestExchangesFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXCHANGES", "binance, kraken")

	cfg, err := Load(newFlags(t), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"binance", "kraken"}, cfg.Exchanges)
}

func TestExchangesFlagBeatsEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXCHANGES", "binance")

	cfg, err := Load(newFlags(t, "--exchanges=bybit"), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"bybit"}, cfg.Exchanges)
}

func TestUnknownExchangeIsFatal(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXCHANGES", "binance,ftx")

	_, err := Load(newFlags(t), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftx")
}

func TestKuCoinGating(t *testing.T) {
	t.Run("explicit request without credentials is fatal", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("EXCHANGES", "binance,kucoin")

		_, err := Load(newFlags(t), nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "KUCOIN_API_KEY")
	})

	t.Run("default set silently drops kucoin", func(t *testing.T) {
		clearEnv(t)

		cfg, err := Load(newFlags(t), nil)
		require.NoError(t, err)
		assert.NotContains(t, cfg.Exchanges, "kucoin")
	})

	t.Run("credentials keep kucoin enabled", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("KUCOIN_API_KEY", "k")
		t.Setenv("KUCOIN_API_SECRET", "s")
		t.Setenv("KUCOIN_API_PASSPHRASE", "p")

		cfg, err := Load(newFlags(t), nil)
		require.NoError(t, err)
		assert.Contains(t, cfg.Exchanges, "kucoin")
		assert.Equal(t, "k", cfg.KuCoin.Key)
	})
}

func TestStaleTimeEnvSecondsAndFlag(t *testing.T) {
	clearEnv(t)
	t.Setenv("STALE_TIME", "45")

	cfg, err := Load(newFlags(t), nil)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, cfg.StaleTime)

	cfg, err = Load(newFlags(t, "--stale-time=10s"), nil)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.StaleTime)

	t.Setenv("STALE_TIME", "soon")
	_, err = Load(newFlags(t), nil)
	require.Error(t, err)
}

func TestYAMLFileLowestPrecedenceAboveDefaults(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "arbwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
symbol: DOGE
exchanges: [kraken, bybit]
stale_time: 60
taker_fee: 0.002
data_dir: /tmp/arbwatch
`), 0o644))

	cfg, err := Load(newFlags(t, "--config="+path), nil)
	require.NoError(t, err)
	assert.Equal(t, "DOGE", cfg.Symbol)
	assert.Equal(t, []string{"kraken", "bybit"}, cfg.Exchanges)
	assert.Equal(t, 60*time.Second, cfg.StaleTime)
	assert.Equal(t, 0.002, cfg.TakerFee)
	assert.Equal(t, "/tmp/arbwatch", cfg.DataDir)

	// Environment overrides the file.
	t.Setenv("STALE_TIME", "15")
	cfg, err = Load(newFlags(t, "--config="+path), nil)
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, cfg.StaleTime)
}

func TestFeeValidation(t *testing.T) {
	clearEnv(t)
	t.Setenv("TAKER_FEE", "1.5")

	_, err := Load(newFlags(t), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "taker fee")
}
