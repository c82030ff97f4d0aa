// Package config resolves runtime configuration for the watcher. Precedence
// is flags > environment > optional YAML file > defaults; the positional
// symbol argument beats the SYMBOL environment variable.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/arbwatch/arbwatch/internal/venue"
)

// Config is the fully resolved runtime configuration.
type Config struct {
	Symbol        string
	Exchanges     []string
	StaleTime     time.Duration
	MaxReconnects int
	TakerFee      float64
	RedisURL      string
	DatabaseURL   string
	OpsAddr       string
	DataDir       string
	CSVPath       string
	KuCoin        KuCoinKeys
}

// KuCoinKeys hold the API credentials the signed level2 snapshot requires.
type KuCoinKeys struct {
	Key        string
	Secret     string
	Passphrase string
}

// Complete reports whether all three credentials are present.
func (k KuCoinKeys) Complete() bool {
	return k.Key != "" && k.Secret != "" && k.Passphrase != ""
}

// Default returns the built-in configuration: BTC on all five venues.
func Default() *Config {
	return &Config{
		Symbol:        "BTC",
		Exchanges:     venue.Names(),
		StaleTime:     30 * time.Second,
		MaxReconnects: 5,
		TakerFee:      0.001,
		OpsAddr:       "127.0.0.1:8090",
		DataDir:       "logs",
		CSVPath:       "opportunities.csv",
	}
}

// BindFlags registers the watch flags on fs. Load reads them back via
// fs.Changed, so defaults here are display-only.
func BindFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to an optional YAML config file")
	fs.String("exchanges", "", "comma-separated venue subset (binance,coinbase,bybit,kraken,kucoin)")
	fs.Duration("stale-time", 30*time.Second, "staleness threshold for quotes and idle streams")
	fs.Int("max-reconnects", 5, "per-counter reconnect budget before a venue is stopped")
	fs.Float64("fee", 0.001, "taker fee fraction applied on both legs")
	fs.String("ops-addr", "127.0.0.1:8090", "listen address for the ops HTTP server (empty disables)")
	fs.String("data-dir", "logs", "directory for status files")
	fs.String("csv", "opportunities.csv", "path of the opportunity CSV log")
}

// Load resolves the configuration from the parsed flag set, the environment,
// an optional YAML file and defaults. args carries the positional symbol.
func Load(fs *pflag.FlagSet, args []string) (*Config, error) {
	cfg := Default()

	if path, err := fs.GetString("config"); err == nil && path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	explicit, err := cfg.applyEnv()
	if err != nil {
		return nil, err
	}
	if cfg.applyFlags(fs) {
		explicit = true
	}

	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		cfg.Symbol = args[0]
	}
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))

	if err := cfg.normalize(explicit); err != nil {
		return nil, err
	}
	return cfg, nil
}

type fileConfig struct {
	Symbol        string   `yaml:"symbol"`
	Exchanges     []string `yaml:"exchanges"`
	StaleTime     int      `yaml:"stale_time"`
	MaxReconnects int      `yaml:"max_ws_reconnects"`
	TakerFee      *float64 `yaml:"taker_fee"`
	RedisURL      string   `yaml:"redis_url"`
	DatabaseURL   string   `yaml:"database_url"`
	OpsAddr       *string  `yaml:"ops_addr"`
	DataDir       string   `yaml:"data_dir"`
	CSVPath       string   `yaml:"csv"`
	KuCoin        struct {
		Key        string `yaml:"api_key"`
		Secret     string `yaml:"api_secret"`
		Passphrase string `yaml:"api_passphrase"`
	} `yaml:"kucoin"`
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.Symbol != "" {
		c.Symbol = fc.Symbol
	}
	if len(fc.Exchanges) > 0 {
		c.Exchanges = fc.Exchanges
	}
	if fc.StaleTime > 0 {
		c.StaleTime = time.Duration(fc.StaleTime) * time.Second
	}
	if fc.MaxReconnects > 0 {
		c.MaxReconnects = fc.MaxReconnects
	}
	if fc.TakerFee != nil {
		c.TakerFee = *fc.TakerFee
	}
	if fc.RedisURL != "" {
		c.RedisURL = fc.RedisURL
	}
	if fc.DatabaseURL != "" {
		c.DatabaseURL = fc.DatabaseURL
	}
	if fc.OpsAddr != nil {
		c.OpsAddr = *fc.OpsAddr
	}
	if fc.DataDir != "" {
		c.DataDir = fc.DataDir
	}
	if fc.CSVPath != "" {
		c.CSVPath = fc.CSVPath
	}
	if fc.KuCoin.Key != "" {
		c.KuCoin.Key = fc.KuCoin.Key
	}
	if fc.KuCoin.Secret != "" {
		c.KuCoin.Secret = fc.KuCoin.Secret
	}
	if fc.KuCoin.Passphrase != "" {
		c.KuCoin.Passphrase = fc.KuCoin.Passphrase
	}
	return nil
}

// applyEnv overlays environment variables. The returned bool reports whether
// EXCHANGES named venues explicitly, which makes missing KuCoin credentials
// fatal instead of a silent drop.
func (c *Config) applyEnv() (bool, error) {
	explicit := false

	if v := os.Getenv("SYMBOL"); v != "" {
		c.Symbol = v
	}
	if v := os.Getenv("EXCHANGES"); v != "" {
		c.Exchanges = strings.Split(v, ",")
		explicit = true
	}
	if v := os.Getenv("STALE_TIME"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil || secs <= 0 {
			return false, fmt.Errorf("STALE_TIME must be a positive integer of seconds, got %q", v)
		}
		c.StaleTime = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("MAX_WS_RECONNECTS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return false, fmt.Errorf("MAX_WS_RECONNECTS must be a positive integer, got %q", v)
		}
		c.MaxReconnects = n
	}
	if v := os.Getenv("TAKER_FEE"); v != "" {
		fee, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return false, fmt.Errorf("TAKER_FEE must be a float, got %q", v)
		}
		c.TakerFee = fee
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v, ok := os.LookupEnv("OPS_ADDR"); ok {
		c.OpsAddr = v
	}
	if v := os.Getenv("ARBWATCH_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KUCOIN_API_KEY"); v != "" {
		c.KuCoin.Key = v
	}
	if v := os.Getenv("KUCOIN_API_SECRET"); v != "" {
		c.KuCoin.Secret = v
	}
	if v := os.Getenv("KUCOIN_API_PASSPHRASE"); v != "" {
		c.KuCoin.Passphrase = v
	}
	return explicit, nil
}

func (c *Config) applyFlags(fs *pflag.FlagSet) bool {
	explicit := false
	if fs.Changed("exchanges") {
		v, _ := fs.GetString("exchanges")
		c.Exchanges = strings.Split(v, ",")
		explicit = true
	}
	if fs.Changed("stale-time") {
		c.StaleTime, _ = fs.GetDuration("stale-time")
	}
	if fs.Changed("max-reconnects") {
		c.MaxReconnects, _ = fs.GetInt("max-reconnects")
	}
	if fs.Changed("fee") {
		c.TakerFee, _ = fs.GetFloat64("fee")
	}
	if fs.Changed("ops-addr") {
		c.OpsAddr, _ = fs.GetString("ops-addr")
	}
	if fs.Changed("data-dir") {
		c.DataDir, _ = fs.GetString("data-dir")
	}
	if fs.Changed("csv") {
		c.CSVPath, _ = fs.GetString("csv")
	}
	return explicit
}

func (c *Config) normalize(explicit bool) error {
	known := make(map[string]bool, len(venue.Names()))
	for _, name := range venue.Names() {
		known[name] = true
	}

	seen := make(map[string]bool)
	cleaned := make([]string, 0, len(c.Exchanges))
	for _, raw := range c.Exchanges {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		if !known[name] {
			return fmt.Errorf("unknown exchange %q (supported: %s)", name, strings.Join(venue.Names(), ", "))
		}
		seen[name] = true
		cleaned = append(cleaned, name)
	}
	c.Exchanges = cleaned

	if seen["kucoin"] && !c.KuCoin.Complete() {
		if explicit {
			return fmt.Errorf("kucoin requires KUCOIN_API_KEY, KUCOIN_API_SECRET and KUCOIN_API_PASSPHRASE")
		}
		filtered := c.Exchanges[:0]
		for _, name := range c.Exchanges {
			if name != "kucoin" {
				filtered = append(filtered, name)
			}
		}
		c.Exchanges = filtered
		log.Warn().Msg("kucoin disabled: API credentials not configured")
	}

	if len(c.Exchanges) == 0 {
		return fmt.Errorf("no exchanges enabled")
	}
	if c.Symbol == "" {
		return fmt.Errorf("symbol must not be empty")
	}
	if c.StaleTime <= 0 {
		return fmt.Errorf("stale time must be positive")
	}
	if c.MaxReconnects <= 0 {
		return fmt.Errorf("max reconnects must be positive")
	}
	if c.TakerFee < 0 || c.TakerFee >= 1 {
		return fmt.Errorf("taker fee must be in [0, 1), got %g", c.TakerFee)
	}
	if c.CSVPath == "" {
		return fmt.Errorf("csv path must not be empty")
	}
	return nil
}
