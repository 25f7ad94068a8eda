// Package config loads the server configuration from the environment,
// optionally seeded from a .env file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full server configuration. API keys for external indexers are
// accepted for forward compatibility but nothing consumes them yet; all pool
// discovery is derived on-chain.
type Config struct {
	ListenAddr string
	DataDir    string

	EthereumRPCURLs []string
	PolygonRPCURLs  []string
	MockChains      bool

	SchedulerPeriod  time.Duration
	MaxBatchWeight   int
	MulticallTimeout time.Duration
	TokenListTimeout time.Duration

	DiscoveryRetryWindow time.Duration
	CacheTTL             time.Duration
	TierHighInterval     time.Duration
	TierNormalInterval   time.Duration
	TierLowInterval      time.Duration

	TheGraphAPIKey  string
	EtherscanAPIKey string
}

// Load reads the environment (after merging an optional .env file) and
// validates the result. A missing .env file is not an error.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	cfg := &Config{
		ListenAddr:      envString("LISTEN_ADDR", ":8080"),
		DataDir:         envString("DATA_DIR", "./data"),
		EthereumRPCURLs: envList("ETHEREUM_RPC_URLS"),
		PolygonRPCURLs:  envList("POLYGON_RPC_URLS"),
		TheGraphAPIKey:  os.Getenv("THE_GRAPH_API_KEY"),
		EtherscanAPIKey: os.Getenv("ETHERSCAN_API_KEY"),
	}

	var err error
	if cfg.MockChains, err = envBool("MOCK_CHAINS", false); err != nil {
		return nil, err
	}
	if cfg.SchedulerPeriod, err = envDuration("SCHEDULER_PERIOD", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.MaxBatchWeight, err = envInt("MAX_BATCH_WEIGHT", 200); err != nil {
		return nil, err
	}
	if cfg.MulticallTimeout, err = envDuration("MULTICALL_TIMEOUT", 8*time.Second); err != nil {
		return nil, err
	}
	if cfg.TokenListTimeout, err = envDuration("TOKEN_LIST_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.DiscoveryRetryWindow, err = envDuration("DISCOVERY_RETRY_WINDOW", 5*time.Minute); err != nil {
		return nil, err
	}
	if cfg.CacheTTL, err = envDuration("CACHE_TTL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.TierHighInterval, err = envDuration("TIER_HIGH_INTERVAL", 5*time.Second); err != nil {
		return nil, err
	}
	if cfg.TierNormalInterval, err = envDuration("TIER_NORMAL_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.TierLowInterval, err = envDuration("TIER_LOW_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.DataDir == "" {
		return errors.New("DATA_DIR must not be empty")
	}
	if c.SchedulerPeriod <= 0 {
		return errors.New("SCHEDULER_PERIOD must be positive")
	}
	if c.MaxBatchWeight <= 0 {
		return errors.New("MAX_BATCH_WEIGHT must be positive")
	}
	if c.MulticallTimeout <= 0 || c.TokenListTimeout <= 0 {
		return errors.New("timeouts must be positive")
	}
	if c.DiscoveryRetryWindow <= 0 {
		return errors.New("DISCOVERY_RETRY_WINDOW must be positive")
	}
	if c.CacheTTL <= 0 {
		return errors.New("CACHE_TTL must be positive")
	}
	if c.TierHighInterval <= 0 || c.TierNormalInterval <= 0 || c.TierLowInterval <= 0 {
		return errors.New("tier intervals must be positive")
	}
	if !c.MockChains && len(c.EthereumRPCURLs) == 0 && len(c.PolygonRPCURLs) == 0 {
		return errors.New("no RPC providers configured; set ETHEREUM_RPC_URLS or POLYGON_RPC_URLS, or MOCK_CHAINS=true")
	}
	return nil
}

func envString(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}

// envList splits a comma-separated variable, dropping empty items.
func envList(name string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(name), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envBool(name string, fallback bool) (bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parsing %s: %w", name, err)
	}
	return v, nil
}

func envInt(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return v, nil
}

func envDuration(name string, fallback time.Duration) (time.Duration, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", name, err)
	}
	return v, nil
}
