package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/web3ekko/ekko-settler/pkg/settlement"
)

// ChainConfig holds the EVM endpoint settings
type ChainConfig struct {
	RPCURL          string        `yaml:"rpc_url"`
	WSURL           string        `yaml:"ws_url,omitempty"` // Optional, enables push subscriptions
	ChainID         uint64        `yaml:"chain_id,omitempty"`
	Confirmations   uint64        `yaml:"confirmations"`
	BlockRange      uint64        `yaml:"block_range,omitempty"`
	BettingContract string        `yaml:"betting_contract"`
	CallTimeout     time.Duration `yaml:"call_timeout"`
	SubmitTimeout   time.Duration `yaml:"submit_timeout"`
	ConfirmTimeout  time.Duration `yaml:"confirm_timeout"`

	// Network health
	GasPriceGwei    string        `yaml:"gas_price_gwei,omitempty"` // Empty lets the node price transactions
	CongestedFactor int64         `yaml:"congested_factor"`
	MaxLatency      time.Duration `yaml:"max_latency"`
}

// GasPrice returns the configured gas price in wei, or nil when unset.
func (c ChainConfig) GasPrice() (*big.Int, error) {
	if c.GasPriceGwei == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(c.GasPriceGwei)
	if err != nil {
		return nil, fmt.Errorf("chain.gas_price_gwei %q: %w", c.GasPriceGwei, err)
	}
	wei := d.Shift(9)
	if wei.Sign() <= 0 || !wei.Equal(wei.Truncate(0)) {
		return nil, fmt.Errorf("chain.gas_price_gwei %q must be a positive whole number of wei", c.GasPriceGwei)
	}
	return wei.BigInt(), nil
}

// PipelineConfig holds the settings of one settlement pipeline
type PipelineConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Contract           string        `yaml:"contract"`
	Asset              string        `yaml:"asset,omitempty"` // Empty means the native coin
	MinimumDelay       time.Duration `yaml:"minimum_delay"`
	DisbursementWindow time.Duration `yaml:"disbursement_window"`
	GasCreate          uint64        `yaml:"gas_create,omitempty"`
	GasExecute         uint64        `yaml:"gas_execute,omitempty"`

	// Payout only
	Ratio string `yaml:"ratio,omitempty"`
	// Mining only
	Genesis time.Time `yaml:"genesis,omitempty"`

	// Pool balance thresholds in whole tokens
	WarningBalance  int64 `yaml:"warning_balance"`
	CriticalBalance int64 `yaml:"critical_balance"`
}

// WatcherConfig tunes event discovery
type WatcherConfig struct {
	BackfillBlocks    uint64        `yaml:"backfill_blocks"`
	MaxBackfillBlocks uint64        `yaml:"max_backfill_blocks"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	Concurrency       int           `yaml:"concurrency"`
}

// RetryConfig tunes the retry scheduler
type RetryConfig struct {
	MaxRetries  int           `yaml:"max_retries"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Concurrency int           `yaml:"concurrency"`
}

// RedisConfig configures the record cache and the cursor store
type RedisConfig struct {
	URL      string        `yaml:"url,omitempty"` // Empty selects the in-memory cache
	Prefix   string        `yaml:"prefix"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// NATSConfig configures outcome notifications
type NATSConfig struct {
	URL    string `yaml:"url,omitempty"` // Empty disables notifications
	Stream string `yaml:"stream"`
	Prefix string `yaml:"prefix"`
}

// ArchiveConfig configures the MinIO audit archive
type ArchiveConfig struct {
	Endpoint  string `yaml:"endpoint,omitempty"` // Empty disables the archive
	AccessKey string `yaml:"access_key,omitempty"`
	SecretKey string `yaml:"-"`
	UseSSL    bool   `yaml:"use_ssl"`
	Bucket    string `yaml:"bucket"`
	BasePath  string `yaml:"base_path,omitempty"`
}

// ScheduleConfig holds the cron specs of the periodic jobs
type ScheduleConfig struct {
	Backfill string `yaml:"backfill"`
	Report   string `yaml:"report"`
}

// LogConfig configures the zap logger
type LogConfig struct {
	Level    string `yaml:"level"`
	Encoding string `yaml:"encoding"`
}

// Config holds the application configuration
type Config struct {
	Chain    ChainConfig    `yaml:"chain"`
	Payout   PipelineConfig `yaml:"payout"`
	Mining   PipelineConfig `yaml:"mining"`
	Watcher  WatcherConfig  `yaml:"watcher"`
	Retry    RetryConfig    `yaml:"retry"`
	Redis    RedisConfig    `yaml:"redis"`
	NATS     NATSConfig     `yaml:"nats"`
	Archive  ArchiveConfig  `yaml:"archive"`
	Schedule ScheduleConfig `yaml:"schedule"`
	Log      LogConfig      `yaml:"log"`

	// PrivateKey signs settlement transactions. It is only read from SETTLER_PRIVATE_KEY.
	PrivateKey string `yaml:"-"`
}

// Default returns the configuration used when neither file nor environment sets a value.
func Default() *Config {
	return &Config{
		Chain: ChainConfig{
			Confirmations:   3,
			CallTimeout:     10 * time.Second,
			SubmitTimeout:   30 * time.Second,
			ConfirmTimeout:  3 * time.Minute,
			CongestedFactor: 3,
			MaxLatency:      5 * time.Second,
		},
		Payout: PipelineConfig{
			Enabled:            true,
			MinimumDelay:       time.Minute,
			DisbursementWindow: 30 * 24 * time.Hour,
			Ratio:              "1.9",
			WarningBalance:     100,
			CriticalBalance:    10,
		},
		Mining: PipelineConfig{
			MinimumDelay:       time.Minute,
			DisbursementWindow: 30 * 24 * time.Hour,
			WarningBalance:     100,
			CriticalBalance:    10,
		},
		Watcher: WatcherConfig{
			BackfillBlocks:    5000,
			MaxBackfillBlocks: 50000,
			PollInterval:      5 * time.Second,
			Concurrency:       16,
		},
		Retry: RetryConfig{
			MaxRetries:  3,
			BaseDelay:   2 * time.Second,
			MaxDelay:    5 * time.Minute,
			Concurrency: 16,
		},
		Redis: RedisConfig{
			Prefix:   "settler:",
			CacheTTL: time.Hour,
		},
		NATS: NATSConfig{
			Stream: "SETTLEMENTS",
			Prefix: "settlements",
		},
		Archive: ArchiveConfig{
			Bucket: "settlements",
		},
		Schedule: ScheduleConfig{
			Backfill: "@every 5m",
			Report:   "@every 1m",
		},
		Log: LogConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Load reads a YAML config file (path) over the defaults, then applies environment
// overrides. A missing file falls back to defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}
	// Expand env in URLs
	cfg.Chain.RPCURL = os.ExpandEnv(cfg.Chain.RPCURL)
	cfg.Chain.WSURL = os.ExpandEnv(cfg.Chain.WSURL)
	cfg.Redis.URL = os.ExpandEnv(cfg.Redis.URL)
	cfg.NATS.URL = os.ExpandEnv(cfg.NATS.URL)

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with SETTLER_* environment variables. The mining
// genesis feeds amount validation, so a malformed value is an error.
func (c *Config) applyEnv() error {
	c.Chain.RPCURL = getEnvWithDefault("SETTLER_RPC_URL", c.Chain.RPCURL)
	c.Chain.WSURL = getEnvWithDefault("SETTLER_WS_URL", c.Chain.WSURL)
	c.Chain.ChainID = getEnvAsUint("SETTLER_CHAIN_ID", c.Chain.ChainID)
	c.Chain.Confirmations = getEnvAsUint("SETTLER_CONFIRMATIONS", c.Chain.Confirmations)
	c.Chain.BettingContract = getEnvWithDefault("SETTLER_BETTING_CONTRACT", c.Chain.BettingContract)
	c.Chain.CallTimeout = getEnvAsDuration("SETTLER_CALL_TIMEOUT", c.Chain.CallTimeout)
	c.Chain.SubmitTimeout = getEnvAsDuration("SETTLER_SUBMIT_TIMEOUT", c.Chain.SubmitTimeout)
	c.Chain.ConfirmTimeout = getEnvAsDuration("SETTLER_CONFIRM_TIMEOUT", c.Chain.ConfirmTimeout)
	c.Chain.GasPriceGwei = getEnvWithDefault("SETTLER_GAS_PRICE_GWEI", c.Chain.GasPriceGwei)

	c.Payout.Enabled = getEnvAsBool("SETTLER_PAYOUT_ENABLED", c.Payout.Enabled)
	c.Payout.Contract = getEnvWithDefault("SETTLER_PAYOUT_CONTRACT", c.Payout.Contract)
	c.Payout.Ratio = getEnvWithDefault("SETTLER_PAYOUT_RATIO", c.Payout.Ratio)
	c.Mining.Enabled = getEnvAsBool("SETTLER_MINING_ENABLED", c.Mining.Enabled)
	c.Mining.Contract = getEnvWithDefault("SETTLER_MINING_CONTRACT", c.Mining.Contract)
	if v := os.Getenv("SETTLER_MINING_GENESIS"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("SETTLER_MINING_GENESIS must be RFC 3339: %w", err)
		}
		c.Mining.Genesis = t
	}

	c.Retry.MaxRetries = getEnvAsInt("SETTLER_MAX_RETRIES", c.Retry.MaxRetries)
	c.Retry.BaseDelay = getEnvAsDuration("SETTLER_RETRY_DELAY", c.Retry.BaseDelay)

	c.Redis.URL = getEnvWithDefault("SETTLER_REDIS_URL", c.Redis.URL)
	c.NATS.URL = getEnvWithDefault("SETTLER_NATS_URL", c.NATS.URL)
	c.Archive.Endpoint = getEnvWithDefault("SETTLER_MINIO_ENDPOINT", c.Archive.Endpoint)
	c.Archive.AccessKey = getEnvWithDefault("SETTLER_MINIO_ACCESS_KEY", c.Archive.AccessKey)
	c.Archive.SecretKey = getEnvWithDefault("SETTLER_MINIO_SECRET_KEY", c.Archive.SecretKey)
	c.Archive.Bucket = getEnvWithDefault("SETTLER_MINIO_BUCKET", c.Archive.Bucket)

	c.Log.Level = getEnvWithDefault("SETTLER_LOG_LEVEL", c.Log.Level)
	c.Log.Encoding = getEnvWithDefault("SETTLER_LOG_ENCODING", c.Log.Encoding)

	c.PrivateKey = os.Getenv("SETTLER_PRIVATE_KEY")
	return nil
}

// Validate checks that the configuration is complete enough to run.
func (c *Config) Validate() error {
	var errs []error
	if c.Chain.RPCURL == "" {
		errs = append(errs, errors.New("chain.rpc_url is required"))
	}
	if !common.IsHexAddress(c.Chain.BettingContract) {
		errs = append(errs, fmt.Errorf("chain.betting_contract %q is not an address", c.Chain.BettingContract))
	}
	if _, err := c.Chain.GasPrice(); err != nil {
		errs = append(errs, err)
	}
	if c.Chain.CongestedFactor < 1 {
		errs = append(errs, errors.New("chain.congested_factor must be at least 1"))
	}
	if !c.Payout.Enabled && !c.Mining.Enabled {
		errs = append(errs, errors.New("at least one of payout and mining must be enabled"))
	}
	for _, p := range c.Enabled() {
		pc := c.Pipeline(p)
		if !common.IsHexAddress(pc.Contract) {
			errs = append(errs, fmt.Errorf("%s.contract %q is not an address", p, pc.Contract))
		}
		if pc.Asset != "" && !common.IsHexAddress(pc.Asset) {
			errs = append(errs, fmt.Errorf("%s.asset %q is not an address", p, pc.Asset))
		}
		if pc.MinimumDelay < 0 {
			errs = append(errs, fmt.Errorf("%s.minimum_delay must not be negative", p))
		}
		if pc.DisbursementWindow > 0 && pc.DisbursementWindow <= pc.MinimumDelay {
			errs = append(errs, fmt.Errorf("%s.disbursement_window must exceed minimum_delay", p))
		}
		if _, err := c.Policy(p); err != nil {
			errs = append(errs, err)
		}
	}
	switch c.Log.Encoding {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.encoding must be json or console, got %q", c.Log.Encoding))
	}
	if c.Retry.MaxRetries < 1 {
		errs = append(errs, errors.New("retry.max_retries must be at least 1"))
	}
	return errors.Join(errs...)
}

// Enabled lists the enabled pipelines in a stable order.
func (c *Config) Enabled() []settlement.Pipeline {
	var out []settlement.Pipeline
	for _, p := range settlement.Pipelines {
		if c.Pipeline(p).Enabled {
			out = append(out, p)
		}
	}
	return out
}

// Pipeline returns the settings of p.
func (c *Config) Pipeline(p settlement.Pipeline) PipelineConfig {
	if p == settlement.PipelineMining {
		return c.Mining
	}
	return c.Payout
}

// Policy builds the settlement rules of p.
func (c *Config) Policy(p settlement.Pipeline) (settlement.Policy, error) {
	pc := c.Pipeline(p)
	policy := settlement.Policy{
		Pipeline:           p,
		MinimumDelay:       pc.MinimumDelay,
		DisbursementWindow: pc.DisbursementWindow,
	}
	switch p {
	case settlement.PipelinePayout:
		f, err := settlement.NewPayoutFormula(pc.Ratio)
		if err != nil {
			return settlement.Policy{}, fmt.Errorf("payout.ratio: %w", err)
		}
		policy.Formula = f
	case settlement.PipelineMining:
		if pc.Genesis.IsZero() {
			return settlement.Policy{}, errors.New("mining.genesis is required")
		}
		policy.Formula = settlement.NewMiningFormula(pc.Genesis)
	default:
		return settlement.Policy{}, fmt.Errorf("unknown pipeline %s", p)
	}
	return policy, nil
}

// getEnvWithDefault returns environment variable value or default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns environment variable as integer or default if not set
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvAsUint(key string, defaultValue uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseUint(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(strings.TrimSpace(value)); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvAsDuration returns environment variable as duration or default if not set
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
