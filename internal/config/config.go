package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Budget struct {
	LimitUSD       float64 `yaml:"limit_usd"`
	CostPerRequest float64 `yaml:"cost_per_request_usd"`
	LedgerPath     string  `yaml:"ledger_path"`
	ResetHourUTC   int     `yaml:"reset_hour_utc"`
}

type Cache struct {
	Path       string `yaml:"path"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type BrightData struct {
	Zone               string `yaml:"zone"`
	Endpoint           string `yaml:"endpoint"`
	RateLimitPerMinute int    `yaml:"rate_limit_per_minute"`
	TimeoutSeconds     int    `yaml:"timeout_seconds"`
	MaxRetries         int    `yaml:"max_retries"`
	BackoffBaseMs      int    `yaml:"backoff_base_ms"`
}

type YFinance struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type Breaker struct {
	FailureThreshold       int `yaml:"failure_threshold"`
	RecoveryTimeoutSeconds int `yaml:"recovery_timeout_seconds"`
	SuccessThreshold       int `yaml:"success_threshold"`
}

type SchedulerCfg struct {
	CollectIntervalSeconds int `yaml:"collect_interval_seconds"`
	CacheSweepSeconds      int `yaml:"cache_sweep_seconds"`
}

type Symbol struct {
	Symbol   string `yaml:"symbol"`
	Category string `yaml:"category"`
}

type Root struct {
	Budget     Budget       `yaml:"budget"`
	Cache      Cache        `yaml:"cache"`
	BrightData BrightData   `yaml:"bright_data"`
	YFinance   YFinance     `yaml:"yfinance"`
	Breaker    Breaker      `yaml:"breaker"`
	Scheduler  SchedulerCfg `yaml:"scheduler"`
	DataDir    string       `yaml:"data_dir"`
	Symbols    []Symbol     `yaml:"symbols"`

	// Credentials come from the environment, never the YAML file.
	BrightDataToken string `yaml:"-"`
}

// Load reads the YAML config, applies defaults, then overlays credentials
// from the environment (a .env file is honored when present).
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}

	if c.Budget.LimitUSD == 0 {
		c.Budget.LimitUSD = 50
	}
	if c.Budget.CostPerRequest == 0 {
		c.Budget.CostPerRequest = 0.0015
	}
	if c.Budget.LedgerPath == "" {
		c.Budget.LedgerPath = "data/cost_ledger.json"
	}

	if c.Cache.Path == "" {
		c.Cache.Path = "data/quote_cache.db"
	}
	if c.Cache.TTLSeconds == 0 {
		c.Cache.TTLSeconds = 900
	}

	if c.BrightData.Zone == "" {
		c.BrightData.Zone = "web_unlocker1"
	}
	if c.BrightData.RateLimitPerMinute == 0 {
		c.BrightData.RateLimitPerMinute = 30
	}
	if c.BrightData.TimeoutSeconds == 0 {
		c.BrightData.TimeoutSeconds = 30
	}
	if c.BrightData.MaxRetries == 0 {
		c.BrightData.MaxRetries = 3
	}
	if c.BrightData.BackoffBaseMs == 0 {
		c.BrightData.BackoffBaseMs = 1000
	}

	if c.YFinance.TimeoutSeconds == 0 {
		c.YFinance.TimeoutSeconds = 15
	}

	if c.Breaker.FailureThreshold == 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTimeoutSeconds == 0 {
		c.Breaker.RecoveryTimeoutSeconds = 60
	}
	if c.Breaker.SuccessThreshold == 0 {
		c.Breaker.SuccessThreshold = 1
	}

	if c.Scheduler.CollectIntervalSeconds == 0 {
		c.Scheduler.CollectIntervalSeconds = 900
	}
	if c.Scheduler.CacheSweepSeconds == 0 {
		c.Scheduler.CacheSweepSeconds = 3600
	}

	if c.DataDir == "" {
		c.DataDir = "data/quotes"
	}

	// .env is optional; the real environment always wins.
	_ = godotenv.Load()
	c.BrightDataToken = os.Getenv("BRIGHTDATA_API_TOKEN")
	if zone := os.Getenv("BRIGHTDATA_ZONE"); zone != "" {
		c.BrightData.Zone = zone
	}

	if err := c.validate(); err != nil {
		return c, err
	}
	return c, nil
}

func (c Root) validate() error {
	if c.Budget.LimitUSD <= 0 {
		return fmt.Errorf("config: budget.limit_usd must be positive")
	}
	if c.Budget.CostPerRequest <= 0 {
		return fmt.Errorf("config: budget.cost_per_request_usd must be positive")
	}
	if c.Budget.ResetHourUTC < 0 || c.Budget.ResetHourUTC > 23 {
		return fmt.Errorf("config: budget.reset_hour_utc must be 0-23")
	}
	if c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("config: cache.ttl_seconds must be positive")
	}
	return nil
}
