// Package config defines all configuration for the arena daemon.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// operational fields overridable via ARENA_* environment variables, plus the
// short-form variables used by deployment (ENFORCEMENT_MODE, TICK_RATE,
// LLM_PROVIDER, DATABASE_URL, REDIS_URL, ...).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	EnforcementMode string          `mapstructure:"enforcement_mode"`
	Database        DatabaseConfig  `mapstructure:"database"`
	Redis           RedisConfig     `mapstructure:"redis"`
	LLM             LLMConfig       `mapstructure:"llm"`
	Entropy         EntropyConfig   `mapstructure:"entropy"`
	Research        ResearchConfig  `mapstructure:"research"`
	Portfolio       PortfolioConfig `mapstructure:"portfolio"`
	Wager           WagerConfig     `mapstructure:"wager"`
	Markets         MarketsConfig   `mapstructure:"markets"`
	Scheduler       SchedulerConfig `mapstructure:"scheduler"`
	Genesis         GenesisConfig   `mapstructure:"genesis"`
	Logging         LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig selects the ledger backend. URL accepts postgres:// DSNs
// (lib/pq) or a sqlite path / sqlite:// URL; empty means a local arena.db file.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig holds the pub/sub connection for the stream publisher and the
// optional per-agent tick lease. Empty disables both (ticks still run).
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// LLMConfig selects and configures the language-model provider.
//
//   - Provider: "mock" (default, deterministic, no network), "openai",
//     "grok", or "local" (Ollama/vLLM, no key needed).
//   - PromptCostPerM / CompletionCostPerM: USD per million tokens, used by
//     the token-tracking wrapper to estimate tick cost.
type LLMConfig struct {
	Provider           string  `mapstructure:"provider"`
	APIKey             string  `mapstructure:"api_key"`
	BaseURL            string  `mapstructure:"base_url"`
	Model              string  `mapstructure:"model"`
	PromptCostPerM     float64 `mapstructure:"prompt_cost_per_m"`
	CompletionCostPerM float64 `mapstructure:"completion_cost_per_m"`
}

// EntropyConfig tunes the progressive time tax.
// fee = min(Base + floor(idle_streak/Interval)*Penalty, Max).
type EntropyConfig struct {
	Base     float64 `mapstructure:"base"`
	Interval int     `mapstructure:"interval"`
	Penalty  float64 `mapstructure:"penalty"`
	Max      float64 `mapstructure:"max"`
}

// ResearchConfig tunes knowledge-market participation.
//
//   - Stake: fixed stake per research answer.
//   - Bounty: bounty attached to generated research markets.
//   - LookupFee: surcharge when the tool gateway is consulted.
//   - LookupThreshold: model confidence below which the tool is consulted.
//   - DeadlineMinutes: lifetime of a generated research market.
type ResearchConfig struct {
	Stake           float64 `mapstructure:"stake"`
	Bounty          float64 `mapstructure:"bounty"`
	LookupFee       float64 `mapstructure:"lookup_fee"`
	LookupThreshold float64 `mapstructure:"lookup_threshold"`
	DeadlineMinutes int     `mapstructure:"deadline_minutes"`
}

// PortfolioConfig bounds multi-market staking in one tick.
// Per-bet stake = balance * confidence * StakeCoeff; the per-tick aggregate
// is capped at AggregateCap * balance.
type PortfolioConfig struct {
	MaxBets         int     `mapstructure:"max_bets"`
	ConfidenceFloor float64 `mapstructure:"confidence_floor"`
	StakeCoeff      float64 `mapstructure:"stake_coeff"`
	AggregateCap    float64 `mapstructure:"aggregate_cap"`
}

// WagerConfig bounds the single-wager fallback.
type WagerConfig struct {
	Floor       float64 `mapstructure:"floor"`
	CapFraction float64 `mapstructure:"cap_fraction"`
}

// MarketsConfig drives the market maker. Weights are relative (they do not
// need to sum to 100); a weight of zero disables that source.
type MarketsConfig struct {
	MinOpen        int      `mapstructure:"min_open"`
	WeightResearch int      `mapstructure:"weight_research"`
	WeightWeather  int      `mapstructure:"weight_weather"`
	WeightGitHub   int      `mapstructure:"weight_github"`
	WeightNews     int      `mapstructure:"weight_news"`
	GitHubRepos    []string `mapstructure:"github_repos"`
	NewsFeeds      []string `mapstructure:"news_feeds"`
	Cities         []City   `mapstructure:"cities"`
}

// City is a weather-market location.
type City struct {
	Name      string  `mapstructure:"name"`
	Latitude  float64 `mapstructure:"latitude"`
	Longitude float64 `mapstructure:"longitude"`
}

// SchedulerConfig controls the fleet driver.
//
//   - TickRate: seconds between fleet-wide tick cycles.
//   - MarketMakerInterval: seconds between market-generation cycles.
//   - MaxConcurrentTicks: bound on agents ticked in parallel.
type SchedulerConfig struct {
	TickRate            int `mapstructure:"tick_rate"`
	MarketMakerInterval int `mapstructure:"market_maker_interval"`
	MaxConcurrentTicks  int `mapstructure:"max_concurrent_ticks"`
}

// GenesisConfig seeds the economy when the store is empty.
type GenesisConfig struct {
	Handle string  `mapstructure:"handle"`
	Grant  float64 `mapstructure:"grant"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. A missing file
// is not an error — defaults plus environment cover env-only deployments.
// Deployment variables: ENFORCEMENT_MODE, TICK_RATE, MARKET_MAKER_INTERVAL,
// LLM_PROVIDER, LLM_API_KEY, LLM_BASE_URL, LLM_MODEL, DATABASE_URL, REDIS_URL.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !os.IsNotExist(err) {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override from short-form deployment env vars
	if mode := os.Getenv("ENFORCEMENT_MODE"); mode != "" {
		cfg.EnforcementMode = mode
	}
	if rate := os.Getenv("TICK_RATE"); rate != "" {
		if n, err := strconv.Atoi(rate); err == nil {
			cfg.Scheduler.TickRate = n
		}
	}
	if iv := os.Getenv("MARKET_MAKER_INTERVAL"); iv != "" {
		if n, err := strconv.Atoi(iv); err == nil {
			cfg.Scheduler.MarketMakerInterval = n
		}
	}
	if p := os.Getenv("LLM_PROVIDER"); p != "" {
		cfg.LLM.Provider = p
	}
	if key := os.Getenv("LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}
	if u := os.Getenv("LLM_BASE_URL"); u != "" {
		cfg.LLM.BaseURL = u
	}
	if m := os.Getenv("LLM_MODEL"); m != "" {
		cfg.LLM.Model = m
	}
	if u := os.Getenv("DATABASE_URL"); u != "" {
		cfg.Database.URL = u
	}
	if u := os.Getenv("REDIS_URL"); u != "" {
		cfg.Redis.URL = u
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("enforcement_mode", "observe")

	v.SetDefault("entropy.base", 0.50)
	v.SetDefault("entropy.interval", 5)
	v.SetDefault("entropy.penalty", 0.25)
	v.SetDefault("entropy.max", 3.00)

	v.SetDefault("research.stake", 1.00)
	v.SetDefault("research.bounty", 25.00)
	v.SetDefault("research.lookup_fee", 0.50)
	v.SetDefault("research.lookup_threshold", 0.75)
	v.SetDefault("research.deadline_minutes", 5)

	v.SetDefault("portfolio.max_bets", 3)
	v.SetDefault("portfolio.confidence_floor", 0.60)
	v.SetDefault("portfolio.stake_coeff", 0.25)
	v.SetDefault("portfolio.aggregate_cap", 0.20)

	v.SetDefault("wager.floor", 1.00)
	v.SetDefault("wager.cap_fraction", 0.10)

	v.SetDefault("markets.min_open", 3)
	v.SetDefault("markets.weight_research", 40)
	v.SetDefault("markets.weight_weather", 25)
	v.SetDefault("markets.weight_github", 20)
	v.SetDefault("markets.weight_news", 15)
	v.SetDefault("markets.github_repos", []string{"golang/go", "kubernetes/kubernetes", "torvalds/linux"})
	v.SetDefault("markets.news_feeds", []string{"https://hnrss.org/frontpage"})

	v.SetDefault("scheduler.tick_rate", 30)
	v.SetDefault("scheduler.market_maker_interval", 300)
	v.SetDefault("scheduler.max_concurrent_ticks", 8)

	v.SetDefault("genesis.handle", "genesis")
	v.SetDefault("genesis.grant", 1000.00)

	v.SetDefault("llm.provider", "mock")
	v.SetDefault("llm.prompt_cost_per_m", 3.0)
	v.SetDefault("llm.completion_cost_per_m", 10.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.EnforcementMode {
	case "observe", "enforce":
	default:
		return fmt.Errorf("enforcement_mode must be \"observe\" or \"enforce\", got %q", c.EnforcementMode)
	}
	if c.Entropy.Base < 0 || c.Entropy.Penalty < 0 {
		return fmt.Errorf("entropy.base and entropy.penalty must be >= 0")
	}
	if c.Entropy.Interval <= 0 {
		return fmt.Errorf("entropy.interval must be > 0")
	}
	if c.Entropy.Max < c.Entropy.Base {
		return fmt.Errorf("entropy.max must be >= entropy.base")
	}
	if c.Research.Stake <= 0 {
		return fmt.Errorf("research.stake must be > 0")
	}
	if c.Research.DeadlineMinutes <= 0 {
		return fmt.Errorf("research.deadline_minutes must be > 0")
	}
	if c.Portfolio.MaxBets <= 0 {
		return fmt.Errorf("portfolio.max_bets must be > 0")
	}
	if c.Portfolio.ConfidenceFloor < 0 || c.Portfolio.ConfidenceFloor > 1 {
		return fmt.Errorf("portfolio.confidence_floor must be in [0,1]")
	}
	if c.Portfolio.AggregateCap <= 0 || c.Portfolio.AggregateCap > 1 {
		return fmt.Errorf("portfolio.aggregate_cap must be in (0,1]")
	}
	if c.Wager.CapFraction <= 0 || c.Wager.CapFraction > 1 {
		return fmt.Errorf("wager.cap_fraction must be in (0,1]")
	}
	if c.Scheduler.TickRate <= 0 {
		return fmt.Errorf("scheduler.tick_rate must be > 0 (set TICK_RATE)")
	}
	if c.Scheduler.MaxConcurrentTicks <= 0 {
		return fmt.Errorf("scheduler.max_concurrent_ticks must be > 0")
	}
	switch strings.ToLower(c.LLM.Provider) {
	case "", "mock", "local":
	case "openai", "grok":
		if c.LLM.APIKey == "" {
			return fmt.Errorf("llm.api_key is required for provider %q (set LLM_API_KEY)", c.LLM.Provider)
		}
	default:
		return fmt.Errorf("llm.provider must be one of: mock, openai, grok, local")
	}
	return nil
}
