// Package config handles application configuration.
package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// MilestoneCount is the number of loss milestones on the ladder.
const MilestoneCount = 8

// Config defines the structure for all application configuration.
type Config struct {
	Symbol      SymbolConf    `yaml:"symbols"`
	Trade       TradeConf     `yaml:"trade"`
	Kill        KillConf      `yaml:"kill"`
	Grid        GridConf      `yaml:"grid"`
	Selection   SelectionConf `yaml:"selection"`
	Scheduler   SchedulerConf `yaml:"scheduler"`
	Exchange    ExchangeConf  `yaml:"exchange"`
	DBWriter    DBWriterConf  `yaml:"db_writer"`
	Alert       AlertConf     `yaml:"alert"`
	HTTPAddr    string        `yaml:"http_addr"`
	APIKey      string        `yaml:"-"` // Loaded from env
	APISecret   string        `yaml:"-"` // Loaded from env
	LogLevel    string        `yaml:"-"` // Loaded from env or defaults
	DatabaseURL string        `yaml:"-"` // Loaded from env
}

// SymbolConf restricts which instruments the bot may trade.
type SymbolConf struct {
	QuoteAsset string   `yaml:"quote_asset"`
	Exclude    []string `yaml:"exclude"`
}

// TradeConf holds capital and account-level risk settings.
type TradeConf struct {
	CapitalPerTrade float64 `yaml:"capital_per_trade"`
	Leverage        int     `yaml:"leverage"`
	// OverallTakeProfit/OverallStopLoss are cumulative realized-PnL circuit
	// breakers for the whole session. StopLoss is expressed as a positive
	// number of quote units of loss.
	OverallTakeProfit float64 `yaml:"overall_take_profit"`
	OverallStopLoss   float64 `yaml:"overall_stop_loss"`
}

// KillConf parameterizes the hedged-pair strategy. The milestone ladder and
// the TP/SL capital multipliers differ between deployments, so all of them
// are configuration rather than constants.
type KillConf struct {
	// TakeProfitCapitalMult/StopLossCapitalMult express the virtual TP/SL of
	// each side as multiples of capital_per_trade.
	TakeProfitCapitalMult float64 `yaml:"take_profit_capital_mult"`
	StopLossCapitalMult   float64 `yaml:"stop_loss_capital_mult"`
	// MilestoneBasePct is the first loss threshold as a fraction of capital;
	// each subsequent milestone multiplies the previous one by MilestoneGrowth.
	MilestoneBasePct float64 `yaml:"milestone_base_pct"`
	MilestoneGrowth  float64 `yaml:"milestone_growth"`
	// ReferenceLeverage anchors the leverage scaling of the ladder: thresholds
	// are multiplied by leverage/reference_leverage.
	ReferenceLeverage int `yaml:"reference_leverage"`
	// PartialCloseFraction applies at milestones 1-4 and 6-7,
	// MidpointCloseFraction at milestone 5.
	PartialCloseFraction  float64 `yaml:"partial_close_fraction"`
	MidpointCloseFraction float64 `yaml:"midpoint_close_fraction"`
}

// MilestoneThresholds returns the loss ladder as positive fractions of
// capital, scaled for the given leverage.
func (k KillConf) MilestoneThresholds(leverage int) [MilestoneCount]float64 {
	scale := 1.0
	if k.ReferenceLeverage > 0 && leverage > 0 {
		scale = float64(leverage) / float64(k.ReferenceLeverage)
	}
	var out [MilestoneCount]float64
	for i := 0; i < MilestoneCount; i++ {
		out[i] = k.MilestoneBasePct * math.Pow(k.MilestoneGrowth, float64(i)) * scale
	}
	return out
}

// GridConf parameterizes the sideways grid strategy.
type GridConf struct {
	StepPct         float64 `yaml:"step_pct"`
	MaxSteps        int     `yaml:"max_steps"`
	CapitalFraction float64 `yaml:"capital_fraction"`
	TakeProfitPct   float64 `yaml:"take_profit_pct"`
	StopLossPct     float64 `yaml:"stop_loss_pct"`
	// RotationIntervalSec is the cadence of the better-symbol check while the
	// grid is active; SwitchCooldownSec delays the actual switch to avoid
	// thrashing.
	RotationIntervalSec  int `yaml:"rotation_interval_sec"`
	SwitchCooldownSec    int `yaml:"switch_cooldown_sec"`
	InactivityTimeoutSec int `yaml:"inactivity_timeout_sec"`
}

// SelectionConf parameterizes coin selection and mode choice.
type SelectionConf struct {
	FeedURL        string `yaml:"feed_url"`
	MinSampleCount int    `yaml:"min_sample_count"`
	// VolatilityKillThreshold splits the two modes at entry: at or above it a
	// symbol is traded in Kill mode, below it in Sideways mode. The same value
	// triggers a Sideways->Kill rotation.
	VolatilityKillThreshold float64 `yaml:"volatility_kill_threshold"`
	// BetterSymbolMargin is the minimum volatility gap a rival symbol needs
	// before a grid rotation abandons the current one.
	BetterSymbolMargin float64 `yaml:"better_symbol_margin"`
}

// SchedulerConf drives the polling cycle and failure budget.
type SchedulerConf struct {
	TickIntervalMs         int `yaml:"tick_interval_ms"`
	SettlementDelayMs      int `yaml:"settlement_delay_ms"`
	VerifyAttempts         int `yaml:"verify_attempts"`
	VerifyDelayMs          int `yaml:"verify_delay_ms"`
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	PendingEvictionSec     int `yaml:"pending_eviction_sec"`
}

// ExchangeConf holds venue endpoints; both can be overridden in tests.
type ExchangeConf struct {
	RESTBaseURL string `yaml:"rest_base_url"`
	WSBaseURL   string `yaml:"ws_base_url"`
	// RequestsPerSecond bounds signed REST calls.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// DBWriterConf configures the optional trade/PnL persistence.
// BatchSize == 0 disables it.
type DBWriterConf struct {
	BatchSize            int `yaml:"batch_size"`
	WriteIntervalSeconds int `yaml:"write_interval_seconds"`
}

// AlertConf configures outbound notifications. An empty WebhookURL disables them.
type AlertConf struct {
	WebhookURL string `yaml:"webhook_url"`
}

// LoadConfig loads configuration from the specified YAML file path
// and environment variables.
func LoadConfig(configPath string) (*Config, error) {
	cfg := defaultConfig()

	file, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(file, cfg); err != nil {
		return nil, err
	}

	// Load sensitive data and overrides from environment variables
	if apiKey := os.Getenv("EXCHANGE_API_KEY"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	if apiSecret := os.Getenv("EXCHANGE_API_SECRET"); apiSecret != "" {
		cfg.APISecret = apiSecret
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		HTTPAddr: ":8080",
		Trade: TradeConf{
			CapitalPerTrade:   10,
			Leverage:          20,
			OverallTakeProfit: 100,
			OverallStopLoss:   50,
		},
		Kill: KillConf{
			TakeProfitCapitalMult: 3,
			StopLossCapitalMult:   2,
			MilestoneBasePct:      0.20,
			MilestoneGrowth:       1.35,
			ReferenceLeverage:     20,
			PartialCloseFraction:  0.10,
			MidpointCloseFraction: 0.20,
		},
		Grid: GridConf{
			StepPct:              0.01,
			MaxSteps:             10,
			CapitalFraction:      0.10,
			TakeProfitPct:        0.008,
			StopLossPct:          0.02,
			RotationIntervalSec:  300,
			SwitchCooldownSec:    60,
			InactivityTimeoutSec: 1800,
		},
		Selection: SelectionConf{
			MinSampleCount:          12,
			VolatilityKillThreshold: 2.5,
			BetterSymbolMargin:      0.8,
		},
		Scheduler: SchedulerConf{
			TickIntervalMs:         2000,
			SettlementDelayMs:      1500,
			VerifyAttempts:         5,
			VerifyDelayMs:          800,
			MaxConsecutiveFailures: 6,
			PendingEvictionSec:     600,
		},
		Exchange: ExchangeConf{
			RequestsPerSecond: 8,
		},
		DBWriter: DBWriterConf{
			WriteIntervalSeconds: 1,
		},
	}
}

// Validate checks critical config values.
func (c *Config) Validate() error {
	if c.Trade.CapitalPerTrade <= 0 {
		return fmt.Errorf("config: trade.capital_per_trade must be positive, got %v", c.Trade.CapitalPerTrade)
	}
	if c.Trade.Leverage < 1 {
		return fmt.Errorf("config: trade.leverage must be >= 1, got %d", c.Trade.Leverage)
	}
	if c.Kill.MilestoneBasePct <= 0 || c.Kill.MilestoneGrowth < 1 {
		return fmt.Errorf("config: kill milestone ladder requires base pct > 0 and growth >= 1")
	}
	if f := c.Kill.PartialCloseFraction; f <= 0 || f >= 1 {
		return fmt.Errorf("config: kill.partial_close_fraction must be in (0,1), got %v", f)
	}
	if f := c.Kill.MidpointCloseFraction; f <= 0 || f >= 1 {
		return fmt.Errorf("config: kill.midpoint_close_fraction must be in (0,1), got %v", f)
	}
	// Six partial milestones plus the midpoint close must not exceed the
	// whole position.
	if sum := 6*c.Kill.PartialCloseFraction + c.Kill.MidpointCloseFraction; sum > 1 {
		return fmt.Errorf("config: kill close fractions sum to %.2f of the position, must not exceed 1", sum)
	}
	if c.Grid.StepPct <= 0 || c.Grid.MaxSteps < 1 {
		return fmt.Errorf("config: grid requires step_pct > 0 and max_steps >= 1")
	}
	if c.Grid.CapitalFraction <= 0 || c.Grid.CapitalFraction > 1 {
		return fmt.Errorf("config: grid.capital_fraction must be in (0,1], got %v", c.Grid.CapitalFraction)
	}
	if c.Scheduler.TickIntervalMs <= 0 {
		return fmt.Errorf("config: scheduler.tick_interval_ms must be positive")
	}
	if c.Scheduler.VerifyAttempts < 1 {
		return fmt.Errorf("config: scheduler.verify_attempts must be >= 1")
	}
	if c.Scheduler.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("config: scheduler.max_consecutive_failures must be >= 1")
	}
	return nil
}
