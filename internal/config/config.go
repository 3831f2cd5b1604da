// Package config loads and validates the engine configuration.
//
// The config surface is closed: unknown keys anywhere in the file are a
// load error, as are duplicate or unregistered strategy IDs.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/sagemont/trader/pkg/types"
)

// Config is the root of the configuration file.
type Config struct {
	Strategies []StrategyConfig `mapstructure:"strategies"`
	Signals    SignalsConfig    `mapstructure:"signals"`
	Universe   UniverseConfig   `mapstructure:"universe"`
	Positions  PositionLimits   `mapstructure:"positions"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Sizing     SizingConfig     `mapstructure:"sizing"`
	Stops      StopsConfig      `mapstructure:"stops"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Session    SessionConfig    `mapstructure:"session"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Journal    JournalConfig    `mapstructure:"journal"`
}

// StrategyConfig is one strategy block. Params carries the per-strategy
// entry thresholds (deviationPercent, volumeThreshold,
// minDivergenceStrength, ...) consumed by the strategy constructor.
type StrategyConfig struct {
	ID               string             `mapstructure:"id"`
	Enabled          bool               `mapstructure:"enabled"`
	VolumeFilter     bool               `mapstructure:"volumeFilter"`
	MinVolume        float64            `mapstructure:"minVolume"`
	ConfirmationBars int                `mapstructure:"confirmationBars"`
	Peer             string             `mapstructure:"peer"` // pairs only
	Params           map[string]float64 `mapstructure:"params"`
}

// SignalsConfig gates consensus.
type SignalsConfig struct {
	RequireConfirmation    bool    `mapstructure:"requireConfirmation"`
	MinStrategiesAgreement int     `mapstructure:"minStrategiesAgreement"`
	ConfidenceFloor        float64 `mapstructure:"confidenceFloor"`
	MaxSignalsPerDay       int     `mapstructure:"maxSignalsPerDay"`
}

// TickerConfig is one universe entry.
type TickerConfig struct {
	Symbol string `mapstructure:"symbol"`
	Tier   string `mapstructure:"tier"`
	Sector string `mapstructure:"sector"`
}

// ScreenerConfig filters universe candidates at refresh points.
type ScreenerConfig struct {
	MinAvgVolume float64 `mapstructure:"minAvgVolume"`
	MinMarketCap float64 `mapstructure:"minMarketCap"`
}

// UniverseConfig names the tradable symbols and the index proxies the
// regime detector watches.
type UniverseConfig struct {
	Tickers      []TickerConfig `mapstructure:"tickers"`
	IndexProxies []string       `mapstructure:"indexProxies"`
	Screener     ScreenerConfig `mapstructure:"screener"`
}

// PositionLimits bounds individual positions.
type PositionLimits struct {
	MaxPositions           int     `mapstructure:"maxPositions"`
	MaxPositionSizePercent float64 `mapstructure:"maxPositionSizePercent"`
	MaxPositionValue       float64 `mapstructure:"maxPositionValue"`
	MaxSectorExposure      float64 `mapstructure:"maxSectorExposure"`
}

// RiskConfig is the immutable per-run limit tuple read by the risk kernel.
type RiskConfig struct {
	MaxDrawdown          float64       `mapstructure:"maxDrawdown"`
	MaxDailyLoss         float64       `mapstructure:"maxDailyLoss"`
	MaxConsecutiveLosses int           `mapstructure:"maxConsecutiveLosses"`
	CoolDownPeriod       time.Duration `mapstructure:"coolDownPeriod"`
	MaxPortfolioHeat     float64       `mapstructure:"maxPortfolioHeat"`
	MaxPositionHeat      float64       `mapstructure:"maxPositionHeat"`
	MaxPortfolioExposure float64       `mapstructure:"maxPortfolioExposure"`
	RiskPerTrade         float64       `mapstructure:"riskPerTrade"`
}

// SizingConfig selects the sizing method stamped onto entry intents and
// carries the method's static inputs. WinRate and Payoff feed Kelly;
// TargetVol is the per-bar volatility the adjusted method scales toward.
type SizingConfig struct {
	Method    string  `mapstructure:"method"` // risk_based, fixed, kelly, vol_adjusted
	FixedQty  int64   `mapstructure:"fixedQty"`
	WinRate   float64 `mapstructure:"winRate"`
	Payoff    float64 `mapstructure:"payoff"`
	TargetVol float64 `mapstructure:"targetVol"`
}

// SizingMethod maps the configured name onto the typed method,
// defaulting to risk-based.
func (s SizingConfig) SizingMethod() types.SizingMethod {
	if s.Method == "" {
		return types.SizingRiskBased
	}
	return types.SizingMethod(s.Method)
}

// StopPolicy selects how a stop or take level is derived.
type StopPolicy struct {
	Type          string  `mapstructure:"type"` // "atr" or "percent"
	ATRMultiplier float64 `mapstructure:"atrMultiplier"`
	Percent       float64 `mapstructure:"percent"`
}

// StopsConfig holds the default stop-loss and take-profit policies.
type StopsConfig struct {
	StopLoss    StopPolicy `mapstructure:"stopLoss"`
	TakeProfit  StopPolicy `mapstructure:"takeProfit"`
	TrailingPct float64    `mapstructure:"trailingPct"`
}

// ExecutionConfig drives the cycle and order manager. InitialCash seeds
// the paper-trading and backtest account.
type ExecutionConfig struct {
	CycleInterval   time.Duration `mapstructure:"cycleInterval"`
	MaxOrderRetries int           `mapstructure:"maxOrderRetries"`
	PaperTrading    bool          `mapstructure:"paperTrading"`
	InitialCash     float64       `mapstructure:"initialCash"`
}

// SessionConfig bounds the trading session in wall-clock terms.
type SessionConfig struct {
	Start         string `mapstructure:"start"` // "09:30"
	End           string `mapstructure:"end"`   // "16:00"
	Timezone      string `mapstructure:"timezone"`
	ExtendedHours bool   `mapstructure:"extendedHours"`
}

// BrokerConfig points at the gateway.
type BrokerConfig struct {
	GatewayURL     string        `mapstructure:"gatewayUrl"`
	SubmitTimeout  time.Duration `mapstructure:"submitTimeout"`
	CancelTimeout  time.Duration `mapstructure:"cancelTimeout"`
	RefreshTimeout time.Duration `mapstructure:"refreshTimeout"`
	BracketTimeout time.Duration `mapstructure:"bracketTimeout"`
}

// ServerConfig configures the control API.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// LoggingConfig configures the rotating main/error logs.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"maxSizeMb"`
	MaxBackups int    `mapstructure:"maxBackups"`
	MaxAgeDays int    `mapstructure:"maxAgeDays"`
}

// JournalConfig locates the persisted-state directory.
type JournalConfig struct {
	Dir string `mapstructure:"dir"`
}

// Default returns the built-in configuration the sample file documents.
func Default() Config {
	return Config{
		Signals: SignalsConfig{
			MinStrategiesAgreement: 2,
			ConfidenceFloor:        0.55,
			MaxSignalsPerDay:       20,
		},
		Positions: PositionLimits{
			MaxPositions:           8,
			MaxPositionSizePercent: 0.10,
			MaxPositionValue:       2000,
			MaxSectorExposure:      0.30,
		},
		Risk: RiskConfig{
			MaxDrawdown:          0.20,
			MaxDailyLoss:         0.03,
			MaxConsecutiveLosses: 4,
			CoolDownPeriod:       time.Hour,
			MaxPortfolioHeat:     0.06,
			MaxPositionHeat:      0.02,
			MaxPortfolioExposure: 0.60,
			RiskPerTrade:         0.01,
		},
		Sizing: SizingConfig{Method: string(types.SizingRiskBased)},
		Stops: StopsConfig{
			StopLoss:    StopPolicy{Type: "atr", ATRMultiplier: 2.0, Percent: 0.02},
			TakeProfit:  StopPolicy{Type: "atr", ATRMultiplier: 3.0, Percent: 0.04},
			TrailingPct: 0.02,
		},
		Execution: ExecutionConfig{
			CycleInterval:   300 * time.Second,
			MaxOrderRetries: 3,
			PaperTrading:    true,
			InitialCash:     100000,
		},
		Session: SessionConfig{
			Start:    "09:30",
			End:      "16:00",
			Timezone: "America/New_York",
		},
		Broker: BrokerConfig{
			SubmitTimeout:  5 * time.Second,
			CancelTimeout:  5 * time.Second,
			RefreshTimeout: 10 * time.Second,
			BracketTimeout: 3 * time.Second,
		},
		Server:  ServerConfig{Host: "127.0.0.1", Port: 8732},
		Logging: LoggingConfig{Level: "info", Dir: "./logs", MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 30},
		Journal: JournalConfig{Dir: "./journal"},
	}
}

// Load reads the file at path over the defaults. Unknown keys fail the
// load with the key named.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := v.UnmarshalExact(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks ranges and the strategy blocks against the registered
// strategy IDs.
func (c Config) Validate(knownStrategyIDs []string) error {
	known := make(map[string]bool, len(knownStrategyIDs))
	for _, id := range knownStrategyIDs {
		known[id] = true
	}

	seen := make(map[string]bool, len(c.Strategies))
	for _, sc := range c.Strategies {
		if sc.ID == "" {
			return fmt.Errorf("strategy block without id")
		}
		if !known[sc.ID] {
			return fmt.Errorf("unknown strategy id %q", sc.ID)
		}
		if seen[sc.ID] {
			return fmt.Errorf("duplicate strategy definition %q", sc.ID)
		}
		seen[sc.ID] = true
	}

	if c.Signals.MinStrategiesAgreement < 1 {
		return fmt.Errorf("signals.minStrategiesAgreement must be >= 1, got %d", c.Signals.MinStrategiesAgreement)
	}
	if c.Signals.ConfidenceFloor < 0 || c.Signals.ConfidenceFloor > 1 {
		return fmt.Errorf("signals.confidenceFloor out of range: %v", c.Signals.ConfidenceFloor)
	}
	for name, frac := range map[string]float64{
		"risk.maxDrawdown":          c.Risk.MaxDrawdown,
		"risk.maxDailyLoss":         c.Risk.MaxDailyLoss,
		"risk.maxPortfolioHeat":     c.Risk.MaxPortfolioHeat,
		"risk.maxPositionHeat":      c.Risk.MaxPositionHeat,
		"risk.maxPortfolioExposure": c.Risk.MaxPortfolioExposure,
		"risk.riskPerTrade":         c.Risk.RiskPerTrade,
	} {
		if frac <= 0 || frac > 1 {
			return fmt.Errorf("%s out of range (0,1]: %v", name, frac)
		}
	}
	switch c.Sizing.SizingMethod() {
	case types.SizingRiskBased:
	case types.SizingFixed:
		if c.Sizing.FixedQty < 1 {
			return fmt.Errorf("sizing.fixedQty must be >= 1, got %d", c.Sizing.FixedQty)
		}
	case types.SizingKelly:
		if c.Sizing.WinRate <= 0 || c.Sizing.WinRate >= 1 {
			return fmt.Errorf("sizing.winRate out of range (0,1): %v", c.Sizing.WinRate)
		}
		if c.Sizing.Payoff <= 0 {
			return fmt.Errorf("sizing.payoff must be positive, got %v", c.Sizing.Payoff)
		}
	case types.SizingVolAdjusted:
		if c.Sizing.TargetVol <= 0 {
			return fmt.Errorf("sizing.targetVol must be positive, got %v", c.Sizing.TargetVol)
		}
	default:
		return fmt.Errorf("sizing.method must be risk_based, fixed, kelly, or vol_adjusted, got %q", c.Sizing.Method)
	}
	if c.Positions.MaxPositions < 1 {
		return fmt.Errorf("positions.maxPositions must be >= 1, got %d", c.Positions.MaxPositions)
	}
	if c.Positions.MaxPositionValue <= 0 {
		return fmt.Errorf("positions.maxPositionValue must be positive, got %v", c.Positions.MaxPositionValue)
	}
	switch c.Stops.StopLoss.Type {
	case "atr", "percent":
	default:
		return fmt.Errorf("stops.stopLoss.type must be atr or percent, got %q", c.Stops.StopLoss.Type)
	}
	switch c.Stops.TakeProfit.Type {
	case "atr", "percent":
	default:
		return fmt.Errorf("stops.takeProfit.type must be atr or percent, got %q", c.Stops.TakeProfit.Type)
	}
	if c.Execution.CycleInterval <= 0 {
		return fmt.Errorf("execution.cycleInterval must be positive, got %v", c.Execution.CycleInterval)
	}
	if c.Execution.MaxOrderRetries < 0 {
		return fmt.Errorf("execution.maxOrderRetries must be >= 0, got %d", c.Execution.MaxOrderRetries)
	}
	if c.Execution.InitialCash <= 0 {
		return fmt.Errorf("execution.initialCash must be positive, got %v", c.Execution.InitialCash)
	}
	if _, err := time.LoadLocation(c.Session.Timezone); err != nil {
		return fmt.Errorf("session.timezone: %w", err)
	}
	for _, hhmm := range []string{c.Session.Start, c.Session.End} {
		if _, err := time.Parse("15:04", hhmm); err != nil {
			return fmt.Errorf("session time %q: %w", hhmm, err)
		}
	}
	for _, t := range c.Universe.Tickers {
		if t.Symbol == "" {
			return fmt.Errorf("universe ticker without symbol")
		}
	}
	return nil
}
