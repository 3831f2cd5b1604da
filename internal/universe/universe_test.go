package universe

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/sagemont/trader/internal/config"
)

func testConfig() config.UniverseConfig {
	return config.UniverseConfig{
		Tickers: []config.TickerConfig{
			{Symbol: "AAPL", Tier: "core", Sector: "tech"},
			{Symbol: "NVDA", Tier: "volatile", Sector: "tech"},
			{Symbol: "TSLA", Tier: "extreme"},
		},
		Screener: config.ScreenerConfig{MinAvgVolume: 1000000},
	}
}

func TestFromConfigPreservesOrderAndTiers(t *testing.T) {
	u, err := FromConfig(testConfig())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	symbols := u.Symbols()
	if len(symbols) != 3 || symbols[0] != "AAPL" || symbols[2] != "TSLA" {
		t.Fatalf("symbols = %v", symbols)
	}
	if got := u.TierOf("NVDA"); got != TierVolatile {
		t.Fatalf("NVDA tier = %s", got)
	}
	if !u.TierOf("TSLA").Multiplier().Equal(decimal.NewFromFloat(0.4)) {
		t.Fatalf("extreme multiplier = %s", u.TierOf("TSLA").Multiplier())
	}
	if u.SectorOf("AAPL") != "tech" || u.SectorOf("TSLA") != "" {
		t.Fatal("sector tags wrong")
	}
}

func TestFromConfigRejectsUnknownTier(t *testing.T) {
	_, err := FromConfig(config.UniverseConfig{
		Tickers: []config.TickerConfig{{Symbol: "JPM", Tier: "stable"}},
	})
	if err == nil {
		t.Fatal("expected error for unknown tier")
	}
}

func TestFromConfigRejectsDuplicate(t *testing.T) {
	_, err := FromConfig(config.UniverseConfig{
		Tickers: []config.TickerConfig{{Symbol: "AAPL"}, {Symbol: "AAPL"}},
	})
	if err == nil {
		t.Fatal("expected error for duplicate ticker")
	}
}

// The shipped sample configuration must survive load, validation, and
// universe construction; a sample that fails at startup is worse than
// none.
func TestSampleConfigBuildsUniverse(t *testing.T) {
	cfg, err := config.Load("../../trader.yaml")
	if err != nil {
		t.Fatalf("load sample config: %v", err)
	}
	u, err := FromConfig(cfg.Universe)
	if err != nil {
		t.Fatalf("sample universe rejected: %v", err)
	}
	if len(u.Symbols()) == 0 {
		t.Fatal("sample universe is empty")
	}
	for _, symbol := range u.Symbols() {
		if u.TierOf(symbol).Multiplier().IsZero() {
			t.Fatalf("%s has no tier multiplier", symbol)
		}
	}
}

func TestScreenDropsBelowThreshold(t *testing.T) {
	u, err := FromConfig(testConfig())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	dropped := u.Screen(map[string]Stats{
		"AAPL": {AvgVolume: decimal.NewFromInt(5000000)},
		"NVDA": {AvgVolume: decimal.NewFromInt(200000)},
	})
	if len(dropped) != 1 || dropped[0] != "NVDA" {
		t.Fatalf("dropped = %v, want [NVDA]", dropped)
	}
	if u.Contains("NVDA") {
		t.Fatal("NVDA still a member after screening")
	}
	// TSLA had no stats and stays.
	if !u.Contains("TSLA") || !u.Contains("AAPL") {
		t.Fatalf("symbols = %v", u.Symbols())
	}
}

func TestScreenTreatsZeroStatAsUnknown(t *testing.T) {
	u, err := FromConfig(testConfig())
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	// Market cap unknown; only the volume threshold applies.
	dropped := u.Screen(map[string]Stats{
		"AAPL": {AvgVolume: decimal.NewFromInt(5000000)},
	})
	if len(dropped) != 0 {
		t.Fatalf("dropped = %v, want none", dropped)
	}
}
