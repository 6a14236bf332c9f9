package app

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/store/file"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Ledger.Path = filepath.Join(t.TempDir(), "positions.json")
	cfg.Engines = []config.EngineConfig{
		{Strategy: "trend_btc", Symbol: "btcusdt", Capital: 1000, Leverage: 5, TakeProfitPct: 20},
		{Strategy: "trend_eth", Symbol: "ETHUSDT", Capital: 500},
	}
	return &cfg
}

func TestWireWithoutBackends(t *testing.T) {
	cfg := testConfig(t)
	deps, cleanup, err := Wire(context.Background(), cfg, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("Wire: %v", err)
	}
	defer cleanup()

	if deps.Gateway != nil {
		t.Error("gateway built without credentials")
	}
	if _, ok := deps.Ledger.(*file.Ledger); !ok {
		t.Errorf("ledger = %T, want *file.Ledger", deps.Ledger)
	}
	if deps.SignalBus != nil || deps.PriceCache != nil || deps.BarSink != nil || deps.Archiver != nil {
		t.Error("optional backend wired while disabled")
	}
	if len(deps.Checks) != 0 {
		t.Errorf("checks = %v", deps.Checks)
	}
	if deps.Metrics == nil || deps.Stream == nil || deps.Notifier == nil {
		t.Error("always-on dependency missing")
	}
}

func TestBuildEnginesRestoresFromLedger(t *testing.T) {
	cfg := testConfig(t)
	logger := slog.New(slog.DiscardHandler)
	deps, cleanup, err := Wire(context.Background(), cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	a := New(cfg, logger)
	slots, err := a.buildEngines(context.Background(), deps)
	if err != nil {
		t.Fatalf("buildEngines: %v", err)
	}
	defer stopAll(slots)

	if len(slots) != 2 {
		t.Fatalf("slots = %d", len(slots))
	}
	if got := slots[0].engine.Symbol(); got != "BTCUSDT" {
		t.Errorf("symbol = %q, want upper-cased", got)
	}
	if slots[0].engine.Live() {
		t.Error("paper engine reports live")
	}
	if slots[1].engine.Active() {
		t.Error("fresh engine has an active position")
	}
}

func TestBuildEnginesRejectsUnknownSymbol(t *testing.T) {
	cfg := testConfig(t)
	cfg.Engines = append(cfg.Engines, config.EngineConfig{Strategy: "x", Symbol: "NOPEUSDT", Capital: 1})
	logger := slog.New(slog.DiscardHandler)
	deps, cleanup, err := Wire(context.Background(), cfg, logger)
	if err != nil {
		t.Fatal(err)
	}
	defer cleanup()

	if _, err := New(cfg, logger).buildEngines(context.Background(), deps); err == nil {
		t.Fatal("expected unknown instrument error")
	}
}
