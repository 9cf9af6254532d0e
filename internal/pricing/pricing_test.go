package pricing_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/signalnine/gauntlet/internal/pricing"
)

func TestLoadPricing(t *testing.T) {
	dir := t.TempDir()
	content := `anthropic:
  claude-3.5-sonnet:
    input: 0.003
    output: 0.015
openai:
  gpt-4o:
    input: 0.0025
    output: 0.01
`
	path := filepath.Join(dir, "pricing.yaml")
	os.WriteFile(path, []byte(content), 0o644)

	table, err := pricing.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cost := table.Cost("anthropic", "claude-3.5-sonnet", 1000, 500)
	want := decimal.RequireFromString("0.0105")
	if !cost.Equal(want) {
		t.Errorf("got %s, want %s", cost, want)
	}

	cost = table.CostFor("openai/gpt-4o", 2000, 1000)
	want = decimal.RequireFromString("0.015")
	if !cost.Equal(want) {
		t.Errorf("CostFor: got %s, want %s", cost, want)
	}
}

func TestLoadPricingRejectsBadNumber(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pricing.yaml")
	os.WriteFile(path, []byte("openai:\n  gpt-4o:\n    input: cheap\n"), 0o644)
	if _, err := pricing.Load(path); err == nil {
		t.Error("expected error for non-numeric price")
	}
}

func TestCostUnknownModel(t *testing.T) {
	table := &pricing.Table{}
	if cost := table.Cost("unknown", "unknown", 1000, 500); !cost.IsZero() {
		t.Errorf("expected 0 for unknown model, got %s", cost)
	}
	if cost := table.CostFor("no-slash", 1000, 500); !cost.IsZero() {
		t.Errorf("expected 0 for id without provider, got %s", cost)
	}
	var nilTable *pricing.Table
	if cost := nilTable.Cost("a", "b", 1, 1); !cost.IsZero() {
		t.Errorf("nil table: got %s", cost)
	}
}
