package billing

import (
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"llm_access/internal/models"
)

func TestPricingCost(t *testing.T) {
	pricing, err := NewPricing(DefaultListPrices(), DefaultMargin)
	if err != nil {
		t.Fatalf("NewPricing() error = %v", err)
	}

	tests := []struct {
		name   string
		model  string
		input  int64
		output int64
		want   models.Money
	}{
		// 1000 * 19.50 + 500 * 78.00 per million
		{"gpt-4o", "gpt-4o", 1000, 500, 58_500},
		{"zero tokens", "gpt-4o", 0, 0, 0},
		// 0.55*1.3 = 0.715, 1.10*1.3 = 1.43 per million
		{"deepseek one million each", "deepseek-r1", 1_000_000, 1_000_000, 2_145_000},
		// 0.715 micros rounds up to 1
		{"single token rounds up", "deepseek-r1", 1, 0, 1},
		// overflowing products saturate instead of wrapping to a free call
		{"huge input saturates", "gpt-4o", math.MaxInt64, 0, math.MaxInt64/1_000_000 + 1},
		{"huge sum saturates", "gpt-4o", math.MaxInt64 / 20, math.MaxInt64 / 20, math.MaxInt64/1_000_000 + 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := pricing.Cost(tt.model, tt.input, tt.output)
			if err != nil {
				t.Fatalf("Cost() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Cost() = %d, want %d", got, tt.want)
			}
		})
	}

	if _, err := pricing.Cost("llama-9000", 1, 1); !errors.Is(err, ErrUnknownModel) {
		t.Errorf("Cost() unknown model error = %v, want ErrUnknownModel", err)
	}
	if _, err := pricing.Cost("gpt-4o", -1, 0); err == nil {
		t.Error("Cost() accepted negative tokens")
	}
}

func TestPricingEstimate(t *testing.T) {
	pricing, err := NewPricing(DefaultListPrices(), 0)
	if err != nil {
		t.Fatalf("NewPricing() error = %v", err)
	}

	got, err := pricing.Estimate("gpt-4o", TokenEstimate{Input: 1_000_000, MaxOutput: 0})
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	if got != models.MustParseMoney("15.00") {
		t.Errorf("Estimate() = %s, want 15.00", got)
	}

	if _, ok := pricing.Price("gpt-5"); ok {
		t.Error("Price() found a model outside the table")
	}
	if names := pricing.Models(); strings.Join(names, ",") != "deepseek-r1,gpt-4o" {
		t.Errorf("Models() = %v", names)
	}
}

func TestNewPricingValidation(t *testing.T) {
	if _, err := NewPricing(DefaultListPrices(), -0.1); err == nil {
		t.Error("NewPricing() accepted a negative margin")
	}
	if _, err := NewPricing(nil, 0.3); err == nil {
		t.Error("NewPricing() accepted an empty table")
	}
	bad := map[string]ListPrice{"m": {InputPerMillion: -1}}
	if _, err := NewPricing(bad, 0.3); err == nil {
		t.Error("NewPricing() accepted a negative price")
	}
}

func TestLoadPricing(t *testing.T) {
	t.Run("defaults without a file", func(t *testing.T) {
		pricing, err := LoadPricing("", DefaultMargin)
		if err != nil {
			t.Fatalf("LoadPricing() error = %v", err)
		}
		price, ok := pricing.Price("gpt-4o")
		if !ok || price.InputPerMillion != models.MustParseMoney("19.50") {
			t.Errorf("Price(gpt-4o) = %+v", price)
		}
	})

	t.Run("file with margin", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pricing.yaml")
		content := `margin: 0.5
models:
  small-model:
    input_per_million: "2.00"
    output_per_million: "4"
`
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}

		pricing, err := LoadPricing(path, DefaultMargin)
		if err != nil {
			t.Fatalf("LoadPricing() error = %v", err)
		}
		if pricing.Margin() != 0.5 {
			t.Errorf("Margin() = %v, want 0.5", pricing.Margin())
		}
		if _, ok := pricing.Price("gpt-4o"); ok {
			t.Error("file table should replace the defaults")
		}
		cost, err := pricing.Cost("small-model", 1_000_000, 1_000_000)
		if err != nil {
			t.Fatalf("Cost() error = %v", err)
		}
		if cost != models.MustParseMoney("9.00") {
			t.Errorf("Cost() = %s, want 9.00", cost)
		}
	})

	t.Run("bad price", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "pricing.yaml")
		content := "models:\n  m:\n    input_per_million: \"abc\"\n    output_per_million: \"1\"\n"
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatal(err)
		}
		if _, err := LoadPricing(path, DefaultMargin); err == nil {
			t.Error("LoadPricing() accepted an invalid price")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := LoadPricing(filepath.Join(t.TempDir(), "nope.yaml"), DefaultMargin); err == nil {
			t.Error("LoadPricing() accepted a missing file")
		}
	})
}

func TestEstimatePromptTokens(t *testing.T) {
	tests := []struct {
		name     string
		contents []string
		want     int64
	}{
		{"no messages", nil, 3},
		{"empty message", []string{""}, 7},
		{"one char", []string{"a"}, 8},
		{"three chars", []string{"abc"}, 8},
		{"two messages", []string{"hello", "world!"}, 2 + 4 + 2 + 4 + 3},
		{"runes not bytes", []string{"héé"}, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EstimatePromptTokens(tt.contents); got != tt.want {
				t.Errorf("EstimatePromptTokens() = %d, want %d", got, tt.want)
			}
		})
	}
}
