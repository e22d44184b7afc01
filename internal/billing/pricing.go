package billing

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"os"
	"sort"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"llm_access/internal/models"
)

// ErrUnknownModel is returned for models missing from the price table
var ErrUnknownModel = errors.New("unknown model")

const tokensPerPriceUnit = 1_000_000

// ListPrice is a model's provider price in money per one million tokens
type ListPrice struct {
	InputPerMillion  models.Money `json:"input_per_million"`
	OutputPerMillion models.Money `json:"output_per_million"`
}

// DefaultListPrices is the built-in table used when no pricing file is configured
func DefaultListPrices() map[string]ListPrice {
	return map[string]ListPrice{
		"gpt-4o": {
			InputPerMillion:  models.MustParseMoney("15.00"),
			OutputPerMillion: models.MustParseMoney("60.00"),
		},
		"deepseek-r1": {
			InputPerMillion:  models.MustParseMoney("0.55"),
			OutputPerMillion: models.MustParseMoney("1.10"),
		},
	}
}

// DefaultMargin is the markup applied on top of provider prices
const DefaultMargin = 0.30

// TokenEstimate is the conservative token count used to price a hold
type TokenEstimate struct {
	Input     int64
	MaxOutput int64
}

// Pricing converts token counts to money. Its model set is also the set
// of models the service accepts.
type Pricing struct {
	prices map[string]ListPrice // margin included
	margin float64
}

// NewPricing folds the margin into the per-million prices, rounding up
func NewPricing(list map[string]ListPrice, margin float64) (*Pricing, error) {
	if margin < 0 {
		return nil, fmt.Errorf("pricing margin must not be negative, got %v", margin)
	}
	if len(list) == 0 {
		return nil, errors.New("pricing table is empty")
	}

	// margin in basis points keeps the fold exact for typical values
	bp := int64(math.Round(margin * 10_000))
	fold := func(m models.Money) models.Money {
		return models.Money(ceilDiv(mulSat(int64(m), 10_000+bp), 10_000))
	}

	prices := make(map[string]ListPrice, len(list))
	for model, p := range list {
		if p.InputPerMillion < 0 || p.OutputPerMillion < 0 {
			return nil, fmt.Errorf("negative price for model %s", model)
		}
		prices[model] = ListPrice{
			InputPerMillion:  fold(p.InputPerMillion),
			OutputPerMillion: fold(p.OutputPerMillion),
		}
	}

	return &Pricing{prices: prices, margin: margin}, nil
}

type pricingFile struct {
	Margin *float64 `yaml:"margin"`
	Models map[string]struct {
		InputPerMillion  string `yaml:"input_per_million"`
		OutputPerMillion string `yaml:"output_per_million"`
	} `yaml:"models"`
}

// LoadPricing reads a YAML price table. An empty path yields the built-in
// defaults. A margin set in the file overrides the one passed in.
//
//	margin: 0.30
//	models:
//	  gpt-4o:
//	    input_per_million: "15.00"
//	    output_per_million: "60.00"
func LoadPricing(path string, margin float64) (*Pricing, error) {
	if path == "" {
		return NewPricing(DefaultListPrices(), margin)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pricing file: %w", err)
	}

	var file pricingFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse pricing file: %w", err)
	}

	list := make(map[string]ListPrice, len(file.Models))
	for model, entry := range file.Models {
		in, err := models.ParseMoney(entry.InputPerMillion)
		if err != nil {
			return nil, fmt.Errorf("model %s input price: %w", model, err)
		}
		out, err := models.ParseMoney(entry.OutputPerMillion)
		if err != nil {
			return nil, fmt.Errorf("model %s output price: %w", model, err)
		}
		list[model] = ListPrice{InputPerMillion: in, OutputPerMillion: out}
	}

	if file.Margin != nil {
		margin = *file.Margin
	}
	return NewPricing(list, margin)
}

// Cost prices actual token usage, rounding up to the next micro-unit
func (p *Pricing) Cost(model string, inputTokens, outputTokens int64) (models.Money, error) {
	price, ok := p.prices[model]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	if inputTokens < 0 || outputTokens < 0 {
		return 0, fmt.Errorf("token counts must not be negative")
	}

	total := addSat(mulSat(inputTokens, int64(price.InputPerMillion)), mulSat(outputTokens, int64(price.OutputPerMillion)))
	return models.Money(ceilDiv(total, tokensPerPriceUnit)), nil
}

// Estimate prices the upper bound of a request
func (p *Pricing) Estimate(model string, est TokenEstimate) (models.Money, error) {
	return p.Cost(model, est.Input, est.MaxOutput)
}

// Price returns the margin-inclusive price of a model
func (p *Pricing) Price(model string) (ListPrice, bool) {
	price, ok := p.prices[model]
	return price, ok
}

// Models returns the accepted model names, sorted
func (p *Pricing) Models() []string {
	names := make([]string, 0, len(p.prices))
	for name := range p.prices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Margin returns the markup folded into the prices
func (p *Pricing) Margin() float64 {
	return p.margin
}

// EstimatePromptTokens over-approximates the prompt size from message
// contents: one token per three characters, four per message for role
// and framing, and three for the request.
func EstimatePromptTokens(contents []string) int64 {
	var total int64
	for _, c := range contents {
		total += ceilDiv(int64(utf8.RuneCountInString(c)), 3)
		total += 4
	}
	return total + 3
}

func ceilDiv(a, b int64) int64 {
	if a <= 0 {
		return 0
	}
	q := a / b
	if a%b != 0 {
		q++
	}
	return q
}

// mulSat multiplies non-negative values, saturating at math.MaxInt64 so an
// absurd token count prices as unaffordable rather than wrapping around
func mulSat(a, b int64) int64 {
	hi, lo := bits.Mul64(uint64(a), uint64(b))
	if hi != 0 || lo > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(lo)
}

func addSat(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
