package pricing

import (
	"fmt"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type ModelPricing struct {
	Input  decimal.Decimal `yaml:"input"`
	Output decimal.Decimal `yaml:"output"`
}

type Table struct {
	Providers map[string]map[string]ModelPricing
}

var thousand = decimal.NewFromInt(1000)

func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading pricing file: %w", err)
	}
	var raw map[string]map[string]struct {
		Input  string `yaml:"input"`
		Output string `yaml:"output"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing pricing file: %w", err)
	}
	providers := make(map[string]map[string]ModelPricing, len(raw))
	for prov, models := range raw {
		providers[prov] = make(map[string]ModelPricing, len(models))
		for model, p := range models {
			in, err := parsePrice(p.Input)
			if err != nil {
				return nil, fmt.Errorf("pricing %s/%s input: %w", prov, model, err)
			}
			out, err := parsePrice(p.Output)
			if err != nil {
				return nil, fmt.Errorf("pricing %s/%s output: %w", prov, model, err)
			}
			providers[prov][model] = ModelPricing{Input: in, Output: out}
		}
	}
	return &Table{Providers: providers}, nil
}

func parsePrice(s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(strings.TrimSpace(s))
}

// Cost calculates total cost for a request. Prices are per 1K tokens.
func (t *Table) Cost(provider, model string, inputTokens, outputTokens int) decimal.Decimal {
	if t == nil || t.Providers == nil {
		return decimal.Zero
	}
	models, ok := t.Providers[provider]
	if !ok {
		return decimal.Zero
	}
	p, ok := models[model]
	if !ok {
		return decimal.Zero
	}
	in := decimal.NewFromInt(int64(inputTokens)).Div(thousand).Mul(p.Input)
	out := decimal.NewFromInt(int64(outputTokens)).Div(thousand).Mul(p.Output)
	return in.Add(out)
}

// CostFor prices a provider model id of the form "provider/model".
func (t *Table) CostFor(providerID string, inputTokens, outputTokens int) decimal.Decimal {
	prov, model, ok := strings.Cut(providerID, "/")
	if !ok {
		return decimal.Zero
	}
	return t.Cost(prov, model, inputTokens, outputTokens)
}
