// Package estimate converts prompt text into a conservative token cost used
// for rate budgeting before the provider reports real usage.
//
// The numbers are heuristic. They are never reconciled against the usage a
// provider returns, so sustained load can drift from the true token spend.
package estimate

import (
	"math"
	"unicode/utf8"

	"github.com/signalnine/gauntlet/internal/provider"
)

const (
	DefaultCharsPerToken  = 4.0
	DefaultOverheadTokens = 16
	perMessageOverhead    = 4
)

type Estimator struct {
	CharsPerToken  float64 `yaml:"chars_per_token"`
	OverheadTokens int     `yaml:"overhead_tokens"`
}

func Default() Estimator {
	return Estimator{CharsPerToken: DefaultCharsPerToken, OverheadTokens: DefaultOverheadTokens}
}

func (e Estimator) withDefaults() Estimator {
	if e.CharsPerToken <= 0 {
		e.CharsPerToken = DefaultCharsPerToken
	}
	if e.OverheadTokens < 0 {
		e.OverheadTokens = 0
	}
	return e
}

// Estimate returns ceil(chars/CharsPerToken) + OverheadTokens.
func (e Estimator) Estimate(text string) int {
	e = e.withDefaults()
	return e.textTokens(text) + e.OverheadTokens
}

// EstimateMessages estimates a whole chat request. maxTokens is the completion
// ceiling requested from the provider and counts against the budget as well.
func (e Estimator) EstimateMessages(msgs []provider.Message, maxTokens int) int {
	e = e.withDefaults()
	total := e.OverheadTokens
	for _, m := range msgs {
		total += e.textTokens(m.Content) + perMessageOverhead
	}
	if maxTokens > 0 {
		total += maxTokens
	}
	return total
}

func (e Estimator) textTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return int(math.Ceil(float64(n) / e.CharsPerToken))
}
