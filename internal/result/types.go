package result

import (
	"encoding/json"
	"time"

	"github.com/signalnine/gauntlet/internal/provider"
)

type Model struct {
	Name     string         `yaml:"name" json:"name"`
	Provider string         `yaml:"provider" json:"provider"`
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

// Result is one (model, test) execution. Error is set and Score is 0 when
// the unit failed.
type Result struct {
	TestID          string          `json:"test_id"`
	Task            string          `json:"task,omitempty"`
	Model           string          `json:"model"`
	ProviderID      string          `json:"provider_id"`
	Prompt          string          `json:"prompt"`
	Response        string          `json:"response"`
	Raw             json.RawMessage `json:"raw,omitempty"`
	Score           float64         `json:"score"`
	LatencyMS       int64           `json:"latency_ms"`
	QueueDelayMS    int64           `json:"queue_delay_ms"`
	Attempts        int             `json:"attempts"`
	EstimatedTokens int             `json:"estimated_tokens"`
	Usage           *provider.Usage `json:"usage,omitempty"`
	Error           string          `json:"error,omitempty"`
	TraceError      string          `json:"trace_error,omitempty"`
}

func (r Result) Passed() bool { return r.Error == "" && r.Score >= 1 }

// Trace is the per-unit audit artifact.
type Trace struct {
	Result
	Expected []string `json:"expected,omitempty"`
}

type ModelSummary struct {
	Count         int     `json:"count"`
	Avg           float64 `json:"avg"`
	Passed        int     `json:"passed"`
	Errors        int     `json:"errors"`
	MeanLatencyMS float64 `json:"mean_latency_ms"`
	TotalTokens   int     `json:"total_tokens"`
}

type Summary struct {
	ByModel    map[string]ModelSummary `json:"by_model"`
	OverallAvg float64                 `json:"overall_avg"`
	Total      int                     `json:"total"`
	Errors     int                     `json:"errors"`
}

type Run struct {
	ID        string    `json:"id"`
	Suite     string    `json:"suite,omitempty"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	Models    []Model   `json:"models"`
	Results   []Result  `json:"results"`
	Summary   Summary   `json:"summary"`
}
