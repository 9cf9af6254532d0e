package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"github.com/signalnine/gauntlet/internal/provider"
	"github.com/signalnine/gauntlet/internal/retry"
	"github.com/signalnine/gauntlet/internal/suite"
)

const (
	DefaultJudgeModel = "google/gemini-2.0-flash-001"
	DefaultJudgeVotes = 3
	maxResponseChars  = 50_000
)

var defaultRubric = []suite.RubricCriterion{{Criterion: "Correctness", Weight: 1}}

// Judge scores free-form responses with another model. Each criterion gets
// the median of several votes so one noisy vote cannot swing the score.
type Judge struct {
	client provider.Client
	model  string
	votes  int
	retry  retry.Policy
	log    zerolog.Logger
}

// NewJudge builds a judge. Each vote's completion is retried on transient
// provider errors according to policy.
func NewJudge(client provider.Client, model string, votes int, policy retry.Policy, log zerolog.Logger) *Judge {
	if model == "" {
		model = DefaultJudgeModel
	}
	if votes < 1 {
		votes = DefaultJudgeVotes
	}
	return &Judge{client: client, model: model, votes: votes, retry: policy, log: log}
}

func (j *Judge) Evaluate(ctx context.Context, test suite.Test, response string) (float64, error) {
	rubric := test.Evaluator.Rubric
	if len(rubric) == 0 {
		rubric = defaultRubric
	}
	prompt := judgePrompt(test, rubric, response)
	msgs := []provider.Message{{Role: "user", Content: prompt}}

	all := make(map[string][]float64)
	var lastErr error
	for i := 0; i < j.votes; i++ {
		comp, err := j.complete(ctx, test.ID, i+1, msgs)
		if err == nil {
			var scores map[string]float64
			scores, err = ParseJudgeResponse(comp.Text)
			if err == nil {
				for k, v := range scores {
					all[k] = append(all[k], v)
				}
				continue
			}
		}
		lastErr = err
		j.log.Warn().Err(err).Str("test", test.ID).Int("vote", i+1).Msg("judge.vote_failed")
	}
	if len(all) == 0 {
		return 0, fmt.Errorf("judge: all %d votes failed: %w", j.votes, lastErr)
	}

	medians := make(map[string]float64, len(all))
	for k, v := range all {
		medians[k] = MedianScore(v)
	}
	return ComputeRubricScore(rubric, medians), nil
}

func (j *Judge) complete(ctx context.Context, testID string, vote int, msgs []provider.Message) (*provider.Completion, error) {
	policy := j.retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		j.log.Warn().Err(err).Str("test", testID).Int("vote", vote).Int("attempt", attempt).Dur("backoff", delay).Msg("judge.retry")
	}
	var comp *provider.Completion
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		c, err := j.client.Complete(ctx, j.model, msgs, map[string]any{"temperature": 0})
		if err != nil {
			return err
		}
		comp = c
		return nil
	})
	return comp, err
}

func judgePrompt(test suite.Test, rubric []suite.RubricCriterion, response string) string {
	response = truncateRunes(response, maxResponseChars)
	var criteria strings.Builder
	for _, r := range rubric {
		fmt.Fprintf(&criteria, "- %s (weight: %.0f)\n", r.Criterion, r.Weight)
	}
	reference := "(none)"
	if len(test.Expected) > 0 {
		reference = strings.Join(test.Expected, "\n")
	}
	return fmt.Sprintf(`You are grading a language model's answer. Score the answer against each criterion on a scale of 0.0 to 1.0.

Question:
%s

Reference answer:
%s

Criteria:
%s
Answer:
%s

Respond with ONLY a JSON object mapping criterion name to score, e.g.:
{"Correctness": 0.8}`, test.Prompt, reference, criteria.String(), response)
}

// truncateRunes cuts s to at most n characters, never splitting one.
func truncateRunes(s string, n int) string {
	total := utf8.RuneCountInString(s)
	if total <= n {
		return s
	}
	return string([]rune(s)[:n]) + fmt.Sprintf("\n\n... [response truncated from %d to %d chars] ...", total, n)
}

// ComputeRubricScore calculates a weighted average from per-criterion scores.
// Criteria the judge did not score are left out of the average.
func ComputeRubricScore(rubric []suite.RubricCriterion, scores map[string]float64) float64 {
	if len(rubric) == 0 {
		return 0.0
	}
	var totalWeight, weightedSum float64
	for _, r := range rubric {
		score, ok := scores[r.Criterion]
		if !ok {
			continue
		}
		weightedSum += clamp(score) * r.Weight
		totalWeight += r.Weight
	}
	if totalWeight == 0 {
		return 0.0
	}
	return weightedSum / totalWeight
}

// ParseJudgeResponse pulls the first JSON object out of a judge reply,
// tolerating markdown fences and chatter around it.
func ParseJudgeResponse(content string) (map[string]float64, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, fmt.Errorf("parsing judge response: no JSON object found")
	}
	var scores map[string]float64
	if err := json.Unmarshal([]byte(content[start:end+1]), &scores); err != nil {
		return nil, fmt.Errorf("parsing judge response: %w", err)
	}
	return scores, nil
}

// MedianScore returns the median of scores.
func MedianScore(scores []float64) float64 {
	if len(scores) == 0 {
		return 0.0
	}
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
