package report

import (
	"sort"

	"github.com/signalnine/gauntlet/internal/result"
)

// Summarize reduces results to per-model and overall mean scores. Results
// are summed in (model, test) order rather than arrival order so the same
// set always yields bit-identical means. Models named in models that have
// no results appear with a zero count and mean.
func Summarize(results []result.Result, models ...string) result.Summary {
	sorted := make([]result.Result, len(results))
	copy(sorted, results)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Model != sorted[j].Model {
			return sorted[i].Model < sorted[j].Model
		}
		return sorted[i].TestID < sorted[j].TestID
	})

	type accum struct {
		count   int
		score   float64
		passed  int
		errors  int
		latency float64
		tokens  int
	}
	byModel := map[string]*accum{}
	for _, m := range models {
		byModel[m] = &accum{}
	}
	var total float64
	errs := 0

	for _, r := range sorted {
		a, ok := byModel[r.Model]
		if !ok {
			a = &accum{}
			byModel[r.Model] = a
		}
		a.count++
		a.score += r.Score
		a.latency += float64(r.LatencyMS)
		if r.Passed() {
			a.passed++
		}
		if r.Error != "" {
			a.errors++
			errs++
		}
		if r.Usage != nil {
			a.tokens += r.Usage.TotalTokens
		}
		total += r.Score
	}

	summary := result.Summary{
		ByModel: make(map[string]result.ModelSummary, len(byModel)),
		Total:   len(sorted),
		Errors:  errs,
	}
	for name, a := range byModel {
		if a.count == 0 {
			summary.ByModel[name] = result.ModelSummary{}
			continue
		}
		summary.ByModel[name] = result.ModelSummary{
			Count:         a.count,
			Avg:           a.score / float64(a.count),
			Passed:        a.passed,
			Errors:        a.errors,
			MeanLatencyMS: a.latency / float64(a.count),
			TotalTokens:   a.tokens,
		}
	}
	if len(sorted) > 0 {
		summary.OverallAvg = total / float64(len(sorted))
	}
	return summary
}

// ModelNames returns the summary's models in name order.
func ModelNames(s result.Summary) []string {
	names := make([]string, 0, len(s.ByModel))
	for name := range s.ByModel {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
