package report

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/shopspring/decimal"

	"github.com/signalnine/gauntlet/internal/pricing"
	"github.com/signalnine/gauntlet/internal/result"
)

type ModelRow struct {
	Name          string  `json:"name"`
	Units         int     `json:"units"`
	PassRate      float64 `json:"pass_rate"`
	MeanScore     float64 `json:"mean_score"`
	Errors        int     `json:"errors"`
	MeanLatencyMS float64 `json:"mean_latency_ms"`
	TotalTokens   int     `json:"total_tokens"`
	CostUSD       float64 `json:"cost_usd"`
}

type Report struct {
	RunID      string     `json:"run_id"`
	Suite      string     `json:"suite,omitempty"`
	Duration   string     `json:"duration"`
	OverallAvg float64    `json:"overall_avg"`
	Models     []ModelRow `json:"models"`
}

// Generate reads run.json from runDir and writes a summary in format.
func Generate(runDir, format string, w io.Writer, pricingPath ...string) error {
	run, err := result.ReadRun(filepath.Join(runDir, result.RunFile))
	if err != nil {
		return err
	}
	var table *pricing.Table
	if len(pricingPath) > 0 && pricingPath[0] != "" {
		table, err = pricing.Load(pricingPath[0])
		if err != nil {
			return err
		}
	}
	rep := Build(run, table)

	switch format {
	case "markdown":
		return writeMarkdown(rep, w)
	case "json":
		return writeJSON(rep, w)
	case "table", "":
		return writeTable(rep, w)
	default:
		return fmt.Errorf("unknown report format %q", format)
	}
}

// Build turns a finished run into report rows. table may be nil.
func Build(run *result.Run, table *pricing.Table) Report {
	costs := map[string]decimal.Decimal{}
	if table != nil {
		for _, r := range run.Results {
			if r.Usage == nil {
				continue
			}
			c := table.CostFor(r.ProviderID, r.Usage.PromptTokens, r.Usage.CompletionTokens)
			costs[r.Model] = costs[r.Model].Add(c)
		}
	}

	rep := Report{
		RunID:      run.ID,
		Suite:      run.Suite,
		OverallAvg: run.Summary.OverallAvg,
		Duration:   run.EndedAt.Sub(run.StartedAt).Round(time.Millisecond).String(),
	}
	for _, name := range ModelNames(run.Summary) {
		m := run.Summary.ByModel[name]
		row := ModelRow{
			Name:          name,
			Units:         m.Count,
			MeanScore:     m.Avg,
			Errors:        m.Errors,
			MeanLatencyMS: m.MeanLatencyMS,
			TotalTokens:   m.TotalTokens,
			CostUSD:       costs[name].InexactFloat64(),
		}
		if m.Count > 0 {
			row.PassRate = float64(m.Passed) / float64(m.Count)
		}
		rep.Models = append(rep.Models, row)
	}
	return rep
}

func latency(ms float64) string {
	return (time.Duration(ms) * time.Millisecond).Round(time.Millisecond).String()
}

func writeTable(rep Report, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MODEL\tUNITS\tPASS RATE\tMEAN SCORE\tERRORS\tMEAN LATENCY\tTOKENS\tCOST")
	fmt.Fprintln(tw, strings.Repeat("-", 90))
	for _, s := range rep.Models {
		fmt.Fprintf(tw, "%s\t%d\t%.0f%%\t%.3f\t%d\t%s\t%s\t$%.4f\n",
			s.Name, s.Units, s.PassRate*100, s.MeanScore, s.Errors, latency(s.MeanLatencyMS),
			humanize.Comma(int64(s.TotalTokens)), s.CostUSD)
	}
	fmt.Fprintf(tw, "\nOVERALL\t\t\t%.3f\n", rep.OverallAvg)
	return tw.Flush()
}

func writeMarkdown(rep Report, w io.Writer) error {
	fmt.Fprintf(w, "## Run %s\n\n", rep.RunID)
	fmt.Fprintf(w, "Overall mean score: **%.3f** (%s)\n\n", rep.OverallAvg, rep.Duration)
	fmt.Fprintln(w, "| Model | Units | Pass Rate | Mean Score | Errors | Mean Latency | Tokens | Cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|---|")
	for _, s := range rep.Models {
		fmt.Fprintf(w, "| %s | %d | %.0f%% | %.3f | %d | %s | %s | $%.4f |\n",
			s.Name, s.Units, s.PassRate*100, s.MeanScore, s.Errors, latency(s.MeanLatencyMS),
			humanize.Comma(int64(s.TotalTokens)), s.CostUSD)
	}
	return nil
}

func writeJSON(rep Report, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(rep)
}
