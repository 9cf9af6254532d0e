package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/signalnine/gauntlet/internal/evaluator"
	"github.com/signalnine/gauntlet/internal/report"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/suite"
)

func newRescoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rescore [run-dir]",
		Short: "Re-score an existing run",
		Long:  "Re-evaluate every stored response of a run with the current suite and evaluators, then rewrite its traces, run.json, and results database.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			s, err := suite.Load(cfg.Suite)
			if err != nil {
				return err
			}

			opts := evaluator.Options{JudgeModel: cfg.Judge.Model, Votes: cfg.Judge.Votes, Retry: cfg.Retry, Log: log}
			if client, err := newClient(cfg); err != nil {
				log.Warn().Err(err).Msg("judge evaluator disabled")
			} else {
				opts.Judge = client
			}

			runDir, err := filepath.EvalSymlinks(args[0])
			if err != nil {
				return fmt.Errorf("resolving run dir: %w", err)
			}
			ctx := context.Background()
			sink, err := result.NewFileSink(runDir)
			if err != nil {
				return err
			}
			var out result.Sink = sink
			if _, err := os.Stat(filepath.Join(runDir, result.DBFile)); err == nil {
				db, err := result.NewSQLiteSink(ctx, runDir)
				if err != nil {
					return err
				}
				out = result.Multi(sink, db)
			}
			defer out.Close()

			changed, err := rescore(ctx, runDir, s.Tests, evaluator.NewRegistry(opts), out, log)
			if err != nil {
				return err
			}
			fmt.Printf("%d result(s) changed\n\n", changed)
			return report.Generate(runDir, "table", os.Stdout, cfg.Pricing)
		},
	}
}

// rescore re-evaluates the run in runDir and writes it back through sink.
// Results that failed at the provider have no response and keep their entry.
func rescore(ctx context.Context, runDir string, tests []suite.Test, eval evaluator.Evaluator, sink result.Sink, log zerolog.Logger) (int, error) {
	run, err := result.ReadRun(filepath.Join(runDir, result.RunFile))
	if err != nil {
		return 0, err
	}
	byID := make(map[string]suite.Test, len(tests))
	for _, t := range tests {
		byID[t.ID] = t
	}

	changed := 0
	for i := range run.Results {
		r := &run.Results[i]
		if r.Error != "" {
			continue
		}
		t, ok := byID[r.TestID]
		if !ok {
			log.Warn().Str("test", r.TestID).Msg("rescore.test_missing")
			continue
		}
		score, err := eval.Evaluate(ctx, t, r.Response)
		if err != nil {
			log.Warn().Err(err).Str("model", r.Model).Str("test", r.TestID).Msg("rescore.evaluate_failed")
			continue
		}
		if score == r.Score {
			continue
		}
		old := result.TraceFileName(r.Model, r.TestID, r.Passed())
		log.Info().Str("model", r.Model).Str("test", r.TestID).Float64("old", r.Score).Float64("new", score).Msg("rescore.changed")
		r.Score = score
		if err := os.Remove(filepath.Join(runDir, old)); err != nil && !os.IsNotExist(err) {
			return changed, fmt.Errorf("removing stale trace: %w", err)
		}
		if err := sink.Record(ctx, &result.Trace{Result: *r, Expected: t.Expected}); err != nil {
			return changed, err
		}
		changed++
	}

	names := make([]string, len(run.Models))
	for i, m := range run.Models {
		names[i] = m.Name
	}
	run.Summary = report.Summarize(run.Results, names...)
	return changed, sink.Finalize(ctx, run)
}
