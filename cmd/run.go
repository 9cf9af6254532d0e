package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/signalnine/gauntlet/internal/config"
	"github.com/signalnine/gauntlet/internal/evaluator"
	"github.com/signalnine/gauntlet/internal/provider"
	"github.com/signalnine/gauntlet/internal/report"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/runner"
	"github.com/signalnine/gauntlet/internal/suite"
)

var (
	flagModel       string
	flagTest        string
	flagTask        string
	flagRetries     int
	flagConcurrency int
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute a benchmark run",
		RunE:  runBenchmark,
	}
	cmd.Flags().StringVar(&flagModel, "model", "", "filter to a single model")
	cmd.Flags().StringVar(&flagTest, "test", "", "filter to a single test id")
	cmd.Flags().StringVar(&flagTask, "task", "", "filter by task")
	cmd.Flags().IntVar(&flagRetries, "retries", -1, "override max retries per request")
	cmd.Flags().IntVar(&flagConcurrency, "concurrency", 0, "override max concurrent requests")
	return cmd
}

func runBenchmark(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	applyOverrides(cfg, flagRetries, flagConcurrency)

	s, err := suite.Load(cfg.Suite)
	if err != nil {
		return err
	}
	models := filterModels(cfg.Models, flagModel)
	if len(models) == 0 {
		return fmt.Errorf("no model named %q", flagModel)
	}
	tests := suite.Filter(s.Tests, flagTest, flagTask)
	if len(tests) == 0 {
		return fmt.Errorf("no tests match filters")
	}

	client, err := newClient(cfg)
	if err != nil {
		return err
	}
	registry := evaluator.NewRegistry(evaluator.Options{
		Judge:      client,
		JudgeModel: cfg.Judge.Model,
		Votes:      cfg.Judge.Votes,
		Retry:      cfg.Retry,
		Log:        log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runDir, sink, err := prepareRun(cfg.Results.Dir, func(runDir string) (result.Sink, error) {
		return openSinks(ctx, cfg, runDir)
	})
	if err != nil {
		return err
	}
	defer sink.Close()
	fmt.Printf("Run directory: %s\n", runDir)

	_, err = runner.Run(ctx, runner.Opts{
		SuiteName: s.Name,
		Models:    models,
		Tests:     tests,
		Client:    client,
		Evaluator: registry,
		Scheduler: cfg.Scheduler,
		Retry:     cfg.Retry,
		Estimator: cfg.Estimator,
		Sink:      sink,
		Progress:  logProgress(log),
		Log:       log,
	})
	if err != nil {
		return err
	}

	fmt.Println("\n--- Results ---")
	return report.Generate(runDir, "table", os.Stdout, cfg.Pricing)
}

func newClient(cfg *config.Config) (*provider.HTTPClient, error) {
	key, err := cfg.ResolveAPIKey()
	if err != nil {
		return nil, err
	}
	return provider.New(provider.Options{
		BaseURL: cfg.Provider.BaseURL,
		APIKey:  key,
		Timeout: cfg.Provider.Timeout,
		Headers: cfg.Provider.Headers,
	})
}

// prepareRun creates the run dir and opens its sinks. If the sinks cannot be
// opened the dir is removed again so a failed start leaves no output.
func prepareRun(baseDir string, open func(runDir string) (result.Sink, error)) (string, result.Sink, error) {
	latest := filepath.Join(baseDir, "latest")
	previous, _ := os.Readlink(latest)

	runDir, err := result.CreateRunDir(baseDir)
	if err != nil {
		return "", nil, err
	}
	sink, err := open(runDir)
	if err != nil {
		if rmErr := result.RemoveRunDir(baseDir, runDir); rmErr != nil {
			return "", nil, fmt.Errorf("%w (cleanup: %v)", err, rmErr)
		}
		if previous != "" {
			_ = os.Symlink(previous, latest)
		}
		return "", nil, err
	}
	return runDir, sink, nil
}

func openSinks(ctx context.Context, cfg *config.Config, runDir string) (result.Sink, error) {
	files, err := result.NewFileSink(runDir)
	if err != nil {
		return nil, err
	}
	if !cfg.Results.SQLite {
		return files, nil
	}
	db, err := result.NewSQLiteSink(ctx, runDir)
	if err != nil {
		return nil, fmt.Errorf("opening results database: %w", err)
	}
	return result.Multi(files, db), nil
}

// applyOverrides applies command line limits. Negative retries and
// non-positive concurrency mean "use the config".
func applyOverrides(cfg *config.Config, retries, concurrency int) {
	if retries >= 0 {
		cfg.Retry.MaxRetries = retries
	}
	if concurrency > 0 {
		cfg.Scheduler.MaxConcurrent = concurrency
	}
}

func filterModels(models []result.Model, name string) []result.Model {
	if name == "" {
		return models
	}
	var filtered []result.Model
	for _, m := range models {
		if m.Name == name {
			filtered = append(filtered, m)
		}
	}
	return filtered
}

func logProgress(log zerolog.Logger) func(runner.Progress) {
	return func(p runner.Progress) {
		log.Debug().Int("completed", p.Completed).Int("total", p.Total).Msg("unit.done")
	}
}
