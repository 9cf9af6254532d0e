// Package runner fans a (model x test) matrix out through the scheduler and
// collects exactly one result per unit.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"golang.org/x/time/rate"

	"github.com/signalnine/gauntlet/internal/estimate"
	"github.com/signalnine/gauntlet/internal/evaluator"
	"github.com/signalnine/gauntlet/internal/provider"
	"github.com/signalnine/gauntlet/internal/report"
	"github.com/signalnine/gauntlet/internal/result"
	"github.com/signalnine/gauntlet/internal/retry"
	"github.com/signalnine/gauntlet/internal/scheduler"
	"github.com/signalnine/gauntlet/internal/suite"
)

type Progress struct {
	Completed int
	Total     int
}

type Opts struct {
	SuiteName string
	Models    []result.Model
	Tests     []suite.Test

	Client    provider.Client
	Evaluator evaluator.Evaluator
	Scheduler scheduler.Config
	Retry     retry.Policy
	Estimator estimate.Estimator

	// Sink receives one trace per unit and the finished run. May be nil.
	Sink result.Sink
	// Progress is called after each unit's result is stored.
	Progress func(Progress)
	Log      zerolog.Logger
}

func (o *Opts) check() error {
	if o.Client == nil {
		return errors.New("no provider client")
	}
	if o.Evaluator == nil {
		return errors.New("no evaluator")
	}
	if len(o.Models) == 0 {
		return errors.New("no models selected")
	}
	if len(o.Tests) == 0 {
		return errors.New("no tests selected")
	}
	seen := map[string]bool{}
	for _, m := range o.Models {
		if m.Name == "" {
			return errors.New("model with empty name")
		}
		if seen[m.Name] {
			return errors.Errorf("duplicate model %q", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

type runState struct {
	opts  *Opts
	sched *scheduler.Scheduler
	total int

	mu      sync.Mutex
	results []result.Result

	progressLog rate.Sometimes
}

// Run executes every (model, test) unit and returns the finished run. Unit
// failures are recorded as zero-scored results; only invalid options abort
// the run, and they do so before anything is scheduled.
func Run(ctx context.Context, opts Opts) (*result.Run, error) {
	if err := opts.check(); err != nil {
		return nil, errors.Wrap(err, "invalid run")
	}

	run := &result.Run{
		ID:        uuid.NewString(),
		Suite:     opts.SuiteName,
		StartedAt: time.Now().UTC(),
		Models:    opts.Models,
	}
	log := opts.Log.With().Str("run_id", run.ID).Logger()
	opts.Log = log

	sched := scheduler.New(opts.Scheduler, scheduler.WithLogger(log))
	defer sched.Close()

	st := &runState{
		opts:        &opts,
		sched:       sched,
		total:       len(opts.Models) * len(opts.Tests),
		results:     make([]result.Result, 0, len(opts.Models)*len(opts.Tests)),
		progressLog: rate.Sometimes{First: 1, Every: 10, Interval: 5 * time.Second},
	}
	cfg := sched.Config()
	log.Info().
		Int("models", len(opts.Models)).
		Int("tests", len(opts.Tests)).
		Int("units", st.total).
		Int("max_concurrent", cfg.MaxConcurrent).
		Int("max_rpm", cfg.MaxRequestsPerMinute).
		Int("max_tpm", cfg.MaxTokensPerMinute).
		Msg("run.start")

	var wg conc.WaitGroup
	for _, m := range opts.Models {
		for _, t := range opts.Tests {
			st.schedule(ctx, &wg, m, t)
		}
	}
	wg.Wait()

	st.mu.Lock()
	run.Results = st.results
	st.mu.Unlock()

	names := make([]string, len(opts.Models))
	for i, m := range opts.Models {
		names[i] = m.Name
	}
	run.Summary = report.Summarize(run.Results, names...)
	run.EndedAt = time.Now().UTC()

	log.Info().
		Int("units", run.Summary.Total).
		Int("errors", run.Summary.Errors).
		Float64("overall_avg", run.Summary.OverallAvg).
		Dur("elapsed", run.EndedAt.Sub(run.StartedAt)).
		Msg("run.done")

	if opts.Sink != nil {
		if err := opts.Sink.Finalize(context.WithoutCancel(ctx), run); err != nil {
			return run, errors.Wrap(err, "finalizing run output")
		}
	}
	return run, nil
}

func messages(t suite.Test) []provider.Message {
	var msgs []provider.Message
	if t.System != "" {
		msgs = append(msgs, provider.Message{Role: "system", Content: t.System})
	}
	return append(msgs, provider.Message{Role: "user", Content: t.Prompt})
}

// maxTokens reads max_tokens from model params. YAML and JSON decode numbers
// differently, so several kinds are accepted.
func maxTokens(params map[string]any) int {
	switch v := params["max_tokens"].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case uint64:
		return int(v)
	}
	return 0
}

func (st *runState) schedule(ctx context.Context, wg *conc.WaitGroup, m result.Model, t suite.Test) {
	msgs := messages(t)
	est := st.opts.Estimator.EstimateMessages(msgs, maxTokens(m.Params))

	var res *result.Result
	ticket := st.sched.Schedule(ctx, est, func(ctx context.Context) error {
		res = st.execute(ctx, m, t, msgs, est)
		return nil
	})

	wg.Go(func() {
		<-ticket.Done()
		if res == nil {
			// Never ran: cancelled while queued, scheduler closed, or the body panicked.
			err := ticket.Err()
			if err == nil {
				err = errors.New("unit was not executed")
			}
			res = st.failed(m, t, est, err)
		}
		res.QueueDelayMS = ticket.QueueDelay().Milliseconds()
		st.finish(ctx, res, t)
	})
}

func (st *runState) base(m result.Model, t suite.Test, est int) *result.Result {
	return &result.Result{
		TestID:          t.ID,
		Task:            t.Task,
		Model:           m.Name,
		ProviderID:      providerID(m),
		Prompt:          t.Prompt,
		EstimatedTokens: est,
	}
}

func providerID(m result.Model) string {
	if m.Provider != "" {
		return m.Provider
	}
	return m.Name
}

func (st *runState) failed(m result.Model, t suite.Test, est int, err error) *result.Result {
	res := st.base(m, t, est)
	res.Error = err.Error()
	return res
}

// execute runs one unit inside its admission slot: the retried completion
// followed by evaluation. Any failure yields score 0 and an empty response.
func (st *runState) execute(ctx context.Context, m result.Model, t suite.Test, msgs []provider.Message, est int) *result.Result {
	log := st.opts.Log.With().Str("model", m.Name).Str("test", t.ID).Logger()
	res := st.base(m, t, est)

	policy := st.opts.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		ev := log.Warn().Err(err).Int("attempt", attempt).Dur("backoff", delay)
		var se *provider.StatusError
		if errors.As(err, &se) && se.RetryAfter > 0 {
			ev = ev.Dur("retry_after", se.RetryAfter)
		}
		ev.Msg("unit.retry")
	}

	var completion *provider.Completion
	start := time.Now()
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		res.Attempts++
		c, err := st.opts.Client.Complete(ctx, providerID(m), msgs, m.Params)
		if err != nil {
			return err
		}
		completion = c
		return nil
	})
	res.LatencyMS = time.Since(start).Milliseconds()
	if err != nil {
		log.Warn().Err(err).Int("attempts", res.Attempts).Msg("unit.provider_failed")
		res.Error = err.Error()
		return res
	}

	res.Raw = completion.Raw
	res.Usage = completion.Usage

	score, err := st.opts.Evaluator.Evaluate(ctx, t, completion.Text)
	if err != nil {
		log.Warn().Err(err).Msg("unit.evaluate_failed")
		res.Error = fmt.Sprintf("evaluating: %v", err)
		return res
	}
	res.Response = completion.Text
	res.Score = score
	return res
}

func (st *runState) finish(ctx context.Context, res *result.Result, t suite.Test) {
	if st.opts.Sink != nil {
		trace := &result.Trace{Result: *res, Expected: t.Expected}
		// Outputs are written even when the run was cancelled.
		if err := st.opts.Sink.Record(context.WithoutCancel(ctx), trace); err != nil {
			st.opts.Log.Error().Err(err).Str("model", res.Model).Str("test", res.TestID).Msg("unit.trace_failed")
			res.TraceError = err.Error()
		}
	}

	st.mu.Lock()
	st.results = append(st.results, *res)
	p := Progress{Completed: len(st.results), Total: st.total}
	if st.opts.Progress != nil {
		st.opts.Progress(p)
	}
	st.mu.Unlock()

	st.progressLog.Do(func() {
		stats := st.sched.Stats()
		st.opts.Log.Info().
			Int("completed", p.Completed).
			Int("total", p.Total).
			Int("queued", stats.Queued).
			Int("active", stats.Active).
			Int("window_tokens", stats.WindowTokens).
			Msg("run.progress")
	})
}
