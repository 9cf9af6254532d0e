package evaluator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/signalnine/gauntlet/internal/provider"
	"github.com/signalnine/gauntlet/internal/retry"
	"github.com/signalnine/gauntlet/internal/suite"
)

var (
	ErrUnknownType = errors.New("unknown evaluator type")
	ErrNoExpected  = errors.New("test has no expected value")
)

// Evaluator scores a model response for a test in [0,1].
type Evaluator interface {
	Evaluate(ctx context.Context, test suite.Test, response string) (float64, error)
}

type Func func(ctx context.Context, test suite.Test, response string) (float64, error)

func (f Func) Evaluate(ctx context.Context, test suite.Test, response string) (float64, error) {
	return f(ctx, test, response)
}

type Options struct {
	// Judge is used by the "judge" evaluator. Leave nil to disable it.
	Judge      provider.Client
	JudgeModel string
	Votes      int
	// Retry applies to each judge completion.
	Retry      retry.Policy
	Log        zerolog.Logger
}

// Registry dispatches on the test's evaluator type.
type Registry struct {
	byType map[string]Evaluator
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{byType: map[string]Evaluator{
		"exact":    Func(exactMatch),
		"contains": Func(contains),
		"regex":    Func(regexMatch),
		"numeric":  Func(numeric),
	}}
	if opts.Judge != nil {
		r.byType["judge"] = NewJudge(opts.Judge, opts.JudgeModel, opts.Votes, opts.Retry, opts.Log)
	}
	return r
}

// Register adds or replaces the evaluator for a type.
func (r *Registry) Register(typ string, e Evaluator) {
	r.byType[typ] = e
}

func (r *Registry) For(spec suite.EvaluatorSpec) (Evaluator, error) {
	typ := spec.Type
	if typ == "" {
		typ = "exact"
	}
	e, ok := r.byType[typ]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
	}
	return e, nil
}

// Evaluate scores response with the evaluator the test names. The score is
// clamped to [0,1].
func (r *Registry) Evaluate(ctx context.Context, test suite.Test, response string) (float64, error) {
	e, err := r.For(test.Evaluator)
	if err != nil {
		return 0, err
	}
	score, err := e.Evaluate(ctx, test, response)
	if err != nil {
		return 0, err
	}
	return clamp(score), nil
}

func clamp(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func normalize(s string, caseSensitive bool) string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ".!")
	s = strings.Trim(s, "\"'`")
	if !caseSensitive {
		s = strings.ToLower(s)
	}
	return s
}

func exactMatch(_ context.Context, test suite.Test, response string) (float64, error) {
	if len(test.Expected) == 0 {
		return 0, ErrNoExpected
	}
	got := normalize(response, test.Evaluator.CaseSensitive)
	for _, want := range test.Expected {
		if got == normalize(want, test.Evaluator.CaseSensitive) {
			return 1, nil
		}
	}
	return 0, nil
}

// contains scores 1 if any expected substring appears, or in mode "all" the
// fraction of expected substrings that appear.
func contains(_ context.Context, test suite.Test, response string) (float64, error) {
	if len(test.Expected) == 0 {
		return 0, ErrNoExpected
	}
	cs := test.Evaluator.CaseSensitive
	hay := response
	if !cs {
		hay = strings.ToLower(hay)
	}
	hits := 0
	for _, want := range test.Expected {
		needle := want
		if !cs {
			needle = strings.ToLower(needle)
		}
		if strings.Contains(hay, needle) {
			hits++
		}
	}
	switch test.Evaluator.Mode {
	case "", "any":
		if hits > 0 {
			return 1, nil
		}
		return 0, nil
	case "all":
		return float64(hits) / float64(len(test.Expected)), nil
	default:
		return 0, fmt.Errorf("contains: unknown mode %q", test.Evaluator.Mode)
	}
}

func regexMatch(_ context.Context, test suite.Test, response string) (float64, error) {
	if len(test.Expected) == 0 {
		return 0, ErrNoExpected
	}
	for _, pat := range test.Expected {
		if !test.Evaluator.CaseSensitive && !strings.HasPrefix(pat, "(?") {
			pat = "(?i)" + pat
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return 0, fmt.Errorf("regex: compiling %q: %w", pat, err)
		}
		if re.MatchString(response) {
			return 1, nil
		}
	}
	return 0, nil
}

var numberRE = regexp.MustCompile(`-?\d[\d,]*(?:\.\d+)?`)

// numeric compares the first number in the response with each expected value.
func numeric(_ context.Context, test suite.Test, response string) (float64, error) {
	if len(test.Expected) == 0 {
		return 0, ErrNoExpected
	}
	m := numberRE.FindString(response)
	if m == "" {
		return 0, nil
	}
	got, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, nil
	}
	for _, want := range test.Expected {
		w, err := strconv.ParseFloat(strings.TrimSpace(want), 64)
		if err != nil {
			return 0, fmt.Errorf("numeric: expected value %q is not a number", want)
		}
		if math.Abs(got-w) <= test.Evaluator.Tolerance {
			return 1, nil
		}
	}
	return 0, nil
}
