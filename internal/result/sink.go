package result

import (
	"context"
	"errors"
	"os"
	"path/filepath"
)

// Sink persists a run's artifacts. Record is called once per settled unit,
// possibly from several goroutines; Finalize once after every unit settled.
type Sink interface {
	Record(ctx context.Context, t *Trace) error
	Finalize(ctx context.Context, run *Run) error
	Close() error
}

// FileSink writes one JSON trace per unit and run.json into a run dir.
type FileSink struct {
	dir string
}

func NewFileSink(runDir string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Join(runDir, TracesDir), 0o755); err != nil {
		return nil, err
	}
	return &FileSink{dir: runDir}, nil
}

func (s *FileSink) Record(_ context.Context, t *Trace) error {
	_, err := WriteTrace(s.dir, t)
	return err
}

func (s *FileSink) Finalize(_ context.Context, run *Run) error {
	return WriteRun(s.dir, run)
}

func (s *FileSink) Close() error { return nil }

type multiSink []Sink

// Multi fans out to every sink and joins their errors.
func Multi(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Record(ctx context.Context, t *Trace) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Record(ctx, t))
	}
	return errors.Join(errs...)
}

func (m multiSink) Finalize(ctx context.Context, run *Run) error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Finalize(ctx, run))
	}
	return errors.Join(errs...)
}

func (m multiSink) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
