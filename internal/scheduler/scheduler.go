// Package scheduler admits queued work under three independent budgets:
// concurrent tasks, requests per rolling window, and estimated tokens per
// rolling window.
//
// A single coordinator goroutine owns the queue, the rolling logs, and the
// active count. Tasks run on their own goroutines and report settlement back
// over a channel, so no task body mutates scheduler state.
//
// Admission is strict head-of-queue: a head that does not fit stays at the
// front and is re-checked when a slot frees, when the oldest window entry
// expires, or after PollInterval, whichever comes first.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	DefaultWindow       = time.Minute
	DefaultPollInterval = 250 * time.Millisecond
	minWait             = time.Millisecond
)

var ErrClosed = errors.New("scheduler closed")

// Config holds the three budgets. RPM and TPM limits <= 0 are unlimited.
type Config struct {
	MaxConcurrent        int           `yaml:"max_concurrent"`
	MaxRequestsPerMinute int           `yaml:"max_requests_per_minute"`
	MaxTokensPerMinute   int           `yaml:"max_tokens_per_minute"`
	Window               time.Duration `yaml:"window"`
	PollInterval         time.Duration `yaml:"poll_interval"`
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent < 1 {
		c.MaxConcurrent = 1
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	return c
}

type Task func(ctx context.Context) error

type Option func(*Scheduler)

func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// Stats is a point-in-time view of the coordinator state.
type Stats struct {
	Queued         int
	Active         int
	WindowRequests int
	WindowTokens   int
	Admitted       uint64
}

type entry struct {
	ctx    context.Context
	task   Task
	tokens int
	ticket *Ticket
}

type Scheduler struct {
	cfg Config
	log zerolog.Logger

	submitCh  chan *entry
	settledCh chan struct{}
	statsCh   chan chan Stats
	closeCh   chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	// Coordinator-owned state.
	queue    []*entry
	active   int
	win      window
	admitted uint64
	throttle bool
}

// New starts the coordinator. Call Close to stop it.
func New(cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:       cfg,
		log:       zerolog.Nop(),
		submitCh:  make(chan *entry),
		settledCh: make(chan struct{}),
		statsCh:   make(chan chan Stats),
		closeCh:   make(chan struct{}),
		stopped:   make(chan struct{}),
		win:       window{span: cfg.Window},
	}
	for _, o := range opts {
		o(s)
	}
	go s.loop()
	return s
}

func (s *Scheduler) Config() Config { return s.cfg }

// Schedule enqueues task with its estimated token cost and returns at once.
// The task never runs on the caller's goroutine. ctx is handed to the task
// when it runs; if ctx ends while the task is still queued, the ticket
// settles with ctx.Err() and the task is not run.
func (s *Scheduler) Schedule(ctx context.Context, tokens int, task Task) *Ticket {
	if tokens < 0 {
		tokens = 0
	}
	t := newTicket()
	e := &entry{ctx: ctx, task: task, tokens: tokens, ticket: t}
	select {
	case s.submitCh <- e:
	case <-s.stopped:
		t.settle(ErrClosed)
	}
	return t
}

// Stats asks the coordinator for a snapshot. It returns the zero value once
// the scheduler is closed.
func (s *Scheduler) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case s.statsCh <- reply:
		return <-reply
	case <-s.stopped:
		return Stats{}
	}
}

// Close stops the coordinator. Queued tickets settle with ErrClosed; tasks
// already running finish normally.
func (s *Scheduler) Close() {
	s.closeOnce.Do(func() { close(s.closeCh) })
	<-s.stopped
}

func (s *Scheduler) loop() {
	defer close(s.stopped)

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	var timerC <-chan time.Time

	for {
		select {
		case e := <-s.submitCh:
			s.queue = append(s.queue, e)
		case <-s.settledCh:
			s.active--
		case <-timerC:
			timerC = nil
		case reply := <-s.statsCh:
			s.win.prune(time.Now())
			reply <- Stats{
				Queued:         len(s.queue),
				Active:         s.active,
				WindowRequests: len(s.win.requests),
				WindowTokens:   s.win.tokenSum,
				Admitted:       s.admitted,
			}
			continue
		case <-s.closeCh:
			timer.Stop()
			for _, e := range s.queue {
				e.ticket.settle(ErrClosed)
			}
			s.queue = nil
			return
		}

		wait, blocked := s.admit(time.Now())
		if blocked {
			timer.Reset(wait)
			timerC = timer.C
		} else {
			timer.Stop()
			timerC = nil
		}
	}
}

// admit starts queued tasks from the head while every budget allows it.
// When the head is blocked by a rolling window it reports how long to wait
// before the next attempt. A head blocked on concurrency needs no timer:
// the next settlement wakes the loop.
func (s *Scheduler) admit(now time.Time) (time.Duration, bool) {
	for len(s.queue) > 0 {
		head := s.queue[0]
		if err := head.ctx.Err(); err != nil {
			s.pop()
			head.ticket.settle(err)
			continue
		}

		s.win.prune(now)
		if s.active >= s.cfg.MaxConcurrent {
			return 0, false
		}
		if reason := s.overBudget(head.tokens); reason != "" {
			if !s.throttle {
				s.throttle = true
				s.log.Debug().
					Str("reason", reason).
					Int("queued", len(s.queue)).
					Int("window_requests", len(s.win.requests)).
					Int("window_tokens", s.win.tokenSum).
					Int("tokens", head.tokens).
					Msg("scheduler.throttled")
			}
			return s.retryDelay(now), true
		}

		s.throttle = false
		s.pop()
		s.active++
		s.admitted++
		s.win.record(now, head.tokens)
		head.ticket.admittedAt = now
		s.log.Debug().
			Int("tokens", head.tokens).
			Int("active", s.active).
			Int("window_requests", len(s.win.requests)).
			Int("window_tokens", s.win.tokenSum).
			Dur("queue_delay", now.Sub(head.ticket.queuedAt)).
			Msg("scheduler.admitted")
		go s.run(head)
	}
	return 0, false
}

// overBudget names the window budget the head would break, or "" if it fits.
// An item whose estimate alone exceeds the token budget is admitted once the
// token window is empty; otherwise it could never run.
func (s *Scheduler) overBudget(tokens int) string {
	if rpm := s.cfg.MaxRequestsPerMinute; rpm > 0 && len(s.win.requests) >= rpm {
		return "requests"
	}
	if tpm := s.cfg.MaxTokensPerMinute; tpm > 0 && s.win.tokenSum+tokens > tpm {
		if s.win.tokenSum == 0 && tokens > tpm {
			s.log.Warn().Int("tokens", tokens).Int("max_tokens_per_minute", tpm).Msg("scheduler.oversized_item")
			return ""
		}
		return "tokens"
	}
	return ""
}

func (s *Scheduler) retryDelay(now time.Time) time.Duration {
	d := s.cfg.PollInterval
	if exp := s.win.nextExpiry(); !exp.IsZero() {
		if until := exp.Sub(now); until < d {
			d = until
		}
	}
	if d < minWait {
		d = minWait
	}
	return d
}

func (s *Scheduler) pop() {
	s.queue[0] = nil
	s.queue = s.queue[1:]
}

func (s *Scheduler) run(e *entry) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panic: %v", r)
				s.log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("scheduler.task_panic")
			}
		}()
		err = e.task(e.ctx)
	}()
	e.ticket.settle(err)
	select {
	case s.settledCh <- struct{}{}:
	case <-s.stopped:
	}
}
