package scheduler_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalnine/gauntlet/internal/scheduler"
)

func waitAll(t *testing.T, tickets []*scheduler.Ticket) []error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errs := make([]error, len(tickets))
	for i, tk := range tickets {
		select {
		case <-tk.Done():
			errs[i] = tk.Err()
		case <-ctx.Done():
			t.Fatalf("ticket %d did not settle", i)
		}
	}
	return errs
}

func TestScheduleRunsEveryTask(t *testing.T) {
	s := scheduler.New(scheduler.Config{MaxConcurrent: 4})
	defer s.Close()

	var ran atomic.Int32
	var tickets []*scheduler.Ticket
	for i := 0; i < 25; i++ {
		tickets = append(tickets, s.Schedule(context.Background(), 10, func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	for _, err := range waitAll(t, tickets) {
		assert.NoError(t, err)
	}
	assert.EqualValues(t, 25, ran.Load())
	assert.EqualValues(t, 25, s.Stats().Admitted)
}

func TestTaskErrorIsReturnedOnTicket(t *testing.T) {
	s := scheduler.New(scheduler.Config{MaxConcurrent: 1})
	defer s.Close()

	boom := errors.New("boom")
	tk := s.Schedule(context.Background(), 0, func(ctx context.Context) error { return boom })
	assert.ErrorIs(t, tk.Wait(context.Background()), boom)
}

func TestMaxConcurrentOneNeverOverlaps(t *testing.T) {
	s := scheduler.New(scheduler.Config{MaxConcurrent: 1})
	defer s.Close()

	var (
		running atomic.Int32
		overlap atomic.Bool
	)
	var tickets []*scheduler.Ticket
	for i := 0; i < 5; i++ {
		tickets = append(tickets, s.Schedule(context.Background(), 1, func(ctx context.Context) error {
			if running.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(15 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	waitAll(t, tickets)
	assert.False(t, overlap.Load(), "two tasks executed at the same time")
}

func TestConcurrencyCeiling(t *testing.T) {
	const limit = 3
	s := scheduler.New(scheduler.Config{MaxConcurrent: limit})
	defer s.Close()

	var running, peak atomic.Int32
	var tickets []*scheduler.Ticket
	for i := 0; i < 15; i++ {
		tickets = append(tickets, s.Schedule(context.Background(), 1, func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	waitAll(t, tickets)
	assert.LessOrEqual(t, peak.Load(), int32(limit))
	assert.Equal(t, int32(limit), peak.Load(), "expected the pool to fill up")
}

func TestFIFOAdmissionOrder(t *testing.T) {
	s := scheduler.New(scheduler.Config{MaxConcurrent: 1})
	defer s.Close()

	var (
		mu    sync.Mutex
		order []int
	)
	var tickets []*scheduler.Ticket
	for i := 0; i < 10; i++ {
		i := i
		tickets = append(tickets, s.Schedule(context.Background(), 1, func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		}))
	}
	waitAll(t, tickets)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

// A small item queued behind a head blocked on tokens must not go first,
// even though it would fit in the window on its own.
func TestBlockedHeadIsNotSkipped(t *testing.T) {
	const window = 300 * time.Millisecond
	s := scheduler.New(scheduler.Config{
		MaxConcurrent:      10,
		MaxTokensPerMinute: 100,
		Window:             window,
		PollInterval:       20 * time.Millisecond,
	})
	defer s.Close()

	begin := time.Now()
	var (
		admittedWithC uint64
		cStart        time.Duration
	)
	noop := func(ctx context.Context) error { return nil }
	a := s.Schedule(context.Background(), 60, noop)
	b := s.Schedule(context.Background(), 60, noop)
	c := s.Schedule(context.Background(), 10, func(ctx context.Context) error {
		cStart = time.Since(begin)
		admittedWithC = s.Stats().Admitted
		return nil
	})
	waitAll(t, []*scheduler.Ticket{a, b, c})

	// B and C are admitted in the same pass once A leaves the window, so by
	// the time C runs the coordinator has already counted B.
	assert.EqualValues(t, 3, admittedWithC, "C was admitted ahead of B")
	assert.GreaterOrEqual(t, cStart, window-40*time.Millisecond)
	assert.GreaterOrEqual(t, c.QueueDelay(), b.QueueDelay()-5*time.Millisecond)
}

func TestScheduleIsNotSynchronous(t *testing.T) {
	s := scheduler.New(scheduler.Config{MaxConcurrent: 1})
	defer s.Close()

	release := make(chan struct{})
	first := s.Schedule(context.Background(), 1, func(ctx context.Context) error {
		<-release
		return nil
	})
	var ran atomic.Bool
	second := s.Schedule(context.Background(), 1, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	assert.False(t, ran.Load())
	select {
	case <-second.Done():
		t.Fatal("second task settled while the only slot was held")
	default:
	}

	close(release)
	waitAll(t, []*scheduler.Ticket{first, second})
	assert.True(t, ran.Load())
}

// startTimes runs n instant tasks and returns when each began executing.
func startTimes(t *testing.T, s *scheduler.Scheduler, n, tokens int) []time.Time {
	t.Helper()
	var (
		mu     sync.Mutex
		starts []time.Time
	)
	var tickets []*scheduler.Ticket
	for i := 0; i < n; i++ {
		tickets = append(tickets, s.Schedule(context.Background(), tokens, func(ctx context.Context) error {
			mu.Lock()
			starts = append(starts, time.Now())
			mu.Unlock()
			return nil
		}))
	}
	waitAll(t, tickets)
	return starts
}

func TestRequestWindowCeiling(t *testing.T) {
	const (
		rpm    = 3
		window = 300 * time.Millisecond
		slack  = 40 * time.Millisecond
	)
	s := scheduler.New(scheduler.Config{
		MaxConcurrent:        10,
		MaxRequestsPerMinute: rpm,
		Window:               window,
		PollInterval:         20 * time.Millisecond,
	})
	defer s.Close()

	begin := time.Now()
	starts := startTimes(t, s, 7, 1)
	require.Len(t, starts, 7)

	// Any rpm+1 consecutive admissions must span at least one window.
	for i := 0; i+rpm < len(starts); i++ {
		gap := starts[i+rpm].Sub(starts[i])
		assert.GreaterOrEqual(t, gap, window-slack, "admissions %d..%d inside one window", i, i+rpm)
	}
	assert.GreaterOrEqual(t, time.Since(begin), 2*window-slack)
}

func TestTokenWindowCeiling(t *testing.T) {
	const (
		window = 300 * time.Millisecond
		slack  = 40 * time.Millisecond
	)
	s := scheduler.New(scheduler.Config{
		MaxConcurrent:      10,
		MaxTokensPerMinute: 100,
		Window:             window,
		PollInterval:       20 * time.Millisecond,
	})
	defer s.Close()

	// 40 tokens each: two fit in a window, the third must wait.
	starts := startTimes(t, s, 5, 40)
	require.Len(t, starts, 5)
	for i := 0; i+2 < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i+2].Sub(starts[i]), window-slack)
	}
}

func TestWindowStatsNeverExceedBudgets(t *testing.T) {
	s := scheduler.New(scheduler.Config{
		MaxConcurrent:        2,
		MaxRequestsPerMinute: 4,
		MaxTokensPerMinute:   90,
		Window:               200 * time.Millisecond,
		PollInterval:         10 * time.Millisecond,
	})
	defer s.Close()

	var tickets []*scheduler.Ticket
	for i := 0; i < 12; i++ {
		tickets = append(tickets, s.Schedule(context.Background(), 30, func(ctx context.Context) error {
			time.Sleep(5 * time.Millisecond)
			return nil
		}))
	}

	done := make(chan struct{})
	go func() {
		for _, tk := range tickets {
			<-tk.Done()
		}
		close(done)
	}()
	deadline := time.After(10 * time.Second)
	for {
		st := s.Stats()
		assert.LessOrEqual(t, st.Active, 2)
		assert.LessOrEqual(t, st.WindowRequests, 4)
		assert.LessOrEqual(t, st.WindowTokens, 90)
		select {
		case <-done:
			return
		case <-deadline:
			t.Fatal("tasks did not settle")
		case <-time.After(3 * time.Millisecond):
		}
	}
}

func TestOversizedItemStillRuns(t *testing.T) {
	s := scheduler.New(scheduler.Config{MaxConcurrent: 1, MaxTokensPerMinute: 10})
	defer s.Close()

	tk := s.Schedule(context.Background(), 500, func(ctx context.Context) error { return nil })
	assert.NoError(t, tk.Wait(context.Background()))
}

func TestPanicReleasesSlot(t *testing.T) {
	s := scheduler.New(scheduler.Config{MaxConcurrent: 1})
	defer s.Close()

	bad := s.Schedule(context.Background(), 1, func(ctx context.Context) error { panic("kaboom") })
	good := s.Schedule(context.Background(), 1, func(ctx context.Context) error { return nil })

	errs := waitAll(t, []*scheduler.Ticket{bad, good})
	require.Error(t, errs[0])
	assert.Contains(t, errs[0].Error(), "kaboom")
	assert.NoError(t, errs[1])
}

func TestCanceledWhileQueued(t *testing.T) {
	s := scheduler.New(scheduler.Config{MaxConcurrent: 1})
	defer s.Close()

	release := make(chan struct{})
	first := s.Schedule(context.Background(), 1, func(ctx context.Context) error {
		<-release
		return nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	var ran atomic.Bool
	second := s.Schedule(ctx, 1, func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})
	cancel()
	close(release)

	errs := waitAll(t, []*scheduler.Ticket{first, second})
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], context.Canceled)
	assert.False(t, ran.Load())
}

func TestCloseSettlesQueuedTickets(t *testing.T) {
	s := scheduler.New(scheduler.Config{MaxConcurrent: 1})

	release := make(chan struct{})
	started := make(chan struct{})
	running := s.Schedule(context.Background(), 1, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	queued := s.Schedule(context.Background(), 1, func(ctx context.Context) error { return nil })
	<-started

	st := s.Stats()
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 1, st.Queued)

	s.Close()
	assert.ErrorIs(t, queued.Wait(context.Background()), scheduler.ErrClosed)

	close(release)
	assert.NoError(t, running.Wait(context.Background()))

	late := s.Schedule(context.Background(), 1, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, late.Wait(context.Background()), scheduler.ErrClosed)
	assert.Equal(t, scheduler.Stats{}, s.Stats())
}

func TestQueueDelayReported(t *testing.T) {
	s := scheduler.New(scheduler.Config{MaxConcurrent: 1})
	defer s.Close()

	first := s.Schedule(context.Background(), 1, func(ctx context.Context) error {
		time.Sleep(30 * time.Millisecond)
		return nil
	})
	second := s.Schedule(context.Background(), 1, func(ctx context.Context) error { return nil })
	waitAll(t, []*scheduler.Ticket{first, second})
	assert.GreaterOrEqual(t, second.QueueDelay(), 20*time.Millisecond)
}
