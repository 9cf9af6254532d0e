package scheduler

import (
	"context"
	"time"
)

// Ticket is the deferred result of a scheduled task.
type Ticket struct {
	done       chan struct{}
	err        error
	queuedAt   time.Time
	admittedAt time.Time
}

func newTicket() *Ticket {
	return &Ticket{done: make(chan struct{}), queuedAt: time.Now()}
}

func (t *Ticket) settle(err error) {
	t.err = err
	close(t.done)
}

// Done is closed once the task has finished or was never run.
func (t *Ticket) Done() <-chan struct{} { return t.done }

// Err returns the task's error. It is only meaningful after Done is closed.
func (t *Ticket) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// Wait blocks until the task settles or ctx ends.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// QueueDelay is the time spent waiting for admission. Zero if the task was
// never admitted or has not settled yet.
func (t *Ticket) QueueDelay() time.Duration {
	select {
	case <-t.done:
	default:
		return 0
	}
	if t.admittedAt.IsZero() {
		return 0
	}
	return t.admittedAt.Sub(t.queuedAt)
}
