package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"net/http"
	"time"
)

const (
	DefaultBaseDelay = 500 * time.Millisecond
	DefaultMaxDelay  = 8 * time.Second
	DefaultMaxJitter = 200 * time.Millisecond
)

// Policy bounds a single logical operation's retries. The backoff state lives
// in one Do call; nothing is shared between calls.
type Policy struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
	MaxJitter  time.Duration `yaml:"max_jitter"`

	// OnRetry is called before each backoff wait. attempt is the 1-based
	// attempt that just failed.
	OnRetry func(attempt int, delay time.Duration, err error) `yaml:"-"`
}

func (p Policy) withDefaults() Policy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxJitter < 0 {
		p.MaxJitter = 0
	}
	return p
}

// Retriable reports whether err carries status 429 or any status >= 500.
// Errors without a status are permanent.
func Retriable(err error) bool {
	var sc interface{ StatusCode() int }
	if !errors.As(err, &sc) {
		return false
	}
	code := sc.StatusCode()
	return code == http.StatusTooManyRequests || code >= 500
}

// Backoff is the un-jittered wait before the given retry (1-based): the base
// delay doubled per earlier retry, capped at MaxDelay.
func Backoff(p Policy, retry int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	return d
}

// Do runs op and retries transient failures up to p.MaxRetries times. The
// error of the last attempt is returned as is. If ctx ends during a backoff
// wait, the last attempt's error is returned without further attempts.
func Do(ctx context.Context, p Policy, op func(ctx context.Context) error) error {
	p = p.withDefaults()

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if attempt > p.MaxRetries || !Retriable(err) {
			return err
		}

		delay := Backoff(p, attempt)
		if p.MaxJitter > 0 {
			delay += rand.N(p.MaxJitter)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return err
		case <-t.C:
		}
	}
}
