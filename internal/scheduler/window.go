package scheduler

import "time"

type tokenMark struct {
	at     time.Time
	tokens int
}

// window is the trailing request and token log. Only the coordinator
// goroutine touches it.
type window struct {
	span     time.Duration
	requests []time.Time
	tokens   []tokenMark
	tokenSum int
}

// prune drops every entry at or before now-span. Entries are appended in
// time order, so both logs are trimmed from the front.
func (w *window) prune(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.requests) && !w.requests[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.requests = append(w.requests[:0], w.requests[i:]...)
	}

	j := 0
	for j < len(w.tokens) && !w.tokens[j].at.After(cutoff) {
		w.tokenSum -= w.tokens[j].tokens
		j++
	}
	if j > 0 {
		w.tokens = append(w.tokens[:0], w.tokens[j:]...)
	}
}

func (w *window) record(now time.Time, tokens int) {
	// Keep the log monotonic even if the wall clock steps backwards.
	if n := len(w.requests); n > 0 && now.Before(w.requests[n-1]) {
		now = w.requests[n-1]
	}
	w.requests = append(w.requests, now)
	w.tokens = append(w.tokens, tokenMark{at: now, tokens: tokens})
	w.tokenSum += tokens
}

// nextExpiry is when the oldest entry leaves the window, or zero if empty.
func (w *window) nextExpiry() time.Time {
	if len(w.requests) == 0 {
		return time.Time{}
	}
	return w.requests[0].Add(w.span)
}
