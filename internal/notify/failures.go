package notify

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

type failureState struct {
	consecutive int
	alerted     bool
}

// FailureTracker counts consecutive fetch failures per URL and raises a
// single webhook alert when a URL crosses the threshold. The alert re-arms
// only after the URL succeeds again. It also keeps a per-day history of
// failure times, in the operating timezone, for the daily report.
type FailureTracker struct {
	mu        sync.Mutex
	threshold int
	sink      Sink
	tz        *time.Location
	now       func() time.Time

	states  map[string]*failureState
	history map[string]map[string][]string
}

func NewFailureTracker(threshold int, sink Sink, tz *time.Location) *FailureTracker {
	if tz == nil {
		tz = time.UTC
	}
	return &FailureTracker{
		threshold: threshold,
		sink:      sink,
		tz:        tz,
		now:       time.Now,
		states:    map[string]*failureState{},
		history:   map[string]map[string][]string{},
	}
}

func (t *FailureTracker) state(url string) *failureState {
	s, ok := t.states[url]
	if !ok {
		s = &failureState{}
		t.states[url] = s
	}
	return s
}

// RecordFailure notes one failed fetch. Crossing the threshold posts an
// alert once; delivery failures only log.
func (t *FailureTracker) RecordFailure(ctx context.Context, url string, err error) {
	t.mu.Lock()
	now := t.now().In(t.tz)
	day := now.Format("2006-01-02")
	if t.history[day] == nil {
		t.history[day] = map[string][]string{}
	}
	t.history[day][url] = append(t.history[day][url], now.Format("15:04:05"))

	s := t.state(url)
	s.consecutive++
	shouldAlert := t.threshold > 0 && s.consecutive >= t.threshold && !s.alerted
	if shouldAlert {
		s.alerted = true
	}
	count := s.consecutive
	t.mu.Unlock()

	if shouldAlert {
		PostLogged(ctx, t.sink, fmt.Sprintf(
			"⚠️ Feed unreachable: %s has failed %d consecutive fetches (last error: %v)",
			url, count, err))
	}
}

// RecordSuccess resets the URL's failure streak and re-arms the alert. A URL
// that had alerted gets a recovery notice.
func (t *FailureTracker) RecordSuccess(url string) {
	t.mu.Lock()
	s := t.state(url)
	recovered := s.alerted
	failures := s.consecutive
	s.consecutive = 0
	s.alerted = false
	t.mu.Unlock()

	if recovered {
		log.Printf("feed recovered after %d failures: %s", failures, url)
		PostLogged(context.Background(), t.sink, fmt.Sprintf(
			"✅ Feed recovered: %s is reachable again after %d failed fetches", url, failures))
	}
}

// ConsecutiveFailures returns the current streak for a URL.
func (t *FailureTracker) ConsecutiveFailures(url string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.states[url]; ok {
		return s.consecutive
	}
	return 0
}

// FailuresOn returns the failure times recorded for one day (formatted
// YYYY-MM-DD in the operating timezone), keyed by URL.
func (t *FailureTracker) FailuresOn(day string) map[string][]string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[string][]string{}
	for url, times := range t.history[day] {
		out[url] = append([]string(nil), times...)
	}
	return out
}

// PruneHistory drops failure history older than the given number of days.
func (t *FailureTracker) PruneHistory(keepDays int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().In(t.tz).AddDate(0, 0, -keepDays).Format("2006-01-02")
	for day := range t.history {
		if day < cutoff {
			delete(t.history, day)
		}
	}
}
