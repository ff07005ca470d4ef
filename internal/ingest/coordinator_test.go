package ingest

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"gtfsrt-ingestor/internal/feed"
)

// stubSource serves canned envelopes per URL; URLs without an entry fail.
type stubSource struct {
	envelopes map[string]feed.Envelope
	fetched   []string
}

func (s *stubSource) Fetch(_ context.Context, url string) (feed.Envelope, error) {
	s.fetched = append(s.fetched, url)
	env, ok := s.envelopes[url]
	if !ok {
		return feed.Envelope{}, feed.ErrUnreachable
	}
	return env, nil
}

type recordingSink struct {
	failures  []string
	successes []string
}

func (r *recordingSink) RecordFailure(_ context.Context, url string, _ error) {
	r.failures = append(r.failures, url)
}

func (r *recordingSink) RecordSuccess(url string) {
	r.successes = append(r.successes, url)
}

func TestRunCycleIncompleteOnFetchFailure(t *testing.T) {
	vehiclesURL := "http://x/vehicles"
	tripsURL := "http://x/trips"
	alertsURL := "http://x/alerts"

	source := &stubSource{envelopes: map[string]feed.Envelope{
		vehiclesURL: {Kind: feed.KindVehiclePositions, HeaderTimestamp: 100},
		tripsURL:    {Kind: feed.KindTripUpdates, HeaderTimestamp: 100},
	}}
	sink := &recordingSink{}
	c := &Coordinator{
		Source:   source,
		URLs:     []string{vehiclesURL, tripsURL, alertsURL},
		Failures: sink,
	}

	result, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if result.Outcome != OutcomeIncomplete {
		t.Fatalf("outcome = %s, want %s", result.Outcome, OutcomeIncomplete)
	}
	if len(result.MissingKinds) != 1 || result.MissingKinds[0] != feed.KindAlerts {
		t.Errorf("missing = %v, want [%s]", result.MissingKinds, feed.KindAlerts)
	}
	// No snapshot on an incomplete cycle.
	if result.SnapshotID != uuid.Nil {
		t.Errorf("snapshot id = %s, want zero", result.SnapshotID)
	}
	if len(sink.failures) != 1 || sink.failures[0] != alertsURL {
		t.Errorf("failures = %v, want only the alerts URL", sink.failures)
	}
	if len(sink.successes) != 2 {
		t.Errorf("successes = %v, want the two reachable URLs", sink.successes)
	}
	if len(source.fetched) != 3 {
		t.Errorf("fetched %d URLs, want all 3", len(source.fetched))
	}
}

func TestRunCycleIncompleteWithNoURLs(t *testing.T) {
	c := &Coordinator{Source: &stubSource{}, URLs: nil}
	result, err := c.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if result.Outcome != OutcomeIncomplete {
		t.Errorf("outcome = %s, want %s", result.Outcome, OutcomeIncomplete)
	}
	if len(result.MissingKinds) != len(feed.Kinds) {
		t.Errorf("missing = %v, want every kind", result.MissingKinds)
	}
}
