package ingest

import (
	"testing"

	"gtfsrt-ingestor/internal/feed"
)

func envelopes(vehicle, trips, alerts int64) map[feed.Kind]feed.Envelope {
	return map[feed.Kind]feed.Envelope{
		feed.KindVehiclePositions: {Kind: feed.KindVehiclePositions, HeaderTimestamp: vehicle},
		feed.KindTripUpdates:      {Kind: feed.KindTripUpdates, HeaderTimestamp: trips},
		feed.KindAlerts:           {Kind: feed.KindAlerts, HeaderTimestamp: alerts},
	}
}

func TestAllStale(t *testing.T) {
	cursors := map[feed.Kind]int64{
		feed.KindVehiclePositions: 100,
		feed.KindTripUpdates:      40,
		feed.KindAlerts:           75,
	}

	t.Run("one fresh feed is enough", func(t *testing.T) {
		// Vehicle and alert headers repeat the cursor, trips moved forward.
		if AllStale(envelopes(100, 50, 75), cursors) {
			t.Error("cycle with one advanced header reported stale")
		}
	})

	t.Run("all repeated is stale", func(t *testing.T) {
		if !AllStale(envelopes(100, 40, 75), cursors) {
			t.Error("cycle repeating every cursor reported fresh")
		}
	})

	t.Run("older headers are stale", func(t *testing.T) {
		if !AllStale(envelopes(90, 30, 60), cursors) {
			t.Error("cycle behind every cursor reported fresh")
		}
	})

	t.Run("missing cursor means fresh", func(t *testing.T) {
		partial := map[feed.Kind]int64{feed.KindVehiclePositions: 100}
		if AllStale(envelopes(100, 40, 75), partial) {
			t.Error("first sighting of a kind reported stale")
		}
	})

	t.Run("absent header cannot prove staleness", func(t *testing.T) {
		if AllStale(envelopes(100, 0, 75), cursors) {
			t.Error("envelope without a header timestamp reported stale")
		}
	})
}

func TestIndexEnvelopes(t *testing.T) {
	newest := feed.Envelope{Kind: feed.KindTripUpdates, HeaderTimestamp: 200, URL: "b"}
	indexed := indexEnvelopes([]feed.Envelope{
		{Kind: feed.KindTripUpdates, HeaderTimestamp: 100, URL: "a"},
		newest,
		{Kind: feed.KindTripUpdates, HeaderTimestamp: 150, URL: "c"},
	})
	if len(indexed) != 1 {
		t.Fatalf("kinds = %d, want 1", len(indexed))
	}
	got := indexed[feed.KindTripUpdates]
	if got.URL != "b" || got.HeaderTimestamp != 200 {
		t.Errorf("kept %s@%d, want b@200", got.URL, got.HeaderTimestamp)
	}
}

func TestMissingKinds(t *testing.T) {
	indexed := map[feed.Kind]feed.Envelope{
		feed.KindVehiclePositions: {Kind: feed.KindVehiclePositions},
	}
	missing := missingKinds(indexed)
	if len(missing) != 2 {
		t.Fatalf("missing = %v, want trip updates and alerts", missing)
	}
	if missing[0] != feed.KindTripUpdates || missing[1] != feed.KindAlerts {
		t.Errorf("missing = %v", missing)
	}
}
