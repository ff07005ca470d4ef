package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"gtfsrt-ingestor/internal/feed"
)

func translated(pairs ...string) *gtfs.TranslatedString {
	ts := &gtfs.TranslatedString{}
	for i := 0; i+1 < len(pairs); i += 2 {
		tr := &gtfs.TranslatedString_Translation{Text: proto.String(pairs[i+1])}
		if pairs[i] != "" {
			tr.Language = proto.String(pairs[i])
		}
		ts.Translation = append(ts.Translation, tr)
	}
	return ts
}

func alertEnvelope(ts int64, entities ...*gtfs.FeedEntity) feed.Envelope {
	return feed.Envelope{
		Kind:            feed.KindAlerts,
		HeaderTimestamp: ts,
		Message: &gtfs.FeedMessage{
			Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
			Entity: entities,
		},
	}
}

func TestAlertMessages(t *testing.T) {
	t.Run("merges header and description per language", func(t *testing.T) {
		alert := &gtfs.Alert{
			HeaderText:      translated("es", "Corte de servicio", "en", "Service disruption"),
			DescriptionText: translated("es", "Entre A y B"),
		}
		got := alertMessages(alert)
		if len(got) != 2 {
			t.Fatalf("languages = %d, want 2", len(got))
		}
		if got["es"] != "Corte de servicio\n\nEntre A y B" {
			t.Errorf("es message = %q", got["es"])
		}
		if got["en"] != "Service disruption" {
			t.Errorf("en message = %q", got["en"])
		}
	})

	t.Run("untagged translation uses the undetermined language", func(t *testing.T) {
		alert := &gtfs.Alert{HeaderText: translated("", "Plain header")}
		got := alertMessages(alert)
		if got[undeterminedLanguage] != "Plain header" {
			t.Errorf("und message = %q", got[undeterminedLanguage])
		}
	})

	t.Run("no text still yields one row", func(t *testing.T) {
		got := alertMessages(&gtfs.Alert{})
		if len(got) != 1 {
			t.Fatalf("languages = %d, want 1", len(got))
		}
		if _, ok := got[undeterminedLanguage]; !ok {
			t.Error("expected an undetermined-language row")
		}
	})
}

func TestCollectAlertRows(t *testing.T) {
	ctx := context.Background()
	res := NewResolver(newTestStore(), nil)
	w := NewAlertWriter(res)

	alert := &gtfs.Alert{
		HeaderText: translated("es", "Obras"),
		ActivePeriod: []*gtfs.TimeRange{
			{Start: proto.Uint64(100), End: proto.Uint64(200)},
			{Start: proto.Uint64(50), End: proto.Uint64(300)},
		},
		InformedEntity: []*gtfs.EntitySelector{
			{RouteId: proto.String("R1")},
			{RouteId: proto.String("ghost-route")},
			{StopId: proto.String("51003")},
			{Trip: &gtfs.TripDescriptor{TripId: proto.String("T1")}},
			{RouteId: proto.String("R1")}, // duplicate
		},
	}
	env := alertEnvelope(1700000000, &gtfs.FeedEntity{Id: proto.String("a1"), Alert: alert})

	rows, periods, entities, err := w.collectAlertRows(ctx, env)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}

	row, ok := rows[alertKey{AlertID: "a1", Language: "es"}]
	if !ok {
		t.Fatal("missing (a1, es) row")
	}
	if row.ActiveStart == nil || !row.ActiveStart.Equal(time.Unix(50, 0).UTC()) {
		t.Errorf("aggregate start = %v, want unix 50", row.ActiveStart)
	}
	if row.ActiveEnd == nil || !row.ActiveEnd.Equal(time.Unix(300, 0).UTC()) {
		t.Errorf("aggregate end = %v, want unix 300", row.ActiveEnd)
	}
	if row.CreatedAt == nil || !row.CreatedAt.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Errorf("created at = %v, want header time", row.CreatedAt)
	}

	if len(periods) != 2 {
		t.Fatalf("periods = %d, want 2", len(periods))
	}
	if periods[0].Index != 0 || periods[1].Index != 1 {
		t.Errorf("period indexes = %d,%d, want 0,1", periods[0].Index, periods[1].Index)
	}

	refs := entities["a1"]
	if len(refs.Routes) != 1 {
		t.Errorf("routes = %d, want 1 (unknown and duplicate dropped)", len(refs.Routes))
	}
	if _, ok := refs.Routes["R1"]; !ok {
		t.Error("R1 should be referenced")
	}
	if len(refs.Stops) != 1 || len(refs.Trips) != 1 {
		t.Errorf("stops = %d trips = %d, want 1 and 1", len(refs.Stops), len(refs.Trips))
	}
}

func TestCollectAlertRowsWindowFallback(t *testing.T) {
	ctx := context.Background()
	w := NewAlertWriter(NewResolver(newTestStore(), nil))

	// No explicit period start: the window opens at the feed header time.
	alert := &gtfs.Alert{HeaderText: translated("es", "Obras")}
	env := alertEnvelope(1700000000, &gtfs.FeedEntity{Id: proto.String("a1"), Alert: alert})
	rows, _, _, err := w.collectAlertRows(ctx, env)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	row := rows[alertKey{AlertID: "a1", Language: "es"}]
	if row.ActiveStart == nil || !row.ActiveStart.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Errorf("aggregate start = %v, want header time", row.ActiveStart)
	}
	if row.ActiveEnd != nil {
		t.Errorf("aggregate end = %v, want nil", row.ActiveEnd)
	}

	// A period with only an end still falls back for the start.
	alert = &gtfs.Alert{
		HeaderText:   translated("es", "Obras"),
		ActivePeriod: []*gtfs.TimeRange{{End: proto.Uint64(1700003600)}},
	}
	env = alertEnvelope(1700000000, &gtfs.FeedEntity{Id: proto.String("a2"), Alert: alert})
	rows, _, _, err = w.collectAlertRows(ctx, env)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	row = rows[alertKey{AlertID: "a2", Language: "es"}]
	if row.ActiveStart == nil || !row.ActiveStart.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Errorf("aggregate start = %v, want header time", row.ActiveStart)
	}
	if row.ActiveEnd == nil || !row.ActiveEnd.Equal(time.Unix(1700003600, 0).UTC()) {
		t.Errorf("aggregate end = %v, want unix 1700003600", row.ActiveEnd)
	}
}

func TestCollectAlertRowsSkipsAnonymous(t *testing.T) {
	ctx := context.Background()
	w := NewAlertWriter(NewResolver(newTestStore(), nil))
	env := alertEnvelope(0, &gtfs.FeedEntity{Id: proto.String(""), Alert: &gtfs.Alert{}})
	rows, _, _, err := w.collectAlertRows(ctx, env)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %d, want 0 for an alert without an id", len(rows))
	}
}
