package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/google/uuid"
	"google.golang.org/protobuf/proto"

	"gtfsrt-ingestor/internal/feed"
)

func stopTimeUpdate(stopID string, arrivalDelay int32, arrivalTime int64) *gtfs.TripUpdate_StopTimeUpdate {
	return &gtfs.TripUpdate_StopTimeUpdate{
		StopId: proto.String(stopID),
		Arrival: &gtfs.TripUpdate_StopTimeEvent{
			Delay: proto.Int32(arrivalDelay),
			Time:  proto.Int64(arrivalTime),
		},
	}
}

func tripUpdateEnvelope(ts int64, updates ...*gtfs.FeedEntity) feed.Envelope {
	return feed.Envelope{
		Kind:            feed.KindTripUpdates,
		HeaderTimestamp: ts,
		Message: &gtfs.FeedMessage{
			Header: &gtfs.FeedHeader{GtfsRealtimeVersion: proto.String("2.0")},
			Entity: updates,
		},
	}
}

func tripUpdateFor(entityID, tripID string, updates ...*gtfs.TripUpdate_StopTimeUpdate) *gtfs.FeedEntity {
	return &gtfs.FeedEntity{
		Id: proto.String(entityID),
		TripUpdate: &gtfs.TripUpdate{
			Trip:           &gtfs.TripDescriptor{TripId: proto.String(tripID)},
			StopTimeUpdate: updates,
		},
	}
}

func TestCollectTripDelayRows(t *testing.T) {
	ctx := context.Background()
	res := NewResolver(newTestStore(), nil)
	w := NewTripDelayWriter(res)

	t.Run("repeated stop keeps the later update", func(t *testing.T) {
		env := tripUpdateEnvelope(1700000000,
			tripUpdateFor("e1", "T1", stopTimeUpdate("51003", 60, 1700000100)),
			tripUpdateFor("e2", "T1", stopTimeUpdate("51003", 120, 1700000200)),
		)
		rows, order, err := w.collectTripDelayRows(ctx, env)
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		if len(rows) != 1 || len(order) != 1 {
			t.Fatalf("rows = %d, want 1", len(rows))
		}
		row := rows[DelayKey{TripID: "T1", StopID: "51003"}]
		if row.ArrivalDelaySeconds == nil || *row.ArrivalDelaySeconds != 120 {
			t.Errorf("arrival delay = %v, want 120", row.ArrivalDelaySeconds)
		}
		want := time.Unix(1700000200, 0).UTC()
		if row.PredictedArrival == nil || !row.PredictedArrival.Equal(want) {
			t.Errorf("predicted arrival = %v, want %v", row.PredictedArrival, want)
		}
	})

	t.Run("scheduled times come from the timetable", func(t *testing.T) {
		env := tripUpdateEnvelope(1700000000,
			tripUpdateFor("e1", "T1", stopTimeUpdate("51003", 30, 0)))
		rows, _, err := w.collectTripDelayRows(ctx, env)
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		row := rows[DelayKey{TripID: "T1", StopID: "51003"}]
		if row.ScheduledArrivalSeconds == nil || *row.ScheduledArrivalSeconds != 8*3600+600 {
			t.Errorf("scheduled arrival = %v, want %d", row.ScheduledArrivalSeconds, 8*3600+600)
		}
		if row.StopSequence == nil || *row.StopSequence != 2 {
			t.Errorf("stop sequence = %v, want 2", row.StopSequence)
		}
	})

	t.Run("unknown trip dropped", func(t *testing.T) {
		env := tripUpdateEnvelope(1700000000,
			tripUpdateFor("e1", "ghost", stopTimeUpdate("51003", 60, 0)))
		rows, _, err := w.collectTripDelayRows(ctx, env)
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("rows = %d, want 0", len(rows))
		}
	})

	t.Run("unknown stop dropped", func(t *testing.T) {
		env := tripUpdateEnvelope(1700000000,
			tripUpdateFor("e1", "T1", stopTimeUpdate("nowhere", 60, 0)))
		rows, _, err := w.collectTripDelayRows(ctx, env)
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		if len(rows) != 0 {
			t.Errorf("rows = %d, want 0", len(rows))
		}
	})

	t.Run("trip relationship is the stop fallback", func(t *testing.T) {
		entity := tripUpdateFor("e1", "T1", stopTimeUpdate("51003", 60, 0))
		rel := gtfs.TripDescriptor_CANCELED
		entity.TripUpdate.Trip.ScheduleRelationship = &rel
		env := tripUpdateEnvelope(1700000000, entity)
		rows, _, err := w.collectTripDelayRows(ctx, env)
		if err != nil {
			t.Fatalf("collect: %v", err)
		}
		row := rows[DelayKey{TripID: "T1", StopID: "51003"}]
		if row.ScheduleRelationship == nil || *row.ScheduleRelationship != "CANCELED" {
			t.Errorf("schedule relationship = %v, want CANCELED", row.ScheduleRelationship)
		}
	})
}

func TestTripDelayWriterLookup(t *testing.T) {
	ctx := context.Background()
	res := NewResolver(newTestStore(), nil)
	w := NewTripDelayWriter(res)

	env := tripUpdateEnvelope(1700000000,
		tripUpdateFor("e1", "T1", stopTimeUpdate("51003", 90, 1700000100)))
	count, lookup, err := w.Write(ctx, nil, uuid.Nil, env)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	snap, ok := lookup[DelayKey{TripID: "T1", StopID: "51003"}]
	if !ok {
		t.Fatal("lookup missing (T1, 51003)")
	}
	if snap.ArrivalDelaySeconds == nil || *snap.ArrivalDelaySeconds != 90 {
		t.Errorf("arrival delay = %v, want 90", snap.ArrivalDelaySeconds)
	}
	if snap.FeedTimestamp == nil || !snap.FeedTimestamp.Equal(time.Unix(1700000000, 0).UTC()) {
		t.Errorf("feed timestamp = %v, want header time", snap.FeedTimestamp)
	}
}
