package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/google/uuid"

	"gtfsrt-ingestor/internal/feed"
)

// DelayKey identifies one predicted stop event inside a cycle.
type DelayKey struct {
	TripID string
	StopID string
}

// DelaySnapshot is the per-stop prediction carried over to the rail vehicle
// rows so positions and delays land in the same snapshot.
type DelaySnapshot struct {
	ArrivalDelaySeconds   *int
	DepartureDelaySeconds *int
	ScheduleRelationship  *string
	PredictedArrival      *time.Time
	PredictedDeparture    *time.Time
	FeedTimestamp         *time.Time
}

type tripDelayRow struct {
	TripID                    string
	StopID                    string
	StopSequence              *int
	ScheduledArrivalSeconds   *int
	ScheduledDepartureSeconds *int
	PredictedArrival          *time.Time
	PredictedDeparture        *time.Time
	ArrivalDelaySeconds       *int
	DepartureDelaySeconds     *int
	ScheduleRelationship      *string
	UpdateTimestamp           *time.Time
}

// TripDelayWriter projects a trip-updates envelope into rt_trip_delays rows.
type TripDelayWriter struct {
	res *Resolver
}

func NewTripDelayWriter(res *Resolver) *TripDelayWriter {
	return &TripDelayWriter{res: res}
}

// collectTripDelayRows flattens every stop time update into one row per
// (trip, stop). When a feed repeats a pair, the later occurrence wins.
// Predictions that reference unknown trips or stops are dropped so the
// foreign keys stay satisfiable.
func (w *TripDelayWriter) collectTripDelayRows(ctx context.Context, env feed.Envelope) (map[DelayKey]tripDelayRow, []DelayKey, error) {
	rows := map[DelayKey]tripDelayRow{}
	var order []DelayKey
	feedTS := epochToTime(env.HeaderTimestamp)

	for _, entity := range env.Message.GetEntity() {
		tu := entity.GetTripUpdate()
		if tu == nil {
			continue
		}
		tripID := tu.GetTrip().GetTripId()
		if tripID == "" {
			continue
		}
		known, err := w.res.TripExists(ctx, tripID)
		if err != nil {
			return nil, nil, err
		}
		if !known {
			continue
		}

		tripRelationship := scheduleRelationshipString(tu.GetTrip())
		tuTS := feedTS
		if ts := tu.GetTimestamp(); ts != 0 {
			tuTS = epochToTime(int64(ts))
		}

		for _, stu := range tu.GetStopTimeUpdate() {
			stopID := stu.GetStopId()
			if stopID == "" {
				continue
			}
			stopKnown, err := w.res.StopExists(ctx, stopID)
			if err != nil {
				return nil, nil, err
			}
			if !stopKnown {
				continue
			}

			row := tripDelayRow{TripID: tripID, StopID: stopID, UpdateTimestamp: tuTS}
			if stu.StopSequence != nil {
				row.StopSequence = uint32ToIntPtr(stu.StopSequence)
			}
			if _, entry, ok, err := w.res.StopContext(ctx, tripID, stopID); err != nil {
				return nil, nil, err
			} else if ok {
				row.ScheduledArrivalSeconds = entry.ArrivalSeconds
				row.ScheduledDepartureSeconds = entry.DepartureSeconds
				if row.StopSequence == nil {
					seq := entry.StopSequence
					row.StopSequence = &seq
				}
			}
			if arrival := stu.GetArrival(); arrival != nil {
				row.ArrivalDelaySeconds = int32ToIntPtr(arrival.Delay)
				row.PredictedArrival = epochToTime(arrival.GetTime())
			}
			if departure := stu.GetDeparture(); departure != nil {
				row.DepartureDelaySeconds = int32ToIntPtr(departure.Delay)
				row.PredictedDeparture = epochToTime(departure.GetTime())
			}
			if stu.ScheduleRelationship != nil {
				rel := stu.GetScheduleRelationship().String()
				row.ScheduleRelationship = &rel
			} else {
				row.ScheduleRelationship = tripRelationship
			}

			key := DelayKey{TripID: tripID, StopID: stopID}
			if _, seen := rows[key]; !seen {
				order = append(order, key)
			}
			rows[key] = row
		}
	}
	return rows, order, nil
}

// Write stores the delay rows and returns the per-stop prediction lookup the
// vehicle writer joins against.
func (w *TripDelayWriter) Write(ctx context.Context, tx *sql.Tx, snapshotID uuid.UUID, env feed.Envelope) (int, map[DelayKey]DelaySnapshot, error) {
	rows, order, err := w.collectTripDelayRows(ctx, env)
	if err != nil {
		return 0, nil, err
	}

	lookup := make(map[DelayKey]DelaySnapshot, len(rows))
	for key, row := range rows {
		lookup[key] = DelaySnapshot{
			ArrivalDelaySeconds:   row.ArrivalDelaySeconds,
			DepartureDelaySeconds: row.DepartureDelaySeconds,
			ScheduleRelationship:  row.ScheduleRelationship,
			PredictedArrival:      row.PredictedArrival,
			PredictedDeparture:    row.PredictedDeparture,
			FeedTimestamp:         row.UpdateTimestamp,
		}
	}
	if tx == nil {
		return len(rows), lookup, nil
	}

	const insert = `
		INSERT INTO rt_trip_delays (
			snapshot_id, trip_id, stop_id, stop_sequence,
			scheduled_arrival_seconds, scheduled_departure_seconds,
			predicted_arrival_utc, predicted_departure_utc,
			arrival_delay_seconds, departure_delay_seconds, schedule_relationship
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	for _, key := range order {
		row := rows[key]
		if _, err := tx.ExecContext(ctx, insert,
			snapshotID, row.TripID, row.StopID, row.StopSequence,
			row.ScheduledArrivalSeconds, row.ScheduledDepartureSeconds,
			row.PredictedArrival, row.PredictedDeparture,
			row.ArrivalDelaySeconds, row.DepartureDelaySeconds, row.ScheduleRelationship,
		); err != nil {
			return 0, nil, fmt.Errorf("insert rt_trip_delays: %w", err)
		}
	}
	return len(rows), lookup, nil
}

func scheduleRelationshipString(trip *gtfs.TripDescriptor) *string {
	if trip == nil || trip.ScheduleRelationship == nil {
		return nil
	}
	rel := trip.GetScheduleRelationship().String()
	return &rel
}
