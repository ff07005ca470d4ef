package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"gtfsrt-ingestor/internal/db"
	"gtfsrt-ingestor/internal/feed"
)

type vehicleRow struct {
	EntityID         string
	VehicleID        *string
	VehicleLabel     *string
	TripID           *string
	RouteID          *string
	CurrentStopID    *string
	PreviousStopID   *string
	NextStopID       *string
	NextStopSequence *int
	Status           *string
	Latitude         *float64
	Longitude        *float64
	VehicleTimestamp *time.Time

	label string
}

// RailVehicle is the per-cycle state of one rail vehicle, as written to the
// current-state table and handed to the event publisher after commit.
type RailVehicle struct {
	VehicleKey            string
	VehicleID             *string
	EntityID              string
	VehicleLabel          *string
	TripID                *string
	RouteID               *string
	CurrentStopID         *string
	PreviousStopID        *string
	NextStopID            *string
	Status                *string
	Latitude              *float64
	Longitude             *float64
	ArrivalDelaySeconds   *int
	DepartureDelaySeconds *int
	ScheduleRelationship  *string
	PolledAt              time.Time
}

// VehicleWriteStats counts the rows produced by one vehicle-positions pass.
type VehicleWriteStats struct {
	Generic int
	Rail    int
	Pruned  int64
}

// VehiclePositionWriter projects a vehicle-positions envelope into the
// generic positions table and, for the rail subset, into the rail history
// and current-state tables joined with the cycle's trip delay predictions.
type VehiclePositionWriter struct {
	res        *Resolver
	railPrefix string
	retention  time.Duration
}

func NewVehiclePositionWriter(res *Resolver, railPrefix string, retention time.Duration) *VehiclePositionWriter {
	return &VehiclePositionWriter{res: res, railPrefix: railPrefix, retention: retention}
}

// vehicleKey identifies a vehicle across cycles. Feeds that omit the
// descriptor id fall back to a key derived from the entity id.
func vehicleKey(vehicleID *string, entityID string) string {
	if vehicleID != nil && *vehicleID != "" {
		return *vehicleID
	}
	return "entity:" + entityID
}

// isRail applies the label-prefix heuristic that selects the rail subset.
func (w *VehiclePositionWriter) isRail(row vehicleRow) bool {
	if w.railPrefix == "" {
		return false
	}
	return strings.HasPrefix(strings.ToUpper(row.label), strings.ToUpper(w.railPrefix))
}

func (w *VehiclePositionWriter) collectVehicleRows(ctx context.Context, env feed.Envelope) ([]vehicleRow, error) {
	byEntity := map[string]int{}
	var rows []vehicleRow

	for _, entity := range env.Message.GetEntity() {
		vehicle := entity.GetVehicle()
		if vehicle == nil {
			continue
		}
		entityID := entity.GetId()
		if entityID == "" {
			continue
		}

		row := vehicleRow{EntityID: entityID}
		if desc := vehicle.GetVehicle(); desc != nil {
			row.VehicleID = strPtr(desc.GetId())
			row.VehicleLabel = strPtr(desc.GetLabel())
			row.label = desc.GetLabel()
		}
		if vehicle.CurrentStatus != nil {
			status := vehicle.GetCurrentStatus().String()
			row.Status = &status
		}
		if pos := vehicle.GetPosition(); pos != nil {
			row.Latitude = float32ToFloat64Ptr(pos.Latitude)
			row.Longitude = float32ToFloat64Ptr(pos.Longitude)
		}
		if ts := vehicle.GetTimestamp(); ts != 0 {
			row.VehicleTimestamp = epochToTime(int64(ts))
		}

		tripID := vehicle.GetTrip().GetTripId()
		if tripID != "" {
			known, err := w.res.TripExists(ctx, tripID)
			if err != nil {
				return nil, err
			}
			if known {
				row.TripID = strPtr(tripID)
			}
		}
		routeID := vehicle.GetTrip().GetRouteId()
		if routeID != "" {
			known, err := w.res.RouteExists(ctx, routeID)
			if err != nil {
				return nil, err
			}
			if !known {
				routeID = ""
			}
		}
		if routeID == "" && row.TripID != nil {
			resolved, err := w.res.RouteForTrip(ctx, *row.TripID)
			if err != nil {
				return nil, err
			}
			routeID = resolved
		}
		row.RouteID = strPtr(routeID)

		stopID := vehicle.GetStopId()
		if stopID != "" {
			known, err := w.res.StopExists(ctx, stopID)
			if err != nil {
				return nil, err
			}
			if known {
				row.CurrentStopID = strPtr(stopID)
			}
		}
		if row.TripID != nil && row.CurrentStopID != nil {
			index, _, ok, err := w.res.StopContext(ctx, *row.TripID, *row.CurrentStopID)
			if err != nil {
				return nil, err
			}
			if ok {
				// The timetable profile may list stops absent from dim_stops.
				if prev, found, err := w.res.AdjacentStop(ctx, *row.TripID, index, false); err != nil {
					return nil, err
				} else if found {
					known, err := w.res.StopExists(ctx, prev.StopID)
					if err != nil {
						return nil, err
					}
					if known {
						row.PreviousStopID = strPtr(prev.StopID)
					}
				}
				if next, found, err := w.res.AdjacentStop(ctx, *row.TripID, index, true); err != nil {
					return nil, err
				} else if found {
					known, err := w.res.StopExists(ctx, next.StopID)
					if err != nil {
						return nil, err
					}
					if known {
						row.NextStopID = strPtr(next.StopID)
					}
					seq := next.StopSequence
					row.NextStopSequence = &seq
				}
			}
		}
		if row.NextStopSequence == nil && vehicle.CurrentStopSequence != nil {
			row.NextStopSequence = uint32ToIntPtr(vehicle.CurrentStopSequence)
		}

		// A feed repeating an entity id keeps only the latest occurrence.
		if i, seen := byEntity[entityID]; seen {
			rows[i] = row
			continue
		}
		byEntity[entityID] = len(rows)
		rows = append(rows, row)
	}
	return rows, nil
}

// delayFor joins a vehicle row against the cycle's trip delay lookup, keyed
// on the trip and the current stop.
func delayFor(row vehicleRow, delays map[DelayKey]DelaySnapshot) (DelaySnapshot, bool) {
	if row.TripID == nil || row.CurrentStopID == nil {
		return DelaySnapshot{}, false
	}
	snap, ok := delays[DelayKey{TripID: *row.TripID, StopID: *row.CurrentStopID}]
	return snap, ok
}

// Write stores the vehicle rows and returns the rail subset for publishing.
func (w *VehiclePositionWriter) Write(ctx context.Context, tx *sql.Tx, snapshotID uuid.UUID, polledAt time.Time, env feed.Envelope, delays map[DelayKey]DelaySnapshot) (VehicleWriteStats, []RailVehicle, error) {
	var stats VehicleWriteStats
	rows, err := w.collectVehicleRows(ctx, env)
	if err != nil {
		return stats, nil, err
	}

	var rail []RailVehicle
	const insertGeneric = `
		INSERT INTO ` + db.VehiclePositionsTable + ` (
			snapshot_id, entity_id, vehicle_id, vehicle_label, trip_id, route_id,
			current_stop_id, previous_stop_id, next_stop_id, next_stop_sequence,
			status, latitude, longitude
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	const insertRail = `
		INSERT INTO ` + db.RailPositionsTable + ` (
			snapshot_id, entity_id, vehicle_id, vehicle_label, trip_id, route_id,
			current_stop_id, previous_stop_id, next_stop_id, next_stop_sequence,
			status, latitude, longitude,
			arrival_delay_seconds, departure_delay_seconds, schedule_relationship,
			predicted_arrival_utc, predicted_departure_utc, trip_update_timestamp_utc
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	const insertHistory = `
		INSERT INTO ` + db.RailHistoryTable + ` (
			vehicle_key, snapshot_id, vehicle_id, entity_id, vehicle_label, trip_id, route_id,
			current_stop_id, previous_stop_id, next_stop_id, next_stop_sequence,
			status, latitude, longitude, vehicle_timestamp_utc, polled_at_utc,
			arrival_delay_seconds, departure_delay_seconds, schedule_relationship,
			predicted_arrival_utc, predicted_departure_utc, trip_update_timestamp_utc
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (vehicle_key, snapshot_id) DO NOTHING`
	const upsertCurrent = `
		INSERT INTO ` + db.RailCurrentTable + ` (
			vehicle_key, snapshot_id, vehicle_id, entity_id, vehicle_label, trip_id, route_id,
			current_stop_id, previous_stop_id, next_stop_id, next_stop_sequence,
			status, latitude, longitude, vehicle_timestamp_utc, polled_at_utc,
			arrival_delay_seconds, departure_delay_seconds, schedule_relationship,
			predicted_arrival_utc, predicted_departure_utc, trip_update_timestamp_utc, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, now())
		ON CONFLICT (vehicle_key) DO UPDATE SET
			snapshot_id = EXCLUDED.snapshot_id,
			vehicle_id = EXCLUDED.vehicle_id,
			entity_id = EXCLUDED.entity_id,
			vehicle_label = EXCLUDED.vehicle_label,
			trip_id = EXCLUDED.trip_id,
			route_id = EXCLUDED.route_id,
			current_stop_id = EXCLUDED.current_stop_id,
			previous_stop_id = EXCLUDED.previous_stop_id,
			next_stop_id = EXCLUDED.next_stop_id,
			next_stop_sequence = EXCLUDED.next_stop_sequence,
			status = EXCLUDED.status,
			latitude = EXCLUDED.latitude,
			longitude = EXCLUDED.longitude,
			vehicle_timestamp_utc = EXCLUDED.vehicle_timestamp_utc,
			polled_at_utc = EXCLUDED.polled_at_utc,
			arrival_delay_seconds = EXCLUDED.arrival_delay_seconds,
			departure_delay_seconds = EXCLUDED.departure_delay_seconds,
			schedule_relationship = EXCLUDED.schedule_relationship,
			predicted_arrival_utc = EXCLUDED.predicted_arrival_utc,
			predicted_departure_utc = EXCLUDED.predicted_departure_utc,
			trip_update_timestamp_utc = EXCLUDED.trip_update_timestamp_utc,
			updated_at = now()`

	for _, row := range rows {
		if tx != nil {
			if _, err := tx.ExecContext(ctx, insertGeneric,
				snapshotID, row.EntityID, row.VehicleID, row.VehicleLabel, row.TripID, row.RouteID,
				row.CurrentStopID, row.PreviousStopID, row.NextStopID, row.NextStopSequence,
				row.Status, row.Latitude, row.Longitude,
			); err != nil {
				return stats, nil, fmt.Errorf("insert %s: %w", db.VehiclePositionsTable, err)
			}
		}
		stats.Generic++

		if !w.isRail(row) {
			continue
		}
		key := vehicleKey(row.VehicleID, row.EntityID)
		delay, _ := delayFor(row, delays)
		if tx != nil {
			if _, err := tx.ExecContext(ctx, insertRail,
				snapshotID, row.EntityID, row.VehicleID, row.VehicleLabel, row.TripID, row.RouteID,
				row.CurrentStopID, row.PreviousStopID, row.NextStopID, row.NextStopSequence,
				row.Status, row.Latitude, row.Longitude,
				delay.ArrivalDelaySeconds, delay.DepartureDelaySeconds, delay.ScheduleRelationship,
				delay.PredictedArrival, delay.PredictedDeparture, delay.FeedTimestamp,
			); err != nil {
				return stats, nil, fmt.Errorf("insert %s: %w", db.RailPositionsTable, err)
			}
			args := []any{
				key, snapshotID, row.VehicleID, row.EntityID, row.VehicleLabel, row.TripID, row.RouteID,
				row.CurrentStopID, row.PreviousStopID, row.NextStopID, row.NextStopSequence,
				row.Status, row.Latitude, row.Longitude, row.VehicleTimestamp, polledAt,
				delay.ArrivalDelaySeconds, delay.DepartureDelaySeconds, delay.ScheduleRelationship,
				delay.PredictedArrival, delay.PredictedDeparture, delay.FeedTimestamp,
			}
			if _, err := tx.ExecContext(ctx, insertHistory, args...); err != nil {
				return stats, nil, fmt.Errorf("insert %s: %w", db.RailHistoryTable, err)
			}
			if _, err := tx.ExecContext(ctx, upsertCurrent, args...); err != nil {
				return stats, nil, fmt.Errorf("upsert %s: %w", db.RailCurrentTable, err)
			}
		}
		stats.Rail++
		rail = append(rail, RailVehicle{
			VehicleKey:            key,
			VehicleID:             row.VehicleID,
			EntityID:              row.EntityID,
			VehicleLabel:          row.VehicleLabel,
			TripID:                row.TripID,
			RouteID:               row.RouteID,
			CurrentStopID:         row.CurrentStopID,
			PreviousStopID:        row.PreviousStopID,
			NextStopID:            row.NextStopID,
			Status:                row.Status,
			Latitude:              row.Latitude,
			Longitude:             row.Longitude,
			ArrivalDelaySeconds:   delay.ArrivalDelaySeconds,
			DepartureDelaySeconds: delay.DepartureDelaySeconds,
			ScheduleRelationship:  delay.ScheduleRelationship,
			PolledAt:              polledAt,
		})
	}

	if tx != nil && w.retention > 0 {
		cutoff := polledAt.Add(-w.retention)
		for _, table := range []string{db.RailHistoryTable, db.RailCurrentTable} {
			res, err := tx.ExecContext(ctx,
				`DELETE FROM `+table+` WHERE polled_at_utc < $1`, cutoff)
			if err != nil {
				return stats, nil, fmt.Errorf("prune %s: %w", table, err)
			}
			if n, err := res.RowsAffected(); err == nil {
				stats.Pruned += n
			}
		}
	}
	return stats, rail, nil
}
