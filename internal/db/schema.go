package db

import (
	"context"
	"database/sql"
	"fmt"
)

// Table names shared by the poll, archive and refresh commands.
const (
	VehiclePositionsTable = "rt_vehicle_positions"
	RailPositionsTable    = "rt_rail_vehicle_positions"
	RailCurrentTable      = "rt_rail_vehicle_current"
	RailHistoryTable      = "rt_rail_vehicle_history"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS dim_routes (
		route_id TEXT PRIMARY KEY,
		line_code TEXT,
		short_name TEXT,
		long_name TEXT,
		route_type INTEGER,
		color TEXT,
		text_color TEXT,
		updated_at TIMESTAMPTZ DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_trips (
		trip_id TEXT PRIMARY KEY,
		route_id TEXT REFERENCES dim_routes(route_id) ON DELETE SET NULL,
		service_id TEXT,
		shape_id TEXT,
		block_id TEXT,
		wheelchair_accessible INTEGER,
		updated_at TIMESTAMPTZ DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_stops (
		stop_id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		lat DOUBLE PRECISION,
		lon DOUBLE PRECISION,
		wheelchair_boarding INTEGER,
		updated_at TIMESTAMPTZ DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS dim_stop_times (
		trip_id TEXT REFERENCES dim_trips(trip_id) ON DELETE CASCADE,
		stop_sequence INTEGER,
		stop_id TEXT REFERENCES dim_stops(stop_id) ON DELETE CASCADE,
		arrival_seconds INTEGER,
		departure_seconds INTEGER,
		PRIMARY KEY (trip_id, stop_sequence)
	)`,
	`CREATE INDEX IF NOT EXISTS dim_stop_times_by_trip_stop_idx
		ON dim_stop_times (trip_id, stop_id)`,
	`CREATE TABLE IF NOT EXISTS rt_snapshots (
		snapshot_id UUID PRIMARY KEY,
		polled_at_utc TIMESTAMPTZ NOT NULL,
		vehicle_feed_timestamp_utc TIMESTAMPTZ,
		trip_feed_timestamp_utc TIMESTAMPTZ,
		alert_feed_timestamp_utc TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS rt_feed_cursors (
		feed_kind TEXT PRIMARY KEY,
		last_header_timestamp BIGINT,
		last_snapshot_id UUID
	)`,
	`CREATE TABLE IF NOT EXISTS ` + VehiclePositionsTable + ` (
		snapshot_id UUID REFERENCES rt_snapshots(snapshot_id) ON DELETE CASCADE,
		entity_id TEXT NOT NULL,
		vehicle_id TEXT,
		vehicle_label TEXT,
		trip_id TEXT REFERENCES dim_trips(trip_id) ON DELETE SET NULL,
		route_id TEXT REFERENCES dim_routes(route_id) ON DELETE SET NULL,
		current_stop_id TEXT REFERENCES dim_stops(stop_id) ON DELETE SET NULL,
		previous_stop_id TEXT REFERENCES dim_stops(stop_id) ON DELETE SET NULL,
		next_stop_id TEXT REFERENCES dim_stops(stop_id) ON DELETE SET NULL,
		next_stop_sequence INTEGER,
		status TEXT,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		PRIMARY KEY (snapshot_id, entity_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ` + VehiclePositionsTable + `_vehicle_idx
		ON ` + VehiclePositionsTable + ` (vehicle_id, snapshot_id DESC)`,
	`CREATE TABLE IF NOT EXISTS ` + RailPositionsTable + ` (
		snapshot_id UUID REFERENCES rt_snapshots(snapshot_id) ON DELETE CASCADE,
		entity_id TEXT NOT NULL,
		vehicle_id TEXT,
		vehicle_label TEXT,
		trip_id TEXT REFERENCES dim_trips(trip_id) ON DELETE SET NULL,
		route_id TEXT REFERENCES dim_routes(route_id) ON DELETE SET NULL,
		current_stop_id TEXT REFERENCES dim_stops(stop_id) ON DELETE SET NULL,
		previous_stop_id TEXT REFERENCES dim_stops(stop_id) ON DELETE SET NULL,
		next_stop_id TEXT REFERENCES dim_stops(stop_id) ON DELETE SET NULL,
		next_stop_sequence INTEGER,
		status TEXT,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		arrival_delay_seconds INTEGER,
		departure_delay_seconds INTEGER,
		schedule_relationship TEXT,
		predicted_arrival_utc TIMESTAMPTZ,
		predicted_departure_utc TIMESTAMPTZ,
		trip_update_timestamp_utc TIMESTAMPTZ,
		PRIMARY KEY (snapshot_id, entity_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ` + RailPositionsTable + `_vehicle_idx
		ON ` + RailPositionsTable + ` (vehicle_id, snapshot_id DESC)`,
	`CREATE TABLE IF NOT EXISTS ` + RailCurrentTable + ` (
		vehicle_key TEXT PRIMARY KEY,
		snapshot_id UUID NOT NULL REFERENCES rt_snapshots(snapshot_id) ON DELETE CASCADE,
		vehicle_id TEXT,
		entity_id TEXT NOT NULL,
		vehicle_label TEXT,
		trip_id TEXT REFERENCES dim_trips(trip_id) ON DELETE SET NULL,
		route_id TEXT REFERENCES dim_routes(route_id) ON DELETE SET NULL,
		current_stop_id TEXT REFERENCES dim_stops(stop_id) ON DELETE SET NULL,
		previous_stop_id TEXT REFERENCES dim_stops(stop_id) ON DELETE SET NULL,
		next_stop_id TEXT REFERENCES dim_stops(stop_id) ON DELETE SET NULL,
		next_stop_sequence INTEGER,
		status TEXT,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		vehicle_timestamp_utc TIMESTAMPTZ,
		polled_at_utc TIMESTAMPTZ NOT NULL,
		arrival_delay_seconds INTEGER,
		departure_delay_seconds INTEGER,
		schedule_relationship TEXT,
		predicted_arrival_utc TIMESTAMPTZ,
		predicted_departure_utc TIMESTAMPTZ,
		trip_update_timestamp_utc TIMESTAMPTZ,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS ` + RailCurrentTable + `_route_idx
		ON ` + RailCurrentTable + ` (route_id)
		WHERE route_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS ` + RailHistoryTable + ` (
		vehicle_key TEXT NOT NULL,
		snapshot_id UUID NOT NULL REFERENCES rt_snapshots(snapshot_id) ON DELETE CASCADE,
		vehicle_id TEXT,
		entity_id TEXT NOT NULL,
		vehicle_label TEXT,
		trip_id TEXT REFERENCES dim_trips(trip_id) ON DELETE SET NULL,
		route_id TEXT REFERENCES dim_routes(route_id) ON DELETE SET NULL,
		current_stop_id TEXT REFERENCES dim_stops(stop_id) ON DELETE SET NULL,
		previous_stop_id TEXT REFERENCES dim_stops(stop_id) ON DELETE SET NULL,
		next_stop_id TEXT REFERENCES dim_stops(stop_id) ON DELETE SET NULL,
		next_stop_sequence INTEGER,
		status TEXT,
		latitude DOUBLE PRECISION,
		longitude DOUBLE PRECISION,
		vehicle_timestamp_utc TIMESTAMPTZ,
		polled_at_utc TIMESTAMPTZ NOT NULL,
		arrival_delay_seconds INTEGER,
		departure_delay_seconds INTEGER,
		schedule_relationship TEXT,
		predicted_arrival_utc TIMESTAMPTZ,
		predicted_departure_utc TIMESTAMPTZ,
		trip_update_timestamp_utc TIMESTAMPTZ,
		PRIMARY KEY (vehicle_key, snapshot_id)
	)`,
	`CREATE INDEX IF NOT EXISTS ` + RailHistoryTable + `_vehicle_idx
		ON ` + RailHistoryTable + ` (vehicle_id, polled_at_utc DESC)
		WHERE vehicle_id IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS rt_trip_delays (
		snapshot_id UUID REFERENCES rt_snapshots(snapshot_id) ON DELETE CASCADE,
		trip_id TEXT NOT NULL REFERENCES dim_trips(trip_id) ON DELETE CASCADE,
		stop_id TEXT NOT NULL REFERENCES dim_stops(stop_id) ON DELETE CASCADE,
		stop_sequence INTEGER,
		scheduled_arrival_seconds INTEGER,
		scheduled_departure_seconds INTEGER,
		predicted_arrival_utc TIMESTAMPTZ,
		predicted_departure_utc TIMESTAMPTZ,
		arrival_delay_seconds INTEGER,
		departure_delay_seconds INTEGER,
		schedule_relationship TEXT,
		PRIMARY KEY (snapshot_id, trip_id, stop_id)
	)`,
	`CREATE INDEX IF NOT EXISTS rt_trip_delays_trip_idx
		ON rt_trip_delays (trip_id, snapshot_id DESC)`,
	`CREATE TABLE IF NOT EXISTS rt_alerts (
		snapshot_id UUID REFERENCES rt_snapshots(snapshot_id) ON DELETE CASCADE,
		alert_id TEXT NOT NULL,
		language TEXT NOT NULL,
		message TEXT,
		effect TEXT,
		cause TEXT,
		active_start_utc TIMESTAMPTZ,
		active_end_utc TIMESTAMPTZ,
		created_at_utc TIMESTAMPTZ,
		PRIMARY KEY (snapshot_id, alert_id, language)
	)`,
	`CREATE INDEX IF NOT EXISTS rt_alerts_alert_idx
		ON rt_alerts (alert_id, snapshot_id DESC)`,
	`CREATE TABLE IF NOT EXISTS rt_alert_routes (
		snapshot_id UUID REFERENCES rt_snapshots(snapshot_id) ON DELETE CASCADE,
		alert_id TEXT NOT NULL,
		route_id TEXT NOT NULL REFERENCES dim_routes(route_id) ON DELETE CASCADE,
		PRIMARY KEY (snapshot_id, alert_id, route_id)
	)`,
	`CREATE TABLE IF NOT EXISTS rt_alert_stops (
		snapshot_id UUID REFERENCES rt_snapshots(snapshot_id) ON DELETE CASCADE,
		alert_id TEXT NOT NULL,
		stop_id TEXT NOT NULL REFERENCES dim_stops(stop_id) ON DELETE CASCADE,
		PRIMARY KEY (snapshot_id, alert_id, stop_id)
	)`,
	`CREATE TABLE IF NOT EXISTS rt_alert_trips (
		snapshot_id UUID REFERENCES rt_snapshots(snapshot_id) ON DELETE CASCADE,
		alert_id TEXT NOT NULL,
		trip_id TEXT NOT NULL REFERENCES dim_trips(trip_id) ON DELETE CASCADE,
		PRIMARY KEY (snapshot_id, alert_id, trip_id)
	)`,
	`CREATE TABLE IF NOT EXISTS rt_alert_active_periods (
		snapshot_id UUID REFERENCES rt_snapshots(snapshot_id) ON DELETE CASCADE,
		alert_id TEXT NOT NULL,
		period_index INTEGER NOT NULL,
		active_start_utc TIMESTAMPTZ,
		active_end_utc TIMESTAMPTZ,
		PRIMARY KEY (snapshot_id, alert_id, period_index)
	)`,
	`CREATE TABLE IF NOT EXISTS rt_snapshot_archives (
		archive_date DATE PRIMARY KEY,
		snapshot_ids UUID[] NOT NULL,
		snapshot_csv BYTEA,
		vehicle_positions_csv BYTEA,
		rail_positions_csv BYTEA,
		trip_delays_csv BYTEA,
		alerts_csv BYTEA,
		alert_routes_csv BYTEA,
		alert_stops_csv BYTEA,
		alert_trips_csv BYTEA,
		alert_active_periods_csv BYTEA,
		created_at TIMESTAMPTZ DEFAULT now()
	)`,
}

// EnsureSchema creates every table and index the ingestor writes to.
// Statements are idempotent so the bootstrap can run on every startup,
// including after a maintenance subprocess reloaded the dimensions.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range schemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}
