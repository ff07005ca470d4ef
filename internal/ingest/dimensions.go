package ingest

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
)

// StopTimeEntry is one scheduled stop of a trip's timetable.
type StopTimeEntry struct {
	StopSequence     int
	StopID           string
	ArrivalSeconds   *int
	DepartureSeconds *int
}

// DimStore answers existence and timetable questions against the reference
// (dimension) tables. The poll path only ever reads these tables.
type DimStore interface {
	TripExists(ctx context.Context, tripID string) (bool, error)
	// RouteForTrip returns the trip's route id and whether the trip row
	// exists at all; an existing trip may still carry an empty route.
	RouteForTrip(ctx context.Context, tripID string) (string, bool, error)
	RouteExists(ctx context.Context, routeID string) (bool, error)
	StopExists(ctx context.Context, stopID string) (bool, error)
	// TripProfile returns the trip's stop sequence ordered by stop_sequence;
	// an empty slice means the reference data has no timetable for the trip.
	TripProfile(ctx context.Context, tripID string) ([]StopTimeEntry, error)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// pgDimStore reads the dim_* tables through the cycle's transaction so the
// resolver observes the same consistent view as the writers.
type pgDimStore struct {
	q querier
}

func NewPGDimStore(q querier) DimStore { return &pgDimStore{q: q} }

func (s *pgDimStore) TripExists(ctx context.Context, tripID string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, `SELECT 1 FROM dim_trips WHERE trip_id = $1`, tripID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query dim_trips: %w", err)
	}
	return true, nil
}

func (s *pgDimStore) RouteForTrip(ctx context.Context, tripID string) (string, bool, error) {
	var routeID sql.NullString
	err := s.q.QueryRowContext(ctx, `SELECT route_id FROM dim_trips WHERE trip_id = $1`, tripID).Scan(&routeID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query trip route: %w", err)
	}
	return routeID.String, true, nil
}

func (s *pgDimStore) RouteExists(ctx context.Context, routeID string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, `SELECT 1 FROM dim_routes WHERE route_id = $1`, routeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query dim_routes: %w", err)
	}
	return true, nil
}

func (s *pgDimStore) StopExists(ctx context.Context, stopID string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, `SELECT 1 FROM dim_stops WHERE stop_id = $1`, stopID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query dim_stops: %w", err)
	}
	return true, nil
}

func (s *pgDimStore) TripProfile(ctx context.Context, tripID string) ([]StopTimeEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT stop_sequence, stop_id, arrival_seconds, departure_seconds
		FROM dim_stop_times
		WHERE trip_id = $1
		ORDER BY stop_sequence`, tripID)
	if err != nil {
		return nil, fmt.Errorf("query dim_stop_times: %w", err)
	}
	defer rows.Close()

	var profile []StopTimeEntry
	for rows.Next() {
		var entry StopTimeEntry
		var arrival, departure sql.NullInt64
		if err := rows.Scan(&entry.StopSequence, &entry.StopID, &arrival, &departure); err != nil {
			return nil, err
		}
		if arrival.Valid {
			v := int(arrival.Int64)
			entry.ArrivalSeconds = &v
		}
		if departure.Valid {
			v := int(departure.Int64)
			entry.DepartureSeconds = &v
		}
		profile = append(profile, entry)
	}
	return profile, rows.Err()
}

// Missing-key categories tracked by the resolver.
const (
	missingTrip  = "trip"
	missingRoute = "route"
	missingStop  = "stop"
)

const missingSampleCap = 10

// Resolver validates entity identifiers against reference data with a
// bounded-lifetime cache (one resolver per cycle). Negative results are
// cached too, and accumulated into per-category missing sets instead of
// being logged row by row.
type Resolver struct {
	store    DimStore
	fallback *StopTimesCSV

	tripExists  map[string]bool
	tripRoutes  map[string]string
	routeExists map[string]bool
	stopExists  map[string]bool
	profiles    map[string][]StopTimeEntry

	missing map[string]map[string]struct{}
}

// NewResolver builds a fresh resolver. fallback may be nil when no CSV
// timetable source is configured.
func NewResolver(store DimStore, fallback *StopTimesCSV) *Resolver {
	return &Resolver{
		store:       store,
		fallback:    fallback,
		tripExists:  map[string]bool{},
		tripRoutes:  map[string]string{},
		routeExists: map[string]bool{},
		stopExists:  map[string]bool{},
		profiles:    map[string][]StopTimeEntry{},
		missing: map[string]map[string]struct{}{
			missingTrip:  {},
			missingRoute: {},
			missingStop:  {},
		},
	}
}

func (r *Resolver) recordMissing(category, key string) {
	r.missing[category][key] = struct{}{}
}

func (r *Resolver) TripExists(ctx context.Context, tripID string) (bool, error) {
	if tripID == "" {
		return false, nil
	}
	if exists, ok := r.tripExists[tripID]; ok {
		return exists, nil
	}
	exists, err := r.store.TripExists(ctx, tripID)
	if err != nil {
		return false, err
	}
	if !exists {
		r.recordMissing(missingTrip, tripID)
	}
	r.tripExists[tripID] = exists
	return exists, nil
}

// RouteForTrip resolves trip -> route. Returns "" when the trip is unknown
// or carries no route; an existing trip without a route records a route miss.
func (r *Resolver) RouteForTrip(ctx context.Context, tripID string) (string, error) {
	if tripID == "" {
		return "", nil
	}
	if routeID, ok := r.tripRoutes[tripID]; ok {
		return routeID, nil
	}
	routeID, found, err := r.store.RouteForTrip(ctx, tripID)
	if err != nil {
		return "", err
	}
	if !found {
		r.recordMissing(missingTrip, tripID)
		r.tripRoutes[tripID] = ""
		return "", nil
	}
	if routeID == "" {
		r.recordMissing(missingRoute, "(from trip "+tripID+")")
	}
	r.tripRoutes[tripID] = routeID
	return routeID, nil
}

func (r *Resolver) RouteExists(ctx context.Context, routeID string) (bool, error) {
	if routeID == "" {
		return false, nil
	}
	if exists, ok := r.routeExists[routeID]; ok {
		return exists, nil
	}
	exists, err := r.store.RouteExists(ctx, routeID)
	if err != nil {
		return false, err
	}
	if !exists {
		r.recordMissing(missingRoute, routeID)
	}
	r.routeExists[routeID] = exists
	return exists, nil
}

func (r *Resolver) StopExists(ctx context.Context, stopID string) (bool, error) {
	if stopID == "" {
		return false, nil
	}
	if exists, ok := r.stopExists[stopID]; ok {
		return exists, nil
	}
	exists, err := r.store.StopExists(ctx, stopID)
	if err != nil {
		return false, err
	}
	if !exists {
		r.recordMissing(missingStop, stopID)
	}
	r.stopExists[stopID] = exists
	return exists, nil
}

// tripProfile loads the trip's timetable: reference storage first, then the
// CSV fallback. A trip absent from both is recorded missing and cached as an
// empty profile, so downstream lookups stay silent.
func (r *Resolver) tripProfile(ctx context.Context, tripID string) ([]StopTimeEntry, error) {
	if profile, ok := r.profiles[tripID]; ok {
		return profile, nil
	}
	profile, err := r.store.TripProfile(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if len(profile) == 0 && r.fallback != nil {
		profile = r.fallback.Profile(tripID)
	}
	if len(profile) == 0 {
		r.recordMissing(missingTrip, tripID)
	}
	r.profiles[tripID] = profile
	return profile, nil
}

// StopContext locates a stop within a trip's timetable. Returns the profile
// index, the entry, and whether a match exists. A trip with a timetable that
// does not contain the stop records a stop miss.
func (r *Resolver) StopContext(ctx context.Context, tripID, stopID string) (int, StopTimeEntry, bool, error) {
	if tripID == "" || stopID == "" {
		return 0, StopTimeEntry{}, false, nil
	}
	profile, err := r.tripProfile(ctx, tripID)
	if err != nil {
		return 0, StopTimeEntry{}, false, err
	}
	if len(profile) == 0 {
		return 0, StopTimeEntry{}, false, nil
	}
	for i, entry := range profile {
		if entry.StopID == stopID {
			return i, entry, true, nil
		}
	}
	r.recordMissing(missingStop, stopID)
	return 0, StopTimeEntry{}, false, nil
}

// AdjacentStop returns the timetable entry one step before or after the
// given profile index, if it exists.
func (r *Resolver) AdjacentStop(ctx context.Context, tripID string, index int, forward bool) (StopTimeEntry, bool, error) {
	if tripID == "" {
		return StopTimeEntry{}, false, nil
	}
	profile, err := r.tripProfile(ctx, tripID)
	if err != nil {
		return StopTimeEntry{}, false, err
	}
	next := index - 1
	if forward {
		next = index + 1
	}
	if next < 0 || next >= len(profile) {
		return StopTimeEntry{}, false, nil
	}
	return profile[next], true, nil
}

// MissingCount reports how many distinct keys are missing for a category.
func (r *Resolver) MissingCount(category string) int {
	return len(r.missing[category])
}

// ReportMissing emits one aggregated warning per category with a capped
// sample, then clears the sets. Called once at the end of a cycle so a
// degraded reference dataset produces bounded log noise.
func (r *Resolver) ReportMissing() {
	for _, category := range []string{missingTrip, missingRoute, missingStop} {
		keys := r.missing[category]
		if len(keys) == 0 {
			continue
		}
		sample := make([]string, 0, len(keys))
		for k := range keys {
			sample = append(sample, k)
		}
		sort.Strings(sample)
		more := ""
		if len(sample) > missingSampleCap {
			more = fmt.Sprintf(" (+%d more)", len(sample)-missingSampleCap)
			sample = sample[:missingSampleCap]
		}
		log.Printf("reference data mismatch: missing %s entries such as %s%s",
			category, strings.Join(sample, ", "), more)
		r.missing[category] = map[string]struct{}{}
	}
}
