package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/google/uuid"

	"gtfsrt-ingestor/internal/feed"
)

// Translations without a language tag are stored under the undetermined tag.
const undeterminedLanguage = "und"

type alertKey struct {
	AlertID  string
	Language string
}

type alertRow struct {
	Message     *string
	Effect      *string
	Cause       *string
	ActiveStart *time.Time
	ActiveEnd   *time.Time
	CreatedAt   *time.Time
}

type alertPeriod struct {
	AlertID string
	Index   int
	Start   *time.Time
	End     *time.Time
}

// alertEntities collects the referenced dimension rows per alert, deduplicated.
type alertEntities struct {
	Routes map[string]struct{}
	Stops  map[string]struct{}
	Trips  map[string]struct{}
}

// AlertWriter projects an alerts envelope into rt_alerts and its child
// tables. One parent row is written per (alert, language) pair; informed
// entities and active periods are written once per alert.
type AlertWriter struct {
	res *Resolver
}

func NewAlertWriter(res *Resolver) *AlertWriter {
	return &AlertWriter{res: res}
}

func (w *AlertWriter) collectAlertRows(ctx context.Context, env feed.Envelope) (map[alertKey]alertRow, []alertPeriod, map[string]alertEntities, error) {
	rows := map[alertKey]alertRow{}
	var periods []alertPeriod
	entities := map[string]alertEntities{}
	createdAt := epochToTime(env.HeaderTimestamp)

	for _, entity := range env.Message.GetEntity() {
		alert := entity.GetAlert()
		if alert == nil {
			continue
		}
		alertID := entity.GetId()
		if alertID == "" {
			continue
		}

		effect := enumString(alert.Effect != nil, alert.GetEffect().String())
		cause := enumString(alert.Cause != nil, alert.GetCause().String())

		// The parent row carries the aggregate activity window; the
		// individual windows go to rt_alert_active_periods.
		var aggStart, aggEnd *time.Time
		for i, period := range alert.GetActivePeriod() {
			start := epochToUintTime(period.Start)
			end := epochToUintTime(period.End)
			periods = append(periods, alertPeriod{AlertID: alertID, Index: i, Start: start, End: end})
			if start != nil && (aggStart == nil || start.Before(*aggStart)) {
				aggStart = start
			}
			if end != nil && (aggEnd == nil || end.After(*aggEnd)) {
				aggEnd = end
			}
		}
		// An alert with no explicit period start is active since the feed
		// header time.
		if aggStart == nil {
			aggStart = createdAt
		}

		for lang, message := range alertMessages(alert) {
			key := alertKey{AlertID: alertID, Language: lang}
			rows[key] = alertRow{
				Message:     strPtr(message),
				Effect:      effect,
				Cause:       cause,
				ActiveStart: aggStart,
				ActiveEnd:   aggEnd,
				CreatedAt:   createdAt,
			}
		}

		refs := alertEntities{
			Routes: map[string]struct{}{},
			Stops:  map[string]struct{}{},
			Trips:  map[string]struct{}{},
		}
		if prev, ok := entities[alertID]; ok {
			refs = prev
		}
		for _, informed := range alert.GetInformedEntity() {
			if routeID := informed.GetRouteId(); routeID != "" {
				known, err := w.res.RouteExists(ctx, routeID)
				if err != nil {
					return nil, nil, nil, err
				}
				if known {
					refs.Routes[routeID] = struct{}{}
				}
			}
			if stopID := informed.GetStopId(); stopID != "" {
				known, err := w.res.StopExists(ctx, stopID)
				if err != nil {
					return nil, nil, nil, err
				}
				if known {
					refs.Stops[stopID] = struct{}{}
				}
			}
			if tripID := informed.GetTrip().GetTripId(); tripID != "" {
				known, err := w.res.TripExists(ctx, tripID)
				if err != nil {
					return nil, nil, nil, err
				}
				if known {
					refs.Trips[tripID] = struct{}{}
				}
			}
		}
		entities[alertID] = refs
	}
	return rows, periods, entities, nil
}

// Write stores the alert rows and returns the parent row count.
func (w *AlertWriter) Write(ctx context.Context, tx *sql.Tx, snapshotID uuid.UUID, env feed.Envelope) (int, error) {
	rows, periods, entities, err := w.collectAlertRows(ctx, env)
	if err != nil {
		return 0, err
	}
	if tx == nil {
		return len(rows), nil
	}

	keys := make([]alertKey, 0, len(rows))
	for key := range rows {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].AlertID != keys[j].AlertID {
			return keys[i].AlertID < keys[j].AlertID
		}
		return keys[i].Language < keys[j].Language
	})

	const insertAlert = `
		INSERT INTO rt_alerts (
			snapshot_id, alert_id, language, message, effect, cause,
			active_start_utc, active_end_utc, created_at_utc
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (snapshot_id, alert_id, language) DO NOTHING`
	for _, key := range keys {
		row := rows[key]
		if _, err := tx.ExecContext(ctx, insertAlert,
			snapshotID, key.AlertID, key.Language, row.Message, row.Effect, row.Cause,
			row.ActiveStart, row.ActiveEnd, row.CreatedAt,
		); err != nil {
			return 0, fmt.Errorf("insert rt_alerts: %w", err)
		}
	}

	for _, period := range periods {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rt_alert_active_periods (snapshot_id, alert_id, period_index, active_start_utc, active_end_utc)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (snapshot_id, alert_id, period_index) DO NOTHING`,
			snapshotID, period.AlertID, period.Index, period.Start, period.End,
		); err != nil {
			return 0, fmt.Errorf("insert rt_alert_active_periods: %w", err)
		}
	}

	childInserts := []struct {
		stmt string
		pick func(alertEntities) map[string]struct{}
	}{
		{`INSERT INTO rt_alert_routes (snapshot_id, alert_id, route_id) VALUES ($1, $2, $3)
			ON CONFLICT (snapshot_id, alert_id, route_id) DO NOTHING`,
			func(e alertEntities) map[string]struct{} { return e.Routes }},
		{`INSERT INTO rt_alert_stops (snapshot_id, alert_id, stop_id) VALUES ($1, $2, $3)
			ON CONFLICT (snapshot_id, alert_id, stop_id) DO NOTHING`,
			func(e alertEntities) map[string]struct{} { return e.Stops }},
		{`INSERT INTO rt_alert_trips (snapshot_id, alert_id, trip_id) VALUES ($1, $2, $3)
			ON CONFLICT (snapshot_id, alert_id, trip_id) DO NOTHING`,
			func(e alertEntities) map[string]struct{} { return e.Trips }},
	}
	alertIDs := make([]string, 0, len(entities))
	for id := range entities {
		alertIDs = append(alertIDs, id)
	}
	sort.Strings(alertIDs)
	for _, alertID := range alertIDs {
		refs := entities[alertID]
		for _, child := range childInserts {
			ids := make([]string, 0, len(child.pick(refs)))
			for id := range child.pick(refs) {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			for _, id := range ids {
				if _, err := tx.ExecContext(ctx, child.stmt, snapshotID, alertID, id); err != nil {
					return 0, fmt.Errorf("insert alert reference: %w", err)
				}
			}
		}
	}
	return len(rows), nil
}

// alertMessages merges the header and description translations into one
// message per language. Languages present in only one of the two still get a
// row; untagged translations share the undetermined bucket.
func alertMessages(alert *gtfs.Alert) map[string]string {
	headers := translationsByLanguage(alert.GetHeaderText())
	descriptions := translationsByLanguage(alert.GetDescriptionText())

	merged := map[string]string{}
	for lang, header := range headers {
		if desc, ok := descriptions[lang]; ok && desc != "" {
			merged[lang] = strings.TrimSpace(header + "\n\n" + desc)
		} else {
			merged[lang] = header
		}
	}
	for lang, desc := range descriptions {
		if _, ok := merged[lang]; !ok {
			merged[lang] = desc
		}
	}
	if len(merged) == 0 {
		merged[undeterminedLanguage] = ""
	}
	return merged
}

func translationsByLanguage(ts *gtfs.TranslatedString) map[string]string {
	out := map[string]string{}
	for _, t := range ts.GetTranslation() {
		lang := t.GetLanguage()
		if lang == "" {
			lang = undeterminedLanguage
		}
		text := strings.TrimSpace(t.GetText())
		if text == "" {
			continue
		}
		if existing, ok := out[lang]; !ok || len(text) > len(existing) {
			out[lang] = text
		}
	}
	return out
}

func enumString(present bool, value string) *string {
	if !present {
		return nil
	}
	return &value
}

func epochToUintTime(v *uint64) *time.Time {
	if v == nil || *v == 0 {
		return nil
	}
	t := time.Unix(int64(*v), 0).UTC()
	return &t
}
