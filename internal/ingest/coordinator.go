package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"gtfsrt-ingestor/internal/feed"
)

// CycleOutcome classifies a completed poll cycle.
type CycleOutcome string

const (
	OutcomeStored     CycleOutcome = "stored"
	OutcomeStale      CycleOutcome = "stale"
	OutcomeIncomplete CycleOutcome = "incomplete"
	OutcomeDryRun     CycleOutcome = "dry_run"
	OutcomeFailed     CycleOutcome = "failed"
)

// CycleResult reports what one cycle did. Rail is only populated for stored
// cycles and feeds the post-commit event publisher.
type CycleResult struct {
	Outcome      CycleOutcome
	SnapshotID   uuid.UUID
	PolledAt     time.Time
	DelayRows    int
	AlertRows    int
	Vehicles     VehicleWriteStats
	Rail         []RailVehicle
	MissingKinds []feed.Kind
}

// FeedSource fetches one feed URL. Satisfied by *feed.Fetcher.
type FeedSource interface {
	Fetch(ctx context.Context, url string) (feed.Envelope, error)
}

// FailureSink observes per-URL fetch outcomes. Satisfied by *notify.FailureTracker.
type FailureSink interface {
	RecordFailure(ctx context.Context, url string, err error)
	RecordSuccess(url string)
}

// Coordinator runs the poll cycle: fetch every configured URL, classify, skip
// stale data, then write one snapshot in a single transaction. All fields are
// read-only after construction except DB, which the maintenance handover
// swaps between cycles.
type Coordinator struct {
	DB               *sql.DB
	Source           FeedSource
	URLs             []string
	Failures         FailureSink
	Fallback         *StopTimesCSV
	RailPrefix       string
	HistoryRetention time.Duration
	DryRun           bool
}

// indexEnvelopes maps envelopes by kind. When several URLs yield the same
// kind, the envelope with the newest header timestamp wins.
func indexEnvelopes(envelopes []feed.Envelope) map[feed.Kind]feed.Envelope {
	indexed := map[feed.Kind]feed.Envelope{}
	for _, env := range envelopes {
		existing, ok := indexed[env.Kind]
		if !ok || env.HeaderTimestamp > existing.HeaderTimestamp {
			indexed[env.Kind] = env
		}
	}
	return indexed
}

func missingKinds(indexed map[feed.Kind]feed.Envelope) []feed.Kind {
	var missing []feed.Kind
	for _, kind := range feed.Kinds {
		if _, ok := indexed[kind]; !ok {
			missing = append(missing, kind)
		}
	}
	return missing
}

// RunCycle executes one poll cycle. Degraded-but-expected conditions (stale
// feeds, a kind missing after fetch failures) are outcomes, not errors; the
// returned error means the cycle itself broke and nothing was committed.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleResult, error) {
	result := CycleResult{PolledAt: time.Now().UTC()}

	var envelopes []feed.Envelope
	for _, url := range c.URLs {
		env, err := c.Source.Fetch(ctx, url)
		if err != nil {
			log.Printf("fetch %s: %v", url, err)
			if c.Failures != nil {
				c.Failures.RecordFailure(ctx, url, err)
			}
			continue
		}
		if c.Failures != nil {
			c.Failures.RecordSuccess(url)
		}
		envelopes = append(envelopes, env)
	}

	indexed := indexEnvelopes(envelopes)
	if missing := missingKinds(indexed); len(missing) > 0 {
		result.Outcome = OutcomeIncomplete
		result.MissingKinds = missing
		log.Printf("cycle skipped: missing feed kinds %v", missing)
		return result, nil
	}

	cursors, err := LoadCursors(ctx, c.DB)
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}
	if AllStale(indexed, cursors) {
		result.Outcome = OutcomeStale
		return result, nil
	}

	if c.DryRun {
		return c.runDry(ctx, result, indexed)
	}

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, fmt.Errorf("begin cycle transaction: %w", err)
	}
	defer tx.Rollback()

	result.SnapshotID = uuid.New()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rt_snapshots (
			snapshot_id, polled_at_utc,
			vehicle_feed_timestamp_utc, trip_feed_timestamp_utc, alert_feed_timestamp_utc
		) VALUES ($1, $2, $3, $4, $5)`,
		result.SnapshotID, result.PolledAt,
		epochToTime(indexed[feed.KindVehiclePositions].HeaderTimestamp),
		epochToTime(indexed[feed.KindTripUpdates].HeaderTimestamp),
		epochToTime(indexed[feed.KindAlerts].HeaderTimestamp),
	); err != nil {
		result.Outcome = OutcomeFailed
		return result, fmt.Errorf("insert rt_snapshots: %w", err)
	}

	res := NewResolver(NewPGDimStore(tx), c.Fallback)

	delayRows, delayLookup, err := NewTripDelayWriter(res).Write(ctx, tx, result.SnapshotID, indexed[feed.KindTripUpdates])
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}
	result.DelayRows = delayRows

	alertRows, err := NewAlertWriter(res).Write(ctx, tx, result.SnapshotID, indexed[feed.KindAlerts])
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}
	result.AlertRows = alertRows

	vehicleWriter := NewVehiclePositionWriter(res, c.RailPrefix, c.HistoryRetention)
	stats, rail, err := vehicleWriter.Write(ctx, tx, result.SnapshotID, result.PolledAt, indexed[feed.KindVehiclePositions], delayLookup)
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}
	result.Vehicles = stats
	result.Rail = rail

	for _, kind := range feed.Kinds {
		if err := UpdateCursor(ctx, tx, kind, indexed[kind].HeaderTimestamp, result.SnapshotID); err != nil {
			result.Outcome = OutcomeFailed
			return result, err
		}
	}

	if err := tx.Commit(); err != nil {
		result.Outcome = OutcomeFailed
		return result, fmt.Errorf("commit cycle: %w", err)
	}
	res.ReportMissing()
	result.Outcome = OutcomeStored
	return result, nil
}

// runDry builds every row set without opening a transaction, reporting the
// counts a real cycle would have written.
func (c *Coordinator) runDry(ctx context.Context, result CycleResult, indexed map[feed.Kind]feed.Envelope) (CycleResult, error) {
	res := NewResolver(NewPGDimStore(c.DB), c.Fallback)

	delayRows, delayLookup, err := NewTripDelayWriter(res).Write(ctx, nil, uuid.Nil, indexed[feed.KindTripUpdates])
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}
	result.DelayRows = delayRows

	alertRows, err := NewAlertWriter(res).Write(ctx, nil, uuid.Nil, indexed[feed.KindAlerts])
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}
	result.AlertRows = alertRows

	stats, _, err := NewVehiclePositionWriter(res, c.RailPrefix, 0).
		Write(ctx, nil, uuid.Nil, result.PolledAt, indexed[feed.KindVehiclePositions], delayLookup)
	if err != nil {
		result.Outcome = OutcomeFailed
		return result, err
	}
	result.Vehicles = stats

	res.ReportMissing()
	result.Outcome = OutcomeDryRun
	log.Printf("dry run: %d delay rows, %d alert rows, %d vehicle rows (%d rail) not written",
		result.DelayRows, result.AlertRows, stats.Generic, stats.Rail)
	return result, nil
}
