package ingest

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"gtfsrt-ingestor/internal/feed"
)

// LoadCursors reads the last stored header timestamp per feed kind. Kinds
// never stored before are absent from the map.
func LoadCursors(ctx context.Context, q querier) (map[feed.Kind]int64, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT feed_kind, last_header_timestamp FROM rt_feed_cursors`)
	if err != nil {
		return nil, fmt.Errorf("load feed cursors: %w", err)
	}
	defer rows.Close()

	cursors := map[feed.Kind]int64{}
	for rows.Next() {
		var kind string
		var ts sql.NullInt64
		if err := rows.Scan(&kind, &ts); err != nil {
			return nil, err
		}
		if ts.Valid {
			cursors[feed.Kind(kind)] = ts.Int64
		}
	}
	return cursors, rows.Err()
}

// UpdateCursor advances a feed kind's cursor. Envelopes without a header
// timestamp leave the cursor untouched, so an outage of header metadata
// cannot move staleness detection backwards.
func UpdateCursor(ctx context.Context, tx *sql.Tx, kind feed.Kind, headerTS int64, snapshotID uuid.UUID) error {
	if headerTS == 0 {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO rt_feed_cursors (feed_kind, last_header_timestamp, last_snapshot_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (feed_kind) DO UPDATE SET
			last_header_timestamp = EXCLUDED.last_header_timestamp,
			last_snapshot_id = EXCLUDED.last_snapshot_id`,
		string(kind), headerTS, snapshotID)
	if err != nil {
		return fmt.Errorf("update cursor %s: %w", kind, err)
	}
	return nil
}

// AllStale reports whether every envelope's header timestamp is at or behind
// its stored cursor. A kind with no cursor yet, or an envelope without a
// header timestamp, cannot be proven stale, so either one lets the cycle
// proceed. Only when every kind repeats known data is the cycle skipped.
func AllStale(envelopes map[feed.Kind]feed.Envelope, cursors map[feed.Kind]int64) bool {
	for kind, env := range envelopes {
		if env.HeaderTimestamp == 0 {
			return false
		}
		cursor, ok := cursors[kind]
		if !ok {
			return false
		}
		if env.HeaderTimestamp > cursor {
			return false
		}
	}
	return true
}
