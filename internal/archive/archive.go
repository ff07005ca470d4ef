package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"gtfsrt-ingestor/internal/db"
)

// tableDump names one snapshot-scoped table together with the deterministic
// ordering its export uses. Stable ordering makes successive exports of the
// same data byte-identical.
type tableDump struct {
	Column string
	Select string
}

var tableDumps = []tableDump{
	{"snapshot_csv", `SELECT * FROM rt_snapshots WHERE snapshot_id = ANY($1::uuid[]) ORDER BY polled_at_utc, snapshot_id`},
	{"vehicle_positions_csv", `SELECT * FROM ` + db.VehiclePositionsTable + ` WHERE snapshot_id = ANY($1::uuid[]) ORDER BY snapshot_id, entity_id`},
	{"rail_positions_csv", `SELECT * FROM ` + db.RailPositionsTable + ` WHERE snapshot_id = ANY($1::uuid[]) ORDER BY snapshot_id, entity_id`},
	{"trip_delays_csv", `SELECT * FROM rt_trip_delays WHERE snapshot_id = ANY($1::uuid[]) ORDER BY snapshot_id, trip_id, stop_id`},
	{"alerts_csv", `SELECT * FROM rt_alerts WHERE snapshot_id = ANY($1::uuid[]) ORDER BY snapshot_id, alert_id, language`},
	{"alert_routes_csv", `SELECT * FROM rt_alert_routes WHERE snapshot_id = ANY($1::uuid[]) ORDER BY snapshot_id, alert_id, route_id`},
	{"alert_stops_csv", `SELECT * FROM rt_alert_stops WHERE snapshot_id = ANY($1::uuid[]) ORDER BY snapshot_id, alert_id, stop_id`},
	{"alert_trips_csv", `SELECT * FROM rt_alert_trips WHERE snapshot_id = ANY($1::uuid[]) ORDER BY snapshot_id, alert_id, trip_id`},
	{"alert_active_periods_csv", `SELECT * FROM rt_alert_active_periods WHERE snapshot_id = ANY($1::uuid[]) ORDER BY snapshot_id, alert_id, period_index`},
}

// deleteOrder lists the tables emptied per archived day, children before the
// snapshot parent.
var deleteOrder = []string{
	db.VehiclePositionsTable,
	db.RailPositionsTable,
	"rt_trip_delays",
	"rt_alert_routes",
	"rt_alert_stops",
	"rt_alert_trips",
	"rt_alert_active_periods",
	"rt_alerts",
	"rt_snapshots",
}

type Options struct {
	RetentionDays float64
	Force         bool
	DryRun        bool
}

// Run archives and deletes every whole day of snapshot data older than the
// retention window. A day with an existing archive row is left alone unless
// Force is set; Force also widens the cutoff to the start of today and
// re-exports existing days, replacing their blobs. Each day is exported,
// stored and deleted in its own transaction.
func Run(ctx context.Context, database *sql.DB, opts Options) error {
	cutoff := time.Now().UTC().Add(-time.Duration(opts.RetentionDays * 24 * float64(time.Hour)))
	if opts.Force {
		now := time.Now().UTC()
		cutoff = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	}

	days, err := candidateDays(ctx, database, cutoff)
	if err != nil {
		return err
	}
	if len(days) == 0 {
		log.Printf("nothing to archive before %s", cutoff.Format(time.RFC3339))
		return nil
	}

	existing, err := archivedDays(ctx, database)
	if err != nil {
		return err
	}

	dates := make([]string, 0, len(days))
	for date := range days {
		dates = append(dates, date)
	}
	sort.Strings(dates)
	dates = pendingDays(dates, existing, opts.Force)

	for _, date := range dates {
		ids := days[date]
		if opts.DryRun {
			log.Printf("dry run: would archive %s (%d snapshots)", date, len(ids))
			continue
		}
		if err := archiveDay(ctx, database, date, ids); err != nil {
			return fmt.Errorf("archive %s: %w", date, err)
		}
		log.Printf("archived %s: %d snapshots", date, len(ids))
	}
	return nil
}

// pendingDays drops days that already carry an archive row. Only Force
// re-exports an archived day, replacing its blobs.
func pendingDays(dates []string, existing map[string]bool, force bool) []string {
	out := dates[:0]
	for _, date := range dates {
		if existing[date] && !force {
			log.Printf("skip %s: already archived", date)
			continue
		}
		out = append(out, date)
	}
	return out
}

// archivedDays lists the calendar days that already have an archive row.
func archivedDays(ctx context.Context, database *sql.DB) (map[string]bool, error) {
	rows, err := database.QueryContext(ctx, `SELECT archive_date FROM rt_snapshot_archives`)
	if err != nil {
		return nil, fmt.Errorf("list archived days: %w", err)
	}
	defer rows.Close()

	existing := map[string]bool{}
	for rows.Next() {
		var date time.Time
		if err := rows.Scan(&date); err != nil {
			return nil, err
		}
		existing[date.UTC().Format("2006-01-02")] = true
	}
	return existing, rows.Err()
}

// candidateDays groups archivable snapshot ids by their UTC calendar day.
func candidateDays(ctx context.Context, database *sql.DB, cutoff time.Time) (map[string][]string, error) {
	rows, err := database.QueryContext(ctx, `
		SELECT snapshot_id, polled_at_utc
		FROM rt_snapshots
		WHERE polled_at_utc < $1
		ORDER BY polled_at_utc`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list archivable snapshots: %w", err)
	}
	defer rows.Close()

	days := map[string][]string{}
	for rows.Next() {
		var id string
		var polledAt time.Time
		if err := rows.Scan(&id, &polledAt); err != nil {
			return nil, err
		}
		date := polledAt.UTC().Format("2006-01-02")
		days[date] = append(days[date], id)
	}
	return days, rows.Err()
}

func archiveDay(ctx context.Context, database *sql.DB, date string, ids []string) error {
	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin archive transaction: %w", err)
	}
	defer tx.Rollback()

	columns := make([]string, 0, len(tableDumps))
	blobs := make([]any, 0, len(tableDumps))
	for _, dump := range tableDumps {
		data, err := dumpTable(ctx, tx, dump.Select, ids)
		if err != nil {
			return err
		}
		compressed, err := gzipBytes(data)
		if err != nil {
			return err
		}
		columns = append(columns, dump.Column)
		blobs = append(blobs, compressed)
	}

	// Re-archiving a day merges the snapshot id list; the blobs are replaced
	// with a fresh export of whatever rows still exist.
	insert := `INSERT INTO rt_snapshot_archives (archive_date, snapshot_ids`
	for _, col := range columns {
		insert += ", " + col
	}
	insert += `) VALUES ($1, $2::uuid[]`
	for i := range columns {
		insert += ", $" + strconv.Itoa(i+3)
	}
	insert += `) ON CONFLICT (archive_date) DO UPDATE SET
		snapshot_ids = rt_snapshot_archives.snapshot_ids || EXCLUDED.snapshot_ids`
	for _, col := range columns {
		insert += ", " + col + " = EXCLUDED." + col
	}
	args := append([]any{date, ids}, blobs...)
	if _, err := tx.ExecContext(ctx, insert, args...); err != nil {
		return fmt.Errorf("store archive row: %w", err)
	}

	for _, table := range deleteOrder {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE snapshot_id = ANY($1::uuid[])`, ids); err != nil {
			return fmt.Errorf("delete archived rows from %s: %w", table, err)
		}
	}
	return tx.Commit()
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// dumpTable exports a query result as CSV with a header row.
func dumpTable(ctx context.Context, q queryer, query string, ids []string) ([]byte, error) {
	rows, err := q.QueryContext(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("export query: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(columns); err != nil {
		return nil, err
	}
	values := make([]any, len(columns))
	for i := range values {
		values[i] = new(any)
	}
	for rows.Next() {
		if err := rows.Scan(values...); err != nil {
			return nil, err
		}
		record := make([]string, len(columns))
		for i, v := range values {
			record[i] = formatValue(*(v.(*any)))
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case []byte:
		return string(t)
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	case bool:
		return strconv.FormatBool(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

func gzipBytes(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Gunzip restores an archived export. Exposed for consumers reading the
// archive table back.
func Gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(zr); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
