package notify

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"gtfsrt-ingestor/internal/db"
)

// reportReadyAfter is how far past midnight the previous day's report waits,
// leaving room for a cycle that started just before midnight to commit.
const reportReadyAfter = 5 * time.Minute

// DayStats summarizes one operating day of stored data.
type DayStats struct {
	Day           string
	Snapshots     int
	FirstPoll     *time.Time
	LastPoll      *time.Time
	VehicleRows   int
	RailRows      int
	DelayRows     int
	DistinctTrips int
	AlertIDs      int
}

// Reporter sends one summary of the previous operating day, shortly after
// midnight in the operating timezone. DB is swapped by the maintenance
// handover between cycles.
type Reporter struct {
	DB *sql.DB

	sink     Sink
	tz       *time.Location
	now      func() time.Time
	lastSent string
}

func NewReporter(database *sql.DB, sink Sink, tz *time.Location) *Reporter {
	if tz == nil {
		tz = time.UTC
	}
	return &Reporter{DB: database, sink: sink, tz: tz, now: time.Now}
}

// MaybeSend sends the previous day's report if it is due and has not been
// sent yet today. Failures are logged and retried on the next call.
func (r *Reporter) MaybeSend(ctx context.Context, failures *FailureTracker) {
	if r.sink == nil {
		return
	}
	now := r.now().In(r.tz)
	today := now.Format("2006-01-02")
	if r.lastSent == today {
		return
	}
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, r.tz)
	if now.Before(midnight.Add(reportReadyAfter)) {
		return
	}

	day := now.AddDate(0, 0, -1)
	stats, err := r.collectDayStats(ctx, day)
	if err != nil {
		log.Printf("daily report skipped: %v", err)
		return
	}
	var failTimes map[string][]string
	if failures != nil {
		failTimes = failures.FailuresOn(stats.Day)
	}
	if err := r.sink.Post(ctx, formatDailyReport(stats, failTimes)); err != nil {
		log.Printf("daily report not delivered: %v", err)
		return
	}
	r.lastSent = today
	if failures != nil {
		failures.PruneHistory(3)
	}
}

func (r *Reporter) collectDayStats(ctx context.Context, day time.Time) (DayStats, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, r.tz)
	end := start.AddDate(0, 0, 1)
	stats := DayStats{Day: start.Format("2006-01-02")}

	var first, last sql.NullTime
	err := r.DB.QueryRowContext(ctx, `
		SELECT count(*), min(polled_at_utc), max(polled_at_utc)
		FROM rt_snapshots
		WHERE polled_at_utc >= $1 AND polled_at_utc < $2`, start, end).
		Scan(&stats.Snapshots, &first, &last)
	if err != nil {
		return stats, fmt.Errorf("summarize snapshots: %w", err)
	}
	if first.Valid {
		t := first.Time.In(r.tz)
		stats.FirstPoll = &t
	}
	if last.Valid {
		t := last.Time.In(r.tz)
		stats.LastPoll = &t
	}

	counts := []struct {
		query string
		dest  *int
	}{
		{`SELECT count(*) FROM ` + db.VehiclePositionsTable + ` v
			JOIN rt_snapshots s USING (snapshot_id)
			WHERE s.polled_at_utc >= $1 AND s.polled_at_utc < $2`, &stats.VehicleRows},
		{`SELECT count(*) FROM ` + db.RailPositionsTable + ` v
			JOIN rt_snapshots s USING (snapshot_id)
			WHERE s.polled_at_utc >= $1 AND s.polled_at_utc < $2`, &stats.RailRows},
		{`SELECT count(*) FROM rt_trip_delays d
			JOIN rt_snapshots s USING (snapshot_id)
			WHERE s.polled_at_utc >= $1 AND s.polled_at_utc < $2`, &stats.DelayRows},
		{`SELECT count(DISTINCT d.trip_id) FROM rt_trip_delays d
			JOIN rt_snapshots s USING (snapshot_id)
			WHERE s.polled_at_utc >= $1 AND s.polled_at_utc < $2`, &stats.DistinctTrips},
		{`SELECT count(DISTINCT a.alert_id) FROM rt_alerts a
			JOIN rt_snapshots s USING (snapshot_id)
			WHERE s.polled_at_utc >= $1 AND s.polled_at_utc < $2`, &stats.AlertIDs},
	}
	for _, c := range counts {
		if err := r.DB.QueryRowContext(ctx, c.query, start, end).Scan(c.dest); err != nil {
			return stats, fmt.Errorf("summarize day: %w", err)
		}
	}
	return stats, nil
}

func formatDailyReport(stats DayStats, failures map[string][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "📊 Daily ingest report for %s\n", stats.Day)
	if stats.Snapshots == 0 {
		b.WriteString("No snapshots were stored.\n")
	} else {
		fmt.Fprintf(&b, "Snapshots: %d", stats.Snapshots)
		if stats.FirstPoll != nil && stats.LastPoll != nil {
			fmt.Fprintf(&b, " (%s to %s)",
				stats.FirstPoll.Format("15:04"), stats.LastPoll.Format("15:04"))
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "Vehicle positions: %d (%d rail)\n", stats.VehicleRows, stats.RailRows)
		fmt.Fprintf(&b, "Trip delay rows: %d across %d trips\n", stats.DelayRows, stats.DistinctTrips)
		fmt.Fprintf(&b, "Distinct alerts: %d\n", stats.AlertIDs)
	}
	if len(failures) == 0 {
		b.WriteString("Fetch failures: none")
		return b.String()
	}
	urls := make([]string, 0, len(failures))
	for url := range failures {
		urls = append(urls, url)
	}
	sort.Strings(urls)
	b.WriteString("Fetch failures:\n")
	for _, url := range urls {
		times := failures[url]
		sample := times
		if len(sample) > 6 {
			sample = sample[:6]
		}
		fmt.Fprintf(&b, "• %s: %d (%s", url, len(times), strings.Join(sample, ", "))
		if len(times) > len(sample) {
			fmt.Fprintf(&b, " +%d more", len(times)-len(sample))
		}
		b.WriteString(")\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
