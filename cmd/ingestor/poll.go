package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gtfsrt-ingestor/internal/config"
	"gtfsrt-ingestor/internal/db"
	"gtfsrt-ingestor/internal/feed"
	"gtfsrt-ingestor/internal/ingest"
	"gtfsrt-ingestor/internal/maintenance"
	"gtfsrt-ingestor/internal/metrics"
	"gtfsrt-ingestor/internal/notify"
	"gtfsrt-ingestor/internal/publisher"
)

func registerPollFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArray("feed", nil, "GTFS-realtime feed URL (repeatable, overrides FEED_URLS)")
	f.String("database-url", "", "PostgreSQL DSN (overrides DATABASE_URL)")
	f.Float64("http-timeout", 0, "feed fetch timeout in seconds (overrides FETCH_TIMEOUT_SEC)")
	f.Float64("interval", 0, "poll interval in seconds (overrides POLL_INTERVAL_SEC)")
	f.Float64("align-interval", 0, "align cycles to wall-clock boundaries of this many seconds")
	f.Float64("align-offset", 0, "shift the alignment boundary by this many seconds")
	f.Bool("once", false, "run a single cycle and exit")
	f.Bool("dry-run", false, "fetch and build rows without writing")
	f.String("stop-times-csv", "", "stop_times.txt fallback for trips missing from the database")
	f.String("rail-label-prefix", "", "vehicle label prefix selecting the rail subset")
	f.Float64("history-retention-hours", 0, "rail position history window (overrides VEHICLE_HISTORY_HOURS)")
	f.Bool("auto-refresh-static", false, "run the daily static GTFS refresh (overrides AUTO_REFRESH_STATIC)")
	f.String("static-refresh-time", "", "local time of day for the static refresh, HH:MM")
	f.String("static-zip-path", "", "local GTFS zip consumed by refresh-static")
	f.String("static-zip-url", "", "GTFS zip download URL consumed by refresh-static")
	f.Bool("auto-archive", false, "run the daily snapshot archive (overrides AUTO_ARCHIVE)")
	f.String("archive-time", "", "local time of day for archiving, HH:MM")
	f.Float64("archive-retention-days", 0, "days of snapshots kept live (overrides ARCHIVE_RETENTION_DAYS)")
	f.Int("archive-interval-days", 0, "minimum days between archive runs")
	f.Bool("archive-force", false, "re-archive everything up to the start of today (overrides ARCHIVE_FORCE)")
	f.String("timezone", "", "operating timezone (overrides POLLER_TZ)")
	f.String("metrics-addr", "", "Prometheus listen address, empty disables")
	f.String("nats-url", "", "NATS server URL, empty disables event publishing")
}

func pollConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	if f.Changed("feed") {
		cfg.FeedURLs, _ = f.GetStringArray("feed")
	}
	if f.Changed("database-url") {
		cfg.DatabaseURL, _ = f.GetString("database-url")
	}
	if f.Changed("http-timeout") {
		sec, _ := f.GetFloat64("http-timeout")
		cfg.HTTPTimeout = time.Duration(sec * float64(time.Second))
	}
	if f.Changed("interval") {
		sec, _ := f.GetFloat64("interval")
		cfg.Interval = time.Duration(sec * float64(time.Second))
	}
	if f.Changed("align-interval") {
		sec, _ := f.GetFloat64("align-interval")
		cfg.AlignInterval = time.Duration(sec * float64(time.Second))
	}
	if f.Changed("align-offset") {
		sec, _ := f.GetFloat64("align-offset")
		cfg.AlignOffset = time.Duration(sec * float64(time.Second))
	}
	if f.Changed("once") {
		cfg.Once, _ = f.GetBool("once")
	}
	if f.Changed("dry-run") {
		cfg.DryRun, _ = f.GetBool("dry-run")
	}
	if f.Changed("stop-times-csv") {
		cfg.StopTimesCSV, _ = f.GetString("stop-times-csv")
	}
	if f.Changed("rail-label-prefix") {
		cfg.RailLabelPrefix, _ = f.GetString("rail-label-prefix")
	}
	if f.Changed("history-retention-hours") {
		hours, _ := f.GetFloat64("history-retention-hours")
		cfg.HistoryRetention = time.Duration(hours * float64(time.Hour))
	}
	if f.Changed("auto-refresh-static") {
		cfg.AutoRefreshStatic, _ = f.GetBool("auto-refresh-static")
	}
	if f.Changed("static-refresh-time") {
		raw, _ := f.GetString("static-refresh-time")
		at, err := maintenance.ParseTimeOfDay(raw)
		if err != nil {
			return nil, fmt.Errorf("--static-refresh-time: %w", err)
		}
		cfg.StaticRefreshAt = at
	}
	if f.Changed("static-zip-path") {
		cfg.StaticZipPath, _ = f.GetString("static-zip-path")
	}
	if f.Changed("static-zip-url") {
		cfg.StaticZipURL, _ = f.GetString("static-zip-url")
	}
	if f.Changed("auto-archive") {
		cfg.AutoArchive, _ = f.GetBool("auto-archive")
	}
	if f.Changed("archive-time") {
		raw, _ := f.GetString("archive-time")
		at, err := maintenance.ParseTimeOfDay(raw)
		if err != nil {
			return nil, fmt.Errorf("--archive-time: %w", err)
		}
		cfg.ArchiveAt = at
	}
	if f.Changed("archive-retention-days") {
		cfg.ArchiveRetentionDays, _ = f.GetFloat64("archive-retention-days")
	}
	if f.Changed("archive-interval-days") {
		cfg.ArchiveIntervalDays, _ = f.GetInt("archive-interval-days")
	}
	if f.Changed("archive-force") {
		cfg.ArchiveForce, _ = f.GetBool("archive-force")
	}
	if f.Changed("timezone") {
		name, _ := f.GetString("timezone")
		loc, err := time.LoadLocation(name)
		if err != nil {
			return nil, fmt.Errorf("--timezone: %w", err)
		}
		cfg.Location = loc
	}
	if f.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = f.GetString("metrics-addr")
	}
	if f.Changed("nats-url") {
		cfg.NATSURL, _ = f.GetString("nats-url")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// refreshStaticArgs builds the refresh-static invocation so the subprocess
// sees the same zip source as the poller, flag-configured or not.
func refreshStaticArgs(cfg *config.Config) []string {
	args := []string{"refresh-static", "--database-url", cfg.DatabaseURL}
	if cfg.StaticZipPath != "" {
		args = append(args, "--zip-path", cfg.StaticZipPath)
	}
	if cfg.StaticZipURL != "" {
		args = append(args, "--zip-url", cfg.StaticZipURL)
	}
	return args
}

func archiveArgs(cfg *config.Config) []string {
	args := []string{
		"archive",
		"--database-url", cfg.DatabaseURL,
		"--retention-days", fmt.Sprintf("%g", cfg.ArchiveRetentionDays),
	}
	if cfg.ArchiveForce {
		args = append(args, "--force")
	}
	return args
}

func runPoll(cmd *cobra.Command, _ []string) error {
	cfg, err := pollConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer func() {
		if sqlDB != nil {
			sqlDB.Close()
		}
	}()
	if err := db.Ping(ctx, sqlDB); err != nil {
		return fmt.Errorf("db ping: %w", err)
	}
	if err := db.EnsureSchema(ctx, sqlDB); err != nil {
		return err
	}

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.Interval, len(cfg.FeedURLs))
		srv := mcol.Serve(cfg.MetricsAddr)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var pub *publisher.NATSPublisher
	if cfg.NATSURL != "" {
		pub, err = publisher.NewNATSPublisher(cfg.NATSURL, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol))
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer pub.Close()
	}

	var alertSink, reportSink notify.Sink
	if wh := notify.NewWebhook(cfg.WebhookURL, cfg.WebhookUsername, cfg.WebhookAvatar); wh != nil {
		alertSink = wh
	}
	if wh := notify.NewWebhook(cfg.ReportWebhookURL, cfg.WebhookUsername, cfg.WebhookAvatar); wh != nil {
		reportSink = wh
	}
	tracker := notify.NewFailureTracker(cfg.FailureThreshold, alertSink, cfg.Location)
	reporter := notify.NewReporter(sqlDB, reportSink, cfg.Location)

	var fallback *ingest.StopTimesCSV
	if cfg.StopTimesCSV != "" {
		fallback = ingest.NewStopTimesCSV(cfg.StopTimesCSV)
	}

	coordinator := &ingest.Coordinator{
		DB:               sqlDB,
		Source:           feed.NewFetcher(cfg.HTTPTimeout),
		URLs:             cfg.FeedURLs,
		Failures:         &fetchOutcomes{tracker: tracker, col: mcol},
		Fallback:         fallback,
		RailPrefix:       cfg.RailLabelPrefix,
		HistoryRetention: cfg.HistoryRetention,
		DryRun:           cfg.DryRun,
	}

	runner := &ingest.Runner{
		Coordinator:   coordinator,
		Observer:      wrapCycleObserver(mcol),
		Events:        wrapEvents(pub),
		Reporter:      reporter,
		Failures:      tracker,
		Lifecycle:     alertSink,
		TZ:            cfg.Location,
		Interval:      cfg.Interval,
		AlignInterval: cfg.AlignInterval,
		AlignOffset:   cfg.AlignOffset,
		Once:          cfg.Once,
	}

	if cfg.AutoRefreshStatic {
		task := &maintenance.Task{Name: "refresh-static", After: cfg.StaticRefreshAt}
		job := maintenance.ExecJob{Args: refreshStaticArgs(cfg)}
		runner.Maintenance = append(runner.Maintenance, ingest.MaintenanceHook{Task: task, Job: job, Fatal: true})
	}
	if cfg.AutoArchive {
		task := &maintenance.Task{
			Name:        "archive",
			After:       cfg.ArchiveAt,
			MinInterval: time.Duration(cfg.ArchiveIntervalDays) * 24 * time.Hour,
		}
		if latest, ok, err := maintenance.LatestArchiveDate(ctx, sqlDB); err != nil {
			return err
		} else if ok {
			task.SeedLastSuccess(latest.In(cfg.Location))
		}
		job := maintenance.ExecJob{Args: archiveArgs(cfg)}
		runner.Maintenance = append(runner.Maintenance, ingest.MaintenanceHook{Task: task, Job: job, Fatal: false})
	}

	// Maintenance jobs run with the poller's handle closed; the hooks below
	// hand the single database owner role back and forth.
	runner.ReleaseDB = func() error {
		err := sqlDB.Close()
		sqlDB = nil
		return err
	}
	runner.ReacquireDB = func() error {
		reopened, err := db.Open(cfg.DatabaseURL)
		if err != nil {
			return err
		}
		if err := db.Ping(ctx, reopened); err != nil {
			reopened.Close()
			return err
		}
		sqlDB = reopened
		coordinator.DB = reopened
		reporter.DB = reopened
		return nil
	}

	err = runner.Run(ctx)
	log.Printf("poller stopped")
	return err
}
