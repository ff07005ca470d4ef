package ingest

import (
	"context"
	"fmt"
	"log"
	"time"

	"gtfsrt-ingestor/internal/maintenance"
	"gtfsrt-ingestor/internal/notify"
)

// CycleObserver receives per-cycle measurements. Satisfied by
// *metrics.Collector; nil disables observation.
type CycleObserver interface {
	ObserveCycle(outcome CycleOutcome, duration time.Duration)
	ObserveRows(table string, count int)
}

// EventPublisher receives post-commit events. Publishing is best effort and
// must never fail a cycle.
type EventPublisher interface {
	SnapshotStored(result CycleResult)
	RailPositions(rail []RailVehicle)
}

// MaintenanceHook is a scheduled job checked before each cycle. Fatal jobs
// stop the poller when they fail; non-fatal failures are retried the next day.
type MaintenanceHook struct {
	Task  *maintenance.Task
	Job   maintenance.Job
	Fatal bool
}

// Runner drives poll cycles on a fixed or wall-clock-aligned cadence, and
// runs maintenance jobs in the gaps between cycles while the database handle
// is released.
type Runner struct {
	Coordinator *Coordinator
	Observer    CycleObserver
	Events      EventPublisher
	Reporter    *notify.Reporter
	Failures    *notify.FailureTracker
	Lifecycle   notify.Sink
	TZ          *time.Location

	Interval      time.Duration
	AlignInterval time.Duration
	AlignOffset   time.Duration
	Once          bool

	Maintenance []MaintenanceHook
	ReleaseDB   func() error
	ReacquireDB func() error
}

// alignmentWait computes how long to sleep so the next cycle starts on the
// next wall-clock boundary of the interval, shifted by offset. A remainder
// under a millisecond counts as already on the boundary.
func alignmentWait(now time.Time, interval, offset time.Duration) time.Duration {
	if interval <= 0 {
		return 0
	}
	elapsed := now.Add(-offset).UnixNano() % int64(interval)
	if elapsed < 0 {
		elapsed += int64(interval)
	}
	wait := (int64(interval) - elapsed) % int64(interval)
	if wait < int64(time.Millisecond) {
		return 0
	}
	return time.Duration(wait)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// runMaintenance runs the hooks once; at startup the time-of-day gates are
// skipped.
func (r *Runner) runMaintenance(ctx context.Context, startup bool) error {
	now := time.Now()
	if r.TZ != nil {
		now = now.In(r.TZ)
	}
	for _, hook := range r.Maintenance {
		var ran bool
		var jobErr, handleErr error
		if startup {
			ran = true
			jobErr, handleErr = maintenance.RunNow(ctx, hook.Task, now, hook.Job, r.ReleaseDB, r.ReacquireDB)
		} else {
			ran, jobErr, handleErr = maintenance.RunGated(ctx, hook.Task, now, hook.Job, r.ReleaseDB, r.ReacquireDB)
		}
		if handleErr != nil {
			return handleErr
		}
		if !ran {
			continue
		}
		if jobErr != nil {
			if hook.Fatal {
				notify.PostLogged(ctx, r.Lifecycle, fmt.Sprintf(
					"🛑 Ingestor stopping: maintenance job %s failed: %v", hook.Task.Name, jobErr))
				return fmt.Errorf("maintenance %s: %w", hook.Task.Name, jobErr)
			}
			notify.PostLogged(ctx, r.Lifecycle, fmt.Sprintf(
				"⚠️ Maintenance job %s failed, will retry tomorrow: %v", hook.Task.Name, jobErr))
		}
	}
	return nil
}

func (r *Runner) runCycleOnce(ctx context.Context) {
	started := time.Now()
	result, err := r.Coordinator.RunCycle(ctx)
	duration := time.Since(started)

	if r.Observer != nil {
		r.Observer.ObserveCycle(result.Outcome, duration)
		if result.Outcome == OutcomeStored {
			r.Observer.ObserveRows("rt_trip_delays", result.DelayRows)
			r.Observer.ObserveRows("rt_alerts", result.AlertRows)
			r.Observer.ObserveRows("rt_vehicle_positions", result.Vehicles.Generic)
			r.Observer.ObserveRows("rt_rail_vehicle_positions", result.Vehicles.Rail)
		}
	}
	if err != nil {
		if ctx.Err() == nil {
			log.Printf("cycle failed: %v", err)
		}
		return
	}

	switch result.Outcome {
	case OutcomeStored:
		log.Printf("snapshot %s stored in %s: %d vehicles (%d rail), %d delay rows, %d alert rows",
			result.SnapshotID, duration.Round(time.Millisecond),
			result.Vehicles.Generic, result.Vehicles.Rail, result.DelayRows, result.AlertRows)
		if r.Events != nil {
			r.Events.SnapshotStored(result)
			r.Events.RailPositions(result.Rail)
		}
	case OutcomeStale:
		log.Printf("feeds unchanged, nothing stored")
	}
}

// Run polls until the context is canceled, running due maintenance and the
// daily report between cycles. Returns nil on cancellation or after a single
// cycle in once mode.
func (r *Runner) Run(ctx context.Context) error {
	mode := fmt.Sprintf("every %s", r.Interval)
	if r.AlignInterval > 0 {
		mode = fmt.Sprintf("aligned to %s boundaries (offset %s)", r.AlignInterval, r.AlignOffset)
	}
	log.Printf("poller starting: %d feeds, %s", len(r.Coordinator.URLs), mode)
	notify.PostLogged(ctx, r.Lifecycle, fmt.Sprintf("🚆 Ingestor started, polling %d feeds %s", len(r.Coordinator.URLs), mode))
	defer notify.PostLogged(context.Background(), r.Lifecycle, "🛑 Ingestor stopped")

	if err := r.runMaintenance(ctx, true); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := r.runMaintenance(ctx, false); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if r.Reporter != nil {
			r.Reporter.MaybeSend(ctx, r.Failures)
		}

		// Aligned mode waits for the boundary before every cycle, the first
		// included; co-aligned instances then sample the same instants.
		if r.AlignInterval > 0 {
			wait := alignmentWait(time.Now(), r.AlignInterval, r.AlignOffset)
			if err := sleepCtx(ctx, wait); err != nil {
				return nil
			}
		}

		r.runCycleOnce(ctx)
		if r.Once {
			return nil
		}

		if r.AlignInterval <= 0 {
			if err := sleepCtx(ctx, r.Interval); err != nil {
				return nil
			}
		}
	}
}
