package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// TimeOfDay is a wall-clock threshold in the operating timezone.
type TimeOfDay struct {
	Hour   int
	Minute int
	Second int
}

// ParseTimeOfDay accepts HH:MM or HH:MM:SS.
func ParseTimeOfDay(value string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", value)
	}
	nums := make([]int, 3)
	for i, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return TimeOfDay{}, fmt.Errorf("invalid time of day %q", value)
		}
		nums[i] = n
	}
	tod := TimeOfDay{Hour: nums[0], Minute: nums[1], Second: nums[2]}
	if tod.Hour < 0 || tod.Hour > 23 || tod.Minute < 0 || tod.Minute > 59 || tod.Second < 0 || tod.Second > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q", value)
	}
	return tod, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d:%02d", t.Hour, t.Minute, t.Second)
}

// on anchors the threshold to a calendar day.
func (t TimeOfDay) on(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, t.Second, 0, day.Location())
}

func dateOf(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Task is a maintenance job that runs at most once per calendar day, after a
// wall-clock threshold, and no more often than its minimum interval. Both
// attempts and successes gate re-running: a failed attempt is not retried
// until the next day.
type Task struct {
	Name        string
	After       TimeOfDay
	MinInterval time.Duration

	lastAttempt time.Time
	lastSuccess time.Time
}

// SeedLastSuccess primes the success date from persisted state, so restarts
// do not re-run a job already done today.
func (t *Task) SeedLastSuccess(day time.Time) {
	t.lastSuccess = dateOf(day)
}

// Due reports whether the task should run now.
func (t *Task) Due(now time.Time) bool {
	if now.Before(t.After.on(now)) {
		return false
	}
	today := dateOf(now)
	if !t.lastAttempt.IsZero() && !today.After(t.lastAttempt) {
		return false
	}
	if t.lastSuccess.IsZero() {
		return true
	}
	if !today.After(t.lastSuccess) {
		return false
	}
	if t.MinInterval > 0 && today.Sub(t.lastSuccess) < t.MinInterval {
		return false
	}
	return true
}

func (t *Task) MarkAttempt(now time.Time) { t.lastAttempt = dateOf(now) }
func (t *Task) MarkSuccess(now time.Time) { t.lastSuccess = dateOf(now) }

// Job executes the actual maintenance work while the poller's database
// handle is closed.
type Job interface {
	Run(ctx context.Context) error
}

// ExecJob runs a subcommand of this binary as a subprocess, inheriting
// stdout and stderr. A non-zero exit status is the failure contract.
type ExecJob struct {
	Args []string
	Env  []string
}

func (j ExecJob) Run(ctx context.Context) error {
	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	cmd := exec.CommandContext(ctx, bin, j.Args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), j.Env...)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("subprocess %v: %w", j.Args, err)
	}
	return nil
}

// LatestArchiveDate reads the newest archived day, if any, to seed archive
// scheduling across restarts.
func LatestArchiveDate(ctx context.Context, database *sql.DB) (time.Time, bool, error) {
	var latest sql.NullTime
	err := database.QueryRowContext(ctx,
		`SELECT max(archive_date) FROM rt_snapshot_archives`).Scan(&latest)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read latest archive date: %w", err)
	}
	if !latest.Valid {
		return time.Time{}, false, nil
	}
	return latest.Time, true, nil
}

// RunGated runs the job if the task is due, bracketed by the caller-supplied
// release and reacquire hooks for the shared database handle. The job's
// error is returned to the caller, which decides whether it is fatal; the
// reacquire error always is.
func RunGated(ctx context.Context, task *Task, now time.Time, job Job, release func() error, reacquire func() error) (ran bool, jobErr error, handleErr error) {
	if !task.Due(now) {
		return false, nil, nil
	}
	jobErr, handleErr = runTask(ctx, task, now, job, release, reacquire)
	return true, jobErr, handleErr
}

// RunNow runs the job immediately, ignoring the time-of-day gate. Attempt
// and success dates are still recorded, so the daily gate counts the run.
func RunNow(ctx context.Context, task *Task, now time.Time, job Job, release func() error, reacquire func() error) (jobErr error, handleErr error) {
	return runTask(ctx, task, now, job, release, reacquire)
}

func runTask(ctx context.Context, task *Task, now time.Time, job Job, release func() error, reacquire func() error) (jobErr error, handleErr error) {
	task.MarkAttempt(now)
	log.Printf("maintenance %s: starting (threshold %s)", task.Name, task.After)

	if err := release(); err != nil {
		return nil, fmt.Errorf("release database for %s: %w", task.Name, err)
	}
	jobErr = job.Run(ctx)
	if err := reacquire(); err != nil {
		return jobErr, fmt.Errorf("reopen database after %s: %w", task.Name, err)
	}
	if jobErr == nil {
		task.MarkSuccess(now)
		log.Printf("maintenance %s: completed", task.Name)
	} else {
		log.Printf("maintenance %s: failed: %v", task.Name, jobErr)
	}
	return jobErr, nil
}
