package maintenance

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseTimeOfDay(t *testing.T) {
	cases := []struct {
		in      string
		want    TimeOfDay
		wantErr bool
	}{
		{"10:00", TimeOfDay{Hour: 10}, false},
		{"02:30:15", TimeOfDay{Hour: 2, Minute: 30, Second: 15}, false},
		{" 23:59 ", TimeOfDay{Hour: 23, Minute: 59}, false},
		{"24:00", TimeOfDay{}, true},
		{"10:60", TimeOfDay{}, true},
		{"10", TimeOfDay{}, true},
		{"ten:00", TimeOfDay{}, true},
	}
	for _, tc := range cases {
		got, err := ParseTimeOfDay(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseTimeOfDay(%q) = %v, want error", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseTimeOfDay(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseTimeOfDay(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTaskDue(t *testing.T) {
	tz, err := time.LoadLocation("Europe/Madrid")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	at := func(day, hour int) time.Time {
		return time.Date(2025, 6, day, hour, 0, 0, 0, tz)
	}

	t.Run("not before the threshold", func(t *testing.T) {
		task := &Task{Name: "x", After: TimeOfDay{Hour: 10}}
		if task.Due(at(1, 9)) {
			t.Error("due before the wall-clock threshold")
		}
		if !task.Due(at(1, 10)) {
			t.Error("not due at the threshold")
		}
	})

	t.Run("a failed attempt blocks the rest of the day", func(t *testing.T) {
		task := &Task{Name: "x", After: TimeOfDay{Hour: 10}}
		task.MarkAttempt(at(1, 10))
		if task.Due(at(1, 15)) {
			t.Error("due again on the same day after an attempt")
		}
		if !task.Due(at(2, 10)) {
			t.Error("not due the day after a failed attempt")
		}
	})

	t.Run("success blocks until the next day", func(t *testing.T) {
		task := &Task{Name: "x", After: TimeOfDay{Hour: 10}}
		task.MarkAttempt(at(1, 10))
		task.MarkSuccess(at(1, 10))
		if task.Due(at(1, 23)) {
			t.Error("due again on the success day")
		}
		if !task.Due(at(2, 10)) {
			t.Error("not due the day after a success")
		}
	})

	t.Run("minimum interval spans days", func(t *testing.T) {
		task := &Task{Name: "x", After: TimeOfDay{Hour: 2}, MinInterval: 3 * 24 * time.Hour}
		task.MarkAttempt(at(1, 2))
		task.MarkSuccess(at(1, 2))
		if task.Due(at(2, 2)) || task.Due(at(3, 2)) {
			t.Error("due inside the minimum interval")
		}
		if !task.Due(at(4, 2)) {
			t.Error("not due once the minimum interval elapsed")
		}
	})

	t.Run("seeded success state survives restart", func(t *testing.T) {
		task := &Task{Name: "x", After: TimeOfDay{Hour: 2}, MinInterval: 24 * time.Hour}
		task.SeedLastSuccess(at(1, 2))
		if task.Due(at(1, 23)) {
			t.Error("due on the seeded success day")
		}
		if !task.Due(at(2, 2)) {
			t.Error("not due the day after the seeded success")
		}
	})
}

type stubJob struct {
	err  error
	runs int
}

func (j *stubJob) Run(context.Context) error {
	j.runs++
	return j.err
}

func TestRunGated(t *testing.T) {
	tz := time.UTC
	now := time.Date(2025, 6, 1, 11, 0, 0, 0, tz)

	t.Run("skips when not due", func(t *testing.T) {
		task := &Task{Name: "x", After: TimeOfDay{Hour: 12}}
		job := &stubJob{}
		ran, jobErr, handleErr := RunGated(context.Background(), task, now, job,
			func() error { t.Fatal("release called"); return nil },
			func() error { t.Fatal("reacquire called"); return nil })
		if ran || jobErr != nil || handleErr != nil {
			t.Fatalf("ran=%v jobErr=%v handleErr=%v", ran, jobErr, handleErr)
		}
		if job.runs != 0 {
			t.Error("job ran while not due")
		}
	})

	t.Run("brackets the job with the handle hooks", func(t *testing.T) {
		task := &Task{Name: "x", After: TimeOfDay{Hour: 10}}
		job := &stubJob{}
		var order []string
		ran, jobErr, handleErr := RunGated(context.Background(), task, now, job,
			func() error { order = append(order, "release"); return nil },
			func() error { order = append(order, "reacquire"); return nil })
		if !ran || jobErr != nil || handleErr != nil {
			t.Fatalf("ran=%v jobErr=%v handleErr=%v", ran, jobErr, handleErr)
		}
		if len(order) != 2 || order[0] != "release" || order[1] != "reacquire" {
			t.Errorf("hook order = %v", order)
		}
		if task.Due(now) {
			t.Error("task still due after success")
		}
	})

	t.Run("reacquire runs even when the job fails", func(t *testing.T) {
		task := &Task{Name: "x", After: TimeOfDay{Hour: 10}}
		job := &stubJob{err: errors.New("boom")}
		reacquired := false
		ran, jobErr, handleErr := RunGated(context.Background(), task, now, job,
			func() error { return nil },
			func() error { reacquired = true; return nil })
		if !ran || handleErr != nil {
			t.Fatalf("ran=%v handleErr=%v", ran, handleErr)
		}
		if jobErr == nil {
			t.Error("job error swallowed")
		}
		if !reacquired {
			t.Error("database not reacquired after failure")
		}
		// Failure still counts as the day's attempt.
		if task.Due(now.Add(time.Hour)) {
			t.Error("failed task due again the same day")
		}
	})
}

func TestRunNow(t *testing.T) {
	tz := time.UTC
	now := time.Date(2025, 6, 1, 11, 0, 0, 0, tz)

	// The 12:00 threshold has not passed, yet the job runs.
	task := &Task{Name: "x", After: TimeOfDay{Hour: 12}}
	job := &stubJob{}
	jobErr, handleErr := RunNow(context.Background(), task, now, job,
		func() error { return nil },
		func() error { return nil })
	if jobErr != nil || handleErr != nil {
		t.Fatalf("jobErr=%v handleErr=%v", jobErr, handleErr)
	}
	if job.runs != 1 {
		t.Fatalf("job ran %d times, want 1", job.runs)
	}

	// The run counts toward the daily gate.
	evening := time.Date(2025, 6, 1, 18, 0, 0, 0, tz)
	if task.Due(evening) {
		t.Error("task should not be due again the same day")
	}
	nextDay := time.Date(2025, 6, 2, 13, 0, 0, 0, tz)
	if !task.Due(nextDay) {
		t.Error("task should be due the next day")
	}
}
