package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAddRejectsInvalidSchedule(t *testing.T) {
	s := New(testLogger())
	err := s.Add(Task{Name: "broken", Schedule: "every now and then", Run: func(context.Context) error { return nil }})
	if err == nil {
		t.Error("expected schedule parse error")
	}
	if err := s.Add(Task{Name: "off", Schedule: "", Run: func(context.Context) error { return nil }}); err != nil {
		t.Errorf("empty schedule must disable the task: %v", err)
	}
	if err := s.RunNow(context.Background(), "off"); err == nil {
		t.Error("disabled task must not be registered")
	}
}

func TestScheduledTaskRuns(t *testing.T) {
	s := New(testLogger())
	var runs atomic.Int32
	if err := s.Add(Task{Name: "tick", Schedule: "* * * * * *", Run: func(context.Context) error {
		runs.Add(1)
		return nil
	}}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	deadline := time.After(5 * time.Second)
	for runs.Load() == 0 {
		select {
		case <-deadline:
			t.Fatal("task did not run")
		case <-time.After(50 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunNowSkipsOverlap(t *testing.T) {
	s := New(testLogger())
	release := make(chan struct{})
	started := make(chan struct{})
	s.Add(Task{Name: "slow", Schedule: "@every 1h", Run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}})

	go s.RunNow(context.Background(), "slow")
	<-started
	if err := s.RunNow(context.Background(), "slow"); !errors.Is(err, errAlreadyRunning) {
		t.Errorf("expected overlap to be skipped, got %v", err)
	}
	close(release)
}

type fakeCleaner struct {
	before time.Time
}

func (f *fakeCleaner) DeleteFinishedBefore(_ context.Context, before time.Time) (int64, error) {
	f.before = before
	return 3, nil
}

func TestRetentionTask(t *testing.T) {
	c := &fakeCleaner{}
	task := RetentionTask(c, 24*time.Hour, "@hourly", testLogger())
	if err := task.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if d := time.Since(c.before); d < 23*time.Hour || d > 25*time.Hour {
		t.Errorf("unexpected cutoff %v ago", d)
	}
}
