package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/models"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
}

func TestSchedulerRejectsInvalidExpression(t *testing.T) {
	s := NewScheduler()
	if err := s.AddJob("every minute", func() {}); err == nil {
		t.Error("Expected error for invalid cron expression")
	}
	job := JobFunc(func(ctx context.Context) models.JobSummary { return models.JobSummary{} })
	if err := s.AddBatchJob(context.Background(), "x", "61 * * * *", job); err == nil {
		t.Error("Expected error for out-of-range minute")
	}
}

func TestSchedulerRunsBatchJob(t *testing.T) {
	s := NewScheduler()
	var runs atomic.Int32
	done := make(chan struct{}, 1)
	job := JobFunc(func(ctx context.Context) models.JobSummary {
		if runs.Add(1) == 1 {
			done <- struct{}{}
		}
		return models.NewJobSummary("test", time.Now())
	})
	if err := s.AddBatchJob(context.Background(), "test", "@every 1s", job); err != nil {
		t.Fatalf("AddBatchJob failed: %v", err)
	}
	s.Start()
	defer s.Stop()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not run")
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	s := NewScheduler()
	var running, maxRunning atomic.Int32
	release := make(chan struct{})
	started := make(chan struct{}, 10)
	job := JobFunc(func(ctx context.Context) models.JobSummary {
		n := running.Add(1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		started <- struct{}{}
		<-release
		running.Add(-1)
		return models.JobSummary{}
	})
	if err := s.AddBatchJob(context.Background(), "slow", "@every 1s", job); err != nil {
		t.Fatalf("AddBatchJob failed: %v", err)
	}
	s.Start()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job did not start")
	}
	// Let at least one more tick fire while the first run is blocked.
	time.Sleep(1500 * time.Millisecond)
	close(release)
	s.Stop()

	if got := maxRunning.Load(); got != 1 {
		t.Errorf("expected at most one concurrent run, got %d", got)
	}
}
