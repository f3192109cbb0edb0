// Package scheduler runs OutreachPipe's batch jobs on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/robfig/cron/v3"
)

// Job is a batch job that reports its own outcome.
type Job interface {
	Run(ctx context.Context) models.JobSummary
}

// JobFunc adapts a function to Job.
type JobFunc func(ctx context.Context) models.JobSummary

// Run calls f.
func (f JobFunc) Run(ctx context.Context) models.JobSummary { return f(ctx) }

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron   *cron.Cron
	logger cron.Logger
}

// NewScheduler creates a cron scheduler. Call Start to begin firing jobs.
func NewScheduler() *Scheduler {
	// Standard 5-field cron (min, hour, dom, month, dow) plus @every/@hourly descriptors
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	logger := slogLogger{}
	c := cron.New(cron.WithParser(parser), cron.WithLogger(logger), cron.WithChain(cron.Recover(logger)))
	return &Scheduler{cron: c, logger: logger}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddBatchJob schedules job under name. A run still in progress when the next
// tick fires makes that tick a no-op.
func (s *Scheduler) AddBatchJob(ctx context.Context, name, expr string, job Job) error {
	wrapped := cron.NewChain(cron.SkipIfStillRunning(s.logger)).Then(cron.FuncJob(func() {
		summary := job.Run(ctx)
		if summary.JobFailed() {
			slog.Error("Scheduler: job failed", "job", name, "error", summary.JobError)
			return
		}
		slog.Debug("Scheduler: job completed", "job", name, "total", summary.Total(), "failed", summary.Failed)
	}))
	if _, err := s.cron.AddJob(expr, wrapped); err != nil {
		return fmt.Errorf("schedule %s (%q): %w", name, expr, err)
	}
	slog.Info("Scheduler.AddBatchJob: scheduled", "job", name, "expr", expr)
	return nil
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// slogLogger routes cron's own logging through slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
