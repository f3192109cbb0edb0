// Package delivery sends approved outreach and answers accumulated inbound
// messages. Both paths run as batch jobs that report per-item outcomes.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/distlock"
	"github.com/BTreeMap/OutreachPipe/internal/metrics"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/persona"
)

// Job names used in summaries, lock keys and metrics.
const (
	ScheduledSendJob = "scheduled-send"
	AutoReplyJob     = "auto-reply"
)

// Defaults for batch sizes and the reaper.
const (
	DefaultScheduledBatch  = 50
	DefaultAutoReplyBatch  = 20
	DefaultStaleClaimAfter = 10 * time.Minute
)

type options struct {
	now             func() time.Time
	locks           distlock.Factory
	metrics         *metrics.Metrics
	location        *time.Location
	batchSize       int
	personaName     string
	staleClaimAfter time.Duration
}

// Option configures a ScheduledSender or an AutoReplier. Options that do not apply
// to a worker are ignored by it.
type Option func(*options)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithLocks guards each run with a distributed lock.
func WithLocks(f distlock.Factory) Option {
	return func(o *options) { o.locks = f }
}

// WithMetrics records job summaries and sends.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithLocation sets the zone send windows are evaluated in.
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

// WithBatchSize bounds the items fetched per run.
func WithBatchSize(n int) Option {
	return func(o *options) { o.batchSize = n }
}

// WithPersonaName selects the stored persona used for auto-replies.
func WithPersonaName(name string) Option {
	return func(o *options) { o.personaName = name }
}

// WithStaleClaimAfter sets how long a claim may stay in processing before it is reaped.
func WithStaleClaimAfter(d time.Duration) Option {
	return func(o *options) { o.staleClaimAfter = d }
}

func applyOptions(defaultBatch int, opts []Option) options {
	o := options{
		now:             time.Now,
		location:        time.UTC,
		batchSize:       defaultBatch,
		personaName:     persona.DefaultName,
		staleClaimAfter: DefaultStaleClaimAfter,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.batchSize <= 0 {
		o.batchSize = defaultBatch
	}
	if o.location == nil {
		o.location = time.UTC
	}
	return o
}

// runJob wraps one batch pass with the job lock, timing, logging and metrics.
func runJob(ctx context.Context, o options, job string, body func(ctx context.Context, now time.Time, s *models.JobSummary)) models.JobSummary {
	now := o.now()
	summary := models.NewJobSummary(job, now)

	err := distlock.RunExclusive(ctx, o.locks, "job:"+job, func(ctx context.Context) {
		body(ctx, now, &summary)
	})
	switch {
	case errors.Is(err, distlock.ErrNotAcquired):
		slog.Info("delivery.runJob: another run holds the lock, skipping", "job", job)
		summary.Record(models.Skipped("", "another run is in progress").WithCategory("lock"))
	case err != nil:
		slog.Error("delivery.runJob: job lock failed", "job", job, "error", err)
		summary.Fail(fmt.Errorf("acquire job lock: %w", err))
	}

	summary.Finish(o.now())
	slog.Info("delivery.runJob: finished", "job", job, "succeeded", summary.Succeeded,
		"failed", summary.Failed, "skipped", summary.Skipped, "job_error", summary.JobError)
	o.metrics.ObserveJob(summary)
	return summary
}
