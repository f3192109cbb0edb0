// Package trigger finds players who warrant proactive outreach and hands each
// candidate to the message synthesizer.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/OutreachPipe/internal/distlock"
	"github.com/BTreeMap/OutreachPipe/internal/metrics"
	"github.com/BTreeMap/OutreachPipe/internal/models"
	"github.com/BTreeMap/OutreachPipe/internal/store"
	"golang.org/x/sync/errgroup"
)

// JobName identifies the detector in summaries, locks and metrics.
const JobName = "trigger-detection"

// CandidateProcessor turns a candidate into a persisted draft.
type CandidateProcessor interface {
	Process(ctx context.Context, c models.OutreachCandidate) models.ItemResult
}

// Config holds the rule thresholds.
type Config struct {
	Location                *time.Location
	MissedPatternGraceHours int
	DropoutMinActiveWeeks   int
	DropoutInactiveDays     int
	JackpotThreshold        float64
	LossThreshold           float64
	LossWindow              time.Duration
	DropoutDedup            time.Duration
	JackpotDedup            time.Duration
	LossDedup               time.Duration
	Concurrency             int
}

// DefaultConfig returns the production thresholds.
func DefaultConfig() Config {
	return Config{
		Location:                time.UTC,
		MissedPatternGraceHours: 2,
		DropoutMinActiveWeeks:   3,
		DropoutInactiveDays:     7,
		JackpotThreshold:        0.85,
		LossThreshold:           500,
		LossWindow:              72 * time.Hour,
		DropoutDedup:            7 * 24 * time.Hour,
		JackpotDedup:            3 * 24 * time.Hour,
		LossDedup:               5 * 24 * time.Hour,
		Concurrency:             5,
	}
}

func (c Config) location() *time.Location {
	if c.Location == nil {
		return time.UTC
	}
	return c.Location
}

// Detector evaluates the rules and processes surviving candidates.
type Detector struct {
	store     store.TriggerStore
	processor CandidateProcessor
	cfg       Config
	rules     []Rule
	now       func() time.Time
	locks     distlock.Factory
	metrics   *metrics.Metrics
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// WithLocks guards each run with a distributed lock.
func WithLocks(f distlock.Factory) Option {
	return func(d *Detector) { d.locks = f }
}

// WithMetrics records job summaries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Detector) { d.metrics = m }
}

// WithRules replaces the default rules.
func WithRules(rules ...Rule) Option {
	return func(d *Detector) { d.rules = rules }
}

// NewDetector creates a detector with the default rules.
func NewDetector(st store.TriggerStore, p CandidateProcessor, cfg Config, opts ...Option) *Detector {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	d := &Detector{store: st, processor: p, cfg: cfg, now: time.Now}
	d.rules = DefaultRules(st, cfg)
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Run performs one detection pass. It never returns an error: failures are in the summary.
func (d *Detector) Run(ctx context.Context) models.JobSummary {
	now := d.now()
	summary := models.NewJobSummary(JobName, now)

	err := distlock.RunExclusive(ctx, d.locks, "job:"+JobName, func(ctx context.Context) {
		d.run(ctx, now, &summary)
	})
	switch {
	case errors.Is(err, distlock.ErrNotAcquired):
		slog.Info("Detector.Run: another run holds the lock, skipping")
		summary.Record(models.Skipped("", "another run is in progress").WithCategory("lock"))
	case err != nil:
		slog.Error("Detector.Run: job lock failed", "error", err)
		summary.Fail(fmt.Errorf("acquire job lock: %w", err))
	}

	summary.Finish(d.now())
	slog.Info("Detector.Run: finished", "succeeded", summary.Succeeded, "failed", summary.Failed,
		"skipped", summary.Skipped, "job_error", summary.JobError)
	d.metrics.ObserveJob(summary)
	return summary
}

func (d *Detector) run(ctx context.Context, now time.Time, summary *models.JobSummary) {
	var candidates []models.OutreachCandidate
	failedRules := 0
	for _, rule := range d.rules {
		category := string(rule.Type)
		found, err := rule.Find(ctx, now)
		if err != nil {
			failedRules++
			slog.Error("Detector.run: rule failed", "trigger", rule.Type, "error", err)
			summary.Record(models.Failed("", fmt.Errorf("find candidates: %w", err)).WithCategory(category))
			continue
		}
		slog.Debug("Detector.run: rule evaluated", "trigger", rule.Type, "candidates", len(found))

		for _, c := range found {
			if rule.DedupWindow > 0 {
				recent, err := d.store.HasRecentOutreach(ctx, c.PlayerID, rule.Type, now.Add(-rule.DedupWindow))
				if err != nil {
					summary.Record(models.Failed(c.PlayerID, fmt.Errorf("dedup check: %w", err)).WithCategory(category))
					continue
				}
				if recent {
					summary.Record(models.Skipped(c.PlayerID, "contacted within dedup window").WithCategory(category))
					continue
				}
			}
			candidates = append(candidates, c)
		}
	}
	if len(d.rules) > 0 && failedRules == len(d.rules) {
		summary.Fail(errors.New("every trigger rule failed to load candidates"))
		return
	}

	results := make([]models.ItemResult, len(candidates))
	var g errgroup.Group
	g.SetLimit(d.cfg.Concurrency)
	for i, c := range candidates {
		g.Go(func() error {
			results[i] = d.process(ctx, c)
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results {
		summary.Record(r)
	}
}

// process isolates one candidate, converting a panic into a failed item.
func (d *Detector) process(ctx context.Context, c models.OutreachCandidate) (res models.ItemResult) {
	category := string(c.TriggerType)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Detector.process: candidate panicked", "player_id", c.PlayerID, "panic", r)
			res = models.Failed(c.PlayerID, fmt.Errorf("panic: %v", r)).WithCategory(category)
		}
	}()
	return d.processor.Process(ctx, c).WithCategory(category)
}
