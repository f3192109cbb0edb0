package models

import (
	"fmt"
	"time"
)

// MaxSummaryErrors bounds the number of error strings kept in a JobSummary.
const MaxSummaryErrors = 20

// Outcome is the result of processing one work item.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// ItemResult is the per-item result returned by every batch job step.
type ItemResult struct {
	Category string  `json:"category,omitempty"`
	ItemID   string  `json:"item_id,omitempty"`
	Outcome  Outcome `json:"outcome"`
	Reason   string  `json:"reason,omitempty"`
}

// Succeeded returns a successful result for itemID.
func Succeeded(itemID string) ItemResult {
	return ItemResult{ItemID: itemID, Outcome: OutcomeSucceeded}
}

// Failed returns a failed result carrying err's message.
func Failed(itemID string, err error) ItemResult {
	reason := "unknown error"
	if err != nil {
		reason = err.Error()
	}
	return ItemResult{ItemID: itemID, Outcome: OutcomeFailed, Reason: reason}
}

// Skipped returns a skipped result with a human readable reason.
func Skipped(itemID, reason string) ItemResult {
	return ItemResult{ItemID: itemID, Outcome: OutcomeSkipped, Reason: reason}
}

// WithCategory returns a copy of r tagged with category.
func (r ItemResult) WithCategory(category string) ItemResult {
	r.Category = category
	return r
}

// CategoryCounts tallies outcomes for one category of a job.
type CategoryCounts struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// JobSummary aggregates the results of one job run.
type JobSummary struct {
	Job        string                     `json:"job"`
	StartedAt  time.Time                  `json:"started_at"`
	FinishedAt time.Time                  `json:"finished_at"`
	Succeeded  int                        `json:"succeeded"`
	Failed     int                        `json:"failed"`
	Skipped    int                        `json:"skipped"`
	Categories map[string]*CategoryCounts `json:"categories,omitempty"`
	Errors     []string                   `json:"errors,omitempty"`
	// JobError is set only when the job could not fetch its initial batch.
	JobError string `json:"job_error,omitempty"`
}

// NewJobSummary starts a summary for job at startedAt.
func NewJobSummary(job string, startedAt time.Time) JobSummary {
	return JobSummary{
		Job:        job,
		StartedAt:  startedAt,
		Categories: make(map[string]*CategoryCounts),
	}
}

// Record adds one item result to the summary.
func (s *JobSummary) Record(r ItemResult) {
	if s.Categories == nil {
		s.Categories = make(map[string]*CategoryCounts)
	}
	var counts *CategoryCounts
	if r.Category != "" {
		counts = s.Categories[r.Category]
		if counts == nil {
			counts = &CategoryCounts{}
			s.Categories[r.Category] = counts
		}
	}

	switch r.Outcome {
	case OutcomeSucceeded:
		s.Succeeded++
		if counts != nil {
			counts.Succeeded++
		}
	case OutcomeSkipped:
		s.Skipped++
		if counts != nil {
			counts.Skipped++
		}
	default:
		s.Failed++
		if counts != nil {
			counts.Failed++
		}
		s.addError(r)
	}
}

func (s *JobSummary) addError(r ItemResult) {
	if len(s.Errors) >= MaxSummaryErrors {
		return
	}
	msg := r.Reason
	if r.ItemID != "" {
		msg = fmt.Sprintf("%s: %s", r.ItemID, msg)
	}
	if r.Category != "" {
		msg = fmt.Sprintf("[%s] %s", r.Category, msg)
	}
	s.Errors = append(s.Errors, msg)
}

// Fail marks the whole job as failed.
func (s *JobSummary) Fail(err error) {
	if err == nil {
		return
	}
	s.JobError = err.Error()
}

// Finish stamps the completion time.
func (s *JobSummary) Finish(at time.Time) {
	s.FinishedAt = at
}

// JobFailed reports whether the job failed as a whole.
func (s JobSummary) JobFailed() bool {
	return s.JobError != ""
}

// Total returns the number of recorded items.
func (s JobSummary) Total() int {
	return s.Succeeded + s.Failed + s.Skipped
}
