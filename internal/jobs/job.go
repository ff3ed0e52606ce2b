// Package jobs tracks outstanding remote queries through their server-side
// lifecycle.
package jobs

import (
	"fmt"
	"time"
)

// Status is the server-reported state of a query job.
type Status string

const (
	StatusRunning     Status = "RUNNING"
	StatusFinished    Status = "FINISHED"
	StatusJobFinished Status = "JOB_FINISHED"
	StatusJobFailed   Status = "JOB_FAILED"
	StatusCancelled   Status = "CANCELLED"
)

// ParseStatus maps a wire value onto a Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusRunning, StatusFinished, StatusJobFinished, StatusJobFailed, StatusCancelled:
		return st, nil
	default:
		return "", fmt.Errorf("unknown job status %q", s)
	}
}

// IsTerminal reports whether a job in this status must never be polled again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusJobFinished, StatusJobFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

func (s Status) String() string {
	return string(s)
}

// Job is one outstanding remote query.
type Job struct {
	QueryID     string        `json:"query_id"`
	SequenceNo  int           `json:"sequence_no"`
	Status      Status        `json:"status"`
	LogType     string        `json:"log_type,omitempty"`
	MaxWaitTime time.Duration `json:"max_wait_time"`

	SubmittedAt time.Time `json:"submitted_at"`
	LastPolled  time.Time `json:"last_polled,omitempty"`
	Pages       int64     `json:"pages"`
	Records     int64     `json:"records"`
	Polls       int64     `json:"polls"`
}

// Snapshot returns a copy safe to hand outside the owning scheduler.
func (j *Job) Snapshot() Job {
	return *j
}
