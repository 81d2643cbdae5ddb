package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the current state of a sync job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // StatusPending indicates the job is queued but not yet started
	StatusRunning   JobStatus = "running"   // StatusRunning indicates the job is currently being executed
	StatusCompleted JobStatus = "completed" // StatusCompleted indicates the job finished and persisted its series
	StatusFailed    JobStatus = "failed"    // StatusFailed indicates the job aborted; nothing was persisted
	StatusSkipped   JobStatus = "skipped"   // StatusSkipped indicates the job was rejected by configuration
)

// Job is one unit of sync work: it owns a single series for the duration of its run.
type Job struct {
	ID               string    `json:"id"`
	Key              SeriesKey `json:"-"`
	Series           string    `json:"series"`
	File             string    `json:"file"`
	Status           JobStatus `json:"status"`
	ResumeFrom       time.Time `json:"resume_from,omitempty"`
	LatestRemote     time.Time `json:"latest_remote,omitempty"`
	WindowsFetched   int       `json:"windows_fetched"`
	RecordsFetched   int       `json:"records_fetched"`
	RecordsPersisted int       `json:"records_persisted"`
	Error            string    `json:"error,omitempty"`
	ErrorKind        string    `json:"error_kind,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	StartedAt        time.Time `json:"started_at,omitempty"`
	FinishedAt       time.Time `json:"finished_at,omitempty"`
}

// NewJob creates a pending job for key persisted under file.
func NewJob(key SeriesKey, file string) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Key:       key,
		Series:    key.String(),
		File:      file,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

// Start transitions the job from pending to running.
func (j *Job) Start() error {
	if j.Status != StatusPending {
		return fmt.Errorf("cannot start job: current status is %s, expected %s", j.Status, StatusPending)
	}
	j.Status = StatusRunning
	j.StartedAt = time.Now().UTC()
	return nil
}

// Complete transitions the job from running to completed.
func (j *Job) Complete(persisted int) error {
	if j.Status != StatusRunning {
		return fmt.Errorf("cannot complete job: current status is %s, expected %s", j.Status, StatusRunning)
	}
	j.Status = StatusCompleted
	j.RecordsPersisted = persisted
	j.FinishedAt = time.Now().UTC()
	return nil
}

// Fail records err and marks a running or pending job as failed.
func (j *Job) Fail(err error) error {
	if j.Status != StatusRunning && j.Status != StatusPending {
		return fmt.Errorf("cannot fail job: current status is %s", j.Status)
	}
	j.Status = StatusFailed
	if err != nil {
		j.Error = err.Error()
	}
	j.FinishedAt = time.Now().UTC()
	return nil
}

// Skip marks a pending job as skipped with reason.
func (j *Job) Skip(reason string) {
	j.Status = StatusSkipped
	j.Error = reason
	j.FinishedAt = time.Now().UTC()
}

// RecordWindow accounts for one fetched window of n rows.
func (j *Job) RecordWindow(n int) {
	j.WindowsFetched++
	j.RecordsFetched += n
}

// Succeeded reports whether the job completed.
func (j *Job) Succeeded() bool {
	return j.Status == StatusCompleted
}

// Elapsed returns the run time, or the time since start for a running job.
func (j *Job) Elapsed() time.Duration {
	if j.StartedAt.IsZero() {
		return 0
	}
	if j.FinishedAt.IsZero() {
		return time.Since(j.StartedAt)
	}
	return j.FinishedAt.Sub(j.StartedAt)
}

// Summary returns a one-line description of the job.
func (j *Job) Summary() string {
	s := fmt.Sprintf("%s [%s] windows=%d fetched=%d persisted=%d elapsed=%s",
		j.Series, j.Status, j.WindowsFetched, j.RecordsFetched, j.RecordsPersisted, j.Elapsed().Round(time.Millisecond))
	if j.Error != "" {
		s += " error=" + j.Error
	}
	return s
}
