package model

import (
	"encoding/json"
	"time"
)

// JobType identifies one kind of distributed work. The set is closed:
// payloads and results are decoded per type, never as untyped maps.
type JobType string

const (
	JobDistillClaims JobType = "DISTILL_CLAIMS"
	JobEmbedClaims   JobType = "EMBED_CLAIMS"
	JobCompareClaims JobType = "COMPARE_CLAIMS"
	JobClassifyTopic JobType = "CLASSIFY_TOPIC"
)

// Valid reports whether t is one of the known job types.
func (t JobType) Valid() bool {
	switch t {
	case JobDistillClaims, JobEmbedClaims, JobCompareClaims, JobClassifyTopic:
		return true
	}
	return false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job is one unit of work handed to a stateless external worker. A job is
// claimed by exactly one worker at a time; completion is conditioned on the
// claimant's identity so a reclaimed worker cannot race a late completion.
type Job struct {
	ID           string          `json:"id"`
	CollectionID string          `json:"collection_id"`
	Type         JobType         `json:"type"`
	Status       JobStatus       `json:"status"`
	Payload      json.RawMessage `json:"payload"`
	ClaimedBy    string          `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time      `json:"claimed_at,omitempty"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	Timeout      time.Duration   `json:"timeout"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ClaimExpired reports whether an in-progress claim has outlived its
// timeout. The effective timeout grows with the retry count, which gives
// retried jobs exponential backoff without a scheduler thread.
func (j *Job) ClaimExpired(now time.Time) bool {
	if j.Status != JobStatusInProgress || j.ClaimedAt == nil {
		return false
	}
	timeout := j.Timeout << uint(j.RetryCount)
	return now.After(j.ClaimedAt.Add(timeout))
}

// JobStats counts jobs per status for one job type.
type JobStats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}
