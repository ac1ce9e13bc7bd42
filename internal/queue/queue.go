// Package queue coordinates the durable job queue: enqueueing typed work,
// handing jobs to external workers, and applying their results. Workers are
// stateless and unreliable; everything that must survive them lives in the
// store, and every transition is conditioned on the claimant identity.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus/internal/audit"
	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/store"
)

// Processor applies a validated job result: writing claims, chaining the
// next job, folding comparisons. Wired after construction because the
// pipeline that implements it also enqueues through this service.
type Processor interface {
	Process(ctx context.Context, job *model.Job, result any) error

	// Abandon runs when a job exhausts its retries, so dependent state
	// (an entry waiting on claims, say) is parked instead of stuck.
	Abandon(ctx context.Context, job *model.Job) error
}

// Config tunes job defaults.
type Config struct {
	DefaultTimeout time.Duration `yaml:"default_timeout" mapstructure:"default_timeout"`
	MaxRetries     int           `yaml:"max_retries" mapstructure:"max_retries"`
}

func (c Config) withDefaults() Config {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Service is the queue coordinator.
type Service struct {
	cfg       Config
	store     store.Store
	recorder  audit.Recorder
	processor Processor
	logger    *zap.Logger
}

// New creates a queue service. Call SetProcessor before serving completions.
func New(s store.Store, rec audit.Recorder, cfg Config) *Service {
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    s,
		recorder: rec,
		logger:   zap.L().Named("queue"),
	}
}

// SetProcessor wires the result processor.
func (s *Service) SetProcessor(p Processor) {
	s.processor = p
}

// Enqueue creates a pending job for the given payload.
func (s *Service) Enqueue(ctx context.Context, collectionID string, t model.JobType, payload any) (*model.Job, error) {
	if !t.Valid() {
		return nil, eris.Wrapf(model.ErrValidation, "queue: unknown job type %q", t)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrapf(err, "queue: marshal %s payload", t)
	}

	now := time.Now().UTC()
	job := &model.Job{
		ID:           uuid.New().String(),
		CollectionID: collectionID,
		Type:         t,
		Status:       model.JobStatusPending,
		Payload:      raw,
		MaxRetries:   s.cfg.MaxRetries,
		Timeout:      s.cfg.DefaultTimeout,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}
	s.recorder.Record("system", "job.enqueue", "jobs/"+job.ID, collectionID, string(t))
	return job, nil
}

// ClaimNext hands the oldest eligible pending job to a worker. Expired
// claims in the collection are reclaimed first so a crashed worker's job
// becomes visible on the next poll rather than after an operator notices.
// Returns nil when nothing is eligible; an under-cleared worker cannot tell
// an empty queue from a filtered one.
func (s *Service) ClaimNext(ctx context.Context, collectionID string, t model.JobType, workerID string, grant *label.Clearance) (*model.Job, error) {
	if workerID == "" {
		return nil, eris.Wrap(model.ErrValidation, "queue: worker id required")
	}
	if t != "" && !t.Valid() {
		return nil, eris.Wrapf(model.ErrValidation, "queue: unknown job type %q", t)
	}

	reclaimed, err := s.store.ReclaimTimedOut(ctx, collectionID)
	if err != nil {
		return nil, err
	}
	if reclaimed > 0 {
		s.logger.Warn("reclaimed timed-out jobs",
			zap.String("collection", collectionID), zap.Int("count", reclaimed))
		s.recorder.Record("system", "job.reclaim", "collections/"+collectionID, collectionID,
			fmt.Sprintf("%d jobs", reclaimed))
	}

	job, err := s.store.ClaimNextJob(ctx, store.ClaimRequest{
		CollectionID: collectionID,
		Type:         t,
		WorkerID:     workerID,
		Clearance:    grant,
	})
	if err != nil || job == nil {
		return job, err
	}
	s.recorder.Record(workerID, "job.claim", "jobs/"+job.ID, collectionID, string(job.Type))
	return job, nil
}

// Complete applies a worker's result and marks the job done. The result is
// decoded and validated against the job type before any state changes; the
// processor's writes are idempotent, so a reclaimed worker racing a late
// completion loses at the final conditional update and nothing is applied
// twice.
func (s *Service) Complete(ctx context.Context, jobID, workerID string, rawResult json.RawMessage) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != model.JobStatusInProgress || job.ClaimedBy != workerID {
		return eris.Wrapf(model.ErrConflict, "queue: job %s not held by worker %s", jobID, workerID)
	}

	result, err := model.DecodeResult(job.Type, rawResult)
	if err != nil {
		return err
	}

	if s.processor != nil {
		if perr := s.processor.Process(ctx, job, result); perr != nil {
			s.logger.Error("result processing failed",
				zap.String("job", jobID), zap.String("type", string(job.Type)), zap.Error(perr))
			status, ferr := s.store.FailJob(ctx, jobID, workerID, perr.Error())
			if ferr != nil {
				return ferr
			}
			s.recorder.Record(workerID, "job.fail", "jobs/"+jobID, job.CollectionID, string(status))
			return perr
		}
	}

	if err := s.store.CompleteJob(ctx, jobID, workerID); err != nil {
		return err
	}
	s.recorder.Record(workerID, "job.complete", "jobs/"+jobID, job.CollectionID, string(job.Type))
	return nil
}

// Fail records a worker-reported failure. The job returns to pending while
// retries remain, otherwise it parks as failed for operator attention.
func (s *Service) Fail(ctx context.Context, jobID, workerID, reason string) (model.JobStatus, error) {
	if reason == "" {
		reason = "worker reported failure"
	}
	status, err := s.store.FailJob(ctx, jobID, workerID, reason)
	if err != nil {
		return "", err
	}
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return status, err
	}
	if status == model.JobStatusFailed {
		s.logger.Error("job failed permanently",
			zap.String("job", jobID), zap.String("type", string(job.Type)), zap.String("reason", reason))
		if s.processor != nil {
			if perr := s.processor.Abandon(ctx, job); perr != nil {
				s.logger.Error("abandon hook failed", zap.String("job", jobID), zap.Error(perr))
			}
		}
	}
	s.recorder.Record(workerID, "job.fail", "jobs/"+jobID, job.CollectionID, string(status))
	return status, nil
}

// Stats returns per-type queue depth counters for one collection.
func (s *Service) Stats(ctx context.Context, collectionID string) (map[model.JobType]model.JobStats, error) {
	return s.store.JobStats(ctx, collectionID)
}

// Get returns one job by id.
func (s *Service) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return s.store.GetJob(ctx, jobID)
}
