package robot

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/corpus/internal/model"
)

// JobExecutor runs one claimed job and produces the result to submit.
type JobExecutor interface {
	Execute(ctx context.Context, job *model.Job) (any, error)
}

// Worker polls one collection and executes whatever jobs it is handed.
type Worker struct {
	client      *Client
	exec        JobExecutor
	collection  string
	id          string
	poll        time.Duration
	concurrency int
	logger      *zap.Logger
}

// NewWorker creates a worker named id polling collection.
func NewWorker(c *Client, exec JobExecutor, collection, id string, poll time.Duration, concurrency int) *Worker {
	if poll <= 0 {
		poll = 2 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		client:      c,
		exec:        exec,
		collection:  collection,
		id:          id,
		poll:        poll,
		concurrency: concurrency,
		logger:      zap.L().Named("robot"),
	}
}

// Run polls until the context is canceled. Each concurrent loop claims
// under its own worker id so completions stay claimant-conditioned.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", w.id, i)
		g.Go(func() error {
			return w.loop(ctx, workerID)
		})
	}
	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

func (w *Worker) loop(ctx context.Context, workerID string) error {
	for {
		job, err := w.client.ClaimNext(ctx, w.collection, "", workerID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("claim failed", zap.String("worker", workerID), zap.Error(err))
			job = nil
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.poll):
			}
			continue
		}
		w.runJob(ctx, workerID, job)
	}
}

// runJob executes one claimed job end to end. Execution errors are
// reported via fail so the server requeues or parks the job; an
// unreportable failure is only logged, the claim times out on its own.
func (w *Worker) runJob(ctx context.Context, workerID string, job *model.Job) {
	log := w.logger.With(
		zap.String("worker", workerID),
		zap.String("job", job.ID),
		zap.String("type", string(job.Type)))

	result, err := w.exec.Execute(ctx, job)
	if err != nil {
		log.Warn("execution failed", zap.Error(err))
		if ferr := w.client.Fail(ctx, w.collection, job.ID, workerID, err.Error()); ferr != nil {
			log.Error("fail report failed", zap.Error(ferr))
		}
		return
	}

	if err := w.client.Complete(ctx, w.collection, job.ID, workerID, result); err != nil {
		log.Error("completion failed", zap.Error(err))
		return
	}
	log.Info("job done")
}
