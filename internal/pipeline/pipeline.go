// Package pipeline is the entry point of the knowledge flow: it admits
// batches of entries, seeds the first distillation jobs, and dispatches
// worker results to the claims chainer and the comparison engine.
package pipeline

import (
	"context"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus/internal/audit"
	"github.com/sells-group/corpus/internal/claims"
	"github.com/sells-group/corpus/internal/compare"
	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/queue"
	"github.com/sells-group/corpus/internal/store"
)

// MaxBatchSize bounds one batch write. Larger batches are rejected whole.
const MaxBatchSize = 100

// Service wires admission to the job queue and implements queue.Processor.
type Service struct {
	store    store.Store
	queue    *queue.Service
	chainer  *claims.Chainer
	engine   *compare.Engine
	recorder audit.Recorder
	logger   *zap.Logger
}

// New creates the pipeline service and registers it as the queue's
// processor.
func New(s store.Store, q *queue.Service, ch *claims.Chainer, eng *compare.Engine, rec audit.Recorder) *Service {
	svc := &Service{
		store:    s,
		queue:    q,
		chainer:  ch,
		engine:   eng,
		recorder: rec,
		logger:   zap.L().Named("pipeline"),
	}
	q.SetProcessor(svc)
	return svc
}

// WriteBatch admits up to MaxBatchSize entries transactionally and seeds
// distillation. Fragments distill strictly in order, so only fragment 0 of
// a chain gets an immediate job; later fragments and in-batch parents are
// scheduled by the chain itself as predecessors complete.
func (s *Service) WriteBatch(ctx context.Context, collectionID string, batch []model.NewEntry, actor string) ([]model.Entry, error) {
	if len(batch) == 0 {
		return nil, eris.Wrap(model.ErrValidation, "pipeline: empty batch")
	}
	if len(batch) > MaxBatchSize {
		return nil, eris.Wrapf(model.ErrValidation, "pipeline: batch of %d exceeds limit %d", len(batch), MaxBatchSize)
	}

	inBatchParents := make(map[string]bool)
	seenIDs := make(map[string]bool)
	for i := range batch {
		ne := &batch[i]
		if len(ne.Content) == 0 {
			return nil, eris.Wrapf(model.ErrValidation, "pipeline: entry %d has no content", i)
		}
		if ne.ContentType == "" {
			return nil, eris.Wrapf(model.ErrValidation, "pipeline: entry %d has no content type", i)
		}
		if ne.Author == "" {
			return nil, eris.Wrapf(model.ErrValidation, "pipeline: entry %d has no author", i)
		}
		if ne.Label.Level != "" && !ne.Label.Level.Valid() {
			return nil, eris.Wrapf(model.ErrValidation, "pipeline: entry %d has unknown level %q", i, ne.Label.Level)
		}
		if ne.ID == "" {
			ne.ID = uuid.New().String()
		} else if seenIDs[ne.ID] {
			return nil, eris.Wrapf(model.ErrValidation, "pipeline: duplicate entry id %s", ne.ID)
		}
		seenIDs[ne.ID] = true

		switch {
		case ne.FragmentOf == "" && ne.FragmentIndex != nil:
			return nil, eris.Wrapf(model.ErrValidation, "pipeline: entry %d has a fragment index but no parent", i)
		case ne.FragmentOf != "" && ne.FragmentIndex == nil:
			return nil, eris.Wrapf(model.ErrValidation, "pipeline: entry %d has a parent but no fragment index", i)
		case ne.FragmentOf != "":
			if *ne.FragmentIndex < 0 {
				return nil, eris.Wrapf(model.ErrValidation, "pipeline: entry %d has negative fragment index", i)
			}
			inBatchParents[ne.FragmentOf] = true
		}
	}

	entries, err := s.store.CreateEntries(ctx, collectionID, batch)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		s.recorder.Record(actor, "entry.write", "entries/"+e.ID, collectionID, e.ContentType)

		if e.IsFragment() && *e.FragmentIndex > 0 {
			continue
		}
		if !e.IsFragment() && inBatchParents[e.ID] {
			// the chain's final step distills this artifact with the
			// full fragment context
			continue
		}
		if _, err := s.queue.Enqueue(ctx, collectionID, model.JobDistillClaims, model.DistillPayload{
			EntryID:     e.ID,
			ContentType: e.ContentType,
			Content:     string(e.Content),
		}); err != nil {
			return nil, err
		}
	}

	s.logger.Info("batch admitted",
		zap.String("collection", collectionID), zap.Int("entries", len(entries)))
	return entries, nil
}

// Process applies a validated worker result. Job types dispatch to the
// subsystem that owns the follow-on semantics.
func (s *Service) Process(ctx context.Context, job *model.Job, result any) error {
	payload, err := model.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return err
	}

	switch job.Type {
	case model.JobDistillClaims:
		p := payload.(*model.DistillPayload)
		err := s.chainer.ApplyDistillation(ctx, p.EntryID, result.(*model.DistillResult))
		if eris.Is(err, model.ErrConflict) {
			// redelivery of an already-applied result; the first
			// application chained
			s.logger.Debug("claims already applied", zap.String("entry", p.EntryID))
			return nil
		}
		return err
	case model.JobEmbedClaims:
		p := payload.(*model.EmbedPayload)
		return s.engine.OnEmbedding(ctx, p.EntryID, result.(*model.EmbedResult).Embedding)
	case model.JobCompareClaims:
		return s.engine.ApplyComparison(ctx, payload.(*model.ComparePayload), result.(*model.CompareResult))
	case model.JobClassifyTopic:
		p := payload.(*model.ClassifyPayload)
		return s.store.SetTopic(ctx, p.EntryID, result.(*model.ClassifyResult).Topic)
	default:
		return eris.Wrapf(model.ErrValidation, "pipeline: unknown job type %q", job.Type)
	}
}

// Abandon parks dependent state when a job permanently fails.
func (s *Service) Abandon(ctx context.Context, job *model.Job) error {
	payload, err := model.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return err
	}

	switch job.Type {
	case model.JobDistillClaims:
		return s.chainer.AbandonDistillation(ctx, payload.(*model.DistillPayload).EntryID)
	case model.JobCompareClaims:
		return s.engine.AbandonComparison(ctx, payload.(*model.ComparePayload))
	default:
		// embedding and classification failures leave the entry in a
		// resumable state; nothing to park
		return nil
	}
}
