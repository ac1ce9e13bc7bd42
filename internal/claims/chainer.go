// Package claims owns the distillation lifecycle: sanitizing worker-produced
// claims, persisting them, and chaining the follow-on work. Fragmented
// artifacts distill strictly in order, each fragment seeing the accumulated
// claims of its predecessors, and the parent artifact distills last over the
// full context.
package claims

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/store"
)

// MaxClaimsPerEntry caps the stored claim list. Workers that return more are
// truncated, not rejected; the head of the list is the model's highest
// confidence output.
const MaxClaimsPerEntry = 20

// Enqueuer is the slice of the queue service the chainer needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, collectionID string, t model.JobType, payload any) (*model.Job, error)
}

// Config tunes chaining behavior.
type Config struct {
	// AutoClassify enqueues a topic classification job for entries
	// admitted without a topic.
	AutoClassify bool `yaml:"auto_classify" mapstructure:"auto_classify"`
}

// Chainer applies distillation results and schedules what follows.
type Chainer struct {
	cfg    Config
	store  store.Store
	queue  Enqueuer
	logger *zap.Logger
}

// NewChainer creates a Chainer.
func NewChainer(s store.Store, q Enqueuer, cfg Config) *Chainer {
	return &Chainer{
		cfg:    cfg,
		store:  s,
		queue:  q,
		logger: zap.L().Named("claims"),
	}
}

// Sanitize normalizes claim text to NFC, trims whitespace, drops empties,
// clamps confidence into [0,1] and truncates to MaxClaimsPerEntry.
func Sanitize(in []model.Claim) []model.Claim {
	out := make([]model.Claim, 0, len(in))
	for _, c := range in {
		c.Text = strings.TrimSpace(norm.NFC.String(c.Text))
		if c.Text == "" {
			continue
		}
		if c.Confidence < 0 {
			c.Confidence = 0
		} else if c.Confidence > 1 {
			c.Confidence = 1
		}
		out = append(out, c)
		if len(out) == MaxClaimsPerEntry {
			break
		}
	}
	return out
}

// ApplyDistillation stores an entry's distilled claims and schedules the
// next pipeline step. Claims are write-once: a second application returns
// model.ErrConflict without chaining, because the first already chained.
// Callers for whom a redelivered result is routine swallow the conflict.
func (c *Chainer) ApplyDistillation(ctx context.Context, entryID string, result *model.DistillResult) error {
	claims := Sanitize(result.Claims)
	if err := c.store.SetClaims(ctx, entryID, claims); err != nil {
		return err
	}

	entry, err := c.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}

	if entry.IsFragment() {
		return c.chainFragment(ctx, entry)
	}
	return c.chainIntegration(ctx, entry)
}

// chainFragment enqueues distillation of the next fragment, or of the
// parent artifact when this was the last one. Context accumulates in
// fragment order.
func (c *Chainer) chainFragment(ctx context.Context, entry *model.Entry) error {
	accumulated, err := c.accumulatedContext(ctx, entry.FragmentOf)
	if err != nil {
		return err
	}

	next, err := c.store.GetFragment(ctx, entry.FragmentOf, *entry.FragmentIndex+1)
	if err != nil && !eris.Is(err, model.ErrNotFound) {
		return err
	}

	target := next
	if target == nil {
		target, err = c.store.GetEntry(ctx, entry.FragmentOf)
		if err != nil {
			return err
		}
		c.logger.Info("last fragment distilled, scheduling parent artifact",
			zap.String("parent", entry.FragmentOf), zap.Int("fragments", *entry.FragmentIndex+1))
	}

	_, err = c.queue.Enqueue(ctx, target.CollectionID, model.JobDistillClaims, model.DistillPayload{
		EntryID:     target.ID,
		ContentType: target.ContentType,
		Content:     string(target.Content),
		Context:     accumulated,
	})
	return err
}

// chainIntegration moves a fully distilled entry toward integration:
// embedding first, plus topic classification when configured.
func (c *Chainer) chainIntegration(ctx context.Context, entry *model.Entry) error {
	if _, err := c.queue.Enqueue(ctx, entry.CollectionID, model.JobEmbedClaims, model.EmbedPayload{
		EntryID: entry.ID,
		Claims:  entry.Claims,
	}); err != nil {
		return err
	}

	if c.cfg.AutoClassify && entry.Topic == "" {
		if _, err := c.queue.Enqueue(ctx, entry.CollectionID, model.JobClassifyTopic, model.ClassifyPayload{
			EntryID: entry.ID,
			Content: string(entry.Content),
		}); err != nil {
			return err
		}
	}
	return nil
}

// accumulatedContext concatenates the ready claims of all fragments of a
// parent, in fragment order.
func (c *Chainer) accumulatedContext(ctx context.Context, parentID string) ([]model.Claim, error) {
	frags, err := c.store.ListFragments(ctx, parentID)
	if err != nil {
		return nil, err
	}
	var out []model.Claim
	for _, f := range frags {
		if f.ClaimsStatus == model.ClaimsStatusReady {
			out = append(out, f.Claims...)
		}
	}
	return out, nil
}

// AbandonDistillation parks an entry whose distillation permanently failed.
func (c *Chainer) AbandonDistillation(ctx context.Context, entryID string) error {
	err := c.store.MarkClaimsFailed(ctx, entryID)
	if eris.Is(err, model.ErrConflict) {
		return nil
	}
	return err
}
