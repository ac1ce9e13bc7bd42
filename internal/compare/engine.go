// Package compare drives semantic integration: once an entry has an
// embedding it is compared against its nearest neighbors, the results are
// folded into entropy and friction scores, and the entry's integration
// status flips exactly once when the last comparison lands.
package compare

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/store"
)

// Enqueuer is the slice of the queue service the engine needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, collectionID string, t model.JobType, payload any) (*model.Job, error)
}

// Config tunes neighbor selection and the review threshold.
type Config struct {
	// TopK bounds how many nearest neighbors each entry is compared
	// against. Comparison cost per entry is O(TopK), not O(collection).
	TopK int `yaml:"top_k" mapstructure:"top_k"`

	// ReviewThreshold is the friction above which an entry is flagged
	// for human review and lands contested.
	ReviewThreshold float64 `yaml:"review_threshold" mapstructure:"review_threshold"`

	// SkipComparisons trades integration-cost accuracy for write
	// throughput: embedded entries integrate immediately and no
	// comparison jobs are scheduled.
	SkipComparisons bool `yaml:"skip_comparisons" mapstructure:"skip_comparisons"`
}

func (c Config) withDefaults() Config {
	if c.TopK <= 0 {
		c.TopK = 5
	}
	if c.ReviewThreshold <= 0 {
		c.ReviewThreshold = 0.2
	}
	return c
}

// Engine schedules and folds comparisons.
type Engine struct {
	cfg    Config
	store  store.Store
	queue  Enqueuer
	logger *zap.Logger
}

// New creates an Engine.
func New(s store.Store, q Enqueuer, cfg Config) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		store:  s,
		queue:  q,
		logger: zap.L().Named("compare"),
	}
}

// Cosine returns the cosine similarity of two vectors, 0 when either is a
// zero vector or the dimensions disagree.
func Cosine(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// OnEmbedding stores the vector and fans out comparison jobs against the
// nearest neighbors. An entry with no embedded neighbors integrates
// immediately; it is the first knowledge in its region and has nothing to
// conflict with.
func (e *Engine) OnEmbedding(ctx context.Context, entryID string, vec []float64) error {
	if err := e.store.SetEmbedding(ctx, entryID, vec); err != nil {
		return err
	}
	entry, err := e.store.GetEntry(ctx, entryID)
	if err != nil {
		return err
	}

	var neighbors []store.EmbeddedEntry
	if !e.cfg.SkipComparisons {
		neighbors, err = e.nearest(ctx, entry, vec)
		if err != nil {
			return err
		}
	}
	if err := e.store.SetExpectedComparisons(ctx, entryID, len(neighbors)); err != nil {
		return err
	}

	if len(neighbors) == 0 {
		flipped, err := e.store.CompleteIntegration(ctx, entryID, model.IntegrationIntegrated)
		if err != nil {
			return err
		}
		if flipped {
			e.logger.Info("entry integrated without neighbors", zap.String("entry", entryID))
		}
		return nil
	}

	for _, n := range neighbors {
		if _, err := e.queue.Enqueue(ctx, entry.CollectionID, model.JobCompareClaims, model.ComparePayload{
			EntryID:       entry.ID,
			AgainstID:     n.ID,
			Claims:        entry.Claims,
			AgainstClaims: n.Claims,
		}); err != nil {
			return err
		}
	}
	e.logger.Info("comparisons scheduled",
		zap.String("entry", entryID), zap.Int("neighbors", len(neighbors)))
	return nil
}

// nearest returns up to TopK embedded entries ranked by cosine similarity.
func (e *Engine) nearest(ctx context.Context, entry *model.Entry, vec []float64) ([]store.EmbeddedEntry, error) {
	candidates, err := e.store.ListEmbedded(ctx, entry.CollectionID, entry.ID)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return Cosine(vec, candidates[i].Embedding) > Cosine(vec, candidates[j].Embedding)
	})
	if len(candidates) > e.cfg.TopK {
		candidates = candidates[:e.cfg.TopK]
	}
	return candidates, nil
}

// ApplyComparison folds one comparison result into the entry and completes
// integration when the expected count is reached. The append and the status
// flip are both conditional store updates, so concurrent workers finishing
// the last two comparisons race safely: one of them observes the full count
// and wins the flip, the other's flip is a no-op.
func (e *Engine) ApplyComparison(ctx context.Context, payload *model.ComparePayload, result *model.CompareResult) error {
	total := result.Novel + result.Redundant + len(result.Contradictions)
	cmp := model.Comparison{
		AgainstID:     payload.AgainstID,
		Novel:         result.Novel,
		Redundant:     result.Redundant,
		Contradicting: len(result.Contradictions),
		ComparedAt:    time.Now().UTC(),
	}
	if total > 0 {
		cmp.Entropy = float64(result.Novel) / float64(total)
		cmp.Friction = float64(len(result.Contradictions)) / float64(total)
	}
	for _, c := range result.Contradictions {
		cmp.Severities = append(cmp.Severities, c.Severity)
	}

	p, err := e.store.AppendComparison(ctx, payload.EntryID, cmp, e.cfg.ReviewThreshold)
	if err != nil {
		return err
	}
	if p.Count < p.Expected {
		return nil
	}

	status := model.IntegrationIntegrated
	if p.MaxFriction > e.cfg.ReviewThreshold {
		status = model.IntegrationContested
	}
	flipped, err := e.store.CompleteIntegration(ctx, payload.EntryID, status)
	if err != nil {
		return err
	}
	if flipped {
		e.logger.Info("integration complete",
			zap.String("entry", payload.EntryID),
			zap.String("status", string(status)),
			zap.Float64("max_friction", p.MaxFriction))
	}
	return nil
}

// AbandonComparison accounts for a permanently failed comparison job by
// lowering the expected count, so the entry is not stuck pending forever.
// The decrement and the progress snapshot are a single conditional store
// update, so a comparison landing concurrently is counted before the flip
// decision and cannot strand the entry.
func (e *Engine) AbandonComparison(ctx context.Context, payload *model.ComparePayload) error {
	p, err := e.store.AbandonComparison(ctx, payload.EntryID)
	if err != nil {
		return err
	}
	if p == nil || p.Count < p.Expected {
		return nil
	}

	status := model.IntegrationIntegrated
	if p.MaxFriction > e.cfg.ReviewThreshold {
		status = model.IntegrationContested
	}
	if _, err := e.store.CompleteIntegration(ctx, payload.EntryID, status); err != nil {
		return eris.Wrapf(err, "compare: finalize after abandoned comparison %s", payload.EntryID)
	}
	return nil
}
