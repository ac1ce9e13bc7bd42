package compare

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/store"
)

type recordingQueue struct {
	jobs []model.ComparePayload
}

func (q *recordingQueue) Enqueue(ctx context.Context, collectionID string, t model.JobType, payload any) (*model.Job, error) {
	q.jobs = append(q.jobs, payload.(model.ComparePayload))
	return &model.Job{ID: "job", CollectionID: collectionID, Type: t}, nil
}

func setup(t *testing.T, cfg Config) (*Engine, *store.MemoryStore, *recordingQueue, string) {
	t.Helper()
	mem := store.NewMemory()
	q := &recordingQueue{}
	e := New(mem, q, cfg)
	c, err := mem.CreateCollection(context.Background(), "test", label.Label{})
	require.NoError(t, err)
	return e, mem, q, c.ID
}

func addEntry(t *testing.T, mem *store.MemoryStore, colID string, claims []model.Claim, vec []float64) string {
	t.Helper()
	ctx := context.Background()
	entries, err := mem.CreateEntries(ctx, colID, []model.NewEntry{
		{Content: []byte("x"), ContentType: "text/plain", Author: "a1"},
	})
	require.NoError(t, err)
	id := entries[0].ID
	if claims != nil {
		require.NoError(t, mem.SetClaims(ctx, id, claims))
	}
	if vec != nil {
		require.NoError(t, mem.SetEmbedding(ctx, id, vec))
	}
	return id
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 0}, []float64{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, Cosine([]float64{1, 0}, []float64{-1, 0}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float64{1, 0}, []float64{1}), "dimension mismatch")
	assert.Equal(t, 0.0, Cosine([]float64{0, 0}, []float64{1, 1}), "zero vector")
}

func TestEngine_FirstEntryIntegratesImmediately(t *testing.T) {
	e, mem, q, colID := setup(t, Config{})
	ctx := context.Background()
	id := addEntry(t, mem, colID, []model.Claim{{Text: "c", Confidence: 1}}, nil)

	require.NoError(t, e.OnEmbedding(ctx, id, []float64{1, 0}))

	assert.Empty(t, q.jobs)
	got, err := mem.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IntegrationIntegrated, got.IntegrationStatus)
	assert.Equal(t, 0, got.ExpectedComparisons)
}

func TestEngine_SkipComparisonsIntegratesDespiteNeighbors(t *testing.T) {
	e, mem, q, colID := setup(t, Config{SkipComparisons: true})
	ctx := context.Background()

	addEntry(t, mem, colID, []model.Claim{{Text: "n", Confidence: 1}}, []float64{1, 0})
	id := addEntry(t, mem, colID, []model.Claim{{Text: "c", Confidence: 1}}, nil)

	require.NoError(t, e.OnEmbedding(ctx, id, []float64{1, 0}))

	assert.Empty(t, q.jobs)
	got, err := mem.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IntegrationIntegrated, got.IntegrationStatus)
}

func TestEngine_FansOutToNearestNeighbors(t *testing.T) {
	e, mem, q, colID := setup(t, Config{TopK: 2})
	ctx := context.Background()

	near := addEntry(t, mem, colID, []model.Claim{{Text: "n", Confidence: 1}}, []float64{1, 0})
	mid := addEntry(t, mem, colID, []model.Claim{{Text: "m", Confidence: 1}}, []float64{1, 1})
	far := addEntry(t, mem, colID, []model.Claim{{Text: "f", Confidence: 1}}, []float64{0, 1})

	id := addEntry(t, mem, colID, []model.Claim{{Text: "new", Confidence: 1}}, nil)
	require.NoError(t, e.OnEmbedding(ctx, id, []float64{1, 0.1}))

	require.Len(t, q.jobs, 2, "fan-out capped at TopK")
	targets := map[string]bool{q.jobs[0].AgainstID: true, q.jobs[1].AgainstID: true}
	assert.True(t, targets[near])
	assert.True(t, targets[mid])
	assert.False(t, targets[far], "farthest neighbor excluded")

	got, err := mem.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ExpectedComparisons)
	assert.Equal(t, model.IntegrationPending, got.IntegrationStatus)
}

func TestEngine_ApplyComparisonScores(t *testing.T) {
	e, mem, _, colID := setup(t, Config{})
	ctx := context.Background()
	id := addEntry(t, mem, colID, nil, nil)
	require.NoError(t, mem.SetExpectedComparisons(ctx, id, 2))

	payload := &model.ComparePayload{EntryID: id, AgainstID: "n1"}
	require.NoError(t, e.ApplyComparison(ctx, payload, &model.CompareResult{
		Novel: 3, Redundant: 1,
		Contradictions: []model.Contradiction{{ClaimIndex: 0, Severity: 0.9}},
	}))

	got, err := mem.GetEntry(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Comparisons, 1)
	cmp := got.Comparisons[0]
	assert.InDelta(t, 0.6, cmp.Entropy, 1e-9)
	assert.InDelta(t, 0.2, cmp.Friction, 1e-9)
	assert.Equal(t, []float64{0.9}, cmp.Severities)
	assert.Equal(t, model.IntegrationPending, got.IntegrationStatus, "one comparison still outstanding")
}

func TestEngine_LastComparisonFlipsIntegrated(t *testing.T) {
	e, mem, _, colID := setup(t, Config{ReviewThreshold: 0.2})
	ctx := context.Background()
	id := addEntry(t, mem, colID, nil, nil)
	require.NoError(t, mem.SetExpectedComparisons(ctx, id, 2))

	for i := 0; i < 2; i++ {
		require.NoError(t, e.ApplyComparison(ctx,
			&model.ComparePayload{EntryID: id, AgainstID: fmt.Sprintf("n%d", i)},
			&model.CompareResult{Novel: 4, Redundant: 1}))
	}

	got, err := mem.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IntegrationIntegrated, got.IntegrationStatus)
	assert.False(t, got.NeedsReview)
}

func TestEngine_HighFrictionLandsContested(t *testing.T) {
	e, mem, _, colID := setup(t, Config{ReviewThreshold: 0.2})
	ctx := context.Background()
	id := addEntry(t, mem, colID, nil, nil)
	require.NoError(t, mem.SetExpectedComparisons(ctx, id, 1))

	require.NoError(t, e.ApplyComparison(ctx,
		&model.ComparePayload{EntryID: id, AgainstID: "n1"},
		&model.CompareResult{
			Novel: 1,
			Contradictions: []model.Contradiction{
				{ClaimIndex: 0, Severity: 0.8},
				{ClaimIndex: 1, Severity: 0.5},
			},
		}))

	got, err := mem.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IntegrationContested, got.IntegrationStatus)
	assert.True(t, got.NeedsReview)
	assert.InDelta(t, 2.0/3.0, got.MaxFriction, 1e-9)
}

func TestEngine_ReapplyAfterFlipIsNoOp(t *testing.T) {
	e, mem, _, colID := setup(t, Config{})
	ctx := context.Background()
	id := addEntry(t, mem, colID, nil, nil)
	require.NoError(t, mem.SetExpectedComparisons(ctx, id, 1))

	result := &model.CompareResult{Novel: 1}
	payload := &model.ComparePayload{EntryID: id, AgainstID: "n1"}
	require.NoError(t, e.ApplyComparison(ctx, payload, result))
	require.NoError(t, e.ApplyComparison(ctx, payload, result))

	got, err := mem.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.IntegrationIntegrated, got.IntegrationStatus)
}

func TestEngine_DuplicateDeliveryDoesNotDoubleCount(t *testing.T) {
	e, mem, _, colID := setup(t, Config{})
	ctx := context.Background()
	id := addEntry(t, mem, colID, nil, nil)
	require.NoError(t, mem.SetExpectedComparisons(ctx, id, 2))

	// A reclaimed worker and the new claimant can both deliver the same
	// comparison; only one may count toward the expected total.
	payload := &model.ComparePayload{EntryID: id, AgainstID: "n1"}
	result := &model.CompareResult{Novel: 1}
	require.NoError(t, e.ApplyComparison(ctx, payload, result))
	require.NoError(t, e.ApplyComparison(ctx, payload, result))

	got, err := mem.GetEntry(ctx, id)
	require.NoError(t, err)
	require.Len(t, got.Comparisons, 1)
	assert.Equal(t, model.IntegrationPending, got.IntegrationStatus,
		"one neighbor still outstanding")
}

func TestEngine_AbandonCountsComparisonsAlreadyLanded(t *testing.T) {
	e, mem, _, colID := setup(t, Config{ReviewThreshold: 0.2})
	ctx := context.Background()
	id := addEntry(t, mem, colID, nil, nil)
	require.NoError(t, mem.SetExpectedComparisons(ctx, id, 2))

	require.NoError(t, e.ApplyComparison(ctx,
		&model.ComparePayload{EntryID: id, AgainstID: "n1"},
		&model.CompareResult{Novel: 2}))
	require.NoError(t, e.AbandonComparison(ctx, &model.ComparePayload{EntryID: id, AgainstID: "n2"}))

	got, err := mem.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExpectedComparisons)
	assert.Equal(t, model.IntegrationIntegrated, got.IntegrationStatus)
}

func TestEngine_AbandonLastComparisonFinalizes(t *testing.T) {
	e, mem, _, colID := setup(t, Config{})
	ctx := context.Background()
	id := addEntry(t, mem, colID, nil, nil)
	require.NoError(t, mem.SetExpectedComparisons(ctx, id, 1))

	require.NoError(t, e.AbandonComparison(ctx, &model.ComparePayload{EntryID: id, AgainstID: "n1"}))

	got, err := mem.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, got.ExpectedComparisons)
	assert.Equal(t, model.IntegrationIntegrated, got.IntegrationStatus)
}
