package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus/internal/audit"
	"github.com/sells-group/corpus/internal/claims"
	"github.com/sells-group/corpus/internal/compare"
	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/queue"
	"github.com/sells-group/corpus/internal/store"
)

func newTestPipeline(t *testing.T) (*Service, *queue.Service, *store.MemoryStore, string) {
	t.Helper()
	mem := store.NewMemory()
	q := queue.New(mem, audit.Nop{}, queue.Config{})
	ch := claims.NewChainer(mem, q, claims.Config{})
	eng := compare.New(mem, q, compare.Config{TopK: 5, ReviewThreshold: 0.2})
	svc := New(mem, q, ch, eng, audit.Nop{})

	c, err := mem.CreateCollection(context.Background(), "test", label.Label{})
	require.NoError(t, err)
	return svc, q, mem, c.ID
}

func TestWriteBatch_Validation(t *testing.T) {
	svc, _, _, colID := newTestPipeline(t)
	ctx := context.Background()
	idx := 0

	tests := []struct {
		name  string
		batch []model.NewEntry
	}{
		{"empty batch", nil},
		{"oversized batch", make([]model.NewEntry, MaxBatchSize+1)},
		{"no content", []model.NewEntry{{ContentType: "text/plain", Author: "a"}}},
		{"no content type", []model.NewEntry{{Content: []byte("x"), Author: "a"}}},
		{"no author", []model.NewEntry{{Content: []byte("x"), ContentType: "text/plain"}}},
		{"bad level", []model.NewEntry{{
			Content: []byte("x"), ContentType: "text/plain", Author: "a",
			Label: label.Label{Level: "EYES_ONLY"},
		}}},
		{"fragment index without parent", []model.NewEntry{{
			Content: []byte("x"), ContentType: "text/plain", Author: "a", FragmentIndex: &idx,
		}}},
		{"parent without fragment index", []model.NewEntry{{
			Content: []byte("x"), ContentType: "text/plain", Author: "a", FragmentOf: "p",
		}}},
		{"duplicate ids", []model.NewEntry{
			{ID: "dup", Content: []byte("x"), ContentType: "text/plain", Author: "a"},
			{ID: "dup", Content: []byte("y"), ContentType: "text/plain", Author: "a"},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.WriteBatch(ctx, colID, tt.batch, "actor")
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestWriteBatch_SeedsOneDistillPerPlainEntry(t *testing.T) {
	svc, q, _, colID := newTestPipeline(t)
	ctx := context.Background()

	entries, err := svc.WriteBatch(ctx, colID, []model.NewEntry{
		{Content: []byte("a"), ContentType: "text/plain", Author: "a1"},
		{Content: []byte("b"), ContentType: "text/plain", Author: "a1"},
	}, "actor")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	stats, err := q.Stats(ctx, colID)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[model.JobDistillClaims].Pending)
}

func TestWriteBatch_FragmentedArtifactSeedsOnlyFragmentZero(t *testing.T) {
	svc, q, _, colID := newTestPipeline(t)
	ctx := context.Background()

	parentID := "parent-1"
	batch := []model.NewEntry{{ID: parentID, Content: []byte("whole"), ContentType: "text/plain", Author: "a1"}}
	for i := 0; i < 3; i++ {
		idx := i
		batch = append(batch, model.NewEntry{
			Content: []byte(fmt.Sprintf("part %d", i)), ContentType: "text/plain", Author: "a1",
			FragmentOf: parentID, FragmentIndex: &idx,
		})
	}

	entries, err := svc.WriteBatch(ctx, colID, batch, "actor")
	require.NoError(t, err)
	require.Len(t, entries, 4)

	stats, err := q.Stats(ctx, colID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.JobDistillClaims].Pending, "only fragment 0 distills immediately")
}

// drainOne claims the next job of the given type and completes it with the
// supplied result, standing in for an external worker.
func drainOne(t *testing.T, q *queue.Service, colID string, jt model.JobType, result any) *model.Job {
	t.Helper()
	ctx := context.Background()
	job, err := q.ClaimNext(ctx, colID, jt, "test-worker", nil)
	require.NoError(t, err)
	require.NotNil(t, job, "expected a pending %s job", jt)

	raw, err := json.Marshal(result)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job.ID, "test-worker", raw))
	return job
}

func TestPipeline_EndToEnd_FragmentChainToContested(t *testing.T) {
	svc, q, mem, colID := newTestPipeline(t)
	ctx := context.Background()

	// a pre-existing neighbor, already integrated
	neighbor, err := svc.WriteBatch(ctx, colID, []model.NewEntry{
		{Content: []byte("the old account"), ContentType: "text/plain", Author: "a0"},
	}, "actor")
	require.NoError(t, err)
	drainOne(t, q, colID, model.JobDistillClaims, model.DistillResult{
		Claims: []model.Claim{{Text: "the bridge opened in 1901", Confidence: 0.9}},
	})
	drainOne(t, q, colID, model.JobEmbedClaims, model.EmbedResult{Embedding: []float64{1, 0}})
	got, err := mem.GetEntry(ctx, neighbor[0].ID)
	require.NoError(t, err)
	require.Equal(t, model.IntegrationIntegrated, got.IntegrationStatus, "first entry integrates without neighbors")

	// a 3-fragment document
	parentID := "doc-1"
	batch := []model.NewEntry{{ID: parentID, Content: []byte("full document"), ContentType: "text/plain", Author: "a1"}}
	for i := 0; i < 3; i++ {
		idx := i
		batch = append(batch, model.NewEntry{
			Content: []byte(fmt.Sprintf("section %d", i)), ContentType: "text/plain", Author: "a1",
			FragmentOf: parentID, FragmentIndex: &idx,
		})
	}
	_, err = svc.WriteBatch(ctx, colID, batch, "actor")
	require.NoError(t, err)

	// four distillations chain with growing context
	var contexts []int
	for i := 0; i < 4; i++ {
		job, err := q.ClaimNext(ctx, colID, model.JobDistillClaims, "test-worker", nil)
		require.NoError(t, err)
		require.NotNil(t, job, "distill job %d missing", i)

		var p model.DistillPayload
		require.NoError(t, json.Unmarshal(job.Payload, &p))
		contexts = append(contexts, len(p.Context))

		raw, err := json.Marshal(model.DistillResult{
			Claims: []model.Claim{{Text: fmt.Sprintf("claim from step %d", i), Confidence: 0.9}},
		})
		require.NoError(t, err)
		require.NoError(t, q.Complete(ctx, job.ID, "test-worker", raw))
	}
	assert.Equal(t, []int{0, 1, 2, 3}, contexts, "context accumulates fragment by fragment")

	parent, err := mem.GetEntry(ctx, parentID)
	require.NoError(t, err)
	require.Equal(t, model.ClaimsStatusReady, parent.ClaimsStatus)
	assert.NotEmpty(t, parent.Claims)

	// embedding near the neighbor fans out one comparison
	drainOne(t, q, colID, model.JobEmbedClaims, model.EmbedResult{Embedding: []float64{1, 0.01}})
	parent, err = mem.GetEntry(ctx, parentID)
	require.NoError(t, err)
	assert.Equal(t, 1, parent.ExpectedComparisons)

	// a forced contradiction pushes friction over the threshold
	compareJob := drainOne(t, q, colID, model.JobCompareClaims, model.CompareResult{
		Novel:          0,
		Contradictions: []model.Contradiction{{ClaimIndex: 0, Severity: 0.9}},
	})
	var cp model.ComparePayload
	require.NoError(t, json.Unmarshal(compareJob.Payload, &cp))
	assert.Equal(t, parentID, cp.EntryID)
	assert.Equal(t, neighbor[0].ID, cp.AgainstID)

	parent, err = mem.GetEntry(ctx, parentID)
	require.NoError(t, err)
	assert.Equal(t, model.IntegrationContested, parent.IntegrationStatus)
	assert.True(t, parent.NeedsReview)
	assert.InDelta(t, 1.0, parent.MaxFriction, 1e-9)

	// nothing left in the queue
	stats, err := q.Stats(ctx, colID)
	require.NoError(t, err)
	for jt, st := range stats {
		assert.Zero(t, st.Pending, "pending %s jobs remain", jt)
		assert.Zero(t, st.InProgress, "in-progress %s jobs remain", jt)
	}
}

func TestProcess_RedeliveredDistillResultIsSwallowed(t *testing.T) {
	svc, _, mem, colID := newTestPipeline(t)
	ctx := context.Background()

	entries, err := svc.WriteBatch(ctx, colID, []model.NewEntry{
		{Content: []byte("x"), ContentType: "text/plain", Author: "a1"},
	}, "actor")
	require.NoError(t, err)

	payload, err := json.Marshal(model.DistillPayload{EntryID: entries[0].ID})
	require.NoError(t, err)
	job := &model.Job{Type: model.JobDistillClaims, Payload: payload}
	result := &model.DistillResult{Claims: []model.Claim{{Text: "f", Confidence: 1}}}

	require.NoError(t, svc.Process(ctx, job, result))
	// a reclaimed worker delivering the same result again is not an error
	require.NoError(t, svc.Process(ctx, job, result))

	got, err := mem.GetEntry(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimsStatusReady, got.ClaimsStatus)
}

func TestPipeline_AbandonDistillParksEntry(t *testing.T) {
	svc, q, mem, colID := newTestPipeline(t)
	ctx := context.Background()

	entries, err := svc.WriteBatch(ctx, colID, []model.NewEntry{
		{Content: []byte("x"), ContentType: "text/plain", Author: "a1"},
	}, "actor")
	require.NoError(t, err)

	// exhaust all retries
	for {
		job, err := q.ClaimNext(ctx, colID, model.JobDistillClaims, "w1", nil)
		require.NoError(t, err)
		if job == nil {
			break
		}
		_, err = q.Fail(ctx, job.ID, "w1", "llm returned garbage")
		require.NoError(t, err)
	}

	e, err := mem.GetEntry(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, model.ClaimsStatusFailed, e.ClaimsStatus)
}
