package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus/internal/audit"
	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/store"
)

type stubProcessor struct {
	processed []model.JobType
	abandoned []string
	fail      error
}

func (p *stubProcessor) Process(ctx context.Context, job *model.Job, result any) error {
	if p.fail != nil {
		return p.fail
	}
	p.processed = append(p.processed, job.Type)
	return nil
}

func (p *stubProcessor) Abandon(ctx context.Context, job *model.Job) error {
	p.abandoned = append(p.abandoned, job.ID)
	return nil
}

func newTestService(t *testing.T) (*Service, *store.MemoryStore, *stubProcessor) {
	t.Helper()
	mem := store.NewMemory()
	svc := New(mem, audit.Nop{}, Config{MaxRetries: 1})
	p := &stubProcessor{}
	svc.SetProcessor(p)
	return svc, mem, p
}

func newTestCollection(t *testing.T, mem *store.MemoryStore, l label.Label) string {
	t.Helper()
	c, err := mem.CreateCollection(context.Background(), "test", l)
	require.NoError(t, err)
	return c.ID
}

func TestService_EnqueueAndClaim(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	colID := newTestCollection(t, mem, label.Label{})

	job, err := svc.Enqueue(ctx, colID, model.JobDistillClaims, model.DistillPayload{
		EntryID: "e1", ContentType: "text/plain", Content: "hello",
	})
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, job.Status)

	claimed, err := svc.ClaimNext(ctx, colID, "", "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, job.ID, claimed.ID)

	var payload model.DistillPayload
	require.NoError(t, json.Unmarshal(claimed.Payload, &payload))
	assert.Equal(t, "e1", payload.EntryID)

	// queue is now empty
	next, err := svc.ClaimNext(ctx, colID, "", "w2", nil)
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestService_EnqueueRejectsUnknownType(t *testing.T) {
	svc, mem, _ := newTestService(t)
	colID := newTestCollection(t, mem, label.Label{})

	_, err := svc.Enqueue(context.Background(), colID, "SUMMARIZE", nil)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestService_ClaimRequiresWorkerID(t *testing.T) {
	svc, mem, _ := newTestService(t)
	colID := newTestCollection(t, mem, label.Label{})

	_, err := svc.ClaimNext(context.Background(), colID, "", "", nil)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestService_CompleteRunsProcessor(t *testing.T) {
	svc, mem, p := newTestService(t)
	ctx := context.Background()
	colID := newTestCollection(t, mem, label.Label{})

	_, err := svc.Enqueue(ctx, colID, model.JobClassifyTopic, model.ClassifyPayload{EntryID: "e1", Content: "x"})
	require.NoError(t, err)
	job, err := svc.ClaimNext(ctx, colID, "", "w1", nil)
	require.NoError(t, err)

	err = svc.Complete(ctx, job.ID, "w1", json.RawMessage(`{"topic":"physics"}`))
	require.NoError(t, err)
	assert.Equal(t, []model.JobType{model.JobClassifyTopic}, p.processed)

	got, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusCompleted, got.Status)
}

func TestService_CompleteRejectsWrongClaimant(t *testing.T) {
	svc, mem, p := newTestService(t)
	ctx := context.Background()
	colID := newTestCollection(t, mem, label.Label{})

	_, err := svc.Enqueue(ctx, colID, model.JobClassifyTopic, model.ClassifyPayload{EntryID: "e1"})
	require.NoError(t, err)
	job, err := svc.ClaimNext(ctx, colID, "", "w1", nil)
	require.NoError(t, err)

	err = svc.Complete(ctx, job.ID, "w2", json.RawMessage(`{"topic":"x"}`))
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Empty(t, p.processed, "processor must not run for a stale claimant")
}

func TestService_CompleteRejectsInvalidResult(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	colID := newTestCollection(t, mem, label.Label{})

	_, err := svc.Enqueue(ctx, colID, model.JobEmbedClaims, model.EmbedPayload{EntryID: "e1"})
	require.NoError(t, err)
	job, err := svc.ClaimNext(ctx, colID, "", "w1", nil)
	require.NoError(t, err)

	err = svc.Complete(ctx, job.ID, "w1", json.RawMessage(`{"embedding":[]}`))
	assert.ErrorIs(t, err, model.ErrValidation)

	// the job stays claimed so the worker can retry the submission
	got, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusInProgress, got.Status)
}

func TestService_ProcessorFailureFailsJob(t *testing.T) {
	svc, mem, p := newTestService(t)
	ctx := context.Background()
	colID := newTestCollection(t, mem, label.Label{})
	p.fail = eris.New("downstream write failed")

	_, err := svc.Enqueue(ctx, colID, model.JobClassifyTopic, model.ClassifyPayload{EntryID: "e1"})
	require.NoError(t, err)
	job, err := svc.ClaimNext(ctx, colID, "", "w1", nil)
	require.NoError(t, err)

	err = svc.Complete(ctx, job.ID, "w1", json.RawMessage(`{"topic":"x"}`))
	require.Error(t, err)

	got, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, got.Status, "retries remain, job requeues")
	assert.Contains(t, got.LastError, "downstream write failed")
}

func TestService_FailExhaustsRetriesAndAbandons(t *testing.T) {
	svc, mem, p := newTestService(t)
	ctx := context.Background()
	colID := newTestCollection(t, mem, label.Label{})

	job, err := svc.Enqueue(ctx, colID, model.JobDistillClaims, model.DistillPayload{EntryID: "e1"})
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, colID, "", "w1", nil)
	require.NoError(t, err)
	status, err := svc.Fail(ctx, claimed.ID, "w1", "model unavailable")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusPending, status)
	assert.Empty(t, p.abandoned)

	claimed, err = svc.ClaimNext(ctx, colID, "", "w1", nil)
	require.NoError(t, err)
	status, err = svc.Fail(ctx, claimed.ID, "w1", "model unavailable")
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, status)
	assert.Equal(t, []string{job.ID}, p.abandoned)
}

func TestService_ReclaimHandsTimedOutJobToNewWorker(t *testing.T) {
	mem := store.NewMemory()
	svc := New(mem, audit.Nop{}, Config{DefaultTimeout: time.Nanosecond, MaxRetries: 2})
	p := &stubProcessor{}
	svc.SetProcessor(p)
	ctx := context.Background()
	colID := newTestCollection(t, mem, label.Label{})

	job, err := svc.Enqueue(ctx, colID, model.JobDistillClaims, model.DistillPayload{EntryID: "e1"})
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, colID, "", "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// w1 goes silent; its claim expires and the next poll hands the job over
	reclaimed, err := svc.ClaimNext(ctx, colID, "", "w2", nil)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)
	assert.Equal(t, "w2", reclaimed.ClaimedBy)
	assert.Equal(t, 1, reclaimed.RetryCount)

	// w1's late completion is rejected and nothing is processed twice
	err = svc.Complete(ctx, job.ID, "w1", json.RawMessage(`{"claims":[{"text":"x","confidence":1}]}`))
	assert.ErrorIs(t, err, model.ErrConflict)
	assert.Empty(t, p.processed)
}

func TestService_ReclaimExhaustsRetriesIntoFailed(t *testing.T) {
	mem := store.NewMemory()
	svc := New(mem, audit.Nop{}, Config{DefaultTimeout: time.Nanosecond, MaxRetries: 1})
	svc.SetProcessor(&stubProcessor{})
	ctx := context.Background()
	colID := newTestCollection(t, mem, label.Label{})

	job, err := svc.Enqueue(ctx, colID, model.JobDistillClaims, model.DistillPayload{EntryID: "e1"})
	require.NoError(t, err)

	claimed, err := svc.ClaimNext(ctx, colID, "", "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	claimed, err = svc.ClaimNext(ctx, colID, "", "w2", nil)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, 1, claimed.RetryCount)

	// w2 times out too; retries are spent, so the job parks as failed
	next, err := svc.ClaimNext(ctx, colID, "", "w3", nil)
	require.NoError(t, err)
	assert.Nil(t, next)

	got, err := mem.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, model.JobStatusFailed, got.Status)
	assert.Contains(t, got.LastError, "timed out")
}

func TestService_ClaimFiltersByClearance(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	colID := newTestCollection(t, mem, label.Label{Level: label.LevelSecret})

	_, err := svc.Enqueue(ctx, colID, model.JobDistillClaims, model.DistillPayload{EntryID: "e1"})
	require.NoError(t, err)

	low := label.Default()
	job, err := svc.ClaimNext(ctx, colID, "", "w1", &low)
	require.NoError(t, err)
	assert.Nil(t, job, "under-cleared workers see an empty queue")

	high := label.Clearance{Level: label.LevelTopSecret}
	job, err = svc.ClaimNext(ctx, colID, "", "w1", &high)
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestService_Stats(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	colID := newTestCollection(t, mem, label.Label{})

	_, err := svc.Enqueue(ctx, colID, model.JobDistillClaims, model.DistillPayload{EntryID: "e1"})
	require.NoError(t, err)
	_, err = svc.Enqueue(ctx, colID, model.JobEmbedClaims, model.EmbedPayload{EntryID: "e1"})
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, colID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.JobDistillClaims].Pending)
	assert.Equal(t, 1, stats[model.JobEmbedClaims].Pending)
}
