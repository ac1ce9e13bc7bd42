package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLite(filepath.Join(t.TempDir(), "corpus.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func TestSQLiteStore_EntryRoundTrip(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	c, err := s.CreateCollection(ctx, "notes", label.Label{
		Level: label.LevelConfidential, Compartments: []string{"CRYPTO"},
	})
	require.NoError(t, err)

	idx := 0
	entries, err := s.CreateEntries(ctx, c.ID, []model.NewEntry{
		{Content: []byte("parent"), ContentType: "text/plain", Author: "a1", Refs: []string{"other-id"}},
		{Content: []byte("frag"), ContentType: "text/plain", Author: "a1", FragmentOf: "parent-id", FragmentIndex: &idx},
	})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(1), entries[0].Seq)
	assert.Equal(t, int64(2), entries[1].Seq)

	got, err := s.GetEntry(ctx, entries[0].ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("parent"), got.Content)
	assert.Equal(t, []string{"other-id"}, got.Refs)
	assert.Equal(t, model.ClaimsStatusPending, got.ClaimsStatus)

	frag, err := s.GetFragment(ctx, "parent-id", 0)
	require.NoError(t, err)
	assert.Equal(t, entries[1].ID, frag.ID)

	_, err = s.GetEntry(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestSQLiteStore_ClaimsLifecycle(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	c, err := s.CreateCollection(ctx, "notes", label.Label{})
	require.NoError(t, err)
	entries, err := s.CreateEntries(ctx, c.ID, []model.NewEntry{
		{Content: []byte("x"), ContentType: "text/plain", Author: "a1"},
	})
	require.NoError(t, err)
	id := entries[0].ID

	claims := []model.Claim{{Text: "water is wet", Confidence: 0.8}}
	require.NoError(t, s.SetClaims(ctx, id, claims))
	assert.ErrorIs(t, s.SetClaims(ctx, id, claims), model.ErrConflict)

	require.NoError(t, s.SetEmbedding(ctx, id, []float64{0.1, 0.2}))
	require.NoError(t, s.SetExpectedComparisons(ctx, id, 1))

	p, err := s.AppendComparison(ctx, id, model.Comparison{
		AgainstID: "n1", Contradicting: 1, Friction: 0.5, ComparedAt: time.Now().UTC(),
	}, 0.2)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Count)
	assert.Equal(t, 1, p.Expected)
	assert.Equal(t, 0.5, p.MaxFriction)

	// redelivered result for the same neighbor changes nothing
	p, err = s.AppendComparison(ctx, id, model.Comparison{
		AgainstID: "n1", Friction: 0.9, ComparedAt: time.Now().UTC(),
	}, 0.2)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Count)
	assert.Equal(t, 0.5, p.MaxFriction)

	flipped, err := s.CompleteIntegration(ctx, id, model.IntegrationContested)
	require.NoError(t, err)
	assert.True(t, flipped)

	got, err := s.GetEntry(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.NeedsReview)
	assert.Equal(t, model.IntegrationContested, got.IntegrationStatus)
	assert.Equal(t, []float64{0.1, 0.2}, got.Embedding)
	require.Len(t, got.Comparisons, 1)
	assert.Equal(t, "n1", got.Comparisons[0].AgainstID)
}

func TestSQLiteStore_AbandonComparison(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	c, err := s.CreateCollection(ctx, "notes", label.Label{})
	require.NoError(t, err)
	entries, err := s.CreateEntries(ctx, c.ID, []model.NewEntry{
		{Content: []byte("x"), ContentType: "text/plain", Author: "a1"},
	})
	require.NoError(t, err)
	id := entries[0].ID
	require.NoError(t, s.SetExpectedComparisons(ctx, id, 1))

	p, err := s.AbandonComparison(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, 0, p.Count)
	assert.Equal(t, 0, p.Expected)

	flipped, err := s.CompleteIntegration(ctx, id, model.IntegrationIntegrated)
	require.NoError(t, err)
	assert.True(t, flipped)

	p, err = s.AbandonComparison(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, p, "terminal entries are left alone")
}

func TestSQLiteStore_JobLifecycle(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	c, err := s.CreateCollection(ctx, "notes", label.Label{Level: label.LevelSecret})
	require.NoError(t, err)

	job := newTestJob(c.ID)
	require.NoError(t, s.EnqueueJob(ctx, job))

	// under-cleared worker is silently filtered
	j, err := s.ClaimNextJob(ctx, ClaimRequest{
		CollectionID: c.ID, WorkerID: "w1",
		Clearance: &label.Clearance{Level: label.LevelInternal},
	})
	require.NoError(t, err)
	assert.Nil(t, j)

	j, err = s.ClaimNextJob(ctx, ClaimRequest{
		CollectionID: c.ID, WorkerID: "w1",
		Clearance: &label.Clearance{Level: label.LevelSecret},
	})
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, model.JobStatusInProgress, j.Status)
	assert.Equal(t, 5*time.Minute, j.Timeout)

	assert.ErrorIs(t, s.CompleteJob(ctx, j.ID, "w2"), model.ErrConflict)
	require.NoError(t, s.CompleteJob(ctx, j.ID, "w1"))

	stats, err := s.JobStats(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[model.JobDistillClaims].Completed)
}

func TestSQLiteStore_AuditAndClearances(t *testing.T) {
	s := newTestSQLite(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, s.InsertAuditEvents(ctx, []model.AuditEvent{
		{ID: "1", Actor: "alice", Action: "entry.write", Resource: "entries/e1", Timestamp: now.Add(-time.Hour)},
		{ID: "2", Actor: "bob", Action: "job.claim", Resource: "jobs/j1", Timestamp: now},
	}))

	got, err := s.QueryAuditEvents(ctx, AuditFilter{Actor: "alice"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "entry.write", got[0].Action)

	require.NoError(t, s.UpsertClearance(ctx, model.Clearance{
		AuthorID: "alice", OrgID: "org1",
		Grant: label.Clearance{Level: label.LevelSecret, Compartments: []string{"B", "A", "A"}},
	}))
	c, err := s.GetClearance(ctx, "alice", "org1")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, []string{"A", "B"}, c.Grant.Compartments)

	all, err := s.ListClearances(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteClearance(ctx, "alice", "org1"))
	c, err = s.GetClearance(ctx, "alice", "org1")
	require.NoError(t, err)
	assert.Nil(t, c)
}
