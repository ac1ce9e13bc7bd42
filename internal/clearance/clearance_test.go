package clearance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/store"
)

func TestService_ResolveDefaultsToPublic(t *testing.T) {
	svc := New(store.NewMemory(), Config{})

	grant, err := svc.Resolve(context.Background(), "nobody", "nowhere")
	require.NoError(t, err)
	assert.Equal(t, label.Default(), grant)
}

func TestService_ResolveCachesAndInvalidates(t *testing.T) {
	mem := store.NewMemory()
	svc := New(mem, Config{})
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, model.Clearance{
		AuthorID: "alice", OrgID: "org1",
		Grant: label.Clearance{Level: label.LevelSecret, Compartments: []string{"CRYPTO"}},
	}))

	grant, err := svc.Resolve(ctx, "alice", "org1")
	require.NoError(t, err)
	assert.Equal(t, label.LevelSecret, grant.Level)

	// a write through the service is visible immediately despite the cache
	require.NoError(t, svc.Upsert(ctx, model.Clearance{
		AuthorID: "alice", OrgID: "org1",
		Grant: label.Clearance{Level: label.LevelTopSecret},
	}))
	grant, err = svc.Resolve(ctx, "alice", "org1")
	require.NoError(t, err)
	assert.Equal(t, label.LevelTopSecret, grant.Level)

	// an out-of-band write is masked until the cache is flushed
	require.NoError(t, mem.UpsertClearance(ctx, model.Clearance{
		AuthorID: "alice", OrgID: "org1",
		Grant: label.Clearance{Level: label.LevelPublic},
	}))
	grant, err = svc.Resolve(ctx, "alice", "org1")
	require.NoError(t, err)
	assert.Equal(t, label.LevelTopSecret, grant.Level)

	svc.Flush()
	grant, err = svc.Resolve(ctx, "alice", "org1")
	require.NoError(t, err)
	assert.Equal(t, label.LevelPublic, grant.Level)
}

func TestService_UpsertRejectsUnknownLevel(t *testing.T) {
	svc := New(store.NewMemory(), Config{})

	err := svc.Upsert(context.Background(), model.Clearance{
		AuthorID: "alice", OrgID: "org1",
		Grant: label.Clearance{Level: "ULTRAVIOLET"},
	})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestService_DeleteRevertsToDefault(t *testing.T) {
	svc := New(store.NewMemory(), Config{})
	ctx := context.Background()

	require.NoError(t, svc.Upsert(ctx, model.Clearance{
		AuthorID: "alice", OrgID: "org1",
		Grant: label.Clearance{Level: label.LevelSecret},
	}))
	_, err := svc.Resolve(ctx, "alice", "org1")
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, "alice", "org1"))
	grant, err := svc.Resolve(ctx, "alice", "org1")
	require.NoError(t, err)
	assert.Equal(t, label.Default(), grant)
}
