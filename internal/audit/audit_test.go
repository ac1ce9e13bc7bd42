package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/store"
)

// failingStore wraps the memory store and fails audit inserts on demand:
// permanently when fail is set, or for the next N calls via failures.
type failingStore struct {
	store.Store
	mu       sync.Mutex
	fail     bool
	failures int
}

func (f *failingStore) InsertAuditEvents(ctx context.Context, events []model.AuditEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return eris.New("store down")
	}
	if f.failures > 0 {
		f.failures--
		return eris.New("store hiccup")
	}
	return f.Store.InsertAuditEvents(ctx, events)
}

func TestService_RecordAndFlush(t *testing.T) {
	mem := store.NewMemory()
	svc := New(mem, Config{BufferSize: 16, BatchSize: 4, FlushInterval: 10 * time.Millisecond})

	svc.Record("alice", "entry.write", "entries/e1", "col-1", "")
	svc.Record("bob", "job.claim", "jobs/j1", "col-1", "")
	require.NoError(t, svc.Close())

	got, err := mem.QueryAuditEvents(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, ev := range got {
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestService_DropsOldestWhenFull(t *testing.T) {
	// no run loop: exercises the buffer policy in isolation
	svc := &Service{
		cfg:    Config{BufferSize: 2}.withDefaults(),
		logger: zap.NewNop(),
		events: make(chan model.AuditEvent, 2),
		done:   make(chan struct{}),
	}

	for i := 0; i < 5; i++ {
		svc.Record("w", fmt.Sprintf("action.%d", i), "r", "", "")
	}

	assert.Equal(t, int64(3), svc.dropped)
	require.Len(t, svc.events, 2)
	first := <-svc.events
	second := <-svc.events
	assert.Equal(t, "action.3", first.Action, "oldest events are the ones dropped")
	assert.Equal(t, "action.4", second.Action)
}

func TestService_SpillsToOverflowFile(t *testing.T) {
	fs := &failingStore{Store: store.NewMemory(), fail: true}
	overflow := filepath.Join(t.TempDir(), "audit.jsonl")
	svc := New(fs, Config{BufferSize: 16, BatchSize: 4, FlushInterval: 10 * time.Millisecond, OverflowPath: overflow})

	svc.Record("alice", "entry.write", "entries/e1", "col-1", "")
	require.NoError(t, svc.Close())

	f, err := os.Open(overflow)
	require.NoError(t, err)
	defer f.Close()

	var events []model.AuditEvent
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev model.AuditEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}
	require.Len(t, events, 1)
	assert.Equal(t, "entry.write", events[0].Action)
}

func TestService_RetriesFlushBeforeSpilling(t *testing.T) {
	fs := &failingStore{Store: store.NewMemory(), failures: 2}
	overflow := filepath.Join(t.TempDir(), "audit.jsonl")
	svc := New(fs, Config{BufferSize: 16, BatchSize: 4, FlushInterval: 10 * time.Millisecond, OverflowPath: overflow})

	svc.Record("alice", "entry.write", "entries/e1", "col-1", "")
	require.NoError(t, svc.Close())

	got, err := fs.Store.QueryAuditEvents(context.Background(), store.AuditFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1, "a transient store failure is retried, not spilled")

	_, err = os.Stat(overflow)
	assert.True(t, os.IsNotExist(err), "recovered flush must not spill")
}

func TestService_RecordAfterCloseIsSafe(t *testing.T) {
	svc := New(store.NewMemory(), Config{})
	require.NoError(t, svc.Close())
	svc.Record("alice", "entry.write", "entries/e1", "", "")
	require.NoError(t, svc.Close())
}
