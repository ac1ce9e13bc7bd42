package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/corpus/internal/audit"
	"github.com/sells-group/corpus/internal/claims"
	"github.com/sells-group/corpus/internal/clearance"
	"github.com/sells-group/corpus/internal/compare"
	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/pipeline"
	"github.com/sells-group/corpus/internal/queue"
	"github.com/sells-group/corpus/internal/store"
)

const (
	adminAuthor = "admin-1"
	adminOrg    = "hq"
)

type testEnv struct {
	srv *httptest.Server
	mem *store.MemoryStore
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	mem := store.NewMemory()
	q := queue.New(mem, audit.Nop{}, queue.Config{})
	ch := claims.NewChainer(mem, q, claims.Config{})
	eng := compare.New(mem, q, compare.Config{})
	p := pipeline.New(mem, q, ch, eng, audit.Nop{})
	cl := clearance.New(mem, clearance.Config{})

	require.NoError(t, mem.UpsertClearance(context.Background(), model.Clearance{
		AuthorID: adminAuthor,
		OrgID:    adminOrg,
		Grant:    label.Clearance{Level: label.LevelTopSecret},
	}))

	s := New(mem, p, q, ch, cl, audit.Nop{})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, mem: mem}
}

// do issues a JSON request. Empty author omits the identity headers.
func (e *testEnv) do(t *testing.T, method, path, author, org string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, buf)
	require.NoError(t, err)
	if author != "" {
		req.Header.Set(headerAuthor, author)
		req.Header.Set(headerOrg, org)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, raw
}

func (e *testEnv) createCollection(t *testing.T, name string, l label.Label) string {
	t.Helper()
	resp, raw := e.do(t, http.MethodPost, "/collections", adminAuthor, adminOrg,
		map[string]any{"name": name, "label": l})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))
	var col model.Collection
	require.NoError(t, json.Unmarshal(raw, &col))
	return col.ID
}

func TestHealth(t *testing.T) {
	env := newTestServer(t)
	resp, raw := env.do(t, http.MethodGet, "/health", "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(raw))
}

func TestCreateCollection_AdminGate(t *testing.T) {
	env := newTestServer(t)
	body := map[string]any{"name": "c"}

	resp, _ := env.do(t, http.MethodPost, "/collections", "", "", body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "no identity")

	resp, _ = env.do(t, http.MethodPost, "/collections", "peon", "hq", body)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode, "default clearance")

	resp, _ = env.do(t, http.MethodPost, "/collections", adminAuthor, adminOrg, body)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
}

func TestWriteBatch_AndClaimJob(t *testing.T) {
	env := newTestServer(t)
	colID := env.createCollection(t, "notes", label.Label{})

	resp, raw := env.do(t, http.MethodPost, "/collections/"+colID+"/batch", "author-1", "hq",
		[]model.NewEntry{{Content: []byte("hello"), ContentType: "text/plain", Author: "author-1"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(raw))

	var entries []model.Entry
	require.NoError(t, json.Unmarshal(raw, &entries))
	require.Len(t, entries, 1)

	resp, raw = env.do(t, http.MethodGet,
		"/collections/"+colID+"/jobs/next?worker_id=w1&type="+string(model.JobDistillClaims), "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var job model.Job
	require.NoError(t, json.Unmarshal(raw, &job))
	assert.Equal(t, model.JobDistillClaims, job.Type)
	assert.Equal(t, "w1", job.ClaimedBy)

	// nothing left
	resp, _ = env.do(t, http.MethodGet, "/collections/"+colID+"/jobs/next?worker_id=w2", "", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestWriteBatch_ValidationMapsTo400(t *testing.T) {
	env := newTestServer(t)
	colID := env.createCollection(t, "notes", label.Label{})

	resp, _ := env.do(t, http.MethodPost, "/collections/"+colID+"/batch", "", "",
		[]model.NewEntry{{ContentType: "text/plain", Author: "a"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClaimNext_ClearanceFiltersSilently(t *testing.T) {
	env := newTestServer(t)
	colID := env.createCollection(t, "secrets", label.Label{Level: label.LevelSecret})

	resp, _ := env.do(t, http.MethodPost, "/collections/"+colID+"/batch", "", "",
		[]model.NewEntry{{Content: []byte("x"), ContentType: "text/plain", Author: "a"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// an identified but under-cleared worker sees an empty queue
	resp, _ = env.do(t, http.MethodGet, "/collections/"+colID+"/jobs/next?worker_id=w1", "lowly", "hq", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// no identity at all bypasses admission control
	resp, _ = env.do(t, http.MethodGet, "/collections/"+colID+"/jobs/next?worker_id=w1", "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCompleteJob_LifecycleOverHTTP(t *testing.T) {
	env := newTestServer(t)
	colID := env.createCollection(t, "notes", label.Label{})

	resp, _ := env.do(t, http.MethodPost, "/collections/"+colID+"/batch", "", "",
		[]model.NewEntry{{Content: []byte("x"), ContentType: "text/plain", Author: "a"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, raw := env.do(t, http.MethodGet, "/collections/"+colID+"/jobs/next?worker_id=w1", "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job model.Job
	require.NoError(t, json.Unmarshal(raw, &job))

	result := model.DistillResult{Claims: []model.Claim{{Text: "a fact", Confidence: 0.8}}}

	// wrong claimant conflicts
	resp, _ = env.do(t, http.MethodPost, "/collections/"+colID+"/jobs/"+job.ID+"/complete", "", "",
		map[string]any{"worker_id": "w2", "result": result})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/collections/"+colID+"/jobs/"+job.ID+"/complete", "", "",
		map[string]any{"worker_id": "w1", "result": result})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// claims landed and the chain seeded the embed job
	resp, raw = env.do(t, http.MethodGet, "/collections/"+colID+"/jobs/stats", "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[model.JobType]model.JobStats
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.Equal(t, 1, stats[model.JobEmbedClaims].Pending)
}

func TestFailJob_ReportsStatus(t *testing.T) {
	env := newTestServer(t)
	colID := env.createCollection(t, "notes", label.Label{})

	resp, _ := env.do(t, http.MethodPost, "/collections/"+colID+"/batch", "", "",
		[]model.NewEntry{{Content: []byte("x"), ContentType: "text/plain", Author: "a"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp, raw := env.do(t, http.MethodGet, "/collections/"+colID+"/jobs/next?worker_id=w1", "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var job model.Job
	require.NoError(t, json.Unmarshal(raw, &job))

	resp, raw = env.do(t, http.MethodPost, "/collections/"+colID+"/jobs/"+job.ID+"/fail", "", "",
		map[string]any{"worker_id": "w1", "error": "model timeout"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, fmt.Sprintf(`{"status":%q}`, model.JobStatusPending), string(raw))
}

func TestSetClaims_DirectWriteThenConflict(t *testing.T) {
	env := newTestServer(t)
	colID := env.createCollection(t, "notes", label.Label{})

	resp, raw := env.do(t, http.MethodPost, "/collections/"+colID+"/batch", "", "",
		[]model.NewEntry{{Content: []byte("x"), ContentType: "text/plain", Author: "a"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var entries []model.Entry
	require.NoError(t, json.Unmarshal(raw, &entries))

	path := "/collections/" + colID + "/entries/" + entries[0].ID + "/claims"
	body := model.DistillResult{Claims: []model.Claim{{Text: "hand-checked fact", Confidence: 1}}}

	resp, raw = env.do(t, http.MethodPost, path, "curator", "hq", body)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var e model.Entry
	require.NoError(t, json.Unmarshal(raw, &e))
	assert.Equal(t, model.ClaimsStatusReady, e.ClaimsStatus)

	resp, _ = env.do(t, http.MethodPost, path, "curator", "hq", body)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// the losing write must not chain a second embed job
	resp, raw = env.do(t, http.MethodGet, "/collections/"+colID+"/jobs/stats", "", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats map[model.JobType]model.JobStats
	require.NoError(t, json.Unmarshal(raw, &stats))
	assert.Equal(t, 1, stats[model.JobEmbedClaims].Pending)
}

func TestGetEntry_ScopedToCollection(t *testing.T) {
	env := newTestServer(t)
	colA := env.createCollection(t, "a", label.Label{})
	colB := env.createCollection(t, "b", label.Label{})

	resp, raw := env.do(t, http.MethodPost, "/collections/"+colA+"/batch", "", "",
		[]model.NewEntry{{Content: []byte("x"), ContentType: "text/plain", Author: "a"}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var entries []model.Entry
	require.NoError(t, json.Unmarshal(raw, &entries))

	resp, _ = env.do(t, http.MethodGet, "/collections/"+colA+"/entries/"+entries[0].ID, "", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/collections/"+colB+"/entries/"+entries[0].ID, "", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestClearanceAdmin_CRUD(t *testing.T) {
	env := newTestServer(t)

	resp, _ := env.do(t, http.MethodGet, "/clearances", "", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/clearances", adminAuthor, adminOrg, model.Clearance{
		AuthorID: "analyst", OrgID: "hq",
		Grant: label.Clearance{Level: label.LevelSecret, Compartments: []string{"CRYPTO"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := env.do(t, http.MethodGet, "/clearances", adminAuthor, adminOrg, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var grants []model.Clearance
	require.NoError(t, json.Unmarshal(raw, &grants))
	assert.Len(t, grants, 2, "admin seed plus the new grant")

	resp, _ = env.do(t, http.MethodDelete, "/clearances/analyst/hq", adminAuthor, adminOrg, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/clearances/flush", adminAuthor, adminOrg, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestUpsertClearance_RejectsUnknownLevel(t *testing.T) {
	env := newTestServer(t)
	resp, _ := env.do(t, http.MethodPost, "/clearances", adminAuthor, adminOrg, model.Clearance{
		AuthorID: "analyst", OrgID: "hq",
		Grant: label.Clearance{Level: "ULTRAVIOLET"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueryAudit_FiltersAndGate(t *testing.T) {
	env := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, env.mem.InsertAuditEvents(ctx, []model.AuditEvent{
		{ID: "1", Actor: "w1", Action: "job.claim", Resource: "jobs/j1", Collection: "col-a"},
		{ID: "2", Actor: "w2", Action: "job.complete", Resource: "jobs/j1", Collection: "col-a"},
		{ID: "3", Actor: "w1", Action: "job.claim", Resource: "jobs/j2", Collection: "col-b"},
	}))

	resp, _ := env.do(t, http.MethodGet, "/audit", "", "", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, raw := env.do(t, http.MethodGet, "/audit?actor=w1", adminAuthor, adminOrg, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var events []model.AuditEvent
	require.NoError(t, json.Unmarshal(raw, &events))
	assert.Len(t, events, 2)

	resp, raw = env.do(t, http.MethodGet, "/collections/col-a/audit", adminAuthor, adminOrg, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	events = nil
	require.NoError(t, json.Unmarshal(raw, &events))
	assert.Len(t, events, 2)

	resp, _ = env.do(t, http.MethodGet, "/audit?since=notatime", adminAuthor, adminOrg, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
