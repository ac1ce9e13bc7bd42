package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
	"github.com/sells-group/corpus/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name  string      `json:"name"`
		Label label.Label `json:"label"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, r, eris.Wrap(model.ErrValidation, "server: collection name required"))
		return
	}
	if req.Label.Level != "" && !req.Label.Level.Valid() {
		s.writeError(w, r, eris.Wrapf(model.ErrValidation, "server: unknown level %q", req.Label.Level))
		return
	}

	col, err := s.store.CreateCollection(r.Context(), req.Name, req.Label)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	author, _ := identity(r)
	s.recorder.Record(author, "collection.create", "collections/"+col.ID, col.ID, col.Name)
	respondJSON(w, http.StatusCreated, col)
}

func (s *Server) handleGetCollection(w http.ResponseWriter, r *http.Request) {
	col, err := s.store.GetCollection(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, col)
}

func (s *Server) handleWriteBatch(w http.ResponseWriter, r *http.Request) {
	var batch []model.NewEntry
	if err := decodeBody(r, &batch); err != nil {
		s.writeError(w, r, err)
		return
	}

	actor, _ := identity(r)
	if actor == "" {
		actor = "anonymous"
	}
	entries, err := s.pipeline.WriteBatch(r.Context(), chi.URLParam(r, "collection"), batch, actor)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, entries)
}

// entryInCollection loads an entry and confirms it belongs to the routed
// collection, so entry ids cannot be probed across collections.
func (s *Server) entryInCollection(r *http.Request) (*model.Entry, error) {
	e, err := s.store.GetEntry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if e.CollectionID != chi.URLParam(r, "collection") {
		return nil, eris.Wrapf(model.ErrNotFound, "server: entry %s", e.ID)
	}
	return e, nil
}

func (s *Server) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := s.entryInCollection(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// handleSetClaims writes a claim list directly, bypassing the distillation
// queue. Claims are write-once; the conditional store update under
// ApplyDistillation reports the conflict, so racing writers cannot both
// succeed.
func (s *Server) handleSetClaims(w http.ResponseWriter, r *http.Request) {
	var result model.DistillResult
	if err := decodeBody(r, &result); err != nil {
		s.writeError(w, r, err)
		return
	}

	e, err := s.entryInCollection(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.chainer.ApplyDistillation(r.Context(), e.ID, &result); err != nil {
		s.writeError(w, r, err)
		return
	}
	author, _ := identity(r)
	s.recorder.Record(author, "entry.claims", "entries/"+e.ID, e.CollectionID, "")

	e, err = s.store.GetEntry(r.Context(), e.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, e)
}

// handleClaimNext hands out the next eligible job. No job, whether the
// queue is empty or the caller is under-cleared, is a plain 204.
func (s *Server) handleClaimNext(w http.ResponseWriter, r *http.Request) {
	workerID := r.URL.Query().Get("worker_id")
	jobType := model.JobType(r.URL.Query().Get("type"))

	grant, err := s.grant(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	job, err := s.queue.ClaimNext(r.Context(), chi.URLParam(r, "collection"), jobType, workerID, grant)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, job)
}

func (s *Server) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string          `json:"worker_id"`
		Result   json.RawMessage `json:"result"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.queue.Complete(r.Context(), chi.URLParam(r, "id"), req.WorkerID, req.Result); err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(model.JobStatusCompleted)})
}

func (s *Server) handleFailJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WorkerID string `json:"worker_id"`
		Error    string `json:"error"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	status, err := s.queue.Fail(r.Context(), chi.URLParam(r, "id"), req.WorkerID, req.Error)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": string(status)})
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.queue.Stats(r.Context(), chi.URLParam(r, "collection"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListClearances(w http.ResponseWriter, r *http.Request) {
	grants, err := s.clearances.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, grants)
}

func (s *Server) handleUpsertClearance(w http.ResponseWriter, r *http.Request) {
	var c model.Clearance
	if err := decodeBody(r, &c); err != nil {
		s.writeError(w, r, err)
		return
	}
	if c.AuthorID == "" {
		s.writeError(w, r, eris.Wrap(model.ErrValidation, "server: author_id required"))
		return
	}

	if err := s.clearances.Upsert(r.Context(), c); err != nil {
		s.writeError(w, r, err)
		return
	}
	author, _ := identity(r)
	s.recorder.Record(author, "clearance.upsert", "clearances/"+c.AuthorID, "", string(c.Grant.Level))
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteClearance(w http.ResponseWriter, r *http.Request) {
	authorID := chi.URLParam(r, "author")
	orgID := chi.URLParam(r, "org")

	if err := s.clearances.Delete(r.Context(), authorID, orgID); err != nil {
		s.writeError(w, r, err)
		return
	}
	author, _ := identity(r)
	s.recorder.Record(author, "clearance.delete", "clearances/"+authorID, "", orgID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFlushClearances(w http.ResponseWriter, r *http.Request) {
	s.clearances.Flush()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQueryAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.AuditFilter{
		Actor:      q.Get("actor"),
		Action:     q.Get("action"),
		Resource:   q.Get("resource"),
		Collection: chi.URLParam(r, "collection"),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, eris.Wrap(model.ErrValidation, "server: since must be RFC 3339"))
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, r, eris.Wrap(model.ErrValidation, "server: until must be RFC 3339"))
			return
		}
		f.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, eris.Wrap(model.ErrValidation, "server: limit must be a non-negative integer"))
			return
		}
		f.Limit = n
	}

	events, err := s.store.QueryAuditEvents(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, events)
}
