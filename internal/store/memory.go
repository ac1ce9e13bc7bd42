package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
)

// MemoryStore implements Store entirely in memory under one mutex. It backs
// the `driver: memory` dev mode and the pipeline tests; the mutex gives it
// the same claim exclusivity the Postgres store gets from row locks.
type MemoryStore struct {
	mu sync.Mutex

	collections map[string]*model.Collection
	nextSeq     map[string]int64
	entries     map[string]*model.Entry
	jobs        map[string]*model.Job
	jobOrder    []string
	clearances  map[string]model.Clearance
	audit       []model.AuditEvent
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		collections: make(map[string]*model.Collection),
		nextSeq:     make(map[string]int64),
		entries:     make(map[string]*model.Entry),
		jobs:        make(map[string]*model.Job),
		clearances:  make(map[string]model.Clearance),
	}
}

func (s *MemoryStore) Migrate(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                      { return nil }

// --- Collections ---

func (s *MemoryStore) CreateCollection(ctx context.Context, name string, l label.Label) (*model.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.collections {
		if c.Name == name {
			return nil, eris.Wrapf(model.ErrConflict, "memory: collection %s exists", name)
		}
	}
	c := &model.Collection{
		ID:        uuid.New().String(),
		Name:      name,
		Label:     l.Normalize(),
		CreatedAt: time.Now().UTC(),
	}
	s.collections[c.ID] = c
	out := *c
	return &out, nil
}

func (s *MemoryStore) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.collections[id]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "memory: collection %s", id)
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) ListCollections(ctx context.Context) ([]model.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Collection, 0, len(s.collections))
	for _, c := range s.collections {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Entries ---

func (s *MemoryStore) CreateEntries(ctx context.Context, collectionID string, entries []model.NewEntry) ([]model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.collections[collectionID]; !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "memory: collection %s", collectionID)
	}

	now := time.Now().UTC()
	out := make([]model.Entry, 0, len(entries))
	for _, ne := range entries {
		s.nextSeq[collectionID]++
		id := ne.ID
		if id == "" {
			id = uuid.New().String()
		}
		e := model.Entry{
			ID:                id,
			CollectionID:      collectionID,
			Seq:               s.nextSeq[collectionID],
			Content:           ne.Content,
			ContentType:       ne.ContentType,
			Author:            ne.Author,
			Topic:             ne.Topic,
			Refs:              ne.Refs,
			Label:             ne.Label.Normalize(),
			ClaimsStatus:      model.ClaimsStatusPending,
			IntegrationStatus: model.IntegrationPending,
			FragmentOf:        ne.FragmentOf,
			FragmentIndex:     ne.FragmentIndex,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		copied := e
		s.entries[e.ID] = &copied
		out = append(out, e)
	}
	return out, nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getEntryLocked(id)
}

func (s *MemoryStore) getEntryLocked(id string) (*model.Entry, error) {
	e, ok := s.entries[id]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "memory: entry %s", id)
	}
	out := *e
	return &out, nil
}

func (s *MemoryStore) GetFragment(ctx context.Context, parentID string, index int) (*model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.FragmentOf == parentID && e.FragmentIndex != nil && *e.FragmentIndex == index {
			out := *e
			return &out, nil
		}
	}
	return nil, eris.Wrapf(model.ErrNotFound, "memory: fragment %d of %s", index, parentID)
}

func (s *MemoryStore) ListFragments(ctx context.Context, parentID string) ([]model.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Entry
	for _, e := range s.entries {
		if e.FragmentOf == parentID {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return deref(out[i].FragmentIndex) < deref(out[j].FragmentIndex)
	})
	return out, nil
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

func (s *MemoryStore) SetClaims(ctx context.Context, entryID string, claims []model.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return eris.Wrapf(model.ErrNotFound, "memory: entry %s", entryID)
	}
	if e.ClaimsStatus != model.ClaimsStatusPending {
		return eris.Wrapf(model.ErrConflict, "memory: claims already set on %s", entryID)
	}
	e.Claims = append([]model.Claim(nil), claims...)
	e.ClaimsStatus = model.ClaimsStatusReady
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) MarkClaimsFailed(ctx context.Context, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return eris.Wrapf(model.ErrNotFound, "memory: entry %s", entryID)
	}
	if e.ClaimsStatus != model.ClaimsStatusPending {
		return eris.Wrapf(model.ErrConflict, "memory: claims not pending on %s", entryID)
	}
	e.ClaimsStatus = model.ClaimsStatusFailed
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetTopic(ctx context.Context, entryID, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return eris.Wrapf(model.ErrNotFound, "memory: entry %s", entryID)
	}
	e.Topic = topic
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) SetEmbedding(ctx context.Context, entryID string, vec []float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return eris.Wrapf(model.ErrNotFound, "memory: entry %s", entryID)
	}
	e.Embedding = append([]float64(nil), vec...)
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListEmbedded(ctx context.Context, collectionID, excludeID string) ([]EmbeddedEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []EmbeddedEntry
	for _, e := range s.entries {
		if e.CollectionID == collectionID && e.ID != excludeID && len(e.Embedding) > 0 {
			out = append(out, EmbeddedEntry{
				ID:        e.ID,
				Claims:    append([]model.Claim(nil), e.Claims...),
				Embedding: append([]float64(nil), e.Embedding...),
			})
		}
	}
	return out, nil
}

func (s *MemoryStore) SetExpectedComparisons(ctx context.Context, entryID string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return eris.Wrapf(model.ErrNotFound, "memory: entry %s", entryID)
	}
	e.ExpectedComparisons = n
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AppendComparison(ctx context.Context, entryID string, cmp model.Comparison, reviewThreshold float64) (*ComparisonProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "memory: entry %s", entryID)
	}
	for _, existing := range e.Comparisons {
		if existing.AgainstID == cmp.AgainstID {
			return &ComparisonProgress{
				Count:       len(e.Comparisons),
				Expected:    e.ExpectedComparisons,
				MaxFriction: e.MaxFriction,
			}, nil
		}
	}
	e.Comparisons = append(e.Comparisons, cmp)
	if cmp.Friction > e.MaxFriction {
		e.MaxFriction = cmp.Friction
	}
	if cmp.Friction > reviewThreshold {
		e.NeedsReview = true
	}
	e.UpdatedAt = time.Now().UTC()
	return &ComparisonProgress{
		Count:       len(e.Comparisons),
		Expected:    e.ExpectedComparisons,
		MaxFriction: e.MaxFriction,
	}, nil
}

func (s *MemoryStore) AbandonComparison(ctx context.Context, entryID string) (*ComparisonProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "memory: entry %s", entryID)
	}
	if e.IntegrationStatus != model.IntegrationPending {
		return nil, nil
	}
	if e.ExpectedComparisons > 0 {
		e.ExpectedComparisons--
	}
	e.UpdatedAt = time.Now().UTC()
	return &ComparisonProgress{
		Count:       len(e.Comparisons),
		Expected:    e.ExpectedComparisons,
		MaxFriction: e.MaxFriction,
	}, nil
}

func (s *MemoryStore) CompleteIntegration(ctx context.Context, entryID string, status model.IntegrationStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return false, eris.Wrapf(model.ErrNotFound, "memory: entry %s", entryID)
	}
	if e.IntegrationStatus != model.IntegrationPending {
		return false, nil
	}
	e.IntegrationStatus = status
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

// --- Jobs ---

func (s *MemoryStore) EnqueueJob(ctx context.Context, job *model.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *job
	s.jobs[job.ID] = &copied
	s.jobOrder = append(s.jobOrder, job.ID)
	return nil
}

func (s *MemoryStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, eris.Wrapf(model.ErrNotFound, "memory: job %s", id)
	}
	out := *j
	return &out, nil
}

func (s *MemoryStore) ClaimNextJob(ctx context.Context, req ClaimRequest) (*model.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.jobOrder {
		j := s.jobs[id]
		if j.Status != model.JobStatusPending || j.CollectionID != req.CollectionID {
			continue
		}
		if req.Type != "" && j.Type != req.Type {
			continue
		}
		if req.Clearance != nil {
			c, ok := s.collections[j.CollectionID]
			if !ok || !req.Clearance.Dominates(c.Label) {
				continue
			}
		}
		now := time.Now().UTC()
		j.Status = model.JobStatusInProgress
		j.ClaimedBy = req.WorkerID
		j.ClaimedAt = &now
		j.UpdatedAt = now
		out := *j
		return &out, nil
	}
	return nil, nil
}

func (s *MemoryStore) ReclaimTimedOut(ctx context.Context, collectionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	n := 0
	for _, j := range s.jobs {
		if j.CollectionID != collectionID || !j.ClaimExpired(now) {
			continue
		}
		if j.RetryCount < j.MaxRetries {
			j.Status = model.JobStatusPending
			j.ClaimedBy = ""
			j.ClaimedAt = nil
			j.RetryCount++
		} else {
			j.Status = model.JobStatusFailed
			j.LastError = "claim timed out, retries exhausted"
		}
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *MemoryStore) CompleteJob(ctx context.Context, jobID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return eris.Wrapf(model.ErrNotFound, "memory: job %s", jobID)
	}
	if j.Status != model.JobStatusInProgress || j.ClaimedBy != workerID {
		return eris.Wrapf(model.ErrConflict, "memory: job %s not in progress for this worker", jobID)
	}
	j.Status = model.JobStatusCompleted
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) FailJob(ctx context.Context, jobID, workerID, errMsg string) (model.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[jobID]
	if !ok {
		return "", eris.Wrapf(model.ErrNotFound, "memory: job %s", jobID)
	}
	if j.Status != model.JobStatusInProgress || j.ClaimedBy != workerID {
		return "", eris.Wrapf(model.ErrConflict, "memory: job %s not in progress for this worker", jobID)
	}
	j.LastError = errMsg
	if j.RetryCount < j.MaxRetries {
		j.Status = model.JobStatusPending
		j.ClaimedBy = ""
		j.ClaimedAt = nil
		j.RetryCount++
	} else {
		j.Status = model.JobStatusFailed
	}
	j.UpdatedAt = time.Now().UTC()
	return j.Status, nil
}

func (s *MemoryStore) JobStats(ctx context.Context, collectionID string) (map[model.JobType]model.JobStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[model.JobType]model.JobStats)
	for _, j := range s.jobs {
		if j.CollectionID != collectionID {
			continue
		}
		st := out[j.Type]
		switch j.Status {
		case model.JobStatusPending:
			st.Pending++
		case model.JobStatusInProgress:
			st.InProgress++
		case model.JobStatusCompleted:
			st.Completed++
		case model.JobStatusFailed:
			st.Failed++
		}
		out[j.Type] = st
	}
	return out, nil
}

func (s *MemoryStore) EntryStats(ctx context.Context, collectionID string) (*EntryStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := &EntryStats{}
	for _, e := range s.entries {
		if e.CollectionID != collectionID {
			continue
		}
		out.Total++
		switch e.ClaimsStatus {
		case model.ClaimsStatusPending:
			out.ClaimsPending++
		case model.ClaimsStatusReady:
			out.ClaimsReady++
		case model.ClaimsStatusFailed:
			out.ClaimsFailed++
		}
		switch e.IntegrationStatus {
		case model.IntegrationPending:
			out.IntegrationPending++
		case model.IntegrationIntegrated:
			out.Integrated++
		case model.IntegrationContested:
			out.Contested++
		}
		if e.NeedsReview {
			out.NeedsReview++
		}
	}
	return out, nil
}

// --- Clearances ---

func clearanceKey(authorID, orgID string) string {
	return authorID + "\x00" + orgID
}

func (s *MemoryStore) UpsertClearance(ctx context.Context, c model.Clearance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c.UpdatedAt = time.Now().UTC()
	s.clearances[clearanceKey(c.AuthorID, c.OrgID)] = c
	return nil
}

func (s *MemoryStore) GetClearance(ctx context.Context, authorID, orgID string) (*model.Clearance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clearances[clearanceKey(authorID, orgID)]
	if !ok {
		return nil, nil
	}
	out := c
	return &out, nil
}

func (s *MemoryStore) DeleteClearance(ctx context.Context, authorID, orgID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.clearances, clearanceKey(authorID, orgID))
	return nil
}

func (s *MemoryStore) ListClearances(ctx context.Context) ([]model.Clearance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Clearance, 0, len(s.clearances))
	for _, c := range s.clearances {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AuthorID != out[j].AuthorID {
			return out[i].AuthorID < out[j].AuthorID
		}
		return out[i].OrgID < out[j].OrgID
	})
	return out, nil
}

// --- Audit ---

func (s *MemoryStore) InsertAuditEvents(ctx context.Context, events []model.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.audit = append(s.audit, events...)
	return nil
}

func (s *MemoryStore) QueryAuditEvents(ctx context.Context, f AuditFilter) ([]model.AuditEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []model.AuditEvent
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		ev := s.audit[i]
		if f.Actor != "" && ev.Actor != f.Actor {
			continue
		}
		if f.Action != "" && ev.Action != f.Action {
			continue
		}
		if f.Resource != "" && !strings.HasPrefix(ev.Resource, f.Resource) {
			continue
		}
		if f.Collection != "" && ev.Collection != f.Collection {
			continue
		}
		if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
			continue
		}
		if !f.Until.IsZero() && !ev.Timestamp.Before(f.Until) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}
