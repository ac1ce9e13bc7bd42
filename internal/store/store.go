package store

import (
	"context"
	"time"

	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
)

// ClaimRequest filters a claim attempt. A nil Clearance means the caller
// presented no identity context: the legacy escape hatch, which bypasses
// admission control entirely.
type ClaimRequest struct {
	CollectionID string
	Type         model.JobType // empty = any type
	WorkerID     string
	Clearance    *label.Clearance
}

// AuditFilter specifies criteria for querying audit events.
type AuditFilter struct {
	Actor      string    `json:"actor,omitempty"`
	Action     string    `json:"action,omitempty"`
	Resource   string    `json:"resource,omitempty"`
	Collection string    `json:"collection,omitempty"`
	Since      time.Time `json:"since,omitempty"`
	Until      time.Time `json:"until,omitempty"`
	Limit      int       `json:"limit,omitempty"`
}

// EmbeddedEntry is the slice of an entry the neighbor search needs.
type EmbeddedEntry struct {
	ID        string
	Claims    []model.Claim
	Embedding []float64
}

// ComparisonProgress reports the entry's comparison bookkeeping after an
// atomic append, for the integration state machine.
type ComparisonProgress struct {
	Count       int
	Expected    int
	MaxFriction float64
}

// EntryStats counts one collection's entries by claims and integration
// state, for the stats surface.
type EntryStats struct {
	Total              int `json:"total"`
	ClaimsPending      int `json:"claims_pending"`
	ClaimsReady        int `json:"claims_ready"`
	ClaimsFailed       int `json:"claims_failed"`
	IntegrationPending int `json:"integration_pending"`
	Integrated         int `json:"integrated"`
	Contested          int `json:"contested"`
	NeedsReview        int `json:"needs_review"`
}

// foldEntryStats accumulates one grouped count row into the stats, shared
// by the SQL backends.
func foldEntryStats(out *EntryStats, cs model.ClaimsStatus, is model.IntegrationStatus, needsReview bool, count int) {
	out.Total += count
	switch cs {
	case model.ClaimsStatusPending:
		out.ClaimsPending += count
	case model.ClaimsStatusReady:
		out.ClaimsReady += count
	case model.ClaimsStatusFailed:
		out.ClaimsFailed += count
	}
	switch is {
	case model.IntegrationPending:
		out.IntegrationPending += count
	case model.IntegrationIntegrated:
		out.Integrated += count
	case model.IntegrationContested:
		out.Contested += count
	}
	if needsReview {
		out.NeedsReview += count
	}
}

// Store defines durable persistence for entries, claims, jobs, clearances
// and audit records. All state transitions that need to be race-safe are
// expressed as conditional updates here, not read-modify-write in callers.
type Store interface {
	// Collections
	CreateCollection(ctx context.Context, name string, l label.Label) (*model.Collection, error)
	GetCollection(ctx context.Context, id string) (*model.Collection, error)
	ListCollections(ctx context.Context) ([]model.Collection, error)

	// Entries
	CreateEntries(ctx context.Context, collectionID string, entries []model.NewEntry) ([]model.Entry, error)
	GetEntry(ctx context.Context, id string) (*model.Entry, error)
	GetFragment(ctx context.Context, parentID string, index int) (*model.Entry, error)
	ListFragments(ctx context.Context, parentID string) ([]model.Entry, error)

	// SetClaims writes the distilled claim list exactly once; a second
	// write returns model.ErrConflict and leaves the first untouched.
	SetClaims(ctx context.Context, entryID string, claims []model.Claim) error
	MarkClaimsFailed(ctx context.Context, entryID string) error
	SetTopic(ctx context.Context, entryID, topic string) error
	SetEmbedding(ctx context.Context, entryID string, vec []float64) error
	ListEmbedded(ctx context.Context, collectionID, excludeID string) ([]EmbeddedEntry, error)
	SetExpectedComparisons(ctx context.Context, entryID string, n int) error

	// AppendComparison atomically appends, folds the running max
	// friction and needs-review flag, and returns the new progress.
	// Idempotent on the comparison's AgainstID: a redelivered result
	// for the same neighbor leaves the entry unchanged.
	AppendComparison(ctx context.Context, entryID string, cmp model.Comparison, reviewThreshold float64) (*ComparisonProgress, error)

	// AbandonComparison atomically lowers the expected comparison count
	// of a pending entry and returns the fresh progress. Returns nil
	// progress when the entry already reached a terminal status.
	AbandonComparison(ctx context.Context, entryID string) (*ComparisonProgress, error)

	// CompleteIntegration flips pending to a terminal status; reports
	// false when another completion already flipped it.
	CompleteIntegration(ctx context.Context, entryID string, status model.IntegrationStatus) (bool, error)

	// Jobs
	EnqueueJob(ctx context.Context, job *model.Job) error
	GetJob(ctx context.Context, id string) (*model.Job, error)

	// ClaimNextJob atomically hands the oldest eligible pending job to
	// the worker, skipping rows locked by concurrent claimants and rows
	// in collections the clearance does not dominate. Returns nil when
	// nothing is eligible.
	ClaimNextJob(ctx context.Context, req ClaimRequest) (*model.Job, error)
	ReclaimTimedOut(ctx context.Context, collectionID string) (int, error)

	// CompleteJob and FailJob are conditioned on the claimant identity:
	// a reclaimed worker's late call returns model.ErrConflict.
	CompleteJob(ctx context.Context, jobID, workerID string) error
	FailJob(ctx context.Context, jobID, workerID, errMsg string) (model.JobStatus, error)
	JobStats(ctx context.Context, collectionID string) (map[model.JobType]model.JobStats, error)
	EntryStats(ctx context.Context, collectionID string) (*EntryStats, error)

	// Clearances
	UpsertClearance(ctx context.Context, c model.Clearance) error
	GetClearance(ctx context.Context, authorID, orgID string) (*model.Clearance, error)
	DeleteClearance(ctx context.Context, authorID, orgID string) error
	ListClearances(ctx context.Context) ([]model.Clearance, error)

	// Audit
	InsertAuditEvents(ctx context.Context, events []model.AuditEvent) error
	QueryAuditEvents(ctx context.Context, f AuditFilter) ([]model.AuditEvent, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
