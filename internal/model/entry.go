package model

import (
	"time"

	"github.com/sells-group/corpus/internal/label"
)

// ClaimsStatus tracks the distillation state of an entry's claim list.
// Once it leaves pending the claim list is immutable; corrections happen
// via a separate revision entry, never by mutating claims in place.
type ClaimsStatus string

const (
	ClaimsStatusPending ClaimsStatus = "pending"
	ClaimsStatusReady   ClaimsStatus = "ready"
	ClaimsStatusFailed  ClaimsStatus = "failed"
)

// IntegrationStatus tracks whether an entry's comparisons are complete and
// how much friction they produced.
type IntegrationStatus string

const (
	IntegrationPending    IntegrationStatus = "pending"
	IntegrationIntegrated IntegrationStatus = "integrated"
	IntegrationContested  IntegrationStatus = "contested"
)

// Claim is a single short factual statement extracted from content by the
// distillation step. Claims are never hand-authored.
type Claim struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Comparison records the outcome of comparing one entry's claims against a
// single neighbor's. Comparisons accumulate on an entry and are append-only.
type Comparison struct {
	AgainstID     string    `json:"against_id"`
	Novel         int       `json:"novel"`
	Redundant     int       `json:"redundant"`
	Contradicting int       `json:"contradicting"`
	Entropy       float64   `json:"entropy"`
	Friction      float64   `json:"friction"`
	Severities    []float64 `json:"severities,omitempty"` // one per contradiction, 0..1
	ComparedAt    time.Time `json:"compared_at"`
}

// Entry is one unit of knowledge in a collection.
type Entry struct {
	ID           string      `json:"id"`
	CollectionID string      `json:"collection_id"`
	Seq          int64       `json:"seq"` // per-collection causal position, assigned at insert
	Content      []byte      `json:"content"`
	ContentType  string      `json:"content_type"`
	Author       string      `json:"author"` // derived from a public key, not a display name
	Topic        string      `json:"topic,omitempty"`
	Refs         []string    `json:"refs,omitempty"` // entry ids; cycles are permitted
	Label        label.Label `json:"label"`

	Claims       []Claim      `json:"claims,omitempty"`
	ClaimsStatus ClaimsStatus `json:"claims_status"`

	Comparisons         []Comparison      `json:"comparisons,omitempty"`
	ExpectedComparisons int               `json:"expected_comparisons"`
	MaxFriction         float64           `json:"max_friction"`
	NeedsReview         bool              `json:"needs_review"`
	IntegrationStatus   IntegrationStatus `json:"integration_status"`

	// FragmentOf marks this entry as the FragmentIndex-th piece of a
	// larger artifact entry.
	FragmentOf    string `json:"fragment_of,omitempty"`
	FragmentIndex *int   `json:"fragment_index,omitempty"`

	Embedding []float64 `json:"embedding,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFragment reports whether the entry is a slice of a larger artifact.
func (e *Entry) IsFragment() bool {
	return e.FragmentOf != ""
}

// NewEntry is the write-side shape accepted by the batch endpoint. ID is
// optional and client-supplied; it lets fragments in a batch reference a
// parent admitted in the same batch.
type NewEntry struct {
	ID            string      `json:"id,omitempty"`
	Content       []byte      `json:"content"`
	ContentType   string      `json:"content_type"`
	Author        string      `json:"author"`
	Topic         string      `json:"topic,omitempty"`
	Refs          []string    `json:"refs,omitempty"`
	Label         label.Label `json:"label"`
	FragmentOf    string      `json:"fragment_of,omitempty"`
	FragmentIndex *int        `json:"fragment_index,omitempty"`
}

// Collection groups entries and carries the classification label that
// admission control checks before handing out jobs.
type Collection struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Label     label.Label `json:"label"`
	CreatedAt time.Time   `json:"created_at"`
}

// Clearance grants an (author, organization) pair visibility up to a level
// and compartment set. Absence of a row means the default lowest clearance.
type Clearance struct {
	AuthorID  string          `json:"author_id"`
	OrgID     string          `json:"org_id"`
	Grant     label.Clearance `json:"grant"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// AuditEvent is one side-effect record. Write-mostly, append-only, never
// mutated; owned by no business entity.
type AuditEvent struct {
	ID         string    `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Resource   string    `json:"resource"`
	Collection string    `json:"collection,omitempty"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
