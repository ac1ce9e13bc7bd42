package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/corpus/internal/db"
	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS collections (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	level        TEXT NOT NULL DEFAULT 'PUBLIC',
	level_rank   INTEGER NOT NULL DEFAULT 0,
	compartments JSONB NOT NULL DEFAULT '[]',
	next_seq     BIGINT NOT NULL DEFAULT 0,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS entries (
	id                   TEXT PRIMARY KEY,
	collection_id        TEXT NOT NULL REFERENCES collections(id),
	seq                  BIGINT NOT NULL,
	content              BYTEA NOT NULL,
	content_type         TEXT NOT NULL DEFAULT 'text/plain',
	author               TEXT NOT NULL,
	topic                TEXT NOT NULL DEFAULT '',
	refs                 JSONB NOT NULL DEFAULT '[]',
	level                TEXT NOT NULL DEFAULT 'PUBLIC',
	compartments         JSONB NOT NULL DEFAULT '[]',
	claims               JSONB NOT NULL DEFAULT '[]',
	claims_status        TEXT NOT NULL DEFAULT 'pending',
	comparisons          JSONB NOT NULL DEFAULT '[]',
	expected_comparisons INTEGER NOT NULL DEFAULT 0,
	max_friction         DOUBLE PRECISION NOT NULL DEFAULT 0,
	needs_review         BOOLEAN NOT NULL DEFAULT false,
	integration_status   TEXT NOT NULL DEFAULT 'pending',
	fragment_of          TEXT,
	fragment_index       INTEGER,
	embedding            JSONB,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (collection_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_entries_collection ON entries(collection_id);
CREATE INDEX IF NOT EXISTS idx_entries_fragment ON entries(fragment_of, fragment_index);
CREATE INDEX IF NOT EXISTS idx_entries_embedded ON entries(collection_id) WHERE embedding IS NOT NULL;

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL REFERENCES collections(id),
	type          TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	payload       JSONB NOT NULL,
	claimed_by    TEXT NOT NULL DEFAULT '',
	claimed_at    TIMESTAMPTZ,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	timeout_secs  BIGINT NOT NULL DEFAULT 300,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(collection_id, status, type, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_inprogress ON jobs(claimed_at) WHERE status = 'in_progress';

CREATE TABLE IF NOT EXISTS clearances (
	author_id    TEXT NOT NULL,
	org_id       TEXT NOT NULL,
	level        TEXT NOT NULL DEFAULT 'PUBLIC',
	compartments JSONB NOT NULL DEFAULT '[]',
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (author_id, org_id)
);

CREATE TABLE IF NOT EXISTS audit_events (
	id         TEXT PRIMARY KEY,
	actor      TEXT NOT NULL,
	action     TEXT NOT NULL,
	resource   TEXT NOT NULL,
	collection TEXT NOT NULL DEFAULT '',
	detail     TEXT NOT NULL DEFAULT '',
	ts         TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_events(actor);
CREATE INDEX IF NOT EXISTS idx_audit_collection ON audit_events(collection);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Collections ---

func (s *PostgresStore) CreateCollection(ctx context.Context, name string, l label.Label) (*model.Collection, error) {
	l = l.Normalize()
	id := uuid.New().String()
	now := time.Now().UTC()

	comps, err := json.Marshal(l.Compartments)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal compartments")
	}
	if comps == nil || string(comps) == "null" {
		comps = []byte("[]")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO collections (id, name, level, level_rank, compartments, next_seq, created_at) VALUES ($1, $2, $3, $4, $5, 0, $6)`,
		id, name, string(l.Level), l.Level.Rank(), comps, now,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: insert collection %s", name)
	}

	return &model.Collection{ID: id, Name: name, Label: l, CreatedAt: now}, nil
}

func (s *PostgresStore) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	var c model.Collection
	var level string
	var comps []byte

	err := s.pool.QueryRow(ctx,
		`SELECT id, name, level, compartments, created_at FROM collections WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &level, &comps, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: collection %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get collection %s", id)
	}

	c.Label.Level = label.Level(level)
	if err := json.Unmarshal(comps, &c.Label.Compartments); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal compartments")
	}
	return &c, nil
}

func (s *PostgresStore) ListCollections(ctx context.Context) ([]model.Collection, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, level, compartments, created_at FROM collections ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list collections")
	}
	defer rows.Close()

	var out []model.Collection
	for rows.Next() {
		var c model.Collection
		var level string
		var comps []byte
		if err := rows.Scan(&c.ID, &c.Name, &level, &comps, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan collection")
		}
		c.Label.Level = label.Level(level)
		if err := json.Unmarshal(comps, &c.Label.Compartments); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal compartments")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list collections iterate")
}

// --- Entries ---

const entryColumns = `id, collection_id, seq, content, content_type, author, topic, refs,
	level, compartments, claims, claims_status, comparisons, expected_comparisons,
	max_friction, needs_review, integration_status, fragment_of, fragment_index,
	embedding, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*model.Entry, error) {
	var e model.Entry
	var level string
	var refs, comps, claims, comparisons []byte
	var fragmentOf *string
	var embedding *[]byte

	err := row.Scan(&e.ID, &e.CollectionID, &e.Seq, &e.Content, &e.ContentType, &e.Author,
		&e.Topic, &refs, &level, &comps, &claims, &e.ClaimsStatus, &comparisons,
		&e.ExpectedComparisons, &e.MaxFriction, &e.NeedsReview, &e.IntegrationStatus,
		&fragmentOf, &e.FragmentIndex, &embedding, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}

	e.Label.Level = label.Level(level)
	if fragmentOf != nil {
		e.FragmentOf = *fragmentOf
	}
	if err := json.Unmarshal(refs, &e.Refs); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal refs")
	}
	if err := json.Unmarshal(comps, &e.Label.Compartments); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal compartments")
	}
	if err := json.Unmarshal(claims, &e.Claims); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal claims")
	}
	if err := json.Unmarshal(comparisons, &e.Comparisons); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal comparisons")
	}
	if embedding != nil {
		if err := json.Unmarshal(*embedding, &e.Embedding); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal embedding")
		}
	}
	return &e, nil
}

func (s *PostgresStore) CreateEntries(ctx context.Context, collectionID string, entries []model.NewEntry) ([]model.Entry, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin batch")
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	out := make([]model.Entry, 0, len(entries))

	for _, ne := range entries {
		// The first seq bump takes the collection row lock for the rest
		// of the transaction, which serializes causal positions.
		var seq int64
		err := tx.QueryRow(ctx,
			`UPDATE collections SET next_seq = next_seq + 1 WHERE id = $1 RETURNING next_seq`,
			collectionID,
		).Scan(&seq)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, eris.Wrapf(model.ErrNotFound, "postgres: collection %s", collectionID)
			}
			return nil, eris.Wrap(err, "postgres: next seq")
		}

		id := ne.ID
		if id == "" {
			id = uuid.New().String()
		}
		e := model.Entry{
			ID:                id,
			CollectionID:      collectionID,
			Seq:               seq,
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

		refs, _ := json.Marshal(orEmpty(e.Refs))
		comps, _ := json.Marshal(orEmpty(e.Label.Compartments))

		var fragmentOf *string
		if e.FragmentOf != "" {
			fragmentOf = &e.FragmentOf
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO entries (id, collection_id, seq, content, content_type, author, topic, refs,
			   level, compartments, fragment_of, fragment_index, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			e.ID, e.CollectionID, e.Seq, e.Content, e.ContentType, e.Author, e.Topic, refs,
			string(e.Label.Level), comps, fragmentOf, e.FragmentIndex, now, now,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: insert entry seq %d", seq)
		}
		out = append(out, e)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit batch")
	}
	return out, nil
}

func (s *PostgresStore) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: entry %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get entry %s", id)
	}
	return e, nil
}

func (s *PostgresStore) GetFragment(ctx context.Context, parentID string, index int) (*model.Entry, error) {
	e, err := scanEntry(s.pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE fragment_of = $1 AND fragment_index = $2`,
		parentID, index))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: fragment %d of %s", index, parentID)
		}
		return nil, eris.Wrapf(err, "postgres: get fragment %d of %s", index, parentID)
	}
	return e, nil
}

func (s *PostgresStore) ListFragments(ctx context.Context, parentID string) ([]model.Entry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entryColumns+` FROM entries WHERE fragment_of = $1 ORDER BY fragment_index`,
		parentID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list fragments of %s", parentID)
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan fragment")
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list fragments iterate")
}

func (s *PostgresStore) SetClaims(ctx context.Context, entryID string, claims []model.Claim) error {
	claimsJSON, err := json.Marshal(orEmpty(claims))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal claims")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE entries SET claims = $1, claims_status = $2, updated_at = now()
		 WHERE id = $3 AND claims_status = $4`,
		claimsJSON, string(model.ClaimsStatusReady), entryID, string(model.ClaimsStatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set claims %s", entryID)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetEntry(ctx, entryID); err != nil {
			return err
		}
		return eris.Wrapf(model.ErrConflict, "postgres: claims already set on %s", entryID)
	}
	return nil
}

func (s *PostgresStore) MarkClaimsFailed(ctx context.Context, entryID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entries SET claims_status = $1, updated_at = now()
		 WHERE id = $2 AND claims_status = $3`,
		string(model.ClaimsStatusFailed), entryID, string(model.ClaimsStatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: mark claims failed %s", entryID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrConflict, "postgres: claims not pending on %s", entryID)
	}
	return nil
}

func (s *PostgresStore) SetTopic(ctx context.Context, entryID, topic string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entries SET topic = $1, updated_at = now() WHERE id = $2`,
		topic, entryID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set topic %s", entryID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: entry %s", entryID)
	}
	return nil
}

func (s *PostgresStore) SetEmbedding(ctx context.Context, entryID string, vec []float64) error {
	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal embedding")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE entries SET embedding = $1, updated_at = now() WHERE id = $2`,
		vecJSON, entryID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set embedding %s", entryID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: entry %s", entryID)
	}
	return nil
}

func (s *PostgresStore) ListEmbedded(ctx context.Context, collectionID, excludeID string) ([]EmbeddedEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, claims, embedding FROM entries
		 WHERE collection_id = $1 AND id <> $2 AND embedding IS NOT NULL`,
		collectionID, excludeID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list embedded")
	}
	defer rows.Close()

	var out []EmbeddedEntry
	for rows.Next() {
		var e EmbeddedEntry
		var claims, embedding []byte
		if err := rows.Scan(&e.ID, &claims, &embedding); err != nil {
			return nil, eris.Wrap(err, "postgres: scan embedded")
		}
		if err := json.Unmarshal(claims, &e.Claims); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal claims")
		}
		if err := json.Unmarshal(embedding, &e.Embedding); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal embedding")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list embedded iterate")
}

func (s *PostgresStore) SetExpectedComparisons(ctx context.Context, entryID string, n int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entries SET expected_comparisons = $1, updated_at = now() WHERE id = $2`,
		n, entryID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set expected comparisons %s", entryID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "postgres: entry %s", entryID)
	}
	return nil
}

func (s *PostgresStore) AppendComparison(ctx context.Context, entryID string, cmp model.Comparison, reviewThreshold float64) (*ComparisonProgress, error) {
	cmpJSON, err := json.Marshal([]model.Comparison{cmp})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal comparison")
	}
	// Containment probe keyed on against_id: a duplicate delivery of the
	// same comparison leaves the row untouched.
	dupKey, err := json.Marshal([]map[string]string{{"against_id": cmp.AgainstID}})
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal comparison key")
	}

	var p ComparisonProgress
	err = s.pool.QueryRow(ctx,
		`UPDATE entries SET
		   comparisons = CASE WHEN comparisons @> $5::jsonb THEN comparisons ELSE comparisons || $1::jsonb END,
		   max_friction = CASE WHEN comparisons @> $5::jsonb THEN max_friction ELSE GREATEST(max_friction, $2) END,
		   needs_review = needs_review OR (NOT comparisons @> $5::jsonb AND $3),
		   updated_at = now()
		 WHERE id = $4
		 RETURNING jsonb_array_length(comparisons), expected_comparisons, max_friction`,
		cmpJSON, cmp.Friction, cmp.Friction > reviewThreshold, entryID, dupKey,
	).Scan(&p.Count, &p.Expected, &p.MaxFriction)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: entry %s", entryID)
		}
		return nil, eris.Wrapf(err, "postgres: append comparison %s", entryID)
	}
	return &p, nil
}

func (s *PostgresStore) AbandonComparison(ctx context.Context, entryID string) (*ComparisonProgress, error) {
	var p ComparisonProgress
	err := s.pool.QueryRow(ctx,
		`UPDATE entries SET
		   expected_comparisons = GREATEST(expected_comparisons - 1, 0),
		   updated_at = now()
		 WHERE id = $1 AND integration_status = $2
		 RETURNING jsonb_array_length(comparisons), expected_comparisons, max_friction`,
		entryID, string(model.IntegrationPending),
	).Scan(&p.Count, &p.Expected, &p.MaxFriction)
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(err, "postgres: abandon comparison %s", entryID)
		}
		// No pending row: either the entry is already final or it does
		// not exist.
		var one int
		err = s.pool.QueryRow(ctx, `SELECT 1 FROM entries WHERE id = $1`, entryID).Scan(&one)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: entry %s", entryID)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: abandon comparison %s", entryID)
		}
		return nil, nil
	}
	return &p, nil
}

func (s *PostgresStore) CompleteIntegration(ctx context.Context, entryID string, status model.IntegrationStatus) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE entries SET integration_status = $1, updated_at = now()
		 WHERE id = $2 AND integration_status = $3`,
		string(status), entryID, string(model.IntegrationPending),
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: complete integration %s", entryID)
	}
	return tag.RowsAffected() > 0, nil
}

// --- Jobs ---

const jobColumns = `id, collection_id, type, status, payload, claimed_by, claimed_at,
	retry_count, max_retries, timeout_secs, last_error, created_at, updated_at`

func scanJob(row rowScanner) (*model.Job, error) {
	var j model.Job
	var timeoutSecs int64
	err := row.Scan(&j.ID, &j.CollectionID, &j.Type, &j.Status, &j.Payload, &j.ClaimedBy,
		&j.ClaimedAt, &j.RetryCount, &j.MaxRetries, &timeoutSecs, &j.LastError,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Timeout = time.Duration(timeoutSecs) * time.Second
	return &j, nil
}

func (s *PostgresStore) EnqueueJob(ctx context.Context, job *model.Job) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, collection_id, type, status, payload, retry_count, max_retries, timeout_secs, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		job.ID, job.CollectionID, string(job.Type), string(job.Status), []byte(job.Payload),
		job.RetryCount, job.MaxRetries, int64(job.Timeout/time.Second), job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "postgres: enqueue %s job", job.Type)
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(model.ErrNotFound, "postgres: job %s", id)
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", id)
	}
	return j, nil
}

// ClaimNextJob selects the oldest eligible pending job under FOR UPDATE
// SKIP LOCKED, so concurrent claimants never receive the same row. Jobs in
// collections the clearance does not dominate are filtered in the same
// statement: an unauthorized worker never learns they exist.
func (s *PostgresStore) ClaimNextJob(ctx context.Context, req ClaimRequest) (*model.Job, error) {
	legacy := req.Clearance == nil
	rank := 0
	comps := []byte("[]")
	if !legacy {
		rank = req.Clearance.Level.Rank()
		var err error
		comps, err = json.Marshal(orEmpty(req.Clearance.Compartments))
		if err != nil {
			return nil, eris.Wrap(err, "postgres: marshal clearance compartments")
		}
	}

	j, err := scanJob(s.pool.QueryRow(ctx,
		`WITH next AS (
		   SELECT j.id FROM jobs j
		   JOIN collections c ON c.id = j.collection_id
		   WHERE j.status = 'pending'
		     AND j.collection_id = $1
		     AND ($2 = '' OR j.type = $2)
		     AND ($3 OR (c.level_rank <= $4 AND c.compartments <@ $5::jsonb))
		   ORDER BY j.created_at
		   LIMIT 1
		   FOR UPDATE OF j SKIP LOCKED
		 )
		 UPDATE jobs SET status = 'in_progress', claimed_by = $6, claimed_at = now(), updated_at = now()
		 FROM next WHERE jobs.id = next.id
		 RETURNING jobs.id, jobs.collection_id, jobs.type, jobs.status, jobs.payload,
		   jobs.claimed_by, jobs.claimed_at, jobs.retry_count, jobs.max_retries,
		   jobs.timeout_secs, jobs.last_error, jobs.created_at, jobs.updated_at`,
		req.CollectionID, string(req.Type), legacy, rank, comps, req.WorkerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: claim next job")
	}
	return j, nil
}

// ReclaimTimedOut returns expired in-progress jobs with retries remaining to
// pending, and flips exhausted ones to failed. The effective timeout doubles
// per retry, which is the queue's backoff mechanism.
func (s *PostgresStore) ReclaimTimedOut(ctx context.Context, collectionID string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', claimed_by = '', claimed_at = NULL,
		   retry_count = retry_count + 1, updated_at = now()
		 WHERE collection_id = $1 AND status = 'in_progress'
		   AND retry_count < max_retries
		   AND claimed_at + make_interval(secs => timeout_secs * power(2, retry_count)) < now()`,
		collectionID,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: reclaim timed out")
	}
	reclaimed := int(tag.RowsAffected())

	tag, err = s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', last_error = 'claim timed out, retries exhausted', updated_at = now()
		 WHERE collection_id = $1 AND status = 'in_progress'
		   AND retry_count >= max_retries
		   AND claimed_at + make_interval(secs => timeout_secs * power(2, retry_count)) < now()`,
		collectionID,
	)
	if err != nil {
		return reclaimed, eris.Wrap(err, "postgres: expire exhausted jobs")
	}
	return reclaimed + int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID, workerID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', updated_at = now()
		 WHERE id = $1 AND status = 'in_progress' AND claimed_by = $2`,
		jobID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return s.jobConflict(ctx, jobID)
	}
	return nil
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID, workerID, errMsg string) (model.JobStatus, error) {
	var status string
	err := s.pool.QueryRow(ctx,
		`UPDATE jobs SET
		   status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
		   retry_count = retry_count + CASE WHEN retry_count < max_retries THEN 1 ELSE 0 END,
		   claimed_by = CASE WHEN retry_count < max_retries THEN '' ELSE claimed_by END,
		   claimed_at = CASE WHEN retry_count < max_retries THEN NULL ELSE claimed_at END,
		   last_error = $3,
		   updated_at = now()
		 WHERE id = $1 AND status = 'in_progress' AND claimed_by = $2
		 RETURNING status`,
		jobID, workerID, errMsg,
	).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", s.jobConflict(ctx, jobID)
		}
		return "", eris.Wrapf(err, "postgres: fail job %s", jobID)
	}
	return model.JobStatus(status), nil
}

func (s *PostgresStore) jobConflict(ctx context.Context, jobID string) error {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return eris.Wrapf(model.ErrConflict, "postgres: job %s not in progress for this worker", jobID)
}

func (s *PostgresStore) JobStats(ctx context.Context, collectionID string) (map[model.JobType]model.JobStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT type, status, COUNT(*) FROM jobs WHERE collection_id = $1 GROUP BY type, status`,
		collectionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: job stats")
	}
	defer rows.Close()

	out := make(map[model.JobType]model.JobStats)
	for rows.Next() {
		var jobType, status string
		var count int
		if err := rows.Scan(&jobType, &status, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan job stats")
		}
		st := out[model.JobType(jobType)]
		switch model.JobStatus(status) {
		case model.JobStatusPending:
			st.Pending = count
		case model.JobStatusInProgress:
			st.InProgress = count
		case model.JobStatusCompleted:
			st.Completed = count
		case model.JobStatusFailed:
			st.Failed = count
		}
		out[model.JobType(jobType)] = st
	}
	return out, eris.Wrap(rows.Err(), "postgres: job stats iterate")
}

func (s *PostgresStore) EntryStats(ctx context.Context, collectionID string) (*EntryStats, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT claims_status, integration_status, needs_review, COUNT(*)
		 FROM entries WHERE collection_id = $1
		 GROUP BY claims_status, integration_status, needs_review`,
		collectionID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: entry stats")
	}
	defer rows.Close()

	out := &EntryStats{}
	for rows.Next() {
		var claimsStatus, integrationStatus string
		var needsReview bool
		var count int
		if err := rows.Scan(&claimsStatus, &integrationStatus, &needsReview, &count); err != nil {
			return nil, eris.Wrap(err, "postgres: scan entry stats")
		}
		foldEntryStats(out, model.ClaimsStatus(claimsStatus), model.IntegrationStatus(integrationStatus), needsReview, count)
	}
	return out, eris.Wrap(rows.Err(), "postgres: entry stats iterate")
}

// --- Clearances ---

func (s *PostgresStore) UpsertClearance(ctx context.Context, c model.Clearance) error {
	comps, err := json.Marshal(orEmpty(c.Grant.Compartments))
	if err != nil {
		return eris.Wrap(err, "postgres: marshal clearance compartments")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO clearances (author_id, org_id, level, compartments, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (author_id, org_id) DO UPDATE SET level = $3, compartments = $4, updated_at = now()`,
		c.AuthorID, c.OrgID, string(c.Grant.Level), comps,
	)
	return eris.Wrapf(err, "postgres: upsert clearance %s/%s", c.AuthorID, c.OrgID)
}

func (s *PostgresStore) GetClearance(ctx context.Context, authorID, orgID string) (*model.Clearance, error) {
	var c model.Clearance
	var level string
	var comps []byte

	err := s.pool.QueryRow(ctx,
		`SELECT author_id, org_id, level, compartments, updated_at FROM clearances
		 WHERE author_id = $1 AND org_id = $2`,
		authorID, orgID,
	).Scan(&c.AuthorID, &c.OrgID, &level, &comps, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get clearance %s/%s", authorID, orgID)
	}
	c.Grant.Level = label.Level(level)
	if err := json.Unmarshal(comps, &c.Grant.Compartments); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal clearance compartments")
	}
	return &c, nil
}

func (s *PostgresStore) DeleteClearance(ctx context.Context, authorID, orgID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM clearances WHERE author_id = $1 AND org_id = $2`,
		authorID, orgID,
	)
	return eris.Wrapf(err, "postgres: delete clearance %s/%s", authorID, orgID)
}

func (s *PostgresStore) ListClearances(ctx context.Context) ([]model.Clearance, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT author_id, org_id, level, compartments, updated_at FROM clearances ORDER BY author_id, org_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list clearances")
	}
	defer rows.Close()

	var out []model.Clearance
	for rows.Next() {
		var c model.Clearance
		var level string
		var comps []byte
		if err := rows.Scan(&c.AuthorID, &c.OrgID, &level, &comps, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan clearance")
		}
		c.Grant.Level = label.Level(level)
		if err := json.Unmarshal(comps, &c.Grant.Compartments); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal clearance compartments")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list clearances iterate")
}

// --- Audit ---

func (s *PostgresStore) InsertAuditEvents(ctx context.Context, events []model.AuditEvent) error {
	rows := make([][]any, len(events))
	for i, ev := range events {
		rows[i] = []any{ev.ID, ev.Actor, ev.Action, ev.Resource, ev.Collection, ev.Detail, ev.Timestamp}
	}
	_, err := db.CopyFrom(ctx, s.pool, "audit_events",
		[]string{"id", "actor", "action", "resource", "collection", "detail", "ts"}, rows)
	return eris.Wrap(err, "postgres: insert audit events")
}

func (s *PostgresStore) QueryAuditEvents(ctx context.Context, f AuditFilter) ([]model.AuditEvent, error) {
	query := `SELECT id, actor, action, resource, collection, detail, ts FROM audit_events WHERE true`
	args := []any{}
	argIdx := 1

	add := func(clause string, val any) {
		query += fmt.Sprintf(clause, argIdx)
		args = append(args, val)
		argIdx++
	}
	if f.Actor != "" {
		add(` AND actor = $%d`, f.Actor)
	}
	if f.Action != "" {
		add(` AND action = $%d`, f.Action)
	}
	if f.Resource != "" {
		add(` AND resource = $%d`, f.Resource)
	}
	if f.Collection != "" {
		add(` AND collection = $%d`, f.Collection)
	}
	if !f.Since.IsZero() {
		add(` AND ts >= $%d`, f.Since)
	}
	if !f.Until.IsZero() {
		add(` AND ts < $%d`, f.Until)
	}

	query += ` ORDER BY ts DESC`
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	add(` LIMIT $%d`, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query audit events")
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.Actor, &ev.Action, &ev.Resource, &ev.Collection, &ev.Detail, &ev.Timestamp); err != nil {
			return nil, eris.Wrap(err, "postgres: scan audit event")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "postgres: query audit iterate")
}

// orEmpty keeps JSONB columns as [] instead of null for empty slices.
func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
