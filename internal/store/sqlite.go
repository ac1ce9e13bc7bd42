package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/corpus/internal/label"
	"github.com/sells-group/corpus/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It is the
// single-node driver; the connection pool is capped at one so claim and
// append operations serialize without row locks.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS collections (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL UNIQUE,
	level        TEXT NOT NULL,
	level_rank   INTEGER NOT NULL,
	compartments TEXT NOT NULL DEFAULT '[]',
	next_seq     INTEGER NOT NULL DEFAULT 0,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS entries (
	id                   TEXT PRIMARY KEY,
	collection_id        TEXT NOT NULL REFERENCES collections(id),
	seq                  INTEGER NOT NULL,
	content              BLOB NOT NULL,
	content_type         TEXT NOT NULL,
	author               TEXT NOT NULL,
	topic                TEXT NOT NULL DEFAULT '',
	refs                 TEXT NOT NULL DEFAULT '[]',
	level                TEXT NOT NULL,
	compartments         TEXT NOT NULL DEFAULT '[]',
	claims               TEXT NOT NULL DEFAULT '[]',
	claims_status        TEXT NOT NULL DEFAULT 'pending',
	comparisons          TEXT NOT NULL DEFAULT '[]',
	expected_comparisons INTEGER NOT NULL DEFAULT 0,
	max_friction         REAL NOT NULL DEFAULT 0,
	needs_review         INTEGER NOT NULL DEFAULT 0,
	integration_status   TEXT NOT NULL DEFAULT 'pending',
	fragment_of          TEXT NOT NULL DEFAULT '',
	fragment_index       INTEGER,
	embedding            TEXT,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL,
	UNIQUE (collection_id, seq)
);

CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	collection_id TEXT NOT NULL REFERENCES collections(id),
	type          TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending',
	payload       TEXT NOT NULL,
	claimed_by    TEXT NOT NULL DEFAULT '',
	claimed_at    DATETIME,
	retry_count   INTEGER NOT NULL DEFAULT 0,
	max_retries   INTEGER NOT NULL DEFAULT 3,
	timeout_secs  INTEGER NOT NULL,
	last_error    TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	updated_at    DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS clearances (
	author_id    TEXT NOT NULL,
	org_id       TEXT NOT NULL,
	level        TEXT NOT NULL,
	compartments TEXT NOT NULL DEFAULT '[]',
	updated_at   DATETIME NOT NULL,
	PRIMARY KEY (author_id, org_id)
);

CREATE TABLE IF NOT EXISTS audit_events (
	id            TEXT PRIMARY KEY,
	actor         TEXT NOT NULL,
	action        TEXT NOT NULL,
	resource      TEXT NOT NULL,
	collection_id TEXT NOT NULL DEFAULT '',
	detail        TEXT NOT NULL DEFAULT '',
	ts            DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_entries_collection ON entries(collection_id);
CREATE INDEX IF NOT EXISTS idx_entries_fragment_of ON entries(fragment_of);
CREATE INDEX IF NOT EXISTS idx_jobs_claim ON jobs(collection_id, status, type, created_at);
CREATE INDEX IF NOT EXISTS idx_audit_ts ON audit_events(ts);
CREATE INDEX IF NOT EXISTS idx_audit_actor ON audit_events(actor);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func checkRowsAffected(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", kind, id)
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "sqlite: %s %s", kind, id)
	}
	return nil
}

func marshalJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// --- Collections ---

func (s *SQLiteStore) CreateCollection(ctx context.Context, name string, l label.Label) (*model.Collection, error) {
	l = l.Normalize()
	c := &model.Collection{
		ID:        uuid.New().String(),
		Name:      name,
		Label:     l,
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO collections (id, name, level, level_rank, compartments, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.Name, string(l.Level), l.Level.Rank(), marshalJSON(l.Compartments), c.CreatedAt,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: insert collection %s", name)
	}
	return c, nil
}

func (s *SQLiteStore) GetCollection(ctx context.Context, id string) (*model.Collection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, level, compartments, created_at FROM collections WHERE id = ?`, id)

	var c model.Collection
	var compartments string
	err := row.Scan(&c.ID, &c.Name, &c.Label.Level, &compartments, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: collection %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get collection %s", id)
	}
	if err := json.Unmarshal([]byte(compartments), &c.Label.Compartments); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal compartments for collection %s", id)
	}
	return &c, nil
}

func (s *SQLiteStore) ListCollections(ctx context.Context) ([]model.Collection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, level, compartments, created_at FROM collections ORDER BY created_at`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list collections")
	}
	defer rows.Close()

	var out []model.Collection
	for rows.Next() {
		var c model.Collection
		var compartments string
		if err := rows.Scan(&c.ID, &c.Name, &c.Label.Level, &compartments, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan collection")
		}
		if err := json.Unmarshal([]byte(compartments), &c.Label.Compartments); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal compartments for collection %s", c.ID)
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate collections")
}

// --- Entries ---

const sqliteEntryColumns = `id, collection_id, seq, content, content_type, author, topic, refs,
	level, compartments, claims, claims_status, comparisons, expected_comparisons,
	max_friction, needs_review, integration_status, fragment_of, fragment_index,
	embedding, created_at, updated_at`

func (s *SQLiteStore) CreateEntries(ctx context.Context, collectionID string, entries []model.NewEntry) ([]model.Entry, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin create entries")
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	out := make([]model.Entry, 0, len(entries))
	for _, ne := range entries {
		var seq int64
		err := tx.QueryRowContext(ctx,
			`UPDATE collections SET next_seq = next_seq + 1 WHERE id = ? RETURNING next_seq`,
			collectionID,
		).Scan(&seq)
		if err == sql.ErrNoRows {
			return nil, eris.Wrapf(model.ErrNotFound, "sqlite: collection %s", collectionID)
		}
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: advance seq for %s", collectionID)
		}

		l := ne.Label.Normalize()
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
			Label:             l,
			ClaimsStatus:      model.ClaimsStatusPending,
			IntegrationStatus: model.IntegrationPending,
			FragmentOf:        ne.FragmentOf,
			FragmentIndex:     ne.FragmentIndex,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO entries (id, collection_id, seq, content, content_type, author, topic, refs,
				level, compartments, fragment_of, fragment_index, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.CollectionID, e.Seq, e.Content, e.ContentType, e.Author, e.Topic,
			marshalJSON(orEmpty(e.Refs)), string(l.Level), marshalJSON(orEmpty(l.Compartments)),
			e.FragmentOf, e.FragmentIndex, e.CreatedAt, e.UpdatedAt,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert entry seq %d", seq)
		}
		out = append(out, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit create entries")
	}
	return out, nil
}

func (s *SQLiteStore) scanEntry(row interface{ Scan(...any) error }) (*model.Entry, error) {
	var e model.Entry
	var refs, compartments, claims, comparisons string
	var embedding sql.NullString
	var needsReview int

	err := row.Scan(
		&e.ID, &e.CollectionID, &e.Seq, &e.Content, &e.ContentType, &e.Author, &e.Topic, &refs,
		&e.Label.Level, &compartments, &claims, &e.ClaimsStatus, &comparisons, &e.ExpectedComparisons,
		&e.MaxFriction, &needsReview, &e.IntegrationStatus, &e.FragmentOf, &e.FragmentIndex,
		&embedding, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(model.ErrNotFound, "sqlite: entry")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan entry")
	}

	e.NeedsReview = needsReview != 0
	if err := json.Unmarshal([]byte(refs), &e.Refs); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal refs")
	}
	if err := json.Unmarshal([]byte(compartments), &e.Label.Compartments); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal compartments")
	}
	if err := json.Unmarshal([]byte(claims), &e.Claims); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal claims")
	}
	if err := json.Unmarshal([]byte(comparisons), &e.Comparisons); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal comparisons")
	}
	if embedding.Valid {
		if err := json.Unmarshal([]byte(embedding.String), &e.Embedding); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal embedding")
		}
	}
	return &e, nil
}

func (s *SQLiteStore) GetEntry(ctx context.Context, id string) (*model.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM entries WHERE id = ?`, id)
	e, err := s.scanEntry(row)
	if eris.Is(err, model.ErrNotFound) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: entry %s", id)
	}
	return e, err
}

func (s *SQLiteStore) GetFragment(ctx context.Context, parentID string, index int) (*model.Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM entries WHERE fragment_of = ? AND fragment_index = ?`,
		parentID, index)
	e, err := s.scanEntry(row)
	if eris.Is(err, model.ErrNotFound) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: fragment %d of %s", index, parentID)
	}
	return e, err
}

func (s *SQLiteStore) ListFragments(ctx context.Context, parentID string) ([]model.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteEntryColumns+` FROM entries WHERE fragment_of = ? ORDER BY fragment_index`,
		parentID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list fragments of %s", parentID)
	}
	defer rows.Close()

	var out []model.Entry
	for rows.Next() {
		e, err := s.scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate fragments")
}

func (s *SQLiteStore) SetClaims(ctx context.Context, entryID string, claims []model.Claim) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET claims = ?, claims_status = ?, updated_at = ?
		 WHERE id = ? AND claims_status = ?`,
		marshalJSON(orEmpty(claims)), string(model.ClaimsStatusReady), time.Now().UTC(),
		entryID, string(model.ClaimsStatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set claims %s", entryID)
	}
	return s.claimsWriteConflict(ctx, res, entryID)
}

func (s *SQLiteStore) MarkClaimsFailed(ctx context.Context, entryID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET claims_status = ?, updated_at = ?
		 WHERE id = ? AND claims_status = ?`,
		string(model.ClaimsStatusFailed), time.Now().UTC(),
		entryID, string(model.ClaimsStatusPending),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: mark claims failed %s", entryID)
	}
	return s.claimsWriteConflict(ctx, res, entryID)
}

// claimsWriteConflict turns a zero-row conditional update into ErrNotFound
// or ErrConflict depending on whether the entry exists at all.
func (s *SQLiteStore) claimsWriteConflict(ctx context.Context, res sql.Result, entryID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for entry %s", entryID)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetEntry(ctx, entryID); err != nil {
		return err
	}
	return eris.Wrapf(model.ErrConflict, "sqlite: claims already finalized on %s", entryID)
}

func (s *SQLiteStore) SetTopic(ctx context.Context, entryID, topic string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET topic = ?, updated_at = ? WHERE id = ?`,
		topic, time.Now().UTC(), entryID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set topic %s", entryID)
	}
	return checkRowsAffected(res, "entry", entryID)
}

func (s *SQLiteStore) SetEmbedding(ctx context.Context, entryID string, vec []float64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET embedding = ?, updated_at = ? WHERE id = ?`,
		marshalJSON(vec), time.Now().UTC(), entryID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set embedding %s", entryID)
	}
	return checkRowsAffected(res, "entry", entryID)
}

func (s *SQLiteStore) ListEmbedded(ctx context.Context, collectionID, excludeID string) ([]EmbeddedEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, claims, embedding FROM entries
		 WHERE collection_id = ? AND id != ? AND embedding IS NOT NULL`,
		collectionID, excludeID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list embedded in %s", collectionID)
	}
	defer rows.Close()

	var out []EmbeddedEntry
	for rows.Next() {
		var ee EmbeddedEntry
		var claims, embedding string
		if err := rows.Scan(&ee.ID, &claims, &embedding); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan embedded entry")
		}
		if err := json.Unmarshal([]byte(claims), &ee.Claims); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal claims")
		}
		if err := json.Unmarshal([]byte(embedding), &ee.Embedding); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal embedding")
		}
		out = append(out, ee)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate embedded")
}

func (s *SQLiteStore) SetExpectedComparisons(ctx context.Context, entryID string, n int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET expected_comparisons = ?, updated_at = ? WHERE id = ?`,
		n, time.Now().UTC(), entryID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set expected comparisons %s", entryID)
	}
	return checkRowsAffected(res, "entry", entryID)
}

func (s *SQLiteStore) AppendComparison(ctx context.Context, entryID string, cmp model.Comparison, reviewThreshold float64) (*ComparisonProgress, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin append comparison")
	}
	defer tx.Rollback()

	var comparisonsJSON string
	var expected int
	var maxFriction float64
	err = tx.QueryRowContext(ctx,
		`SELECT comparisons, expected_comparisons, max_friction FROM entries WHERE id = ?`,
		entryID,
	).Scan(&comparisonsJSON, &expected, &maxFriction)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: entry %s", entryID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read comparisons %s", entryID)
	}

	var comparisons []model.Comparison
	if err := json.Unmarshal([]byte(comparisonsJSON), &comparisons); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal comparisons")
	}
	for _, existing := range comparisons {
		if existing.AgainstID == cmp.AgainstID {
			return &ComparisonProgress{Count: len(comparisons), Expected: expected, MaxFriction: maxFriction}, nil
		}
	}
	comparisons = append(comparisons, cmp)
	if cmp.Friction > maxFriction {
		maxFriction = cmp.Friction
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE entries SET comparisons = ?, max_friction = ?,
			needs_review = needs_review OR ?, updated_at = ? WHERE id = ?`,
		marshalJSON(comparisons), maxFriction, cmp.Friction > reviewThreshold,
		time.Now().UTC(), entryID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: append comparison %s", entryID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit append comparison")
	}
	return &ComparisonProgress{Count: len(comparisons), Expected: expected, MaxFriction: maxFriction}, nil
}

func (s *SQLiteStore) AbandonComparison(ctx context.Context, entryID string) (*ComparisonProgress, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin abandon comparison")
	}
	defer tx.Rollback()

	var status, comparisonsJSON string
	var expected int
	var maxFriction float64
	err = tx.QueryRowContext(ctx,
		`SELECT integration_status, comparisons, expected_comparisons, max_friction
		 FROM entries WHERE id = ?`,
		entryID,
	).Scan(&status, &comparisonsJSON, &expected, &maxFriction)
	if err == sql.ErrNoRows {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: entry %s", entryID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: read entry %s", entryID)
	}
	if status != string(model.IntegrationPending) {
		return nil, nil
	}

	if expected > 0 {
		expected--
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE entries SET expected_comparisons = ?, updated_at = ? WHERE id = ?`,
		expected, time.Now().UTC(), entryID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: abandon comparison %s", entryID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit abandon comparison")
	}

	var comparisons []model.Comparison
	if err := json.Unmarshal([]byte(comparisonsJSON), &comparisons); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal comparisons")
	}
	return &ComparisonProgress{Count: len(comparisons), Expected: expected, MaxFriction: maxFriction}, nil
}

func (s *SQLiteStore) CompleteIntegration(ctx context.Context, entryID string, status model.IntegrationStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE entries SET integration_status = ?, updated_at = ?
		 WHERE id = ? AND integration_status = ?`,
		string(status), time.Now().UTC(), entryID, string(model.IntegrationPending),
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: complete integration %s", entryID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: rows affected for entry %s", entryID)
	}
	return n > 0, nil
}

// --- Jobs ---

const sqliteJobColumns = `id, collection_id, type, status, payload, claimed_by, claimed_at,
	retry_count, max_retries, timeout_secs, last_error, created_at, updated_at`

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *model.Job) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, collection_id, type, status, payload, retry_count, max_retries,
			timeout_secs, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.CollectionID, string(job.Type), string(job.Status), string(job.Payload),
		job.RetryCount, job.MaxRetries, int64(job.Timeout/time.Second), job.CreatedAt, job.UpdatedAt,
	)
	return eris.Wrapf(err, "sqlite: enqueue job %s", job.ID)
}

func (s *SQLiteStore) scanJob(row interface{ Scan(...any) error }) (*model.Job, error) {
	var j model.Job
	var payload string
	var claimedAt sql.NullTime
	var timeoutSecs int64

	err := row.Scan(
		&j.ID, &j.CollectionID, &j.Type, &j.Status, &payload, &j.ClaimedBy, &claimedAt,
		&j.RetryCount, &j.MaxRetries, &timeoutSecs, &j.LastError, &j.CreatedAt, &j.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, eris.Wrap(model.ErrNotFound, "sqlite: job")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	j.Payload = json.RawMessage(payload)
	if claimedAt.Valid {
		t := claimedAt.Time
		j.ClaimedAt = &t
	}
	j.Timeout = time.Duration(timeoutSecs) * time.Second
	return &j, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs WHERE id = ?`, id)
	j, err := s.scanJob(row)
	if eris.Is(err, model.ErrNotFound) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: job %s", id)
	}
	return j, err
}

func (s *SQLiteStore) ClaimNextJob(ctx context.Context, req ClaimRequest) (*model.Job, error) {
	// Admission check runs in Go: SQLite has no containment operator, and
	// the single-connection pool already serializes claimants.
	if req.Clearance != nil {
		c, err := s.GetCollection(ctx, req.CollectionID)
		if err != nil {
			return nil, err
		}
		if !req.Clearance.Dominates(c.Label) {
			return nil, nil
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin claim")
	}
	defer tx.Rollback()

	query := `SELECT ` + sqliteJobColumns + ` FROM jobs
		WHERE status = 'pending' AND collection_id = ?`
	args := []any{req.CollectionID}
	if req.Type != "" {
		query += ` AND type = ?`
		args = append(args, string(req.Type))
	}
	query += ` ORDER BY created_at LIMIT 1`

	j, err := s.scanJob(tx.QueryRowContext(ctx, query, args...))
	if eris.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'in_progress', claimed_by = ?, claimed_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		req.WorkerID, now, now, j.ID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim job %s", j.ID)
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit claim")
	}

	j.Status = model.JobStatusInProgress
	j.ClaimedBy = req.WorkerID
	j.ClaimedAt = &now
	j.UpdatedAt = now
	return j, nil
}

func (s *SQLiteStore) ReclaimTimedOut(ctx context.Context, collectionID string) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM jobs
		 WHERE collection_id = ? AND status = 'in_progress'`, collectionID)
	if err != nil {
		return 0, eris.Wrapf(err, "sqlite: list in-progress jobs for %s", collectionID)
	}
	defer rows.Close()

	var expired []*model.Job
	now := time.Now().UTC()
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return 0, err
		}
		if j.ClaimExpired(now) {
			expired = append(expired, j)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, eris.Wrap(err, "sqlite: iterate in-progress jobs")
	}

	n := 0
	for _, j := range expired {
		var res sql.Result
		if j.RetryCount < j.MaxRetries {
			res, err = s.db.ExecContext(ctx,
				`UPDATE jobs SET status = 'pending', claimed_by = '', claimed_at = NULL,
					retry_count = retry_count + 1, updated_at = ?
				 WHERE id = ? AND status = 'in_progress' AND claimed_by = ?`,
				now, j.ID, j.ClaimedBy)
		} else {
			res, err = s.db.ExecContext(ctx,
				`UPDATE jobs SET status = 'failed', last_error = 'claim timed out, retries exhausted',
					updated_at = ?
				 WHERE id = ? AND status = 'in_progress' AND claimed_by = ?`,
				now, j.ID, j.ClaimedBy)
		}
		if err != nil {
			return n, eris.Wrapf(err, "sqlite: reclaim job %s", j.ID)
		}
		if affected, _ := res.RowsAffected(); affected > 0 {
			n++
		}
	}
	return n, nil
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', updated_at = ?
		 WHERE id = ? AND status = 'in_progress' AND claimed_by = ?`,
		time.Now().UTC(), jobID, workerID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return s.jobWriteConflict(ctx, res, jobID)
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID, workerID, errMsg string) (model.JobStatus, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET
			status = CASE WHEN retry_count < max_retries THEN 'pending' ELSE 'failed' END,
			claimed_by = '', claimed_at = NULL,
			retry_count = CASE WHEN retry_count < max_retries THEN retry_count + 1 ELSE retry_count END,
			last_error = ?, updated_at = ?
		 WHERE id = ? AND status = 'in_progress' AND claimed_by = ?`,
		errMsg, now, jobID, workerID,
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: fail job %s", jobID)
	}
	if err := s.jobWriteConflict(ctx, res, jobID); err != nil {
		return "", err
	}
	j, err := s.GetJob(ctx, jobID)
	if err != nil {
		return "", err
	}
	return j.Status, nil
}

// jobWriteConflict distinguishes a missing job from one held by someone else.
func (s *SQLiteStore) jobWriteConflict(ctx context.Context, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for job %s", jobID)
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return err
	}
	return eris.Wrapf(model.ErrConflict, "sqlite: job %s not held by this worker", jobID)
}

func (s *SQLiteStore) JobStats(ctx context.Context, collectionID string) (map[model.JobType]model.JobStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT type, status, COUNT(*) FROM jobs WHERE collection_id = ? GROUP BY type, status`,
		collectionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: job stats for %s", collectionID)
	}
	defer rows.Close()

	out := make(map[model.JobType]model.JobStats)
	for rows.Next() {
		var jt model.JobType
		var js model.JobStatus
		var count int
		if err := rows.Scan(&jt, &js, &count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job stats")
		}
		st := out[jt]
		switch js {
		case model.JobStatusPending:
			st.Pending = count
		case model.JobStatusInProgress:
			st.InProgress = count
		case model.JobStatusCompleted:
			st.Completed = count
		case model.JobStatusFailed:
			st.Failed = count
		}
		out[jt] = st
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate job stats")
}

func (s *SQLiteStore) EntryStats(ctx context.Context, collectionID string) (*EntryStats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT claims_status, integration_status, needs_review, COUNT(*)
		 FROM entries WHERE collection_id = ?
		 GROUP BY claims_status, integration_status, needs_review`,
		collectionID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: entry stats for %s", collectionID)
	}
	defer rows.Close()

	out := &EntryStats{}
	for rows.Next() {
		var cs model.ClaimsStatus
		var is model.IntegrationStatus
		var needsReview bool
		var count int
		if err := rows.Scan(&cs, &is, &needsReview, &count); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan entry stats")
		}
		foldEntryStats(out, cs, is, needsReview, count)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate entry stats")
}

// --- Clearances ---

func (s *SQLiteStore) UpsertClearance(ctx context.Context, c model.Clearance) error {
	g := c.Grant.Normalize()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO clearances (author_id, org_id, level, compartments, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (author_id, org_id) DO UPDATE SET
			level = excluded.level, compartments = excluded.compartments, updated_at = excluded.updated_at`,
		c.AuthorID, c.OrgID, string(g.Level), marshalJSON(orEmpty(g.Compartments)), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: upsert clearance %s/%s", c.AuthorID, c.OrgID)
}

func (s *SQLiteStore) GetClearance(ctx context.Context, authorID, orgID string) (*model.Clearance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT author_id, org_id, level, compartments, updated_at FROM clearances
		 WHERE author_id = ? AND org_id = ?`, authorID, orgID)

	var c model.Clearance
	var compartments string
	err := row.Scan(&c.AuthorID, &c.OrgID, &c.Grant.Level, &compartments, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get clearance %s/%s", authorID, orgID)
	}
	if err := json.Unmarshal([]byte(compartments), &c.Grant.Compartments); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal clearance compartments")
	}
	return &c, nil
}

func (s *SQLiteStore) DeleteClearance(ctx context.Context, authorID, orgID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM clearances WHERE author_id = ? AND org_id = ?`, authorID, orgID)
	return eris.Wrapf(err, "sqlite: delete clearance %s/%s", authorID, orgID)
}

func (s *SQLiteStore) ListClearances(ctx context.Context) ([]model.Clearance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT author_id, org_id, level, compartments, updated_at FROM clearances
		 ORDER BY author_id, org_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list clearances")
	}
	defer rows.Close()

	var out []model.Clearance
	for rows.Next() {
		var c model.Clearance
		var compartments string
		if err := rows.Scan(&c.AuthorID, &c.OrgID, &c.Grant.Level, &compartments, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan clearance")
		}
		if err := json.Unmarshal([]byte(compartments), &c.Grant.Compartments); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal clearance compartments")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate clearances")
}

// --- Audit ---

func (s *SQLiteStore) InsertAuditEvents(ctx context.Context, events []model.AuditEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin audit insert")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO audit_events (id, actor, action, resource, collection_id, detail, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare audit insert")
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.ID, ev.Actor, ev.Action, ev.Resource,
			ev.Collection, ev.Detail, ev.Timestamp); err != nil {
			return eris.Wrapf(err, "sqlite: insert audit event %s", ev.ID)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit audit insert")
}

func (s *SQLiteStore) QueryAuditEvents(ctx context.Context, f AuditFilter) ([]model.AuditEvent, error) {
	query := `SELECT id, actor, action, resource, collection_id, detail, ts FROM audit_events WHERE 1=1`
	var args []any

	if f.Actor != "" {
		query += ` AND actor = ?`
		args = append(args, f.Actor)
	}
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, f.Action)
	}
	if f.Resource != "" {
		query += ` AND resource LIKE ? || '%'`
		args = append(args, f.Resource)
	}
	if f.Collection != "" {
		query += ` AND collection_id = ?`
		args = append(args, f.Collection)
	}
	if !f.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, f.Since)
	}
	if !f.Until.IsZero() {
		query += ` AND ts < ?`
		args = append(args, f.Until)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY ts DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query audit events")
	}
	defer rows.Close()

	var out []model.AuditEvent
	for rows.Next() {
		var ev model.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.Actor, &ev.Action, &ev.Resource,
			&ev.Collection, &ev.Detail, &ev.Timestamp); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan audit event")
		}
		out = append(out, ev)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate audit events")
}
