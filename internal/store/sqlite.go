package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One connection serializes writers, which makes read-then-write
	// transactions atomic without SQLITE_BUSY upgrades.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

// Timestamps are fixed-width UTC text so string comparison matches time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS extraction_jobs (
	id               TEXT PRIMARY KEY,
	document_id      TEXT NOT NULL UNIQUE,
	client_id        TEXT NOT NULL,
	project_id       TEXT NOT NULL DEFAULT '',
	file_ref         TEXT NOT NULL,
	document_name    TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	last_error       TEXT NOT NULL DEFAULT '',
	result           TEXT,
	last_attempt_at  TEXT,
	lease_expires_at TEXT,
	created_at       TEXT NOT NULL,
	updated_at       TEXT NOT NULL,
	completed_at     TEXT
);

CREATE INDEX IF NOT EXISTS idx_extraction_jobs_status ON extraction_jobs(status, created_at);
CREATE INDEX IF NOT EXISTS idx_extraction_jobs_client ON extraction_jobs(client_id);

CREATE TABLE IF NOT EXISTS canonical_codes (
	id           TEXT PRIMARY KEY,
	code         TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	category     TEXT NOT NULL,
	data_type    TEXT NOT NULL DEFAULT 'currency',
	description  TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS item_code_aliases (
	id                TEXT PRIMARY KEY,
	alias             TEXT NOT NULL,
	alias_normalized  TEXT NOT NULL,
	canonical_code_id TEXT NOT NULL REFERENCES canonical_codes(id),
	canonical_code    TEXT NOT NULL,
	confidence        REAL NOT NULL,
	source            TEXT NOT NULL,
	usage_count       INTEGER NOT NULL DEFAULT 1,
	active            INTEGER NOT NULL DEFAULT 1,
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_item_code_aliases_active ON item_code_aliases(alias_normalized) WHERE active = 1;

CREATE TABLE IF NOT EXISTS codified_items (
	id                TEXT PRIMARY KEY,
	document_id       TEXT NOT NULL,
	original_name     TEXT NOT NULL,
	value             REAL NOT NULL DEFAULT 0,
	currency          TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	suggested_code_id TEXT NOT NULL DEFAULT '',
	suggested_code    TEXT NOT NULL DEFAULT '',
	confidence        REAL NOT NULL DEFAULT 0,
	mapping_status    TEXT NOT NULL,
	reasoning         TEXT NOT NULL DEFAULT '',
	created_at        TEXT NOT NULL,
	updated_at        TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_codified_items_document ON codified_items(document_id, mapping_status);

CREATE TABLE IF NOT EXISTS intelligence_fields (
	scope              TEXT NOT NULL,
	entity_id          TEXT NOT NULL,
	field_path         TEXT NOT NULL,
	value              TEXT NOT NULL,
	confidence         REAL NOT NULL,
	source_text        TEXT NOT NULL DEFAULT '',
	source_document_id TEXT NOT NULL DEFAULT '',
	updated_at         TEXT NOT NULL,
	PRIMARY KEY (scope, entity_id, field_path)
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Jobs ---

const sqliteJobColumns = `id, document_id, client_id, project_id, file_ref, document_name,
	status, attempts, max_attempts, last_error, result,
	last_attempt_at, lease_expires_at, created_at, updated_at, completed_at`

func (s *SQLiteStore) CreateJob(ctx context.Context, nj model.NewJob, maxAttempts int) (*model.ExtractionJob, bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	now := sqliteTime(time.Now())

	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`INSERT INTO extraction_jobs (id, document_id, client_id, project_id, file_ref, document_name, status, attempts, max_attempts, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)
		 ON CONFLICT (document_id) DO NOTHING
		 RETURNING `+sqliteJobColumns,
		uuid.New().String(), nj.DocumentID, nj.ClientID, nj.ProjectID, nj.FileRef, nj.DocumentName,
		string(model.JobStatusPending), maxAttempts, now, now,
	))
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, eris.Wrapf(err, "sqlite: insert job for document %s", nj.DocumentID)
	}

	job, err = scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM extraction_jobs WHERE document_id = ?`, nj.DocumentID))
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: get job for document %s", nj.DocumentID)
	}
	return job, false, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.ExtractionJob, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteJobColumns+` FROM extraction_jobs WHERE id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, resilience.NewNotFoundError("job", jobID)
	}
	return job, eris.Wrapf(err, "sqlite: get job %s", jobID)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ExtractionJob, error) {
	query := `SELECT ` + sqliteJobColumns + ` FROM extraction_jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.DocumentID != "" {
		query += ` AND document_id = ?`
		args = append(args, filter.DocumentID)
	}
	if filter.ClientID != "" {
		query += ` AND client_id = ?`
		args = append(args, filter.ClientID)
	}
	query += ` ORDER BY created_at DESC, id`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	return collectSQLiteJobs(rows, "list jobs")
}

func (s *SQLiteStore) ClaimJobs(ctx context.Context, limit int, lease time.Duration) ([]model.ExtractionJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now()

	rows, err := s.db.QueryContext(ctx,
		`UPDATE extraction_jobs
		 SET status = 'processing', attempts = attempts + 1, last_attempt_at = ?, lease_expires_at = ?, updated_at = ?
		 WHERE id IN (
			SELECT id FROM extraction_jobs
			WHERE status = 'pending'
			ORDER BY created_at, id
			LIMIT ?
		 )
		 RETURNING `+sqliteJobColumns,
		sqliteTime(now), sqliteTime(now.Add(lease)), sqliteTime(now), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: claim jobs")
	}
	jobs, err := collectSQLiteJobs(rows, "claim jobs")
	if err != nil {
		return nil, err
	}
	sortJobsFIFO(jobs)
	return jobs, nil
}

func (s *SQLiteStore) ClaimJob(ctx context.Context, jobID string, lease time.Duration) (*model.ExtractionJob, error) {
	now := time.Now()
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`UPDATE extraction_jobs
		 SET status = 'processing', attempts = attempts + 1, last_attempt_at = ?, lease_expires_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'
		 RETURNING `+sqliteJobColumns,
		sqliteTime(now), sqliteTime(now.Add(lease)), sqliteTime(now), jobID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, eris.Wrapf(err, "sqlite: claim job %s", jobID)
}

func (s *SQLiteStore) StartJob(ctx context.Context, jobID string, lease time.Duration) (*model.ExtractionJob, error) {
	now := time.Now()
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`UPDATE extraction_jobs
		 SET status = 'processing', attempts = attempts + 1, last_attempt_at = ?, lease_expires_at = ?, updated_at = ?
		 WHERE id = ?
		 RETURNING `+sqliteJobColumns,
		sqliteTime(now), sqliteTime(now.Add(lease)), sqliteTime(now), jobID,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, resilience.NewNotFoundError("job", jobID)
	}
	return job, eris.Wrapf(err, "sqlite: start job %s", jobID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID string, attempt int, result *model.JobResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job result")
	}
	now := sqliteTime(time.Now())

	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_jobs
		 SET status = 'completed', result = ?, completed_at = ?, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('processing', 'completed') AND (? = 0 OR attempts = ?)`,
		string(resultJSON), now, now, jobID, attempt, attempt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete job %s", jobID)
	}
	return s.checkJobTransition(ctx, res, jobID, attempt, "complete")
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID string, attempt int, message string, terminal bool) (*model.ExtractionJob, error) {
	job, err := scanSQLiteJob(s.db.QueryRowContext(ctx,
		`UPDATE extraction_jobs
		 SET status = CASE WHEN ? OR attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		     last_error = ?, lease_expires_at = NULL, updated_at = ?
		 WHERE id = ? AND status = 'processing' AND (? = 0 OR attempts = ?)
		 RETURNING `+sqliteJobColumns,
		terminal, message, sqliteTime(time.Now()), jobID, attempt, attempt,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, s.jobConflict(ctx, jobID, attempt, "fail")
	}
	return job, eris.Wrapf(err, "sqlite: fail job %s", jobID)
}

func (s *SQLiteStore) SkipJob(ctx context.Context, jobID string, attempt int, reason string) error {
	now := sqliteTime(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_jobs
		 SET status = 'skipped', last_error = ?, lease_expires_at = NULL, completed_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ('pending', 'processing') AND (? = 0 OR attempts = ?)`,
		reason, now, now, jobID, attempt, attempt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: skip job %s", jobID)
	}
	return s.checkJobTransition(ctx, res, jobID, attempt, "skip")
}

func (s *SQLiteStore) checkJobTransition(ctx context.Context, res sql.Result, jobID string, attempt int, op string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return s.jobConflict(ctx, jobID, attempt, op)
	}
	return nil
}

// jobConflict returns NotFound for a missing job, otherwise a ConflictError
// describing its current state.
func (s *SQLiteStore) jobConflict(ctx context.Context, jobID string, attempt int, op string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return jobConflict(job, attempt, op)
}

func (s *SQLiteStore) ReapJobs(ctx context.Context, now time.Time, message string) ([]model.ExtractionJob, error) {
	ts := sqliteTime(now)
	rows, err := s.db.QueryContext(ctx,
		`UPDATE extraction_jobs
		 SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		     last_error = ?, lease_expires_at = NULL, updated_at = ?
		 WHERE status = 'processing' AND lease_expires_at < ?
		 RETURNING `+sqliteJobColumns,
		message, ts, ts,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: reap jobs")
	}
	return collectSQLiteJobs(rows, "reap jobs")
}

func scanSQLiteJob(row scannable) (*model.ExtractionJob, error) {
	var j model.ExtractionJob
	var resultJSON, lastAttempt, lease, completed sql.NullString
	var created, updated string

	err := row.Scan(&j.ID, &j.DocumentID, &j.ClientID, &j.ProjectID, &j.FileRef, &j.DocumentName,
		&j.Status, &j.Attempts, &j.MaxAttempts, &j.LastError, &resultJSON,
		&lastAttempt, &lease, &created, &updated, &completed)
	if err != nil {
		return nil, err
	}

	if j.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if j.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, err
	}
	if j.LastAttemptAt, err = parseNullSQLiteTime(lastAttempt); err != nil {
		return nil, err
	}
	if j.LeaseExpiresAt, err = parseNullSQLiteTime(lease); err != nil {
		return nil, err
	}
	if j.CompletedAt, err = parseNullSQLiteTime(completed); err != nil {
		return nil, err
	}
	if resultJSON.Valid && resultJSON.String != "" {
		j.Result = &model.JobResult{}
		if err := json.Unmarshal([]byte(resultJSON.String), j.Result); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal job result")
		}
	}
	return &j, nil
}

func collectSQLiteJobs(rows *sql.Rows, op string) ([]model.ExtractionJob, error) {
	defer rows.Close() //nolint:errcheck

	var jobs []model.ExtractionJob
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s scan", op)
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

// --- Codified items ---

const sqliteItemColumns = `id, document_id, original_name, value, currency, category,
	suggested_code_id, suggested_code, confidence, mapping_status, reasoning, created_at, updated_at`

func (s *SQLiteStore) ReplaceItems(ctx context.Context, documentID string, items []model.CodifiedItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: replace items begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM codified_items WHERE document_id = ?`, documentID); err != nil {
		return eris.Wrapf(err, "sqlite: delete items for document %s", documentID)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO codified_items (`+sqliteItemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return eris.Wrap(err, "sqlite: prepare item insert")
	}
	defer stmt.Close() //nolint:errcheck

	now := sqliteTime(time.Now())
	for _, it := range items {
		id := it.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err := stmt.ExecContext(ctx,
			id, documentID, it.OriginalName, it.Value, it.Currency, it.Category,
			it.SuggestedCodeID, it.SuggestedCode, it.Confidence, string(it.MappingStatus), it.Reasoning,
			now, now,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert item %q", it.OriginalName)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: replace items commit")
}

func (s *SQLiteStore) GetItem(ctx context.Context, itemID string) (*model.CodifiedItem, error) {
	it, err := scanSQLiteItem(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteItemColumns+` FROM codified_items WHERE id = ?`, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, resilience.NewNotFoundError("item", itemID)
	}
	return it, eris.Wrapf(err, "sqlite: get item %s", itemID)
}

func (s *SQLiteStore) ListItems(ctx context.Context, filter ItemFilter) ([]model.CodifiedItem, error) {
	query := `SELECT ` + sqliteItemColumns + ` FROM codified_items WHERE 1=1`
	var args []any

	if filter.DocumentID != "" {
		query += ` AND document_id = ?`
		args = append(args, filter.DocumentID)
	}
	if filter.Status != "" {
		query += ` AND mapping_status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at, rowid`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list items")
	}
	defer rows.Close() //nolint:errcheck

	var items []model.CodifiedItem
	for rows.Next() {
		it, err := scanSQLiteItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list items iterate")
}

func (s *SQLiteStore) UpdateItemMapping(ctx context.Context, it model.CodifiedItem) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE codified_items
		 SET suggested_code_id = ?, suggested_code = ?, category = ?, confidence = ?,
		     mapping_status = ?, reasoning = ?, updated_at = ?
		 WHERE id = ?`,
		it.SuggestedCodeID, it.SuggestedCode, it.Category, it.Confidence,
		string(it.MappingStatus), it.Reasoning, sqliteTime(time.Now()), it.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update item %s", it.ID)
	}
	return checkRowsAffected(res, "item", it.ID)
}

func scanSQLiteItem(row scannable) (*model.CodifiedItem, error) {
	var it model.CodifiedItem
	var created, updated string
	err := row.Scan(&it.ID, &it.DocumentID, &it.OriginalName, &it.Value, &it.Currency, &it.Category,
		&it.SuggestedCodeID, &it.SuggestedCode, &it.Confidence, &it.MappingStatus, &it.Reasoning,
		&created, &updated)
	if err != nil {
		return nil, err
	}
	if it.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if it.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, err
	}
	return &it, nil
}

// --- Canonical codes ---

const sqliteCodeColumns = `id, code, display_name, category, data_type, description, created_at`

func (s *SQLiteStore) ListCodes(ctx context.Context) ([]model.CanonicalCode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteCodeColumns+` FROM canonical_codes ORDER BY category, code`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list codes")
	}
	defer rows.Close() //nolint:errcheck

	var codes []model.CanonicalCode
	for rows.Next() {
		c, err := scanSQLiteCode(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan code")
		}
		codes = append(codes, *c)
	}
	return codes, eris.Wrap(rows.Err(), "sqlite: list codes iterate")
}

func (s *SQLiteStore) GetCode(ctx context.Context, codeID string) (*model.CanonicalCode, error) {
	c, err := scanSQLiteCode(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteCodeColumns+` FROM canonical_codes WHERE id = ?`, codeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, resilience.NewNotFoundError("code", codeID)
	}
	return c, eris.Wrapf(err, "sqlite: get code %s", codeID)
}

func (s *SQLiteStore) GetCodeByToken(ctx context.Context, code string) (*model.CanonicalCode, error) {
	c, err := scanSQLiteCode(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteCodeColumns+` FROM canonical_codes WHERE code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return c, eris.Wrapf(err, "sqlite: get code %s", code)
}

func (s *SQLiteStore) CreateCode(ctx context.Context, code model.CanonicalCode) (*model.CanonicalCode, bool, error) {
	if code.ID == "" {
		code.ID = uuid.New().String()
	}
	c, err := scanSQLiteCode(s.db.QueryRowContext(ctx,
		`INSERT INTO canonical_codes (`+sqliteCodeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (code) DO NOTHING
		 RETURNING `+sqliteCodeColumns,
		code.ID, code.Code, code.DisplayName, code.Category, string(code.DataType), code.Description, sqliteTime(time.Now()),
	))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, eris.Wrapf(err, "sqlite: insert code %s", code.Code)
	}
	existing, err := s.GetCodeByToken(ctx, code.Code)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, eris.Errorf("sqlite: code %s vanished after conflict", code.Code)
	}
	return existing, false, nil
}

func (s *SQLiteStore) UpsertCodes(ctx context.Context, codes []model.CanonicalCode) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert codes begin")
	}
	defer tx.Rollback() //nolint:errcheck

	now := sqliteTime(time.Now())
	var n int64
	for _, c := range codes {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO canonical_codes (`+sqliteCodeColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (code) DO UPDATE SET
			   display_name = excluded.display_name, category = excluded.category,
			   data_type = excluded.data_type, description = excluded.description`,
			id, c.Code, c.DisplayName, c.Category, string(c.DataType), c.Description, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert code %s", c.Code)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert codes commit")
	}
	return n, nil
}

func scanSQLiteCode(row scannable) (*model.CanonicalCode, error) {
	var c model.CanonicalCode
	var created string
	if err := row.Scan(&c.ID, &c.Code, &c.DisplayName, &c.Category, &c.DataType, &c.Description, &created); err != nil {
		return nil, err
	}
	var err error
	c.CreatedAt, err = parseSQLiteTime(created)
	return &c, err
}

// --- Aliases ---

const sqliteAliasColumns = `id, alias, alias_normalized, canonical_code_id, canonical_code,
	confidence, source, usage_count, active, created_at, updated_at`

func (s *SQLiteStore) ListAliases(ctx context.Context) ([]model.ItemCodeAlias, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteAliasColumns+` FROM item_code_aliases WHERE active = 1 ORDER BY alias_normalized, confidence DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list aliases")
	}
	defer rows.Close() //nolint:errcheck

	var aliases []model.ItemCodeAlias
	for rows.Next() {
		a, err := scanSQLiteAlias(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan alias")
		}
		aliases = append(aliases, *a)
	}
	return aliases, eris.Wrap(rows.Err(), "sqlite: list aliases iterate")
}

func (s *SQLiteStore) UpsertAlias(ctx context.Context, in model.ItemCodeAlias, decide AliasDecider) (*AliasWrite, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert alias begin")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	ts := sqliteTime(now)
	existing, err := scanSQLiteAlias(tx.QueryRowContext(ctx,
		`SELECT `+sqliteAliasColumns+` FROM item_code_aliases WHERE alias_normalized = ? AND active = 1`,
		in.AliasNormalized,
	))

	var out *AliasWrite
	switch {
	case errors.Is(err, sql.ErrNoRows):
		in.ID = uuid.New().String()
		in.UsageCount = 1
		in.Active = true
		in.CreatedAt, in.UpdatedAt = now, now
		_, err = tx.ExecContext(ctx,
			`INSERT INTO item_code_aliases (`+sqliteAliasColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, 1, 1, ?, ?)`,
			in.ID, in.Alias, in.AliasNormalized, in.CanonicalCodeID, in.CanonicalCode, in.Confidence, string(in.Source), ts, ts,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: insert alias %q", in.AliasNormalized)
		}
		out = &AliasWrite{Alias: in, Outcome: model.AliasInserted}

	case err != nil:
		return nil, eris.Wrapf(err, "sqlite: read alias %q", in.AliasNormalized)

	case decide(existing, &in):
		_, err = tx.ExecContext(ctx,
			`UPDATE item_code_aliases
			 SET alias = ?, canonical_code_id = ?, canonical_code = ?, confidence = ?, source = ?,
			     usage_count = usage_count + 1, updated_at = ?
			 WHERE id = ?`,
			in.Alias, in.CanonicalCodeID, in.CanonicalCode, in.Confidence, string(in.Source), ts, existing.ID,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: replace alias %q", in.AliasNormalized)
		}
		in.ID = existing.ID
		in.UsageCount = existing.UsageCount + 1
		in.Active = true
		in.CreatedAt, in.UpdatedAt = existing.CreatedAt, now
		out = &AliasWrite{Alias: in, Outcome: model.AliasReplaced}

	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE item_code_aliases SET usage_count = usage_count + 1, updated_at = ? WHERE id = ?`,
			ts, existing.ID,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: touch alias %q", in.AliasNormalized)
		}
		existing.UsageCount++
		existing.UpdatedAt = now
		out = &AliasWrite{Alias: *existing, Outcome: model.AliasKept}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: upsert alias commit")
	}
	return out, nil
}

func (s *SQLiteStore) IncrementAliasUsage(ctx context.Context, aliasIDs []string) error {
	if len(aliasIDs) == 0 {
		return nil
	}
	ids, counts := countHits(aliasIDs)
	now := sqliteTime(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: increment alias usage begin")
	}
	defer tx.Rollback() //nolint:errcheck

	for i, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE item_code_aliases SET usage_count = usage_count + ?, updated_at = ? WHERE id = ?`,
			counts[i], now, id,
		); err != nil {
			return eris.Wrapf(err, "sqlite: increment alias usage %s", id)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: increment alias usage commit")
}

func (s *SQLiteStore) DeactivateAlias(ctx context.Context, aliasID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE item_code_aliases SET active = 0, updated_at = ? WHERE id = ?`,
		sqliteTime(time.Now()), aliasID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: deactivate alias %s", aliasID)
	}
	return checkRowsAffected(res, "alias", aliasID)
}

func scanSQLiteAlias(row scannable) (*model.ItemCodeAlias, error) {
	var a model.ItemCodeAlias
	var created, updated string
	err := row.Scan(&a.ID, &a.Alias, &a.AliasNormalized, &a.CanonicalCodeID, &a.CanonicalCode,
		&a.Confidence, &a.Source, &a.UsageCount, &a.Active, &created, &updated)
	if err != nil {
		return nil, err
	}
	if a.CreatedAt, err = parseSQLiteTime(created); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Intelligence ---

func (s *SQLiteStore) GetIntelligence(ctx context.Context, scope model.Scope, entityID string) (map[string]model.IntelligenceField, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT field_path, value, confidence, source_text, source_document_id, updated_at
		 FROM intelligence_fields WHERE scope = ? AND entity_id = ?`,
		string(scope), entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get intelligence %s/%s", scope, entityID)
	}
	defer rows.Close() //nolint:errcheck

	fields := make(map[string]model.IntelligenceField)
	for rows.Next() {
		var f model.IntelligenceField
		var value, updated string
		if err := rows.Scan(&f.FieldPath, &value, &f.Confidence, &f.SourceText, &f.SourceDocumentID, &updated); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan intelligence field")
		}
		f.Value = json.RawMessage(value)
		if f.UpdatedAt, err = parseSQLiteTime(updated); err != nil {
			return nil, err
		}
		fields[f.FieldPath] = f
	}
	return fields, eris.Wrap(rows.Err(), "sqlite: get intelligence iterate")
}

func (s *SQLiteStore) SaveIntelligence(ctx context.Context, scope model.Scope, entityID string, fields []model.IntelligenceField) (int, error) {
	if len(fields) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: save intelligence begin")
	}
	defer tx.Rollback() //nolint:errcheck

	written := 0
	for _, f := range fields {
		updatedAt := f.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now()
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO intelligence_fields (scope, entity_id, field_path, value, confidence, source_text, source_document_id, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (scope, entity_id, field_path) DO UPDATE
			 SET value = excluded.value, confidence = excluded.confidence, source_text = excluded.source_text,
			     source_document_id = excluded.source_document_id, updated_at = excluded.updated_at
			 WHERE intelligence_fields.confidence < excluded.confidence`,
			string(scope), entityID, f.FieldPath, string(f.Value), f.Confidence, f.SourceText, f.SourceDocumentID, sqliteTime(updatedAt),
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: save intelligence field %s", f.FieldPath)
		}
		n, _ := res.RowsAffected()
		written += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: save intelligence commit")
	}
	return written, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return resilience.NewNotFoundError(entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func sqliteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func parseSQLiteTime(s string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, s)
	if err != nil {
		return time.Time{}, eris.Wrapf(err, "sqlite: parse time %q", s)
	}
	return t, nil
}

func parseNullSQLiteTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseSQLiteTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
