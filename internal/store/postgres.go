package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docintel/internal/db"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
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

const postgresMigration = `
CREATE TABLE IF NOT EXISTS extraction_jobs (
	id               TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	document_id      TEXT NOT NULL UNIQUE,
	client_id        TEXT NOT NULL,
	project_id       TEXT,
	file_ref         TEXT NOT NULL,
	document_name    TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL DEFAULT 'pending',
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	last_error       TEXT,
	result           JSONB,
	last_attempt_at  TIMESTAMPTZ,
	lease_expires_at TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_extraction_jobs_pending ON extraction_jobs(created_at) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS idx_extraction_jobs_lease ON extraction_jobs(lease_expires_at) WHERE status = 'processing';
CREATE INDEX IF NOT EXISTS idx_extraction_jobs_client ON extraction_jobs(client_id);

CREATE TABLE IF NOT EXISTS canonical_codes (
	id           TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	code         TEXT NOT NULL UNIQUE,
	display_name TEXT NOT NULL,
	category     TEXT NOT NULL,
	data_type    TEXT NOT NULL DEFAULT 'currency',
	description  TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS item_code_aliases (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	alias             TEXT NOT NULL,
	alias_normalized  TEXT NOT NULL,
	canonical_code_id TEXT NOT NULL REFERENCES canonical_codes(id),
	canonical_code    TEXT NOT NULL,
	confidence        DOUBLE PRECISION NOT NULL,
	source            TEXT NOT NULL,
	usage_count       INTEGER NOT NULL DEFAULT 1,
	active            BOOLEAN NOT NULL DEFAULT true,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_item_code_aliases_active ON item_code_aliases(alias_normalized) WHERE active;

CREATE TABLE IF NOT EXISTS codified_items (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	document_id       TEXT NOT NULL,
	original_name     TEXT NOT NULL,
	value             DOUBLE PRECISION NOT NULL DEFAULT 0,
	currency          TEXT NOT NULL DEFAULT '',
	category          TEXT NOT NULL DEFAULT '',
	suggested_code_id TEXT,
	suggested_code    TEXT NOT NULL DEFAULT '',
	confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
	mapping_status    TEXT NOT NULL,
	reasoning         TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_codified_items_document ON codified_items(document_id, mapping_status);

CREATE TABLE IF NOT EXISTS intelligence_fields (
	scope              TEXT NOT NULL,
	entity_id          TEXT NOT NULL,
	field_path         TEXT NOT NULL,
	value              JSONB NOT NULL,
	confidence         DOUBLE PRECISION NOT NULL,
	source_text        TEXT NOT NULL DEFAULT '',
	source_document_id TEXT NOT NULL DEFAULT '',
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (scope, entity_id, field_path)
);
`

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

// Close releases the pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const pgJobColumns = `id, document_id, client_id, COALESCE(project_id, ''), file_ref, document_name,
	status, attempts, max_attempts, COALESCE(last_error, ''), result,
	last_attempt_at, lease_expires_at, created_at, updated_at, completed_at`

func (s *PostgresStore) CreateJob(ctx context.Context, nj model.NewJob, maxAttempts int) (*model.ExtractionJob, bool, error) {
	if maxAttempts <= 0 {
		maxAttempts = model.DefaultMaxAttempts
	}
	now := time.Now().UTC()

	job, err := scanPGJob(s.pool.QueryRow(ctx,
		`INSERT INTO extraction_jobs (id, document_id, client_id, project_id, file_ref, document_name, status, attempts, max_attempts, created_at, updated_at)
		 VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, 0, $8, $9, $9)
		 ON CONFLICT (document_id) DO NOTHING
		 RETURNING `+pgJobColumns,
		uuid.New().String(), nj.DocumentID, nj.ClientID, nj.ProjectID, nj.FileRef, nj.DocumentName,
		string(model.JobStatusPending), maxAttempts, now,
	))
	if err == nil {
		return job, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, eris.Wrapf(err, "postgres: insert job for document %s", nj.DocumentID)
	}

	job, err = scanPGJob(s.pool.QueryRow(ctx,
		`SELECT `+pgJobColumns+` FROM extraction_jobs WHERE document_id = $1`, nj.DocumentID))
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: get job for document %s", nj.DocumentID)
	}
	return job, false, nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.ExtractionJob, error) {
	job, err := scanPGJob(s.pool.QueryRow(ctx,
		`SELECT `+pgJobColumns+` FROM extraction_jobs WHERE id = $1`, jobID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, resilience.NewNotFoundError("job", jobID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.ExtractionJob, error) {
	query := `SELECT ` + pgJobColumns + ` FROM extraction_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.DocumentID != "" {
		query += fmt.Sprintf(` AND document_id = $%d`, argIdx)
		args = append(args, filter.DocumentID)
		argIdx++
	}
	if filter.ClientID != "" {
		query += fmt.Sprintf(` AND client_id = $%d`, argIdx)
		args = append(args, filter.ClientID)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	return collectPGJobs(rows, "list jobs")
}

// ClaimJobs moves up to limit pending jobs to processing in one statement.
// SKIP LOCKED lets concurrent batch drivers claim disjoint sets.
func (s *PostgresStore) ClaimJobs(ctx context.Context, limit int, lease time.Duration) ([]model.ExtractionJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := time.Now().UTC()

	rows, err := s.pool.Query(ctx,
		`UPDATE extraction_jobs
		 SET status = 'processing', attempts = attempts + 1, last_attempt_at = $1, lease_expires_at = $2, updated_at = $1
		 WHERE id IN (
			SELECT id FROM extraction_jobs
			WHERE status = 'pending'
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+pgJobColumns,
		now, now.Add(lease), limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: claim jobs")
	}
	jobs, err := collectPGJobs(rows, "claim jobs")
	if err != nil {
		return nil, err
	}
	sortJobsFIFO(jobs)
	return jobs, nil
}

func (s *PostgresStore) ClaimJob(ctx context.Context, jobID string, lease time.Duration) (*model.ExtractionJob, error) {
	now := time.Now().UTC()
	job, err := scanPGJob(s.pool.QueryRow(ctx,
		`UPDATE extraction_jobs
		 SET status = 'processing', attempts = attempts + 1, last_attempt_at = $1, lease_expires_at = $2, updated_at = $1
		 WHERE id = $3 AND status = 'pending'
		 RETURNING `+pgJobColumns,
		now, now.Add(lease), jobID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, eris.Wrapf(err, "postgres: claim job %s", jobID)
}

func (s *PostgresStore) StartJob(ctx context.Context, jobID string, lease time.Duration) (*model.ExtractionJob, error) {
	now := time.Now().UTC()
	job, err := scanPGJob(s.pool.QueryRow(ctx,
		`UPDATE extraction_jobs
		 SET status = 'processing', attempts = attempts + 1, last_attempt_at = $1, lease_expires_at = $2, updated_at = $1
		 WHERE id = $3
		 RETURNING `+pgJobColumns,
		now, now.Add(lease), jobID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, resilience.NewNotFoundError("job", jobID)
	}
	return job, eris.Wrapf(err, "postgres: start job %s", jobID)
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID string, attempt int, result *model.JobResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job result")
	}

	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_jobs
		 SET status = 'completed', result = $1, completed_at = $2, lease_expires_at = NULL, updated_at = $2
		 WHERE id = $3 AND status IN ('processing', 'completed') AND ($4 = 0 OR attempts = $4)`,
		resultJSON, now, jobID, attempt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return s.jobConflict(ctx, jobID, attempt, "complete")
	}
	return nil
}

// FailJob records message and returns the job to pending while attempts
// remain, otherwise marks it failed. terminal forces failed.
func (s *PostgresStore) FailJob(ctx context.Context, jobID string, attempt int, message string, terminal bool) (*model.ExtractionJob, error) {
	job, err := scanPGJob(s.pool.QueryRow(ctx,
		`UPDATE extraction_jobs
		 SET status = CASE WHEN $1 OR attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		     last_error = $2, lease_expires_at = NULL, updated_at = $3
		 WHERE id = $4 AND status = 'processing' AND ($5 = 0 OR attempts = $5)
		 RETURNING `+pgJobColumns,
		terminal, message, time.Now().UTC(), jobID, attempt,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, s.jobConflict(ctx, jobID, attempt, "fail")
	}
	return job, eris.Wrapf(err, "postgres: fail job %s", jobID)
}

func (s *PostgresStore) SkipJob(ctx context.Context, jobID string, attempt int, reason string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE extraction_jobs
		 SET status = 'skipped', last_error = $1, lease_expires_at = NULL, completed_at = $2, updated_at = $2
		 WHERE id = $3 AND status IN ('pending', 'processing') AND ($4 = 0 OR attempts = $4)`,
		reason, now, jobID, attempt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: skip job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return s.jobConflict(ctx, jobID, attempt, "skip")
	}
	return nil
}

func (s *PostgresStore) jobConflict(ctx context.Context, jobID string, attempt int, op string) error {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	return jobConflict(job, attempt, op)
}

// ReapJobs applies fail semantics to processing jobs whose lease expired before now.
func (s *PostgresStore) ReapJobs(ctx context.Context, now time.Time, message string) ([]model.ExtractionJob, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE extraction_jobs
		 SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
		     last_error = $1, lease_expires_at = NULL, updated_at = $2
		 WHERE status = 'processing' AND lease_expires_at < $2
		 RETURNING `+pgJobColumns,
		message, now.UTC(),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: reap jobs")
	}
	return collectPGJobs(rows, "reap jobs")
}

func scanPGJob(row pgx.Row) (*model.ExtractionJob, error) {
	var j model.ExtractionJob
	var resultJSON []byte

	err := row.Scan(&j.ID, &j.DocumentID, &j.ClientID, &j.ProjectID, &j.FileRef, &j.DocumentName,
		&j.Status, &j.Attempts, &j.MaxAttempts, &j.LastError, &resultJSON,
		&j.LastAttemptAt, &j.LeaseExpiresAt, &j.CreatedAt, &j.UpdatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	if len(resultJSON) > 0 {
		j.Result = &model.JobResult{}
		if err := json.Unmarshal(resultJSON, j.Result); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal job result")
		}
	}
	return &j, nil
}

func collectPGJobs(rows pgx.Rows, op string) ([]model.ExtractionJob, error) {
	defer rows.Close()

	var jobs []model.ExtractionJob
	for rows.Next() {
		j, err := scanPGJob(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s scan", op)
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func sortJobsFIFO(jobs []model.ExtractionJob) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].CreatedAt.Equal(jobs[k].CreatedAt) {
			return jobs[i].ID < jobs[k].ID
		}
		return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
	})
}
