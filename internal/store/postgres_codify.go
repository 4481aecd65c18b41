package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/docintel/internal/db"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
)

var itemCopyColumns = []string{
	"id", "document_id", "original_name", "value", "currency", "category",
	"suggested_code_id", "suggested_code", "confidence", "mapping_status", "reasoning",
	"created_at", "updated_at",
}

const pgItemColumns = `id, document_id, original_name, value, currency, category,
	COALESCE(suggested_code_id, ''), suggested_code, confidence, mapping_status, reasoning,
	created_at, updated_at`

// ReplaceItems swaps a document's codified items in one transaction so a
// retried job never leaves duplicates behind.
func (s *PostgresStore) ReplaceItems(ctx context.Context, documentID string, items []model.CodifiedItem) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: replace items begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `DELETE FROM codified_items WHERE document_id = $1`, documentID); err != nil {
		return eris.Wrapf(err, "postgres: delete items for document %s", documentID)
	}

	now := time.Now().UTC()
	rows := make([][]any, 0, len(items))
	for _, it := range items {
		id := it.ID
		if id == "" {
			id = uuid.New().String()
		}
		var codeID any
		if it.SuggestedCodeID != "" {
			codeID = it.SuggestedCodeID
		}
		rows = append(rows, []any{
			id, documentID, it.OriginalName, it.Value, it.Currency, it.Category,
			codeID, it.SuggestedCode, it.Confidence, string(it.MappingStatus), it.Reasoning,
			now, now,
		})
	}
	if _, err := db.CopyFrom(ctx, tx, "codified_items", itemCopyColumns, rows); err != nil {
		return eris.Wrapf(err, "postgres: copy items for document %s", documentID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: replace items commit")
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID string) (*model.CodifiedItem, error) {
	it, err := scanPGItem(s.pool.QueryRow(ctx,
		`SELECT `+pgItemColumns+` FROM codified_items WHERE id = $1`, itemID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, resilience.NewNotFoundError("item", itemID)
	}
	return it, eris.Wrapf(err, "postgres: get item %s", itemID)
}

func (s *PostgresStore) ListItems(ctx context.Context, filter ItemFilter) ([]model.CodifiedItem, error) {
	query := `SELECT ` + pgItemColumns + ` FROM codified_items WHERE true`
	args := []any{}
	argIdx := 1

	if filter.DocumentID != "" {
		query += fmt.Sprintf(` AND document_id = $%d`, argIdx)
		args = append(args, filter.DocumentID)
		argIdx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND mapping_status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list items")
	}
	defer rows.Close()

	var items []model.CodifiedItem
	for rows.Next() {
		it, err := scanPGItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan item")
		}
		items = append(items, *it)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list items iterate")
}

func (s *PostgresStore) UpdateItemMapping(ctx context.Context, it model.CodifiedItem) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE codified_items
		 SET suggested_code_id = NULLIF($1, ''), suggested_code = $2, category = $3, confidence = $4,
		     mapping_status = $5, reasoning = $6, updated_at = $7
		 WHERE id = $8`,
		it.SuggestedCodeID, it.SuggestedCode, it.Category, it.Confidence,
		string(it.MappingStatus), it.Reasoning, time.Now().UTC(), it.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update item %s", it.ID)
	}
	if tag.RowsAffected() == 0 {
		return resilience.NewNotFoundError("item", it.ID)
	}
	return nil
}

func scanPGItem(row pgx.Row) (*model.CodifiedItem, error) {
	var it model.CodifiedItem
	err := row.Scan(&it.ID, &it.DocumentID, &it.OriginalName, &it.Value, &it.Currency, &it.Category,
		&it.SuggestedCodeID, &it.SuggestedCode, &it.Confidence, &it.MappingStatus, &it.Reasoning,
		&it.CreatedAt, &it.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &it, nil
}

// --- Canonical codes ---

const pgCodeColumns = `id, code, display_name, category, data_type, description, created_at`

func (s *PostgresStore) ListCodes(ctx context.Context) ([]model.CanonicalCode, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgCodeColumns+` FROM canonical_codes ORDER BY category, code`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list codes")
	}
	defer rows.Close()

	var codes []model.CanonicalCode
	for rows.Next() {
		c, err := scanCode(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan code")
		}
		codes = append(codes, *c)
	}
	return codes, eris.Wrap(rows.Err(), "postgres: list codes iterate")
}

func (s *PostgresStore) GetCode(ctx context.Context, codeID string) (*model.CanonicalCode, error) {
	c, err := scanCode(s.pool.QueryRow(ctx, `SELECT `+pgCodeColumns+` FROM canonical_codes WHERE id = $1`, codeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, resilience.NewNotFoundError("code", codeID)
	}
	return c, eris.Wrapf(err, "postgres: get code %s", codeID)
}

// GetCodeByToken returns nil, nil when the code does not exist.
func (s *PostgresStore) GetCodeByToken(ctx context.Context, code string) (*model.CanonicalCode, error) {
	c, err := scanCode(s.pool.QueryRow(ctx, `SELECT `+pgCodeColumns+` FROM canonical_codes WHERE code = $1`, code))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return c, eris.Wrapf(err, "postgres: get code %s", code)
}

// CreateCode inserts code, or returns the existing row with the same token.
func (s *PostgresStore) CreateCode(ctx context.Context, code model.CanonicalCode) (*model.CanonicalCode, bool, error) {
	if code.ID == "" {
		code.ID = uuid.New().String()
	}
	c, err := scanCode(s.pool.QueryRow(ctx,
		`INSERT INTO canonical_codes (id, code, display_name, category, data_type, description, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (code) DO NOTHING
		 RETURNING `+pgCodeColumns,
		code.ID, code.Code, code.DisplayName, code.Category, string(code.DataType), code.Description, time.Now().UTC(),
	))
	if err == nil {
		return c, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, eris.Wrapf(err, "postgres: insert code %s", code.Code)
	}
	existing, err := s.GetCodeByToken(ctx, code.Code)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, eris.Errorf("postgres: code %s vanished after conflict", code.Code)
	}
	return existing, false, nil
}

// UpsertCodes bulk-loads codes keyed by token, keeping existing ids.
func (s *PostgresStore) UpsertCodes(ctx context.Context, codes []model.CanonicalCode) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(codes))
	for _, c := range codes {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		rows = append(rows, []any{id, c.Code, c.DisplayName, c.Category, string(c.DataType), c.Description, now})
	}
	n, err := db.BulkUpsert(ctx, s.pool, db.UpsertConfig{
		Table:        "canonical_codes",
		Columns:      []string{"id", "code", "display_name", "category", "data_type", "description", "created_at"},
		ConflictKeys: []string{"code"},
		UpdateCols:   []string{"display_name", "category", "data_type", "description"},
	}, rows)
	return n, eris.Wrap(err, "postgres: upsert codes")
}

func scanCode(row interface{ Scan(dest ...any) error }) (*model.CanonicalCode, error) {
	var c model.CanonicalCode
	if err := row.Scan(&c.ID, &c.Code, &c.DisplayName, &c.Category, &c.DataType, &c.Description, &c.CreatedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

// --- Aliases ---

const pgAliasColumns = `id, alias, alias_normalized, canonical_code_id, canonical_code,
	confidence, source, usage_count, active, created_at, updated_at`

func (s *PostgresStore) ListAliases(ctx context.Context) ([]model.ItemCodeAlias, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgAliasColumns+` FROM item_code_aliases WHERE active ORDER BY alias_normalized, confidence DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list aliases")
	}
	defer rows.Close()

	var aliases []model.ItemCodeAlias
	for rows.Next() {
		a, err := scanAlias(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan alias")
		}
		aliases = append(aliases, *a)
	}
	return aliases, eris.Wrap(rows.Err(), "postgres: list aliases iterate")
}

// UpsertAlias locks the active mapping for the normalized text, if any, and
// applies decide to choose between replacing it and recording a usage hit.
func (s *PostgresStore) UpsertAlias(ctx context.Context, in model.ItemCodeAlias, decide AliasDecider) (*AliasWrite, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: upsert alias begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	existing, err := scanAlias(tx.QueryRow(ctx,
		`SELECT `+pgAliasColumns+` FROM item_code_aliases
		 WHERE alias_normalized = $1 AND active
		 FOR UPDATE`,
		in.AliasNormalized,
	))

	var out *AliasWrite
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		in.ID = uuid.New().String()
		in.UsageCount = 1
		in.Active = true
		in.CreatedAt, in.UpdatedAt = now, now
		_, err = tx.Exec(ctx,
			`INSERT INTO item_code_aliases (id, alias, alias_normalized, canonical_code_id, canonical_code, confidence, source, usage_count, active, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, 1, true, $8, $8)`,
			in.ID, in.Alias, in.AliasNormalized, in.CanonicalCodeID, in.CanonicalCode, in.Confidence, string(in.Source), now,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: insert alias %q", in.AliasNormalized)
		}
		out = &AliasWrite{Alias: in, Outcome: model.AliasInserted}

	case err != nil:
		return nil, eris.Wrapf(err, "postgres: lock alias %q", in.AliasNormalized)

	case decide(existing, &in):
		_, err = tx.Exec(ctx,
			`UPDATE item_code_aliases
			 SET alias = $1, canonical_code_id = $2, canonical_code = $3, confidence = $4, source = $5,
			     usage_count = usage_count + 1, updated_at = $6
			 WHERE id = $7`,
			in.Alias, in.CanonicalCodeID, in.CanonicalCode, in.Confidence, string(in.Source), now, existing.ID,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: replace alias %q", in.AliasNormalized)
		}
		in.ID = existing.ID
		in.UsageCount = existing.UsageCount + 1
		in.Active = true
		in.CreatedAt, in.UpdatedAt = existing.CreatedAt, now
		out = &AliasWrite{Alias: in, Outcome: model.AliasReplaced}

	default:
		_, err = tx.Exec(ctx,
			`UPDATE item_code_aliases SET usage_count = usage_count + 1, updated_at = $1 WHERE id = $2`,
			now, existing.ID,
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: touch alias %q", in.AliasNormalized)
		}
		existing.UsageCount++
		existing.UpdatedAt = now
		out = &AliasWrite{Alias: *existing, Outcome: model.AliasKept}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: upsert alias commit")
	}
	return out, nil
}

func (s *PostgresStore) IncrementAliasUsage(ctx context.Context, aliasIDs []string) error {
	if len(aliasIDs) == 0 {
		return nil
	}
	ids, counts := countHits(aliasIDs)
	_, err := s.pool.Exec(ctx,
		`UPDATE item_code_aliases a
		 SET usage_count = a.usage_count + u.hits, updated_at = $1
		 FROM unnest($2::text[], $3::int[]) AS u(id, hits)
		 WHERE a.id = u.id`,
		time.Now().UTC(), ids, counts,
	)
	return eris.Wrap(err, "postgres: increment alias usage")
}

func (s *PostgresStore) DeactivateAlias(ctx context.Context, aliasID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE item_code_aliases SET active = false, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), aliasID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: deactivate alias %s", aliasID)
	}
	if tag.RowsAffected() == 0 {
		return resilience.NewNotFoundError("alias", aliasID)
	}
	return nil
}

func scanAlias(row interface{ Scan(dest ...any) error }) (*model.ItemCodeAlias, error) {
	var a model.ItemCodeAlias
	err := row.Scan(&a.ID, &a.Alias, &a.AliasNormalized, &a.CanonicalCodeID, &a.CanonicalCode,
		&a.Confidence, &a.Source, &a.UsageCount, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// --- Intelligence ---

func (s *PostgresStore) GetIntelligence(ctx context.Context, scope model.Scope, entityID string) (map[string]model.IntelligenceField, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT field_path, value, confidence, source_text, source_document_id, updated_at
		 FROM intelligence_fields WHERE scope = $1 AND entity_id = $2`,
		string(scope), entityID,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get intelligence %s/%s", scope, entityID)
	}
	defer rows.Close()

	fields := make(map[string]model.IntelligenceField)
	for rows.Next() {
		var f model.IntelligenceField
		var value []byte
		if err := rows.Scan(&f.FieldPath, &value, &f.Confidence, &f.SourceText, &f.SourceDocumentID, &f.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan intelligence field")
		}
		f.Value = value
		fields[f.FieldPath] = f
	}
	return fields, eris.Wrap(rows.Err(), "postgres: get intelligence iterate")
}

// SaveIntelligence writes each field only where it beats the stored
// confidence, so concurrent merges still converge on the maximum.
func (s *PostgresStore) SaveIntelligence(ctx context.Context, scope model.Scope, entityID string, fields []model.IntelligenceField) (int, error) {
	if len(fields) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: save intelligence begin")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	written := 0
	for _, f := range fields {
		updatedAt := f.UpdatedAt
		if updatedAt.IsZero() {
			updatedAt = time.Now().UTC()
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO intelligence_fields (scope, entity_id, field_path, value, confidence, source_text, source_document_id, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (scope, entity_id, field_path) DO UPDATE
			 SET value = EXCLUDED.value, confidence = EXCLUDED.confidence, source_text = EXCLUDED.source_text,
			     source_document_id = EXCLUDED.source_document_id, updated_at = EXCLUDED.updated_at
			 WHERE intelligence_fields.confidence < EXCLUDED.confidence`,
			string(scope), entityID, f.FieldPath, []byte(f.Value), f.Confidence, f.SourceText, f.SourceDocumentID, updatedAt,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "postgres: save intelligence field %s", f.FieldPath)
		}
		written += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrap(err, "postgres: save intelligence commit")
	}
	return written, nil
}
