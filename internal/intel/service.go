package intel

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/store"
)

// IngestResult reports one ingest call.
type IngestResult struct {
	Stats   model.MergeStats                   `json:"stats"`
	Written int                                `json:"written"`
	Fields  map[string]model.IntelligenceField `json:"fields"`
}

// Service merges fields into stored intelligence records.
type Service struct {
	st      store.Store
	nowFunc func() time.Time
}

// NewService creates a Service over st.
func NewService(st store.Store) *Service {
	return &Service{st: st, nowFunc: time.Now}
}

// IngestFacts flattens a document's facts and merges them into the
// entity's record.
func (s *Service) IngestFacts(ctx context.Context, scope model.Scope, entityID string, env model.FactsEnvelope) (*IngestResult, error) {
	fields, err := Flatten(env, s.nowFunc())
	if err != nil {
		return nil, err
	}
	return s.Ingest(ctx, scope, entityID, fields)
}

// Ingest merges fields into the entity's record. Only added or replaced
// fields are written, and the store re-checks confidence on write so a
// concurrent higher-confidence value is never overwritten.
func (s *Service) Ingest(ctx context.Context, scope model.Scope, entityID string, fields []model.IntelligenceField) (*IngestResult, error) {
	if err := validate(scope, entityID, fields); err != nil {
		return nil, err
	}

	existing, err := s.st.GetIntelligence(ctx, scope, entityID)
	if err != nil {
		return nil, eris.Wrapf(err, "intel: load %s/%s", scope, entityID)
	}

	now := s.nowFunc()
	for i := range fields {
		if fields[i].UpdatedAt.IsZero() {
			fields[i].UpdatedAt = now
		}
	}

	merged, stats := Merge(existing, fields)
	written, err := s.st.SaveIntelligence(ctx, scope, entityID, Changed(existing, merged))
	if err != nil {
		return nil, eris.Wrapf(err, "intel: save %s/%s", scope, entityID)
	}

	zap.L().Info("intelligence merged",
		zap.String("scope", string(scope)),
		zap.String("entity_id", entityID),
		zap.Int("added", stats.Added),
		zap.Int("updated", stats.Updated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("written", written),
	)

	return &IngestResult{Stats: stats, Written: written, Fields: merged}, nil
}

// Get returns the entity's record keyed by field path.
func (s *Service) Get(ctx context.Context, scope model.Scope, entityID string) (map[string]model.IntelligenceField, error) {
	if !scope.Valid() {
		return nil, eris.Errorf("intel: unknown scope %q", scope)
	}
	return s.st.GetIntelligence(ctx, scope, entityID)
}

func validate(scope model.Scope, entityID string, fields []model.IntelligenceField) error {
	if !scope.Valid() {
		return eris.Errorf("intel: unknown scope %q", scope)
	}
	if strings.TrimSpace(entityID) == "" {
		return eris.New("intel: entity id is required")
	}
	for _, f := range fields {
		if f.FieldPath == "" {
			return eris.New("intel: field path is required")
		}
		if f.Confidence < 0 || f.Confidence > 1 {
			return eris.Errorf("intel: confidence for %s out of range: %v", f.FieldPath, f.Confidence)
		}
		if !json.Valid(f.Value) {
			return eris.Errorf("intel: value for %s is not valid json", f.FieldPath)
		}
	}
	return nil
}
