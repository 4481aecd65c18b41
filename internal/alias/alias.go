package alias

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/store"
)

// Decide reports whether incoming should replace existing. Human sources
// always win; otherwise only a strictly higher confidence replaces.
func Decide(existing, incoming *model.ItemCodeAlias) bool {
	if incoming.Source.Authoritative() {
		return true
	}
	return incoming.Confidence > existing.Confidence
}

// Invalidator is notified after every alias write.
type Invalidator interface {
	Invalidate()
}

// UpsertRequest describes one alias observation.
type UpsertRequest struct {
	Alias           string            `json:"alias"`
	CanonicalCodeID string            `json:"canonicalCodeId"`
	Confidence      float64           `json:"confidence"`
	Source          model.AliasSource `json:"source"`
}

// Service writes aliases through the store and keeps caches coherent.
type Service struct {
	st    store.Store
	cache Invalidator
}

// NewService creates an alias Service. cache may be nil.
func NewService(st store.Store, cache Invalidator) *Service {
	return &Service{st: st, cache: cache}
}

// Upsert normalizes req.Alias and inserts it, replaces the stored mapping, or
// records a usage hit on it, according to Decide.
func (s *Service) Upsert(ctx context.Context, req UpsertRequest) (*store.AliasWrite, error) {
	normalized := Normalize(req.Alias)
	if normalized == "" {
		return nil, eris.New("alias: text is empty")
	}
	if !req.Source.Valid() {
		return nil, eris.Errorf("alias: unknown source %q", req.Source)
	}
	if req.Confidence < 0 || req.Confidence > 1 {
		return nil, eris.Errorf("alias: confidence %.3f out of range [0, 1]", req.Confidence)
	}

	code, err := s.st.GetCode(ctx, req.CanonicalCodeID)
	if err != nil {
		return nil, eris.Wrapf(err, "alias: resolve code for %q", normalized)
	}

	w, err := s.st.UpsertAlias(ctx, model.ItemCodeAlias{
		Alias:           req.Alias,
		AliasNormalized: normalized,
		CanonicalCodeID: code.ID,
		CanonicalCode:   code.Code,
		Confidence:      req.Confidence,
		Source:          req.Source,
	}, Decide)
	if err != nil {
		return nil, eris.Wrapf(err, "alias: upsert %q", normalized)
	}

	if s.cache != nil {
		s.cache.Invalidate()
	}

	zap.L().Debug("alias upserted",
		zap.String("alias", normalized),
		zap.String("code", w.Alias.CanonicalCode),
		zap.String("source", string(req.Source)),
		zap.String("outcome", string(w.Outcome)),
		zap.Int("usage_count", w.Alias.UsageCount),
	)
	return w, nil
}

// Deactivate retires an alias so its normalized text can be remapped.
func (s *Service) Deactivate(ctx context.Context, aliasID string) error {
	if err := s.st.DeactivateAlias(ctx, aliasID); err != nil {
		return eris.Wrapf(err, "alias: deactivate %s", aliasID)
	}
	if s.cache != nil {
		s.cache.Invalidate()
	}
	return nil
}
