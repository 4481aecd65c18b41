package codify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docintel/internal/alias"
	"github.com/sells-group/docintel/internal/catalog"
	"github.com/sells-group/docintel/internal/llm"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/store"
	"github.com/sells-group/docintel/internal/store/storetest"
)

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) Complete(ctx context.Context, system, user string, opts llm.Options) (*llm.Completion, error) {
	args := m.Called(ctx, system, user, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*llm.Completion), args.Error(1)
}

// seededStore returns a store loaded with the embedded catalog.
func seededStore(t *testing.T) (store.Store, *AliasCache, *alias.Service) {
	t.Helper()
	st := storetest.New(t)
	cache := NewAliasCache(st, 0)
	svc := alias.NewService(st, cache)

	seed, err := catalog.Default()
	require.NoError(t, err)
	_, err = catalog.Apply(context.Background(), st, svc, seed)
	require.NoError(t, err)
	return st, cache, svc
}

func testAlias(id, text, codeID, code string, conf float64) model.ItemCodeAlias {
	return model.ItemCodeAlias{
		ID:              id,
		Alias:           text,
		AliasNormalized: alias.Normalize(text),
		CanonicalCodeID: codeID,
		CanonicalCode:   code,
		Confidence:      conf,
		Source:          model.AliasSourceSeed,
		UsageCount:      1,
		Active:          true,
	}
}
