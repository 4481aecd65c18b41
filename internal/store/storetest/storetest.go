// Package storetest opens throwaway SQLite stores for tests in other packages.
package storetest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/store"
)

// New returns a migrated SQLite store in t's temp dir, closed on cleanup.
func New(t testing.TB) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

// Code creates a currency code with the given token and category.
func Code(t testing.TB, st store.Store, token, category string) *model.CanonicalCode {
	t.Helper()
	c, _, err := st.CreateCode(context.Background(), model.CanonicalCode{
		Code:        token,
		DisplayName: token,
		Category:    category,
		DataType:    model.DataTypeCurrency,
	})
	require.NoError(t, err)
	return c
}
