package catalog

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/docintel/internal/alias"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/store/storetest"
)

func TestDefaultSeedParses(t *testing.T) {
	s, err := Default()
	require.NoError(t, err)
	require.NotEmpty(t, s.Codes)

	byCode := map[string]SeedEntry{}
	for _, e := range s.Codes {
		byCode[e.Code] = e
	}
	assert.Contains(t, byCode, "<stamp.duty>")
	assert.Contains(t, byCode["<build.cost>"].Aliases, "Net Construction Cost")
	assert.Equal(t, model.DataTypePercentage, byCode["<interest.rate>"].DataType)
	assert.Equal(t, model.DataTypeCurrency, byCode["<legal.fees>"].DataType)
	assert.InDelta(t, 1.0, s.Defaults.AliasConfidence, 0.0001)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"invalid yaml", "catalog: [", "parse seed"},
		{"missing field", "catalog:\n  codes:\n    - code: <x>\n", "needs code"},
		{"duplicate", "catalog:\n  codes:\n    - {code: <x>, display_name: X, category: a}\n    - {code: <x>, display_name: Y, category: a}\n", "duplicate code"},
		{"bad data type", "catalog:\n  codes:\n    - {code: <x>, display_name: X, category: a, data_type: money}\n", "unknown data type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadSeedFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
catalog:
  codes:
    - code: <ground.rent>
      display_name: Ground Rent
      category: income
      aliases: [Ground Rent]
`), 0o644))

	s, err := LoadSeed(path)
	require.NoError(t, err)
	require.Len(t, s.Codes, 1)
	assert.Equal(t, model.DataTypeCurrency, s.Codes[0].DataType)

	_, err = LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestApplyIsRepeatable(t *testing.T) {
	st := storetest.New(t)
	ctx := context.Background()
	svc := alias.NewService(st, nil)

	s, err := Parse([]byte(`
catalog:
  codes:
    - code: <build.cost>
      display_name: Build Cost
      category: construction
      aliases: [Build Cost, Net Construction Cost, "  net   construction cost "]
    - code: <stamp.duty>
      display_name: Stamp Duty
      category: acquisition
      aliases: [SDLT]
`))
	require.NoError(t, err)

	res, err := Apply(ctx, st, svc, s)
	require.NoError(t, err)
	assert.Equal(t, 3, res.AliasesAdded)
	assert.Equal(t, 1, res.AliasesPresent)

	res, err = Apply(ctx, st, svc, s)
	require.NoError(t, err)
	assert.Equal(t, 0, res.AliasesAdded)
	assert.Equal(t, 4, res.AliasesPresent)

	codes, err := st.ListCodes(ctx)
	require.NoError(t, err)
	assert.Len(t, codes, 2)

	aliases, err := st.ListAliases(ctx)
	require.NoError(t, err)
	require.Len(t, aliases, 3)
	for _, a := range aliases {
		assert.Equal(t, model.AliasSourceSeed, a.Source)
		assert.Equal(t, 1, a.UsageCount)
		assert.InDelta(t, 1.0, a.Confidence, 0.0001)
	}
}

func TestGroup(t *testing.T) {
	groups := Group([]model.CanonicalCode{
		{Code: "<stamp.duty>", Category: "acquisition"},
		{Code: "<build.cost>", Category: "construction"},
		{Code: "<legal.fees>", Category: "acquisition"},
	})
	require.Len(t, groups, 2)
	assert.Equal(t, "acquisition", groups[0].Name)
	require.Len(t, groups[0].Codes, 2)
	assert.Equal(t, "<legal.fees>", groups[0].Codes[0].Code)
	assert.Equal(t, "construction", groups[1].Name)

	assert.Empty(t, Group(nil))
}
