// Package catalog loads the canonical code seed and groups codes for prompts.
package catalog

import (
	"context"
	_ "embed"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/docintel/internal/alias"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/store"
)

//go:embed seed.yaml
var defaultSeed []byte

// Seed is the catalog definition file.
type Seed struct {
	Defaults Defaults    `yaml:"defaults"`
	Codes    []SeedEntry `yaml:"codes"`
}

// Defaults apply to entries that leave a field unset.
type Defaults struct {
	DataType        model.DataType `yaml:"data_type"`
	AliasConfidence float64        `yaml:"alias_confidence"`
}

// SeedEntry is one canonical code with its known aliases.
type SeedEntry struct {
	Code        string         `yaml:"code"`
	DisplayName string         `yaml:"display_name"`
	Category    string         `yaml:"category"`
	DataType    model.DataType `yaml:"data_type"`
	Description string         `yaml:"description"`
	Aliases     []string       `yaml:"aliases"`
}

// Default returns the embedded seed.
func Default() (*Seed, error) {
	return Parse(defaultSeed)
}

// LoadSeed reads a seed file from disk.
func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "catalog: read seed %s", path)
	}
	return Parse(data)
}

// Parse decodes a seed document with a top-level "catalog" key.
func Parse(data []byte) (*Seed, error) {
	var wrapper struct {
		Catalog Seed `yaml:"catalog"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "catalog: parse seed")
	}

	s := &wrapper.Catalog
	if s.Defaults.DataType == "" {
		s.Defaults.DataType = model.DataTypeCurrency
	}
	if s.Defaults.AliasConfidence == 0 {
		s.Defaults.AliasConfidence = 1.0
	}

	seen := make(map[string]bool, len(s.Codes))
	for i, e := range s.Codes {
		if e.Code == "" || e.DisplayName == "" || e.Category == "" {
			return nil, eris.Errorf("catalog: entry %d needs code, display_name and category", i)
		}
		if seen[e.Code] {
			return nil, eris.Errorf("catalog: duplicate code %s", e.Code)
		}
		seen[e.Code] = true
		if e.DataType == "" {
			s.Codes[i].DataType = s.Defaults.DataType
		}
		if !s.Codes[i].DataType.Valid() {
			return nil, eris.Errorf("catalog: code %s has unknown data type %q", e.Code, e.DataType)
		}
	}
	return s, nil
}

// SeedResult counts what Apply wrote.
type SeedResult struct {
	Codes          int64 `json:"codes"`
	AliasesAdded   int   `json:"aliasesAdded"`
	AliasesPresent int   `json:"aliasesPresent"`
}

// Apply upserts every code in s and adds its aliases as system_seed
// mappings. Aliases whose normalized text is already mapped are left alone,
// so re-seeding never inflates usage counts.
func Apply(ctx context.Context, st store.Store, aliases *alias.Service, s *Seed) (*SeedResult, error) {
	codes := make([]model.CanonicalCode, 0, len(s.Codes))
	for _, e := range s.Codes {
		codes = append(codes, model.CanonicalCode{
			Code:        e.Code,
			DisplayName: e.DisplayName,
			Category:    e.Category,
			DataType:    e.DataType,
			Description: e.Description,
		})
	}
	n, err := st.UpsertCodes(ctx, codes)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: upsert codes")
	}
	res := &SeedResult{Codes: n}

	existing, err := st.ListAliases(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "catalog: list aliases")
	}
	mapped := make(map[string]bool, len(existing))
	for _, a := range existing {
		mapped[a.AliasNormalized] = true
	}

	for _, e := range s.Codes {
		code, err := st.GetCodeByToken(ctx, e.Code)
		if err != nil {
			return nil, eris.Wrapf(err, "catalog: load code %s", e.Code)
		}
		if code == nil {
			return nil, eris.Errorf("catalog: code %s missing after upsert", e.Code)
		}
		for _, text := range e.Aliases {
			norm := alias.Normalize(text)
			if mapped[norm] {
				res.AliasesPresent++
				continue
			}
			if _, err := aliases.Upsert(ctx, alias.UpsertRequest{
				Alias:           text,
				CanonicalCodeID: code.ID,
				Confidence:      s.Defaults.AliasConfidence,
				Source:          model.AliasSourceSeed,
			}); err != nil {
				return nil, eris.Wrapf(err, "catalog: seed alias %q", text)
			}
			mapped[norm] = true
			res.AliasesAdded++
		}
	}

	zap.L().Info("catalog seeded",
		zap.Int64("codes", res.Codes),
		zap.Int("aliases_added", res.AliasesAdded),
		zap.Int("aliases_present", res.AliasesPresent),
	)
	return res, nil
}

// Category is one catalog section with its codes in token order.
type Category struct {
	Name  string                `json:"name"`
	Codes []model.CanonicalCode `json:"codes"`
}

// Group buckets codes by category, sorted by category name then code.
func Group(codes []model.CanonicalCode) []Category {
	byName := make(map[string][]model.CanonicalCode)
	for _, c := range codes {
		byName[c.Category] = append(byName[c.Category], c)
	}

	out := make([]Category, 0, len(byName))
	for name, cs := range byName {
		sort.Slice(cs, func(i, j int) bool { return cs[i].Code < cs[j].Code })
		out = append(out, Category{Name: name, Codes: cs})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
