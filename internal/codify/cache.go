// Package codify maps extracted line items to canonical codes: a Fast Pass
// over the alias index, then an LLM-assisted Smart Pass for what is left.
package codify

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/store"
)

// AliasIndex is an immutable snapshot of active aliases and the catalog.
type AliasIndex struct {
	Version uint64

	exact       map[string]model.ItemCodeAlias
	aliases     []model.ItemCodeAlias
	byCode      map[string][]model.ItemCodeAlias
	codes       []model.CanonicalCode
	codeByID    map[string]model.CanonicalCode
	codeByToken map[string]model.CanonicalCode
}

// NewAliasIndex builds a snapshot. When two active aliases share normalized
// text the higher confidence wins.
func NewAliasIndex(codes []model.CanonicalCode, aliases []model.ItemCodeAlias) *AliasIndex {
	idx := &AliasIndex{
		exact:       make(map[string]model.ItemCodeAlias, len(aliases)),
		byCode:      make(map[string][]model.ItemCodeAlias),
		codes:       codes,
		codeByID:    make(map[string]model.CanonicalCode, len(codes)),
		codeByToken: make(map[string]model.CanonicalCode, len(codes)),
	}
	for _, c := range codes {
		idx.codeByID[c.ID] = c
		idx.codeByToken[c.Code] = c
	}
	for _, a := range aliases {
		if !a.Active {
			continue
		}
		if cur, ok := idx.exact[a.AliasNormalized]; !ok || a.Confidence > cur.Confidence {
			idx.exact[a.AliasNormalized] = a
		}
		idx.aliases = append(idx.aliases, a)
		idx.byCode[a.CanonicalCodeID] = append(idx.byCode[a.CanonicalCodeID], a)
	}
	for _, list := range idx.byCode {
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].UsageCount != list[j].UsageCount {
				return list[i].UsageCount > list[j].UsageCount
			}
			return list[i].Confidence > list[j].Confidence
		})
	}
	return idx
}

// Lookup returns the alias stored under normalized text.
func (x *AliasIndex) Lookup(normalized string) (model.ItemCodeAlias, bool) {
	a, ok := x.exact[normalized]
	return a, ok
}

// Aliases returns every active alias.
func (x *AliasIndex) Aliases() []model.ItemCodeAlias { return x.aliases }

// Codes returns the catalog.
func (x *AliasIndex) Codes() []model.CanonicalCode { return x.codes }

// CodeByToken finds a code by its token, e.g. "<stamp.duty>".
func (x *AliasIndex) CodeByToken(token string) (model.CanonicalCode, bool) {
	c, ok := x.codeByToken[token]
	return c, ok
}

// CodeByID finds a code by ID.
func (x *AliasIndex) CodeByID(id string) (model.CanonicalCode, bool) {
	c, ok := x.codeByID[id]
	return c, ok
}

// SampleAliases returns up to n aliases for a code, most used first.
func (x *AliasIndex) SampleAliases(codeID string, n int) []model.ItemCodeAlias {
	list := x.byCode[codeID]
	if n > 0 && len(list) > n {
		return list[:n]
	}
	return list
}

// AliasCache serves AliasIndex snapshots, reloading them after ttl or after
// any Invalidate call.
type AliasCache struct {
	st  store.Store
	ttl time.Duration

	version atomic.Uint64

	mu       sync.Mutex
	idx      *AliasIndex
	loadedAt time.Time

	nowFunc func() time.Time
}

// NewAliasCache creates a cache over st.
func NewAliasCache(st store.Store, ttl time.Duration) *AliasCache {
	return &AliasCache{st: st, ttl: ttl, nowFunc: time.Now}
}

// Invalidate bumps the version so the next Get reloads.
func (c *AliasCache) Invalidate() {
	c.version.Add(1)
}

// Version returns the current cache version.
func (c *AliasCache) Version() uint64 {
	return c.version.Load()
}

// Get returns the current snapshot, reloading it when stale.
func (c *AliasCache) Get(ctx context.Context) (*AliasIndex, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	v := c.version.Load()
	if c.idx != nil && c.idx.Version == v && (c.ttl <= 0 || c.nowFunc().Sub(c.loadedAt) < c.ttl) {
		return c.idx, nil
	}

	codes, err := c.st.ListCodes(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "codify: load codes")
	}
	aliases, err := c.st.ListAliases(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "codify: load aliases")
	}

	idx := NewAliasIndex(codes, aliases)
	idx.Version = v
	c.idx = idx
	c.loadedAt = c.nowFunc()

	zap.L().Debug("alias cache loaded",
		zap.Uint64("version", v),
		zap.Int("codes", len(codes)),
		zap.Int("aliases", len(idx.aliases)),
	)
	return idx, nil
}
