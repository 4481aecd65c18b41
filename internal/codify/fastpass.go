package codify

import (
	"fmt"
	"sort"
	"strings"

	"github.com/agext/levenshtein"
	"github.com/google/uuid"

	"github.com/sells-group/docintel/internal/alias"
	"github.com/sells-group/docintel/internal/model"
)

// DefaultThreshold is the minimum fuzzy score for a Fast Pass match.
const DefaultThreshold = 0.85

// scoreEpsilon absorbs float rounding at the threshold.
const scoreEpsilon = 1e-9

// SimilarityFunc scores two normalized strings in [0, 1].
type SimilarityFunc func(a, b string) float64

// TokenSortSimilarity is the normalized Levenshtein similarity of a and b,
// taking the better of the raw strings and their word-sorted forms so that
// "fees legal" matches "legal fees".
func TokenSortSimilarity(a, b string) float64 {
	plain := levenshtein.Similarity(a, b, nil)
	sorted := levenshtein.Similarity(sortTokens(a), sortTokens(b), nil)
	return max(plain, sorted)
}

func sortTokens(s string) string {
	f := strings.Fields(s)
	sort.Strings(f)
	return strings.Join(f, " ")
}

// FastPass matches labels against the alias index without calling a model.
type FastPass struct {
	threshold  float64
	similarity SimilarityFunc
}

// FastPassOption configures a FastPass.
type FastPassOption func(*FastPass)

// WithThreshold sets the inclusive fuzzy match threshold.
func WithThreshold(t float64) FastPassOption {
	return func(f *FastPass) {
		if t > 0 && t <= 1 {
			f.threshold = t
		}
	}
}

// WithSimilarity replaces the fuzzy metric.
func WithSimilarity(fn SimilarityFunc) FastPassOption {
	return func(f *FastPass) {
		if fn != nil {
			f.similarity = fn
		}
	}
}

// NewFastPass creates a FastPass.
func NewFastPass(opts ...FastPassOption) *FastPass {
	f := &FastPass{threshold: DefaultThreshold, similarity: TokenSortSimilarity}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Threshold returns the configured threshold.
func (f *FastPass) Threshold() float64 { return f.threshold }

// Match is a single Fast Pass hit.
type Match struct {
	Alias model.ItemCodeAlias
	Score float64
	Exact bool
}

// Match finds the best alias for label, or returns false. An exact hit
// scores the alias's own confidence; a fuzzy hit scores the similarity.
func (f *FastPass) Match(label string, idx *AliasIndex) (Match, bool) {
	norm := alias.Normalize(label)
	if norm == "" || idx == nil {
		return Match{}, false
	}
	if a, ok := idx.Lookup(norm); ok {
		return Match{Alias: a, Score: a.Confidence, Exact: true}, true
	}

	var best Match
	found := false
	for _, a := range idx.Aliases() {
		score := f.similarity(norm, a.AliasNormalized)
		if !found || score > best.Score || (score == best.Score && a.Confidence > best.Alias.Confidence) {
			best = Match{Alias: a, Score: score}
			found = true
		}
	}
	if !found || best.Score < f.threshold-scoreEpsilon {
		return Match{}, false
	}
	return best, true
}

// FastPassStats counts Fast Pass outcomes.
type FastPassStats struct {
	Matched int `json:"matched"`
	Pending int `json:"pending"`
	Total   int `json:"total"`
}

// FastPassResult is the codified items for one document.
type FastPassResult struct {
	Items           []model.CodifiedItem `json:"items"`
	Stats           FastPassStats        `json:"stats"`
	MatchedAliasIDs []string             `json:"matchedAliasIds,omitempty"`
}

// Run codifies items for documentID. Each item gets a fresh ID.
func (f *FastPass) Run(documentID string, items []model.LineItem, idx *AliasIndex) *FastPassResult {
	res := &FastPassResult{Items: make([]model.CodifiedItem, 0, len(items))}
	for _, li := range items {
		ci := model.CodifiedItem{
			ID:           uuid.New().String(),
			DocumentID:   documentID,
			OriginalName: li.Name,
			Value:        li.Amount,
			Currency:     li.Currency,
			Category:     li.Category,
		}

		if m, ok := f.Match(li.Name, idx); ok {
			ci.SuggestedCodeID = m.Alias.CanonicalCodeID
			ci.SuggestedCode = m.Alias.CanonicalCode
			ci.Confidence = m.Score
			ci.MappingStatus = model.MappingMatched
			if m.Exact {
				ci.Reasoning = fmt.Sprintf("exact alias match %q", m.Alias.Alias)
			} else {
				ci.Reasoning = fmt.Sprintf("fuzzy alias match %q (score %.3f)", m.Alias.Alias, m.Score)
			}
			res.Stats.Matched++
			res.MatchedAliasIDs = append(res.MatchedAliasIDs, m.Alias.ID)
		} else {
			ci.MappingStatus = model.MappingPendingReview
			res.Stats.Pending++
		}
		res.Items = append(res.Items, ci)
	}
	res.Stats.Total = len(res.Items)
	return res
}
