// Package intel reconciles facts from many documents into one long-lived
// intelligence record per client or project.
package intel

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/docintel/internal/model"
)

// Merge folds incoming fields into existing and returns the merged set.
// A field at a new path is added; a field at a known path replaces the
// stored one only when its confidence is strictly greater. existing is not
// modified.
func Merge(existing map[string]model.IntelligenceField, incoming []model.IntelligenceField) (map[string]model.IntelligenceField, model.MergeStats) {
	merged := make(map[string]model.IntelligenceField, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}

	var stats model.MergeStats
	for _, f := range incoming {
		cur, ok := merged[f.FieldPath]
		switch {
		case !ok:
			merged[f.FieldPath] = f
			stats.Added++
		case f.Confidence > cur.Confidence:
			merged[f.FieldPath] = f
			stats.Updated++
		default:
			stats.Skipped++
		}
	}
	return merged, stats
}

// Changed returns the fields of merged that are new or replaced relative
// to existing, sorted by path.
func Changed(existing, merged map[string]model.IntelligenceField) []model.IntelligenceField {
	var out []model.IntelligenceField
	for path, f := range merged {
		if cur, ok := existing[path]; ok && f.Confidence <= cur.Confidence {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FieldPath < out[j].FieldPath })
	return out
}

// Flatten decodes the envelope's tagged facts into intelligence fields.
// Per-field confidence and source text override the envelope defaults.
func Flatten(env model.FactsEnvelope, now time.Time) ([]model.IntelligenceField, error) {
	facts, err := env.DecodeFacts()
	if err != nil {
		return nil, eris.Wrap(err, "intel: decode facts")
	}

	paths := facts.Paths()
	keys := make([]string, 0, len(paths))
	for k := range paths {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fields := make([]model.IntelligenceField, 0, len(keys))
	for _, path := range keys {
		raw, err := json.Marshal(paths[path])
		if err != nil {
			return nil, eris.Wrapf(err, "intel: marshal %s", path)
		}
		conf := env.Confidence
		if c, ok := env.FieldConfidence[path]; ok {
			conf = c
		}
		fields = append(fields, model.IntelligenceField{
			FieldPath:        path,
			Value:            raw,
			Confidence:       conf,
			SourceText:       env.SourceText[path],
			SourceDocumentID: env.SourceDocumentID,
			UpdatedAt:        now,
		})
	}
	return fields, nil
}
