// Package extraction turns document text into financial line items through
// three model calls: extract, normalize and verify.
package extraction

import (
	"context"
	"embed"
	"encoding/json"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/currency"

	"github.com/sells-group/docintel/internal/llm"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/resilience"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Stage names, used in logs, parse errors and StagesDegraded.
const (
	StageExtract   = "extract"
	StageNormalize = "normalize"
	StageVerify    = "verify"
)

var (
	extractSchema   = mustSchema(StageExtract)
	normalizeSchema = mustSchema(StageNormalize)
	verifySchema    = mustSchema(StageVerify)
)

func mustSchema(stage string) *llm.Schema {
	doc, err := schemaFS.ReadFile("schemas/" + stage + ".json")
	if err != nil {
		panic(err)
	}
	return llm.MustCompileSchema(stage, doc)
}

// Document is the text rendering of one uploaded file.
type Document struct {
	Name    string
	Content string
}

// Pipeline runs the three extraction stages.
type Pipeline struct {
	llm        llm.Completer
	maxChars   int
	maxTokens   int
	temperature float64
	skipVerify  bool
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMaxContentChars truncates document content sent to the model.
func WithMaxContentChars(n int) Option {
	return func(p *Pipeline) { p.maxChars = n }
}

// WithMaxTokens sets the completion budget per stage.
func WithMaxTokens(n int) Option {
	return func(p *Pipeline) { p.maxTokens = n }
}

// WithTemperature sets the sampling temperature for every stage.
func WithTemperature(t float64) Option {
	return func(p *Pipeline) { p.temperature = t }
}

// WithSkipVerify disables the verify stage.
func WithSkipVerify(skip bool) Option {
	return func(p *Pipeline) { p.skipVerify = skip }
}

// New creates a Pipeline.
func New(c llm.Completer, opts ...Option) *Pipeline {
	p := &Pipeline{llm: c, maxChars: 120_000, maxTokens: 8192}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type stageOutput struct {
	Costs         []model.LineItem    `json:"costs"`
	Confidence    *float64            `json:"confidence,omitempty"`
	Notes         string              `json:"notes,omitempty"`
	Discrepancies []model.Discrepancy `json:"discrepancies,omitempty"`
}

// Run extracts line items from doc. Only the extract stage can fail the
// run: normalize and verify fall back to the previous stage's items.
func (p *Pipeline) Run(ctx context.Context, doc Document) (*model.ExtractionResult, error) {
	content := strings.TrimSpace(doc.Content)
	if content == "" {
		return nil, resilience.NewContentError("document " + doc.Name + " has no text content")
	}
	if p.maxChars > 0 && len(content) > p.maxChars {
		zap.L().Warn("extraction: truncating document",
			zap.String("document", doc.Name),
			zap.Int("chars", len(content)),
			zap.Int("max_chars", p.maxChars),
		)
		content = truncate(content, p.maxChars)
	}

	res := &model.ExtractionResult{}

	// Extract
	extracted, tokens, err := p.stage(ctx, StageExtract, extractSystem,
		"File name: "+doc.Name+"\n\n"+content, extractSchema)
	res.TokensUsed += tokens
	if err != nil {
		return nil, eris.Wrapf(err, "extraction: extract %s", doc.Name)
	}
	costs := cleanItems(extracted.Costs)
	if len(costs) == 0 {
		return nil, resilience.NewContentError("no financial line items found in " + doc.Name)
	}
	res.Costs = costs
	res.Confidence = confidenceOr(extracted.Confidence, averageConfidence(costs))
	res.Notes = extracted.Notes

	// Normalize
	itemsJSON, _ := json.Marshal(stageOutput{Costs: res.Costs})
	normalized, tokens, err := p.stage(ctx, StageNormalize, normalizeSystem,
		"Line items:\n"+string(itemsJSON), normalizeSchema)
	res.TokensUsed += tokens
	if items := itemsOf(normalized, err); items != nil {
		res.Costs = items
		res.Notes = joinNotes(res.Notes, normalized.Notes)
	} else {
		p.degrade(res, StageNormalize, doc.Name, err)
	}

	// Verify
	if p.skipVerify {
		return res, nil
	}
	itemsJSON, _ = json.Marshal(stageOutput{Costs: res.Costs})
	verified, tokens, err := p.stage(ctx, StageVerify, verifySystem,
		"Source document ("+doc.Name+"):\n"+content+"\n\nExtracted line items:\n"+string(itemsJSON), verifySchema)
	res.TokensUsed += tokens
	if items := itemsOf(verified, err); items != nil {
		res.Costs = items
		res.Discrepancies = verified.Discrepancies
		res.Confidence = confidenceOr(verified.Confidence, res.Confidence)
		res.Notes = joinNotes(res.Notes, verified.Notes)
	} else {
		p.degrade(res, StageVerify, doc.Name, err)
	}

	return res, nil
}

func (p *Pipeline) stage(ctx context.Context, name, system, user string, schema *llm.Schema) (*stageOutput, int, error) {
	start := time.Now()
	c, err := p.llm.Complete(ctx, system, user, llm.Options{
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		JSONMode:    true,
	})
	if err != nil {
		return nil, 0, err
	}

	var out stageOutput
	if err := llm.Decode(name, c.Content, schema, &out); err != nil {
		return nil, c.TokensUsed, err
	}

	zap.L().Debug("extraction stage complete",
		zap.String("stage", name),
		zap.Int("items", len(out.Costs)),
		zap.Int("tokens", c.TokensUsed),
		zap.Duration("elapsed", time.Since(start)),
	)
	return &out, c.TokensUsed, nil
}

func (p *Pipeline) degrade(res *model.ExtractionResult, stage, docName string, err error) {
	res.StagesDegraded = append(res.StagesDegraded, stage)
	fields := []zap.Field{
		zap.String("stage", stage),
		zap.String("document", docName),
	}
	if err != nil {
		fields = append(fields, zap.String("kind", string(resilience.Kind(err))), zap.Error(err))
	} else {
		fields = append(fields, zap.String("reason", "stage returned no items"))
	}
	zap.L().Warn("extraction: stage degraded, keeping previous output", fields...)
}

// itemsOf returns the cleaned items of a successful stage, or nil when the
// stage failed or came back empty.
func itemsOf(out *stageOutput, err error) []model.LineItem {
	if err != nil || out == nil {
		return nil
	}
	items := cleanItems(out.Costs)
	if len(items) == 0 {
		return nil
	}
	return items
}

// normalizeCurrency returns the ISO 4217 code for s, or "" when s is not
// one.
func normalizeCurrency(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	unit, err := currency.ParseISO(s)
	if err != nil {
		return ""
	}
	return unit.String()
}

// cleanItems drops unnamed items, clamps confidences and normalizes
// currency codes.
func cleanItems(in []model.LineItem) []model.LineItem {
	out := make([]model.LineItem, 0, len(in))
	for _, it := range in {
		it.Name = strings.TrimSpace(it.Name)
		if it.Name == "" {
			continue
		}
		it.Currency = normalizeCurrency(it.Currency)
		it.Confidence = min(max(it.Confidence, 0), 1)
		out = append(out, it)
	}
	return out
}

func averageConfidence(items []model.LineItem) float64 {
	var sum float64
	n := 0
	for _, it := range items {
		if it.Confidence > 0 {
			sum += it.Confidence
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

func confidenceOr(c *float64, fallback float64) float64 {
	if c == nil {
		return fallback
	}
	return min(max(*c, 0), 1)
}

func joinNotes(a, b string) string {
	a, b = strings.TrimSpace(a), strings.TrimSpace(b)
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + "\n" + b
	}
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
