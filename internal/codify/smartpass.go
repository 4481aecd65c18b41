package codify

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/catalog"
	"github.com/sells-group/docintel/internal/llm"
	"github.com/sells-group/docintel/internal/model"
)

//go:embed smartpass_schema.json
var smartPassSchemaDoc []byte

var smartPassSchema = llm.MustCompileSchema("smart_pass", smartPassSchemaDoc)

const (
	fallbackConfidence = 0.3
	fallbackCategory   = "uncategorized"
	fallbackToken      = "<unclassified>"
)

const smartPassSystem = `You map financial line items from real-estate lending documents to canonical codes.

Each code is a token of lowercase words joined by dots inside angle brackets, for example <stamp.duty>.
Reuse an existing code whenever one fits. Only propose a new code when nothing in the catalog carries the same meaning.
For every item return: itemId, suggestedCode, displayName, category, dataType (currency, number, percentage or string),
isNewCode, confidence between 0 and 1, and a one-sentence reasoning.

Return {"suggestions": [...]} with one entry per item.`

// SmartPass asks a model to code the items the Fast Pass could not.
type SmartPass struct {
	llm            llm.Completer
	aliasesPerCode int
	maxTokens      int
	temperature    float64
}

// SmartPassOption configures a SmartPass.
type SmartPassOption func(*SmartPass)

// WithAliasesPerCode limits the sample aliases shown per code.
func WithAliasesPerCode(n int) SmartPassOption {
	return func(s *SmartPass) { s.aliasesPerCode = n }
}

// WithMaxTokens sets the completion budget.
func WithMaxTokens(n int) SmartPassOption {
	return func(s *SmartPass) { s.maxTokens = n }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) SmartPassOption {
	return func(s *SmartPass) { s.temperature = t }
}

// NewSmartPass creates a SmartPass. A nil completer always falls back to
// the heuristic.
func NewSmartPass(c llm.Completer, opts ...SmartPassOption) *SmartPass {
	s := &SmartPass{llm: c, aliasesPerCode: 5, maxTokens: 8192}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SmartPassResult holds one suggestion per input item plus the new codes
// they would need.
type SmartPassResult struct {
	Suggestions   []model.CodeSuggestion `json:"suggestions"`
	ProposedCodes []model.ProposedCode   `json:"proposedCodes"`
	TokensUsed    int                    `json:"tokensUsed"`
	Fallback      bool                   `json:"fallback"`
}

type smartPassItem struct {
	ItemID   string  `json:"itemId"`
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Currency string  `json:"currency,omitempty"`
	Category string  `json:"category,omitempty"`
}

type smartPassResponse struct {
	Suggestions []model.CodeSuggestion `json:"suggestions"`
}

// Run suggests codes for items. Model and parse failures are logged and
// answered with heuristic suggestions, so Run never fails.
func (s *SmartPass) Run(ctx context.Context, items []model.CodifiedItem, idx *AliasIndex) *SmartPassResult {
	res := &SmartPassResult{}
	if len(items) == 0 {
		return res
	}
	if idx == nil {
		idx = NewAliasIndex(nil, nil)
	}

	byID := make(map[string]model.CodifiedItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	var suggestions []model.CodeSuggestion
	if s.llm == nil {
		res.Fallback = true
	} else {
		resp, tokens, err := s.ask(ctx, items, idx)
		res.TokensUsed = tokens
		if err != nil {
			zap.L().Warn("smart pass: model failed, using heuristic",
				zap.Int("items", len(items)),
				zap.Error(err),
			)
			res.Fallback = true
		} else {
			suggestions = resp.Suggestions
		}
	}

	seen := make(map[string]bool, len(items))
	for _, sg := range suggestions {
		it, ok := byID[sg.ItemID]
		if !ok || seen[sg.ItemID] {
			continue
		}
		sg = s.resolve(sg, it, idx)
		if sg.SuggestedCode == "" {
			continue
		}
		seen[sg.ItemID] = true
		res.Suggestions = append(res.Suggestions, sg)
	}

	reason := "heuristic fallback: item missing from model response"
	if res.Fallback {
		reason = "heuristic fallback: model unavailable"
	}
	for _, it := range items {
		if seen[it.ID] {
			continue
		}
		seen[it.ID] = true
		res.Suggestions = append(res.Suggestions, Heuristic(it, idx, reason))
	}

	res.ProposedCodes = proposeCodes(res.Suggestions)
	return res
}

func (s *SmartPass) ask(ctx context.Context, items []model.CodifiedItem, idx *AliasIndex) (*smartPassResponse, int, error) {
	payload := make([]smartPassItem, 0, len(items))
	for _, it := range items {
		payload = append(payload, smartPassItem{
			ItemID:   it.ID,
			Name:     it.OriginalName,
			Value:    it.Value,
			Currency: it.Currency,
			Category: it.Category,
		})
	}
	itemsJSON, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return nil, 0, err
	}

	system := smartPassSystem + "\n\n" + s.catalogPrompt(idx)
	user := "Line items:\n" + string(itemsJSON)

	c, err := s.llm.Complete(ctx, system, user, llm.Options{
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
		JSONMode:    true,
	})
	if err != nil {
		return nil, 0, err
	}

	var resp smartPassResponse
	if err := llm.Decode("smart_pass", c.Content, smartPassSchema, &resp); err != nil {
		return nil, c.TokensUsed, err
	}
	return &resp, c.TokensUsed, nil
}

// catalogPrompt lists the catalog by category with sample aliases.
func (s *SmartPass) catalogPrompt(idx *AliasIndex) string {
	var b strings.Builder
	b.WriteString("Catalog:\n")
	if len(idx.Codes()) == 0 {
		b.WriteString("(empty)\n")
		return b.String()
	}
	for _, cat := range catalog.Group(idx.Codes()) {
		fmt.Fprintf(&b, "\n## %s\n", cat.Name)
		for _, c := range cat.Codes {
			fmt.Fprintf(&b, "- %s %s (%s)", c.Code, c.DisplayName, c.DataType)
			samples := idx.SampleAliases(c.ID, s.aliasesPerCode)
			if len(samples) > 0 {
				names := make([]string, len(samples))
				for i, a := range samples {
					names[i] = a.Alias
				}
				fmt.Fprintf(&b, " aka: %s", strings.Join(names, "; "))
			}
			b.WriteString("\n")
		}
	}
	return b.String()
}

// resolve ties a model suggestion to the catalog.
func (s *SmartPass) resolve(sg model.CodeSuggestion, it model.CodifiedItem, idx *AliasIndex) model.CodeSuggestion {
	sg.SuggestedCode = CanonicalToken(sg.SuggestedCode)
	sg.Confidence = clamp01(sg.Confidence)

	if c, ok := idx.CodeByToken(sg.SuggestedCode); ok {
		sg.IsNewCode = false
		sg.CodeID = c.ID
		sg.DisplayName = c.DisplayName
		sg.Category = c.Category
		sg.DataType = c.DataType
		return sg
	}

	sg.IsNewCode = true
	sg.CodeID = ""
	if !sg.DataType.Valid() {
		sg.DataType = GuessDataType(it.OriginalName)
	}
	if sg.DisplayName == "" {
		sg.DisplayName = it.OriginalName
	}
	if sg.Category == "" {
		sg.Category = firstNonEmpty(it.Category, fallbackCategory)
	}
	return sg
}

// Heuristic builds a suggestion from the item name alone.
func Heuristic(it model.CodifiedItem, idx *AliasIndex, reason string) model.CodeSuggestion {
	token := TokenFromName(it.OriginalName)
	sg := model.CodeSuggestion{
		ItemID:        it.ID,
		SuggestedCode: token,
		DisplayName:   strings.TrimSpace(it.OriginalName),
		Category:      firstNonEmpty(it.Category, fallbackCategory),
		DataType:      GuessDataType(it.OriginalName),
		IsNewCode:     true,
		Confidence:    fallbackConfidence,
		Reasoning:     reason,
		Fallback:      true,
	}
	if idx != nil {
		if c, ok := idx.CodeByToken(token); ok {
			sg.IsNewCode = false
			sg.CodeID = c.ID
			sg.DisplayName = c.DisplayName
			sg.Category = c.Category
			sg.DataType = c.DataType
		}
	}
	if sg.DisplayName == "" {
		sg.DisplayName = token
	}
	return sg
}

// TokenFromName turns "Stamp Duty (SDLT)" into "<stamp.duty.sdlt>".
func TokenFromName(name string) string {
	words := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return fallbackToken
	}
	return "<" + strings.Join(words, ".") + ">"
}

// CanonicalToken lower-cases a model supplied code and ensures the angle
// brackets.
func CanonicalToken(code string) string {
	code = strings.TrimSpace(strings.ToLower(code))
	code = strings.TrimSuffix(strings.TrimPrefix(code, "<"), ">")
	code = strings.Join(strings.Fields(code), ".")
	if code == "" {
		return ""
	}
	return "<" + code + ">"
}

// GuessDataType picks a data type from keywords in name.
func GuessDataType(name string) model.DataType {
	if strings.Contains(name, "%") {
		return model.DataTypePercentage
	}
	words := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	for _, w := range words {
		switch w {
		case "rate", "rates", "percentage", "percent", "pct", "yield":
			return model.DataTypePercentage
		case "count", "number", "units", "unit", "qty", "quantity":
			return model.DataTypeNumber
		}
	}
	return model.DataTypeCurrency
}

// proposeCodes collects new codes, deduplicated by token in first-seen order.
func proposeCodes(suggestions []model.CodeSuggestion) []model.ProposedCode {
	var out []model.ProposedCode
	pos := make(map[string]int)
	for _, sg := range suggestions {
		if !sg.IsNewCode {
			continue
		}
		if i, ok := pos[sg.SuggestedCode]; ok {
			out[i].ItemIDs = append(out[i].ItemIDs, sg.ItemID)
			continue
		}
		pos[sg.SuggestedCode] = len(out)
		out = append(out, model.ProposedCode{
			Code:        sg.SuggestedCode,
			DisplayName: sg.DisplayName,
			Category:    sg.Category,
			DataType:    sg.DataType,
			ItemIDs:     []string{sg.ItemID},
		})
	}
	return out
}

func clamp01(f float64) float64 {
	return min(max(f, 0), 1)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
