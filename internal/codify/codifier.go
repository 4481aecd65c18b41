package codify

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/alias"
	"github.com/sells-group/docintel/internal/model"
	"github.com/sells-group/docintel/internal/store"
)

// Codifier runs both passes against the store.
type Codifier struct {
	st      store.Store
	cache   *AliasCache
	fast    *FastPass
	smart   *SmartPass
	aliases *alias.Service

	learn         bool
	learnMinScore float64
}

// Option configures a Codifier.
type Option func(*Codifier)

// WithLearning records confident Smart Pass matches to existing codes as
// llm_suggested aliases.
func WithLearning(minConfidence float64) Option {
	return func(c *Codifier) {
		c.learn = true
		c.learnMinScore = minConfidence
	}
}

// NewCodifier wires a Codifier.
func NewCodifier(st store.Store, cache *AliasCache, fast *FastPass, smart *SmartPass, aliases *alias.Service, opts ...Option) *Codifier {
	c := &Codifier{
		st:      st,
		cache:   cache,
		fast:    fast,
		smart:   smart,
		aliases: aliases,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Codify runs the Fast Pass over a document's line items and replaces the
// document's stored items with the result.
func (c *Codifier) Codify(ctx context.Context, documentID string, items []model.LineItem) (*FastPassResult, error) {
	idx, err := c.cache.Get(ctx)
	if err != nil {
		return nil, err
	}

	res := c.fast.Run(documentID, items, idx)
	if err := c.st.ReplaceItems(ctx, documentID, res.Items); err != nil {
		return nil, eris.Wrapf(err, "codify: save items for %s", documentID)
	}
	if len(res.MatchedAliasIDs) > 0 {
		if err := c.st.IncrementAliasUsage(ctx, res.MatchedAliasIDs); err != nil {
			// Usage counts only rank prompt samples.
			zap.L().Warn("codify: increment alias usage", zap.Error(err))
		} else {
			c.cache.Invalidate()
		}
	}

	zap.L().Info("fast pass complete",
		zap.String("document_id", documentID),
		zap.Int("matched", res.Stats.Matched),
		zap.Int("pending", res.Stats.Pending),
		zap.Int("total", res.Stats.Total),
	)
	return res, nil
}

// SmartPassReport is what RunSmartPass changed.
type SmartPassReport struct {
	DocumentID string `json:"documentId"`
	Updated    int    `json:"updated"`
	Learned    int    `json:"learned"`
	*SmartPassResult
}

// RunSmartPass codes a document's pending_review items and stores the
// suggestions with status suggested.
func (c *Codifier) RunSmartPass(ctx context.Context, documentID string) (*SmartPassReport, error) {
	pending, err := c.st.ListItems(ctx, store.ItemFilter{
		DocumentID: documentID,
		Status:     model.MappingPendingReview,
	})
	if err != nil {
		return nil, eris.Wrapf(err, "codify: list pending items for %s", documentID)
	}

	report := &SmartPassReport{DocumentID: documentID, SmartPassResult: &SmartPassResult{}}
	if len(pending) == 0 {
		return report, nil
	}

	idx, err := c.cache.Get(ctx)
	if err != nil {
		return nil, err
	}

	res := c.smart.Run(ctx, pending, idx)
	report.SmartPassResult = res

	byID := make(map[string]model.CodifiedItem, len(pending))
	for _, it := range pending {
		byID[it.ID] = it
	}

	for _, sg := range res.Suggestions {
		it := byID[sg.ItemID]
		it.SuggestedCodeID = sg.CodeID
		it.SuggestedCode = sg.SuggestedCode
		it.Confidence = sg.Confidence
		it.MappingStatus = model.MappingSuggested
		it.Reasoning = sg.Reasoning
		if err := c.st.UpdateItemMapping(ctx, it); err != nil {
			return nil, eris.Wrapf(err, "codify: save suggestion for item %s", it.ID)
		}
		report.Updated++

		if c.shouldLearn(sg) {
			if _, err := c.aliases.Upsert(ctx, alias.UpsertRequest{
				Alias:           it.OriginalName,
				CanonicalCodeID: sg.CodeID,
				Confidence:      sg.Confidence,
				Source:          model.AliasSourceLLM,
			}); err != nil {
				zap.L().Warn("codify: learn alias", zap.String("alias", it.OriginalName), zap.Error(err))
				continue
			}
			report.Learned++
		}
	}

	zap.L().Info("smart pass complete",
		zap.String("document_id", documentID),
		zap.Int("updated", report.Updated),
		zap.Int("proposed_codes", len(res.ProposedCodes)),
		zap.Int("learned", report.Learned),
		zap.Bool("fallback", res.Fallback),
		zap.Int("tokens", res.TokensUsed),
	)
	return report, nil
}

func (c *Codifier) shouldLearn(sg model.CodeSuggestion) bool {
	return c.learn && c.aliases != nil && !sg.Fallback && !sg.IsNewCode &&
		sg.CodeID != "" && sg.Confidence >= c.learnMinScore
}

// ConfirmItem marks an item as human-approved against codeID (or its current
// suggestion when codeID is empty) and records the label as a
// user_confirmed alias.
func (c *Codifier) ConfirmItem(ctx context.Context, itemID, codeID string) (*model.CodifiedItem, error) {
	it, err := c.st.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if codeID == "" {
		codeID = it.SuggestedCodeID
	}
	if codeID == "" {
		return nil, eris.Errorf("codify: item %s has no code to confirm", itemID)
	}
	code, err := c.st.GetCode(ctx, codeID)
	if err != nil {
		return nil, err
	}

	it.SuggestedCodeID = code.ID
	it.SuggestedCode = code.Code
	it.Confidence = 1.0
	it.MappingStatus = model.MappingConfirmed
	it.Reasoning = fmt.Sprintf("confirmed as %s", code.Code)
	if err := c.st.UpdateItemMapping(ctx, *it); err != nil {
		return nil, eris.Wrapf(err, "codify: confirm item %s", itemID)
	}

	if _, err := c.aliases.Upsert(ctx, alias.UpsertRequest{
		Alias:           it.OriginalName,
		CanonicalCodeID: code.ID,
		Confidence:      1.0,
		Source:          model.AliasSourceUserConfirmed,
	}); err != nil {
		return nil, err
	}
	return it, nil
}

// CreateProposedCodes creates the proposed codes (existing tokens are
// reused) and points their items at them.
func (c *Codifier) CreateProposedCodes(ctx context.Context, proposals []model.ProposedCode) ([]model.CanonicalCode, error) {
	out := make([]model.CanonicalCode, 0, len(proposals))
	for _, p := range proposals {
		token := CanonicalToken(p.Code)
		if token == "" {
			return nil, eris.New("codify: proposed code is empty")
		}
		dt := p.DataType
		if !dt.Valid() {
			dt = GuessDataType(p.DisplayName)
		}
		code, created, err := c.st.CreateCode(ctx, model.CanonicalCode{
			Code:        token,
			DisplayName: firstNonEmpty(p.DisplayName, token),
			Category:    firstNonEmpty(p.Category, fallbackCategory),
			DataType:    dt,
		})
		if err != nil {
			return nil, eris.Wrapf(err, "codify: create code %s", token)
		}
		out = append(out, *code)

		for _, itemID := range p.ItemIDs {
			it, err := c.st.GetItem(ctx, itemID)
			if err != nil {
				return nil, err
			}
			it.SuggestedCodeID = code.ID
			it.SuggestedCode = code.Code
			if err := c.st.UpdateItemMapping(ctx, *it); err != nil {
				return nil, eris.Wrapf(err, "codify: link item %s to %s", itemID, code.Code)
			}
		}

		zap.L().Info("proposed code applied",
			zap.String("code", code.Code),
			zap.Bool("created", created),
			zap.Int("items", len(p.ItemIDs)),
		)
	}
	c.cache.Invalidate()
	return out, nil
}
