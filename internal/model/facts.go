package model

import (
	"encoding/json"
	"fmt"
)

// DocumentCategory tags which facts variant a document produced.
type DocumentCategory string

const (
	CategoryValuation        DocumentCategory = "valuation"
	CategoryBankStatement    DocumentCategory = "bank_statement"
	CategoryPlanningDecision DocumentCategory = "planning_decision"
	CategoryKYC              DocumentCategory = "kyc"
)

// Facts is implemented by each per-category facts struct.
type Facts interface {
	Category() DocumentCategory
	// Paths returns the non-empty facts keyed by dotted field path.
	Paths() map[string]any
}

// ValuationFacts come from a property valuation report.
type ValuationFacts struct {
	MarketValue           *float64 `json:"marketValue,omitempty"`
	GrossDevelopmentValue *float64 `json:"grossDevelopmentValue,omitempty"`
	ReinstatementCost     *float64 `json:"reinstatementCost,omitempty"`
	LoanAmount            *float64 `json:"loanAmount,omitempty"`
	Currency              string   `json:"currency,omitempty"`
	ValuationDate         string   `json:"valuationDate,omitempty"`
	Valuer                string   `json:"valuer,omitempty"`
	PropertyAddress       string   `json:"propertyAddress,omitempty"`
}

// Category implements Facts.
func (ValuationFacts) Category() DocumentCategory { return CategoryValuation }

// Paths implements Facts.
func (f ValuationFacts) Paths() map[string]any {
	out := map[string]any{}
	putNum(out, "financials.marketValue", f.MarketValue)
	putNum(out, "financials.grossDevelopmentValue", f.GrossDevelopmentValue)
	putNum(out, "financials.reinstatementCost", f.ReinstatementCost)
	putNum(out, "financials.loanAmount", f.LoanAmount)
	putStr(out, "financials.currency", f.Currency)
	putStr(out, "valuation.date", f.ValuationDate)
	putStr(out, "valuation.valuer", f.Valuer)
	putStr(out, "property.address", f.PropertyAddress)
	return out
}

// BankStatementFacts come from a bank statement.
type BankStatementFacts struct {
	BankName       string   `json:"bankName,omitempty"`
	AccountHolder  string   `json:"accountHolder,omitempty"`
	OpeningBalance *float64 `json:"openingBalance,omitempty"`
	ClosingBalance *float64 `json:"closingBalance,omitempty"`
	AverageBalance *float64 `json:"averageBalance,omitempty"`
	Currency       string   `json:"currency,omitempty"`
	PeriodStart    string   `json:"periodStart,omitempty"`
	PeriodEnd      string   `json:"periodEnd,omitempty"`
}

// Category implements Facts.
func (BankStatementFacts) Category() DocumentCategory { return CategoryBankStatement }

// Paths implements Facts.
func (f BankStatementFacts) Paths() map[string]any {
	out := map[string]any{}
	putStr(out, "banking.bankName", f.BankName)
	putStr(out, "banking.accountHolder", f.AccountHolder)
	putNum(out, "banking.openingBalance", f.OpeningBalance)
	putNum(out, "banking.closingBalance", f.ClosingBalance)
	putNum(out, "banking.averageBalance", f.AverageBalance)
	putStr(out, "banking.currency", f.Currency)
	putStr(out, "banking.periodStart", f.PeriodStart)
	putStr(out, "banking.periodEnd", f.PeriodEnd)
	return out
}

// PlanningDecisionFacts come from a planning permission decision notice.
type PlanningDecisionFacts struct {
	Reference       string   `json:"reference,omitempty"`
	Authority       string   `json:"authority,omitempty"`
	Decision        string   `json:"decision,omitempty"`
	DecisionDate    string   `json:"decisionDate,omitempty"`
	Units           *float64 `json:"units,omitempty"`
	Conditions      []string `json:"conditions,omitempty"`
	PropertyAddress string   `json:"propertyAddress,omitempty"`
}

// Category implements Facts.
func (PlanningDecisionFacts) Category() DocumentCategory { return CategoryPlanningDecision }

// Paths implements Facts.
func (f PlanningDecisionFacts) Paths() map[string]any {
	out := map[string]any{}
	putStr(out, "planning.reference", f.Reference)
	putStr(out, "planning.authority", f.Authority)
	putStr(out, "planning.decision", f.Decision)
	putStr(out, "planning.decisionDate", f.DecisionDate)
	putNum(out, "planning.units", f.Units)
	if len(f.Conditions) > 0 {
		out["planning.conditions"] = f.Conditions
	}
	putStr(out, "property.address", f.PropertyAddress)
	return out
}

// KYCFacts come from identity and address verification documents.
type KYCFacts struct {
	FullName       string `json:"fullName,omitempty"`
	DateOfBirth    string `json:"dateOfBirth,omitempty"`
	Nationality    string `json:"nationality,omitempty"`
	IDDocumentType string `json:"idDocumentType,omitempty"`
	IDExpiry       string `json:"idExpiry,omitempty"`
	Address        string `json:"address,omitempty"`
}

// Category implements Facts.
func (KYCFacts) Category() DocumentCategory { return CategoryKYC }

// Paths implements Facts.
func (f KYCFacts) Paths() map[string]any {
	out := map[string]any{}
	putStr(out, "kyc.fullName", f.FullName)
	putStr(out, "kyc.dateOfBirth", f.DateOfBirth)
	putStr(out, "kyc.nationality", f.Nationality)
	putStr(out, "kyc.idDocumentType", f.IDDocumentType)
	putStr(out, "kyc.idExpiry", f.IDExpiry)
	putStr(out, "kyc.address", f.Address)
	return out
}

func putNum(m map[string]any, path string, v *float64) {
	if v != nil {
		m[path] = *v
	}
}

func putStr(m map[string]any, path, v string) {
	if v != "" {
		m[path] = v
	}
}

// FactsEnvelope is the wire form of a document's facts: a category tag, the
// variant payload, and provenance shared by every field it yields.
type FactsEnvelope struct {
	Category         DocumentCategory   `json:"category"`
	SourceDocumentID string             `json:"sourceDocumentId,omitempty"`
	Confidence       float64            `json:"confidence"`
	FieldConfidence  map[string]float64 `json:"fieldConfidence,omitempty"`
	SourceText       map[string]string  `json:"sourceText,omitempty"`
	Data             json.RawMessage    `json:"data"`
}

// DecodeFacts resolves the envelope's payload into its concrete variant.
func (e FactsEnvelope) DecodeFacts() (Facts, error) {
	var f Facts
	switch e.Category {
	case CategoryValuation:
		var v ValuationFacts
		if err := json.Unmarshal(e.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s facts: %w", e.Category, err)
		}
		f = v
	case CategoryBankStatement:
		var v BankStatementFacts
		if err := json.Unmarshal(e.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s facts: %w", e.Category, err)
		}
		f = v
	case CategoryPlanningDecision:
		var v PlanningDecisionFacts
		if err := json.Unmarshal(e.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s facts: %w", e.Category, err)
		}
		f = v
	case CategoryKYC:
		var v KYCFacts
		if err := json.Unmarshal(e.Data, &v); err != nil {
			return nil, fmt.Errorf("decode %s facts: %w", e.Category, err)
		}
		f = v
	default:
		return nil, fmt.Errorf("unknown document category %q", e.Category)
	}
	return f, nil
}
