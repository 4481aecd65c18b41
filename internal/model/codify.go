package model

import "time"

// MappingStatus is the lifecycle tag on a codified item.
type MappingStatus string

const (
	MappingMatched       MappingStatus = "matched"        // Fast Pass hit
	MappingPendingReview MappingStatus = "pending_review" // awaiting Smart Pass
	MappingSuggested     MappingStatus = "suggested"      // Smart Pass output
	MappingConfirmed     MappingStatus = "confirmed"      // human-approved
)

// DataType is the value type a canonical code carries.
type DataType string

const (
	DataTypeCurrency   DataType = "currency"
	DataTypeNumber     DataType = "number"
	DataTypePercentage DataType = "percentage"
	DataTypeString     DataType = "string"
)

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	switch d {
	case DataTypeCurrency, DataTypeNumber, DataTypePercentage, DataTypeString:
		return true
	}
	return false
}

// AliasSource records where an alias mapping came from.
type AliasSource string

const (
	AliasSourceSeed          AliasSource = "system_seed"
	AliasSourceLLM           AliasSource = "llm_suggested"
	AliasSourceUserConfirmed AliasSource = "user_confirmed"
	AliasSourceManual        AliasSource = "manual"
)

// Authoritative reports whether the source overrides confidence comparison.
func (s AliasSource) Authoritative() bool {
	return s == AliasSourceUserConfirmed || s == AliasSourceManual
}

// Valid reports whether s is a known source.
func (s AliasSource) Valid() bool {
	switch s {
	case AliasSourceSeed, AliasSourceLLM, AliasSourceUserConfirmed, AliasSourceManual:
		return true
	}
	return false
}

// AliasOutcome reports what an alias upsert did to the stored mapping.
type AliasOutcome string

const (
	AliasInserted AliasOutcome = "inserted"
	AliasReplaced AliasOutcome = "replaced"
	AliasKept     AliasOutcome = "kept"
)

// CanonicalCode is one standardized financial concept.
type CanonicalCode struct {
	ID          string    `json:"id"`
	Code        string    `json:"code"`
	DisplayName string    `json:"displayName"`
	Category    string    `json:"category"`
	DataType    DataType  `json:"dataType"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ItemCodeAlias maps a free-text term to a canonical code.
type ItemCodeAlias struct {
	ID              string      `json:"id"`
	Alias           string      `json:"alias"`
	AliasNormalized string      `json:"aliasNormalized"`
	CanonicalCodeID string      `json:"canonicalCodeId"`
	CanonicalCode   string      `json:"canonicalCode"`
	Confidence      float64     `json:"confidence"`
	Source          AliasSource `json:"source"`
	UsageCount      int         `json:"usageCount"`
	Active          bool        `json:"active"`
	CreatedAt       time.Time   `json:"createdAt"`
	UpdatedAt       time.Time   `json:"updatedAt"`
}

// CodifiedItem is one extracted line item annotated with its mapping.
type CodifiedItem struct {
	ID              string        `json:"id"`
	DocumentID      string        `json:"documentId"`
	OriginalName    string        `json:"originalName"`
	Value           float64       `json:"value"`
	Currency        string        `json:"currency,omitempty"`
	Category        string        `json:"category,omitempty"`
	SuggestedCodeID string        `json:"suggestedCodeId,omitempty"`
	SuggestedCode   string        `json:"suggestedCode,omitempty"`
	Confidence      float64       `json:"confidence"`
	MappingStatus   MappingStatus `json:"mappingStatus"`
	Reasoning       string        `json:"reasoning,omitempty"`
	CreatedAt       time.Time     `json:"createdAt"`
	UpdatedAt       time.Time     `json:"updatedAt"`
}

// CodeSuggestion is a Smart Pass proposal for one item.
type CodeSuggestion struct {
	ItemID        string   `json:"itemId"`
	SuggestedCode string   `json:"suggestedCode"`
	DisplayName   string   `json:"displayName"`
	Category      string   `json:"category"`
	DataType      DataType `json:"dataType"`
	IsNewCode     bool     `json:"isNewCode"`
	CodeID        string   `json:"codeId,omitempty"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
	Fallback      bool     `json:"fallback,omitempty"`
}

// ProposedCode is a new code the Smart Pass wants created, with the items
// that would use it.
type ProposedCode struct {
	Code        string   `json:"code"`
	DisplayName string   `json:"displayName"`
	Category    string   `json:"category"`
	DataType    DataType `json:"dataType"`
	ItemIDs     []string `json:"itemIds"`
}
