package model

// LineItem is one financial line item produced by the extraction pipeline.
type LineItem struct {
	Name       string  `json:"name"`
	Type       string  `json:"type,omitempty"`
	Category   string  `json:"category,omitempty"`
	Amount     float64 `json:"amount"`
	Currency   string  `json:"currency,omitempty"`
	Unit       string  `json:"unit,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
	SourceText string  `json:"sourceText,omitempty"`
}

// Discrepancy is a verifier finding against the source content.
type Discrepancy struct {
	Type        string `json:"type"`
	Description string `json:"description"`
}

// ExtractionResult is the output of the extract/normalize/verify pipeline.
type ExtractionResult struct {
	Costs          []LineItem    `json:"costs"`
	Confidence     float64       `json:"confidence"`
	TokensUsed     int           `json:"tokensUsed"`
	Notes          string        `json:"notes,omitempty"`
	Discrepancies  []Discrepancy `json:"discrepancies,omitempty"`
	StagesDegraded []string      `json:"stagesDegraded,omitempty"`
}
