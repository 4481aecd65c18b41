package model

import (
	"encoding/json"
	"time"
)

// Scope selects which entity an intelligence record belongs to.
type Scope string

const (
	ScopeClient  Scope = "client"
	ScopeProject Scope = "project"
)

// Valid reports whether s is a known scope.
func (s Scope) Valid() bool {
	return s == ScopeClient || s == ScopeProject
}

// IntelligenceField is one aggregated fact about a client or project.
type IntelligenceField struct {
	FieldPath        string          `json:"fieldPath"`
	Value            json.RawMessage `json:"value"`
	Confidence       float64         `json:"confidence"`
	SourceText       string          `json:"sourceText,omitempty"`
	SourceDocumentID string          `json:"sourceDocumentId,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// MergeStats counts the outcome of merging a batch of fields.
type MergeStats struct {
	Added   int `json:"added"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}
