// Package llm puts the completion providers behind one call shape and
// decodes their JSON output.
package llm

import "context"

// Options controls a single completion call.
type Options struct {
	Temperature float64
	MaxTokens   int
	// JSONMode asks the provider for a bare JSON object.
	JSONMode bool
}

// Completion is the text a provider returned and what it cost.
type Completion struct {
	Content    string
	TokensUsed int
	Model      string
}

// Completer sends a system and user prompt to a model.
type Completer interface {
	Complete(ctx context.Context, system, user string, opts Options) (*Completion, error)
}

const defaultMaxTokens = 4096

func maxTokens(opts Options) int {
	if opts.MaxTokens > 0 {
		return opts.MaxTokens
	}
	return defaultMaxTokens
}
