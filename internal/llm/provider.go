// Package llm holds the model-backed answer path used when a question
// does not match any built-in check. The boundary is deliberately
// narrow: a provider receives plain text in and returns plain text out.
// It never sees credentials and it is never handed a tool to call.
package llm

import "context"

// Provider answers a free-form question given a bounded context block.
type Provider interface {
	// Answer sends the question and context to the model and returns
	// the text of its reply.
	Answer(ctx context.Context, system, question, contextBlock string) (string, error)
}

// NotConfiguredError reports that no model provider is available, which
// happens when no API key is configured.
type NotConfiguredError struct{}

func (NotConfiguredError) Error() string {
	return "llm: no provider configured (set OPENAI_API_KEY to enable free-form questions)"
}
