// Package llm provides the single capability the Hybrid Policy Engine's
// fallback step needs from a language model: complete a prompt, get text
// back. Three backends share the Adapter interface: OpenAI-compatible chat
// completion, Anthropic Messages, and an in-memory mock for tests.
package llm

import "context"

// Adapter is the uniform interface the policy engine's LLM fallback step
// calls through. Implementations must be safe for concurrent use.
type Adapter interface {
	// Complete sends prompt to the backend and returns its raw text
	// response. Callers are responsible for parsing structure (e.g. JSON)
	// out of the returned text.
	Complete(ctx context.Context, prompt string) (string, error)
}
