// Package llm defines the Provider interface for large language model
// backends.
//
// Two pipeline stages call into an LLM: the claim extractor and the
// verdict adjudicator. Both build a complete prompt, expect a single
// response, and parse it as strict JSON, so the contract here is a plain
// one-shot Generate rather than a streaming chat interface. Backends that
// only speak chat wrap the prompt in a single user message.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Usage holds token accounting returned by the backend. Counts are in the
// model's native token unit.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Request carries one generation call.
type Request struct {
	// System is an optional high-priority instruction. Backends without a
	// dedicated system channel prepend it as a system-role message.
	System string

	// Prompt is the user-visible input. Must not be empty.
	Prompt string

	// Temperature is passed to the backend verbatim, including zero. The
	// extractor and adjudicator always run at 0 for repeatability.
	Temperature float64

	// MaxTokens caps completion length. Zero means the backend default.
	MaxTokens int

	// ForceJSON asks the backend to emit a single JSON value and nothing
	// else. Backends without a native JSON mode enforce this through the
	// system instruction; callers must still validate the output.
	ForceJSON bool
}

// Response is the model's reply to a single Request.
type Response struct {
	// Content is the raw model output. When ForceJSON was set this should
	// be a JSON value, but callers must treat it as untrusted and run it
	// through schema validation.
	Content string

	Usage Usage
}

// Provider is the abstraction over any LLM backend.
//
// Generate must propagate ctx cancellation promptly; the adjudicator runs
// under tight deadlines and treats a late answer the same as no answer.
type Provider interface {
	Generate(ctx context.Context, req Request) (*Response, error)

	// ModelID returns the backend model identifier, stamped onto claims
	// and verdicts for replayability.
	ModelID() string
}

// jsonOnlyInstruction is appended to the system prompt by backends that
// implement ForceJSON without a native JSON output mode.
const jsonOnlyInstruction = "Respond with a single valid JSON value and no other text, markdown, or code fences."

// SystemFor returns the effective system prompt for req, folding in the
// JSON-only instruction when requested. Shared by backend implementations.
func SystemFor(req Request) string {
	if !req.ForceJSON {
		return req.System
	}
	if req.System == "" {
		return jsonOnlyInstruction
	}
	return req.System + "\n\n" + jsonOnlyInstruction
}
