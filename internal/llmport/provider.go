// Package llmport is the uniform interface the Agent Runtime drives every
// LLM backend through: a single streaming Complete call whose errors are
// collapsed to a small taxonomy the runtime can act on without knowing
// which provider produced them.
package llmport

import (
	"context"

	"github.com/conclave-run/conclave/internal/core"
)

// ToolSpec describes one tool available to the model for this request,
// derived from a core.ToolDescriptor filtered through the Tool Policy Engine.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema []byte
}

// CompletionMessage is one entry in the conversation history sent to the
// provider, shaped directly from core.Message.
type CompletionMessage struct {
	Role       core.Role
	Content    string
	ToolCallID string
	ToolName   string
}

// CompletionRequest is a single turn's worth of context sent to a provider.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []ToolSpec
	MaxTokens int
}

// ToolCall is a single tool invocation the model requested.
type ToolCall struct {
	ID    string
	Name  string
	Input []byte
}

// Chunk is one element of a streaming completion. A stream ends with
// one chunk that has Done or Err set; a chunk carrying ToolCalls, if any,
// comes before that final Done chunk.
type Chunk struct {
	TextDelta string
	ToolCalls []ToolCall
	Done      bool
	Err       error
}

// Provider is the uniform interface to an LLM backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}

// ErrorKind is the small, provider-agnostic error taxonomy the runtime
// switches its recovery behavior on.
type ErrorKind string

const (
	// Transient is a retryable condition (rate limit, timeout, 5xx):
	// the runtime reports a credential failure and retries once.
	Transient ErrorKind = "transient"
	// AuthInvalid means the credential itself is bad: the runtime evicts it
	// permanently rather than cooling it down.
	AuthInvalid ErrorKind = "auth_invalid"
	// ContextLimit means the request exceeded the model's context window.
	ContextLimit ErrorKind = "context_limit"
	// ProviderUnavailable means no retry within this call can help.
	ProviderUnavailable ErrorKind = "provider_unavailable"
	// ContentFiltered means the provider refused the content itself.
	ContentFiltered ErrorKind = "content_filtered"
)

// Error wraps a provider failure classified into the taxonomy above.
type Error struct {
	Kind     ErrorKind
	Provider string
	Message  string
	Cause    error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }
