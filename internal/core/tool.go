package core

import "context"

// SideEffect classifies what a tool invocation can do to the outside world.
type SideEffect string

const (
	SideEffectRead    SideEffect = "read"
	SideEffectWrite   SideEffect = "write"
	SideEffectExec    SideEffect = "exec"
	SideEffectNetwork SideEffect = "network"
	SideEffectSend    SideEffect = "send"
)

// ToolHandler executes a tool call and returns its result content.
type ToolHandler func(ctx context.Context, input []byte) (ToolResult, error)

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	Content string
	IsError bool
}

// ToolDescriptor is the static, immutable-after-registration metadata for a
// side-effecting capability the agent runtime may invoke.
type ToolDescriptor struct {
	Name             string
	Groups           []string
	InputSchema      []byte // raw JSON Schema document; may be nil
	SideEffects      []SideEffect
	RequiresSandbox  bool
	Handler          ToolHandler
}

// HasSideEffect reports whether the descriptor declares the given side effect.
func (d ToolDescriptor) HasSideEffect(effect SideEffect) bool {
	for _, e := range d.SideEffects {
		if e == effect {
			return true
		}
	}
	return false
}
