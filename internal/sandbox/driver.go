// Package sandbox dispatches tool invocations through the isolation level
// their descriptor demands: direct in-process execution for trusted tools,
// or a contained executor that gates network access and enforces a
// wall-clock timeout for everything else.
package sandbox

import (
	"context"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

// Request describes a single tool invocation awaiting dispatch.
type Request struct {
	Descriptor     core.ToolDescriptor
	Input          []byte
	Timeout        time.Duration
	NetworkAllowed bool
}

// Result is the outcome of a dispatched invocation.
type Result struct {
	Output   core.ToolResult
	Duration time.Duration
	TimedOut bool
}

// Driver executes a tool call under some isolation policy.
type Driver interface {
	Execute(ctx context.Context, req Request) (Result, error)
}

const DefaultTimeout = 30 * time.Second

// Router picks direct or contained execution per descriptor and refuses a
// sandbox-required tool when no contained driver was configured.
type Router struct {
	direct    Driver
	contained Driver
}

// NewRouter builds a Router. contained may be nil if no sandbox backend is
// configured; sandboxed tools then fail with core.ErrSandboxUnavailable.
func NewRouter(direct, contained Driver) *Router {
	return &Router{direct: direct, contained: contained}
}

func (r *Router) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Timeout <= 0 {
		req.Timeout = DefaultTimeout
	}
	if req.Descriptor.RequiresSandbox {
		if r.contained == nil {
			return Result{}, core.ErrSandboxUnavailable
		}
		return r.contained.Execute(ctx, req)
	}
	return r.direct.Execute(ctx, req)
}
