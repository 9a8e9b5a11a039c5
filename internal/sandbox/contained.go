package sandbox

import (
	"context"
	"fmt"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

// ContainedDriver runs a tool's handler under a resource-gated isolation
// policy: it refuses network side effects unless the request explicitly
// allows them, and it abandons the handler at the wall-clock deadline
// rather than waiting for it to return. A real backend (container runtime,
// microVM) would additionally enforce CPU/memory limits and forcibly kill
// the worker process at the deadline; this driver exposes the same
// interface so such a backend can be substituted without changing callers.
type ContainedDriver struct {
	now func() time.Time
}

func NewContainedDriver() *ContainedDriver {
	return &ContainedDriver{now: time.Now}
}

func (d *ContainedDriver) Execute(ctx context.Context, req Request) (Result, error) {
	if req.Descriptor.HasSideEffect(core.SideEffectNetwork) && !req.NetworkAllowed {
		return Result{}, fmt.Errorf("sandbox: network access denied for tool %q: %w", req.Descriptor.Name, core.ErrAccessDenied)
	}

	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	start := d.now()
	type outcome struct {
		out core.ToolResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		out, err := req.Descriptor.Handler(ctx, req.Input)
		done <- outcome{out, err}
	}()

	select {
	case <-ctx.Done():
		return Result{Duration: d.now().Sub(start), TimedOut: true}, core.ErrSandboxTimeout
	case o := <-done:
		elapsed := d.now().Sub(start)
		if o.err != nil {
			return Result{Duration: elapsed}, o.err
		}
		return Result{Output: o.out, Duration: elapsed}, nil
	}
}
