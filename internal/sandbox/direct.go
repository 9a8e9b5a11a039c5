package sandbox

import (
	"context"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

// DirectDriver runs a tool's handler in-process, under a context deadline
// but with no resource or network gating. Reserved for tools whose
// descriptor does not set RequiresSandbox.
type DirectDriver struct {
	now func() time.Time
}

func NewDirectDriver() *DirectDriver {
	return &DirectDriver{now: time.Now}
}

func (d *DirectDriver) Execute(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	start := d.now()
	out, err := req.Descriptor.Handler(ctx, req.Input)
	elapsed := d.now().Sub(start)

	if ctx.Err() == context.DeadlineExceeded {
		return Result{Duration: elapsed, TimedOut: true}, core.ErrSandboxTimeout
	}
	if err != nil {
		return Result{Duration: elapsed}, err
	}
	return Result{Output: out, Duration: elapsed}, nil
}
