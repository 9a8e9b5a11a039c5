package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/conclave-run/conclave/internal/core"
)

func echoDescriptor(sideEffects ...core.SideEffect) core.ToolDescriptor {
	return core.ToolDescriptor{
		Name:        "echo",
		SideEffects: sideEffects,
		Handler: func(ctx context.Context, input []byte) (core.ToolResult, error) {
			return core.ToolResult{Content: string(input)}, nil
		},
	}
}

func TestRouterUsesDirectForUnsandboxedTool(t *testing.T) {
	r := NewRouter(NewDirectDriver(), nil)
	desc := echoDescriptor()
	desc.RequiresSandbox = false

	res, err := r.Execute(context.Background(), Request{Descriptor: desc, Input: []byte("hi")})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output.Content != "hi" {
		t.Fatalf("unexpected output: %+v", res.Output)
	}
}

func TestRouterRefusesSandboxedToolWithNoContainedDriver(t *testing.T) {
	r := NewRouter(NewDirectDriver(), nil)
	desc := echoDescriptor()
	desc.RequiresSandbox = true

	_, err := r.Execute(context.Background(), Request{Descriptor: desc})
	if !errors.Is(err, core.ErrSandboxUnavailable) {
		t.Fatalf("expected ErrSandboxUnavailable, got %v", err)
	}
}

func TestContainedDriverDeniesNetworkByDefault(t *testing.T) {
	d := NewContainedDriver()
	desc := echoDescriptor(core.SideEffectNetwork)

	_, err := d.Execute(context.Background(), Request{Descriptor: desc, Timeout: time.Second})
	if !errors.Is(err, core.ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
}

func TestContainedDriverAllowsNetworkWhenPermitted(t *testing.T) {
	d := NewContainedDriver()
	desc := echoDescriptor(core.SideEffectNetwork)

	res, err := d.Execute(context.Background(), Request{
		Descriptor:     desc,
		Input:          []byte("ok"),
		Timeout:        time.Second,
		NetworkAllowed: true,
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output.Content != "ok" {
		t.Fatalf("unexpected output: %+v", res.Output)
	}
}

func TestContainedDriverTimesOutSlowHandler(t *testing.T) {
	d := NewContainedDriver()
	desc := core.ToolDescriptor{
		Name: "slow",
		Handler: func(ctx context.Context, input []byte) (core.ToolResult, error) {
			// Ignores ctx deliberately: a misbehaving or genuinely
			// uninterruptible handler must still be treated as timed out
			// by the caller rather than waited on.
			time.Sleep(200 * time.Millisecond)
			return core.ToolResult{}, nil
		},
	}

	res, err := d.Execute(context.Background(), Request{Descriptor: desc, Timeout: 10 * time.Millisecond})
	if !errors.Is(err, core.ErrSandboxTimeout) {
		t.Fatalf("expected ErrSandboxTimeout, got %v", err)
	}
	if !res.TimedOut {
		t.Fatalf("expected TimedOut=true, got %+v", res)
	}
}

func TestDirectDriverTimesOutSlowHandler(t *testing.T) {
	d := NewDirectDriver()
	desc := core.ToolDescriptor{
		Name: "slow",
		Handler: func(ctx context.Context, input []byte) (core.ToolResult, error) {
			<-ctx.Done()
			return core.ToolResult{}, ctx.Err()
		},
	}

	_, err := d.Execute(context.Background(), Request{Descriptor: desc, Timeout: 10 * time.Millisecond})
	if !errors.Is(err, core.ErrSandboxTimeout) {
		t.Fatalf("expected ErrSandboxTimeout, got %v", err)
	}
}

func TestRouterDefaultsTimeoutWhenUnset(t *testing.T) {
	r := NewRouter(NewDirectDriver(), nil)
	desc := echoDescriptor()

	res, err := r.Execute(context.Background(), Request{Descriptor: desc, Input: []byte("x")})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Output.Content != "x" {
		t.Fatalf("unexpected output: %+v", res.Output)
	}
}
