package registry

import (
	"context"
	"testing"

	"github.com/conclave-run/conclave/internal/core"
)

func echoHandler(ctx context.Context, input []byte) (core.ToolResult, error) {
	return core.ToolResult{Content: string(input)}, nil
}

func TestRegisterDuplicateFails(t *testing.T) {
	r := New(nil)
	if err := r.Register(core.ToolDescriptor{Name: "read", Handler: echoHandler}); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(core.ToolDescriptor{Name: "read", Handler: echoHandler}); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestExpandGroupsUnknownGroupLoggedNotFatal(t *testing.T) {
	r := New(nil)
	out := r.ExpandGroups([]string{"group:fs", "group:does-not-exist", "custom"})
	want := map[string]bool{"read": true, "write": true, "edit": true, "exec": true, "custom": true}
	if len(out) != len(want) {
		t.Fatalf("expected %d tools, got %v", len(want), out)
	}
	for _, name := range out {
		if !want[name] {
			t.Fatalf("unexpected tool %q in expansion", name)
		}
	}
}

func TestExecuteUnknownToolIsErrorResultNotError(t *testing.T) {
	r := New(nil)
	result, err := r.Execute(context.Background(), "nope", []byte(`{}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.IsError {
		t.Fatal("expected error result for unknown tool")
	}
}

func TestExecuteValidatesSchema(t *testing.T) {
	r := New(nil)
	schema := []byte(`{"type":"object","required":["path"],"properties":{"path":{"type":"string"}}}`)
	if err := r.Register(core.ToolDescriptor{Name: "read", InputSchema: schema, Handler: echoHandler}); err != nil {
		t.Fatalf("register: %v", err)
	}

	if result, err := r.Execute(context.Background(), "read", []byte(`{}`)); err != nil || !result.IsError {
		t.Fatalf("expected schema validation failure, got result=%v err=%v", result, err)
	}

	if result, err := r.Execute(context.Background(), "read", []byte(`{"path":"a.txt"}`)); err != nil || result.IsError {
		t.Fatalf("expected success, got result=%v err=%v", result, err)
	}
}
