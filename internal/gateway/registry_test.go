package gateway

import (
	"context"
	"encoding/json"
	"testing"
)

func TestMethodRegistryDispatchesRegisteredMethod(t *testing.T) {
	reg := NewMethodRegistry()
	reg.Register("ping", func(ctx context.Context, conn *Conn, params json.RawMessage, sessionKey string) (any, *Error) {
		return map[string]string{"pong": "ok"}, nil
	})

	result, err := reg.Dispatch(context.Background(), nil, "ping", nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.(map[string]string)["pong"] != "ok" {
		t.Fatalf("unexpected result: %v", result)
	}
}

func TestMethodRegistryUnknownMethodReturnsMethodNotFound(t *testing.T) {
	reg := NewMethodRegistry()
	_, err := reg.Dispatch(context.Background(), nil, "nope", nil, "")
	if err == nil || err.Code != ErrMethodNotFound {
		t.Fatalf("expected METHOD_NOT_FOUND, got %v", err)
	}
}

func TestMethodRegistryMethodsSorted(t *testing.T) {
	reg := NewMethodRegistry()
	reg.Register("z.method", nil)
	reg.Register("a.method", nil)
	names := reg.Methods()
	if len(names) != 2 || names[0] != "a.method" || names[1] != "z.method" {
		t.Fatalf("expected sorted names, got %v", names)
	}
}

func TestDecodeParamsRejectsMissingParams(t *testing.T) {
	var v struct{}
	if err := decodeParams(nil, &v); err == nil || err.Code != ErrInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
}

func TestDecodeParamsRejectsMalformedJSON(t *testing.T) {
	var v struct{}
	if err := decodeParams(json.RawMessage(`{not json`), &v); err == nil || err.Code != ErrInvalidRequest {
		t.Fatalf("expected INVALID_REQUEST, got %v", err)
	}
}
