package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Handler serves one RPC method. It returns either a JSON-marshalable
// result or a coded Error, never both.
type Handler func(ctx context.Context, conn *Conn, params json.RawMessage, sessionKey string) (any, *Error)

// MethodRegistry is the Gateway's immutable-after-startup table of RPC
// method handlers, grounded on the teacher's wsControlPlane method
// switch in ws_control_plane.go's handleRequest, generalized from a
// hardcoded switch statement to a registered table so the minimum
// method set (sessions.*, agents.*, jobs.*, tenants.*, policies.*,
// tools.*) can be assembled and tested independently of transport.
type MethodRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewMethodRegistry creates an empty method registry.
func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{handlers: make(map[string]Handler)}
}

// Register adds a handler for method, overwriting any existing one.
func (r *MethodRegistry) Register(method string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Lookup returns the handler registered for method, if any.
func (r *MethodRegistry) Lookup(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// Methods returns the sorted list of registered method names, used to
// populate a hello_ok frame's Features.Methods.
func (r *MethodRegistry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch routes a request frame's method/params through the
// registered handler, turning an unknown method into METHOD_NOT_FOUND
// rather than a panic or a silently dropped request.
func (r *MethodRegistry) Dispatch(ctx context.Context, conn *Conn, method string, params json.RawMessage, sessionKey string) (any, *Error) {
	h, ok := r.Lookup(method)
	if !ok {
		return nil, newError(ErrMethodNotFound, "method not found: %s", method)
	}
	return h(ctx, conn, params, sessionKey)
}

func decodeParams(params json.RawMessage, v any) *Error {
	if len(params) == 0 {
		return newError(ErrInvalidRequest, "missing params")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return newError(ErrInvalidRequest, "invalid params: %s", err)
	}
	return nil
}

func marshalResult(v any) (json.RawMessage, *Error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, newError(ErrInternal, "marshal result: %s", err)
	}
	return json.RawMessage(b), nil
}
