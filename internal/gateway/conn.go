package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/conclave-run/conclave/internal/core"
	"github.com/conclave-run/conclave/internal/eventbus"
	"github.com/gorilla/websocket"
)

const (
	textMessageType = websocket.TextMessage
	pingMessageType = websocket.PingMessage
)

const (
	// sendQueueCapacity bounds a connection's outbound frame queue. A
	// connection that cannot drain its queue faster than frames arrive
	// is torn down rather than left to buffer unboundedly (see
	// writeFrame).
	sendQueueCapacity = 64

	readWait  = 60 * time.Second
	writeWait = 10 * time.Second
	pingEvery = 20 * time.Second
)

// wireConn is the subset of *websocket.Conn the Conn needs. Abstracting
// it lets tests exercise the read/write loop and backpressure logic
// against an in-memory fake without a real network socket, grounded on
// the teacher's wsControlPlane.conn field (itself a *websocket.Conn used
// directly; here narrowed to an interface for testability).
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// identity is the per-connection principal/tenant binding established
// by AuthFunc during the hello handshake.
type identity struct {
	Principal string
	Roles     []string
	Groups    []string
	TenantID  string
}

// AuthFunc validates a hello frame's auth token and resolves it to an
// identity. A nil AuthFunc treats every connection as anonymous and
// unauthenticated, for methods that allow it.
type AuthFunc func(ctx context.Context, auth string) (identity, error)

// Conn is one Gateway connection's isolated state: negotiated protocol,
// client identity, tenant binding, and active event subscriptions,
// grounded on the teacher's wsSession struct. One reader goroutine and
// one writer goroutine serve each Conn; outbound frames are enqueued
// through send and serialized by the writer alone.
type Conn struct {
	ws       wireConn
	registry *MethodRegistry
	bus      *eventbus.Bus
	auth     AuthFunc
	log      *slog.Logger

	protoMin, protoMax int

	protocol int
	ident    identity
	linked   bool

	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	subs []func() // cancel funcs for active event-bus subscriptions

	idemMu      sync.Mutex
	idempotency map[string]struct{}
}

func newConn(ws wireConn, registry *MethodRegistry, bus *eventbus.Bus, auth AuthFunc, protoMin, protoMax int, log *slog.Logger) *Conn {
	if log == nil {
		log = slog.Default()
	}
	return &Conn{
		ws:       ws,
		registry: registry,
		bus:      bus,
		auth:     auth,
		log:      log,
		protoMin: protoMin,
		protoMax: protoMax,
		send:     make(chan []byte, sendQueueCapacity),
		closed:   make(chan struct{}),
	}
}

// Serve runs the connection to completion: handshake, then the
// reader/writer goroutine pair until either side closes. It blocks
// until the connection is done.
func (c *Conn) Serve(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if !c.handshake(ctx) {
		c.teardown()
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); c.writeLoop(ctx) }()
	go func() { defer wg.Done(); c.readLoop(ctx, cancel) }()
	wg.Wait()
	c.teardown()
}

func (c *Conn) teardown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, cancel := range subs {
		cancel()
	}
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// handshake performs the hello/hello_ok exchange described in spec
// §4.T. It reads exactly one frame, expects FrameHello, negotiates a
// protocol version, resolves auth, and replies hello_ok (or closes
// without ever sending a response, per the spec's handshake-failure
// rule).
func (c *Conn) handshake(ctx context.Context) bool {
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return false
	}

	var hello Frame
	if err := json.Unmarshal(raw, &hello); err != nil || hello.Kind != FrameHello {
		return false
	}

	protocol, ok := Negotiate(hello.MinProtocol, hello.MaxProtocol, c.protoMin, c.protoMax)
	if !ok {
		return false
	}

	if c.auth != nil {
		id, err := c.auth(ctx, hello.Auth)
		if err != nil {
			_ = c.writeFrame(&Frame{
				Kind:  FrameHelloOK,
				Error: newError(ErrNotLinked, "authentication failed: %s", err),
			})
			return false
		}
		c.ident = id
	}
	c.protocol = protocol
	c.linked = true

	ok1 := c.writeFrame(&Frame{
		Kind:     FrameHelloOK,
		Protocol: protocol,
		Features: &Features{Methods: c.registry.Methods(), Events: knownEventNames()},
	})
	return ok1
}

func (c *Conn) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})
	for {
		_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			c.sendError("", newError(ErrInvalidRequest, "malformed frame: %s", err))
			continue
		}
		if f.Kind != FrameRequest {
			continue
		}
		go c.handleRequest(ctx, f)
	}
}

func (c *Conn) handleRequest(ctx context.Context, f Frame) {
	result, rerr := c.registry.Dispatch(ctx, c, f.Method, f.Params, f.SessionKey)
	if rerr != nil {
		c.sendError(f.ID, rerr)
		return
	}
	raw, rerr := marshalResult(result)
	if rerr != nil {
		c.sendError(f.ID, rerr)
		return
	}
	c.writeFrame(&Frame{Kind: FrameResponse, ID: f.ID, Result: raw})
}

func (c *Conn) sendError(id string, e *Error) {
	c.writeFrame(&Frame{Kind: FrameResponse, ID: id, Error: e})
}

// SendEvent delivers an out-of-band event frame, used both for direct
// notification and as the sink for event-bus subscription fan-out.
func (c *Conn) SendEvent(name string, sessionKey string, payload any) bool {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return c.writeFrame(&Frame{Kind: FrameEvent, Event: name, SessionKey: sessionKey, Payload: raw})
}

// writeFrame enqueues a frame for the writer goroutine. A full queue
// means this connection cannot keep up, and it is torn down rather than
// buffered without bound. forceClose queues an UNAVAILABLE response only
// if the queue has room, which it normally does not at that point, so
// the client usually sees the socket close without that frame.
func (c *Conn) writeFrame(f *Frame) bool {
	b, err := json.Marshal(f)
	if err != nil {
		return false
	}
	select {
	case c.send <- b:
		return true
	case <-c.closed:
		return false
	default:
		c.forceClose(ErrUnavailable, "outbound queue exceeded bound")
		return false
	}
}

func (c *Conn) forceClose(code ErrorCode, message string) {
	select {
	case c.send <- mustMarshal(&Frame{Kind: FrameResponse, Error: newError(code, message)}):
	default:
	}
	go c.teardown()
}

func (c *Conn) writeLoop(ctx context.Context) {
	ticker := time.NewTicker(pingEvery)
	defer ticker.Stop()
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(textMessageType, b); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(pingMessageType, nil); err != nil {
				return
			}
		case <-c.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Subscribe registers an event-bus filter whose matching events are
// forwarded to this connection as event frames for its lifetime. The
// subscription is cancelled automatically on teardown.
func (c *Conn) Subscribe(filter eventbus.Filter) {
	if c.bus == nil {
		return
	}
	sub, cancel := c.bus.Subscribe(filter, eventbus.DefaultQueueCapacity)
	c.mu.Lock()
	c.subs = append(c.subs, cancel)
	c.mu.Unlock()
	go func() {
		for e := range sub.Events() {
			c.SendEvent(string(e.Type), e.SessionKey, eventPayload(e))
		}
	}()
}

// IsIdempotencyDuplicate reports whether key has already been seen on
// this connection, remembering it for future calls if not. An empty key
// is never a duplicate, grounded on the teacher's
// wsSession.isIdempotencyDuplicate.
func (c *Conn) IsIdempotencyDuplicate(key string) bool {
	if key == "" {
		return false
	}
	c.idemMu.Lock()
	defer c.idemMu.Unlock()
	if c.idempotency == nil {
		c.idempotency = make(map[string]struct{})
	}
	if _, ok := c.idempotency[key]; ok {
		return true
	}
	c.idempotency[key] = struct{}{}
	return false
}

// Identity returns the principal resolved during the handshake.
func (c *Conn) Identity() identity { return c.ident }

// Protocol returns the negotiated protocol version.
func (c *Conn) Protocol() int { return c.protocol }

func eventPayload(e core.Event) any {
	return e.Payload
}

func knownEventNames() []string {
	return []string{
		string(core.EventSessionMessage),
		string(core.EventSessionToolCall),
		string(core.EventSessionToolResult),
		string(core.EventSessionStreamTok),
		string(core.EventSessionCompacted),
		string(core.EventAgentCompleted),
		string(core.EventJobRunStarted),
		string(core.EventJobRunFinished),
		string(core.EventPolicyDecision),
		string(core.EventQuotaExceeded),
	}
}

func mustMarshal(f *Frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		return nil
	}
	return b
}
