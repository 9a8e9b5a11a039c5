package gateway

import (
	"log/slog"
	"net/http"

	"github.com/conclave-run/conclave/internal/eventbus"
	"github.com/gorilla/websocket"
)

// DefaultProtocolMin and DefaultProtocolMax are the protocol version
// range this build of the Gateway advertises during handshake.
const (
	DefaultProtocolMin = 1
	DefaultProtocolMax = 1
)

// Server upgrades inbound HTTP connections to the Gateway's websocket
// protocol and serves each with an isolated Conn, grounded on the
// teacher's wsControlPlane.ServeHTTP + NewControlPlane wiring in
// ws_control_plane.go.
type Server struct {
	Registry *MethodRegistry
	Bus      *eventbus.Bus
	Auth     AuthFunc
	ProtoMin int
	ProtoMax int
	Log      *slog.Logger

	upgrader websocket.Upgrader
}

// NewServer creates a Gateway server with the given method registry and
// event bus. Auth may be nil to accept unauthenticated connections.
func NewServer(registry *MethodRegistry, bus *eventbus.Bus, auth AuthFunc, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		Registry: registry,
		Bus:      bus,
		Auth:     auth,
		ProtoMin: DefaultProtocolMin,
		ProtoMax: DefaultProtocolMax,
		Log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin checking is the caller's responsibility via a
			// reverse proxy or a wrapped CheckOrigin; this server
			// serves programmatic agent/channel clients, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and serves it until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Warn("gateway: websocket upgrade failed", "error", err)
		return
	}
	conn := newConn(ws, s.Registry, s.Bus, s.Auth, s.ProtoMin, s.ProtoMax, s.Log)
	conn.Serve(r.Context())
}
