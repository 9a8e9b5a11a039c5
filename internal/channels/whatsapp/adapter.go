// Package whatsapp adapts go.mau.fi/whatsmeow into the Channel Port
// interfaces.
//
// Grounded on the teacher's internal/channels/whatsapp/adapter.go:
// sqlstore-backed device pairing (GetFirstDevice, QR login on a fresh
// device), AddEventHandler dispatch on *events.Message/*events.Connected
// /*events.Disconnected, and waE2E.Message text sends, rewritten to
// deliver into a channels.RequestSink and to use modernc.org/sqlite
// (already in this module's dependency set) as the store driver instead
// of the teacher's cgo mattn/go-sqlite3.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	_ "modernc.org/sqlite"

	"github.com/conclave-run/conclave/internal/channels"
)

// Config configures the adapter.
type Config struct {
	AgentID     string
	SessionPath string // sqlite file backing the whatsmeow device store
	OnQRCode    func(code string)
	Logger      *slog.Logger
}

func (c *Config) validate() error {
	if c.AgentID == "" {
		return channels.ErrConfig("whatsapp: agent_id is required", nil)
	}
	if c.SessionPath == "" {
		return channels.ErrConfig("whatsapp: session_path is required", nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is a channels.InboundTransport, channels.OutboundTransport,
// and channels.HealthReporter for WhatsApp.
type Adapter struct {
	cfg    Config
	store  *sqlstore.Container
	client *whatsmeow.Client
	gate   *channels.Gate
	log    *slog.Logger
	routes *channels.RouteTable

	mu        sync.RWMutex
	connected bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sink   channels.RequestSink
}

// NewAdapter validates cfg and opens the whatsmeow device store.
func NewAdapter(ctx context.Context, cfg Config, routes *channels.RouteTable) (*Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	container, err := sqlstore.New(ctx, "sqlite", fmt.Sprintf("file:%s?_pragma=foreign_keys(1)", cfg.SessionPath), waLog.Noop)
	if err != nil {
		return nil, channels.ErrConnection("whatsapp: failed to open device store", err)
	}
	return &Adapter{
		cfg:    cfg,
		store:  container,
		gate:   channels.NewGate(),
		log:    cfg.Logger.With("adapter", "whatsapp"),
		routes: routes,
	}, nil
}

func (a *Adapter) Kind() channels.Kind { return channels.KindWhatsApp }

// Start opens the whatsmeow connection, pairing via QR if this is a
// fresh device, and begins delivering inbound messages.
func (a *Adapter) Start(ctx context.Context, sink channels.RequestSink) error {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	device, err := a.store.GetFirstDevice(runCtx)
	if err != nil {
		return channels.ErrConnection("whatsapp: failed to load device", err)
	}
	a.client = whatsmeow.NewClient(device, waLog.Noop)
	a.client.AddEventHandler(a.handleEvent)

	if a.client.Store.ID == nil {
		qrChan, err := a.client.GetQRChannel(runCtx)
		if err != nil {
			return channels.ErrAuth("whatsapp: failed to open QR channel", err)
		}
		if err := a.client.Connect(); err != nil {
			return channels.ErrConnection("whatsapp: failed to connect", err)
		}
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			for evt := range qrChan {
				if evt.Event == "code" && a.cfg.OnQRCode != nil {
					a.cfg.OnQRCode(evt.Code)
				}
			}
		}()
		return nil
	}

	if err := a.client.Connect(); err != nil {
		return channels.ErrConnection("whatsapp: failed to connect", err)
	}
	return nil
}

// Stop disconnects from WhatsApp and closes the device store.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() { a.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
	}
	if a.client != nil {
		a.client.Disconnect()
	}
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return a.store.Close()
}

func (a *Adapter) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		a.mu.Lock()
		a.connected = true
		a.mu.Unlock()
	case *events.Disconnected, *events.LoggedOut:
		a.mu.Lock()
		a.connected = false
		a.mu.Unlock()
	case *events.Message:
		a.handleMessage(v)
	}
}

func (a *Adapter) handleMessage(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	text := evt.Message.GetConversation()
	if text == "" && evt.Message.GetExtendedTextMessage() != nil {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		return
	}

	inbound := channels.InboundMessage{
		Channel:         channels.KindWhatsApp,
		SenderPrincipal: evt.Info.Sender.User,
		Text:            text,
		Mentioned:       true, // WhatsApp has no server-side mention gating; DMs/groups both pass through
		ReceivedAt:      evt.Info.Timestamp,
	}
	if evt.Info.IsGroup {
		inbound.Addressing = channels.Addressing{AgentID: a.cfg.AgentID, GroupID: evt.Info.Chat.String()}
	} else {
		inbound.Addressing = channels.Addressing{AgentID: a.cfg.AgentID, PartnerID: evt.Info.Sender.String()}
	}

	if !a.gate.Admit(inbound) {
		return
	}

	sessionKey := inbound.Addressing.SessionKey(channels.KindWhatsApp)
	a.routes.Record(sessionKey, channels.KindWhatsApp, inbound.Addressing)

	a.mu.RLock()
	sink := a.sink
	a.mu.RUnlock()
	if sink == nil {
		return
	}
	if _, err := sink.PostMessage(context.Background(), inbound); err != nil {
		a.log.Warn("failed to post whatsapp message", "error", err)
	}
}

// Send posts msg back to the originating JID.
func (a *Adapter) Send(ctx context.Context, msg channels.OutboundMessage) error {
	a.mu.RLock()
	connected := a.connected
	a.mu.RUnlock()
	if !connected {
		return channels.ErrConnection("whatsapp: adapter not connected", nil)
	}

	raw := msg.Addressing.GroupID
	if raw == "" {
		raw = msg.Addressing.PartnerID
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return channels.ErrConfig(fmt.Sprintf("whatsapp: invalid JID %q", raw), err)
	}

	if _, err := a.client.SendMessage(ctx, jid, &waE2E.Message{Conversation: proto.String(msg.Text)}); err != nil {
		return channels.ErrConnection("whatsapp: failed to send message", err)
	}
	return nil
}

// Health reports the adapter's current connection state.
func (a *Adapter) Health(ctx context.Context) channels.Health {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return channels.Health{Healthy: a.connected, CheckedAt: time.Now()}
}
