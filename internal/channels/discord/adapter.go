// Package discord adapts discordgo into the Channel Port interfaces:
// InboundTransport delivers guild/DM messages into a
// channels.RequestSink as sessions.post_message calls, OutboundTransport
// posts session.message events back into the guild channel a session
// was created from.
//
// Grounded on the teacher's internal/channels/discord/adapter.go:
// keeps its discordSession test seam, AddHandler-based message intake,
// and rate-limited Send, rewritten against channels.InboundMessage /
// channels.OutboundMessage instead of pkg/models.Message and with
// gating/reconnect delegated to the shared channels.Gate and
// channels.Reconnector rather than adapter-local logic.
package discord

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/conclave-run/conclave/internal/channels"
)

// session narrows *discordgo.Session to what this adapter calls, so
// tests can substitute a fake.
type session interface {
	Open() error
	Close() error
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
	AddHandler(handler any) func()
}

// Config configures the adapter. AgentID is the agent every message
// through this bot instance addresses, since a Discord bot token maps
// to exactly one agent identity.
type Config struct {
	Token           string
	AgentID         string
	RateLimit       float64
	RateBurst       int
	ReconnectConfig channels.ReconnectConfig
	RequireMention  bool
	AllowedUserIDs  []string
	Logger          *slog.Logger
}

func (c *Config) validate() error {
	if c.Token == "" {
		return channels.ErrConfig("discord: token is required", nil)
	}
	if c.AgentID == "" {
		return channels.ErrConfig("discord: agent_id is required", nil)
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 5
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is a channels.InboundTransport, channels.OutboundTransport,
// and channels.HealthReporter for Discord.
type Adapter struct {
	cfg     Config
	session session
	gate    *channels.Gate
	limiter *channels.RateLimiter
	log     *slog.Logger

	mu        sync.RWMutex
	connected bool
	lastErr   string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sink   channels.RequestSink
	routes *channels.RouteTable
}

// NewAdapter validates cfg and builds an Adapter. session may be nil;
// a real *discordgo.Session is created on Start.
func NewAdapter(cfg Config, routes *channels.RouteTable) (*Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	gate := channels.NewGate()
	gate.RequireMention(channels.KindDiscord, cfg.RequireMention)
	if len(cfg.AllowedUserIDs) > 0 {
		gate.Allow(channels.KindDiscord, cfg.AllowedUserIDs...)
	}
	return &Adapter{
		cfg:     cfg,
		gate:    gate,
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		log:     cfg.Logger.With("adapter", "discord"),
		routes:  routes,
	}, nil
}

func (a *Adapter) Kind() channels.Kind { return channels.KindDiscord }

// Start opens the gateway connection and begins delivering inbound
// messages to sink, reconnecting on drop via channels.Reconnector.
func (a *Adapter) Start(ctx context.Context, sink channels.RequestSink) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.sink = sink
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	reconnector := &channels.Reconnector{Config: a.cfg.ReconnectConfig, Logger: a.log}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		_ = reconnector.Run(runCtx, a.connectOnce)
	}()
	return nil
}

func (a *Adapter) connectOnce(ctx context.Context) error {
	if a.session == nil {
		dg, err := discordgo.New("Bot " + a.cfg.Token)
		if err != nil {
			return channels.ErrAuth("discord: failed to create session", err)
		}
		a.session = dg
	}
	a.session.AddHandler(a.handleMessageCreate)
	if err := a.session.Open(); err != nil {
		return channels.ErrConnection("discord: failed to open gateway connection", err)
	}

	a.mu.Lock()
	a.connected = true
	a.lastErr = ""
	a.mu.Unlock()

	<-ctx.Done()
	return nil
}

// Stop closes the gateway connection and waits for the connect loop.
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

	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()

	if a.session != nil {
		return a.session.Close()
	}
	return nil
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	mentioned := false
	for _, u := range m.Mentions {
		if u.ID == s.State.User.ID {
			mentioned = true
			break
		}
	}

	inbound := channels.InboundMessage{
		Channel: channels.KindDiscord,
		Addressing: channels.Addressing{
			AgentID: a.cfg.AgentID,
			GroupID: m.ChannelID,
		},
		SenderPrincipal: m.Author.ID,
		Text:            m.Content,
		Mentioned:       mentioned,
		ReceivedAt:      time.Now(),
	}

	if !a.gate.Admit(inbound) {
		return
	}

	sessionKey := inbound.Addressing.SessionKey(channels.KindDiscord)
	a.routes.Record(sessionKey, channels.KindDiscord, inbound.Addressing)

	a.mu.RLock()
	sink := a.sink
	a.mu.RUnlock()
	if sink == nil {
		return
	}
	if _, err := sink.PostMessage(context.Background(), inbound); err != nil {
		a.log.Warn("failed to post discord message", "error", err)
	}
}

// Send posts msg back to the Discord channel it originated from.
func (a *Adapter) Send(ctx context.Context, msg channels.OutboundMessage) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	a.mu.RLock()
	connected := a.connected
	a.mu.RUnlock()
	if !connected {
		return channels.ErrConnection("discord: adapter not connected", nil)
	}
	if msg.Addressing.GroupID == "" {
		return channels.ErrConfig("discord: outbound message missing channel id", nil)
	}
	_, err := a.session.ChannelMessageSend(msg.Addressing.GroupID, msg.Text)
	if err != nil {
		return channels.ErrConnection("discord: failed to send message", err)
	}
	return nil
}

// Health reports the adapter's current connection state.
func (a *Adapter) Health(ctx context.Context) channels.Health {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return channels.Health{Healthy: a.connected, Message: a.lastErr, CheckedAt: time.Now()}
}

