// Package slack adapts slack-go's Socket Mode client into the Channel
// Port interfaces.
//
// Grounded on the teacher's internal/channels/slack/adapter.go: Socket
// Mode event loop (slack.New + socketmode.New + AuthTest for the bot's
// own user id + the EventsAPI message/app-mention handling), rewritten
// to post into a channels.RequestSink. The DM-or-mention admission rule
// stays inline in handleMessage, as in the teacher; this adapter does
// not use channels.Gate.
package slack

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/conclave-run/conclave/internal/channels"
)

// Config configures the adapter.
type Config struct {
	BotToken  string // xoxb-...
	AppToken  string // xapp-...
	AgentID   string
	RateLimit float64
	RateBurst int
	Logger    *slog.Logger
}

func (c *Config) validate() error {
	if c.BotToken == "" || c.AppToken == "" {
		return channels.ErrConfig("slack: bot_token and app_token are required", nil)
	}
	if c.AgentID == "" {
		return channels.ErrConfig("slack: agent_id is required", nil)
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 3
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 5
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is a channels.InboundTransport, channels.OutboundTransport,
// and channels.HealthReporter for Slack.
type Adapter struct {
	cfg     Config
	client  *slack.Client
	socket  *socketmode.Client
	limiter *channels.RateLimiter
	log     *slog.Logger
	routes  *channels.RouteTable

	mu        sync.RWMutex
	connected bool
	botUserID string

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sink   channels.RequestSink
}

// NewAdapter validates cfg and builds an Adapter.
func NewAdapter(cfg Config, routes *channels.RouteTable) (*Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	socket := socketmode.New(client)
	return &Adapter{
		cfg:     cfg,
		client:  client,
		socket:  socket,
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		log:     cfg.Logger.With("adapter", "slack"),
		routes:  routes,
	}, nil
}

func (a *Adapter) Kind() channels.Kind { return channels.KindSlack }

// Start connects Socket Mode and begins delivering inbound messages.
func (a *Adapter) Start(ctx context.Context, sink channels.RequestSink) error {
	a.mu.Lock()
	a.sink = sink
	a.mu.Unlock()

	auth, err := a.client.AuthTestContext(ctx)
	if err != nil {
		return channels.ErrAuth("slack: auth test failed", err)
	}
	a.mu.Lock()
	a.botUserID = auth.UserID
	a.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	a.wg.Add(2)
	go func() { defer a.wg.Done(); a.handleEvents(runCtx) }()
	go func() {
		defer a.wg.Done()
		if err := a.socket.Run(); err != nil {
			a.log.Warn("socket mode run exited", "error", err)
		}
	}()

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) handleEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnectionError:
				a.mu.Lock()
				a.connected = false
				a.mu.Unlock()
			case socketmode.EventTypeConnected:
				a.mu.Lock()
				a.connected = true
				a.mu.Unlock()
			case socketmode.EventTypeEventsAPI:
				a.handleEventsAPI(ctx, evt)
			}
		}
	}
}

func (a *Adapter) handleEventsAPI(ctx context.Context, evt socketmode.Event) {
	outer, ok := evt.Data.(slackevents.EventsAPIEvent)
	if !ok {
		return
	}
	if evt.Request != nil {
		a.socket.Ack(*evt.Request)
	}
	if outer.Type != slackevents.CallbackEvent {
		return
	}

	var m *slackevents.MessageEvent
	switch inner := outer.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if inner.BotID != "" || (inner.SubType != "" && inner.SubType != "file_share") {
			return
		}
		m = inner
	case *slackevents.AppMentionEvent:
		m = &slackevents.MessageEvent{User: inner.User, Text: inner.Text, Channel: inner.Channel, ThreadTimeStamp: inner.ThreadTimeStamp}
	default:
		return
	}
	a.handleMessage(ctx, m)
}

func (a *Adapter) handleMessage(ctx context.Context, m *slackevents.MessageEvent) {
	a.mu.RLock()
	botUserID := a.botUserID
	a.mu.RUnlock()

	isDM := strings.HasPrefix(m.Channel, "D")
	mentioned := strings.Contains(m.Text, "<@"+botUserID+">")

	inbound := channels.InboundMessage{
		Channel:         channels.KindSlack,
		SenderPrincipal: m.User,
		Text:            m.Text,
		Mentioned:       mentioned,
		ReceivedAt:      time.Now(),
	}
	if isDM {
		inbound.Addressing = channels.Addressing{AgentID: a.cfg.AgentID, PartnerID: m.User}
	} else if m.ThreadTimeStamp != "" {
		inbound.Addressing = channels.Addressing{AgentID: a.cfg.AgentID, GroupID: m.Channel, TopicID: m.ThreadTimeStamp}
	} else {
		inbound.Addressing = channels.Addressing{AgentID: a.cfg.AgentID, GroupID: m.Channel}
	}

	if !isDM && !mentioned && m.ThreadTimeStamp == "" {
		return
	}

	sessionKey := inbound.Addressing.SessionKey(channels.KindSlack)
	a.routes.Record(sessionKey, channels.KindSlack, inbound.Addressing)

	a.mu.RLock()
	sink := a.sink
	a.mu.RUnlock()
	if sink == nil {
		return
	}
	if _, err := sink.PostMessage(ctx, inbound); err != nil {
		a.log.Warn("failed to post slack message", "error", err)
	}
}

// Stop cancels the Socket Mode run loop.
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
	return nil
}

// Send posts msg back to the originating channel or thread.
func (a *Adapter) Send(ctx context.Context, msg channels.OutboundMessage) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	channelID := msg.Addressing.GroupID
	if channelID == "" {
		channelID = msg.Addressing.PartnerID
	}
	if channelID == "" {
		return channels.ErrConfig("slack: outbound message missing channel id", nil)
	}

	opts := []slack.MsgOption{slack.MsgOptionText(msg.Text, false)}
	if msg.Addressing.TopicID != "" {
		opts = append(opts, slack.MsgOptionTS(msg.Addressing.TopicID))
	}
	if _, _, err := a.client.PostMessageContext(ctx, channelID, opts...); err != nil {
		return channels.ErrConnection("slack: failed to post message", err)
	}
	return nil
}

// Health reports the adapter's current connection state.
func (a *Adapter) Health(ctx context.Context) channels.Health {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return channels.Health{Healthy: a.connected, CheckedAt: time.Now()}
}
