// Package telegram adapts go-telegram/bot into the Channel Port
// interfaces.
//
// Grounded on the teacher's internal/channels/telegram/adapter.go: long
// polling via bot.New + RegisterHandler + botClient.Start, rewritten to
// deliver into a channels.RequestSink instead of an internal message
// channel, and to use channels.Reconnector/channels.RateLimiter instead
// of adapter-local copies of the same logic.
package telegram

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/conclave-run/conclave/internal/channels"
)

// Config configures the adapter.
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
		return channels.ErrConfig("telegram: token is required", nil)
	}
	if c.AgentID == "" {
		return channels.ErrConfig("telegram: agent_id is required", nil)
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 20
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 30
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is a channels.InboundTransport, channels.OutboundTransport,
// and channels.HealthReporter for Telegram.
type Adapter struct {
	cfg     Config
	client  *bot.Bot
	gate    *channels.Gate
	limiter *channels.RateLimiter
	log     *slog.Logger
	routes  *channels.RouteTable

	mu        sync.RWMutex
	connected bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	sink   channels.RequestSink
}

// NewAdapter validates cfg and builds an Adapter.
func NewAdapter(cfg Config, routes *channels.RouteTable) (*Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	gate := channels.NewGate()
	gate.RequireMention(channels.KindTelegram, cfg.RequireMention)
	if len(cfg.AllowedUserIDs) > 0 {
		gate.Allow(channels.KindTelegram, cfg.AllowedUserIDs...)
	}
	return &Adapter{
		cfg:     cfg,
		gate:    gate,
		limiter: channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		log:     cfg.Logger.With("adapter", "telegram"),
		routes:  routes,
	}, nil
}

func (a *Adapter) Kind() channels.Kind { return channels.KindTelegram }

// Start begins long-polling for updates, reconnecting on drop.
func (a *Adapter) Start(ctx context.Context, sink channels.RequestSink) error {
	a.mu.Lock()
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
	if a.client == nil {
		opts := []bot.Option{bot.WithDefaultHandler(a.handleUpdate)}
		b, err := bot.New(a.cfg.Token, opts...)
		if err != nil {
			return channels.ErrAuth("telegram: failed to create bot client", err)
		}
		a.client = b
	}

	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()

	a.client.Start(ctx)
	return nil
}

// Stop cancels the long-polling loop.
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

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *models.Update) {
	if update.Message == nil || update.Message.From == nil {
		return
	}
	msg := update.Message

	mentioned := false
	if msg.Entities != nil {
		for _, e := range msg.Entities {
			if e.Type == models.MessageEntityTypeMention {
				mentioned = true
				break
			}
		}
	}

	inbound := channels.InboundMessage{
		Channel: channels.KindTelegram,
		Addressing: channels.Addressing{
			AgentID: a.cfg.AgentID,
			GroupID: strconv.FormatInt(msg.Chat.ID, 10),
		},
		SenderPrincipal: strconv.FormatInt(msg.From.ID, 10),
		Text:            msg.Text,
		Mentioned:       mentioned,
		ReceivedAt:      time.Now(),
	}
	if msg.Chat.Type == "private" {
		inbound.Addressing = channels.Addressing{AgentID: a.cfg.AgentID, PartnerID: strconv.FormatInt(msg.From.ID, 10)}
	}

	if !a.gate.Admit(inbound) {
		return
	}

	sessionKey := inbound.Addressing.SessionKey(channels.KindTelegram)
	a.routes.Record(sessionKey, channels.KindTelegram, inbound.Addressing)

	a.mu.RLock()
	sink := a.sink
	a.mu.RUnlock()
	if sink == nil {
		return
	}
	if _, err := sink.PostMessage(ctx, inbound); err != nil {
		a.log.Warn("failed to post telegram message", "error", err)
	}
}

// Send posts msg back to the originating chat.
func (a *Adapter) Send(ctx context.Context, msg channels.OutboundMessage) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}
	a.mu.RLock()
	connected := a.connected
	client := a.client
	a.mu.RUnlock()
	if !connected || client == nil {
		return channels.ErrConnection("telegram: adapter not connected", nil)
	}

	chatID, err := chatIDFor(msg.Addressing)
	if err != nil {
		return err
	}
	if _, err := client.SendMessage(ctx, &bot.SendMessageParams{ChatID: chatID, Text: msg.Text}); err != nil {
		return channels.ErrConnection("telegram: failed to send message", err)
	}
	return nil
}

func chatIDFor(a channels.Addressing) (int64, error) {
	raw := a.GroupID
	if raw == "" {
		raw = a.PartnerID
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, channels.ErrConfig("telegram: invalid chat id in addressing", err)
	}
	return id, nil
}

// Health reports the adapter's current connection state.
func (a *Adapter) Health(ctx context.Context) channels.Health {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return channels.Health{Healthy: a.connected, CheckedAt: time.Now()}
}
