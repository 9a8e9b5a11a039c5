package gateway

import (
	"context"
	"fmt"

	"github.com/conclave-run/conclave/internal/channels"
)

// ChannelSink implements channels.RequestSink over Deps, so every
// InboundTransport (discord/telegram/slack/whatsapp) resolves and runs
// sessions through the exact same code path a websocket
// sessions.post_message call uses -- the postMessage helper in
// methods.go. This is the concrete answer to spec §4.X's "delivers
// platform-native messages into the Gateway as request calls to
// sessions.post_message (or equivalent)."
type ChannelSink struct {
	Deps Deps
}

// PostMessage resolves msg's session and runs the Agent Runtime against
// it, same as the sessions.post_message RPC method.
func (s ChannelSink) PostMessage(ctx context.Context, msg channels.InboundMessage) (channels.PostMessageResult, error) {
	sessionKey := msg.Addressing.SessionKey(msg.Channel)
	result, rerr := postMessage(ctx, s.Deps, postMessageRequest{
		sessionKey: sessionKey,
		tenantID:   msg.TenantID,
		text:       msg.Text,
		principal:  msg.SenderPrincipal,
	})
	if rerr != nil {
		return channels.PostMessageResult{}, fmt.Errorf("%s", rerr.Error())
	}
	return channels.PostMessageResult{SessionKey: sessionKey, MessageSeq: result.seq}, nil
}
