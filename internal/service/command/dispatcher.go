// Package command routes inbound text to session commands or plain chat.
package command

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zhouzirui/neko-bridge/backend/internal/model/variant"
	"github.com/zhouzirui/neko-bridge/backend/internal/service/conversation"
)

const (
	// SwitchPrefix 后必须带空格和参数。
	SwitchPrefix = "/switch "
	NewPrefix    = "/new"

	MsgRateLimited = "⏳ 发送太频繁，请稍后再试。"
	msgPickVariant = "请指定要切换的模型："
)

// Engine is the conversation surface the dispatcher drives.
type Engine interface {
	NewSession(ctx context.Context, userID string) string
	SwitchModel(ctx context.Context, userID string, v variant.Variant) string
	Chat(ctx context.Context, userID, text string) string
	ChatStream(ctx context.Context, userID, text string, onDelta func(string)) string
}

var _ Engine = (*conversation.Engine)(nil)

// Dispatcher classifies text and calls the engine. It makes no network calls
// of its own.
type Dispatcher struct {
	engine   Engine
	variants variant.Store
	limiters *limiterSet
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRateLimit caps each conversation at perSecond messages with the given
// burst. A non-positive rate leaves inbound traffic unlimited.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(d *Dispatcher) {
		if perSecond > 0 {
			d.limiters = newLimiterSet(perSecond, burst)
		}
	}
}

// New builds a dispatcher.
func New(engine Engine, variants variant.Store, opts ...Option) *Dispatcher {
	d := &Dispatcher{engine: engine, variants: variants}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Handle answers one inbound message with a displayable reply.
func (d *Dispatcher) Handle(ctx context.Context, userID, content string) string {
	return d.HandleStream(ctx, userID, content, nil)
}

// HandleStream is Handle with onDelta receiving reply fragments of chat turns.
// Command replies are only returned, never streamed.
func (d *Dispatcher) HandleStream(ctx context.Context, userID, content string, onDelta func(string)) string {
	if d.limiters != nil && !d.limiters.allow(userID) {
		log.Warn().Str("component", "command").Str("user_id", userID).Msg("rate limit exceeded")
		return MsgRateLimited
	}

	text := strings.TrimLeft(content, " \t\r\n")
	switch {
	case strings.HasPrefix(text, SwitchPrefix):
		return d.switchModel(ctx, userID, strings.TrimPrefix(text, SwitchPrefix))
	case strings.HasPrefix(text, NewPrefix):
		return d.engine.NewSession(ctx, userID)
	case onDelta != nil:
		return d.engine.ChatStream(ctx, userID, strings.TrimSpace(text), onDelta)
	default:
		return d.engine.Chat(ctx, userID, strings.TrimSpace(text))
	}
}

func (d *Dispatcher) switchModel(ctx context.Context, userID, arg string) string {
	v, ok := d.variants.Match(arg)
	if !ok {
		return msgPickVariant + variant.Names(d.variants.List())
	}
	return d.engine.SwitchModel(ctx, userID, v)
}

// PruneLimiters forgets rate buckets idle for longer than idle.
func (d *Dispatcher) PruneLimiters(idle time.Duration) int {
	if d.limiters == nil {
		return 0
	}
	return d.limiters.prune(idle)
}
