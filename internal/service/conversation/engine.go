package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	sessionModel "github.com/zhouzirui/neko-bridge/backend/internal/model/session"
	"github.com/zhouzirui/neko-bridge/backend/internal/model/variant"
	"github.com/zhouzirui/neko-bridge/backend/internal/protocol"
	"github.com/zhouzirui/neko-bridge/backend/internal/service/neko"
	"github.com/zhouzirui/neko-bridge/backend/internal/service/session"
)

// 面向用户的固定提示。
const (
	MsgEmptyInput      = "❗ 请输入内容，例如：你好"
	MsgCreateFailed    = "❌ 创建会话失败，请稍后再试。"
	MsgRequestFailed   = "请求失败，请稍后再试。"
	MsgBranchPending   = "⚠️ 检测到对话分支未选择，请重试或新建会话。"
	MsgSwitchNoSession = "❌ 切换失败：无法创建会话"

	msgSwitched     = "✨ 已切换为：%s"
	msgSwitchFailed = "❌ 切换为 %s 失败"
	msgSessionReady = "✨ 已创建新的会话（当前模型：%s）！"
)

const (
	// confirmedChoice is the branch kept and confirmed after every turn.
	confirmedChoice  = 0
	componentLogName = "conversation"
)

// RemoteClient is the subset of the neko backend the engine needs.
type RemoteClient interface {
	CreateSession(ctx context.Context, model string) (string, error)
	SelectModel(ctx context.Context, chatID, model string) bool
	StreamReply(ctx context.Context, chatID, text string) (protocol.LineStream, error)
	SelectChoice(ctx context.Context, msgID string, idx int)
}

var _ RemoteClient = (*neko.Client)(nil)

// Engine answers "user X said T" with a displayable reply.
//
// Every public operation holds the per-user registry scope for its whole
// duration, so a chat turn never interleaves with a switch or another turn of
// the same user.
type Engine struct {
	remote   RemoteClient
	registry *session.Registry
	variants variant.Store
}

// New wires the engine.
func New(remote RemoteClient, registry *session.Registry, variants variant.Store) *Engine {
	return &Engine{
		remote:   remote,
		registry: registry,
		variants: variants,
	}
}

// Session returns the registered session of userID.
func (e *Engine) Session(userID string) (sessionModel.Session, bool) {
	return e.registry.Get(userID)
}

// Sessions lists every registered session.
func (e *Engine) Sessions() []sessionModel.Session {
	return e.registry.List()
}

// EnsureSession returns the chat id of userID, creating the session first
// when there is none.
func (e *Engine) EnsureSession(ctx context.Context, userID string) (string, error) {
	unlock, err := e.registry.Lock(ctx, userID)
	if err != nil {
		return "", err
	}
	defer unlock()

	s, err := e.ensureLocked(ctx, userID)
	if err != nil {
		return "", err
	}
	return s.ChatID, nil
}

// NewSession replaces the session of userID with a fresh remote chat that
// keeps the current model.
func (e *Engine) NewSession(ctx context.Context, userID string) string {
	unlock, ok := e.lock(ctx, userID)
	if !ok {
		return MsgRequestFailed
	}
	defer unlock()

	model := e.variants.Default().ID
	if s, ok := e.registry.Get(userID); ok {
		model = s.Model
	}

	s, err := e.createLocked(ctx, userID, model)
	if err != nil {
		return MsgCreateFailed
	}
	return fmt.Sprintf(msgSessionReady, e.displayName(s.Model))
}

// SwitchModel selects v for userID. The registry only changes when the
// backend confirmed the switch.
func (e *Engine) SwitchModel(ctx context.Context, userID string, v variant.Variant) string {
	unlock, ok := e.lock(ctx, userID)
	if !ok {
		return MsgRequestFailed
	}
	defer unlock()

	s, err := e.ensureLocked(ctx, userID)
	if err != nil {
		return MsgSwitchNoSession
	}

	if !e.remote.SelectModel(ctx, s.ChatID, v.ID) {
		return fmt.Sprintf(msgSwitchFailed, v.Name)
	}
	if err := e.registry.SetModel(userID, v.ID); err != nil {
		log.Error().Err(err).Str("component", componentLogName).Str("user_id", userID).Msg("registry lost session during switch")
		return fmt.Sprintf(msgSwitchFailed, v.Name)
	}

	log.Info().Str("component", componentLogName).Str("user_id", userID).Str("chat_id", s.ChatID).Str("model", v.ID).Msg("model switched")
	return fmt.Sprintf(msgSwitched, v.Name)
}

// Chat runs one turn and returns the reply text.
func (e *Engine) Chat(ctx context.Context, userID, text string) string {
	return e.turn(ctx, userID, text, nil)
}

// ChatStream is Chat with onDelta receiving each accepted fragment as it arrives.
func (e *Engine) ChatStream(ctx context.Context, userID, text string, onDelta func(string)) string {
	return e.turn(ctx, userID, text, onDelta)
}

func (e *Engine) turn(ctx context.Context, userID, text string, onDelta func(string)) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return MsgEmptyInput
	}

	unlock, ok := e.lock(ctx, userID)
	if !ok {
		return MsgRequestFailed
	}
	defer unlock()

	logger := log.With().
		Str("component", componentLogName).
		Str("turn_id", uuid.NewString()).
		Str("user_id", userID).
		Logger()

	s, err := e.ensureLocked(ctx, userID)
	if err != nil {
		return MsgCreateFailed
	}
	logger = logger.With().Str("chat_id", s.ChatID).Logger()

	started := time.Now()
	reply, err := e.streamLocked(ctx, s.ChatID, text, onDelta)
	switch {
	case errors.Is(err, protocol.ErrBranchPending):
		logger.Warn().Msg("backend reports unresolved branch")
		return MsgBranchPending
	case err != nil:
		logger.Warn().Err(err).Msg("stream reply failed")
		return MsgRequestFailed
	}

	if reply.MessageID != "" {
		e.remote.SelectChoice(ctx, reply.MessageID, confirmedChoice)
	}

	logger.Info().
		Str("msg_id", reply.MessageID).
		Int("length", len(reply.Text)).
		Dur("elapsed", time.Since(started)).
		Msg("turn completed")
	return reply.Text
}

// lock waits for the per-user scope until ctx ends.
func (e *Engine) lock(ctx context.Context, userID string) (func(), bool) {
	unlock, err := e.registry.Lock(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("component", componentLogName).Str("user_id", userID).Msg("gave up waiting for conversation")
		return nil, false
	}
	return unlock, true
}

func (e *Engine) streamLocked(ctx context.Context, chatID, text string, onDelta func(string)) (protocol.Reply, error) {
	stream, err := e.remote.StreamReply(ctx, chatID, text)
	if err != nil {
		return protocol.Reply{}, err
	}
	defer stream.Close()

	acc := &protocol.Accumulator{Branch: confirmedChoice, OnDelta: onDelta}
	return protocol.Collect(protocol.NewParser(stream), acc)
}

func (e *Engine) ensureLocked(ctx context.Context, userID string) (sessionModel.Session, error) {
	if s, ok := e.registry.Get(userID); ok {
		return s, nil
	}
	return e.createLocked(ctx, userID, e.variants.Default().ID)
}

// createLocked opens a remote chat and re-selects model on it; the session is
// registered only when both calls succeed.
func (e *Engine) createLocked(ctx context.Context, userID, model string) (sessionModel.Session, error) {
	logger := log.With().Str("component", componentLogName).Str("user_id", userID).Str("model", model).Logger()

	chatID, err := e.remote.CreateSession(ctx, model)
	if err != nil {
		logger.Warn().Err(err).Msg("create session failed")
		return sessionModel.Session{}, err
	}

	if !e.remote.SelectModel(ctx, chatID, model) {
		logger.Warn().Str("chat_id", chatID).Msg("model not confirmed for new session")
		return sessionModel.Session{}, &neko.RemoteError{Op: "confirm model", Err: errModelNotConfirmed}
	}

	s := e.registry.Put(userID, chatID, model)
	logger.Info().Str("chat_id", s.ChatID).Msg("session created")
	return s, nil
}

var errModelNotConfirmed = errors.New("model not confirmed")

func (e *Engine) displayName(model string) string {
	if v, ok := e.variants.FindByID(model); ok {
		return v.Name
	}
	return model
}
