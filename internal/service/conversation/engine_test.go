package conversation_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/neko-bridge/backend/internal/config"
	"github.com/zhouzirui/neko-bridge/backend/internal/mock"
	"github.com/zhouzirui/neko-bridge/backend/internal/model/variant"
	"github.com/zhouzirui/neko-bridge/backend/internal/protocol"
	"github.com/zhouzirui/neko-bridge/backend/internal/service/conversation"
	"github.com/zhouzirui/neko-bridge/backend/internal/service/neko"
	"github.com/zhouzirui/neko-bridge/backend/internal/service/session"
)

var errNetwork = &neko.RemoteError{Op: "create session", Err: errors.New("dial tcp: connection refused")}

// newRemote returns a fake that creates chat-1, chat-2, ... and accepts every switch.
func newRemote(lines ...string) *mock.RemoteClient {
	var seq int32
	return &mock.RemoteClient{
		CreateSessionFn: func(ctx context.Context, model string) (string, error) {
			return fmt.Sprintf("chat-%d", atomic.AddInt32(&seq, 1)), nil
		},
		SelectModelFn: func(ctx context.Context, chatID, model string) bool { return true },
		StreamReplyFn: func(ctx context.Context, chatID, text string) (protocol.LineStream, error) {
			return mock.NewLines(lines...), nil
		},
	}
}

func newEngine(remote *mock.RemoteClient) (*conversation.Engine, *session.Registry) {
	registry := session.NewRegistry()
	variants := variant.NewMemoryStore(variant.Seed())
	return conversation.New(remote, registry, variants), registry
}

func exotic(t *testing.T) variant.Variant {
	t.Helper()
	v, ok := variant.NewMemoryStore(variant.Seed()).FindByID(variant.ExoticShorthair)
	require.True(t, ok)
	return v
}

func TestChatCreatesSessionAndConfirmsChoice(t *testing.T) {
	remote := newRemote(`data: {"v":"hi"}`, `data: {"msg_id":"m1"}`)
	engine, registry := newEngine(remote)

	reply := engine.Chat(context.Background(), "u1", "hello")
	assert.Equal(t, "hi", reply)

	s, ok := registry.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "chat-1", s.ChatID)
	assert.Equal(t, variant.OrangeCat, s.Model)

	ops := make([]string, 0)
	for _, c := range remote.Calls() {
		ops = append(ops, c.Op)
	}
	assert.Equal(t, []string{"CreateSession", "SelectModel", "StreamReply", "SelectChoice"}, ops)

	assert.Equal(t, []any{variant.OrangeCat}, remote.CallsTo("CreateSession")[0].Args)
	assert.Equal(t, []any{"chat-1", variant.OrangeCat}, remote.CallsTo("SelectModel")[0].Args)
	assert.Equal(t, []any{"chat-1", "hello"}, remote.CallsTo("StreamReply")[0].Args)
	assert.Equal(t, []any{"m1", 0}, remote.CallsTo("SelectChoice")[0].Args)
}

func TestChatReusesSession(t *testing.T) {
	remote := newRemote(`data: {"v":"ok"}`)
	engine, _ := newEngine(remote)

	engine.Chat(context.Background(), "u1", "one")
	engine.Chat(context.Background(), "u1", "two")

	assert.Len(t, remote.CallsTo("CreateSession"), 1)
	assert.Len(t, remote.CallsTo("StreamReply"), 2)
	assert.Empty(t, remote.CallsTo("SelectChoice"), "no message id, no confirmation")
}

func TestChatRejectsBlankInput(t *testing.T) {
	remote := newRemote()
	engine, registry := newEngine(remote)

	for _, text := range []string{"", "   ", "\n\t"} {
		assert.Equal(t, conversation.MsgEmptyInput, engine.Chat(context.Background(), "u1", text))
	}
	assert.Empty(t, remote.Calls())
	assert.Equal(t, 0, registry.Len())
}

func TestChatBranchPending(t *testing.T) {
	lines := mock.NewLines(`data: {"v":"partial"}`, `{"code":"chat_choice_shown"}`, `data: {"msg_id":"m9"}`)
	remote := newRemote()
	remote.StreamReplyFn = func(ctx context.Context, chatID, text string) (protocol.LineStream, error) {
		return lines, nil
	}
	engine, _ := newEngine(remote)

	reply := engine.Chat(context.Background(), "u1", "hello")
	assert.Equal(t, conversation.MsgBranchPending, reply)
	assert.Empty(t, remote.CallsTo("SelectChoice"))
	assert.True(t, lines.Closed())
	assert.Equal(t, 2, lines.Read())
}

func TestChatCreationFailure(t *testing.T) {
	remote := newRemote()
	remote.CreateSessionFn = func(ctx context.Context, model string) (string, error) {
		return "", errNetwork
	}
	engine, registry := newEngine(remote)

	reply := engine.Chat(context.Background(), "u1", "hello")
	assert.Equal(t, conversation.MsgCreateFailed, reply)
	assert.Equal(t, 0, registry.Len())
	assert.Empty(t, remote.CallsTo("StreamReply"))
}

func TestChatConfirmFailureRegistersNothing(t *testing.T) {
	remote := newRemote()
	remote.SelectModelFn = func(ctx context.Context, chatID, model string) bool { return false }
	engine, registry := newEngine(remote)

	_, err := engine.EnsureSession(context.Background(), "u1")
	require.ErrorIs(t, err, neko.ErrRemote)
	assert.Equal(t, 0, registry.Len())

	assert.Equal(t, conversation.MsgCreateFailed, engine.Chat(context.Background(), "u1", "hello"))
}

func TestChatStreamFailures(t *testing.T) {
	t.Run("open fails", func(t *testing.T) {
		remote := newRemote()
		remote.StreamReplyFn = func(ctx context.Context, chatID, text string) (protocol.LineStream, error) {
			return nil, &neko.RemoteError{Op: "stream reply", Err: errors.New("502")}
		}
		engine, registry := newEngine(remote)

		assert.Equal(t, conversation.MsgRequestFailed, engine.Chat(context.Background(), "u1", "hello"))
		_, ok := registry.Get("u1")
		assert.True(t, ok, "session survives a failed stream")
	})

	t.Run("read fails midway", func(t *testing.T) {
		lines := mock.NewLines(`data: {"v":"par"}`)
		lines.Err = &neko.RemoteError{Op: "read stream", Err: errors.New("reset")}
		remote := newRemote()
		remote.StreamReplyFn = func(ctx context.Context, chatID, text string) (protocol.LineStream, error) {
			return lines, nil
		}
		engine, _ := newEngine(remote)

		assert.Equal(t, conversation.MsgRequestFailed, engine.Chat(context.Background(), "u1", "hello"))
		assert.True(t, lines.Closed())
		assert.Empty(t, remote.CallsTo("SelectChoice"))
	})
}

func TestChatEmptyReplyIsLegitimate(t *testing.T) {
	remote := newRemote(`data: {"c":[{"v":"alt","c":1}]}`, `data: {"msg_id":"m2"}`)
	engine, _ := newEngine(remote)

	assert.Equal(t, "", engine.Chat(context.Background(), "u1", "hello"))
	assert.Len(t, remote.CallsTo("SelectChoice"), 1)
}

func TestChatStreamForwardsDeltas(t *testing.T) {
	remote := newRemote(`data: {"c":[{"v":"你"},{"v":"x","c":1}]}`, `data: {"c":[{"v":"好"}]}`)
	engine, _ := newEngine(remote)

	var deltas []string
	reply := engine.ChatStream(context.Background(), "u1", "hi", func(s string) { deltas = append(deltas, s) })
	assert.Equal(t, "你好", reply)
	assert.Equal(t, []string{"你", "好"}, deltas)
}

func TestEnsureSessionIsIdempotentUnderRace(t *testing.T) {
	remote := newRemote()
	create := remote.CreateSessionFn
	remote.CreateSessionFn = func(ctx context.Context, model string) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return create(ctx, model)
	}
	engine, registry := newEngine(remote)

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := engine.EnsureSession(context.Background(), "u1")
			assert.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	assert.Len(t, remote.CallsTo("CreateSession"), 1)
	assert.Equal(t, 1, registry.Len())
	for _, id := range ids {
		assert.Equal(t, "chat-1", id)
	}
}

func TestDifferentUsersStreamInParallel(t *testing.T) {
	release := make(chan struct{})
	var inFlight int32
	remote := newRemote()
	remote.StreamReplyFn = func(ctx context.Context, chatID, text string) (protocol.LineStream, error) {
		if atomic.AddInt32(&inFlight, 1) == 2 {
			close(release)
		}
		select {
		case <-release:
		case <-time.After(2 * time.Second):
			return nil, errors.New("users were serialized")
		}
		return mock.NewLines(`data: {"v":"ok"}`), nil
	}
	engine, _ := newEngine(remote)

	var wg sync.WaitGroup
	replies := make([]string, 2)
	for i, user := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			replies[i] = engine.Chat(context.Background(), user, "hi")
		}(i, user)
	}
	wg.Wait()

	assert.Equal(t, []string{"ok", "ok"}, replies)
}

func TestSwitchModelWithoutSession(t *testing.T) {
	remote := newRemote()
	engine, registry := newEngine(remote)

	reply := engine.SwitchModel(context.Background(), "u1", exotic(t))
	assert.Equal(t, "✨ 已切换为：黑猫", reply)

	s, ok := registry.Get("u1")
	require.True(t, ok)
	assert.Equal(t, variant.ExoticShorthair, s.Model)

	selects := remote.CallsTo("SelectModel")
	require.Len(t, selects, 2)
	assert.Equal(t, []any{"chat-1", variant.OrangeCat}, selects[0].Args)
	assert.Equal(t, []any{"chat-1", variant.ExoticShorthair}, selects[1].Args)
}

func TestSwitchModelFailureKeepsRegistry(t *testing.T) {
	remote := newRemote()
	engine, registry := newEngine(remote)
	_, err := engine.EnsureSession(context.Background(), "u1")
	require.NoError(t, err)

	remote.SelectModelFn = func(ctx context.Context, chatID, model string) bool { return false }
	reply := engine.SwitchModel(context.Background(), "u1", exotic(t))
	assert.Equal(t, "❌ 切换为 黑猫 失败", reply)

	s, _ := registry.Get("u1")
	assert.Equal(t, variant.OrangeCat, s.Model)
}

func TestSwitchModelCannotCreateSession(t *testing.T) {
	remote := newRemote()
	remote.CreateSessionFn = func(ctx context.Context, model string) (string, error) { return "", errNetwork }
	engine, registry := newEngine(remote)

	assert.Equal(t, conversation.MsgSwitchNoSession, engine.SwitchModel(context.Background(), "u1", exotic(t)))
	assert.Equal(t, 0, registry.Len())
}

func TestNewSessionKeepsModelAndReplacesChat(t *testing.T) {
	remote := newRemote()
	engine, registry := newEngine(remote)
	engine.SwitchModel(context.Background(), "u1", exotic(t))

	reply := engine.NewSession(context.Background(), "u1")
	assert.Equal(t, "✨ 已创建新的会话（当前模型：黑猫）！", reply)

	s, _ := registry.Get("u1")
	assert.Equal(t, "chat-2", s.ChatID)
	assert.Equal(t, variant.ExoticShorthair, s.Model)
	assert.Equal(t, []any{variant.ExoticShorthair}, remote.CallsTo("CreateSession")[1].Args)
}

func TestNewSessionDefaultsAndFailure(t *testing.T) {
	remote := newRemote()
	engine, _ := newEngine(remote)
	assert.Equal(t, "✨ 已创建新的会话（当前模型：橘猫）！", engine.NewSession(context.Background(), "u1"))

	failing := newRemote()
	failing.CreateSessionFn = func(ctx context.Context, model string) (string, error) { return "", errNetwork }
	engine, registry := newEngine(failing)
	assert.Equal(t, conversation.MsgCreateFailed, engine.NewSession(context.Background(), "u1"))
	assert.Equal(t, 0, registry.Len())
}

func TestChatCancellationReachesStream(t *testing.T) {
	remote := newRemote()
	remote.StreamReplyFn = func(ctx context.Context, chatID, text string) (protocol.LineStream, error) {
		<-ctx.Done()
		return nil, &neko.RemoteError{Op: "stream reply", Err: ctx.Err()}
	}
	engine, _ := newEngine(remote)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.Equal(t, conversation.MsgRequestFailed, engine.Chat(ctx, "u1", "hello"))
}

func TestQueuedTurnGivesUpWithItsContext(t *testing.T) {
	streaming := make(chan struct{})
	release := make(chan struct{})
	remote := newRemote()
	remote.StreamReplyFn = func(ctx context.Context, chatID, text string) (protocol.LineStream, error) {
		close(streaming)
		<-release
		return mock.NewLines(`data: {"v":"late"}`), nil
	}
	engine, _ := newEngine(remote)

	first := make(chan string, 1)
	go func() { first <- engine.Chat(context.Background(), "u1", "long question") }()
	<-streaming

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	assert.Equal(t, conversation.MsgRequestFailed, engine.Chat(ctx, "u1", "are you there"))
	assert.Less(t, time.Since(started), time.Second)
	assert.Equal(t, conversation.MsgRequestFailed, engine.SwitchModel(ctx, "u1", exotic(t)))
	assert.Len(t, remote.CallsTo("StreamReply"), 1)

	close(release)
	assert.Equal(t, "late", <-first)

	// The scope is free again once the first turn ends.
	_, err := engine.EnsureSession(context.Background(), "u1")
	assert.NoError(t, err)
}

func TestChatBranchPendingRejectedByStatus(t *testing.T) {
	var choices int32
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"chat_id":"chat-1"}`)
	})
	mux.HandleFunc("/model", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/choice", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&choices, 1)
	})
	mux.HandleFunc("/stream/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":"chat_choice_shown"}`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	client := neko.New(config.RemoteConfig{
		ChatURL:         srv.URL + "/chat",
		SelectModelURL:  srv.URL + "/model",
		SelectChoiceURL: srv.URL + "/choice",
		StreamURL:       srv.URL + "/stream/{uuid}",
		RequestTimeout:  time.Second,
		ChoiceTimeout:   time.Second,
	})
	registry := session.NewRegistry()
	engine := conversation.New(client, registry, variant.NewMemoryStore(variant.Seed()))

	assert.Equal(t, conversation.MsgBranchPending, engine.Chat(context.Background(), "u1", "hello"))
	assert.Zero(t, atomic.LoadInt32(&choices))
	_, ok := registry.Get("u1")
	assert.True(t, ok)
}
