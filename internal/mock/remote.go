// Package mock provides function-field fakes for tests.
package mock

import (
	"context"
	"io"
	"sync"

	"github.com/zhouzirui/neko-bridge/backend/internal/protocol"
)

// RemoteClient fakes the neko backend. Unset functions panic when called,
// except SelectChoiceFn, which defaults to a no-op.
type RemoteClient struct {
	CreateSessionFn func(ctx context.Context, model string) (string, error)
	SelectModelFn   func(ctx context.Context, chatID, model string) bool
	StreamReplyFn   func(ctx context.Context, chatID, text string) (protocol.LineStream, error)
	SelectChoiceFn  func(ctx context.Context, msgID string, idx int)

	mu    sync.Mutex
	calls []Call
}

// Call records one invocation.
type Call struct {
	Op   string
	Args []any
}

func (m *RemoteClient) record(op string, args ...any) {
	m.mu.Lock()
	m.calls = append(m.calls, Call{Op: op, Args: args})
	m.mu.Unlock()
}

// Calls returns the recorded invocations in order.
func (m *RemoteClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsTo returns the invocations of op.
func (m *RemoteClient) CallsTo(op string) []Call {
	var out []Call
	for _, c := range m.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (m *RemoteClient) CreateSession(ctx context.Context, model string) (string, error) {
	m.record("CreateSession", model)
	return m.CreateSessionFn(ctx, model)
}

func (m *RemoteClient) SelectModel(ctx context.Context, chatID, model string) bool {
	m.record("SelectModel", chatID, model)
	return m.SelectModelFn(ctx, chatID, model)
}

func (m *RemoteClient) StreamReply(ctx context.Context, chatID, text string) (protocol.LineStream, error) {
	m.record("StreamReply", chatID, text)
	return m.StreamReplyFn(ctx, chatID, text)
}

func (m *RemoteClient) SelectChoice(ctx context.Context, msgID string, idx int) {
	m.record("SelectChoice", msgID, idx)
	if m.SelectChoiceFn != nil {
		m.SelectChoiceFn(ctx, msgID, idx)
	}
}

// Lines is an in-memory protocol.LineStream.
type Lines struct {
	Items []string
	Err   error // returned after Items instead of io.EOF when set

	mu     sync.Mutex
	pos    int
	closed bool
}

// NewLines returns a stream over items.
func NewLines(items ...string) *Lines {
	return &Lines{Items: items}
}

func (l *Lines) Next() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.pos < len(l.Items) {
		line := l.Items[l.pos]
		l.pos++
		return line, nil
	}
	if l.Err != nil {
		return "", l.Err
	}
	return "", io.EOF
}

func (l *Lines) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (l *Lines) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Read reports how many lines were consumed.
func (l *Lines) Read() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pos
}
