package mock

import (
	"context"
	"sort"
	"sync"

	sessionModel "github.com/zhouzirui/neko-bridge/backend/internal/model/session"
)

// Dispatcher fakes the command dispatcher for transport tests. HandleFn
// answers both entry points; Deltas are fed to the hook of HandleStream first.
type Dispatcher struct {
	HandleFn func(ctx context.Context, userID, content string) string
	Deltas   []string

	Known map[string]sessionModel.Session

	mu       sync.Mutex
	received []Call
}

func (d *Dispatcher) Handle(ctx context.Context, userID, content string) string {
	d.record("Handle", userID, content)
	return d.HandleFn(ctx, userID, content)
}

func (d *Dispatcher) HandleStream(ctx context.Context, userID, content string, onDelta func(string)) string {
	d.record("HandleStream", userID, content)
	for _, delta := range d.Deltas {
		onDelta(delta)
	}
	return d.HandleFn(ctx, userID, content)
}

// Session serves Known.
func (d *Dispatcher) Session(userID string) (sessionModel.Session, bool) {
	s, ok := d.Known[userID]
	return s, ok
}

// Sessions returns Known ordered by user id.
func (d *Dispatcher) Sessions() []sessionModel.Session {
	out := make([]sessionModel.Session, 0, len(d.Known))
	for _, s := range d.Known {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (d *Dispatcher) record(op string, args ...any) {
	d.mu.Lock()
	d.received = append(d.received, Call{Op: op, Args: args})
	d.mu.Unlock()
}

// Received returns the recorded calls in order.
func (d *Dispatcher) Received() []Call {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Call(nil), d.received...)
}
