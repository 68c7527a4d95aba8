package protocol

import (
	"errors"
	"io"
	"strings"
)

// ErrBranchPending is returned when the backend reports an unresolved branch.
var ErrBranchPending = errors.New("branch selection pending")

// Reply is the folded result of one stream.
type Reply struct {
	Text      string
	MessageID string // empty when the stream carried none
}

// Accumulator folds events into a Reply.
//
// Only deltas of Branch are kept. The zero value selects branch 0, which is
// the branch confirmed back to the backend after the turn.
type Accumulator struct {
	Branch  int
	OnDelta func(text string)

	text  strings.Builder
	msgID string
}

// Apply folds one event. It returns ErrBranchPending on BranchPending; the
// text gathered so far must then be discarded by the caller.
func (a *Accumulator) Apply(ev Event) error {
	switch e := ev.(type) {
	case ContentDelta:
		if e.Branch != a.Branch {
			return nil
		}
		a.text.WriteString(e.Text)
		if a.OnDelta != nil && e.Text != "" {
			a.OnDelta(e.Text)
		}
	case MessageID:
		a.msgID = e.ID
	case BranchPending:
		return ErrBranchPending
	}
	return nil
}

// Reply returns what has been accumulated so far.
func (a *Accumulator) Reply() Reply {
	return Reply{Text: a.text.String(), MessageID: a.msgID}
}

// Collect drains p into acc.
func Collect(p *Parser, acc *Accumulator) (Reply, error) {
	for {
		ev, err := p.Next()
		if errors.Is(err, io.EOF) {
			return acc.Reply(), nil
		}
		if err != nil {
			return Reply{}, err
		}
		if err := acc.Apply(ev); err != nil {
			return Reply{}, err
		}
	}
}
