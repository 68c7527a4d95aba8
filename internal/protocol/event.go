// Package protocol decodes the line-delimited reply stream of the neko chat
// backend and folds it into a single reply.
//
// A reply stream may carry several competing branches for one turn. Decoding
// keeps every branch; selection happens in the Accumulator so the policy can
// change without touching the decoder.
package protocol

// Event is a sealed interface for one decoded stream unit.
type Event interface {
	event()
}

// ContentDelta is a text fragment belonging to a branch.
type ContentDelta struct {
	Branch int
	Text   string
}

func (ContentDelta) event() {}

// MessageID carries the id of the message being streamed. The last one seen
// in a stream is authoritative.
type MessageID struct {
	ID string
}

func (MessageID) event() {}

// BranchPending means an earlier message still waits for a branch choice and
// the backend refuses to continue.
type BranchPending struct{}

func (BranchPending) event() {}

var (
	_ Event = ContentDelta{}
	_ Event = MessageID{}
	_ Event = BranchPending{}
)
