package wire

// OpKind discriminates collaborative text edits.
type OpKind string

const (
	OpInsert  OpKind = "insert"
	OpDelete  OpKind = "delete"
	OpReplace OpKind = "replace"
)

// Operation is one collaborative edit. Positions are flat rune offsets.
// Ordering across clients is defined by (Clock, ActorID), a Lamport total
// order, never by wall-clock time.
type Operation struct {
	ID      string `json:"id"`
	Kind    OpKind `json:"kind"`
	Pos     int    `json:"pos"`
	Text    string `json:"text,omitempty"`
	Length  int    `json:"length,omitempty"`
	ActorID string `json:"actor_id"`
	Clock   uint64 `json:"clock"`
}

// Before reports whether o sorts before other in the Lamport total order.
func (o Operation) Before(other Operation) bool {
	if o.Clock != other.Clock {
		return o.Clock < other.Clock
	}
	return o.ActorID < other.ActorID
}

// OperationPayload carries one operation for a content topic.
type OperationPayload struct {
	ContentID string    `json:"content_id"`
	Operation Operation `json:"operation"`
}

// CursorPayload broadcasts a cursor move.
type CursorPayload struct {
	ContentID string   `json:"content_id"`
	UserID    string   `json:"user_id"`
	Cursor    Position `json:"cursor"`
}

// SelectionPayload broadcasts a selection change.
type SelectionPayload struct {
	ContentID string    `json:"content_id"`
	UserID    string    `json:"user_id"`
	Selection Selection `json:"selection"`
}
