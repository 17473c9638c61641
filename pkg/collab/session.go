package collab

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsedeck/realtime/pkg/wire"
)

const historyCap = 256

// Sender is the narrow transport surface the session needs.
type Sender interface {
	Send(wire.Message) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// Options configures a Session.
type Options struct {
	Transport Sender
	ActorID   string
}

// Session is one user's collaborative editing session. It is idle until
// JoinContent and tracks exactly one content document at a time. All edits
// are flat rune offsets; cross-client ordering uses the (Clock, ActorID)
// Lamport order carried on each operation.
type Session struct {
	opts   Options
	logger zerolog.Logger

	mu         sync.Mutex
	contentID  string // "" while idle
	clock      uint64
	buf        []rune
	pending    []wire.Operation // local ops awaiting the server echo
	history    []wire.Operation
	cursors        map[string]wire.Position
	selections     map[string]wire.Selection
	listeners      map[int64]func(wire.Operation)
	stateListeners map[int64]func(contentID string, joined bool)
	nextID         int64
}

// NewSession builds an idle session for one actor.
func NewSession(opts Options) *Session {
	return &Session{
		opts:       opts,
		logger:     log.With().Str("component", "collab").Str("actor_id", opts.ActorID).Logger(),
		cursors:        map[string]wire.Position{},
		selections:     map[string]wire.Selection{},
		listeners:      map[int64]func(wire.Operation){},
		stateListeners: map[int64]func(string, bool){},
	}
}

// JoinContent attaches the session to a content document, implicitly leaving
// any document it was attached to. The initial text seeds the local buffer.
func (s *Session) JoinContent(contentID string, initial string) error {
	if contentID == "" {
		return nil
	}
	s.mu.Lock()
	prev := s.contentID
	s.contentID = contentID
	s.buf = []rune(initial)
	s.pending = nil
	s.history = nil
	s.cursors = map[string]wire.Position{}
	s.selections = map[string]wire.Selection{}
	s.mu.Unlock()

	if prev != "" && prev != contentID {
		if err := s.opts.Transport.Unsubscribe(wire.ContentTopic(prev)); err != nil {
			s.logger.Debug().Err(err).Str("content_id", prev).Msg("unsubscribe on implicit leave failed")
		}
		s.notifyState(prev, false)
	}
	err := s.opts.Transport.Subscribe(wire.ContentTopic(contentID))
	s.notifyState(contentID, true)
	return err
}

// LeaveContent detaches the session and returns it to idle.
func (s *Session) LeaveContent() error {
	s.mu.Lock()
	prev := s.contentID
	s.contentID = ""
	s.buf = nil
	s.pending = nil
	s.cursors = map[string]wire.Position{}
	s.selections = map[string]wire.Selection{}
	s.mu.Unlock()

	if prev == "" {
		return nil
	}
	err := s.opts.Transport.Unsubscribe(wire.ContentTopic(prev))
	s.notifyState(prev, false)
	return err
}

// Joined returns the attached content id, if any.
func (s *Session) Joined() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contentID, s.contentID != ""
}

// Insert applies a local insert optimistically and broadcasts it.
func (s *Session) Insert(pos int, text string) {
	s.applyLocal(wire.Operation{Kind: wire.OpInsert, Pos: pos, Text: text})
}

// Delete applies a local delete optimistically and broadcasts it.
func (s *Session) Delete(pos int, length int) {
	s.applyLocal(wire.Operation{Kind: wire.OpDelete, Pos: pos, Length: length})
}

// Replace applies a local replace optimistically and broadcasts it.
func (s *Session) Replace(pos int, length int, text string) {
	s.applyLocal(wire.Operation{Kind: wire.OpReplace, Pos: pos, Length: length, Text: text})
}

func (s *Session) applyLocal(op wire.Operation) {
	s.mu.Lock()
	if s.contentID == "" {
		s.mu.Unlock()
		return
	}
	s.clock++
	op.ID = uuid.New().String()
	op.ActorID = s.opts.ActorID
	op.Clock = s.clock
	s.buf = applyToBuffer(s.buf, op)
	s.pending = append(s.pending, op)
	s.appendHistory(op)
	contentID := s.contentID
	s.mu.Unlock()

	msg, err := wire.NewMessage(wire.TypeCollabOperation, wire.ContentTopic(contentID), s.opts.ActorID, wire.OperationPayload{
		ContentID: contentID,
		Operation: op,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("encode operation")
		return
	}
	if err := s.opts.Transport.Send(msg); err != nil {
		s.logger.Debug().Err(err).Msg("operation broadcast failed")
	}
	s.notify(op)
}

// UpdateCursor broadcasts the local cursor position. No-op while idle.
func (s *Session) UpdateCursor(pos wire.Position) {
	s.mu.Lock()
	contentID := s.contentID
	if contentID != "" {
		s.cursors[s.opts.ActorID] = pos
	}
	s.mu.Unlock()
	if contentID == "" {
		return
	}
	msg, err := wire.NewMessage(wire.TypeCollabCursor, wire.ContentTopic(contentID), s.opts.ActorID, wire.CursorPayload{
		ContentID: contentID, UserID: s.opts.ActorID, Cursor: pos,
	})
	if err == nil {
		if serr := s.opts.Transport.Send(msg); serr != nil {
			s.logger.Debug().Err(serr).Msg("cursor broadcast failed")
		}
	}
}

// UpdateSelection broadcasts the local selection. No-op while idle.
func (s *Session) UpdateSelection(sel wire.Selection) {
	s.mu.Lock()
	contentID := s.contentID
	if contentID != "" {
		s.selections[s.opts.ActorID] = sel
	}
	s.mu.Unlock()
	if contentID == "" {
		return
	}
	msg, err := wire.NewMessage(wire.TypeCollabSelection, wire.ContentTopic(contentID), s.opts.ActorID, wire.SelectionPayload{
		ContentID: contentID, UserID: s.opts.ActorID, Selection: sel,
	})
	if err == nil {
		if serr := s.opts.Transport.Send(msg); serr != nil {
			s.logger.Debug().Err(serr).Msg("selection broadcast failed")
		}
	}
}

// HandleMessage ingests a collab-family wire message for the attached
// document. Messages for other documents are dropped.
func (s *Session) HandleMessage(msg wire.Message) {
	switch msg.Type {
	case wire.TypeCollabOperation:
		var payload wire.OperationPayload
		if err := msg.Decode(&payload); err != nil {
			s.logger.Warn().Err(err).Msg("bad collab.operation payload")
			return
		}
		s.applyRemote(payload)
	case wire.TypeCollabCursor:
		var payload wire.CursorPayload
		if err := msg.Decode(&payload); err != nil {
			s.logger.Warn().Err(err).Msg("bad collab.cursor payload")
			return
		}
		s.mu.Lock()
		if s.contentID == payload.ContentID {
			s.cursors[payload.UserID] = payload.Cursor
		}
		s.mu.Unlock()
	case wire.TypeCollabSelection:
		var payload wire.SelectionPayload
		if err := msg.Decode(&payload); err != nil {
			s.logger.Warn().Err(err).Msg("bad collab.selection payload")
			return
		}
		s.mu.Lock()
		if s.contentID == payload.ContentID {
			s.selections[payload.UserID] = payload.Selection
		}
		s.mu.Unlock()
	}
}

func (s *Session) applyRemote(payload wire.OperationPayload) {
	op := payload.Operation
	s.mu.Lock()
	if s.contentID != payload.ContentID {
		s.mu.Unlock()
		return
	}
	if op.ActorID == s.opts.ActorID {
		// server echo of a local op: confirm and drop from pending
		for i, p := range s.pending {
			if p.ID == op.ID {
				s.pending = append(s.pending[:i], s.pending[i+1:]...)
				break
			}
		}
		s.mu.Unlock()
		return
	}
	if op.Clock > s.clock {
		s.clock = op.Clock
	}
	// transform the remote op against each unconfirmed local op, and shift
	// those local ops past the remote edit in the same pass
	transformed := op
	for i := range s.pending {
		shifted := transformAgainst(s.pending[i], transformed)
		transformed = transformAgainst(transformed, s.pending[i])
		s.pending[i] = shifted
	}
	s.buf = applyToBuffer(s.buf, transformed)
	s.appendHistory(transformed)
	for userID, cursor := range s.cursors {
		s.cursors[userID] = wire.Position{Offset: shiftOffset(cursor.Offset, transformed)}
	}
	s.mu.Unlock()
	s.notify(transformed)
}

// Text returns the current document buffer.
func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return string(s.buf)
}

// History returns a copy of the applied operations, most recent last.
func (s *Session) History() []wire.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Operation, len(s.history))
	copy(out, s.history)
	return out
}

// PendingOperations returns copies of the local ops not yet confirmed.
func (s *Session) PendingOperations() []wire.Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Operation, len(s.pending))
	copy(out, s.pending)
	return out
}

// Cursors returns a copy of the known cursor positions by user id.
func (s *Session) Cursors() map[string]wire.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]wire.Position, len(s.cursors))
	for k, v := range s.cursors {
		out[k] = v
	}
	return out
}

// Selections returns a copy of the known selections by user id.
func (s *Session) Selections() map[string]wire.Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]wire.Selection, len(s.selections))
	for k, v := range s.selections {
		out[k] = v
	}
	return out
}

// OnOperation registers a listener invoked for every applied operation.
func (s *Session) OnOperation(fn func(wire.Operation)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// OnStateChange registers a listener invoked when the session joins or
// leaves a document. The second argument is true on join.
func (s *Session) OnStateChange(fn func(contentID string, joined bool)) func() {
	if fn == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.stateListeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.stateListeners, id)
		s.mu.Unlock()
	}
}

func (s *Session) appendHistory(op wire.Operation) {
	s.history = append(s.history, op)
	if len(s.history) > historyCap {
		s.history = s.history[len(s.history)-historyCap:]
	}
}

func (s *Session) notify(op wire.Operation) {
	s.mu.Lock()
	fns := make([]func(wire.Operation), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(op)
	}
}

func (s *Session) notifyState(contentID string, joined bool) {
	s.mu.Lock()
	fns := make([]func(string, bool), 0, len(s.stateListeners))
	for _, fn := range s.stateListeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(contentID, joined)
	}
}

// applyToBuffer splices op into buf, clamping positions and lengths to the
// buffer bounds.
func applyToBuffer(buf []rune, op wire.Operation) []rune {
	pos := clamp(op.Pos, 0, len(buf))
	switch op.Kind {
	case wire.OpInsert:
		ins := []rune(op.Text)
		out := make([]rune, 0, len(buf)+len(ins))
		out = append(out, buf[:pos]...)
		out = append(out, ins...)
		out = append(out, buf[pos:]...)
		return out
	case wire.OpDelete:
		end := clamp(pos+op.Length, pos, len(buf))
		return append(buf[:pos], buf[end:]...)
	case wire.OpReplace:
		end := clamp(pos+op.Length, pos, len(buf))
		ins := []rune(op.Text)
		out := make([]rune, 0, len(buf)-(end-pos)+len(ins))
		out = append(out, buf[:pos]...)
		out = append(out, ins...)
		out = append(out, buf[end:]...)
		return out
	}
	return buf
}

// transformAgainst shifts op's position past an edit that has already been
// applied to the buffer. Ties between two inserts at the same offset resolve
// by the Lamport order: the earlier-sorting op keeps its position.
func transformAgainst(op wire.Operation, applied wire.Operation) wire.Operation {
	switch applied.Kind {
	case wire.OpInsert:
		n := len([]rune(applied.Text))
		if op.Pos > applied.Pos || (op.Pos == applied.Pos && applied.Before(op)) {
			op.Pos += n
		}
	case wire.OpDelete:
		op.Pos = shiftPastDelete(op.Pos, applied.Pos, applied.Length)
	case wire.OpReplace:
		op.Pos = shiftPastDelete(op.Pos, applied.Pos, applied.Length)
		n := len([]rune(applied.Text))
		if op.Pos > applied.Pos || (op.Pos == applied.Pos && applied.Before(op)) {
			op.Pos += n
		}
	}
	return op
}

// shiftOffset moves a cursor offset past an applied edit.
func shiftOffset(offset int, applied wire.Operation) int {
	switch applied.Kind {
	case wire.OpInsert:
		if offset >= applied.Pos {
			return offset + len([]rune(applied.Text))
		}
	case wire.OpDelete:
		return shiftPastDelete(offset, applied.Pos, applied.Length)
	case wire.OpReplace:
		shifted := shiftPastDelete(offset, applied.Pos, applied.Length)
		if shifted >= applied.Pos {
			shifted += len([]rune(applied.Text))
		}
		return shifted
	}
	return offset
}

func shiftPastDelete(offset, delPos, delLen int) int {
	if offset >= delPos+delLen {
		return offset - delLen
	}
	if offset > delPos {
		return delPos
	}
	return offset
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
