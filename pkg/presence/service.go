package presence

import (
	"context"
	"sync"
	"time"

	humanize "github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsedeck/realtime/pkg/wire"
)

// Sender is the narrow transport surface the service needs.
type Sender interface {
	Send(wire.Message) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
}

// Identity seeds the local user's presence record.
type Identity struct {
	UserID      string
	DisplayName string
	AvatarURL   string
}

// LocationFilter matches presence records by location fields; empty fields
// match anything. Users with no location never match.
type LocationFilter struct {
	Page        string
	ContentID   string
	WorkspaceID string
}

// Options configures a Service.
type Options struct {
	Transport Sender
	Clock     func() time.Time

	TypingTimeout time.Duration // auto-clear for the local typing flag, default 3s
	StaleAfter    time.Duration // remote records go offline after this, default 5m
	SweepInterval time.Duration // staleness sweep cadence, default 30s
}

// Service tracks the local user's presence and a cache of remote records,
// one per user id. Construct explicitly and share by reference; there is no
// package-level singleton.
type Service struct {
	opts   Options
	logger zerolog.Logger

	mu          sync.Mutex
	selfID      string
	users       map[string]*wire.Presence
	selfPending bool
	typingTimer *time.Timer
	listeners   map[int64]func(wire.Presence)
	nextID      int64
	sweeping    bool
}

// NewService builds a presence service. Call InitializeUser before any
// mutating operation; until then those operations are no-ops.
func NewService(opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.TypingTimeout <= 0 {
		opts.TypingTimeout = 3 * time.Second
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = 5 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 30 * time.Second
	}
	return &Service{
		opts:      opts,
		logger:    log.With().Str("component", "presence").Logger(),
		users:     map[string]*wire.Presence{},
		listeners: map[int64]func(wire.Presence){},
	}
}

// InitializeUser seeds the current-user record. Calling it again replaces
// the identity fields but keeps accumulated state.
func (s *Service) InitializeUser(id Identity) {
	if s == nil || id.UserID == "" {
		return
	}
	s.mu.Lock()
	s.selfID = id.UserID
	rec := s.users[id.UserID]
	if rec == nil {
		rec = &wire.Presence{UserID: id.UserID}
		s.users[id.UserID] = rec
	}
	rec.DisplayName = id.DisplayName
	rec.AvatarURL = id.AvatarURL
	rec.Status = wire.StatusOnline
	rec.LastActiveMs = s.opts.Clock().UnixMilli()
	snapshot := *rec
	s.mu.Unlock()

	s.broadcastSelf(snapshot)
	s.notify(snapshot)
}

// UpdateStatus mutates the local status optimistically and broadcasts it.
func (s *Service) UpdateStatus(status wire.Status) {
	if !status.Valid() {
		return
	}
	s.mutateSelf(func(rec *wire.Presence) { rec.Status = status })
}

// UpdateLocation records where in the dashboard the local user is.
func (s *Service) UpdateLocation(loc wire.Location) {
	s.mutateSelf(func(rec *wire.Presence) {
		l := loc
		rec.Location = &l
	})
}

// UpdateCustomStatus sets the free-text status line.
func (s *Service) UpdateCustomStatus(text string) {
	s.mutateSelf(func(rec *wire.Presence) { rec.CustomStatus = text })
}

// UpdateCursor mirrors the local cursor into the presence record.
func (s *Service) UpdateCursor(pos wire.Position) {
	s.mutateSelf(func(rec *wire.Presence) {
		p := pos
		rec.Cursor = &p
	})
}

// UpdateSelection mirrors the local selection into the presence record.
func (s *Service) UpdateSelection(sel wire.Selection) {
	s.mutateSelf(func(rec *wire.Presence) {
		sc := sel
		rec.Selection = &sc
	})
}

// SetTyping toggles the local typing flag for a context key. The service
// owns the inactivity timer: the flag auto-clears after TypingTimeout unless
// refreshed.
func (s *Service) SetTyping(typing bool, typingCtx string) {
	s.mu.Lock()
	if s.selfID == "" {
		s.mu.Unlock()
		return
	}
	selfID := s.selfID
	rec := s.users[selfID]
	rec.Typing = typing
	rec.TypingContext = typingCtx
	rec.LastActiveMs = s.opts.Clock().UnixMilli()
	if s.typingTimer != nil {
		s.typingTimer.Stop()
		s.typingTimer = nil
	}
	if typing {
		s.typingTimer = time.AfterFunc(s.opts.TypingTimeout, func() { s.SetTyping(false, typingCtx) })
	}
	snapshot := *rec
	s.mu.Unlock()

	msg, err := wire.NewMessage(wire.TypePresenceTyping, "", selfID, wire.TypingPayload{
		UserID: selfID, Typing: typing, Context: typingCtx,
	})
	if err == nil {
		if serr := s.opts.Transport.Send(msg); serr != nil {
			s.logger.Debug().Err(serr).Msg("typing broadcast failed")
		}
	}
	s.notify(snapshot)
}

// SubscribeToWorkspace registers interest in workspace-scoped presence.
func (s *Service) SubscribeToWorkspace(workspaceID string) error {
	return s.opts.Transport.Subscribe(wire.WorkspaceTopic(workspaceID))
}

// UnsubscribeFromWorkspace removes workspace-scoped interest.
func (s *Service) UnsubscribeFromWorkspace(workspaceID string) error {
	return s.opts.Transport.Unsubscribe(wire.WorkspaceTopic(workspaceID))
}

// SubscribeToContent registers interest in content-scoped presence.
func (s *Service) SubscribeToContent(contentID string) error {
	return s.opts.Transport.Subscribe(wire.ContentTopic(contentID))
}

// UnsubscribeFromContent removes content-scoped interest.
func (s *Service) UnsubscribeFromContent(contentID string) error {
	return s.opts.Transport.Unsubscribe(wire.ContentTopic(contentID))
}

// HandleMessage ingests a presence-family wire message. Wire it to the
// transport emitter for presence.state, presence.update, presence.leave and
// presence.typing.
func (s *Service) HandleMessage(msg wire.Message) {
	switch msg.Type {
	case wire.TypePresenceState:
		var payload wire.PresenceStatePayload
		if err := msg.Decode(&payload); err != nil {
			s.logger.Warn().Err(err).Msg("bad presence.state payload")
			return
		}
		for _, p := range payload.Users {
			s.upsertRemote(p)
		}
	case wire.TypePresenceUpdate:
		var payload wire.PresenceUpdatePayload
		if err := msg.Decode(&payload); err != nil {
			s.logger.Warn().Err(err).Msg("bad presence.update payload")
			return
		}
		s.upsertRemote(payload.Presence)
	case wire.TypePresenceLeave:
		var payload wire.PresenceLeavePayload
		if err := msg.Decode(&payload); err != nil {
			s.logger.Warn().Err(err).Msg("bad presence.leave payload")
			return
		}
		s.markOffline(payload.UserID)
	case wire.TypePresenceTyping:
		var payload wire.TypingPayload
		if err := msg.Decode(&payload); err != nil {
			s.logger.Warn().Err(err).Msg("bad presence.typing payload")
			return
		}
		s.setRemoteTyping(payload)
	}
}

// Get returns a copy of one user's record.
func (s *Service) Get(userID string) (wire.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return wire.Presence{}, false
	}
	return clonePresence(rec), true
}

// Self returns a copy of the current-user record.
func (s *Service) Self() (wire.Presence, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selfID == "" {
		return wire.Presence{}, false
	}
	return clonePresence(s.users[s.selfID]), true
}

// PendingConfirmation reports whether a local optimistic update is still
// waiting for the server echo.
func (s *Service) PendingConfirmation() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selfPending
}

// OnlineUsers returns copies of every record whose status is not offline.
func (s *Service) OnlineUsers() []wire.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Presence, 0, len(s.users))
	for _, rec := range s.users {
		if rec.Status != wire.StatusOffline {
			out = append(out, clonePresence(rec))
		}
	}
	return out
}

// UsersInLocation filters the cache by location equality. Records with no
// location are excluded.
func (s *Service) UsersInLocation(filter LocationFilter) []wire.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Presence, 0, len(s.users))
	for _, rec := range s.users {
		if rec.Location == nil {
			continue
		}
		if filter.Page != "" && rec.Location.Page != filter.Page {
			continue
		}
		if filter.ContentID != "" && rec.Location.ContentID != filter.ContentID {
			continue
		}
		if filter.WorkspaceID != "" && rec.Location.WorkspaceID != filter.WorkspaceID {
			continue
		}
		out = append(out, clonePresence(rec))
	}
	return out
}

// TypingUsers returns users currently typing, optionally filtered by
// typing context.
func (s *Service) TypingUsers(contextFilter string) []wire.Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Presence, 0, 4)
	for _, rec := range s.users {
		if !rec.Typing {
			continue
		}
		if contextFilter != "" && rec.TypingContext != contextFilter {
			continue
		}
		out = append(out, clonePresence(rec))
	}
	return out
}

// IsOnline reports whether a user has a non-offline record.
func (s *Service) IsOnline(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	return ok && rec.Status != wire.StatusOffline
}

// LastSeenText renders a relative last-activity string, e.g. "3 minutes ago".
func (s *Service) LastSeenText(userID string) string {
	s.mu.Lock()
	rec, ok := s.users[userID]
	var lastActive int64
	if ok {
		lastActive = rec.LastActiveMs
	}
	s.mu.Unlock()
	if !ok || lastActive == 0 {
		return "never"
	}
	return humanize.Time(time.UnixMilli(lastActive))
}

// OnChange registers a listener invoked with a copy of every changed record.
func (s *Service) OnChange(fn func(wire.Presence)) func() {
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

// Start launches the staleness sweeper until ctx is cancelled. Records with
// no activity for StaleAfter are marked offline.
func (s *Service) Start(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		return
	}
	s.sweeping = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(s.opts.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.sweeping = false
				s.mu.Unlock()
				return
			case now := <-ticker.C:
				s.sweepStale(now)
			}
		}
	}()
}

func (s *Service) sweepStale(now time.Time) {
	cutoff := now.Add(-s.opts.StaleAfter).UnixMilli()
	var changed []wire.Presence
	s.mu.Lock()
	for id, rec := range s.users {
		if id == s.selfID || rec.Status == wire.StatusOffline {
			continue
		}
		if rec.LastActiveMs < cutoff {
			rec.Status = wire.StatusOffline
			rec.Typing = false
			changed = append(changed, clonePresence(rec))
		}
	}
	s.mu.Unlock()
	for _, p := range changed {
		s.notify(p)
	}
}

// mutateSelf applies a local optimistic mutation, stamps activity, marks the
// record pending until the server echoes it back, and broadcasts.
func (s *Service) mutateSelf(mutate func(*wire.Presence)) {
	s.mu.Lock()
	if s.selfID == "" {
		s.mu.Unlock()
		return
	}
	rec := s.users[s.selfID]
	mutate(rec)
	rec.LastActiveMs = s.opts.Clock().UnixMilli()
	s.selfPending = true
	snapshot := clonePresence(rec)
	s.mu.Unlock()

	s.broadcastSelf(snapshot)
	s.notify(snapshot)
}

func (s *Service) broadcastSelf(snapshot wire.Presence) {
	msg, err := wire.NewMessage(wire.TypePresenceUpdate, "", snapshot.UserID, wire.PresenceUpdatePayload{Presence: snapshot})
	if err != nil {
		s.logger.Warn().Err(err).Msg("encode presence update")
		return
	}
	if err := s.opts.Transport.Send(msg); err != nil {
		// optimistic: local state stays, no rollback
		s.logger.Debug().Err(err).Msg("presence broadcast failed")
	}
}

func (s *Service) upsertRemote(p wire.Presence) {
	if p.UserID == "" {
		return
	}
	s.mu.Lock()
	if p.UserID == s.selfID {
		// server echo of our own optimistic update confirms it
		s.selfPending = false
		snapshot := clonePresence(s.users[s.selfID])
		s.mu.Unlock()
		s.notify(snapshot)
		return
	}
	rec := s.users[p.UserID]
	if rec == nil {
		rec = &wire.Presence{}
		s.users[p.UserID] = rec
	}
	*rec = p
	if rec.LastActiveMs == 0 {
		rec.LastActiveMs = s.opts.Clock().UnixMilli()
	}
	snapshot := clonePresence(rec)
	s.mu.Unlock()
	s.notify(snapshot)
}

func (s *Service) markOffline(userID string) {
	s.mu.Lock()
	rec, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	rec.Status = wire.StatusOffline
	rec.Typing = false
	snapshot := clonePresence(rec)
	s.mu.Unlock()
	s.notify(snapshot)
}

func (s *Service) setRemoteTyping(p wire.TypingPayload) {
	s.mu.Lock()
	rec, ok := s.users[p.UserID]
	if !ok || p.UserID == s.selfID {
		s.mu.Unlock()
		return
	}
	rec.Typing = p.Typing
	rec.TypingContext = p.Context
	rec.LastActiveMs = s.opts.Clock().UnixMilli()
	snapshot := clonePresence(rec)
	s.mu.Unlock()
	s.notify(snapshot)
}

func (s *Service) notify(p wire.Presence) {
	s.mu.Lock()
	fns := make([]func(wire.Presence), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(p)
	}
}

func clonePresence(rec *wire.Presence) wire.Presence {
	out := *rec
	if rec.Location != nil {
		l := *rec.Location
		out.Location = &l
	}
	if rec.Cursor != nil {
		c := *rec.Cursor
		out.Cursor = &c
	}
	if rec.Selection != nil {
		sel := *rec.Selection
		out.Selection = &sel
	}
	return out
}
