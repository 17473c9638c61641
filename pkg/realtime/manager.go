package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsedeck/realtime/pkg/analytics"
	"github.com/pulsedeck/realtime/pkg/collab"
	"github.com/pulsedeck/realtime/pkg/presence"
	"github.com/pulsedeck/realtime/pkg/publishing"
	"github.com/pulsedeck/realtime/pkg/transport"
	"github.com/pulsedeck/realtime/pkg/wire"
)

// Transport is the connection surface the manager drives. *transport.Client
// satisfies it.
type Transport interface {
	On(eventType string, fn transport.Handler) func()
	Connect(ctx context.Context) error
	Send(msg wire.Message) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	Disconnect()
	State() transport.State
	SessionID() string
}

// Options configures a Manager. Only Transport and Identity are required;
// the services are constructed with defaults when nil so tests can inject
// their own.
type Options struct {
	Transport Transport
	Identity  presence.Identity
	Clock     func() time.Time

	Presence   *presence.Service
	Collab     *collab.Session
	Publishing *publishing.Service
	Analytics  *analytics.Service
}

// Manager is the façade over the realtime services. It owns the wiring
// between the transport's message stream and each service, and the shared
// lifecycle. Construct one per authenticated user; there is no package-level
// instance.
type Manager struct {
	opts   Options
	logger zerolog.Logger

	presence   *presence.Service
	collab     *collab.Session
	publishing *publishing.Service
	analytics  *analytics.Service

	mu          sync.Mutex
	initialized bool
	routed      bool
	cancel      context.CancelFunc
	offs        []func()
	connWatch   map[int64]func(transport.State)
	nextID      int64
}

// New wires a manager and its services around one transport.
func New(opts Options) (*Manager, error) {
	if opts.Transport == nil {
		return nil, errors.New("transport is required")
	}
	if opts.Identity.UserID == "" {
		return nil, errors.New("identity user id is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	m := &Manager{
		opts:      opts,
		logger:    log.With().Str("component", "realtime").Str("user_id", opts.Identity.UserID).Logger(),
		connWatch: map[int64]func(transport.State){},
	}
	m.presence = opts.Presence
	if m.presence == nil {
		m.presence = presence.NewService(presence.Options{Transport: opts.Transport, Clock: opts.Clock})
	}
	m.collab = opts.Collab
	if m.collab == nil {
		m.collab = collab.NewSession(collab.Options{Transport: opts.Transport, ActorID: opts.Identity.UserID})
	}
	m.publishing = opts.Publishing
	if m.publishing == nil {
		m.publishing = publishing.NewService(publishing.Options{Transport: opts.Transport, Clock: opts.Clock})
	}
	m.analytics = opts.Analytics
	if m.analytics == nil {
		m.analytics = analytics.NewService(analytics.Options{Transport: opts.Transport, Clock: opts.Clock})
	}
	return m, nil
}

// Presence returns the presence service.
func (m *Manager) Presence() *presence.Service { return m.presence }

// Collab returns the collaboration session.
func (m *Manager) Collab() *collab.Session { return m.collab }

// Publishing returns the publishing service.
func (m *Manager) Publishing() *publishing.Service { return m.publishing }

// Analytics returns the analytics service.
func (m *Manager) Analytics() *analytics.Service { return m.analytics }

// State returns the transport connection state.
func (m *Manager) State() transport.State { return m.opts.Transport.State() }

// Initialize connects the transport, routes its message stream into the
// services, and starts the background loops. Calling it again after success
// is a no-op. When the connection cannot be established the routing stays
// wired so a later Initialize resumes where this one failed.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	if m.initialized {
		m.mu.Unlock()
		return nil
	}
	if !m.routed {
		m.routeLocked()
		m.routed = true
	}
	if m.cancel == nil {
		runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		m.cancel = cancel
		m.presence.Start(runCtx)
		m.analytics.Start(runCtx)
	}
	m.mu.Unlock()

	if err := m.opts.Transport.Connect(ctx); err != nil {
		return errors.Wrap(err, "connect")
	}
	m.mu.Lock()
	m.initialized = true
	m.mu.Unlock()

	m.presence.InitializeUser(m.opts.Identity)
	if err := m.publishing.Subscribe(); err != nil {
		m.logger.Warn().Err(err).Msg("subscribe jobs topic")
	}
	if err := m.analytics.Subscribe(); err != nil {
		m.logger.Warn().Err(err).Msg("subscribe analytics topic")
	}
	m.logger.Info().Str("session_id", m.opts.Transport.SessionID()).Msg("realtime initialized")
	return nil
}

// routeLocked registers the wire-type handlers on the transport emitter.
func (m *Manager) routeLocked() {
	tr := m.opts.Transport
	for _, msgType := range []string{
		wire.TypePresenceState, wire.TypePresenceUpdate, wire.TypePresenceLeave, wire.TypePresenceTyping,
	} {
		m.offs = append(m.offs, tr.On(msgType, m.presence.HandleMessage))
	}
	for _, msgType := range []string{
		wire.TypeCollabOperation, wire.TypeCollabCursor, wire.TypeCollabSelection,
	} {
		m.offs = append(m.offs, tr.On(msgType, m.collab.HandleMessage))
	}
	m.offs = append(m.offs, tr.On(wire.TypePublishJob, m.publishing.HandleMessage))
	m.offs = append(m.offs, tr.On(wire.TypeAnalyticsBatch, m.analytics.HandleMessage))

	for _, ev := range []string{
		transport.EventConnected, transport.EventDisconnected, transport.EventOffline,
	} {
		m.offs = append(m.offs, tr.On(ev, func(wire.Message) { m.notifyConn() }))
	}
}

// OnConnectionChange registers a listener for transport state transitions.
// It fires with the state current at each connected, disconnected, or
// offline event.
func (m *Manager) OnConnectionChange(fn func(transport.State)) func() {
	if fn == nil {
		return func() {}
	}
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.connWatch[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.connWatch, id)
		m.mu.Unlock()
	}
}

func (m *Manager) notifyConn() {
	state := m.opts.Transport.State()
	m.mu.Lock()
	fns := make([]func(transport.State), 0, len(m.connWatch))
	for _, fn := range m.connWatch {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(state)
	}
}

// SubscribeToContent fans out interest in one content document: presence on
// the content topic, the collaboration session joined to the document, and
// job events for publishes of it. The returned closure undoes exactly this
// subscription; the collab session is left only while it is still attached
// to this document.
func (m *Manager) SubscribeToContent(contentID string) (func(), error) {
	if contentID == "" {
		return nil, errors.New("content id is required")
	}
	if err := m.presence.SubscribeToContent(contentID); err != nil {
		return nil, errors.Wrapf(err, "subscribe content %s", contentID)
	}
	if err := m.collab.JoinContent(contentID, ""); err != nil {
		_ = m.presence.UnsubscribeFromContent(contentID)
		return nil, errors.Wrapf(err, "join content %s", contentID)
	}
	if err := m.publishing.Subscribe(); err != nil {
		m.logger.Warn().Err(err).Str("content_id", contentID).Msg("subscribe jobs topic")
	}
	return func() {
		if joined, ok := m.collab.Joined(); ok && joined == contentID {
			if err := m.collab.LeaveContent(); err != nil {
				m.logger.Debug().Err(err).Str("content_id", contentID).Msg("leave content failed")
			}
		}
		if err := m.presence.UnsubscribeFromContent(contentID); err != nil {
			m.logger.Debug().Err(err).Str("content_id", contentID).Msg("unsubscribe content failed")
		}
	}, nil
}

// SubscribeToWorkspace registers interest in workspace-scoped presence.
func (m *Manager) SubscribeToWorkspace(workspaceID string) (func(), error) {
	if workspaceID == "" {
		return nil, errors.New("workspace id is required")
	}
	if err := m.presence.SubscribeToWorkspace(workspaceID); err != nil {
		return nil, errors.Wrapf(err, "subscribe workspace %s", workspaceID)
	}
	return func() {
		if err := m.presence.UnsubscribeFromWorkspace(workspaceID); err != nil {
			m.logger.Debug().Err(err).Str("workspace_id", workspaceID).Msg("unsubscribe workspace failed")
		}
	}, nil
}

// SubscribeToExecution registers interest in one workflow execution's event
// stream plus the live analytics and job feeds its events reference. The
// analytics and jobs topics are shared interest and survive the returned
// closure.
func (m *Manager) SubscribeToExecution(executionID string) (func(), error) {
	if executionID == "" {
		return nil, errors.New("execution id is required")
	}
	topic := wire.ExecutionTopic(executionID)
	if err := m.opts.Transport.Subscribe(topic); err != nil {
		return nil, errors.Wrapf(err, "subscribe execution %s", executionID)
	}
	if err := m.analytics.Subscribe(); err != nil {
		m.logger.Warn().Err(err).Str("execution_id", executionID).Msg("subscribe analytics topic")
	}
	if err := m.publishing.Subscribe(); err != nil {
		m.logger.Warn().Err(err).Str("execution_id", executionID).Msg("subscribe jobs topic")
	}
	return func() {
		if err := m.opts.Transport.Unsubscribe(topic); err != nil {
			m.logger.Debug().Err(err).Str("execution_id", executionID).Msg("unsubscribe execution failed")
		}
	}, nil
}

// Shutdown stops the background loops, unhooks the routing, and disconnects
// the transport. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.routed && m.cancel == nil && !m.initialized {
		m.mu.Unlock()
		return
	}
	m.initialized = false
	m.routed = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	offs := m.offs
	m.offs = nil
	m.mu.Unlock()

	for _, off := range offs {
		off()
	}
	m.publishing.Close()
	m.opts.Transport.Disconnect()
	m.logger.Info().Msg("realtime shut down")
}
