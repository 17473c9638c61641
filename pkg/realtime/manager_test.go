package realtime

import (
	"context"
	"sync"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/pulsedeck/realtime/pkg/presence"
	"github.com/pulsedeck/realtime/pkg/transport"
	"github.com/pulsedeck/realtime/pkg/wire"
)

// stubTransport implements Transport in-memory. Deliver pushes a message
// through the same emitter the manager routes on.
type stubTransport struct {
	emitter *transport.Emitter

	mu           sync.Mutex
	state        transport.State
	connectErr   error
	sent         []wire.Message
	subscribed   []string
	unsubscribed []string
	disconnects  int
}

func newStubTransport() *stubTransport {
	return &stubTransport{
		emitter: transport.NewEmitter(),
		state:   transport.StateDisconnected,
	}
}

func (s *stubTransport) On(eventType string, fn transport.Handler) func() {
	return s.emitter.On(eventType, fn)
}

func (s *stubTransport) Connect(ctx context.Context) error {
	s.mu.Lock()
	err := s.connectErr
	if err == nil {
		s.state = transport.StateConnected
	} else {
		s.state = transport.StateOffline
	}
	s.mu.Unlock()
	if err != nil {
		s.emitter.Emit(wire.Message{Type: transport.EventOffline})
		return err
	}
	s.emitter.Emit(wire.Message{Type: transport.EventConnected})
	return nil
}

func (s *stubTransport) Send(msg wire.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

func (s *stubTransport) Subscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribed = append(s.subscribed, topic)
	return nil
}

func (s *stubTransport) Unsubscribe(topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubscribed = append(s.unsubscribed, topic)
	return nil
}

func (s *stubTransport) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnects++
	s.state = transport.StateDisconnected
}

func (s *stubTransport) State() transport.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *stubTransport) SessionID() string { return "test-session" }

func (s *stubTransport) Deliver(msg wire.Message) { s.emitter.Emit(msg) }

func (s *stubTransport) topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.subscribed...)
}

func newTestManager(t *testing.T) (*Manager, *stubTransport) {
	t.Helper()
	tr := newStubTransport()
	m, err := New(Options{
		Transport: tr,
		Identity:  presence.Identity{UserID: "u1", DisplayName: "Ada"},
	})
	require.NoError(t, err)
	return m, tr
}

func TestNewValidates(t *testing.T) {
	_, err := New(Options{Identity: presence.Identity{UserID: "u1"}})
	require.Error(t, err)

	_, err = New(Options{Transport: newStubTransport()})
	require.Error(t, err)
}

func TestInitializeWiresServices(t *testing.T) {
	m, tr := newTestManager(t)
	defer m.Shutdown()

	require.NoError(t, m.Initialize(context.Background()))
	require.Equal(t, transport.StateConnected, m.State())

	// repeated initialize is a no-op
	require.NoError(t, m.Initialize(context.Background()))

	require.Contains(t, tr.topics(), wire.TopicJobs)
	require.Contains(t, tr.topics(), wire.TopicAnalytics)

	self, ok := m.Presence().Self()
	require.True(t, ok)
	require.Equal(t, "Ada", self.DisplayName)
}

func TestInitializeReturnsConnectError(t *testing.T) {
	tr := newStubTransport()
	tr.connectErr = errors.New("no route")
	m, err := New(Options{Transport: tr, Identity: presence.Identity{UserID: "u1"}})
	require.NoError(t, err)
	defer m.Shutdown()

	require.Error(t, m.Initialize(context.Background()))
}

func TestMessagesRouteToServices(t *testing.T) {
	m, tr := newTestManager(t)
	defer m.Shutdown()
	require.NoError(t, m.Initialize(context.Background()))

	presenceMsg, err := wire.NewMessage(wire.TypePresenceUpdate, "", "server", wire.PresenceUpdatePayload{
		Presence: wire.Presence{UserID: "remote", Status: wire.StatusOnline},
	})
	require.NoError(t, err)
	tr.Deliver(presenceMsg)
	require.True(t, m.Presence().IsOnline("remote"))

	require.NoError(t, m.Collab().JoinContent("doc", "hi"))
	opMsg, err := wire.NewMessage(wire.TypeCollabOperation, "content:doc", "remote", wire.OperationPayload{
		ContentID: "doc",
		Operation: wire.Operation{ID: "op1", Kind: wire.OpInsert, Pos: 2, Text: "!", ActorID: "remote", Clock: 1},
	})
	require.NoError(t, err)
	tr.Deliver(opMsg)
	require.Equal(t, "hi!", m.Collab().Text())

	batch, err := wire.NewMessage(wire.TypeAnalyticsBatch, wire.TopicAnalytics, "hub", wire.AnalyticsBatchPayload{
		Updates: []wire.MetricUpdate{{ID: "views", Value: 7}},
	})
	require.NoError(t, err)
	tr.Deliver(batch)
	m.Analytics().Flush()
	metric, ok := m.Analytics().Metric("views")
	require.True(t, ok)
	require.Equal(t, 7.0, metric.Value)

	jobMsg, err := wire.NewMessage(wire.TypePublishJob, wire.TopicJobs, "hub", wire.JobEventPayload{
		Job: wire.Job{ID: "j1", Status: wire.JobProcessing, Progress: 20},
	})
	require.NoError(t, err)
	tr.Deliver(jobMsg)
	job, ok := m.Publishing().Job("j1")
	require.True(t, ok)
	require.Equal(t, wire.JobProcessing, job.Status)
}

func TestConnectionChangeForwarded(t *testing.T) {
	m, tr := newTestManager(t)
	defer m.Shutdown()

	var mu sync.Mutex
	var states []transport.State
	off := m.OnConnectionChange(func(st transport.State) {
		mu.Lock()
		states = append(states, st)
		mu.Unlock()
	})
	defer off()

	require.NoError(t, m.Initialize(context.Background()))

	tr.mu.Lock()
	tr.state = transport.StateOffline
	tr.mu.Unlock()
	tr.Deliver(wire.Message{Type: transport.EventOffline})

	mu.Lock()
	require.Equal(t, []transport.State{transport.StateConnected, transport.StateOffline}, states)
	mu.Unlock()
}

func TestSubscriptionClosuresAreSymmetric(t *testing.T) {
	m, tr := newTestManager(t)
	defer m.Shutdown()
	require.NoError(t, m.Initialize(context.Background()))

	unsubContent, err := m.SubscribeToContent("c1")
	require.NoError(t, err)
	unsubExec, err := m.SubscribeToExecution("e1")
	require.NoError(t, err)
	unsubWs, err := m.SubscribeToWorkspace("w1")
	require.NoError(t, err)

	require.Contains(t, tr.topics(), "content:c1")
	require.Contains(t, tr.topics(), "execution:e1")
	require.Contains(t, tr.topics(), "workspace:w1")

	// content interest also joins the collab session
	joined, ok := m.Collab().Joined()
	require.True(t, ok)
	require.Equal(t, "c1", joined)

	unsubContent()
	unsubExec()
	unsubWs()

	_, ok = m.Collab().Joined()
	require.False(t, ok)

	tr.mu.Lock()
	defer tr.mu.Unlock()
	for _, topic := range []string{"content:c1", "execution:e1", "workspace:w1"} {
		require.Contains(t, tr.unsubscribed, topic)
	}
}

func TestContentClosureKeepsNewerCollabSession(t *testing.T) {
	m, _ := newTestManager(t)
	defer m.Shutdown()
	require.NoError(t, m.Initialize(context.Background()))

	unsubA, err := m.SubscribeToContent("a")
	require.NoError(t, err)
	_, err = m.SubscribeToContent("b")
	require.NoError(t, err)

	// the stale closure must not detach the session from the newer document
	unsubA()
	joined, ok := m.Collab().Joined()
	require.True(t, ok)
	require.Equal(t, "b", joined)
}

func TestShutdownStopsRouting(t *testing.T) {
	m, tr := newTestManager(t)
	require.NoError(t, m.Initialize(context.Background()))
	m.Shutdown()

	tr.mu.Lock()
	require.Equal(t, 1, tr.disconnects)
	tr.mu.Unlock()

	msg, err := wire.NewMessage(wire.TypePresenceUpdate, "", "server", wire.PresenceUpdatePayload{
		Presence: wire.Presence{UserID: "late", Status: wire.StatusOnline},
	})
	require.NoError(t, err)
	tr.Deliver(msg)
	require.False(t, m.Presence().IsOnline("late"))

	// second shutdown is safe
	m.Shutdown()
}
