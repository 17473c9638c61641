package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pulsedeck/realtime/pkg/bus"
	"github.com/pulsedeck/realtime/pkg/jobstore"
	"github.com/pulsedeck/realtime/pkg/wire"
)

type testEnv struct {
	hub    *Hub
	server *httptest.Server
	store  *jobstore.MemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	router, err := bus.NewEventRouter()
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Close() })

	store := jobstore.NewMemoryStore()
	h, err := New(Options{
		Bus:          router,
		Store:        store,
		JobStepDelay: time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(h.Close)

	mux := http.NewServeMux()
	h.Mount(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testEnv{hub: h, server: server, store: store}
}

// wsClient collects every frame read off one attachment.
type wsClient struct {
	conn *websocket.Conn

	mu     sync.Mutex
	frames []wire.Message
}

func (e *testEnv) dial(t *testing.T, userID, room string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?user=" + userID
	if room != "" {
		url += "&room=" + room
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	c := &wsClient{conn: conn}
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := wire.ParseMessage(data)
			if err != nil {
				continue
			}
			c.mu.Lock()
			c.frames = append(c.frames, msg)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *wsClient) send(t *testing.T, msg wire.Message) {
	t.Helper()
	data, err := msg.Encode()
	require.NoError(t, err)
	require.NoError(t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *wsClient) collect(msgType string) []wire.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wire.Message
	for _, msg := range c.frames {
		if msg.Type == msgType {
			out = append(out, msg)
		}
	}
	return out
}

func (c *wsClient) waitFor(t *testing.T, msgType string) wire.Message {
	t.Helper()
	var got wire.Message
	require.Eventually(t, func() bool {
		msgs := c.collect(msgType)
		if len(msgs) == 0 {
			return false
		}
		got = msgs[len(msgs)-1]
		return true
	}, 3*time.Second, 10*time.Millisecond)
	return got
}

func TestAttachSendsHello(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "u1", "")

	hello := c.waitFor(t, wire.TypeHello)
	var payload wire.HelloPayload
	require.NoError(t, hello.Decode(&payload))
	require.NotEmpty(t, payload.SessionID)
}

func TestAttachRequiresUser(t *testing.T) {
	env := newTestEnv(t)
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoomBroadcastAndPresenceState(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice", "content:doc1")
	alice.waitFor(t, wire.TypeHello)

	update, err := wire.NewMessage(wire.TypePresenceUpdate, "", "alice", wire.PresenceUpdatePayload{
		Presence: wire.Presence{UserID: "alice", Status: wire.StatusOnline},
	})
	require.NoError(t, err)
	alice.send(t, update)

	// the update echoes back to the sender through the room forwarder
	echo := alice.waitFor(t, wire.TypePresenceUpdate)
	require.Equal(t, "content:doc1", echo.Topic)
	require.Equal(t, "alice", echo.SenderID)

	// a late joiner gets alice in the presence.state snapshot
	bob := env.dial(t, "bob", "content:doc1")
	state := bob.waitFor(t, wire.TypePresenceState)
	var payload wire.PresenceStatePayload
	require.NoError(t, state.Decode(&payload))
	require.Len(t, payload.Users, 1)
	require.Equal(t, "alice", payload.Users[0].UserID)

	// and sees subsequent collab traffic in the same room
	op, err := wire.NewMessage(wire.TypeCollabOperation, "content:doc1", "alice", wire.OperationPayload{
		ContentID: "doc1",
		Operation: wire.Operation{ID: "op1", Kind: wire.OpInsert, Pos: 0, Text: "hi", ActorID: "alice", Clock: 1},
	})
	require.NoError(t, err)
	alice.send(t, op)
	got := bob.waitFor(t, wire.TypeCollabOperation)
	var opPayload wire.OperationPayload
	require.NoError(t, got.Decode(&opPayload))
	require.Equal(t, "hi", opPayload.Operation.Text)
}

func TestSubscribeMessageJoinsRoom(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "u1", "")
	c.waitFor(t, wire.TypeHello)

	sub, err := wire.NewMessage(wire.TypeSubscribe, "", "u1", wire.SubscribePayload{Topic: "workspace:w1"})
	require.NoError(t, err)
	c.send(t, sub)
	c.waitFor(t, wire.TypePresenceState)

	require.Eventually(t, func() bool {
		room, ok := env.hub.Room("workspace:w1")
		return ok && room.count() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestDisconnectBroadcastsLeave(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice", "content:doc1")
	alice.waitFor(t, wire.TypeHello)
	bob := env.dial(t, "bob", "content:doc1")
	bob.waitFor(t, wire.TypeHello)

	require.NoError(t, alice.conn.Close())

	leave := bob.waitFor(t, wire.TypePresenceLeave)
	var payload wire.PresenceLeavePayload
	require.NoError(t, leave.Decode(&payload))
	require.Equal(t, "alice", payload.UserID)
}

func TestPublishJobLifecycle(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "u1", "jobs")
	c.waitFor(t, wire.TypeHello)

	start, err := wire.NewMessage(wire.TypePublishStart, wire.TopicJobs, "u1", wire.PublishStartPayload{
		JobID:     "job-1",
		ContentID: "c1",
		Platforms: []string{"twitter", "linkedin"},
	})
	require.NoError(t, err)
	c.send(t, start)

	var final wire.Job
	require.Eventually(t, func() bool {
		for _, msg := range c.collect(wire.TypePublishJob) {
			var payload wire.JobEventPayload
			if msg.Decode(&payload) == nil && payload.Job.Status.Terminal() {
				final = payload.Job
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	require.Equal(t, wire.JobCompleted, final.Status)
	require.Equal(t, 100, final.Progress)
	require.Len(t, final.Results, 2)
	for _, res := range final.Results {
		require.Equal(t, wire.PlatformSuccess, res.Status)
	}

	// statuses walked the lifecycle in order
	var statuses []wire.JobStatus
	for _, msg := range c.collect(wire.TypePublishJob) {
		var payload wire.JobEventPayload
		require.NoError(t, msg.Decode(&payload))
		statuses = append(statuses, payload.Job.Status)
	}
	require.Equal(t, wire.JobQueued, statuses[0])
	require.Contains(t, statuses, wire.JobProcessing)
	require.Contains(t, statuses, wire.JobPublishing)

	// terminal job persisted
	env.hub.Engine().Wait()
	stored, ok, err := env.store.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, wire.JobCompleted, stored.Status)
}

func TestPublishJobFailure(t *testing.T) {
	router, err := bus.NewEventRouter()
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Close() })

	var mu sync.Mutex
	attempts := map[string]int{}
	h, err := New(Options{
		Bus:          router,
		JobStepDelay: time.Millisecond,
		Publish: func(ctx context.Context, job wire.Job, platform string) wire.PlatformResult {
			mu.Lock()
			attempts[platform]++
			n := attempts[platform]
			mu.Unlock()
			if platform == "mastodon" && n == 1 {
				return wire.PlatformResult{Platform: platform, Status: wire.PlatformFailed, Error: "rate limited"}
			}
			return wire.PlatformResult{Platform: platform, Status: wire.PlatformSuccess}
		},
	})
	require.NoError(t, err)
	t.Cleanup(h.Close)

	require.NoError(t, h.Engine().Start("job-f", "c1", []string{"twitter", "mastodon"}))
	h.Engine().Wait()

	job, ok := h.Engine().Job("job-f")
	require.True(t, ok)
	require.Equal(t, wire.JobFailed, job.Status)
	require.Contains(t, job.Error, "mastodon")

	// a running job cannot be retried, only terminal ones
	require.Error(t, h.Engine().Retry("job-missing", nil))

	// retry with no subset reruns just the failed platform
	require.NoError(t, h.Engine().Retry("job-f", nil))
	h.Engine().Wait()

	job, _ = h.Engine().Job("job-f")
	require.Equal(t, wire.JobCompleted, job.Status)
	mu.Lock()
	require.Equal(t, 1, attempts["twitter"])
	require.Equal(t, 2, attempts["mastodon"])
	mu.Unlock()
}

func TestJobCancellation(t *testing.T) {
	router, err := bus.NewEventRouter()
	require.NoError(t, err)
	t.Cleanup(func() { _ = router.Close() })

	release := make(chan struct{})
	h, err := New(Options{
		Bus: router,
		Publish: func(ctx context.Context, job wire.Job, platform string) wire.PlatformResult {
			select {
			case <-ctx.Done():
			case <-release:
			}
			return wire.PlatformResult{Platform: platform, Status: wire.PlatformSuccess}
		},
	})
	require.NoError(t, err)
	t.Cleanup(h.Close)
	t.Cleanup(func() { close(release) })

	require.NoError(t, h.Engine().Start("job-c", "c1", []string{"twitter"}))
	require.NoError(t, h.Engine().Cancel("job-c"))
	h.Engine().Wait()

	job, ok := h.Engine().Job("job-c")
	require.True(t, ok)
	require.Equal(t, wire.JobCancelled, job.Status)

	require.Error(t, h.Engine().Cancel("job-c"))
}

func TestMetricsEndpointRebroadcasts(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t, "u1", "analytics")
	c.waitFor(t, wire.TypeHello)

	body, err := json.Marshal(wire.AnalyticsBatchPayload{
		Updates: []wire.MetricUpdate{{ID: "views", Value: 42}},
	})
	require.NoError(t, err)
	resp, err := http.Post(env.server.URL+"/api/metrics", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	batch := c.waitFor(t, wire.TypeAnalyticsBatch)
	var payload wire.AnalyticsBatchPayload
	require.NoError(t, batch.Decode(&payload))
	require.Equal(t, "views", payload.Updates[0].ID)
}

func TestJobsAPI(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.store.Save(context.Background(), wire.Job{
		ID: "j1", ContentID: "c1", Status: wire.JobCompleted, Progress: 100, StartedMs: 10,
	}))

	resp, err := http.Get(env.server.URL + "/api/jobs?content_id=c1")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var jobs []wire.Job
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&jobs))
	require.Len(t, jobs, 1)
	require.Equal(t, "j1", jobs[0].ID)

	resp, err = http.Get(env.server.URL + "/api/jobs/j1")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(env.server.URL + "/api/jobs/missing")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSweepEvictsIdleRoomsAndStalePresence(t *testing.T) {
	env := newTestEnv(t)
	alice := env.dial(t, "alice", "content:doc1")
	alice.waitFor(t, wire.TypeHello)

	update, err := wire.NewMessage(wire.TypePresenceUpdate, "", "alice", wire.PresenceUpdatePayload{
		Presence: wire.Presence{UserID: "alice", Status: wire.StatusOnline},
	})
	require.NoError(t, err)
	alice.send(t, update)
	alice.waitFor(t, wire.TypePresenceUpdate)

	room, ok := env.hub.Room("content:doc1")
	require.True(t, ok)
	require.Len(t, room.presenceSnapshot(), 1)

	// far-future sweep: presence is stale and, once the client detaches,
	// the room is idle past the timeout
	env.hub.sweep(time.Now().Add(time.Hour))
	require.Empty(t, room.presenceSnapshot())

	require.NoError(t, alice.conn.Close())
	require.Eventually(t, func() bool {
		r, ok := env.hub.Room("content:doc1")
		return !ok || r.count() == 0
	}, time.Second, 10*time.Millisecond)

	env.hub.sweep(time.Now().Add(time.Hour))
	_, ok = env.hub.Room("content:doc1")
	require.False(t, ok)
}
