package hub

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsedeck/realtime/pkg/bus"
	"github.com/pulsedeck/realtime/pkg/jobstore"
	"github.com/pulsedeck/realtime/pkg/wire"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// client is one websocket attachment. Writes go through a mutex because a
// connection can belong to several rooms whose forwarders broadcast
// concurrently.
type client struct {
	conn      *websocket.Conn
	userID    string
	sessionID string

	writeMu sync.Mutex
	mu      sync.Mutex
	rooms   map[string]bool
}

func (c *client) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *client) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.PingMessage, nil)
}

func (c *client) close() error { return c.conn.Close() }

func (c *client) joinedRooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for topic := range c.rooms {
		out = append(out, topic)
	}
	return out
}

// Options configures a Hub.
type Options struct {
	Bus   *bus.EventRouter
	Store jobstore.Store
	Clock func() time.Time

	RoomIdleTimeout    time.Duration // empty rooms evicted after this, default 5m
	PresenceStaleAfter time.Duration // registry entries swept after this, default 5m
	JobStepDelay       time.Duration
	Publish            PlatformPublisher
}

// Hub is the server side of the realtime layer: a registry of topic rooms
// fed by websocket attachments, with presence registries, the publish-job
// engine, and the analytics rebroadcaster hanging off the shared event bus.
type Hub struct {
	opts     Options
	logger   zerolog.Logger
	upgrader websocket.Upgrader
	engine   *JobEngine

	mu    sync.Mutex
	rooms map[string]*Room
}

// New builds a hub around an event router and a job store.
func New(opts Options) (*Hub, error) {
	if opts.Bus == nil {
		return nil, errors.New("event router is required")
	}
	if opts.Store == nil {
		opts.Store = jobstore.NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.RoomIdleTimeout <= 0 {
		opts.RoomIdleTimeout = 5 * time.Minute
	}
	if opts.PresenceStaleAfter <= 0 {
		opts.PresenceStaleAfter = 5 * time.Minute
	}
	h := &Hub{
		opts:   opts,
		logger: log.With().Str("component", "hub").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		rooms: map[string]*Room{},
	}
	h.engine = NewJobEngine(JobEngineOptions{
		Publisher: opts.Bus.Publisher,
		Store:     opts.Store,
		Clock:     opts.Clock,
		StepDelay: opts.JobStepDelay,
		Publish:   opts.Publish,
	})
	return h, nil
}

// Engine exposes the job engine, mainly for tests and the jobs API.
func (h *Hub) Engine() *JobEngine { return h.engine }

// Room returns the live room for a topic, if any.
func (h *Hub) Room(topic string) (*Room, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[topic]
	return room, ok
}

func (h *Hub) getOrCreateRoom(topic string) (*Room, error) {
	h.mu.Lock()
	room, ok := h.rooms[topic]
	if !ok {
		room = newRoom(topic, h.opts.Bus.Subscriber, h.opts.RoomIdleTimeout, func() { h.evictRoom(topic) })
		h.rooms[topic] = room
	}
	h.mu.Unlock()
	if err := room.startReader(); err != nil {
		return nil, errors.Wrapf(err, "start reader for %s", topic)
	}
	return room, nil
}

func (h *Hub) evictRoom(topic string) {
	h.mu.Lock()
	room, ok := h.rooms[topic]
	if ok && room.count() == 0 {
		delete(h.rooms, topic)
	} else {
		room = nil
	}
	h.mu.Unlock()
	if room != nil {
		room.close()
		h.logger.Debug().Str("topic", topic).Msg("evicted idle room")
	}
}

// HandleWS upgrades /ws?user=<id>&room=<topic> and runs the read pump until
// the peer goes away. The optional room query joins one topic immediately.
func (h *Hub) HandleWS(w http.ResponseWriter, req *http.Request) {
	userID := req.URL.Query().Get("user")
	if userID == "" {
		http.Error(w, "user query parameter is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("ws upgrade failed")
		return
	}

	c := &client{
		conn:      conn,
		userID:    userID,
		sessionID: uuid.New().String(),
		rooms:     map[string]bool{},
	}
	h.logger.Info().Str("user_id", userID).Str("session_id", c.sessionID).Msg("ws attached")

	h.sendHello(c)
	if topic := req.URL.Query().Get("room"); topic != "" {
		h.joinRoom(c, topic)
	}

	stopPing := make(chan struct{})
	go h.pingLoop(c, stopPing)
	h.readPump(c)
	close(stopPing)
	h.detach(c)
}

func (h *Hub) sendHello(c *client) {
	msg, err := wire.NewMessage(wire.TypeHello, "", "hub", wire.HelloPayload{SessionID: c.sessionID})
	if err != nil {
		return
	}
	data, err := msg.Encode()
	if err != nil {
		return
	}
	if err := c.write(data); err != nil {
		h.logger.Debug().Err(err).Msg("hello frame failed")
	}
}

func (h *Hub) pingLoop(c *client, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.ping(); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(c *client) {
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.ParseMessage(data)
		if err != nil {
			h.logger.Debug().Err(err).Str("user_id", c.userID).Msg("bad frame")
			continue
		}
		msg.SenderID = c.userID
		h.handleInbound(c, msg)
	}
}

// handleInbound routes one client frame: control frames handled in place,
// presence and collab frames republished to their rooms, publish requests
// forwarded to the job engine.
func (h *Hub) handleInbound(c *client, msg wire.Message) {
	switch msg.Type {
	case wire.TypePing:
		if pong, err := wire.NewMessage(wire.TypePong, "", "hub", nil); err == nil {
			if data, err := pong.Encode(); err == nil {
				_ = c.write(data)
			}
		}
	case wire.TypeSubscribe:
		var payload wire.SubscribePayload
		if err := msg.Decode(&payload); err == nil && payload.Topic != "" {
			h.joinRoom(c, payload.Topic)
		}
	case wire.TypeUnsubscribe:
		var payload wire.SubscribePayload
		if err := msg.Decode(&payload); err == nil && payload.Topic != "" {
			h.leaveRoom(c, payload.Topic)
		}
	case wire.TypePresenceUpdate:
		var payload wire.PresenceUpdatePayload
		if err := msg.Decode(&payload); err != nil {
			return
		}
		payload.Presence.LastActiveMs = h.opts.Clock().UnixMilli()
		h.fanOut(c, msg, func(room *Room) { room.setPresence(payload.Presence) })
	case wire.TypePresenceTyping, wire.TypeCollabOperation, wire.TypeCollabCursor, wire.TypeCollabSelection:
		h.fanOut(c, msg, nil)
	case wire.TypePublishStart:
		var payload wire.PublishStartPayload
		if err := msg.Decode(&payload); err != nil {
			return
		}
		if err := h.engine.Start(payload.JobID, payload.ContentID, payload.Platforms); err != nil {
			h.sendError(c, err)
		}
	case wire.TypePublishCancel:
		var payload wire.PublishCancelPayload
		if err := msg.Decode(&payload); err != nil {
			return
		}
		if err := h.engine.Cancel(payload.JobID); err != nil {
			h.sendError(c, err)
		}
	case wire.TypePublishRetry:
		var payload wire.PublishRetryPayload
		if err := msg.Decode(&payload); err != nil {
			return
		}
		if err := h.engine.Retry(payload.JobID, payload.Platforms); err != nil {
			h.sendError(c, err)
		}
	case wire.TypeAnalyticsBatch:
		h.publish(wire.TopicAnalytics, msg)
	default:
		h.logger.Debug().Str("type", msg.Type).Msg("unhandled frame type")
	}
}

// fanOut publishes msg to its topic, or to every room the sender joined when
// the topic is empty. beforePublish runs per room for registry upkeep.
func (h *Hub) fanOut(c *client, msg wire.Message, beforePublish func(*Room)) {
	topics := []string{msg.Topic}
	if msg.Topic == "" {
		topics = c.joinedRooms()
	}
	for _, topic := range topics {
		if beforePublish != nil {
			if room, ok := h.Room(topic); ok {
				beforePublish(room)
			}
		}
		out := msg
		out.Topic = topic
		h.publish(topic, out)
	}
}

func (h *Hub) publish(topic string, msg wire.Message) {
	data, err := msg.Encode()
	if err != nil {
		h.logger.Warn().Err(err).Msg("encode outbound frame")
		return
	}
	if err := h.opts.Bus.Publisher.Publish(topic, message.NewMessage(watermill.NewUUID(), data)); err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("bus publish failed")
	}
}

func (h *Hub) sendError(c *client, cause error) {
	msg, err := wire.NewMessage(wire.TypeError, "", "hub", wire.ErrorPayload{Message: cause.Error()})
	if err != nil {
		return
	}
	if data, err := msg.Encode(); err == nil {
		_ = c.write(data)
	}
}

func (h *Hub) joinRoom(c *client, topic string) {
	room, err := h.getOrCreateRoom(topic)
	if err != nil {
		h.logger.Warn().Err(err).Str("topic", topic).Msg("join room failed")
		h.sendError(c, err)
		return
	}
	room.add(c)
	c.mu.Lock()
	c.rooms[topic] = true
	c.mu.Unlock()

	// seed the newcomer with the room's presence registry
	state, err := wire.NewMessage(wire.TypePresenceState, topic, "hub", wire.PresenceStatePayload{
		Users: room.presenceSnapshot(),
	})
	if err == nil {
		if data, err := state.Encode(); err == nil {
			_ = c.write(data)
		}
	}
}

func (h *Hub) leaveRoom(c *client, topic string) {
	c.mu.Lock()
	delete(c.rooms, topic)
	c.mu.Unlock()
	if room, ok := h.Room(topic); ok {
		room.remove(c)
	}
}

// detach drops the client from every room and announces the departure.
func (h *Hub) detach(c *client) {
	for _, topic := range c.joinedRooms() {
		if room, ok := h.Room(topic); ok {
			room.remove(c)
			room.dropPresence(c.userID)
		}
		leave, err := wire.NewMessage(wire.TypePresenceLeave, topic, "hub", wire.PresenceLeavePayload{UserID: c.userID})
		if err == nil {
			h.publish(topic, leave)
		}
	}
	_ = c.close()
	h.logger.Info().Str("user_id", c.userID).Str("session_id", c.sessionID).Msg("ws detached")
}

// IngestMetrics republishes a metric batch on the analytics topic. The HTTP
// metrics endpoint feeds this.
func (h *Hub) IngestMetrics(updates []wire.MetricUpdate) error {
	if len(updates) == 0 {
		return errors.New("empty metric batch")
	}
	msg, err := wire.NewMessage(wire.TypeAnalyticsBatch, wire.TopicAnalytics, "hub", wire.AnalyticsBatchPayload{Updates: updates})
	if err != nil {
		return errors.Wrap(err, "encode metric batch")
	}
	h.publish(wire.TopicAnalytics, msg)
	return nil
}

// StartSweeper runs room eviction and presence staleness sweeps until ctx is
// cancelled.
func (h *Hub) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				h.sweep(now)
			}
		}
	}()
}

func (h *Hub) sweep(now time.Time) {
	cutoff := now.Add(-h.opts.PresenceStaleAfter).UnixMilli()
	h.mu.Lock()
	rooms := make(map[string]*Room, len(h.rooms))
	for topic, room := range h.rooms {
		rooms[topic] = room
	}
	h.mu.Unlock()

	for topic, room := range rooms {
		for _, userID := range room.sweepPresence(cutoff) {
			leave, err := wire.NewMessage(wire.TypePresenceLeave, topic, "hub", wire.PresenceLeavePayload{UserID: userID})
			if err == nil {
				h.publish(topic, leave)
			}
		}
		if emptySince, ok := room.idleSince(); ok && now.Sub(emptySince) > h.opts.RoomIdleTimeout {
			h.evictRoom(topic)
		}
	}
}

// Close evicts every room.
func (h *Hub) Close() {
	h.mu.Lock()
	rooms := h.rooms
	h.rooms = map[string]*Room{}
	h.mu.Unlock()
	for _, room := range rooms {
		room.close()
	}
}
