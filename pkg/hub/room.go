package hub

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"

	"github.com/pulsedeck/realtime/pkg/wire"
)

// Room is one topic's fan-out domain: the websocket connections subscribed
// to the topic, the presence registry for that topic, and a forwarder that
// reads the topic off the event bus and broadcasts to the pool.
type Room struct {
	Topic string

	mu          sync.Mutex
	conns       map[*client]struct{}
	presence    map[string]wire.Presence
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
	lastEmpty   time.Time

	sub      message.Subscriber
	stopRead context.CancelFunc
	reading  bool
}

func newRoom(topic string, sub message.Subscriber, idleTimeout time.Duration, onIdle func()) *Room {
	return &Room{
		Topic:       topic,
		conns:       map[*client]struct{}{},
		presence:    map[string]wire.Presence{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
		lastEmpty:   time.Now(),
		sub:         sub,
	}
}

// startReader subscribes to the room topic and forwards bus payloads to the
// pool. Idempotent.
func (r *Room) startReader() error {
	r.mu.Lock()
	if r.reading {
		r.mu.Unlock()
		return nil
	}
	readCtx, readCancel := context.WithCancel(context.Background())
	r.stopRead = readCancel
	ch, err := r.sub.Subscribe(readCtx, r.Topic)
	if err != nil {
		readCancel()
		r.stopRead = nil
		r.mu.Unlock()
		return err
	}
	r.reading = true
	r.mu.Unlock()

	log.Debug().Str("component", "hub").Str("topic", r.Topic).Msg("starting room reader")
	go func() {
		for msg := range ch {
			r.broadcast(msg.Payload)
			msg.Ack()
		}
		r.mu.Lock()
		r.reading = false
		r.mu.Unlock()
	}()
	return nil
}

func (r *Room) add(conn *client) {
	if r == nil || conn == nil {
		return
	}
	r.mu.Lock()
	r.conns[conn] = struct{}{}
	r.stopIdleTimerLocked()
	r.mu.Unlock()
}

func (r *Room) remove(conn *client) {
	if r == nil || conn == nil {
		return
	}
	r.mu.Lock()
	delete(r.conns, conn)
	if len(r.conns) == 0 {
		r.lastEmpty = time.Now()
	}
	r.scheduleIdleTimerLocked()
	r.mu.Unlock()
}

// broadcast writes data to every connection, dropping the ones that fail.
func (r *Room) broadcast(data []byte) {
	if r == nil || len(data) == 0 {
		return
	}
	r.mu.Lock()
	for conn := range r.conns {
		if err := conn.write(data); err != nil {
			log.Warn().Err(err).Str("component", "hub").Str("topic", r.Topic).Msg("ws broadcast failed, dropping connection")
			delete(r.conns, conn)
			_ = conn.close()
		}
	}
	if len(r.conns) == 0 {
		r.lastEmpty = time.Now()
	}
	r.scheduleIdleTimerLocked()
	r.mu.Unlock()
}

func (r *Room) count() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// setPresence upserts one record in the room registry.
func (r *Room) setPresence(p wire.Presence) {
	if r == nil || p.UserID == "" {
		return
	}
	r.mu.Lock()
	r.presence[p.UserID] = p
	r.mu.Unlock()
}

func (r *Room) dropPresence(userID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.presence, userID)
	r.mu.Unlock()
}

// presenceSnapshot returns the registry as a slice for presence.state frames.
func (r *Room) presenceSnapshot() []wire.Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.Presence, 0, len(r.presence))
	for _, p := range r.presence {
		out = append(out, p)
	}
	return out
}

// sweepPresence drops registry records idle past the cutoff and returns the
// removed user ids.
func (r *Room) sweepPresence(cutoffMs int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for userID, p := range r.presence {
		if p.LastActiveMs < cutoffMs {
			delete(r.presence, userID)
			removed = append(removed, userID)
		}
	}
	return removed
}

// idleSince reports how long the room has had no connections; ok is false
// while connections are attached.
func (r *Room) idleSince() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.conns) != 0 {
		return time.Time{}, false
	}
	return r.lastEmpty, true
}

func (r *Room) close() {
	r.mu.Lock()
	for conn := range r.conns {
		_ = conn.close()
		delete(r.conns, conn)
	}
	r.stopIdleTimerLocked()
	stop := r.stopRead
	r.stopRead = nil
	r.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (r *Room) stopIdleTimerLocked() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}

func (r *Room) scheduleIdleTimerLocked() {
	if len(r.conns) != 0 || r.idleTimeout <= 0 || r.onIdle == nil {
		r.stopIdleTimerLocked()
		return
	}
	r.stopIdleTimerLocked()
	r.idleTimer = time.AfterFunc(r.idleTimeout, r.triggerIdle)
}

func (r *Room) triggerIdle() {
	if r == nil {
		return
	}
	var callback func()
	r.mu.Lock()
	if len(r.conns) == 0 {
		callback = r.onIdle
	}
	r.idleTimer = nil
	r.mu.Unlock()
	if callback != nil {
		callback()
	}
}
