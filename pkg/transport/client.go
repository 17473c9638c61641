package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsedeck/realtime/pkg/wire"
)

// State is one stage of the connection lifecycle.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateBackingOff   State = "backing_off"
	StateOffline      State = "offline"
)

// Local lifecycle events dispatched through the emitter alongside wire
// messages. They never travel on the socket.
const (
	EventConnected    = "transport.connected"
	EventDisconnected = "transport.disconnected"
	EventError        = "transport.error"
	EventOffline      = "transport.offline"
)

// Credentials identify the client to the hub.
type Credentials struct {
	UserID string
	Token  string
}

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	URL         string
	Credentials Credentials
	Dialer      Dialer

	BaseDelay    time.Duration // first retry delay, default 1s
	MaxDelay     time.Duration // backoff cap, default 30s
	MaxRetries   int           // retry attempts per outage, default 3
	HelloTimeout time.Duration // handshake ack wait, default 5s

	// Sleep is the backoff wait, injectable for deterministic tests.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) applyDefaults() {
	if o.Dialer == nil {
		o.Dialer = NewWebSocketDialer()
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 30 * time.Second
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.HelloTimeout <= 0 {
		o.HelloTimeout = 5 * time.Second
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Client maintains one hub connection with reconnection, topic interest
// replay, and typed event dispatch. Lifecycle:
// disconnected -> connecting -> connected -> (backing_off -> connected | offline).
type Client struct {
	opts    Options
	emitter *Emitter
	logger  zerolog.Logger

	mu         sync.Mutex
	state      State
	conn       Conn
	sessionID  string
	retryCount int
	gen        uint64
	closing    bool
	topics     map[string]struct{}
	runCtx     context.Context
	runCancel  context.CancelFunc
}

// NewClient builds a client; no I/O happens until Connect.
func NewClient(opts Options) *Client {
	opts.applyDefaults()
	return &Client{
		opts:    opts,
		emitter: NewEmitter(),
		logger:  log.With().Str("component", "transport").Logger(),
		state:   StateDisconnected,
		topics:  map[string]struct{}{},
	}
}

// On registers an event handler and returns its unsubscribe func.
func (c *Client) On(eventType string, fn Handler) func() {
	return c.emitter.On(eventType, fn)
}

// State returns the current lifecycle stage.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the hub-assigned session id, empty until connected.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// RetryCount returns retries consumed by the current or last outage.
func (c *Client) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// Connect dials the hub and waits for the hello acknowledgement. On failure
// it retries per the backoff policy; once retries are exhausted it moves to
// offline, emits a single offline event, and returns the error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected || c.state == StateConnecting {
		c.mu.Unlock()
		return nil
	}
	c.closing = false
	c.state = StateConnecting
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.runCtx = runCtx
	c.runCancel = cancel
	c.mu.Unlock()

	conn, err := c.dialAndHandshake(ctx)
	if err == nil {
		c.adopt(conn)
		return nil
	}
	c.logger.Warn().Err(err).Msg("initial connect failed, entering retry loop")

	conn, err = c.retryLoop(ctx)
	if err != nil {
		c.goOffline(err)
		return err
	}
	c.adopt(conn)
	return nil
}

// Send transmits a message. Fire-and-forget: delivery is not acknowledged.
func (c *Client) Send(msg wire.Message) error {
	c.mu.Lock()
	conn := c.conn
	state := c.state
	c.mu.Unlock()
	if conn == nil || state != StateConnected {
		return errors.Errorf("transport is %s, cannot send %s", state, msg.Type)
	}
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

// Subscribe registers server-side interest in a topic. The interest set is
// remembered and replayed after every reconnect.
func (c *Client) Subscribe(topic string) error {
	c.mu.Lock()
	c.topics[topic] = struct{}{}
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.sendControl(wire.TypeSubscribe, topic)
}

// Unsubscribe removes server-side interest in a topic.
func (c *Client) Unsubscribe(topic string) error {
	c.mu.Lock()
	delete(c.topics, topic)
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return nil
	}
	return c.sendControl(wire.TypeUnsubscribe, topic)
}

// Disconnect tears the connection down intentionally; the read loop sees the
// closing flag and does not trigger reconnection. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	if c.closing && c.conn == nil {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.gen++
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.sessionID = ""
	cancel := c.runCancel
	c.runCancel = nil
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.emitLocal(EventDisconnected, nil)
}

func (c *Client) sendControl(msgType, topic string) error {
	msg, err := wire.NewMessage(msgType, topic, c.opts.Credentials.UserID, wire.SubscribePayload{Topic: topic})
	if err != nil {
		return err
	}
	return c.Send(msg)
}

func (c *Client) dialAndHandshake(ctx context.Context) (Conn, error) {
	header := http.Header{}
	if c.opts.Credentials.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Credentials.Token)
	}
	conn, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, header)
	if err != nil {
		return nil, err
	}

	helloTimer := time.AfterFunc(c.opts.HelloTimeout, func() { _ = conn.Close() })
	defer helloTimer.Stop()

	raw, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, errors.Wrap(err, "wait for hello")
	}
	msg, err := wire.ParseMessage(raw)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if msg.Type != wire.TypeHello {
		_ = conn.Close()
		return nil, errors.Errorf("expected %s, got %s", wire.TypeHello, msg.Type)
	}
	var hello wire.HelloPayload
	if err := msg.Decode(&hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.mu.Lock()
	c.sessionID = hello.SessionID
	c.mu.Unlock()
	return conn, nil
}

// retryLoop performs up to MaxRetries dial attempts, sleeping the backoff
// delay before each one. Delays follow base, base*2, base*4, ... capped at
// MaxDelay with jitter disabled so the schedule is deterministic.
func (c *Client) retryLoop(ctx context.Context) (Conn, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.opts.BaseDelay
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = c.opts.MaxDelay
	policy.MaxElapsedTime = 0
	policy.Reset()

	var lastErr error
	for attempt := 0; attempt < c.opts.MaxRetries; attempt++ {
		delay := policy.NextBackOff()

		c.mu.Lock()
		c.state = StateBackingOff
		c.retryCount = attempt + 1
		closing := c.closing
		c.mu.Unlock()
		if closing {
			return nil, errors.New("transport closed during retry")
		}

		c.logger.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("reconnect attempt scheduled")
		if err := c.opts.Sleep(ctx, delay); err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.state = StateConnecting
		c.mu.Unlock()

		conn, err := c.dialAndHandshake(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.emitError(err)
	}
	if lastErr == nil {
		lastErr = errors.New("connect retries exhausted")
	}
	return nil, errors.Wrapf(lastErr, "connect failed after %d attempts", c.opts.MaxRetries)
}

// adopt installs a live connection, replays topic interest, and starts the
// read loop.
func (c *Client) adopt(conn Conn) {
	c.mu.Lock()
	c.gen++
	gen := c.gen
	c.conn = conn
	c.state = StateConnected
	c.retryCount = 0
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	runCtx := c.runCtx
	c.mu.Unlock()

	for _, topic := range topics {
		if err := c.sendControl(wire.TypeSubscribe, topic); err != nil {
			c.logger.Warn().Err(err).Str("topic", topic).Msg("topic replay failed")
		}
	}
	c.emitLocal(EventConnected, nil)

	go c.readLoop(conn, gen)
	go c.pingLoop(runCtx, conn, gen)
}

func (c *Client) readLoop(conn Conn, gen uint64) {
	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			c.onReadError(conn, gen, err)
			return
		}
		msg, perr := wire.ParseMessage(raw)
		if perr != nil {
			c.logger.Warn().Err(perr).Msg("dropping malformed frame")
			continue
		}
		c.emitter.Emit(msg)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn Conn, gen uint64) {
	if ctx == nil {
		return
	}
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			stale := c.gen != gen
			c.mu.Unlock()
			if stale {
				return
			}
			if err := conn.Ping(); err != nil {
				return
			}
		}
	}
}

// onReadError distinguishes intentional teardown from a mid-session drop and
// drives reconnection for the latter.
func (c *Client) onReadError(conn Conn, gen uint64, err error) {
	c.mu.Lock()
	if c.gen != gen {
		// a newer connection owns the lifecycle now
		c.mu.Unlock()
		return
	}
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.state = StateBackingOff
	runCtx := c.runCtx
	c.mu.Unlock()
	_ = conn.Close()

	c.logger.Warn().Err(err).Msg("connection dropped")
	c.emitLocal(EventDisconnected, nil)

	if runCtx == nil {
		runCtx = context.Background()
	}
	next, rerr := c.retryLoop(runCtx)
	if rerr != nil {
		c.goOffline(rerr)
		return
	}
	c.adopt(next)
}

// goOffline marks retry exhaustion. The offline event fires exactly once per
// outage.
func (c *Client) goOffline(cause error) {
	c.mu.Lock()
	already := c.state == StateOffline
	c.state = StateOffline
	c.mu.Unlock()
	if already {
		return
	}
	c.logger.Error().Err(cause).Msg("retries exhausted, transport offline")
	c.emitLocal(EventOffline, map[string]string{"error": cause.Error()})
}

func (c *Client) emitError(err error) {
	c.emitLocal(EventError, map[string]string{"error": err.Error()})
}

func (c *Client) emitLocal(eventType string, payload any) {
	msg, err := wire.NewMessage(eventType, "", "", payload)
	if err != nil {
		return
	}
	c.emitter.Emit(msg)
}
