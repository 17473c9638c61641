package transport

import (
	"bufio"
	"context"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/pulsedeck/realtime/pkg/wire"
)

// SSEClient is the read-only fallback for environments where the websocket
// is blocked. It streams text/event-stream frames and dispatches them
// through the same typed emitter contract as the websocket client. Topic
// interest is fixed at dial time via the URL query.
type SSEClient struct {
	url     string
	client  *http.Client
	emitter *Emitter
	logger  zerolog.Logger

	lastEventID string
}

// NewSSEClient builds an SSE reader for the given stream URL.
func NewSSEClient(url string, httpClient *http.Client) *SSEClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &SSEClient{
		url:     url,
		client:  httpClient,
		emitter: NewEmitter(),
		logger:  log.With().Str("component", "transport_sse").Logger(),
	}
}

// On registers an event handler and returns its unsubscribe func.
func (c *SSEClient) On(eventType string, fn Handler) func() {
	return c.emitter.On(eventType, fn)
}

// Run consumes the stream until ctx is cancelled or the server closes it.
// The Last-Event-ID header resumes a broken stream where it left off.
func (c *SSEClient) Run(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return errors.Wrap(err, "build sse request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if c.lastEventID != "" {
		req.Header.Set("Last-Event-ID", c.lastEventID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "open sse stream")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("sse stream returned status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		return errors.Errorf("unexpected content type %q", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var dataLines []string
	var eventID string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			c.flush(eventID, dataLines)
			dataLines = dataLines[:0]
			eventID = ""
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "id:"):
			eventID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return errors.Wrap(err, "read sse stream")
	}
	return ctx.Err()
}

func (c *SSEClient) flush(eventID string, dataLines []string) {
	if len(dataLines) == 0 {
		return
	}
	if eventID != "" {
		c.lastEventID = eventID
	}
	raw := strings.Join(dataLines, "\n")
	msg, err := wire.ParseMessage([]byte(raw))
	if err != nil {
		c.logger.Warn().Err(err).Msg("dropping malformed sse event")
		return
	}
	c.emitter.Emit(msg)
}
