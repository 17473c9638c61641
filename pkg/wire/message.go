package wire

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// Message is the envelope carried on every websocket frame and SSE event.
// Type selects the payload schema, Topic scopes fan-out on the hub side.
type Message struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic,omitempty"`
	SenderID  string          `json:"sender_id,omitempty"`
	Timestamp int64           `json:"ts,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Message types. Every payload struct below maps to exactly one of these.
const (
	TypeHello       = "ws.hello"
	TypePing        = "ws.ping"
	TypePong        = "ws.pong"
	TypeError       = "error"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"

	TypePresenceState  = "presence.state"
	TypePresenceUpdate = "presence.update"
	TypePresenceLeave  = "presence.leave"
	TypePresenceTyping = "presence.typing"

	TypeCollabOperation = "collab.operation"
	TypeCollabCursor    = "collab.cursor"
	TypeCollabSelection = "collab.selection"

	TypePublishStart  = "publish.start"
	TypePublishCancel = "publish.cancel"
	TypePublishRetry  = "publish.retry"
	TypePublishJob    = "publish.job"

	TypeAnalyticsBatch = "analytics.batch"
)

// NewMessage builds an envelope with the payload marshaled into Data.
func NewMessage(msgType, topic, senderID string, payload any) (Message, error) {
	msg := Message{
		Type:      msgType,
		Topic:     topic,
		SenderID:  senderID,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, errors.Wrapf(err, "marshal %s payload", msgType)
		}
		msg.Data = data
	}
	return msg, nil
}

// Decode unmarshals the envelope payload into out, rejecting empty payloads.
// Malformed server payloads surface here as a decode error instead of
// undefined field access further down the pipeline.
func (m Message) Decode(out any) error {
	if len(m.Data) == 0 {
		return errors.Errorf("message %s has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Data, out); err != nil {
		return errors.Wrapf(err, "decode %s payload", m.Type)
	}
	return nil
}

// Encode marshals the full envelope for the wire.
func (m Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.Wrap(err, "encode message")
	}
	return b, nil
}

// ParseMessage decodes a raw frame into an envelope.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, errors.Wrap(err, "parse message envelope")
	}
	if msg.Type == "" {
		return Message{}, errors.New("message has empty type")
	}
	return msg, nil
}

// HelloPayload acknowledges a successful attach.
type HelloPayload struct {
	SessionID    string `json:"session_id"`
	ServerTimeMs int64  `json:"server_time_ms"`
}

// ErrorPayload carries a hub-side error back to the client.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// SubscribePayload registers or removes server-side interest in a topic.
type SubscribePayload struct {
	Topic string `json:"topic"`
}
