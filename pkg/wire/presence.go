package wire

// Status is a user's coarse availability.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusBusy, StatusOffline:
		return true
	}
	return false
}

// Location is where in the dashboard a user currently is.
type Location struct {
	Page        string `json:"page"`
	ContentID   string `json:"content_id,omitempty"`
	WorkspaceID string `json:"workspace_id,omitempty"`
}

// Position is a flat rune offset into the shared text buffer. Cursors,
// selections, and operations all use the same coordinate system.
type Position struct {
	Offset int `json:"offset"`
}

// Selection is a half-open [Start, End) rune range.
type Selection struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Presence is one user's full presence record.
type Presence struct {
	UserID        string     `json:"user_id"`
	DisplayName   string     `json:"display_name,omitempty"`
	AvatarURL     string     `json:"avatar_url,omitempty"`
	Status        Status     `json:"status"`
	CustomStatus  string     `json:"custom_status,omitempty"`
	Location      *Location  `json:"location,omitempty"`
	Cursor        *Position  `json:"cursor,omitempty"`
	Selection     *Selection `json:"selection,omitempty"`
	Typing        bool       `json:"typing,omitempty"`
	TypingContext string     `json:"typing_context,omitempty"`
	LastActiveMs  int64      `json:"last_active_ms"`
}

// PresenceStatePayload seeds a full room snapshot on attach.
type PresenceStatePayload struct {
	Users []Presence `json:"users"`
}

// PresenceUpdatePayload carries a single presence upsert.
type PresenceUpdatePayload struct {
	Presence Presence `json:"presence"`
}

// PresenceLeavePayload announces a departed user.
type PresenceLeavePayload struct {
	UserID string `json:"user_id"`
}

// TypingPayload toggles a typing indicator scoped to a context key.
type TypingPayload struct {
	UserID  string `json:"user_id"`
	Typing  bool   `json:"typing"`
	Context string `json:"context,omitempty"`
}
