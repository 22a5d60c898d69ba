package model

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"
)

// Role represents the role of a timeline message.
type Role string

const (
	RoleUser  Role = "user"
	RoleBot   Role = "bot"
	RoleTool  Role = "tool"
	RoleNode  Role = "node"
	RoleWait  Role = "wait"
	RoleError Role = "error"
	RoleDebug Role = "debug"

	// roleAssistant is the legacy name the backend may still send for bot messages.
	roleAssistant Role = "assistant"
)

// ParseRole normalizes a role received from the backend. Unknown and empty roles
// map to RoleBot.
func ParseRole(s string) Role {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleUser, RoleBot, RoleTool, RoleNode, RoleWait, RoleError, RoleDebug:
		return r
	case roleAssistant:
		return RoleBot
	default:
		return RoleBot
	}
}

// IsEphemeral reports whether messages of this role collapse into a single slot.
func (r Role) IsEphemeral() bool {
	return r == RoleTool || r == RoleNode || r == RoleWait
}

// FileRef names a file attached to a user message.
type FileRef struct {
	Name string `json:"name"`
}

// Message is a rendered entry of the message timeline.
type Message struct {
	MessageID string    `json:"message_id,omitempty"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp string    `json:"timestamp"`
	Files     []FileRef `json:"files,omitempty"`
	Context   string    `json:"context,omitempty"`
}

// HistoryMessage is a persisted message returned by the conversationMessages endpoint.
type HistoryMessage struct {
	Content   string `json:"content"`
	Role      string `json:"role"`
	Timestamp string `json:"timestamp,omitempty"`
}

// StreamFrame is one decoded server-sent event of a question stream.
type StreamFrame struct {
	Answer *Answer `json:"answer"`
}

// Answer is the payload of a stream frame.
type Answer struct {
	ConversationID string          `json:"conversation_id,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	Role           string          `json:"role,omitempty"`
	Response       json.RawMessage `json:"response,omitempty"`
}

// ResponseText renders the response as display text. Strings are returned as-is,
// structured values are pretty-printed, null and missing responses yield "".
func (a *Answer) ResponseText() string {
	if a == nil {
		return ""
	}
	return RawText(a.Response)
}

// RawText renders a raw JSON value as display text.
func RawText(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}

	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}

	var out bytes.Buffer
	if err := json.Indent(&out, trimmed, "", "  "); err != nil {
		return string(trimmed)
	}
	return out.String()
}

// HostContext is structured context pushed by the embedding host.
type HostContext struct {
	Title   string
	Payload map[string]any
}

// ClockFormat is the layout used for message timestamps.
const ClockFormat = "15:04"

// FormatClock formats t as a message timestamp.
func FormatClock(t time.Time) string {
	return t.Format(ClockFormat)
}
