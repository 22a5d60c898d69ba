// Package timeline holds the rendered messages of the active conversation.
package timeline

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/capitalize-ai/copilot-chat/internal/model"
)

// Glyphs prefixed to ephemeral status messages.
const (
	GlyphWait = "⏳ "
	GlyphTool = "🛠️ "
	GlyphNode = "🤖 "
)

// DefaultProcessing is the wait text used when no label is loaded.
const DefaultProcessing = "Processing..."

// Incoming is the content of a message to append.
type Incoming struct {
	MessageID string
	Text      string
	Response  json.RawMessage
}

// Attachments are the context title and files a question was sent with.
type Attachments struct {
	ContextTitle string
	Files        []model.FileRef
}

// Scroller is told to scroll to the end after every change.
type Scroller interface {
	ScrollToEnd()
}

// Timeline is the ordered message list of the active conversation.
type Timeline struct {
	mu          sync.Mutex
	messages    []model.Message
	labels   model.Labels
	scroller Scroller
	now      func() time.Time
	version  atomic.Uint64
}

// Option configures a Timeline.
type Option func(*Timeline)

// WithScroller sets the scroll target.
func WithScroller(s Scroller) Option {
	return func(t *Timeline) { t.scroller = s }
}

// WithClock sets the clock used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(t *Timeline) { t.now = now }
}

// New creates an empty timeline.
func New(opts ...Option) *Timeline {
	t := &Timeline{now: time.Now}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetLabels sets the label map used for generated messages.
func (t *Timeline) SetLabels(labels model.Labels) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.labels = labels
}

// Append adds a message of role. Consecutive status messages collapse into the
// last slot: the last message is replaced when it is a tool, node or wait
// message and the new one has the same role, is a bot message, or follows a
// wait.
func (t *Timeline) Append(role model.Role, in Incoming) model.Message {
	t.mu.Lock()
	msg := t.build(role, in)
	t.putLocked(msg)
	t.mu.Unlock()

	t.changed()
	return msg
}

// AppendQuestion adds the user's question with the attachments it was sent
// with, followed by the processing wait message.
func (t *Timeline) AppendQuestion(text string, att Attachments) model.Message {
	t.mu.Lock()
	msg := t.build(model.RoleUser, Incoming{Text: text})
	msg.Context = att.ContextTitle
	if len(att.Files) > 0 {
		msg.Files = append([]model.FileRef(nil), att.Files...)
	}
	t.putLocked(msg)
	t.putLocked(t.build(model.RoleWait, Incoming{Text: t.labels.Get(model.LabelProcessing, DefaultProcessing)}))
	t.mu.Unlock()

	t.changed()
	return msg
}

func (t *Timeline) build(role model.Role, in Incoming) model.Message {
	text := in.Text
	if rendered := model.RawText(in.Response); rendered != "" {
		text = rendered
	}

	switch role {
	case model.RoleWait:
		text = GlyphWait + text
	case model.RoleTool:
		text = GlyphTool + text
	case model.RoleNode:
		text = GlyphNode + text
	}

	return model.Message{
		MessageID: in.MessageID,
		Role:      role,
		Text:      text,
		Timestamp: model.FormatClock(t.now()),
	}
}

func (t *Timeline) putLocked(msg model.Message) {
	if n := len(t.messages); n > 0 && replaces(t.messages[n-1].Role, msg.Role) {
		t.messages[n-1] = msg
		return
	}
	t.messages = append(t.messages, msg)
}

// replaces reports whether a message of role overwrites a last message of role last.
func replaces(last, role model.Role) bool {
	if !last.IsEphemeral() {
		return false
	}
	return role == last || role == model.RoleBot || last == model.RoleWait
}

// Reset clears the timeline.
func (t *Timeline) Reset() {
	t.mu.Lock()
	t.messages = nil
	t.mu.Unlock()
	t.changed()
}

// Load replaces the timeline with persisted messages.
func (t *Timeline) Load(messages []model.Message) {
	t.mu.Lock()
	t.messages = append([]model.Message(nil), messages...)
	t.mu.Unlock()
	t.changed()
}

// Messages returns a copy of the timeline.
func (t *Timeline) Messages() []model.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]model.Message(nil), t.messages...)
}

// Len returns the number of messages.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Last returns the last message.
func (t *Timeline) Last() (model.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.messages) == 0 {
		return model.Message{}, false
	}
	return t.messages[len(t.messages)-1], true
}

// Version increases on every change to the messages.
func (t *Timeline) Version() uint64 {
	return t.version.Load()
}

// changed records a mutation and scrolls to the end.
func (t *Timeline) changed() {
	t.version.Add(1)
	if t.scroller != nil {
		t.scroller.ScrollToEnd()
	}
}

// FromHistory maps persisted backend messages to timeline messages. Only
// "user" (any case) is kept as a user role, everything else renders as bot.
// A missing timestamp is stamped with now.
func FromHistory(history []model.HistoryMessage, now time.Time) []model.Message {
	out := make([]model.Message, 0, len(history))
	for _, h := range history {
		role := model.RoleBot
		if strings.EqualFold(strings.TrimSpace(h.Role), string(model.RoleUser)) {
			role = model.RoleUser
		}
		ts := h.Timestamp
		if ts == "" {
			ts = model.FormatClock(now)
		}
		out = append(out, model.Message{Role: role, Text: h.Content, Timestamp: ts})
	}
	return out
}
