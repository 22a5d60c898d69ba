package widget

import (
	"errors"
	"time"

	"github.com/capitalize-ai/copilot-chat/internal/model"
)

// ErrNotFound is returned for unknown conversation ids.
var ErrNotFound = errors.New("not found")

// ConversationView is a conversation as listed by the widget.
type ConversationView struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Active    bool      `json:"active"`
	Unread    bool      `json:"unread"`
}

// Snapshot is the observable state of the widget.
type Snapshot struct {
	WidgetID      string             `json:"widget_id"`
	Assistant     *model.Assistant   `json:"assistant,omitempty"`
	Assistants    []model.Assistant  `json:"assistants"`
	Notice        string             `json:"notice,omitempty"`
	Conversations []ConversationView `json:"conversations"`
	Active        string             `json:"active_conversation_id,omitempty"`
	Messages      []model.Message    `json:"messages"`
	Loading       bool               `json:"loading"`
	State         string             `json:"state"`
	ContextTitle  string             `json:"context_title,omitempty"`
	Files         []model.FileRef    `json:"files,omitempty"`
	FilesLabel    string             `json:"files_label,omitempty"`
	Draft         string             `json:"draft,omitempty"`
}

// Snapshot returns the current state.
func (w *Widget) Snapshot() Snapshot {
	w.mu.RLock()
	labels := w.labels
	draft := w.draft
	w.mu.RUnlock()

	active := w.registry.Active()
	conversations := w.registry.Conversations()
	views := make([]ConversationView, 0, len(conversations))
	for _, c := range conversations {
		title := c.TitleText()
		if title == "" {
			title = labels.Get(model.LabelUntitled, "")
		}
		views = append(views, ConversationView{
			ID:        c.ID,
			Title:     title,
			CreatedAt: c.CreatedAt,
			Active:    c.ID == active,
			Unread:    w.registry.IsUnread(c.ID),
		})
	}

	snap := Snapshot{
		WidgetID:      w.id,
		Assistant:     w.assistants.Current(),
		Assistants:    w.assistants.List(),
		Conversations: views,
		Active:        active,
		Messages:      w.timeline.Messages(),
		Loading:       w.session.Loading(),
		State:         w.session.State().String(),
		ContextTitle:  w.pending.ContextTitle(),
		Files:         w.pending.Files(),
		Draft:         draft,
	}
	if !w.assistants.Available() {
		snap.Notice = labels.Get(model.LabelNoAssistant, DefaultNoAssistant)
	}
	if n := len(snap.Files); n > 0 {
		snap.FilesLabel = labels.FormatCount(model.LabelFilesUploaded, n)
	}
	return snap
}
