// Package model defines data structures shared by the copilot chat widget.
package model

import (
	"strconv"
	"strings"
	"time"
)

// Assistant is a selectable backend assistant.
type Assistant struct {
	AppID string `json:"app_id"`
	Name  string `json:"name"`
}

// Conversation is a persisted conversation with an assistant.
type Conversation struct {
	ID        string    `json:"id"`
	Title     *string   `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// TitleText returns the title, or "" when it is unset.
func (c Conversation) TitleText() string {
	if c.Title == nil {
		return ""
	}
	return *c.Title
}

// WithTitle returns a copy of c carrying title.
func (c Conversation) WithTitle(title string) Conversation {
	c.Title = &title
	return c
}

// GenerateTitleRequest is the body of a title generation call.
type GenerateTitleRequest struct {
	ConversationID string `json:"conversation_id"`
}

// GenerateTitleResponse is returned by the title generation endpoint.
type GenerateTitleResponse struct {
	Title string `json:"title"`
}

// CacheQuestionRequest stores an oversized question server side.
type CacheQuestionRequest struct {
	Question string `json:"question"`
}

// Labels maps label keys to localized strings.
type Labels map[string]string

// Label keys used by the widget.
const (
	LabelProcessing          = "ETCOP_Processing"
	LabelCurrentConversation = "ETCOP_CurrentConversation"
	LabelGeneratingTitle     = "ETCOP_GeneratingTitle"
	LabelUntitled            = "ETCOP_Untitled"
	LabelNoAssistant         = "ETCOP_NoAssistant"
	LabelConnError           = "ETCOP_ConnError"
	LabelWelcomeGreeting     = "ETCOP_Welcome_Greeting"
	LabelWelcomeMessage      = "ETCOP_Welcome_Message"
	LabelFilesUploaded       = "ETCOP_FilesUploaded"
)

// Get returns the label for key, or fallback when it is missing or blank.
func (l Labels) Get(key, fallback string) string {
	if v, ok := l[key]; ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

// FormatCount replaces the first %s in the label with n. It returns "" when the
// label has no placeholder.
func (l Labels) FormatCount(key string, n int) string {
	label := l[key]
	if !strings.Contains(label, "%s") {
		return ""
	}
	return strings.Replace(label, "%s", strconv.Itoa(n), 1)
}
