package handler

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/copilot-chat/internal/middleware"
	"github.com/capitalize-ai/copilot-chat/internal/widget"
	"github.com/capitalize-ai/copilot-chat/pkg/logger"
)

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	widget Widget
	logger *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(w Widget, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		widget: w,
		logger: logger.OrGlobal(log).Named("handler"),
	}
}

// List handles GET /api/v1/widget/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	snap := h.widget.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conversations":          snap.Conversations,
		"active_conversation_id": snap.Active,
	})
}

// New handles POST /api/v1/widget/conversations
func (h *ConversationHandler) New(w http.ResponseWriter, r *http.Request) {
	h.widget.NewConversation()
	writeJSON(w, http.StatusCreated, h.widget.Snapshot())
}

// Open handles POST /api/v1/widget/conversations/{id}/open
func (h *ConversationHandler) Open(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.widget.OpenConversation(r.Context(), id); err != nil {
		if errors.Is(err, widget.ErrNotFound) {
			writeError(w, http.StatusNotFound, "conversation not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to open conversation")
		return
	}

	writeJSON(w, http.StatusOK, h.widget.Snapshot())
}
