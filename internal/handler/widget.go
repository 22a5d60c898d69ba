// Package handler exposes the chat widget and its host bridge over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/copilot-chat/internal/assistant"
	"github.com/capitalize-ai/copilot-chat/internal/middleware"
	"github.com/capitalize-ai/copilot-chat/internal/widget"
	"github.com/capitalize-ai/copilot-chat/pkg/logger"
)

// Widget is the chat widget driven by the handlers.
type Widget interface {
	Readiness
	Snapshot() widget.Snapshot
	// Version changes whenever Snapshot may return something new.
	Version() uint64
	Submit(ctx context.Context, input string) error
	NewConversation()
	OpenConversation(ctx context.Context, id string) error
	SelectAssistant(ctx context.Context, appID string) error
	AttachFiles(ctx context.Context, uploads []widget.Upload) error
}

// WidgetHandler handles the widget state endpoints.
type WidgetHandler struct {
	widget Widget
	logger *logger.Logger
}

// NewWidgetHandler creates a new widget handler.
func NewWidgetHandler(w Widget, log *logger.Logger) *WidgetHandler {
	return &WidgetHandler{
		widget: w,
		logger: logger.OrGlobal(log).Named("handler"),
	}
}

// SelectAssistantRequest is the body of PUT /widget/assistant.
type SelectAssistantRequest struct {
	AppID string `json:"app_id"`
}

// Get handles GET /api/v1/widget
func (h *WidgetHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.widget.Snapshot())
}

// SelectAssistant handles PUT /api/v1/widget/assistant
func (h *WidgetHandler) SelectAssistant(w http.ResponseWriter, r *http.Request) {
	var req SelectAssistantRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := middleware.ValidateAssistantID(req.AppID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.widget.SelectAssistant(r.Context(), req.AppID); err != nil {
		if errors.Is(err, assistant.ErrUnknownAssistant) {
			writeError(w, http.StatusNotFound, "assistant not found")
			return
		}
		h.logger.Error("failed to select assistant",
			zap.String("app_id", req.AppID),
			zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to select assistant")
		return
	}

	writeJSON(w, http.StatusOK, h.widget.Snapshot())
}
