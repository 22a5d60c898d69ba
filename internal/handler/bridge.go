package handler

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/copilot-chat/internal/bridge"
	"github.com/capitalize-ai/copilot-chat/internal/middleware"
	"github.com/capitalize-ai/copilot-chat/pkg/logger"
)

// Queue accepts host messages for dispatch.
type Queue interface {
	Push(env bridge.Envelope) error
}

// BridgeHandler receives host messages posted over HTTP.
type BridgeHandler struct {
	queue  Queue
	logger *logger.Logger
}

// NewBridgeHandler creates a new bridge handler.
func NewBridgeHandler(q Queue, log *logger.Logger) *BridgeHandler {
	return &BridgeHandler{
		queue:  q,
		logger: logger.OrGlobal(log).Named("handler"),
	}
}

// Push handles POST /api/v1/bridge/messages
func (h *BridgeHandler) Push(w http.ResponseWriter, r *http.Request) {
	var env bridge.Envelope
	if err := decodeJSON(w, r, &env); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := middleware.ValidateMessageType(env.Type); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	env.Source = "http"

	if err := h.queue.Push(env); err != nil {
		if errors.Is(err, bridge.ErrQueueFull) || errors.Is(err, bridge.ErrClosed) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		h.logger.Error("failed to queue host message",
			zap.String("type", env.Type),
			zap.String("host_id", middleware.GetHostID(r.Context())),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to queue message")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status": "queued",
		"type":   env.Type,
	})
}
