package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/copilot-chat/internal/middleware"
	"github.com/capitalize-ai/copilot-chat/pkg/logger"
	"github.com/capitalize-ai/copilot-chat/pkg/metrics"
)

// StreamHandler pushes widget snapshots to hosts over SSE.
type StreamHandler struct {
	widget    Widget
	logger    *logger.Logger
	poll      time.Duration
	heartbeat time.Duration
}

// NewStreamHandler creates a new stream handler. The widget version is checked
// every poll interval and a snapshot is sent when it moved.
func NewStreamHandler(w Widget, poll, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	if heartbeat <= 0 {
		heartbeat = 30 * time.Second
	}
	return &StreamHandler{
		widget:    w,
		logger:    logger.OrGlobal(log).Named("handler"),
		poll:      poll,
		heartbeat: heartbeat,
	}
}

// Events handles GET /api/v1/widget/events
func (h *StreamHandler) Events(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	log := h.logger.With(
		zap.String("window_id", middleware.GetWindowID(ctx)),
		zap.String("correlation_id", middleware.GetCorrelationID(ctx)),
	)

	version := h.widget.Version()
	last, err := json.Marshal(h.widget.Snapshot())
	if err != nil {
		log.Error("failed to encode snapshot", zap.Error(err))
		return
	}
	if err := sendSSERaw(w, flusher, "snapshot", last); err != nil {
		return
	}

	poll := time.NewTicker(h.poll)
	defer poll.Stop()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("event stream client disconnected")
			return

		case <-poll.C:
			v := h.widget.Version()
			if v == version {
				continue
			}
			version = v

			next, err := json.Marshal(h.widget.Snapshot())
			if err != nil {
				log.Error("failed to encode snapshot", zap.Error(err))
				continue
			}
			if bytes.Equal(next, last) {
				continue
			}
			last = next
			if err := sendSSERaw(w, flusher, "snapshot", next); err != nil {
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", map[string]time.Time{
				"timestamp": time.Now(),
			}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return sendSSERaw(w, flusher, event, jsonData)
}

func sendSSERaw(w http.ResponseWriter, flusher http.Flusher, event string, data []byte) error {
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
