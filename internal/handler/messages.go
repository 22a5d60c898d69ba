package handler

import (
	"errors"
	"mime/multipart"
	"net/http"

	"go.uber.org/zap"

	"github.com/capitalize-ai/copilot-chat/internal/middleware"
	"github.com/capitalize-ai/copilot-chat/internal/session"
	"github.com/capitalize-ai/copilot-chat/internal/widget"
	"github.com/capitalize-ai/copilot-chat/pkg/logger"
)

// maxUploadBytes bounds a multipart upload request.
const maxUploadBytes = 32 << 20

// MessageHandler handles question and attachment endpoints.
type MessageHandler struct {
	widget Widget
	logger *logger.Logger
}

// NewMessageHandler creates a new message handler.
func NewMessageHandler(w Widget, log *logger.Logger) *MessageHandler {
	return &MessageHandler{
		widget: w,
		logger: logger.OrGlobal(log).Named("handler"),
	}
}

// AskRequest is the body of POST /widget/questions.
type AskRequest struct {
	Question string `json:"question"`
}

// List handles GET /api/v1/widget/messages
func (h *MessageHandler) List(w http.ResponseWriter, r *http.Request) {
	snap := h.widget.Snapshot()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": snap.Messages,
		"loading":  snap.Loading,
	})
}

// Ask handles POST /api/v1/widget/questions
// The answer streams into the timeline; clients follow it via /widget/events.
func (h *MessageHandler) Ask(w http.ResponseWriter, r *http.Request) {
	var req AskRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := middleware.ValidateQuestion(req.Question); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.widget.Submit(r.Context(), req.Question); err != nil {
		switch {
		case errors.Is(err, session.ErrBusy):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, session.ErrNoAssistant):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case errors.Is(err, session.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			h.logger.Error("failed to submit question",
				zap.String("correlation_id", middleware.GetCorrelationID(r.Context())),
				zap.Error(err),
			)
			writeError(w, http.StatusBadGateway, "failed to submit question")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, h.widget.Snapshot())
}

// AttachFiles handles POST /api/v1/widget/files
func (h *MessageHandler) AttachFiles(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, "no files provided")
		return
	}

	uploads := make([]widget.Upload, 0, len(headers))
	var opened []multipart.File
	defer func() {
		for _, f := range opened {
			f.Close()
		}
	}()

	for _, fh := range headers {
		if err := middleware.ValidateFileName(fh.Filename); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed to read upload")
			return
		}
		opened = append(opened, f)
		uploads = append(uploads, widget.Upload{Name: fh.Filename, Content: f})
	}

	if err := h.widget.AttachFiles(r.Context(), uploads); err != nil {
		h.logger.Error("failed to attach files", zap.Int("count", len(uploads)), zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to upload files")
		return
	}

	writeJSON(w, http.StatusOK, h.widget.Snapshot())
}
