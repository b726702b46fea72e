package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/chatexport/backend/internal/export"
	"github.com/chatexport/backend/internal/logging"
	"github.com/chatexport/backend/internal/metrics"
	"github.com/chatexport/backend/internal/models"
	"github.com/chatexport/backend/internal/telegram"
)

// ExportHandler implements the export endpoint on the worker service.
type ExportHandler struct {
	Exports Exporter
	Metrics metrics.Recorder
}

type exportRequest struct {
	UserID   int64  `json:"user_id"`
	ChatID   int64  `json:"chat_id"`
	ChatKind string `json:"chat_kind"`
	Title    string `json:"title"`
	Limit    int    `json:"limit,omitempty"`
}

type exportResponse struct {
	Mode     string `json:"mode"`
	Messages int    `json:"messages"`
	Location string `json:"location,omitempty"`
}

// Run handles POST /export/run.
func (h ExportHandler) Run(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Exports == nil {
		logger.Error("export service unavailable")
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "export service unavailable"})
		return
	}

	var req exportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid export payload", "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.UserID == 0 || req.ChatID == 0 {
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "user_id and chat_id are required"})
		return
	}

	result, err := h.Exports.Run(ctx, export.Request{
		UserID: req.UserID,
		ChatID: req.ChatID,
		Kind:   models.ChatKind(req.ChatKind),
		Title:  req.Title,
		Limit:  req.Limit,
	})
	if err != nil {
		h.writeError(w, r, req, err)
		return
	}

	if h.Metrics != nil {
		h.Metrics.RecordExport(string(result.Mode))
		h.Metrics.RecordExportedMessages(result.Messages)
	}

	logger.Info("export completed",
		"userId", req.UserID,
		"chatId", req.ChatID,
		"mode", result.Mode,
		"messages", result.Messages,
	)

	respondJSON(ctx, w, http.StatusOK, exportResponse{
		Mode:     string(result.Mode),
		Messages: result.Messages,
		Location: result.Location,
	})
}

func (h ExportHandler) writeError(w http.ResponseWriter, r *http.Request, req exportRequest, err error) {
	ctx := r.Context()
	logger := logging.FromContext(ctx)

	var floodErr *telegram.FloodWaitError
	switch {
	case errors.Is(err, export.ErrInvalidChatKind):
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid chat kind"})

	case errors.Is(err, export.ErrNotAuthenticated):
		respondJSON(ctx, w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})

	case errors.As(err, &floodErr):
		retryAfter := int(floodErr.RetryAfter.Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		respondJSON(ctx, w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limited by platform",
			"retry_after": retryAfter,
		})

	default:
		logger.Error("export failed", "userId", req.UserID, "chatId", req.ChatID, "error", err)
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}
