package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/chatexport/backend/internal/auth"
	"github.com/chatexport/backend/internal/initdata"
	"github.com/chatexport/backend/internal/logging"
	"github.com/chatexport/backend/internal/metrics"
	"github.com/chatexport/backend/internal/telegram"
)

// AuthHandler implements the sign-in handshake endpoints. Request bodies
// carry the signed web-client payload plus the step input; the payload is
// verified by the handshake service before anything else happens.
type AuthHandler struct {
	Handshake HandshakeService
	Limiter   RateLimiter
	Metrics   metrics.Recorder
}

type authRequest struct {
	InitData string `json:"init_data"`
	Phone    string `json:"phone,omitempty"`
	Code     string `json:"code,omitempty"`
	Password string `json:"password,omitempty"`
}

// SendCode handles POST /auth/send_code.
func (h AuthHandler) SendCode(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, "send_code", func(ctx context.Context, req authRequest) (any, error) {
		if strings.TrimSpace(req.Phone) == "" {
			return nil, telegram.ErrInvalidPhone
		}
		if err := h.Handshake.RequestCode(ctx, req.InitData, req.Phone); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})
}

// ConfirmCode handles POST /auth/confirm_code.
func (h AuthHandler) ConfirmCode(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, "confirm_code", func(ctx context.Context, req authRequest) (any, error) {
		needPassword, err := h.Handshake.ConfirmCode(ctx, req.InitData, req.Code)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true, "need_password": needPassword}, nil
	})
}

// ConfirmPassword handles POST /auth/confirm_password.
func (h AuthHandler) ConfirmPassword(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, "confirm_password", func(ctx context.Context, req authRequest) (any, error) {
		if err := h.Handshake.ConfirmPassword(ctx, req.InitData, req.Password); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})
}

// Cancel handles POST /auth/cancel.
func (h AuthHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, "cancel", func(ctx context.Context, req authRequest) (any, error) {
		if err := h.Handshake.Cancel(ctx, req.InitData); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})
}

// Logout handles POST /auth/logout.
func (h AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, "logout", func(ctx context.Context, req authRequest) (any, error) {
		if err := h.Handshake.Logout(ctx, req.InitData); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil
	})
}

// Status handles POST /auth/status.
func (h AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	h.step(w, r, "status", func(ctx context.Context, req authRequest) (any, error) {
		authenticated, err := h.Handshake.Status(ctx, req.InitData)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true, "authenticated": authenticated}, nil
	})
}

// step runs the shared plumbing around one handshake endpoint: method check,
// rate limit, body decode, error mapping, and metrics.
func (h AuthHandler) step(w http.ResponseWriter, r *http.Request, name string, run func(context.Context, authRequest) (any, error)) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()
	logger := logging.FromContext(ctx)

	if h.Handshake == nil {
		logger.Error("handshake service unavailable", "step", name)
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "authentication service unavailable"})
		return
	}

	if !allowRequest(h.Limiter, r, "auth") {
		logger.Warn("auth request rate limited", "step", name)
		respondJSON(ctx, w, http.StatusTooManyRequests, map[string]string{"error": "too many requests"})
		return
	}

	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid auth payload", "step", name, "error", err)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if strings.TrimSpace(req.InitData) == "" {
		logger.Warn("auth payload missing init data", "step", name)
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "init_data is required"})
		return
	}

	payload, err := run(ctx, req)
	if err != nil {
		h.record(name, "error")
		writeHandshakeError(ctx, w, name, err)
		return
	}

	h.record(name, "ok")
	respondJSON(ctx, w, http.StatusOK, payload)
}

func (h AuthHandler) record(step, outcome string) {
	if h.Metrics != nil {
		h.Metrics.RecordAuthStep(step, outcome)
	}
}

// writeHandshakeError maps handshake failures onto status codes. Messages
// stay generic; step inputs are never echoed back or logged.
func writeHandshakeError(ctx context.Context, w http.ResponseWriter, step string, err error) {
	logger := logging.FromContext(ctx)

	var floodErr *telegram.FloodWaitError
	switch {
	case errors.Is(err, initdata.ErrSignatureInvalid),
		errors.Is(err, initdata.ErrPayloadExpired),
		errors.Is(err, initdata.ErrPayloadMalformed):
		logger.Warn("rejected unverified payload", "step", step, "error", err)
		respondJSON(ctx, w, http.StatusForbidden, map[string]string{"error": "payload verification failed"})

	case errors.Is(err, auth.ErrNoPendingLogin):
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "no sign-in in progress"})

	case errors.Is(err, telegram.ErrInvalidPhone):
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid phone number"})

	case errors.Is(err, telegram.ErrInvalidCode):
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid verification code"})

	case errors.Is(err, telegram.ErrInvalidPassword):
		respondJSON(ctx, w, http.StatusBadRequest, map[string]string{"error": "invalid password"})

	case errors.As(err, &floodErr):
		retryAfter := int(floodErr.RetryAfter.Seconds())
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		respondJSON(ctx, w, http.StatusTooManyRequests, map[string]any{
			"error":       "rate limited by platform",
			"retry_after": retryAfter,
		})

	default:
		logger.Error("handshake step failed", "step", step, "error", err)
		respondJSON(ctx, w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func respondJSON(ctx context.Context, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logging.FromContext(ctx).Error("encode response body", "status", status, "error", err)
		return
	}

	logger := logging.FromContext(ctx)
	switch {
	case status >= http.StatusInternalServerError:
		logger.Error("request failed", "status", status, "response", payload)
	case status >= http.StatusBadRequest:
		logger.Warn("request returned client error", "status", status, "response", payload)
	}
}
