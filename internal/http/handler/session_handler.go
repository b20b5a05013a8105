package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"peak-tracker-service/internal/http/response"
	"peak-tracker-service/internal/repository"
	"peak-tracker-service/internal/service"
)

type SessionHandler struct {
	svc    *service.SessionService
	logger *slog.Logger
}

func NewSessionHandler(svc *service.SessionService, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{svc: svc, logger: logger}
}

type createSessionRequest struct {
	Username string `json:"username"`
}

type joinSessionRequest struct {
	Username string `json:"username"`
}

type locationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Create starts a new session with the caller as sole member.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := requireDeviceID(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.svc.Create(r.Context(), req.Username, deviceID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, result)
}

// Join adds the caller to the session addressed by code and returns the
// seeded member list.
func (h *SessionHandler) Join(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := requireDeviceID(w, r)
	if !ok {
		return
	}
	var req joinSessionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	result, err := h.svc.Join(r.Context(), chi.URLParam(r, "code"), req.Username, deviceID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusCreated, result)
}

// Members lists the current membership of a live session.
func (h *SessionHandler) Members(w http.ResponseWriter, r *http.Request) {
	members, err := h.svc.Members(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, members)
}

// UpdateLocation writes the caller's own coordinates.
func (h *SessionHandler) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := requireDeviceID(w, r)
	if !ok {
		return
	}
	var req locationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION", "latitude and longitude are both required", nil)
		return
	}
	member, err := h.svc.ReportLocation(r.Context(), chi.URLParam(r, "member_id"), deviceID, *req.Latitude, *req.Longitude)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, member)
}

// Leave removes the caller's member row; repeating it is a no-op.
func (h *SessionHandler) Leave(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := requireDeviceID(w, r)
	if !ok {
		return
	}
	if err := h.svc.Leave(r.Context(), chi.URLParam(r, "member_id"), deviceID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]string{"status": "left"})
}

// Cleanup is the scheduler-facing sweep trigger.
func (h *SessionHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	cleaned, err := h.svc.CleanupExpired(r.Context())
	if err != nil {
		h.logger.Error("cleanup run failed", "error", err)
		response.Error(w, r, http.StatusInternalServerError, "CLEANUP_FAILED", err.Error(), nil)
		return
	}
	response.JSON(w, r, http.StatusOK, map[string]int64{"cleaned": cleaned})
}

func requireDeviceID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.Header.Get("X-Device-ID"))
	if id == "" || len(id) > 64 {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION", "missing or malformed X-Device-ID header", nil)
		return "", false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		response.Error(w, r, http.StatusBadRequest, "VALIDATION", "malformed request body", nil)
		return false
	}
	return true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, repository.ErrInvalidUsername),
		errors.Is(err, service.ErrInvalidCode),
		errors.Is(err, service.ErrInvalidCoordinates):
		response.Error(w, r, http.StatusBadRequest, "VALIDATION", err.Error(), nil)
	case errors.Is(err, repository.ErrSessionNotFound):
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "session not found", nil)
	case errors.Is(err, repository.ErrMemberNotFound):
		response.Error(w, r, http.StatusNotFound, "NOT_FOUND", "member not found", nil)
	default:
		response.Error(w, r, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "backend temporarily unavailable", nil)
	}
}
