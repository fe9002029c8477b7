package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/database"
)

// SessionsHandler handles class session endpoints
type SessionsHandler struct {
	recognizer *attendance.Recognizer
}

// NewSessionsHandler creates a new sessions handler
func NewSessionsHandler(recognizer *attendance.Recognizer) *SessionsHandler {
	return &SessionsHandler{recognizer: recognizer}
}

type sessionResponse struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Subject      string `json:"subject,omitempty"`
	Teacher      string `json:"teacher,omitempty"`
	Department   string `json:"department,omitempty"`
	Year         string `json:"year,omitempty"`
	Section      string `json:"section,omitempty"`
	StartsAt     string `json:"starts_at"`
	EndsAt       string `json:"ends_at,omitempty"`
	GraceMinutes int    `json:"grace_minutes"`
	IsActive     bool   `json:"is_active"`
}

func toSessionResponse(s *database.ClassSession) sessionResponse {
	return sessionResponse{
		ID:           s.ID,
		Name:         s.Name,
		Subject:      s.Subject,
		Teacher:      s.Teacher,
		Department:   s.Department,
		Year:         s.Year,
		Section:      s.Section,
		StartsAt:     s.StartsAt,
		EndsAt:       s.EndsAt,
		GraceMinutes: s.GraceMinutes,
		IsActive:     s.IsActive,
	}
}

// List returns all class sessions.
func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	sw := getSessionWriter(r, w)
	if sw == nil {
		return
	}

	sessions, err := sw.ListSessions(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}

	result := make([]sessionResponse, len(sessions))
	for i := range sessions {
		result[i] = toSessionResponse(&sessions[i])
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": result})
}

type createSessionRequest struct {
	Name         string `json:"name" validate:"required,min=2,max=128"`
	Subject      string `json:"subject" validate:"omitempty,max=128"`
	Teacher      string `json:"teacher" validate:"omitempty,max=128"`
	Department   string `json:"department"`
	Year         string `json:"year"`
	Section      string `json:"section"`
	StartsAt     string `json:"starts_at" validate:"required"`
	EndsAt       string `json:"ends_at"`
	GraceMinutes int    `json:"grace_minutes" validate:"gte=0,lte=180"`
}

// Create adds a new class session. Sessions are created inactive; Activate
// switches the recognition window over.
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	sw := getSessionWriter(r, w)
	if sw == nil {
		return
	}

	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if _, err := time.Parse("15:04", req.StartsAt); err != nil {
		respondError(w, http.StatusBadRequest, "starts_at must be HH:MM")
		return
	}
	if req.EndsAt != "" {
		if _, err := time.Parse("15:04", req.EndsAt); err != nil {
			respondError(w, http.StatusBadRequest, "ends_at must be HH:MM")
			return
		}
	}

	session := &database.ClassSession{
		Name:         req.Name,
		Subject:      req.Subject,
		Teacher:      req.Teacher,
		Department:   req.Department,
		Year:         req.Year,
		Section:      req.Section,
		StartsAt:     req.StartsAt,
		EndsAt:       req.EndsAt,
		GraceMinutes: req.GraceMinutes,
	}
	id, err := sw.SaveSession(r.Context(), session)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to save session")
		return
	}
	session.ID = id
	respondJSON(w, http.StatusCreated, toSessionResponse(session))
}

// Activate marks one session active and deactivates all others. A running
// recognition session is refreshed so the new grace window takes effect
// immediately.
func (h *SessionsHandler) Activate(w http.ResponseWriter, r *http.Request) {
	sw := getSessionWriter(r, w)
	if sw == nil {
		return
	}
	id, ok := parseIDParam(r, w)
	if !ok {
		return
	}

	session, err := sw.GetSession(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	if session == nil {
		respondError(w, http.StatusNotFound, "session not found")
		return
	}

	if err := sw.Activate(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to activate session")
		return
	}
	session.IsActive = true

	response := map[string]any{"session": toSessionResponse(session)}
	if h.recognizer != nil && h.recognizer.Running() {
		if err := h.recognizer.Refresh(r.Context()); err != nil {
			// The activation itself stuck; the stale window corrects on
			// the next frame.
			log.Printf("warning: gallery refresh after activation failed: %v", err)
			response["warning"] = "session activated but gallery refresh failed"
		}
	}
	respondJSON(w, http.StatusOK, response)
}
