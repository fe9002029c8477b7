package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/constants"
	"github.com/kozaktomas/rollcall/internal/database"
)

// LeavesHandler handles leave request endpoints
type LeavesHandler struct {
	service *attendance.Service
}

// NewLeavesHandler creates a new leaves handler
func NewLeavesHandler(service *attendance.Service) *LeavesHandler {
	return &LeavesHandler{service: service}
}

type leaveResponse struct {
	ID          int64  `json:"id"`
	StudentID   string `json:"student_id"`
	StudentName string `json:"student_name,omitempty"`
	LeaveType   string `json:"leave_type"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
	Reason      string `json:"reason,omitempty"`
	Status      string `json:"status"`
	ReviewedBy  string `json:"reviewed_by,omitempty"`
	ReviewedAt  string `json:"reviewed_at,omitempty"`
	ReviewNotes string `json:"review_notes,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func toLeaveResponse(l *database.LeaveRequest) leaveResponse {
	resp := leaveResponse{
		ID:          l.ID,
		StudentID:   l.StudentID,
		StudentName: l.StudentName,
		LeaveType:   l.LeaveType,
		StartDate:   l.StartDate.Format(dateLayout),
		EndDate:     l.EndDate.Format(dateLayout),
		Reason:      l.Reason,
		Status:      l.Status,
		ReviewedBy:  l.ReviewedBy,
		ReviewNotes: l.ReviewNotes,
		CreatedAt:   l.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
	if l.ReviewedAt != nil {
		resp.ReviewedAt = l.ReviewedAt.Format("2006-01-02T15:04:05Z")
	}
	return resp
}

type createLeaveRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	LeaveType string `json:"leave_type" validate:"required,max=32"`
	StartDate string `json:"start_date" validate:"required"`
	EndDate   string `json:"end_date" validate:"required"`
	Reason    string `json:"reason" validate:"omitempty,max=500"`
}

// Create files a leave request for a date range. Requests overlapping an
// existing pending or approved request are rejected.
func (h *LeavesHandler) Create(w http.ResponseWriter, r *http.Request) {
	sw := getStudentWriter(r, w)
	if sw == nil {
		return
	}
	lw := getLeaveWriter(r, w)
	if lw == nil {
		return
	}

	var req createLeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	start, err := parseDate(req.StartDate)
	if err != nil {
		respondError(w, http.StatusBadRequest, "start_date must be YYYY-MM-DD")
		return
	}
	end, err := parseDate(req.EndDate)
	if err != nil {
		respondError(w, http.StatusBadRequest, "end_date must be YYYY-MM-DD")
		return
	}
	if end.Before(start) {
		respondError(w, http.StatusBadRequest, "end_date must not be before start_date")
		return
	}

	student, err := sw.Get(r.Context(), req.StudentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get student")
		return
	}
	if student == nil {
		respondError(w, http.StatusNotFound, "student not found")
		return
	}

	existing, _, err := lw.ListLeaves(r.Context(), database.LeaveFilter{StudentID: req.StudentID})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to check existing leaves")
		return
	}
	for _, l := range existing {
		if l.Status == database.LeaveRejected {
			continue
		}
		if !start.After(l.EndDate) && !end.Before(l.StartDate) {
			respondError(w, http.StatusConflict, "an overlapping leave request already exists")
			return
		}
	}

	leave := &database.LeaveRequest{
		StudentID: req.StudentID,
		LeaveType: req.LeaveType,
		StartDate: start,
		EndDate:   end,
		Reason:    req.Reason,
	}
	id, err := lw.SaveLeave(r.Context(), leave)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to save leave request")
		return
	}
	leave.ID = id
	leave.Status = database.LeavePending
	leave.StudentName = student.Name
	respondJSON(w, http.StatusCreated, toLeaveResponse(leave))
}

// List returns leave requests matching the query filters.
func (h *LeavesHandler) List(w http.ResponseWriter, r *http.Request) {
	lw := getLeaveWriter(r, w)
	if lw == nil {
		return
	}

	page, perPage := parsePaging(r, constants.DefaultLeavesPerPage)
	filter := database.LeaveFilter{
		StudentID: r.URL.Query().Get("student_id"),
		Status:    r.URL.Query().Get("status"),
		Page:      page,
		PerPage:   perPage,
	}

	leaves, total, err := lw.ListLeaves(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list leave requests")
		return
	}

	result := make([]leaveResponse, len(leaves))
	for i := range leaves {
		result[i] = toLeaveResponse(&leaves[i])
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"leaves":   result,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

type reviewLeaveRequest struct {
	Action     string `json:"action" validate:"required,oneof=approve reject"`
	ReviewedBy string `json:"reviewed_by" validate:"required,max=64"`
	Notes      string `json:"notes" validate:"omitempty,max=500"`
}

// Review approves or rejects a pending leave request. Approval writes
// On Leave attendance for every day in the range.
func (h *LeavesHandler) Review(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, w)
	if !ok {
		return
	}

	var req reviewLeaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	leave, err := h.service.ReviewLeave(r.Context(), id, req.Action == "approve", req.ReviewedBy, req.Notes)
	if err != nil {
		switch {
		case errors.Is(err, attendance.ErrLeaveNotFound):
			respondError(w, http.StatusNotFound, "leave request not found")
		case errors.Is(err, attendance.ErrLeaveAlreadyReviewed):
			respondError(w, http.StatusConflict, "leave request already reviewed")
		default:
			respondError(w, http.StatusInternalServerError, "failed to review leave request")
		}
		return
	}
	respondJSON(w, http.StatusOK, toLeaveResponse(leave))
}
