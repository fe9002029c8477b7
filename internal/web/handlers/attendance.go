package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/constants"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/facematch"
)

// AttendanceHandler handles attendance record endpoints
type AttendanceHandler struct {
	service *attendance.Service
}

// NewAttendanceHandler creates a new attendance handler
func NewAttendanceHandler(service *attendance.Service) *AttendanceHandler {
	return &AttendanceHandler{service: service}
}

// --- Attendance responses ---

type recordResponse struct {
	ID          int64   `json:"id"`
	StudentID   string  `json:"student_id"`
	StudentName string  `json:"student_name,omitempty"`
	Department  string  `json:"department,omitempty"`
	Year        string  `json:"year,omitempty"`
	Section     string  `json:"section,omitempty"`
	Date        string  `json:"date"`
	TimeIn      string  `json:"time_in"`
	TimeOut     string  `json:"time_out,omitempty"`
	Status      string  `json:"status"`
	Confidence  float64 `json:"confidence"`
	MarkedBy    string  `json:"marked_by"`
	SessionID   *int64  `json:"session_id,omitempty"`
}

func toRecordResponse(rec *database.AttendanceRecord) recordResponse {
	resp := recordResponse{
		ID:          rec.ID,
		StudentID:   rec.StudentID,
		StudentName: rec.StudentName,
		Department:  rec.Department,
		Year:        rec.Year,
		Section:     rec.Section,
		Date:        rec.Date.Format(dateLayout),
		TimeIn:      rec.TimeIn.Format("15:04:05"),
		Status:      rec.Status,
		Confidence:  rec.Confidence,
		MarkedBy:    rec.MarkedBy,
		SessionID:   rec.SessionID,
	}
	if rec.TimeOut != nil {
		resp.TimeOut = rec.TimeOut.Format("15:04:05")
	}
	return resp
}

// attendanceFilterFromQuery builds the record filter from query parameters.
// Returns an error message for unparseable dates, empty on success.
func attendanceFilterFromQuery(r *http.Request) (database.AttendanceFilter, string) {
	q := r.URL.Query()
	filter := database.AttendanceFilter{
		StudentID:  q.Get("student_id"),
		Department: q.Get("department"),
		Status:     q.Get("status"),
	}

	from, err := parseDate(q.Get("date_from"))
	if err != nil {
		return filter, "date_from must be YYYY-MM-DD"
	}
	to, err := parseDate(q.Get("date_to"))
	if err != nil {
		return filter, "date_to must be YYYY-MM-DD"
	}
	filter.DateFrom = from
	filter.DateTo = to
	return filter, ""
}

// List returns attendance records matching the query filters.
func (h *AttendanceHandler) List(w http.ResponseWriter, r *http.Request) {
	aw := getAttendanceWriter(r, w)
	if aw == nil {
		return
	}

	filter, errMsg := attendanceFilterFromQuery(r)
	if errMsg != "" {
		respondError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter.Page, filter.PerPage = parsePaging(r, constants.DefaultAttendancePerPage)

	records, total, err := aw.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list attendance")
		return
	}

	result := make([]recordResponse, len(records))
	for i := range records {
		result[i] = toRecordResponse(&records[i])
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"records":  result,
		"total":    total,
		"page":     filter.Page,
		"per_page": filter.PerPage,
	})
}

// markRequest is a manual attendance marking request.
type markRequest struct {
	StudentID string `json:"student_id" validate:"required"`
	MarkedBy  string `json:"marked_by" validate:"omitempty,max=64"`
}

// Mark records attendance for one student by roll number. Marking a student
// who already has a record today returns the existing record, not an error.
func (h *AttendanceHandler) Mark(w http.ResponseWriter, r *http.Request) {
	var req markRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	rec, inserted, err := h.service.MarkManual(r.Context(), req.StudentID, req.MarkedBy)
	if err != nil {
		if errors.Is(err, attendance.ErrStudentNotFound) {
			respondError(w, http.StatusNotFound, "student not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "failed to mark attendance")
		return
	}

	if !inserted {
		respondJSON(w, http.StatusOK, map[string]any{
			"record":         toRecordResponse(rec),
			"already_marked": true,
		})
		return
	}
	respondJSON(w, http.StatusCreated, map[string]any{
		"record": toRecordResponse(rec),
	})
}

// SetStatus corrects the status of an attendance record.
func (h *AttendanceHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, w)
	if !ok {
		return
	}

	var req struct {
		Status   string `json:"status"`
		MarkedBy string `json:"marked_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if !facematch.ValidStatus(req.Status) {
		respondError(w, http.StatusBadRequest, "invalid status: "+sanitizeForLog(req.Status))
		return
	}

	rec, err := h.service.SetStatus(r.Context(), id, req.Status, req.MarkedBy)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update status")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "attendance record not found")
		return
	}
	respondJSON(w, http.StatusOK, toRecordResponse(rec))
}

// TimeOut stamps the checkout time on a record. The optional body field
// "at" overrides the clock; it defaults to now.
func (h *AttendanceHandler) TimeOut(w http.ResponseWriter, r *http.Request) {
	id, ok := parseIDParam(r, w)
	if !ok {
		return
	}

	var req struct {
		At string `json:"at"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	var at time.Time
	if req.At != "" {
		parsed, err := time.Parse(time.RFC3339, req.At)
		if err != nil {
			respondError(w, http.StatusBadRequest, "at must be RFC 3339")
			return
		}
		at = parsed
	}

	rec, err := h.service.SetTimeOut(r.Context(), id, at)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to set checkout time")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "attendance record not found")
		return
	}
	respondJSON(w, http.StatusOK, toRecordResponse(rec))
}

// Delete removes an attendance record.
func (h *AttendanceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	aw := getAttendanceWriter(r, w)
	if aw == nil {
		return
	}
	id, ok := parseIDParam(r, w)
	if !ok {
		return
	}

	rec, err := aw.Get(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get record")
		return
	}
	if rec == nil {
		respondError(w, http.StatusNotFound, "attendance record not found")
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete record")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// Export downloads attendance records matching the filters as CSV.
func (h *AttendanceHandler) Export(w http.ResponseWriter, r *http.Request) {
	filter, errMsg := attendanceFilterFromQuery(r)
	if errMsg != "" {
		respondError(w, http.StatusBadRequest, errMsg)
		return
	}

	// Build the document first so a mid-export failure can still produce
	// a clean JSON error instead of a truncated download.
	var buf bytes.Buffer
	rows, err := h.service.ExportCSV(r.Context(), &buf, filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to export attendance")
		return
	}

	filename := fmt.Sprintf("attendance-%s.csv", time.Now().Format(dateLayout))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	w.Header().Set("X-Export-Rows", strconv.Itoa(rows))
	w.Write(buf.Bytes())
}
