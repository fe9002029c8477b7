package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/kozaktomas/rollcall/internal/constants"
	"github.com/kozaktomas/rollcall/internal/database"
)

// errInvalidRequestBody is a shared error message for invalid JSON request bodies.
const errInvalidRequestBody = "invalid request body"

// dateLayout is the wire format for attendance dates.
const dateLayout = "2006-01-02"

// validate is the shared request validator. Handlers declare rules with
// struct tags and report the first violation with validationMessage.
var validate = validator.New()

// sanitizeForLog removes newlines and carriage returns to prevent log injection.
func sanitizeForLog(s string) string {
	return strings.NewReplacer("\n", "", "\r", "").Replace(s)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// validationMessage turns a validator error into a client-facing message
// naming the first offending field.
func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("%s failed validation on '%s'", strings.ToLower(fe.Field()), fe.Tag())
	}
	return errInvalidRequestBody
}

func getStudentWriter(r *http.Request, w http.ResponseWriter) database.StudentWriter {
	writer, err := database.GetStudentWriter(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "student storage not available")
		return nil
	}
	return writer
}

func getEncodingWriter(r *http.Request, w http.ResponseWriter) database.EncodingWriter {
	writer, err := database.GetEncodingWriter(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "encoding storage not available")
		return nil
	}
	return writer
}

func getAttendanceWriter(r *http.Request, w http.ResponseWriter) database.AttendanceWriter {
	writer, err := database.GetAttendanceWriter(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "attendance storage not available")
		return nil
	}
	return writer
}

func getSessionWriter(r *http.Request, w http.ResponseWriter) database.SessionWriter {
	writer, err := database.GetSessionWriter(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session storage not available")
		return nil
	}
	return writer
}

func getLeaveWriter(r *http.Request, w http.ResponseWriter) database.LeaveWriter {
	writer, err := database.GetLeaveWriter(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "leave storage not available")
		return nil
	}
	return writer
}

// parsePaging reads page and per_page query parameters. Page starts at 1;
// per_page is capped at MaxPerPage.
func parsePaging(r *http.Request, defaultPerPage int) (int, int) {
	page := 1
	if v, err := strconv.Atoi(r.URL.Query().Get("page")); err == nil && v > 0 {
		page = v
	}
	perPage := defaultPerPage
	if v, err := strconv.Atoi(r.URL.Query().Get("per_page")); err == nil && v > 0 {
		perPage = v
	}
	if perPage > constants.MaxPerPage {
		perPage = constants.MaxPerPage
	}
	return page, perPage
}

// parseDate parses a YYYY-MM-DD query value. Empty input yields a zero time
// without error so optional date filters stay optional.
func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, value)
}

// parseIDParam reads the numeric "id" URL parameter. On failure it writes a
// 400 response and returns false.
func parseIDParam(r *http.Request, w http.ResponseWriter) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
