package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/constants"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/encoder"
	"github.com/kozaktomas/rollcall/internal/facematch"
)

// StudentsHandler handles student roster endpoints
type StudentsHandler struct {
	config  *config.Config
	encoder *encoder.Client
}

// NewStudentsHandler creates a new students handler
func NewStudentsHandler(cfg *config.Config, enc *encoder.Client) *StudentsHandler {
	return &StudentsHandler{config: cfg, encoder: enc}
}

// --- Student responses ---

type studentResponse struct {
	StudentID  string `json:"student_id"`
	Name       string `json:"name"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Department string `json:"department"`
	Year       string `json:"year"`
	Section    string `json:"section"`
	IsActive   bool   `json:"is_active"`
	CreatedAt  string `json:"created_at"`
}

type studentDetailResponse struct {
	studentResponse
	PortraitPath  string `json:"portrait_path,omitempty"`
	EncodingCount int    `json:"encoding_count"`
}

type similarStudentResponse struct {
	StudentID string  `json:"student_id"`
	Name      string  `json:"name"`
	Distance  float64 `json:"distance"`
}

func toStudentResponse(s *database.Student) studentResponse {
	return studentResponse{
		StudentID:  s.StudentID,
		Name:       s.Name,
		Email:      s.Email,
		Phone:      s.Phone,
		Department: s.Department,
		Year:       s.Year,
		Section:    s.Section,
		IsActive:   s.IsActive,
		CreatedAt:  s.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

// --- Registration ---

type registerRequest struct {
	StudentID  string `json:"student_id" validate:"required,min=2,max=32"`
	Name       string `json:"name" validate:"required,min=2,max=128"`
	Email      string `json:"email" validate:"omitempty,email"`
	Phone      string `json:"phone" validate:"omitempty,max=32"`
	Department string `json:"department" validate:"required"`
	Year       string `json:"year" validate:"required"`
	Section    string `json:"section" validate:"required"`
}

// checkTaxonomy validates department, year and section against the embedded
// taxonomy. Returns an error message, empty when all three are known.
func (h *StudentsHandler) checkTaxonomy(department, year, section string) string {
	if !h.config.Taxonomy.ValidDepartment(department) {
		return "unknown department: " + department
	}
	if !h.config.Taxonomy.ValidYear(year) {
		return "unknown year: " + year
	}
	if !h.config.Taxonomy.ValidSection(section) {
		return "unknown section: " + section
	}
	return ""
}

// Register enrolls a new student, optionally with a portrait. The request is
// either JSON or multipart form data with a "portrait" file. A portrait
// without a detectable face still registers the student; the response then
// carries a warning instead of an error.
func (h *StudentsHandler) Register(w http.ResponseWriter, r *http.Request) {
	sw := getStudentWriter(r, w)
	if sw == nil {
		return
	}

	var req registerRequest
	var portrait []byte

	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
			respondError(w, http.StatusBadRequest, "failed to parse multipart form")
			return
		}
		req = registerRequest{
			StudentID:  r.FormValue("student_id"),
			Name:       r.FormValue("name"),
			Email:      r.FormValue("email"),
			Phone:      r.FormValue("phone"),
			Department: r.FormValue("department"),
			Year:       r.FormValue("year"),
			Section:    r.FormValue("section"),
		}
		data, err := readFormFile(r, "portrait")
		if err != nil {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		portrait = data
	} else {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, errInvalidRequestBody)
			return
		}
	}

	if err := validate.Struct(req); err != nil {
		respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if msg := h.checkTaxonomy(req.Department, req.Year, req.Section); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	existing, err := sw.Get(r.Context(), req.StudentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to check existing student")
		return
	}
	if existing != nil {
		respondError(w, http.StatusConflict, "student already registered")
		return
	}

	student := &database.Student{
		StudentID:  req.StudentID,
		Name:       req.Name,
		Email:      req.Email,
		Phone:      req.Phone,
		Department: req.Department,
		Year:       req.Year,
		Section:    req.Section,
		IsActive:   true,
	}

	var enr *enrollment
	var ew database.EncodingWriter
	if len(portrait) > 0 {
		if ew = getEncodingWriter(r, w); ew == nil {
			return
		}
		enr, err = h.enrollPortrait(r.Context(), ew, req.StudentID, portrait)
		if err != nil {
			respondError(w, http.StatusBadGateway, err.Error())
			return
		}
		path, err := savePortrait(h.config.Recognition.PortraitDir, req.StudentID, enr.prepared)
		if err != nil {
			respondError(w, http.StatusInternalServerError, "failed to store portrait")
			return
		}
		student.PortraitPath = path
		student.PortraitHash = enr.hash
	}

	if err := sw.Save(r.Context(), student); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to save student")
		return
	}

	var warnings []string
	if enr != nil {
		warnings = enr.warnings
		if enr.encoding != nil {
			if _, err := ew.Save(r.Context(), enr.encoding); err != nil {
				respondError(w, http.StatusInternalServerError, "failed to save encoding")
				return
			}
		}
	}

	respondJSON(w, http.StatusCreated, map[string]any{
		"student":  toStudentResponse(student),
		"enrolled": enr != nil && enr.encoding != nil,
		"warnings": warnings,
	})
}

// List returns students matching the query filters.
func (h *StudentsHandler) List(w http.ResponseWriter, r *http.Request) {
	sw := getStudentWriter(r, w)
	if sw == nil {
		return
	}

	page, perPage := parsePaging(r, constants.DefaultStudentsPerPage)
	q := r.URL.Query()
	filter := database.StudentFilter{
		Department:      q.Get("department"),
		Year:            q.Get("year"),
		Section:         q.Get("section"),
		Query:           q.Get("q"),
		IncludeInactive: q.Get("include_inactive") == "true",
		Page:            page,
		PerPage:         perPage,
	}

	students, total, err := sw.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list students")
		return
	}

	result := make([]studentResponse, len(students))
	for i := range students {
		result[i] = toStudentResponse(&students[i])
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"students": result,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// Get returns one student with enrollment details.
func (h *StudentsHandler) Get(w http.ResponseWriter, r *http.Request) {
	sw := getStudentWriter(r, w)
	if sw == nil {
		return
	}
	ew := getEncodingWriter(r, w)
	if ew == nil {
		return
	}

	studentID := chi.URLParam(r, "studentID")
	student, err := sw.Get(r.Context(), studentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get student")
		return
	}
	if student == nil {
		respondError(w, http.StatusNotFound, "student not found")
		return
	}

	encodings, err := ew.GetByStudent(r.Context(), studentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get encodings")
		return
	}

	respondJSON(w, http.StatusOK, studentDetailResponse{
		studentResponse: toStudentResponse(student),
		PortraitPath:    student.PortraitPath,
		EncodingCount:   len(encodings),
	})
}

// Update applies a partial update to a student's roster fields.
func (h *StudentsHandler) Update(w http.ResponseWriter, r *http.Request) {
	sw := getStudentWriter(r, w)
	if sw == nil {
		return
	}

	studentID := chi.URLParam(r, "studentID")
	student, err := sw.Get(r.Context(), studentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get student")
		return
	}
	if student == nil {
		respondError(w, http.StatusNotFound, "student not found")
		return
	}

	var req struct {
		Name       *string `json:"name"`
		Email      *string `json:"email"`
		Phone      *string `json:"phone"`
		Department *string `json:"department"`
		Year       *string `json:"year"`
		Section    *string `json:"section"`
		IsActive   *bool   `json:"is_active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}

	if req.Name != nil {
		if *req.Name == "" {
			respondError(w, http.StatusBadRequest, "name must not be empty")
			return
		}
		student.Name = *req.Name
	}
	if req.Email != nil {
		student.Email = *req.Email
	}
	if req.Phone != nil {
		student.Phone = *req.Phone
	}
	if req.Department != nil {
		student.Department = *req.Department
	}
	if req.Year != nil {
		student.Year = *req.Year
	}
	if req.Section != nil {
		student.Section = *req.Section
	}
	if req.IsActive != nil {
		student.IsActive = *req.IsActive
	}

	if msg := h.checkTaxonomy(student.Department, student.Year, student.Section); msg != "" {
		respondError(w, http.StatusBadRequest, msg)
		return
	}

	if err := sw.Save(r.Context(), student); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update student")
		return
	}
	respondJSON(w, http.StatusOK, toStudentResponse(student))
}

// Delete deactivates a student. With ?purge=true the student, their
// encodings, and their attendance are removed for good.
func (h *StudentsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	sw := getStudentWriter(r, w)
	if sw == nil {
		return
	}

	studentID := chi.URLParam(r, "studentID")
	student, err := sw.Get(r.Context(), studentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get student")
		return
	}
	if student == nil {
		respondError(w, http.StatusNotFound, "student not found")
		return
	}

	if r.URL.Query().Get("purge") == "true" {
		ew := getEncodingWriter(r, w)
		if ew == nil {
			return
		}
		// Encodings go first so the registration index drops them too.
		if _, err := ew.DeleteByStudent(r.Context(), studentID); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to delete encodings")
			return
		}
		if err := sw.Purge(r.Context(), studentID); err != nil {
			respondError(w, http.StatusInternalServerError, "failed to purge student")
			return
		}
		respondJSON(w, http.StatusOK, map[string]bool{"purged": true})
		return
	}

	if err := sw.SetActive(r.Context(), studentID, false); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to deactivate student")
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"deactivated": true})
}

// UploadPortrait replaces a student's portrait and re-enrolls their face.
// An unchanged portrait (by difference hash) is skipped without re-encoding.
func (h *StudentsHandler) UploadPortrait(w http.ResponseWriter, r *http.Request) {
	sw := getStudentWriter(r, w)
	if sw == nil {
		return
	}
	ew := getEncodingWriter(r, w)
	if ew == nil {
		return
	}

	studentID := chi.URLParam(r, "studentID")
	student, err := sw.Get(r.Context(), studentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get student")
		return
	}
	if student == nil {
		respondError(w, http.StatusNotFound, "student not found")
		return
	}

	if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return
	}
	portrait, err := readFormFile(r, "portrait")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(portrait) == 0 {
		respondError(w, http.StatusBadRequest, "portrait file is required")
		return
	}

	enr, err := h.enrollPortrait(r.Context(), ew, studentID, portrait)
	if err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}

	if student.PortraitHash != 0 && encoder.HammingDistance(student.PortraitHash, enr.hash) <= constants.PortraitHashThreshold {
		respondJSON(w, http.StatusOK, map[string]any{
			"updated": false,
			"message": "portrait unchanged",
		})
		return
	}

	// For an explicit re-enroll a faceless portrait is a client error, not
	// a warning: the old encodings stay in place.
	if enr.encoding == nil {
		respondError(w, http.StatusBadRequest, "no usable face found in portrait")
		return
	}

	path, err := savePortrait(h.config.Recognition.PortraitDir, studentID, enr.prepared)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to store portrait")
		return
	}

	if _, err := ew.ReplaceForStudent(r.Context(), studentID, []database.StoredEncoding{*enr.encoding}); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to replace encodings")
		return
	}
	if err := sw.UpdatePortrait(r.Context(), studentID, path, enr.hash); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to update portrait")
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"updated":  true,
		"warnings": enr.warnings,
	})
}

// Similar lists enrolled students whose faces are closest to this one,
// nearest first. Useful for spotting double registrations.
func (h *StudentsHandler) Similar(w http.ResponseWriter, r *http.Request) {
	sw := getStudentWriter(r, w)
	if sw == nil {
		return
	}
	ew := getEncodingWriter(r, w)
	if ew == nil {
		return
	}

	studentID := chi.URLParam(r, "studentID")
	encodings, err := ew.GetByStudent(r.Context(), studentID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get encodings")
		return
	}
	if len(encodings) == 0 {
		respondError(w, http.StatusNotFound, "student has no enrolled face")
		return
	}

	limit := constants.DefaultSimilarLimit
	neighbors, distances, err := ew.FindNearest(r.Context(), encodings[0].Encoding, limit+len(encodings))
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to search encodings")
		return
	}

	seen := map[string]bool{studentID: true}
	result := make([]similarStudentResponse, 0, limit)
	for i, n := range neighbors {
		if seen[n.StudentID] {
			continue
		}
		seen[n.StudentID] = true
		name := ""
		if s, err := sw.Get(r.Context(), n.StudentID); err == nil && s != nil {
			name = s.Name
		}
		result = append(result, similarStudentResponse{
			StudentID: n.StudentID,
			Name:      name,
			Distance:  distances[i],
		})
		if len(result) >= limit {
			break
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"similar": result})
}

// --- Enrollment plumbing shared by Register and UploadPortrait ---

// enrollment is the outcome of encoding one portrait.
type enrollment struct {
	prepared []byte
	hash     uint64
	encoding *database.StoredEncoding // nil when no usable face was found
	warnings []string
}

// enrollPortrait prepares the portrait, runs face detection, and keeps the
// most confident face. A portrait without a usable face yields a nil
// encoding plus a warning so the caller decides whether that is acceptable.
func (h *StudentsHandler) enrollPortrait(ctx context.Context, ew database.EncodingReader, studentID string, portrait []byte) (*enrollment, error) {
	prepared, width, height, err := encoder.PreparePortrait(portrait)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare portrait: %w", err)
	}

	hash, err := encoder.DifferenceHash(prepared)
	if err != nil {
		return nil, fmt.Errorf("failed to hash portrait: %w", err)
	}

	resp, err := h.encoder.Encode(ctx, prepared)
	if err != nil {
		return nil, fmt.Errorf("failed to encode portrait: %w", err)
	}

	result := &enrollment{prepared: prepared, hash: hash}

	best := bestFace(resp.Faces)
	if best == nil {
		result.warnings = append(result.warnings, "no usable face found in portrait")
		return result, nil
	}
	if len(resp.Faces) > 1 {
		result.warnings = append(result.warnings, fmt.Sprintf("portrait contains %d faces, keeping the most confident", len(resp.Faces)))
	}
	if warn := h.duplicateWarning(ctx, ew, studentID, best.Embedding); warn != "" {
		result.warnings = append(result.warnings, warn)
	}

	result.encoding = &database.StoredEncoding{
		StudentID: studentID,
		Encoding:  best.Embedding,
		Dim:       best.Dim,
		Model:     resp.Model,
		BBox:      facematch.RelativeBBox(best.BBox, width, height),
		DetScore:  best.DetScore,
		Source:    "portrait",
	}
	return result, nil
}

// bestFace returns the detection with the highest score at or above the
// minimum, nil when no face qualifies.
func bestFace(faces []encoder.Face) *encoder.Face {
	var best *encoder.Face
	for i := range faces {
		if faces[i].DetScore < constants.MinDetectionScore {
			continue
		}
		if best == nil || faces[i].DetScore > best.DetScore {
			best = &faces[i]
		}
	}
	return best
}

// duplicateWarning checks stored encodings for an already enrolled face
// suspiciously close to the new one. Advisory only: lookup failures are
// logged and swallowed.
func (h *StudentsHandler) duplicateWarning(ctx context.Context, ew database.EncodingReader, studentID string, embedding []float32) string {
	neighbors, distances, err := ew.FindNearest(ctx, embedding, constants.DefaultSimilarLimit)
	if err != nil {
		log.Printf("warning: near-duplicate check failed for %s: %v", sanitizeForLog(studentID), err)
		return ""
	}
	for i, n := range neighbors {
		if n.StudentID == studentID {
			continue
		}
		if distances[i] < constants.DuplicateFaceThreshold {
			return fmt.Sprintf("face is very close to already enrolled student %s (distance %.3f)", n.StudentID, distances[i])
		}
		break
	}
	return ""
}

// savePortrait writes the prepared portrait under the portrait directory.
// Prepared portraits are always JPEG, so the stored name is <id>.jpg.
func savePortrait(dir, studentID string, prepared []byte) (string, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", fmt.Errorf("failed to create portrait directory: %w", err)
	}
	path := filepath.Join(dir, filepath.Base(studentID)+".jpg")
	if err := os.WriteFile(path, prepared, 0644); err != nil {
		return "", fmt.Errorf("failed to write portrait: %w", err)
	}
	return path, nil
}

// readFormFile reads one optional file from a parsed multipart form.
// A missing file returns nil data without error.
func readFormFile(r *http.Request, field string) ([]byte, error) {
	file, _, err := r.FormFile(field)
	if err == http.ErrMissingFile {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s file", field)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s file", field)
	}
	return data, nil
}
