package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/database/mock"
	"github.com/kozaktomas/rollcall/internal/encoder"
)

// testConfig creates a minimal config for testing
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Encoder: config.EncoderConfig{
			Model: "test-model",
			Dim:   4,
		},
		Recognition: config.RecognitionConfig{
			MatchThreshold: 0.6,
			Grace:          15 * time.Minute,
			SessionStart:   "08:00",
			PortraitDir:    t.TempDir(),
		},
		SIS: config.SISConfig{
			PageSize: 100,
		},
		Taxonomy: config.TaxonomyConfig{
			Departments: []config.Department{
				{Code: "CSE", Name: "Computer Science"},
				{Code: "ECE", Name: "Electronics"},
			},
			Years:    []string{"1", "2", "3", "4"},
			Sections: []string{"A", "B"},
		},
	}
}

// mockBackend bundles the mock repositories registered for one test
type mockBackend struct {
	students   *mock.MockStudentWriter
	encodings  *mock.MockEncodingWriter
	attendance *mock.MockAttendanceWriter
	sessions   *mock.MockSessionWriter
	leaves     *mock.MockLeaveWriter
}

// setupMockBackend registers in-memory repositories as the storage backend
// and tears them down when the test finishes
func setupMockBackend(t *testing.T) *mockBackend {
	t.Helper()
	backend := &mockBackend{
		students:   mock.NewMockStudentWriter(),
		encodings:  mock.NewMockEncodingWriter(),
		attendance: mock.NewMockAttendanceWriter(),
		sessions:   mock.NewMockSessionWriter(),
		leaves:     mock.NewMockLeaveWriter(),
	}
	database.RegisterPostgresBackend(
		func() database.StudentWriter { return backend.students },
		func() database.EncodingWriter { return backend.encodings },
		func() database.AttendanceWriter { return backend.attendance },
		func() database.SessionWriter { return backend.sessions },
		func() database.LeaveWriter { return backend.leaves },
	)
	t.Cleanup(func() {
		database.ResetForTesting()
	})
	return backend
}

// stubEncoder creates an encoder client backed by a mock server that
// returns the given response for every frame
func stubEncoder(t *testing.T, resp encoder.FaceResponse) *encoder.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			t.Errorf("failed to encode face response: %v", err)
		}
	}))
	t.Cleanup(server.Close)
	return encoder.NewClient(server.URL, "test-model", 0)
}

// brokenEncoder creates an encoder client whose server always fails
func brokenEncoder(t *testing.T) *encoder.Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)
	return encoder.NewClient(server.URL, "test-model", 0)
}

// testRecognizer builds a recognition runtime over the mock backend with
// 4-dimensional encodings. Callers start it when the test needs a gallery.
func testRecognizer(t *testing.T, backend *mockBackend, enc *encoder.Client) *attendance.Recognizer {
	t.Helper()
	return attendance.NewRecognizer(
		enc,
		backend.students,
		backend.encodings,
		backend.attendance,
		backend.sessions,
		attendance.RecognizerConfig{
			Dim:            4,
			MatchThreshold: 0.6,
			Grace:          15 * time.Minute,
			SessionStart:   "08:00",
		},
		zap.NewNop(),
	)
}

// vec4 builds a 4-dimensional embedding with every component set to v
func vec4(v float32) []float32 {
	return []float32{v, v, v, v}
}

// faceWith builds a detected face with the given embedding and score
func faceWith(embedding []float32, detScore float64) encoder.Face {
	return encoder.Face{
		FaceIndex: 0,
		Dim:       len(embedding),
		Embedding: embedding,
		BBox:      []float64{10, 10, 60, 60},
		DetScore:  detScore,
	}
}

// encodeResponse wraps faces into an encoder service response
func encodeResponse(faces ...encoder.Face) encoder.FaceResponse {
	return encoder.FaceResponse{
		FacesCount: len(faces),
		Faces:      faces,
		Model:      "test-model",
	}
}

// testImageJPEG renders a small gradient JPEG used as portrait and frame payload
func testImageJPEG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 2), G: uint8(y * 2), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		t.Fatalf("failed to encode test image: %v", err)
	}
	return buf.Bytes()
}

// multipartRequest builds a multipart/form-data request with optional
// text fields and a single file part
func multipartRequest(t *testing.T, method, path string, fields map[string]string, fileField, fileName string, fileData []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			t.Fatalf("failed to write form field: %v", err)
		}
	}
	if fileField != "" {
		part, err := writer.CreateFormFile(fileField, fileName)
		if err != nil {
			t.Fatalf("failed to create form file: %v", err)
		}
		if _, err := part.Write(fileData); err != nil {
			t.Fatalf("failed to write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close multipart writer: %v", err)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

// requestWithChiParams creates a request with chi URL parameters
func requestWithChiParams(r *http.Request, params map[string]string) *http.Request {
	rctx := chi.NewRouteContext()
	for key, value := range params {
		rctx.URLParams.Add(key, value)
	}
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

// parseJSONResponse parses a JSON response body into the target type
func parseJSONResponse(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to parse JSON response: %v\nBody: %s", err, recorder.Body.String())
	}
}

// assertStatusCode checks if the response has the expected status code
func assertStatusCode(t *testing.T, recorder *httptest.ResponseRecorder, expected int) {
	t.Helper()
	if recorder.Code != expected {
		t.Errorf("expected status %d, got %d\nBody: %s", expected, recorder.Code, recorder.Body.String())
	}
}

// assertContentType checks if the response has the expected content type
func assertContentType(t *testing.T, recorder *httptest.ResponseRecorder, expected string) {
	t.Helper()
	ct := recorder.Header().Get("Content-Type")
	if ct != expected {
		t.Errorf("expected Content-Type '%s', got '%s'", expected, ct)
	}
}

// assertJSONError checks if the response is a JSON error with the expected message
func assertJSONError(t *testing.T, recorder *httptest.ResponseRecorder, expectedMessage string) {
	t.Helper()
	var result map[string]string
	if err := json.Unmarshal(recorder.Body.Bytes(), &result); err != nil {
		t.Fatalf("failed to parse error response: %v\nBody: %s", err, recorder.Body.String())
	}
	if result["error"] != expectedMessage {
		t.Errorf("expected error '%s', got '%s'", expectedMessage, result["error"])
	}
}
