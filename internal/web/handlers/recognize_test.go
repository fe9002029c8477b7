package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/encoder"
)

// setupRecognizeTest seeds one enrolled student, starts a recognition
// session against the stubbed encoder and wraps it in a handler
func setupRecognizeTest(t *testing.T, resp encoder.FaceResponse) (*mockBackend, *RecognizeHandler, *attendance.Recognizer) {
	t.Helper()
	backend := setupMockBackend(t)
	seedStudent(backend, "S001", "Alice Morgan")
	backend.encodings.AddEncoding(database.StoredEncoding{StudentID: "S001", Encoding: vec4(0.5), Dim: 4})

	rec := testRecognizer(t, backend, stubEncoder(t, resp))
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	return backend, NewRecognizeHandler(rec), rec
}

// frameRequest builds a multipart request carrying one camera frame
func frameRequest(t *testing.T, path string) *http.Request {
	t.Helper()
	return multipartRequest(t, "POST", path, nil, "frame", "frame.jpg", testImageJPEG(t))
}

// --- Frame processing ---

func TestRecognizeHandler_Recognize_MarksStudent(t *testing.T) {
	backend, handler, _ := setupRecognizeTest(t, encodeResponse(faceWith(vec4(0.5), 0.95)))

	req := frameRequest(t, "/api/v1/recognize")
	recorder := httptest.NewRecorder()
	handler.Recognize(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var resp attendance.FrameResult
	parseJSONResponse(t, recorder, &resp)
	if resp.FacesCount != 1 || len(resp.Faces) != 1 {
		t.Fatalf("expected 1 face, got %+v", resp)
	}
	face := resp.Faces[0]
	if !face.Matched || face.StudentID != "S001" {
		t.Errorf("expected match on S001, got %+v", face)
	}
	if face.StudentName != "Alice Morgan" {
		t.Errorf("expected student_name 'Alice Morgan', got '%s'", face.StudentName)
	}
	if !face.Marked || face.Reason != attendance.ReasonMarked {
		t.Errorf("expected marked face, got %+v", face)
	}
	if face.Confidence != 1 {
		t.Errorf("expected confidence 1 for exact match, got %f", face.Confidence)
	}

	rec, err := backend.attendance.GetForDate(req.Context(), "S001", time.Now())
	if err != nil || rec == nil {
		t.Fatalf("expected attendance record for today, got %v, %v", rec, err)
	}
	if rec.MarkedBy != "system" {
		t.Errorf("expected marked_by 'system', got '%s'", rec.MarkedBy)
	}
}

func TestRecognizeHandler_Recognize_AlreadyMarked(t *testing.T) {
	backend, handler, _ := setupRecognizeTest(t, encodeResponse(faceWith(vec4(0.5), 0.95)))
	now := time.Now()
	backend.attendance.AddRecord(database.AttendanceRecord{
		ID: 1, StudentID: "S001", Date: now, TimeIn: now,
		Status: "Present", Confidence: 1, MarkedBy: "system",
	})

	req := frameRequest(t, "/api/v1/recognize")
	recorder := httptest.NewRecorder()
	handler.Recognize(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var resp attendance.FrameResult
	parseJSONResponse(t, recorder, &resp)
	face := resp.Faces[0]
	if face.Marked || face.Reason != attendance.ReasonAlreadyMarked {
		t.Errorf("expected already_marked, got %+v", face)
	}
	if backend.attendance.InsertCalls != 0 {
		t.Errorf("expected no insert for an already marked student, got %d", backend.attendance.InsertCalls)
	}
}

func TestRecognizeHandler_Recognize_UnknownFace(t *testing.T) {
	backend, handler, _ := setupRecognizeTest(t, encodeResponse(faceWith(vec4(5.0), 0.95)))

	req := frameRequest(t, "/api/v1/recognize")
	recorder := httptest.NewRecorder()
	handler.Recognize(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var resp attendance.FrameResult
	parseJSONResponse(t, recorder, &resp)
	face := resp.Faces[0]
	if face.Matched || face.Reason != attendance.ReasonUnknownFace {
		t.Errorf("expected unknown_face, got %+v", face)
	}
	if backend.attendance.InsertCalls != 0 {
		t.Errorf("expected no insert for an unknown face, got %d", backend.attendance.InsertCalls)
	}
}

func TestRecognizeHandler_Recognize_LowQualityFace(t *testing.T) {
	_, handler, _ := setupRecognizeTest(t, encodeResponse(faceWith(vec4(0.5), 0.3)))

	req := frameRequest(t, "/api/v1/recognize")
	recorder := httptest.NewRecorder()
	handler.Recognize(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var resp attendance.FrameResult
	parseJSONResponse(t, recorder, &resp)
	face := resp.Faces[0]
	if face.Matched || face.Reason != attendance.ReasonLowQuality {
		t.Errorf("expected low_quality, got %+v", face)
	}
}

func TestRecognizeHandler_Recognize_NotRunning(t *testing.T) {
	backend := setupMockBackend(t)
	rec := testRecognizer(t, backend, stubEncoder(t, encodeResponse()))
	handler := NewRecognizeHandler(rec)

	req := frameRequest(t, "/api/v1/recognize")
	recorder := httptest.NewRecorder()
	handler.Recognize(recorder, req)

	assertStatusCode(t, recorder, http.StatusConflict)
	assertJSONError(t, recorder, "no recognition session running")
}

func TestRecognizeHandler_Recognize_MissingFrame(t *testing.T) {
	_, handler, _ := setupRecognizeTest(t, encodeResponse())

	req := multipartRequest(t, "POST", "/api/v1/recognize", map[string]string{"note": "x"}, "", "", nil)
	recorder := httptest.NewRecorder()
	handler.Recognize(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "frame file is required")
}

func TestRecognizeHandler_Recognize_EncoderDown(t *testing.T) {
	backend := setupMockBackend(t)
	seedStudent(backend, "S001", "Alice Morgan")
	backend.encodings.AddEncoding(database.StoredEncoding{StudentID: "S001", Encoding: vec4(0.5), Dim: 4})

	rec := testRecognizer(t, backend, brokenEncoder(t))
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	handler := NewRecognizeHandler(rec)

	req := frameRequest(t, "/api/v1/recognize")
	recorder := httptest.NewRecorder()
	handler.Recognize(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadGateway)

	var result map[string]string
	parseJSONResponse(t, recorder, &result)
	if !strings.Contains(result["error"], "recognition failed") {
		t.Errorf("expected recognition failure message, got '%s'", result["error"])
	}
}

// --- Preview ---

func TestRecognizeHandler_Preview_DoesNotMark(t *testing.T) {
	backend, handler, _ := setupRecognizeTest(t, encodeResponse(faceWith(vec4(0.5), 0.95)))

	req := frameRequest(t, "/api/v1/recognize/preview")
	recorder := httptest.NewRecorder()
	handler.Preview(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var resp attendance.FrameResult
	parseJSONResponse(t, recorder, &resp)
	face := resp.Faces[0]
	if !face.Matched || face.StudentID != "S001" {
		t.Errorf("expected match on S001, got %+v", face)
	}
	if face.Marked {
		t.Error("expected preview to never mark")
	}
	if backend.attendance.InsertCalls != 0 {
		t.Errorf("expected no attendance writes from preview, got %d", backend.attendance.InsertCalls)
	}
}

func TestRecognizeHandler_Preview_WorksAfterStop(t *testing.T) {
	_, handler, rec := setupRecognizeTest(t, encodeResponse(faceWith(vec4(0.5), 0.95)))
	rec.Stop()

	req := frameRequest(t, "/api/v1/recognize/preview")
	recorder := httptest.NewRecorder()
	handler.Preview(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var resp attendance.FrameResult
	parseJSONResponse(t, recorder, &resp)
	if len(resp.Faces) != 1 || !resp.Faces[0].Matched {
		t.Errorf("expected preview to match against the retained snapshot, got %+v", resp)
	}
}

// --- Event stream ---

func TestRecognizeHandler_Events_SendsInitialStatus(t *testing.T) {
	_, handler, _ := setupRecognizeTest(t, encodeResponse())

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // return right after the initial snapshot event
	req := httptest.NewRequest("GET", "/api/v1/recognize/events", nil).WithContext(ctx)
	recorder := httptest.NewRecorder()
	handler.Events(recorder, req)

	assertContentType(t, recorder, "text/event-stream")

	body := recorder.Body.String()
	if !strings.HasPrefix(body, "event: status\ndata: ") {
		t.Errorf("expected initial status event, got: %s", body)
	}
	if !strings.Contains(body, `"running":true`) {
		t.Errorf("expected running gallery info in status event, got: %s", body)
	}
	if !strings.Contains(body, `"size":1`) {
		t.Errorf("expected gallery size 1 in status event, got: %s", body)
	}
}

// --- Gallery ---

func TestRecognizeHandler_Gallery_ReportsSnapshot(t *testing.T) {
	_, handler, _ := setupRecognizeTest(t, encodeResponse())

	req := httptest.NewRequest("GET", "/api/v1/gallery", nil)
	recorder := httptest.NewRecorder()
	handler.Gallery(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var info attendance.GalleryInfo
	parseJSONResponse(t, recorder, &info)
	if !info.Running || info.Size != 1 || info.Students != 1 || info.Dim != 4 {
		t.Errorf("unexpected gallery info: %+v", info)
	}
}

func TestRecognizeHandler_Gallery_ReportsSkippedEncodings(t *testing.T) {
	backend := setupMockBackend(t)
	seedStudent(backend, "S001", "Alice Morgan")
	backend.encodings.AddEncoding(database.StoredEncoding{StudentID: "S001", Encoding: vec4(0.5), Dim: 4})
	backend.encodings.AddEncoding(database.StoredEncoding{StudentID: "S002", Encoding: []float32{1, 1, 1, 1, 1}, Dim: 5})

	rec := testRecognizer(t, backend, stubEncoder(t, encodeResponse()))
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	handler := NewRecognizeHandler(rec)

	req := httptest.NewRequest("GET", "/api/v1/gallery", nil)
	recorder := httptest.NewRecorder()
	handler.Gallery(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var info attendance.GalleryInfo
	parseJSONResponse(t, recorder, &info)
	if info.Size != 1 {
		t.Errorf("expected usable gallery size 1, got %d", info.Size)
	}
	if info.SkippedCount != 1 || len(info.Skipped) != 1 {
		t.Fatalf("expected 1 skipped encoding, got %+v", info)
	}
	if info.Skipped[0].StudentID != "S002" {
		t.Errorf("expected skip for S002, got %+v", info.Skipped[0])
	}
	if !strings.Contains(info.Skipped[0].Reason, "expected 4 dimensions") {
		t.Errorf("expected dimension mismatch reason, got '%s'", info.Skipped[0].Reason)
	}
}

func TestRecognizeHandler_GalleryRefresh_PicksUpNewEnrollment(t *testing.T) {
	backend, handler, _ := setupRecognizeTest(t, encodeResponse())
	seedStudent(backend, "S002", "Beth Chen")
	backend.encodings.AddEncoding(database.StoredEncoding{StudentID: "S002", Encoding: vec4(0.9), Dim: 4})

	req := httptest.NewRequest("POST", "/api/v1/gallery/refresh", nil)
	recorder := httptest.NewRecorder()
	handler.GalleryRefresh(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var info attendance.GalleryInfo
	parseJSONResponse(t, recorder, &info)
	if info.Size != 2 || info.Students != 2 {
		t.Errorf("expected refreshed gallery with 2 encodings, got %+v", info)
	}
}

func TestRecognizeHandler_GalleryRefresh_Failure(t *testing.T) {
	backend, handler, _ := setupRecognizeTest(t, encodeResponse())
	backend.encodings.AllError = errMock

	req := httptest.NewRequest("POST", "/api/v1/gallery/refresh", nil)
	recorder := httptest.NewRecorder()
	handler.GalleryRefresh(recorder, req)

	assertStatusCode(t, recorder, http.StatusInternalServerError)

	var result map[string]string
	parseJSONResponse(t, recorder, &result)
	if !strings.Contains(result["error"], "gallery refresh failed") {
		t.Errorf("expected refresh failure message, got '%s'", result["error"])
	}
}
