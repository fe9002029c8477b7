package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kozaktomas/rollcall/internal/database"
)

// setupSessionsTest registers the mock backend and builds a sessions handler
// without a recognizer. Tests covering the refresh hook wire one themselves.
func setupSessionsTest(t *testing.T) (*mockBackend, *SessionsHandler) {
	t.Helper()
	backend := setupMockBackend(t)
	return backend, NewSessionsHandler(nil)
}

// seedSession adds a class session starting at 08:00
func seedSession(backend *mockBackend, id int64, name string, active bool) {
	backend.sessions.AddSession(database.ClassSession{
		ID:           id,
		Name:         name,
		Subject:      "Algorithms",
		Teacher:      "Dr. Finch",
		StartsAt:     "08:00",
		EndsAt:       "09:30",
		GraceMinutes: 10,
		IsActive:     active,
	})
}

// --- Listing ---

func TestSessionsHandler_List_Success(t *testing.T) {
	backend, handler := setupSessionsTest(t)
	seedSession(backend, 1, "Morning Lecture", true)
	seedSession(backend, 2, "Afternoon Lab", false)

	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	recorder := httptest.NewRecorder()
	handler.List(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var resp struct {
		Sessions []sessionResponse `json:"sessions"`
	}
	parseJSONResponse(t, recorder, &resp)
	if len(resp.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(resp.Sessions))
	}
	if resp.Sessions[0].Name != "Morning Lecture" || !resp.Sessions[0].IsActive {
		t.Errorf("expected active 'Morning Lecture' first, got %+v", resp.Sessions[0])
	}
}

func TestSessionsHandler_List_BackendError(t *testing.T) {
	backend, handler := setupSessionsTest(t)
	backend.sessions.ListError = errMock

	req := httptest.NewRequest("GET", "/api/v1/sessions", nil)
	recorder := httptest.NewRecorder()
	handler.List(recorder, req)

	assertStatusCode(t, recorder, http.StatusInternalServerError)
	assertJSONError(t, recorder, "failed to list sessions")
}

// --- Creation ---

func TestSessionsHandler_Create_Success(t *testing.T) {
	backend, handler := setupSessionsTest(t)

	body := bytes.NewBufferString(`{"name":"Morning Lecture","subject":"Algorithms","starts_at":"08:00","ends_at":"09:30","grace_minutes":10}`)
	req := httptest.NewRequest("POST", "/api/v1/sessions", body)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.Create(recorder, req)

	assertStatusCode(t, recorder, http.StatusCreated)

	var resp sessionResponse
	parseJSONResponse(t, recorder, &resp)
	if resp.ID == 0 {
		t.Error("expected assigned session id")
	}
	if resp.Name != "Morning Lecture" {
		t.Errorf("expected name 'Morning Lecture', got '%s'", resp.Name)
	}
	if resp.IsActive {
		t.Error("expected new session to start inactive")
	}

	saved, _ := backend.sessions.GetSession(context.Background(), resp.ID)
	if saved == nil || saved.GraceMinutes != 10 {
		t.Errorf("expected stored session with grace 10, got %+v", saved)
	}
}

func TestSessionsHandler_Create_MissingName(t *testing.T) {
	_, handler := setupSessionsTest(t)

	body := bytes.NewBufferString(`{"starts_at":"08:00"}`)
	req := httptest.NewRequest("POST", "/api/v1/sessions", body)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.Create(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "name failed validation on 'required'")
}

func TestSessionsHandler_Create_BadStartsAt(t *testing.T) {
	_, handler := setupSessionsTest(t)

	body := bytes.NewBufferString(`{"name":"Morning Lecture","starts_at":"8am"}`)
	req := httptest.NewRequest("POST", "/api/v1/sessions", body)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.Create(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "starts_at must be HH:MM")
}

func TestSessionsHandler_Create_BadEndsAt(t *testing.T) {
	_, handler := setupSessionsTest(t)

	body := bytes.NewBufferString(`{"name":"Morning Lecture","starts_at":"08:00","ends_at":"late"}`)
	req := httptest.NewRequest("POST", "/api/v1/sessions", body)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.Create(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "ends_at must be HH:MM")
}

func TestSessionsHandler_Create_GraceTooLarge(t *testing.T) {
	_, handler := setupSessionsTest(t)

	body := bytes.NewBufferString(`{"name":"Morning Lecture","starts_at":"08:00","grace_minutes":300}`)
	req := httptest.NewRequest("POST", "/api/v1/sessions", body)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.Create(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "graceminutes failed validation on 'lte'")
}

func TestSessionsHandler_Create_InvalidJSON(t *testing.T) {
	_, handler := setupSessionsTest(t)

	body := bytes.NewBufferString(`{invalid}`)
	req := httptest.NewRequest("POST", "/api/v1/sessions", body)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.Create(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "invalid request body")
}

// --- Activation ---

func TestSessionsHandler_Activate_Success(t *testing.T) {
	backend, handler := setupSessionsTest(t)
	seedSession(backend, 1, "Morning Lecture", true)
	seedSession(backend, 2, "Afternoon Lab", false)

	req := httptest.NewRequest("POST", "/api/v1/sessions/2/activate", nil)
	req = requestWithChiParams(req, map[string]string{"id": "2"})
	recorder := httptest.NewRecorder()
	handler.Activate(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var resp struct {
		Session sessionResponse `json:"session"`
		Warning string          `json:"warning"`
	}
	parseJSONResponse(t, recorder, &resp)
	if !resp.Session.IsActive || resp.Session.ID != 2 {
		t.Errorf("expected session 2 active, got %+v", resp.Session)
	}
	if resp.Warning != "" {
		t.Errorf("expected no warning, got '%s'", resp.Warning)
	}

	// Activation is exclusive.
	old, _ := backend.sessions.GetSession(context.Background(), 1)
	if old.IsActive {
		t.Error("expected session 1 to be deactivated")
	}
}

func TestSessionsHandler_Activate_NotFound(t *testing.T) {
	_, handler := setupSessionsTest(t)

	req := httptest.NewRequest("POST", "/api/v1/sessions/99/activate", nil)
	req = requestWithChiParams(req, map[string]string{"id": "99"})
	recorder := httptest.NewRecorder()
	handler.Activate(recorder, req)

	assertStatusCode(t, recorder, http.StatusNotFound)
	assertJSONError(t, recorder, "session not found")
}

func TestSessionsHandler_Activate_InvalidID(t *testing.T) {
	_, handler := setupSessionsTest(t)

	req := httptest.NewRequest("POST", "/api/v1/sessions/abc/activate", nil)
	req = requestWithChiParams(req, map[string]string{"id": "abc"})
	recorder := httptest.NewRecorder()
	handler.Activate(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "invalid id")
}

func TestSessionsHandler_Activate_RefreshesRunningRecognizer(t *testing.T) {
	backend := setupMockBackend(t)
	seedStudent(backend, "S001", "Alice Morgan")
	backend.encodings.AddEncoding(database.StoredEncoding{StudentID: "S001", Encoding: vec4(0.5), Dim: 4})
	seedSession(backend, 5, "Morning Lecture", false)

	rec := testRecognizer(t, backend, stubEncoder(t, encodeResponse()))
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if rec.Info().Session != "" {
		t.Fatalf("expected no session before activation, got '%s'", rec.Info().Session)
	}

	handler := NewSessionsHandler(rec)
	req := httptest.NewRequest("POST", "/api/v1/sessions/5/activate", nil)
	req = requestWithChiParams(req, map[string]string{"id": "5"})
	recorder := httptest.NewRecorder()
	handler.Activate(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)
	if got := rec.Info().Session; got != "Morning Lecture" {
		t.Errorf("expected recognizer anchored at 'Morning Lecture', got '%s'", got)
	}
}

func TestSessionsHandler_Activate_RefreshFailureWarns(t *testing.T) {
	backend := setupMockBackend(t)
	seedStudent(backend, "S001", "Alice Morgan")
	backend.encodings.AddEncoding(database.StoredEncoding{StudentID: "S001", Encoding: vec4(0.5), Dim: 4})
	seedSession(backend, 5, "Morning Lecture", false)

	rec := testRecognizer(t, backend, stubEncoder(t, encodeResponse()))
	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	backend.encodings.AllError = errMock

	handler := NewSessionsHandler(rec)
	req := httptest.NewRequest("POST", "/api/v1/sessions/5/activate", nil)
	req = requestWithChiParams(req, map[string]string{"id": "5"})
	recorder := httptest.NewRecorder()
	handler.Activate(recorder, req)

	// The activation itself succeeded, the stale gallery is only a warning.
	assertStatusCode(t, recorder, http.StatusOK)

	var resp struct {
		Session sessionResponse `json:"session"`
		Warning string          `json:"warning"`
	}
	parseJSONResponse(t, recorder, &resp)
	if resp.Warning != "session activated but gallery refresh failed" {
		t.Errorf("expected refresh warning, got '%s'", resp.Warning)
	}

	saved, _ := backend.sessions.GetSession(context.Background(), 5)
	if !saved.IsActive {
		t.Error("expected session 5 to stay active despite refresh failure")
	}
}
