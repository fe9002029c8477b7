package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kozaktomas/rollcall/internal/sis"
)

// stubSIS serves a one-page roster and portrait downloads the way the
// school information system does. Students without an entry in portraits
// get a 404 from the portrait endpoint.
func stubSIS(t *testing.T, roster []sis.Student, portraits map[string][]byte) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/students", func(w http.ResponseWriter, r *http.Request) {
		page := sis.StudentPage{Students: roster, Total: len(roster), Page: 1, PerPage: len(roster)}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(page)
	})
	mux.HandleFunc("/api/v1/students/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		if len(parts) != 5 || parts[4] != "portrait" {
			http.NotFound(w, r)
			return
		}
		data, ok := portraits[parts[3]]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(data)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func setupSyncTest(t *testing.T, sisURL string) (*mockBackend, *SyncHandler, *JobManager) {
	t.Helper()
	backend := setupMockBackend(t)
	cfg := testConfig(t)
	cfg.SIS.URL = sisURL
	jm := NewJobManager()
	enc := stubEncoder(t, encodeResponse(faceWith(vec4(0.5), 0.95)))
	return backend, NewSyncHandler(cfg, jm, enc), jm
}

// waitForJob polls until the job reaches a terminal state
func waitForJob(t *testing.T, job *SyncJob) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if isJobTerminal(job.GetStatus()) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("sync job did not finish, status: %s", job.GetStatus())
}

// --- Start ---

func TestSyncHandler_Start_RunsFullSync(t *testing.T) {
	roster := []sis.Student{
		{StudentID: "S101", Name: "Alice Morgan", Email: "alice@uni.test", Department: "CSE", Year: "2", Section: "A", HasPortrait: true},
		{StudentID: "S102", Name: "Beth Chen", Department: "ECE", Year: "3", Section: "B"},
		{StudentID: "S103", Name: "Carol Diaz", Department: "CSE", Year: "1", Section: "A", HasPortrait: true},
	}
	server := stubSIS(t, roster, map[string][]byte{"S101": testImageJPEG(t)})
	backend, handler, jm := setupSyncTest(t, server.URL)
	seedStudent(backend, "S102", "Beth C.")

	req := httptest.NewRequest("POST", "/api/v1/sync", nil)
	recorder := httptest.NewRecorder()
	handler.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusAccepted)

	var resp map[string]string
	parseJSONResponse(t, recorder, &resp)
	if resp["job_id"] == "" || resp["status"] != "pending" {
		t.Fatalf("unexpected start response: %v", resp)
	}

	job := jm.GetJob(resp["job_id"])
	if job == nil {
		t.Fatal("expected job to be registered")
	}
	waitForJob(t, job)

	job.mu.RLock()
	status, jobErr, result := job.Status, job.Error, job.Result
	options, progress := job.Options, job.Progress
	job.mu.RUnlock()

	if status != JobStatusCompleted {
		t.Fatalf("expected completed job, got %s (error: %s)", status, jobErr)
	}
	if !options.FetchPortraits || !options.Encode {
		t.Errorf("expected portrait fetch and encoding by default, got %+v", options)
	}
	if progress != 100 {
		t.Errorf("expected progress 100, got %d", progress)
	}
	if result == nil {
		t.Fatal("expected a sync result")
	}
	if result.Created != 2 || result.Updated != 1 {
		t.Errorf("expected 2 created and 1 updated, got %+v", result)
	}
	if result.PortraitsFetched != 1 || result.EncodingsStored != 1 {
		t.Errorf("expected 1 portrait and 1 encoding stored, got %+v", result)
	}
	if result.Skipped != 1 {
		t.Errorf("expected 1 skipped portrait, got %d", result.Skipped)
	}
	if len(result.Errors) != 0 {
		t.Errorf("expected no sync errors, got %v", result.Errors)
	}

	ctx := context.Background()
	student, err := backend.students.Get(ctx, "S101")
	if err != nil || student == nil {
		t.Fatalf("expected S101 after sync, got %v, %v", student, err)
	}
	if student.Name != "Alice Morgan" || student.Department != "CSE" {
		t.Errorf("unexpected synced student: %+v", student)
	}
	if student.PortraitPath == "" || student.PortraitHash == 0 {
		t.Errorf("expected portrait fields on S101, got %+v", student)
	}

	updated, err := backend.students.Get(ctx, "S102")
	if err != nil || updated == nil {
		t.Fatalf("expected S102 after sync, got %v, %v", updated, err)
	}
	if updated.Name != "Beth Chen" {
		t.Errorf("expected roster name to win, got '%s'", updated.Name)
	}

	encodings, err := backend.encodings.GetByStudent(ctx, "S101")
	if err != nil {
		t.Fatalf("GetByStudent failed: %v", err)
	}
	if len(encodings) != 1 || encodings[0].Source != "sis" {
		t.Errorf("expected one roster-sourced encoding, got %+v", encodings)
	}
}

func TestSyncHandler_Start_WithoutPortraits(t *testing.T) {
	roster := []sis.Student{
		{StudentID: "S101", Name: "Alice Morgan", Department: "CSE", Year: "2", Section: "A", HasPortrait: true},
	}
	server := stubSIS(t, roster, map[string][]byte{"S101": testImageJPEG(t)})
	_, handler, jm := setupSyncTest(t, server.URL)

	body := strings.NewReader(`{"fetch_portraits": false, "encode": false}`)
	req := httptest.NewRequest("POST", "/api/v1/sync", body)
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusAccepted)

	var resp map[string]string
	parseJSONResponse(t, recorder, &resp)
	job := jm.GetJob(resp["job_id"])
	waitForJob(t, job)

	job.mu.RLock()
	status, result := job.Status, job.Result
	job.mu.RUnlock()
	if status != JobStatusCompleted {
		t.Fatalf("expected completed job, got %s", status)
	}
	if result.Created != 1 || result.PortraitsFetched != 0 || result.EncodingsStored != 0 {
		t.Errorf("expected roster-only sync, got %+v", result)
	}
}

func TestSyncHandler_Start_RosterFetchFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "roster unavailable", http.StatusInternalServerError)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	_, handler, jm := setupSyncTest(t, server.URL)

	req := httptest.NewRequest("POST", "/api/v1/sync", nil)
	recorder := httptest.NewRecorder()
	handler.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusAccepted)

	var resp map[string]string
	parseJSONResponse(t, recorder, &resp)
	job := jm.GetJob(resp["job_id"])
	waitForJob(t, job)

	job.mu.RLock()
	status, jobErr := job.Status, job.Error
	job.mu.RUnlock()
	if status != JobStatusFailed {
		t.Fatalf("expected failed job, got %s", status)
	}
	if !strings.Contains(jobErr, "failed to fetch roster") {
		t.Errorf("expected roster fetch error, got '%s'", jobErr)
	}
}

func TestSyncHandler_Start_RequiresSISURL(t *testing.T) {
	_, handler, _ := setupSyncTest(t, "")

	req := httptest.NewRequest("POST", "/api/v1/sync", nil)
	recorder := httptest.NewRecorder()
	handler.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "SIS_URL is not configured")
}

func TestSyncHandler_Start_RejectsConcurrentSync(t *testing.T) {
	_, handler, jm := setupSyncTest(t, "http://sis.test")
	jm.CreateJob("running-job", SyncJobOptions{})

	req := httptest.NewRequest("POST", "/api/v1/sync", nil)
	recorder := httptest.NewRecorder()
	handler.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusConflict)
	assertJSONError(t, recorder, "a roster sync is already running")
}

func TestSyncHandler_Start_InvalidJSON(t *testing.T) {
	_, handler, _ := setupSyncTest(t, "http://sis.test")

	req := httptest.NewRequest("POST", "/api/v1/sync", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	handler.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "invalid request body")
}

func TestSyncHandler_Start_StorageNotAvailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.SIS.URL = "http://sis.test"
	handler := NewSyncHandler(cfg, NewJobManager(), nil)

	req := httptest.NewRequest("POST", "/api/v1/sync", nil)
	recorder := httptest.NewRecorder()
	handler.Start(recorder, req)

	assertStatusCode(t, recorder, http.StatusInternalServerError)
	assertJSONError(t, recorder, "student storage not available")
}

// --- Status ---

func TestSyncHandler_Status_Success(t *testing.T) {
	_, handler, jm := setupSyncTest(t, "http://sis.test")
	jm.CreateJob("job-1", SyncJobOptions{FetchPortraits: true})

	req := httptest.NewRequest("GET", "/api/v1/sync/job-1", nil)
	req = requestWithChiParams(req, map[string]string{"jobId": "job-1"})
	recorder := httptest.NewRecorder()
	handler.Status(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var job SyncJob
	parseJSONResponse(t, recorder, &job)
	if job.ID != "job-1" || job.Status != JobStatusPending {
		t.Errorf("unexpected job status response: %+v", &job)
	}
}

func TestSyncHandler_Status_NotFound(t *testing.T) {
	_, handler, _ := setupSyncTest(t, "http://sis.test")

	req := httptest.NewRequest("GET", "/api/v1/sync/nope", nil)
	req = requestWithChiParams(req, map[string]string{"jobId": "nope"})
	recorder := httptest.NewRecorder()
	handler.Status(recorder, req)

	assertStatusCode(t, recorder, http.StatusNotFound)
	assertJSONError(t, recorder, "job not found")
}

func TestSyncHandler_Status_MissingJobID(t *testing.T) {
	_, handler, _ := setupSyncTest(t, "http://sis.test")

	req := httptest.NewRequest("GET", "/api/v1/sync/", nil)
	req = requestWithChiParams(req, map[string]string{})
	recorder := httptest.NewRecorder()
	handler.Status(recorder, req)

	assertStatusCode(t, recorder, http.StatusBadRequest)
	assertJSONError(t, recorder, "missing job ID")
}

// --- Cancel ---

func TestSyncHandler_Cancel_Success(t *testing.T) {
	_, handler, jm := setupSyncTest(t, "http://sis.test")
	job := jm.CreateJob("job-1", SyncJobOptions{})

	req := httptest.NewRequest("DELETE", "/api/v1/sync/job-1", nil)
	req = requestWithChiParams(req, map[string]string{"jobId": "job-1"})
	recorder := httptest.NewRecorder()
	handler.Cancel(recorder, req)

	assertStatusCode(t, recorder, http.StatusOK)

	var resp map[string]bool
	parseJSONResponse(t, recorder, &resp)
	if !resp["cancelled"] {
		t.Errorf("expected cancelled true, got %v", resp)
	}
	if job.GetStatus() != JobStatusCancelled {
		t.Errorf("expected cancelled status, got %s", job.GetStatus())
	}
}

func TestSyncHandler_Cancel_NotFound(t *testing.T) {
	_, handler, _ := setupSyncTest(t, "http://sis.test")

	req := httptest.NewRequest("DELETE", "/api/v1/sync/nope", nil)
	req = requestWithChiParams(req, map[string]string{"jobId": "nope"})
	recorder := httptest.NewRecorder()
	handler.Cancel(recorder, req)

	assertStatusCode(t, recorder, http.StatusNotFound)
	assertJSONError(t, recorder, "job not found")
}

// --- Events ---

func TestSyncHandler_Events_StreamsUntilTerminal(t *testing.T) {
	_, handler, jm := setupSyncTest(t, "http://sis.test")
	job := jm.CreateJob("job-1", SyncJobOptions{})
	job.Status = JobStatusCompleted

	req := httptest.NewRequest("GET", "/api/v1/sync/job-1/events", nil)
	req = requestWithChiParams(req, map[string]string{"jobId": "job-1"})
	recorder := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		handler.Events(recorder, req)
		close(done)
	}()

	// Wait for the stream to subscribe, then push the terminal event.
	deadline := time.Now().Add(5 * time.Second)
	for {
		job.mu.RLock()
		subscribed := len(job.listeners) > 0
		job.mu.RUnlock()
		if subscribed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("event stream never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	job.SendEvent(JobEvent{Type: "completed", Data: &SyncJobResult{Created: 2}})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("event stream did not terminate")
	}

	assertContentType(t, recorder, "text/event-stream")

	body := recorder.Body.String()
	if !strings.HasPrefix(body, "event: status\ndata: ") {
		t.Errorf("expected initial status event, got: %s", body)
	}
	if !strings.Contains(body, "event: completed") {
		t.Errorf("expected completed event, got: %s", body)
	}
}

func TestSyncHandler_Events_JobNotFound(t *testing.T) {
	_, handler, _ := setupSyncTest(t, "http://sis.test")

	req := httptest.NewRequest("GET", "/api/v1/sync/nope/events", nil)
	req = requestWithChiParams(req, map[string]string{"jobId": "nope"})
	recorder := httptest.NewRecorder()
	handler.Events(recorder, req)

	assertStatusCode(t, recorder, http.StatusNotFound)
	assertJSONError(t, recorder, "job not found")
}

// --- Job manager ---

func TestJobManager_CreateAndGet(t *testing.T) {
	jm := NewJobManager()
	created := jm.CreateJob("job-1", SyncJobOptions{FetchPortraits: true, Encode: true})

	got := jm.GetJob("job-1")
	if got != created {
		t.Fatalf("expected the created job back, got %v", got)
	}
	if got.Status != JobStatusPending {
		t.Errorf("expected pending status, got %s", got.Status)
	}
	if got.StartedAt.IsZero() {
		t.Error("expected started_at to be set")
	}
}

func TestJobManager_GetNonexistent(t *testing.T) {
	jm := NewJobManager()
	if job := jm.GetJob("nope"); job != nil {
		t.Errorf("expected nil for unknown job, got %v", job)
	}
}

func TestJobManager_RunningJob(t *testing.T) {
	jm := NewJobManager()
	if jm.RunningJob() != nil {
		t.Error("expected no running job in an empty manager")
	}

	job := jm.CreateJob("job-1", SyncJobOptions{})
	if jm.RunningJob() != job {
		t.Error("expected pending job to count as running")
	}

	job.mu.Lock()
	job.Status = JobStatusCompleted
	job.mu.Unlock()
	if jm.RunningJob() != nil {
		t.Error("expected no running job after completion")
	}
}
