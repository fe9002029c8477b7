package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kozaktomas/rollcall/internal/config"
	"github.com/kozaktomas/rollcall/internal/constants"
	"github.com/kozaktomas/rollcall/internal/database"
	"github.com/kozaktomas/rollcall/internal/encoder"
	"github.com/kozaktomas/rollcall/internal/facematch"
	"github.com/kozaktomas/rollcall/internal/sis"
)

// SyncHandler handles async roster sync endpoints
type SyncHandler struct {
	config     *config.Config
	jobManager *JobManager
	encoder    *encoder.Client
}

// NewSyncHandler creates a new sync handler
func NewSyncHandler(cfg *config.Config, jm *JobManager, enc *encoder.Client) *SyncHandler {
	return &SyncHandler{config: cfg, jobManager: jm, encoder: enc}
}

// Start launches an async roster sync against the school information
// system. Only one sync runs at a time; a second start returns 409.
func (h *SyncHandler) Start(w http.ResponseWriter, r *http.Request) {
	// The body is optional; the default is a full sync with portraits
	// and face encoding.
	opts := SyncJobOptions{FetchPortraits: true, Encode: true}
	if err := json.NewDecoder(r.Body).Decode(&opts); err != nil && err != io.EOF {
		respondError(w, http.StatusBadRequest, errInvalidRequestBody)
		return
	}
	if opts.PageSize <= 0 {
		opts.PageSize = h.config.SIS.PageSize
	}

	if h.config.SIS.URL == "" {
		respondError(w, http.StatusBadRequest, "SIS_URL is not configured")
		return
	}

	if running := h.jobManager.RunningJob(); running != nil {
		respondError(w, http.StatusConflict, "a roster sync is already running")
		return
	}

	// Repositories are resolved here because the request context dies when
	// the handler returns.
	sw := getStudentWriter(r, w)
	if sw == nil {
		return
	}
	ew := getEncodingWriter(r, w)
	if ew == nil {
		return
	}

	jobID := uuid.New().String()
	job := h.jobManager.CreateJob(jobID, opts)

	go h.runSyncJob(job, sw, ew)

	respondJSON(w, http.StatusAccepted, map[string]string{
		"job_id": jobID,
		"status": string(JobStatusPending),
	})
}

// Status returns the status of a sync job
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "missing job ID")
		return
	}

	job := h.jobManager.GetJob(jobID)
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}

	respondJSON(w, http.StatusOK, job)
}

// Events streams job events via SSE
func (h *SyncHandler) Events(w http.ResponseWriter, r *http.Request) {
	streamSSEEvents(w, r,
		func(id string) SSEJob {
			job := h.jobManager.GetJob(id)
			if job == nil {
				return nil
			}
			return job
		},
		func(job SSEJob) any {
			return job
		},
	)
}

// Cancel cancels a sync job
func (h *SyncHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	if jobID == "" {
		respondError(w, http.StatusBadRequest, "missing job ID")
		return
	}

	job := h.jobManager.GetJob(jobID)
	if job == nil {
		respondError(w, http.StatusNotFound, "job not found")
		return
	}

	job.Cancel()
	respondJSON(w, http.StatusOK, map[string]bool{"cancelled": true})
}

// runSyncJob runs the roster sync in the background
func (h *SyncHandler) runSyncJob(job *SyncJob, sw database.StudentWriter, ew database.EncodingWriter) {
	ctx, cancel := context.WithCancel(context.Background())
	job.cancel = cancel
	defer cancel()

	job.mu.Lock()
	job.Status = JobStatusRunning
	job.mu.Unlock()
	job.SendEvent(JobEvent{Type: "started", Message: "Roster sync started"})

	client, err := sis.NewClient(h.config.SIS.URL, h.config.SIS.Token)
	if err != nil {
		h.failJob(job, fmt.Sprintf("failed to create SIS client: %v", err))
		return
	}

	students, err := client.AllStudents(job.Options.PageSize)
	if err != nil {
		h.failJob(job, fmt.Sprintf("failed to fetch roster: %v", err))
		return
	}

	job.mu.Lock()
	job.TotalStudents = len(students)
	job.mu.Unlock()
	job.SendEvent(JobEvent{Type: "roster_fetched", Data: map[string]int{"total": len(students)}})

	result := &SyncJobResult{}
	for i, entry := range students {
		if ctx.Err() != nil {
			job.mu.Lock()
			job.Status = JobStatusCancelled
			job.mu.Unlock()
			job.SendEvent(JobEvent{Type: "cancelled", Message: "Job was cancelled"})
			return
		}

		if err := h.syncStudent(ctx, client, sw, ew, entry, job.Options, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.StudentID, err))
		}

		job.mu.Lock()
		job.ProcessedStudents = i + 1
		job.Progress = (i + 1) * 100 / len(students)
		job.mu.Unlock()
		job.SendEvent(JobEvent{
			Type: "progress",
			Data: map[string]any{
				"current":    i + 1,
				"total":      len(students),
				"student_id": entry.StudentID,
			},
		})
	}

	now := time.Now()
	job.mu.Lock()
	job.Status = JobStatusCompleted
	job.CompletedAt = &now
	job.Progress = 100
	job.Result = result
	job.mu.Unlock()

	job.SendEvent(JobEvent{Type: "completed", Data: result})
}

func (h *SyncHandler) failJob(job *SyncJob, message string) {
	now := time.Now()
	job.mu.Lock()
	job.Status = JobStatusFailed
	job.Error = message
	job.CompletedAt = &now
	job.mu.Unlock()
	job.SendEvent(JobEvent{Type: "job_error", Message: message})
}

// syncStudent upserts one roster entry. Portrait trouble never loses the
// roster fields: the student row is saved regardless, and the portrait
// error lands in the result list instead.
func (h *SyncHandler) syncStudent(ctx context.Context, client *sis.Client, sw database.StudentWriter, ew database.EncodingWriter, entry sis.Student, opts SyncJobOptions, result *SyncJobResult) error {
	existing, err := sw.Get(ctx, entry.StudentID)
	if err != nil {
		return fmt.Errorf("lookup failed: %w", err)
	}

	student := existing
	if student == nil {
		student = &database.Student{StudentID: entry.StudentID, IsActive: true}
	}
	student.Name = entry.Name
	student.Email = entry.Email
	student.Phone = entry.Phone
	student.Department = entry.Department
	student.Year = entry.Year
	student.Section = entry.Section

	if opts.FetchPortraits && entry.HasPortrait {
		if err := h.syncPortrait(ctx, client, ew, existing, student, opts.Encode, result); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", entry.StudentID, err))
		}
	}

	if err := sw.Save(ctx, student); err != nil {
		return fmt.Errorf("save failed: %w", err)
	}
	if existing == nil {
		result.Created++
	} else {
		result.Updated++
	}
	return nil
}

// syncPortrait downloads and stores the student's portrait and re-encodes
// the face, skipping images unchanged by difference hash. Mutates the
// student's portrait fields and the result counters.
func (h *SyncHandler) syncPortrait(ctx context.Context, client *sis.Client, ew database.EncodingWriter, existing, student *database.Student, encode bool, result *SyncJobResult) error {
	data, _, err := client.DownloadPortrait(student.StudentID)
	if err != nil {
		if sis.IsNotFoundError(err) {
			// The roster claims a portrait the SIS cannot produce.
			result.Skipped++
			return nil
		}
		return fmt.Errorf("portrait download failed: %w", err)
	}

	prepared, width, height, err := encoder.PreparePortrait(data)
	if err != nil {
		return fmt.Errorf("portrait prepare failed: %w", err)
	}
	hash, err := encoder.DifferenceHash(prepared)
	if err != nil {
		return fmt.Errorf("portrait hash failed: %w", err)
	}

	if existing != nil && existing.PortraitHash != 0 &&
		encoder.HammingDistance(existing.PortraitHash, hash) <= constants.PortraitHashThreshold {
		result.Skipped++
		return nil
	}

	path, err := savePortrait(h.config.Recognition.PortraitDir, student.StudentID, prepared)
	if err != nil {
		return err
	}
	student.PortraitPath = path
	student.PortraitHash = hash
	result.PortraitsFetched++

	if !encode {
		return nil
	}

	resp, err := h.encoder.Encode(ctx, prepared)
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}
	best := bestFace(resp.Faces)
	if best == nil {
		return nil
	}

	enc := database.StoredEncoding{
		StudentID: student.StudentID,
		Encoding:  best.Embedding,
		Dim:       best.Dim,
		Model:     resp.Model,
		BBox:      facematch.RelativeBBox(best.BBox, width, height),
		DetScore:  best.DetScore,
		Source:    "sis",
	}
	if _, err := ew.ReplaceForStudent(ctx, student.StudentID, []database.StoredEncoding{enc}); err != nil {
		return fmt.Errorf("encoding store failed: %w", err)
	}
	result.EncodingsStored++
	return nil
}
