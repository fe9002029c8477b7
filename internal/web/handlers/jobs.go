package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/kozaktomas/rollcall/internal/constants"
)

// JobStatus represents the status of an async job.
type JobStatus string

// JobStatus constants define the lifecycle states of an async job.
const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// SyncJob represents an async roster sync job.
type SyncJob struct {
	EventBroadcaster

	ID                string         `json:"id"`
	Status            JobStatus      `json:"status"`
	Progress          int            `json:"progress"`
	TotalStudents     int            `json:"total_students"`
	ProcessedStudents int            `json:"processed_students"`
	Error             string         `json:"error,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	Options           SyncJobOptions `json:"options"`
	Result            *SyncJobResult `json:"result,omitempty"`
}

// GetStatus returns the current job status (implements SSEJob).
func (j *SyncJob) GetStatus() JobStatus {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// Cancel cancels the sync job.
func (j *SyncJob) Cancel() {
	j.EventBroadcaster.Cancel()
	j.mu.Lock()
	j.Status = JobStatusCancelled
	j.mu.Unlock()
}

// SyncJobOptions represents roster sync options.
type SyncJobOptions struct {
	FetchPortraits bool `json:"fetch_portraits"`
	Encode         bool `json:"encode"`
	PageSize       int  `json:"page_size"`
}

// SyncJobResult represents the result of a roster sync job.
type SyncJobResult struct {
	Created          int      `json:"created"`
	Updated          int      `json:"updated"`
	PortraitsFetched int      `json:"portraits_fetched"`
	EncodingsStored  int      `json:"encodings_stored"`
	Skipped          int      `json:"skipped"`
	Errors           []string `json:"errors,omitempty"`
}

// JobEvent represents an event from a job.
type JobEvent struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// EventBroadcaster provides listener management and event broadcasting for async jobs.
// Embed this in job structs to get AddListener, RemoveListener, and SendEvent methods.
type EventBroadcaster struct {
	cancel    context.CancelFunc
	listeners []chan JobEvent
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan JobEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan JobEvent, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener.
func (b *EventBroadcaster) RemoveListener(ch chan JobEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, listener := range b.listeners {
		if listener == ch {
			b.listeners = append(b.listeners[:i], b.listeners[i+1:]...)
			close(ch)
			return
		}
	}
}

// SendEvent sends an event to all listeners.
func (b *EventBroadcaster) SendEvent(event JobEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, listener := range b.listeners {
		select {
		case listener <- event:
		default:
			// Listener buffer full, skip.
		}
	}
}

// Cancel cancels the job via context and sends a cancelled event.
func (b *EventBroadcaster) Cancel() {
	if b.cancel != nil {
		b.cancel()
	}
	b.SendEvent(JobEvent{Type: "cancelled", Message: "Job cancelled by user"})
}

// SSEJob is the interface required by streamSSEEvents to stream job events via SSE.
type SSEJob interface {
	AddListener() chan JobEvent
	RemoveListener(ch chan JobEvent)
	GetStatus() JobStatus
}

// JobManager manages async jobs.
type JobManager struct {
	jobs map[string]*SyncJob
	mu   sync.RWMutex
}

// NewJobManager creates a new job manager.
func NewJobManager() *JobManager {
	return &JobManager{
		jobs: make(map[string]*SyncJob),
	}
}

// CreateJob creates a new sync job.
func (m *JobManager) CreateJob(id string, options SyncJobOptions) *SyncJob {
	job := &SyncJob{
		ID:        id,
		Status:    JobStatusPending,
		StartedAt: time.Now(),
		Options:   options,
	}

	m.mu.Lock()
	m.jobs[id] = job
	m.mu.Unlock()

	return job
}

// GetJob retrieves a job by ID.
func (m *JobManager) GetJob(id string) *SyncJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.jobs[id]
}

// DeleteJob removes a job.
func (m *JobManager) DeleteJob(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
}

// ListJobs returns all jobs.
func (m *JobManager) ListJobs() []*SyncJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	jobs := make([]*SyncJob, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}

// RunningJob returns the first job still pending or running, nil if none.
// The sync endpoints allow a single roster sync at a time.
func (m *JobManager) RunningJob() *SyncJob {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, job := range m.jobs {
		status := job.GetStatus()
		if status == JobStatusPending || status == JobStatusRunning {
			return job
		}
	}
	return nil
}
