package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kozaktomas/rollcall/internal/attendance"
	"github.com/kozaktomas/rollcall/internal/constants"
)

// RecognizeHandler handles the live recognition endpoints
type RecognizeHandler struct {
	recognizer *attendance.Recognizer
}

// NewRecognizeHandler creates a new recognize handler
func NewRecognizeHandler(recognizer *attendance.Recognizer) *RecognizeHandler {
	return &RecognizeHandler{recognizer: recognizer}
}

// readFrame extracts the uploaded camera frame from the multipart form.
func readFrame(w http.ResponseWriter, r *http.Request) []byte {
	if err := r.ParseMultipartForm(constants.MaxUploadSize); err != nil {
		respondError(w, http.StatusBadRequest, "failed to parse multipart form")
		return nil
	}
	frame, err := readFormFile(r, "frame")
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return nil
	}
	if len(frame) == 0 {
		respondError(w, http.StatusBadRequest, "frame file is required")
		return nil
	}
	return frame
}

// Recognize processes one camera frame: detect, match, and mark attendance
// for every recognized student without a record today.
func (h *RecognizeHandler) Recognize(w http.ResponseWriter, r *http.Request) {
	frame := readFrame(w, r)
	if frame == nil {
		return
	}

	result, err := h.recognizer.ProcessFrame(r.Context(), frame)
	if err != nil {
		if errors.Is(err, attendance.ErrNotRunning) {
			respondError(w, http.StatusConflict, "no recognition session running")
			return
		}
		respondError(w, http.StatusBadGateway, fmt.Sprintf("recognition failed: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Preview matches faces in a frame without writing attendance. Works
// against the latest loaded snapshot even when no session is running.
func (h *RecognizeHandler) Preview(w http.ResponseWriter, r *http.Request) {
	frame := readFrame(w, r)
	if frame == nil {
		return
	}

	result, err := h.recognizer.Preview(r.Context(), frame)
	if err != nil {
		respondError(w, http.StatusBadGateway, fmt.Sprintf("preview failed: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// Events streams recognition events (marks, gallery refreshes) via SSE.
// The first event is always a snapshot of the current gallery state.
func (h *RecognizeHandler) Events(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	eventCh := h.recognizer.AddListener()
	defer h.recognizer.RemoveListener(eventCh)

	sendSSEEvent(w, flusher, "status", h.recognizer.Info())

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, event.Type, event)
		}
	}
}

// GalleryRefresh rebuilds the gallery snapshot from storage so enrollment
// changes reach the running session.
func (h *RecognizeHandler) GalleryRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.recognizer.Refresh(r.Context()); err != nil {
		respondError(w, http.StatusInternalServerError, fmt.Sprintf("gallery refresh failed: %v", err))
		return
	}
	respondJSON(w, http.StatusOK, h.recognizer.Info())
}

// Gallery returns snapshot statistics and skip diagnostics of the last load.
func (h *RecognizeHandler) Gallery(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.recognizer.Info())
}
