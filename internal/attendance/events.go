package attendance

import (
	"sync"
	"time"

	"github.com/kozaktomas/rollcall/internal/constants"
)

// Recognition event types sent to live feed listeners.
const (
	EventMarked    = "marked"
	EventRefreshed = "gallery_refreshed"
)

// RecognitionEvent is one entry on the live recognition feed. Marked events
// carry the student and recorded status; refresh events carry the new
// gallery size.
type RecognitionEvent struct {
	Type        string    `json:"type"`
	StudentID   string    `json:"student_id,omitempty"`
	StudentName string    `json:"student_name,omitempty"`
	Status      string    `json:"status,omitempty"`
	Confidence  float64   `json:"confidence,omitempty"`
	GallerySize int       `json:"gallery_size,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// EventBroadcaster provides listener management and event broadcasting for
// the recognition feed. Embed this in the recognizer to get AddListener,
// RemoveListener, and SendEvent methods.
type EventBroadcaster struct {
	listeners []chan RecognitionEvent
	mu        sync.RWMutex
}

// AddListener adds an event listener.
func (b *EventBroadcaster) AddListener() chan RecognitionEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan RecognitionEvent, constants.EventChannelBuffer)
	b.listeners = append(b.listeners, ch)
	return ch
}

// RemoveListener removes an event listener and closes its channel.
func (b *EventBroadcaster) RemoveListener(ch chan RecognitionEvent) {
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
func (b *EventBroadcaster) SendEvent(event RecognitionEvent) {
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
