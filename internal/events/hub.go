// Package events fans job status changes out to interested listeners and
// streams them to browsers over a websocket.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/pocwisper/internal/job"
)

// subscriberBuffer is the per-subscriber queue length. A subscriber that
// falls further behind loses events rather than stalling the publisher.
const subscriberBuffer = 16

// Event describes one status change of a job.
type Event struct {
	JobID   int64      `json:"job_id"`
	OwnerID int64      `json:"-"`
	Status  job.Status `json:"status"`
	Step    string     `json:"step,omitempty"`
	Message string     `json:"message,omitempty"`
	Time    time.Time  `json:"time"`
}

// Terminal reports whether no further events will follow for this run.
func (e Event) Terminal() bool {
	return e.Status == job.StatusCompleted || e.Status == job.StatusFailed
}

type subKey struct {
	owner, job int64
}

// Hub is an in-process publish/subscribe hub keyed by job. The zero value is
// not usable; create one with [NewHub].
type Hub struct {
	mu   sync.Mutex
	subs map[subKey]map[chan Event]struct{}
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[subKey]map[chan Event]struct{})}
}

// Subscribe registers interest in one job. The returned cancel function must
// be called once the caller stops reading; it closes the channel.
func (h *Hub) Subscribe(ownerID, jobID int64) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	key := subKey{ownerID, jobID}

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = make(map[chan Event]struct{})
	}
	h.subs[key][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[key], ch)
			if len(h.subs[key]) == 0 {
				delete(h.subs, key)
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers e to every subscriber of its job without blocking.
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[subKey{e.OwnerID, e.JobID}] {
		select {
		case ch <- e:
		default:
			slog.Warn("events: subscriber queue full, dropping event", "job_id", e.JobID, "status", e.Status)
		}
	}
}

// Subscribers returns the number of listeners for a job.
func (h *Hub) Subscribers(ownerID, jobID int64) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[subKey{ownerID, jobID}])
}
