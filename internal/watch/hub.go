// Package watch fans job status events out to stream subscribers.
package watch

import (
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/kueuexec/pkg/models"
)

// Event types.
const (
	EventObserved = "observed"
	EventRecord   = "record"
)

// Event is one message on the watch stream. Observed events carry the
// cluster-side state, record events carry the updated job record.
type Event struct {
	Type  string               `json:"type"`
	JobID uuid.UUID            `json:"job_id"`
	State *models.ClusterState `json:"state,omitempty"`
	Job   *models.Job          `json:"job,omitempty"`
}

// Hub delivers events to every subscriber. A subscriber whose buffer is full
// misses events rather than blocking the publisher.
type Hub struct {
	mu      sync.RWMutex
	subs    map[*subscriber]struct{}
	bufSize int
}

type subscriber struct {
	ch     chan Event
	filter uuid.UUID
}

func NewHub(bufSize int) *Hub {
	if bufSize <= 0 {
		bufSize = 32
	}
	return &Hub{subs: make(map[*subscriber]struct{}), bufSize: bufSize}
}

// Subscribe registers a subscriber. A non-nil jobID restricts it to that job.
// The returned func unsubscribes and closes the channel.
func (h *Hub) Subscribe(jobID uuid.UUID) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, h.bufSize), filter: jobID}

	h.mu.Lock()
	h.subs[s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, s)
			h.mu.Unlock()
			close(s.ch)
		})
	}
}

// Publish returns the number of subscribers that received ev.
func (h *Hub) Publish(ev Event) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for s := range h.subs {
		if s.filter != uuid.Nil && s.filter != ev.JobID {
			continue
		}
		select {
		case s.ch <- ev:
			delivered++
		default:
		}
	}
	return delivered
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
