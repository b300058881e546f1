package app

import (
	"sync"

	"scribe/internal/segmenter"
	"scribe/internal/transcript"
)

type EventType string

const (
	EventChunkReady   EventType = "chunk-ready"
	EventSegmentAdded EventType = "segment-added"
	EventStatus       EventType = "status"
	EventStateChanged EventType = "state-changed"
	EventError        EventType = "error"
)

// Event is what the app publishes to its subscribers.
type Event struct {
	Type    EventType                 `json:"type"`
	Message string                    `json:"message,omitempty"`
	Chunk   *segmenter.ChunkToProcess `json:"chunk,omitempty"`
	Segment *transcript.Segment       `json:"segment,omitempty"`
	State   *State                    `json:"state,omitempty"`
}

// eventHub fans events out without blocking the publisher. Slow
// subscribers lose events.
type eventHub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func (h *eventHub) subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, max(buffer, 1))

	h.mu.Lock()
	if h.subs == nil {
		h.subs = make(map[chan Event]struct{})
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (h *eventHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}

// Subscribe returns a stream of app events. Call the returned function to
// unsubscribe; the channel is also closed when the app closes.
func (a *App) Subscribe(buffer int) (<-chan Event, func()) {
	return a.events.subscribe(buffer)
}

func (a *App) emit(ev Event) { a.events.publish(ev) }
