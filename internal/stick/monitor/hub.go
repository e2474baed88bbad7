package monitor

import (
	crand "crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/helmworks/steadystick/internal/stick"
	"github.com/helmworks/steadystick/internal/stick/netsrc"
)

// FrameEvent is one per-frame diagnostics event published to SSE
// subscribers.
type FrameEvent struct {
	DeviceID string            `json:"device_id"`
	Output   stick.Vec6        `json:"output"`
	Diag     stick.Diagnostics `json:"diag"`
}

// Hub fans per-frame diagnostics out to SSE subscribers. Publishing never
// blocks: a subscriber that stops draining its channel misses frames
// instead of stalling the sample path.
type Hub struct {
	subscriberMu sync.Mutex
	subscribers  map[string]chan string
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[string]chan string)}
}

// eventID generates a random subscriber ID (8 byte random hex encoded value)
func eventID() string {
	b := make([]byte, 8)
	crand.Read(b)
	return hex.EncodeToString(b)
}

// Subscribe registers a new diagnostics consumer. The channel carries one
// JSON-encoded FrameEvent per element; callers must Unsubscribe with the
// returned ID when done.
func (h *Hub) Subscribe() (string, chan string) {
	id := eventID()
	// A small buffer absorbs scheduler jitter at 60 Hz without letting a
	// stalled client accumulate frames.
	ch := make(chan string, 16)
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	h.subscribers[id] = ch
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

// Publish encodes the event and delivers it to every subscriber that has
// room. With no subscribers the encode is skipped entirely.
func (h *Hub) Publish(ev FrameEvent) {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	if len(h.subscribers) == 0 {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	line := string(payload)
	for _, ch := range h.subscribers {
		select {
		case ch <- line:
		default:
			// skip subscribers that are not draining
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.subscriberMu.Lock()
	defer h.subscriberMu.Unlock()
	return len(h.subscribers)
}

// Tap wraps a sample sink so every processed frame also feeds the monitor:
// throughput counters and the SSE hub. The wrapped sink does the real work;
// the tap never modifies the output.
type Tap struct {
	sink  netsrc.Sink
	stats *FrameStats
	hub   *Hub
}

// NewTap creates a monitoring tap around sink. Either stats or hub may be
// nil to skip that side.
func NewTap(sink netsrc.Sink, stats *FrameStats, hub *Hub) *Tap {
	return &Tap{sink: sink, stats: stats, hub: hub}
}

// Process forwards the sample and records the result.
func (t *Tap) Process(s stick.Sample) (stick.Vec6, stick.Diagnostics, error) {
	out, diag, err := t.sink.Process(s)
	if err != nil {
		return out, diag, err
	}
	if t.stats != nil {
		t.stats.AddFrame(s.DeviceID)
		if diag.Malformed {
			t.stats.AddMalformed()
		}
		if diag.FallbackActive {
			t.stats.AddFallback()
		}
	}
	if t.hub != nil {
		t.hub.Publish(FrameEvent{DeviceID: s.DeviceID, Output: out, Diag: diag})
	}
	return out, diag, nil
}
