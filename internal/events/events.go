// Package events carries lifecycle and progress notifications from the
// download pipeline and process supervisors to whoever subscribes.
package events

import "time"

// Event is a lifecycle or progress notification.
// Name is stable (e.g. "download_progress", "spawn_ready"); Fields holds
// event-specific values.
type Event struct {
	Seq     uint64         `json:"seq"`
	Time    time.Time      `json:"time"`
	Name    string         `json:"name"`
	Backend string         `json:"backend,omitempty"`
	ModelID string         `json:"model_id,omitempty"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// Publisher receives events. Implementations must be non-blocking and must
// not panic.
type Publisher interface {
	Publish(Event)
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Event) {}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}
