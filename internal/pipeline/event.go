package pipeline

import "github.com/opensource-finance/kestrel/internal/domain"

// EventType distinguishes progress from terminal events.
type EventType string

// Event types.
const (
	EventProgress EventType = "progress"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

// Event is one progress notification from a run.
// A run emits one progress event per stage and then exactly one
// done or error event.
type Event struct {
	Type    EventType      `json:"type"`
	Message string         `json:"message,omitempty"`
	Index   int            `json:"index,omitempty"`
	Total   int            `json:"total,omitempty"`
	Result  *domain.Output `json:"result,omitempty"`
	Detail  string         `json:"detail,omitempty"`
}

// Terminal reports whether e ends a run.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// Emitter receives events. It must not block.
type Emitter func(Event)
