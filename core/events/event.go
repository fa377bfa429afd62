package events

// Event represents a typed event emitted during a settlement state
// transition.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Typed is implemented by structured payloads that can render themselves as a
// canonical Event.
type Typed interface {
	EventType() string
	Event() *Event
}

// Emitter broadcasts events to downstream subscribers (RPC, indexers,
// dispatch).
type Emitter interface {
	Emit(Typed)
}

// NoopEmitter satisfies the Emitter interface while discarding all events. It
// is the default for engines whose caller has not wired a subscriber.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Typed) {}

// Recorder retains emitted events in order. Intended for tests.
type Recorder struct {
	Events []*Event
}

func (r *Recorder) Emit(evt Typed) {
	if evt == nil {
		return
	}
	r.Events = append(r.Events, evt.Event())
}
