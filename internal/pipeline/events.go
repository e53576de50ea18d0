package pipeline

import "time"

// EventType labels the pipeline happenings streamed to operator clients.
type EventType string

const (
	EventSignal      EventType = "signal_received"
	EventDecision    EventType = "decision"
	EventExecution   EventType = "execution"
	EventOrderUpdate EventType = "order_update"
	EventResolution  EventType = "resolution"
	EventStop        EventType = "stop"
)

// Event is one entry on the operator event stream.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`
	Data any       `json:"data"`
}

// EventFunc receives pipeline events. Implementations must not block; the
// pipeline calls it inline on the decision path.
type EventFunc func(Event)

// emit publishes an event if a sink is wired, stamping the current time.
func emit(fn EventFunc, typ EventType, data any) {
	if fn == nil {
		return
	}
	fn(Event{Type: typ, Time: time.Now().UTC(), Data: data})
}
