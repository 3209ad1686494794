package types

// Event represents a typed event emitted during state transitions. Attributes
// carry the event payload as flat string pairs so downstream consumers (RPC,
// websocket stream, gateway webhooks) can forward them without re-encoding.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}

// Clone returns a deep copy so emitters can hand events to subscribers on
// other goroutines without sharing the attribute map.
func (e *Event) Clone() *Event {
	if e == nil {
		return nil
	}
	clone := &Event{Type: e.Type}
	if e.Attributes != nil {
		clone.Attributes = make(map[string]string, len(e.Attributes))
		for k, v := range e.Attributes {
			clone.Attributes[k] = v
		}
	}
	return clone
}
