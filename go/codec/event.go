package codec

import "fmt"

// EventKey is the correlation record serialized as the key of every event.
// Consumers extract it to filter events and to index their registries.
type EventKey struct {
	EventID        string `json:"eventId"`
	EventType      string `json:"eventType"`
	PayloadVersion string `json:"payloadVersion"`
}

// Validate returns an error unless the EventKey carries an event id.
func (k EventKey) Validate() error {
	if k.EventID == "" {
		return fmt.Errorf("event key is missing its eventId")
	}
	return nil
}
