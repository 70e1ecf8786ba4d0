// Package wire frames stream events for the client transports: Server-Sent
// Events over HTTP and text messages over WebSocket.
package wire

import (
	"encoding/json"

	"github.com/tjfontaine/assistd/internal/domain"
)

// Emitter writes one event to the client and flushes it before returning.
type Emitter interface {
	Emit(ev domain.StreamEvent) error
}

// Encode returns the JSON payload of ev. It never fails: an event of an
// unknown type, or one that cannot be marshalled, is encoded as a content
// event carrying its text.
func Encode(ev domain.StreamEvent) []byte {
	switch ev.Type {
	case domain.EventContent, domain.EventReasoning, domain.EventMarker, domain.EventDone, domain.EventError:
		if b, err := json.Marshal(ev); err == nil {
			return b
		}
	}
	b, _ := json.Marshal(domain.ContentEvent(ev.Text()))
	return b
}

// ParseEvent decodes one payload. Payloads that are not a JSON event
// object, such as plain text from older servers, become content events.
func ParseEvent(data []byte) domain.StreamEvent {
	var ev domain.StreamEvent
	if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
		return domain.ContentEvent(string(data))
	}
	return ev
}
