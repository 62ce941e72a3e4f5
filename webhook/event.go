package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"bondflow/signing"
)

// Event is the provider callback payload after JSON decoding. The
// provider addresses bindings by the session ref it returned at dispatch,
// carried here as ProviderSignerRef.
type Event struct {
	EventType           string         `json:"eventType"`
	ProviderDocumentRef string         `json:"providerDocumentRef"`
	ProviderSignerRef   string         `json:"providerSignerRef"`
	Timestamp           time.Time      `json:"timestamp"`
	Detail              map[string]any `json:"detail,omitempty"`
}

// ParseEvent decodes and validates one raw callback body.
func ParseEvent(raw []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if ev.EventType == "" {
		return Event{}, fmt.Errorf("%w: missing eventType", ErrMalformedEvent)
	}
	if ev.ProviderSignerRef == "" {
		return Event{}, fmt.Errorf("%w: missing providerSignerRef", ErrMalformedEvent)
	}
	if _, ok := transitionType(ev.EventType); !ok {
		return Event{}, fmt.Errorf("%w: unknown eventType %q", ErrMalformedEvent, ev.EventType)
	}
	return ev, nil
}

// transitionType maps the provider's wire event names onto workflow events.
func transitionType(wire string) (signing.EventType, bool) {
	switch wire {
	case "signer.viewed":
		return signing.EventViewed, true
	case "signer.signed":
		return signing.EventSigned, true
	case "signer.declined":
		return signing.EventDeclined, true
	case "session.expired":
		return signing.EventExpired, true
	case "delivery.failed":
		return signing.EventFailed, true
	default:
		return "", false
	}
}
