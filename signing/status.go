package signing

// transitions is the closed (current status, event) -> next status map.
// Anything absent is a no-op: duplicate and out-of-order deliveries land
// here and are logged, never errored. Statuses only move forward along
// created -> dispatched -> viewed -> signed; declined and error rows stop
// moving entirely, and an expired row may still be signed or declined when
// the provider resolves it late.
var transitions = map[Status]map[EventType]Status{
	// A created binding has no provider session yet, so the only things
	// that can happen to it are a dispatch handoff or a dispatch failure.
	StatusCreated: {
		EventDispatched: StatusDispatched,
		EventFailed:     StatusError,
	},
	StatusDispatched: {
		EventViewed:   StatusViewed,
		EventSigned:   StatusSigned,
		EventDeclined: StatusDeclined,
		EventExpired:  StatusExpired,
		EventFailed:   StatusError,
	},
	StatusViewed: {
		EventSigned:   StatusSigned,
		EventDeclined: StatusDeclined,
		EventExpired:  StatusExpired,
		EventFailed:   StatusError,
	},
	StatusSigned: {},
	StatusExpired: {
		EventSigned:   StatusSigned,
		EventDeclined: StatusDeclined,
	},
	StatusDeclined: {},
	StatusError:    {},
}

// NextStatus resolves one event against the transition map. ok=false means
// the event does not advance this binding and must be treated as an
// idempotent no-op.
func NextStatus(current Status, ev EventType) (Status, bool) {
	next, ok := transitions[current][ev]
	return next, ok
}

// ValidStatus reports whether s is a known lifecycle status.
func ValidStatus(s Status) bool {
	_, ok := transitions[s]
	return ok
}
