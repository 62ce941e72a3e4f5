// Package provider abstracts the e-signature vendor that renders documents
// and captures marks. The engine never touches PDF pixels itself; it hands
// the vendor a field layout and tracks the session it gets back.
package provider

import (
	"context"
	"errors"
	"fmt"
	"net"

	"bondflow/packet"
)

// SessionStatus is the vendor's view of one signing session.
type SessionStatus string

const (
	StatusSent      SessionStatus = "sent"
	StatusViewed    SessionStatus = "viewed"
	StatusCompleted SessionStatus = "completed"
	StatusDeclined  SessionStatus = "declined"
	StatusExpired   SessionStatus = "expired"
)

// DispatchRequest starts a signing session for one signer on one document
// instance. Fields carry absolute packet pages; the vendor resolves them
// against the composed document.
type DispatchRequest struct {
	CaseID         string
	InstanceKey    string
	TemplateKey    string
	SignerPersonID string
	SignerName     string
	SignerEmail    string
	SignerPhone    string
	DeliveryMethod string
	Fields         []packet.PlacedField
}

// Client is the outbound surface consumed from the e-signature vendor.
// Implementations must honor context deadlines; no call may block
// indefinitely.
type Client interface {
	DispatchForSigning(ctx context.Context, req DispatchRequest) (sessionRef string, err error)
	GetSessionStatus(ctx context.Context, sessionRef string) (SessionStatus, error)
}

// StatusError reports a non-2xx vendor response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider: http %d: %s", e.Code, e.Body)
}

// Retryable reports whether a dispatch failure is worth retrying: vendor
// 5xx responses, timeouts, and transport errors. 4xx responses (a rejected
// phone number, say) are not.
func Retryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
