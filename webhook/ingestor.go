package webhook

import (
	"context"
	"errors"
	"fmt"
	"log"

	"golang.org/x/sync/semaphore"

	"bondflow/signing"
)

var (
	// ErrBadSignature is returned when the HMAC signature header does not
	// match the body. The caller must reject the request.
	ErrBadSignature = errors.New("webhook: signature mismatch")
	// ErrMalformedEvent is returned when the callback body cannot be
	// decoded into a known provider event.
	ErrMalformedEvent = errors.New("webhook: malformed event payload")
)

const defaultMaxInFlight = 32

// TransitionApplier is the tracker surface the ingestor drives.
type TransitionApplier interface {
	ApplyProviderEvent(ctx context.Context, ev signing.ProviderEvent) (signing.ApplyResult, error)
}

// UnmatchedRecorder files events that reference no known binding so
// operators can review them. Recording replaces failing: the provider is
// acked either way so it stops retrying.
type UnmatchedRecorder interface {
	RecordUnmatched(ctx context.Context, ev Event, raw []byte) error
}

// Ingestor authenticates, parses, and applies provider callbacks. In-flight
// event processing is bounded; per-binding ordering is enforced by the
// tracker's row locks, so events for distinct bindings run in parallel.
type Ingestor struct {
	secret    string
	tracker   TransitionApplier
	unmatched UnmatchedRecorder
	sem       *semaphore.Weighted
}

func NewIngestor(secret string, tracker TransitionApplier, unmatched UnmatchedRecorder) *Ingestor {
	return &Ingestor{
		secret:    secret,
		tracker:   tracker,
		unmatched: unmatched,
		sem:       semaphore.NewWeighted(defaultMaxInFlight),
	}
}

// WithMaxInFlight bounds concurrent event processing.
func (i *Ingestor) WithMaxInFlight(n int64) *Ingestor {
	i.sem = semaphore.NewWeighted(n)
	return i
}

// HandleProviderEvent verifies, decodes, and applies one raw callback.
// Unmatched session refs are recorded and acked rather than failed, so a
// ref the provider invented (or one belonging to a purged case) cannot
// wedge its retry queue. Duplicate deliveries surface as Applied=false.
func (i *Ingestor) HandleProviderEvent(ctx context.Context, raw []byte, signatureHeader string) (signing.ApplyResult, error) {
	if !VerifySignature(i.secret, raw, signatureHeader) {
		return signing.ApplyResult{}, ErrBadSignature
	}

	ev, err := ParseEvent(raw)
	if err != nil {
		return signing.ApplyResult{}, err
	}

	if err := i.sem.Acquire(ctx, 1); err != nil {
		return signing.ApplyResult{}, fmt.Errorf("webhook: acquire slot: %w", err)
	}
	defer i.sem.Release(1)

	transition, _ := transitionType(ev.EventType)
	res, err := i.tracker.ApplyProviderEvent(ctx, signing.ProviderEvent{
		Type:       transition,
		SessionRef: ev.ProviderSignerRef,
		OccurredAt: ev.Timestamp,
		Detail:     ev.Detail,
	})
	if err != nil {
		if errors.Is(err, signing.ErrBindingNotFound) {
			log.Printf("webhook: unmatched event %s for session ref %s, recording for review",
				ev.EventType, ev.ProviderSignerRef)
			if recErr := i.unmatched.RecordUnmatched(ctx, ev, raw); recErr != nil {
				return signing.ApplyResult{}, recErr
			}
			return signing.ApplyResult{}, nil
		}
		return signing.ApplyResult{}, err
	}
	return res, nil
}
