package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"bondflow/signing"
)

type trackerStub struct {
	applied []signing.ProviderEvent
	result  signing.ApplyResult
	err     error
}

func (s *trackerStub) ApplyProviderEvent(_ context.Context, ev signing.ProviderEvent) (signing.ApplyResult, error) {
	s.applied = append(s.applied, ev)
	if s.err != nil {
		return signing.ApplyResult{}, s.err
	}
	return s.result, nil
}

type unmatchedStub struct {
	events []Event
	err    error
}

func (s *unmatchedStub) RecordUnmatched(_ context.Context, ev Event, _ []byte) error {
	s.events = append(s.events, ev)
	return s.err
}

func signedBody(t *testing.T, secret string, ev Event) ([]byte, string) {
	t.Helper()
	raw, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return raw, SignBody(secret, raw)
}

func TestHandleProviderEventApplies(t *testing.T) {
	tracker := &trackerStub{result: signing.ApplyResult{Applied: true}}
	unmatched := &unmatchedStub{}
	ing := NewIngestor("secret", tracker, unmatched)

	ts := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	raw, sig := signedBody(t, "secret", Event{
		EventType:         "signer.signed",
		ProviderSignerRef: "sess-123",
		Timestamp:         ts,
		Detail:            map[string]any{"ip": "10.0.0.1"},
	})

	res, err := ing.HandleProviderEvent(context.Background(), raw, sig)
	if err != nil {
		t.Fatalf("HandleProviderEvent: %v", err)
	}
	if !res.Applied {
		t.Fatal("expected Applied=true")
	}
	if len(tracker.applied) != 1 {
		t.Fatalf("expected 1 tracker call, got %d", len(tracker.applied))
	}
	got := tracker.applied[0]
	if got.Type != signing.EventSigned {
		t.Fatalf("expected EventSigned, got %s", got.Type)
	}
	if got.SessionRef != "sess-123" {
		t.Fatalf("unexpected session ref %s", got.SessionRef)
	}
	if !got.OccurredAt.Equal(ts) {
		t.Fatalf("unexpected timestamp %v", got.OccurredAt)
	}
	if len(unmatched.events) != 0 {
		t.Fatal("matched event must not be recorded as unmatched")
	}
}

func TestHandleProviderEventBadSignature(t *testing.T) {
	tracker := &trackerStub{}
	ing := NewIngestor("secret", tracker, &unmatchedStub{})

	raw, _ := signedBody(t, "secret", Event{EventType: "signer.viewed", ProviderSignerRef: "sess-1"})
	_, err := ing.HandleProviderEvent(context.Background(), raw, SignBody("wrong", raw))
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("expected ErrBadSignature, got %v", err)
	}
	if len(tracker.applied) != 0 {
		t.Fatal("unauthenticated event must not reach the tracker")
	}
}

func TestHandleProviderEventMalformed(t *testing.T) {
	ing := NewIngestor("secret", &trackerStub{}, &unmatchedStub{})

	cases := []struct {
		name string
		body string
	}{
		{"not json", "{"},
		{"missing event type", `{"providerSignerRef":"sess-1"}`},
		{"missing signer ref", `{"eventType":"signer.signed"}`},
		{"unknown event type", `{"eventType":"signer.sneezed","providerSignerRef":"sess-1"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw := []byte(tc.body)
			_, err := ing.HandleProviderEvent(context.Background(), raw, SignBody("secret", raw))
			if !errors.Is(err, ErrMalformedEvent) {
				t.Fatalf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func TestHandleProviderEventUnmatchedIsAcked(t *testing.T) {
	tracker := &trackerStub{err: signing.ErrBindingNotFound}
	unmatched := &unmatchedStub{}
	ing := NewIngestor("secret", tracker, unmatched)

	raw, sig := signedBody(t, "secret", Event{
		EventType:         "signer.signed",
		ProviderSignerRef: "sess-unknown",
	})

	res, err := ing.HandleProviderEvent(context.Background(), raw, sig)
	if err != nil {
		t.Fatalf("unmatched event must be acked, got %v", err)
	}
	if res.Applied {
		t.Fatal("unmatched event must not report Applied")
	}
	if len(unmatched.events) != 1 {
		t.Fatalf("expected 1 unmatched record, got %d", len(unmatched.events))
	}
	if unmatched.events[0].ProviderSignerRef != "sess-unknown" {
		t.Fatalf("unexpected unmatched ref %s", unmatched.events[0].ProviderSignerRef)
	}
}

func TestHandleProviderEventUnmatchedStoreFailure(t *testing.T) {
	boom := errors.New("insert failed")
	tracker := &trackerStub{err: signing.ErrBindingNotFound}
	ing := NewIngestor("secret", tracker, &unmatchedStub{err: boom})

	raw, sig := signedBody(t, "secret", Event{
		EventType:         "signer.signed",
		ProviderSignerRef: "sess-unknown",
	})
	_, err := ing.HandleProviderEvent(context.Background(), raw, sig)
	if !errors.Is(err, boom) {
		t.Fatalf("expected store error to surface, got %v", err)
	}
}

func TestHandleProviderEventTrackerFailure(t *testing.T) {
	boom := errors.New("db down")
	tracker := &trackerStub{err: boom}
	unmatched := &unmatchedStub{}
	ing := NewIngestor("secret", tracker, unmatched)

	raw, sig := signedBody(t, "secret", Event{
		EventType:         "signer.declined",
		ProviderSignerRef: "sess-9",
	})
	_, err := ing.HandleProviderEvent(context.Background(), raw, sig)
	if !errors.Is(err, boom) {
		t.Fatalf("expected tracker error to surface, got %v", err)
	}
	if len(unmatched.events) != 0 {
		t.Fatal("transient tracker failure must not be filed as unmatched")
	}
}
