package signing

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrResendNotAllowed is returned when a resend is requested for a
	// binding outside the dispatched/viewed/expired window.
	ErrResendNotAllowed = errors.New("signing: resend not allowed for binding status")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DB is the pool surface the tracker needs: transactions for transitions,
// plain queries for reads. *pgxpool.Pool satisfies it.
type DB interface {
	TxBeginner
	Querier
}

// TrackerRepository is the data access the tracker depends on.
type TrackerRepository interface {
	GetBindingForUpdate(ctx context.Context, tx pgx.Tx, id string) (Binding, error)
	GetBindingByProviderRefForUpdate(ctx context.Context, tx pgx.Tx, ref string) (Binding, error)
	UpdateBindingStatus(ctx context.Context, tx pgx.Tx, b Binding) error
	InsertBinding(ctx context.Context, tx pgx.Tx, b Binding) error
	MarkSuperseded(ctx context.Context, tx pgx.Tx, oldID, newID string) error
	AppendEvent(ctx context.Context, tx pgx.Tx, bindingID string, eventType EventType, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
	RecordIDPrompt(ctx context.Context, tx pgx.Tx, caseID, personID string) (bool, error)
	CompleteInstance(ctx context.Context, tx pgx.Tx, caseID, instanceKey string) (bool, string, error)
	CompletePacket(ctx context.Context, tx pgx.Tx, packetID string) (bool, error)
	ListBindingsByCase(ctx context.Context, q Querier, caseID string) ([]Binding, error)
}

// ProviderEvent is one normalized lifecycle event aimed at a binding,
// addressed either by provider session ref (webhook path) or binding id
// (sweep path).
type ProviderEvent struct {
	Type       EventType
	SessionRef string
	BindingID  string
	OccurredAt time.Time
	Detail     map[string]any
}

// ApplyResult reports what one event did.
type ApplyResult struct {
	Binding          Binding
	Applied          bool
	InstanceComplete bool
	PacketComplete   bool
}

// Tracker is the signature workflow state machine over the store. Each
// transition is one transaction: lock row, validate against the transition
// map, write new state plus its timeline and outbox rows, commit.
type Tracker struct {
	db   DB
	repo TrackerRepository
	now  func() time.Time
}

func NewTracker(db DB, repo TrackerRepository) *Tracker {
	if repo == nil {
		repo = NewRepository()
	}
	return &Tracker{db: db, repo: repo, now: time.Now}
}

// WithClock overrides the tracker's clock for deterministic tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// ApplyProviderEvent advances one binding by one event. Duplicate or
// out-of-order events return Applied=false with no state change and no
// side effects. The row lock taken inside the transaction serializes
// concurrent events for the same binding; events for different bindings
// proceed in parallel.
func (t *Tracker) ApplyProviderEvent(ctx context.Context, ev ProviderEvent) (ApplyResult, error) {
	tx, err := t.db.Begin(ctx)
	if err != nil {
		return ApplyResult{}, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var binding Binding
	switch {
	case ev.BindingID != "":
		binding, err = t.repo.GetBindingForUpdate(ctx, tx, ev.BindingID)
	case ev.SessionRef != "":
		binding, err = t.repo.GetBindingByProviderRefForUpdate(ctx, tx, ev.SessionRef)
	default:
		return ApplyResult{}, fmt.Errorf("signing: event carries neither binding id nor session ref")
	}
	if err != nil {
		return ApplyResult{}, err
	}

	next, ok := NextStatus(binding.Status, ev.Type)
	if !ok {
		log.Printf("signing: duplicate or out-of-order event %s for binding %s (status %s), no-op",
			ev.Type, binding.ID, binding.Status)
		return ApplyResult{Binding: binding, Applied: false}, nil
	}

	occurredAt := ev.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = t.now()
	}

	binding.Status = next
	switch next {
	case StatusSigned:
		signedAt := occurredAt
		binding.SignedAt = &signedAt
	case StatusError:
		msg := "provider reported failure"
		if d, ok := ev.Detail["error"].(string); ok && d != "" {
			msg = d
		}
		binding.LastError = &msg
	}

	if err := t.repo.UpdateBindingStatus(ctx, tx, binding); err != nil {
		return ApplyResult{}, err
	}

	payload := map[string]any{
		"status":      string(next),
		"occurred_at": occurredAt.UTC(),
	}
	for k, v := range ev.Detail {
		payload[k] = v
	}
	if err := t.repo.AppendEvent(ctx, tx, binding.ID, ev.Type, payload); err != nil {
		return ApplyResult{}, err
	}

	result := ApplyResult{Binding: binding, Applied: true}
	switch next {
	case StatusSigned:
		if err := t.onSigned(ctx, tx, binding, &result); err != nil {
			return ApplyResult{}, err
		}
	case StatusExpired:
		if err := t.repo.EnqueueOutbox(ctx, tx, TopicExpiryReminder, map[string]any{
			"binding_id":   binding.ID,
			"case_id":      binding.CaseID,
			"instance_key": binding.InstanceKey,
		}); err != nil {
			return ApplyResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, fmt.Errorf("signing: commit transition: %w", err)
	}
	return result, nil
}

// onSigned runs the signed-transition side effects inside the same
// transaction: the one-per-case ID-upload prompt, then completion
// aggregation up through instance and packet.
func (t *Tracker) onSigned(ctx context.Context, tx pgx.Tx, binding Binding, result *ApplyResult) error {
	prompted, err := t.repo.RecordIDPrompt(ctx, tx, binding.CaseID, binding.SignerPersonID)
	if err != nil {
		return err
	}
	if prompted {
		if err := t.repo.EnqueueOutbox(ctx, tx, TopicIDUploadRequired, map[string]any{
			"case_id":   binding.CaseID,
			"person_id": binding.SignerPersonID,
		}); err != nil {
			return err
		}
	}

	instanceDone, packetID, err := t.repo.CompleteInstance(ctx, tx, binding.CaseID, binding.InstanceKey)
	if err != nil {
		return err
	}
	if !instanceDone {
		return nil
	}
	result.InstanceComplete = true
	if err := t.repo.EnqueueOutbox(ctx, tx, TopicInstanceCompleted, map[string]any{
		"case_id":      binding.CaseID,
		"instance_key": binding.InstanceKey,
		"packet_id":    packetID,
	}); err != nil {
		return err
	}

	packetDone, err := t.repo.CompletePacket(ctx, tx, packetID)
	if err != nil {
		return err
	}
	if packetDone {
		result.PacketComplete = true
		if err := t.repo.EnqueueOutbox(ctx, tx, TopicPacketCompleted, map[string]any{
			"case_id":   binding.CaseID,
			"packet_id": packetID,
		}); err != nil {
			return err
		}
	}
	return nil
}

// MarkDispatched records a successful handoff to the delivery channel.
func (t *Tracker) MarkDispatched(ctx context.Context, bindingID, sessionRef string) (Binding, error) {
	tx, err := t.db.Begin(ctx)
	if err != nil {
		return Binding{}, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	binding, err := t.repo.GetBindingForUpdate(ctx, tx, bindingID)
	if err != nil {
		return Binding{}, err
	}
	next, ok := NextStatus(binding.Status, EventDispatched)
	if !ok {
		log.Printf("signing: binding %s already past dispatch (status %s), no-op", binding.ID, binding.Status)
		return binding, nil
	}

	sentAt := t.now()
	binding.Status = next
	binding.SentAt = &sentAt
	binding.ProviderSessionRef = &sessionRef
	if err := t.repo.UpdateBindingStatus(ctx, tx, binding); err != nil {
		return Binding{}, err
	}
	if err := t.repo.AppendEvent(ctx, tx, binding.ID, EventDispatched, map[string]any{
		"provider_session_ref": sessionRef,
	}); err != nil {
		return Binding{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Binding{}, fmt.Errorf("signing: commit dispatch: %w", err)
	}
	return binding, nil
}

// MarkDispatchFailed lands a binding in the retryable error state after the
// dispatch boundary exhausted its retries.
func (t *Tracker) MarkDispatchFailed(ctx context.Context, bindingID string, cause error) error {
	_, err := t.ApplyProviderEvent(ctx, ProviderEvent{
		Type:      EventFailed,
		BindingID: bindingID,
		Detail:    map[string]any{"error": cause.Error()},
	})
	return err
}

// Resend supersedes a binding with a fresh row (attempts incremented) so
// the audit history of the original attempt survives untouched. Valid only
// while the original is dispatched, viewed, or expired. The new binding is
// returned in created state; the caller dispatches it.
func (t *Tracker) Resend(ctx context.Context, bindingID string) (Binding, error) {
	tx, err := t.db.Begin(ctx)
	if err != nil {
		return Binding{}, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	old, err := t.repo.GetBindingForUpdate(ctx, tx, bindingID)
	if err != nil {
		return Binding{}, err
	}
	switch old.Status {
	case StatusDispatched, StatusViewed, StatusExpired:
	default:
		return Binding{}, fmt.Errorf("%w: %s is %s", ErrResendNotAllowed, old.ID, old.Status)
	}
	if old.SupersededBy != nil {
		return Binding{}, fmt.Errorf("%w: %s already superseded by %s", ErrResendNotAllowed, old.ID, *old.SupersededBy)
	}

	replacement := Binding{
		ID:             uuid.NewString(),
		CaseID:         old.CaseID,
		PacketID:       old.PacketID,
		InstanceKey:    old.InstanceKey,
		SignerPersonID: old.SignerPersonID,
		SignerName:     old.SignerName,
		DeliveryMethod: old.DeliveryMethod,
		Status:         StatusCreated,
		Attempts:       old.Attempts + 1,
	}
	if err := t.repo.InsertBinding(ctx, tx, replacement); err != nil {
		return Binding{}, err
	}
	if err := t.repo.MarkSuperseded(ctx, tx, old.ID, replacement.ID); err != nil {
		return Binding{}, err
	}
	if err := t.repo.AppendEvent(ctx, tx, replacement.ID, "resend", map[string]any{
		"supersedes": old.ID,
		"attempts":   replacement.Attempts,
	}); err != nil {
		return Binding{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Binding{}, fmt.Errorf("signing: commit resend: %w", err)
	}
	return replacement, nil
}

// ListByCase returns the full binding history for a case.
func (t *Tracker) ListByCase(ctx context.Context, caseID string) ([]Binding, error) {
	if caseID == "" {
		return nil, fmt.Errorf("signing: missing case id")
	}
	return t.repo.ListBindingsByCase(ctx, t.db, caseID)
}
