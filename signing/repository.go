package signing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrBindingNotFound is returned when no binding row matches the lookup.
	ErrBindingNotFound = errors.New("signing: binding not found")
	// ErrInstanceNotFound is returned when no document instance matches the
	// (case, instance key) pair.
	ErrInstanceNotFound = errors.New("signing: document instance not found")
)

// Querier is the read-only subset of pgxpool.Pool the list methods need.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository owns the SQL for the signing workflow store. State-changing
// methods run inside a caller-provided transaction so a transition, its
// timeline event, and its outbox rows commit as one unit.
type Repository struct{}

func NewRepository() *Repository {
	return &Repository{}
}

const bindingColumns = `
id, case_id, packet_id, instance_key, signer_person_id, signer_name,
delivery_method, status, attempts, sent_at, signed_at,
provider_session_ref, superseded_by, last_error, created_at, updated_at`

func scanBinding(row pgx.Row) (Binding, error) {
	var b Binding
	err := row.Scan(
		&b.ID, &b.CaseID, &b.PacketID, &b.InstanceKey, &b.SignerPersonID, &b.SignerName,
		&b.DeliveryMethod, &b.Status, &b.Attempts, &b.SentAt, &b.SignedAt,
		&b.ProviderSessionRef, &b.SupersededBy, &b.LastError, &b.CreatedAt, &b.UpdatedAt,
	)
	return b, err
}

// InsertPacket records a dispatched packet.
func (r *Repository) InsertPacket(ctx context.Context, tx pgx.Tx, rec PacketRecord) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO packets (id, case_id, total_pages)
        VALUES ($1, $2, $3)
    `, rec.ID, rec.CaseID, rec.TotalPages)
	if err != nil {
		return fmt.Errorf("signing: insert packet: %w", err)
	}
	return nil
}

// InsertInstance records one composed document instance. CompletedAt may be
// pre-set for instances that carry no signatures.
func (r *Repository) InsertInstance(ctx context.Context, tx pgx.Tx, rec InstanceRecord) error {
	fields, err := json.Marshal(rec.Fields)
	if err != nil {
		return fmt.Errorf("signing: marshal instance fields: %w", err)
	}
	if rec.Fields == nil {
		fields = []byte("[]")
	}
	_, err = tx.Exec(ctx, `
        INSERT INTO document_instances (packet_id, case_id, instance_key, template_key, page_offset, page_count, fields, completed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
    `, rec.PacketID, rec.CaseID, rec.InstanceKey, rec.TemplateKey, rec.PageOffset, rec.PageCount, fields, rec.CompletedAt)
	if err != nil {
		return fmt.Errorf("signing: insert instance %s: %w", rec.InstanceKey, err)
	}
	return nil
}

// GetInstance loads one document instance with its field layout snapshot.
func (r *Repository) GetInstance(ctx context.Context, q Querier, caseID, instanceKey string) (InstanceRecord, error) {
	var (
		rec    InstanceRecord
		fields []byte
	)
	err := q.QueryRow(ctx, `
        SELECT packet_id, case_id, instance_key, template_key, page_offset, page_count, fields, completed_at
        FROM document_instances
        WHERE case_id = $1 AND instance_key = $2
    `, caseID, instanceKey).Scan(
		&rec.PacketID, &rec.CaseID, &rec.InstanceKey, &rec.TemplateKey,
		&rec.PageOffset, &rec.PageCount, &fields, &rec.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return InstanceRecord{}, fmt.Errorf("%w: case %s key %s", ErrInstanceNotFound, caseID, instanceKey)
	}
	if err != nil {
		return InstanceRecord{}, fmt.Errorf("signing: load instance %s: %w", instanceKey, err)
	}
	if err := json.Unmarshal(fields, &rec.Fields); err != nil {
		return InstanceRecord{}, fmt.Errorf("signing: decode instance %s fields: %w", instanceKey, err)
	}
	return rec, nil
}

func (r *Repository) InsertBinding(ctx context.Context, tx pgx.Tx, b Binding) error {
	_, err := tx.Exec(ctx, `
        INSERT INTO signing_bindings
            (id, case_id, packet_id, instance_key, signer_person_id, signer_name,
             delivery_method, status, attempts, sent_at, signed_at,
             provider_session_ref, last_error)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
    `, b.ID, b.CaseID, b.PacketID, b.InstanceKey, b.SignerPersonID, b.SignerName,
		b.DeliveryMethod, b.Status, b.Attempts, b.SentAt, b.SignedAt,
		b.ProviderSessionRef, b.LastError)
	if err != nil {
		return fmt.Errorf("signing: insert binding %s: %w", b.ID, err)
	}
	return nil
}

// GetBindingForUpdate locks one binding row for the duration of the
// transaction. The row lock is what serializes concurrent events for the
// same binding.
func (r *Repository) GetBindingForUpdate(ctx context.Context, tx pgx.Tx, id string) (Binding, error) {
	b, err := scanBinding(tx.QueryRow(ctx, `SELECT`+bindingColumns+` FROM signing_bindings WHERE id=$1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Binding{}, fmt.Errorf("%w: id %s", ErrBindingNotFound, id)
		}
		return Binding{}, fmt.Errorf("signing: load binding %s: %w", id, err)
	}
	return b, nil
}

// GetBindingByProviderRefForUpdate resolves a provider session ref to the
// binding it belongs to, locked. Superseded rows keep their ref, so a late
// event for an old attempt still resolves to the row it was sent for.
func (r *Repository) GetBindingByProviderRefForUpdate(ctx context.Context, tx pgx.Tx, ref string) (Binding, error) {
	b, err := scanBinding(tx.QueryRow(ctx, `SELECT`+bindingColumns+` FROM signing_bindings WHERE provider_session_ref=$1 FOR UPDATE`, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Binding{}, fmt.Errorf("%w: provider ref %s", ErrBindingNotFound, ref)
		}
		return Binding{}, fmt.Errorf("signing: load binding by ref %s: %w", ref, err)
	}
	return b, nil
}

// UpdateBindingStatus persists a transition on a row previously locked with
// GetBindingForUpdate.
func (r *Repository) UpdateBindingStatus(ctx context.Context, tx pgx.Tx, b Binding) error {
	tag, err := tx.Exec(ctx, `
        UPDATE signing_bindings
        SET status=$1, sent_at=$2, signed_at=$3, provider_session_ref=$4,
            last_error=$5, updated_at=now()
        WHERE id=$6
    `, b.Status, b.SentAt, b.SignedAt, b.ProviderSessionRef, b.LastError, b.ID)
	if err != nil {
		return fmt.Errorf("signing: update binding %s: %w", b.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %s", ErrBindingNotFound, b.ID)
	}
	return nil
}

// MarkSuperseded links an old binding to its replacement. The old row keeps
// its status and history; it only stops counting toward completion.
func (r *Repository) MarkSuperseded(ctx context.Context, tx pgx.Tx, oldID, newID string) error {
	_, err := tx.Exec(ctx, `
        UPDATE signing_bindings SET superseded_by=$1, updated_at=now() WHERE id=$2
    `, newID, oldID)
	if err != nil {
		return fmt.Errorf("signing: supersede binding %s: %w", oldID, err)
	}
	return nil
}

// AppendEvent writes one immutable timeline row for the binding.
func (r *Repository) AppendEvent(ctx context.Context, tx pgx.Tx, bindingID string, eventType EventType, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signing: marshal event payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO signing_events (binding_id, type, payload)
        VALUES ($1, $2, $3::jsonb)
    `, bindingID, string(eventType), data); err != nil {
		return fmt.Errorf("signing: append event: %w", err)
	}
	return nil
}

// EnqueueOutbox stages an outbound notification in the same transaction as
// the state change that caused it.
func (r *Repository) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("signing: marshal outbox payload: %w", err)
	}
	if _, err := tx.Exec(ctx, `
        INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)
    `, topic, data); err != nil {
		return fmt.Errorf("signing: enqueue outbox: %w", err)
	}
	return nil
}

// RecordIDPrompt reserves the one ID-upload prompt a signer gets per case.
// Returns false when the prompt was already recorded.
func (r *Repository) RecordIDPrompt(ctx context.Context, tx pgx.Tx, caseID, personID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
        INSERT INTO id_prompts (case_id, person_id)
        VALUES ($1, $2)
        ON CONFLICT (case_id, person_id) DO NOTHING
    `, caseID, personID)
	if err != nil {
		return false, fmt.Errorf("signing: record id prompt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CompleteInstance marks the instance completed when every live binding on
// it is signed. The conditional update makes completion fire exactly once
// no matter how many duplicate events race through.
func (r *Repository) CompleteInstance(ctx context.Context, tx pgx.Tx, caseID, instanceKey string) (bool, string, error) {
	var packetID string
	err := tx.QueryRow(ctx, `
        UPDATE document_instances
        SET completed_at = now()
        WHERE case_id = $1
          AND instance_key = $2
          AND completed_at IS NULL
          AND NOT EXISTS (
              SELECT 1 FROM signing_bindings b
              WHERE b.case_id = $1
                AND b.instance_key = $2
                AND b.superseded_by IS NULL
                AND b.status <> 'signed'
          )
        RETURNING packet_id
    `, caseID, instanceKey).Scan(&packetID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", fmt.Errorf("signing: complete instance %s: %w", instanceKey, err)
	}
	return true, packetID, nil
}

// CompletePacket marks the packet completed when every instance in it is.
func (r *Repository) CompletePacket(ctx context.Context, tx pgx.Tx, packetID string) (bool, error) {
	tag, err := tx.Exec(ctx, `
        UPDATE packets
        SET completed_at = now()
        WHERE id = $1
          AND completed_at IS NULL
          AND NOT EXISTS (
              SELECT 1 FROM document_instances i
              WHERE i.packet_id = $1 AND i.completed_at IS NULL
          )
    `, packetID)
	if err != nil {
		return false, fmt.Errorf("signing: complete packet %s: %w", packetID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListBindingsByCase returns every binding for a case, oldest first,
// superseded rows included: the audit trail is part of the contract.
func (r *Repository) ListBindingsByCase(ctx context.Context, q Querier, caseID string) ([]Binding, error) {
	return r.listBindings(ctx, q, `SELECT`+bindingColumns+` FROM signing_bindings WHERE case_id=$1 ORDER BY created_at, id`, caseID)
}

// ListBindingsByPacket returns every binding created for one packet.
func (r *Repository) ListBindingsByPacket(ctx context.Context, q Querier, packetID string) ([]Binding, error) {
	return r.listBindings(ctx, q, `SELECT`+bindingColumns+` FROM signing_bindings WHERE packet_id=$1 ORDER BY created_at, id`, packetID)
}

func (r *Repository) listBindings(ctx context.Context, q Querier, sql string, args ...any) ([]Binding, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("signing: list bindings: %w", err)
	}
	defer rows.Close()

	bindings := []Binding{}
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, fmt.Errorf("signing: scan binding: %w", err)
		}
		bindings = append(bindings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("signing: iterate bindings: %w", err)
	}
	return bindings, nil
}

// ListExpirable returns ids of live bindings dispatched before the cutoff
// with no terminal resolution, for the expiry sweep.
func (r *Repository) ListExpirable(ctx context.Context, q Querier, cutoff time.Time, limit int) ([]string, error) {
	rows, err := q.Query(ctx, `
        SELECT id FROM signing_bindings
        WHERE status IN ('dispatched', 'viewed')
          AND superseded_by IS NULL
          AND sent_at IS NOT NULL
          AND sent_at < $1
        ORDER BY sent_at
        LIMIT $2
    `, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("signing: list expirable: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("signing: scan expirable id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListStaleDispatched returns live bindings whose provider has been quiet
// for longer than the staleness window, for the polling reconciliation
// fallback.
func (r *Repository) ListStaleDispatched(ctx context.Context, q Querier, quietSince time.Time, limit int) ([]Binding, error) {
	return r.listBindings(ctx, q, `
        SELECT`+bindingColumns+`
        FROM signing_bindings
        WHERE status IN ('dispatched', 'viewed')
          AND superseded_by IS NULL
          AND provider_session_ref IS NOT NULL
          AND updated_at < $1
        ORDER BY updated_at
        LIMIT $2
    `, quietSince, limit)
}
