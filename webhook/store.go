package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the pool surface the store needs. *pgxpool.Pool satisfies it.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// UnmatchedEvent is a provider callback that referenced no known binding,
// kept verbatim for operator review.
type UnmatchedEvent struct {
	ID                string
	EventType         string
	ProviderSignerRef string
	RawBody           []byte
	ReceivedAt        time.Time
}

// Store persists unmatched provider events.
type Store struct {
	db DB
}

func NewStore(db DB) *Store {
	return &Store{db: db}
}

func (s *Store) RecordUnmatched(ctx context.Context, ev Event, raw []byte) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO unmatched_events (id, event_type, provider_signer_ref, raw_body, received_at)
		VALUES ($1, $2, $3, $4, now())`,
		uuid.NewString(), ev.EventType, ev.ProviderSignerRef, raw)
	if err != nil {
		return fmt.Errorf("webhook: record unmatched event: %w", err)
	}
	return nil
}

// ListUnmatched returns the most recent unmatched events, newest first.
func (s *Store) ListUnmatched(ctx context.Context, limit int) ([]UnmatchedEvent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, event_type, provider_signer_ref, raw_body, received_at
		FROM unmatched_events
		ORDER BY received_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("webhook: list unmatched events: %w", err)
	}
	defer rows.Close()

	var out []UnmatchedEvent
	for rows.Next() {
		var ev UnmatchedEvent
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.ProviderSignerRef, &ev.RawBody, &ev.ReceivedAt); err != nil {
			return nil, fmt.Errorf("webhook: scan unmatched event: %w", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("webhook: iterate unmatched events: %w", err)
	}
	return out, nil
}
