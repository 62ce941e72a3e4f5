package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"bondflow/signing"
)

// RefSet is a shared, mutex-guarded pool of live provider session refs that
// actors replay events against. Resends append replacement refs while
// replayers keep hammering the old ones.
type RefSet struct {
	mu   sync.Mutex
	refs []string
}

func NewRefSet(refs ...string) *RefSet {
	return &RefSet{refs: refs}
}

func (s *RefSet) Add(ref string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs = append(s.refs, ref)
}

func (s *RefSet) Random() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.refs) == 0 {
		return ""
	}
	return s.refs[rand.Intn(len(s.refs))]
}

// Replayer fires randomized, duplicated, out-of-order provider events at
// random session refs, the way a flaky provider with at-least-once webhook
// delivery would. Duplicates and backwards transitions must surface as
// no-ops, never errors.
func Replayer(ctx context.Context, tracker *signing.Tracker, refs *RefSet, stop <-chan struct{}) error {
	events := []signing.EventType{
		signing.EventViewed,
		signing.EventSigned,
		signing.EventViewed,
		signing.EventSigned,
		signing.EventExpired,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		ref := refs.Random()
		if ref == "" {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		ev := signing.ProviderEvent{
			Type:       events[rand.Intn(len(events))],
			SessionRef: ref,
		}
		if _, err := tracker.ApplyProviderEvent(ctx, ev); err != nil {
			if errors.Is(err, signing.ErrBindingNotFound) {
				// ref belonged to a row racing with setup, keep going
			} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			} else {
				return fmt.Errorf("replayer apply %s on %s: %w", ev.Type, ref, err)
			}
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// Resender supersedes random live bindings through the dispatcher, which
// delivers the replacement under a fresh session ref, racing the replayers
// that are still firing events at the superseded row.
func Resender(ctx context.Context, dispatcher *signing.Dispatcher, pool *pgxpool.Pool, refs *RefSet, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var id string
		err := pool.QueryRow(ctx, `
            SELECT id FROM signing_bindings
            WHERE status IN ('dispatched','viewed','expired') AND superseded_by IS NULL
            ORDER BY random() LIMIT 1`).Scan(&id)
		if err == nil {
			replacement, rerr := dispatcher.Resend(ctx, id)
			switch {
			case rerr == nil:
				if replacement.ProviderSessionRef == nil {
					return fmt.Errorf("resender: replacement %s has no session ref", replacement.ID)
				}
				refs.Add(*replacement.ProviderSessionRef)
			case errors.Is(rerr, signing.ErrResendNotAllowed), errors.Is(rerr, signing.ErrBindingNotFound):
				// lost the race to a terminal event or another resend
			case errors.Is(rerr, context.Canceled), errors.Is(rerr, context.DeadlineExceeded):
				return nil
			default:
				return fmt.Errorf("resender resend %s: %w", id, rerr)
			}
		} else if !errors.Is(err, context.Canceled) {
			// no candidate rows is normal near the end of a run
			time.Sleep(20 * time.Millisecond)
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// OutboxPublisher drains staged notifications the way the relay process
// would, marking rows published so the table keeps churning under load.
func OutboxPublisher(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		_, err := pool.Exec(ctx, `
            UPDATE outbox SET published_at = now()
            WHERE id IN (
                SELECT id FROM outbox
                WHERE published_at IS NULL
                ORDER BY id
                LIMIT 20
                FOR UPDATE SKIP LOCKED)`)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("outbox publisher: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}
