package signing

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	"bondflow/provider"
)

// DefaultTTL is how long a dispatched binding may sit without a terminal
// resolution before the expiry sweep flags it.
const DefaultTTL = 7 * 24 * time.Hour

// Sweeper runs the two periodic jobs the webhook path cannot cover: the
// advisory expiry policy, and the polling reconciliation fallback for
// webhooks that were delayed or lost. No request path ever blocks on it.
type Sweeper struct {
	tracker     *Tracker
	client      provider.Client
	ttl         time.Duration
	quietWindow time.Duration
	interval    time.Duration
	batchSize   int
	maxParallel int
}

func NewSweeper(tracker *Tracker, client provider.Client) *Sweeper {
	return &Sweeper{
		tracker:     tracker,
		client:      client,
		ttl:         DefaultTTL,
		quietWindow: 6 * time.Hour,
		interval:    15 * time.Minute,
		batchSize:   200,
		maxParallel: 4,
	}
}

// WithTTL overrides the provider-specific expiry TTL.
func (s *Sweeper) WithTTL(ttl time.Duration) *Sweeper {
	s.ttl = ttl
	return s
}

// WithInterval overrides the sweep period.
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	s.interval = d
	return s
}

// Run sweeps on a ticker until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				log.Printf("signing: sweep: %v", err)
			}
		}
	}
}

// SweepOnce runs one expiry pass and one reconciliation pass.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	if err := s.expireDue(ctx); err != nil {
		return err
	}
	return s.reconcile(ctx)
}

// expireDue moves overdue live bindings to expired, one transaction each so
// a single bad row cannot wedge the batch. Expiry is advisory: the tracker
// enqueues a reminder, nothing is cancelled.
func (s *Sweeper) expireDue(ctx context.Context) error {
	repo, ok := s.tracker.repo.(*Repository)
	if !ok {
		return fmt.Errorf("signing: sweep requires the real repository")
	}
	cutoff := s.tracker.now().Add(-s.ttl)
	ids, err := repo.ListExpirable(ctx, s.tracker.db, cutoff, s.batchSize)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if _, err := s.tracker.ApplyProviderEvent(ctx, ProviderEvent{
			Type:      EventExpired,
			BindingID: id,
			Detail:    map[string]any{"reason": "ttl"},
		}); err != nil {
			log.Printf("signing: expire binding %s: %v", id, err)
		}
	}
	return nil
}

// reconcile polls the provider for bindings that have been quiet past the
// staleness window and applies whatever the provider reports, through the
// same idempotent transition path webhooks use.
func (s *Sweeper) reconcile(ctx context.Context) error {
	if s.client == nil {
		return nil
	}
	repo, ok := s.tracker.repo.(*Repository)
	if !ok {
		return fmt.Errorf("signing: sweep requires the real repository")
	}
	quietSince := s.tracker.now().Add(-s.quietWindow)
	stale, err := repo.ListStaleDispatched(ctx, s.tracker.db, quietSince, s.batchSize)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)
	for _, b := range stale {
		b := b
		g.Go(func() error {
			s.reconcileBinding(gctx, b)
			return nil
		})
	}
	return g.Wait()
}

func (s *Sweeper) reconcileBinding(ctx context.Context, b Binding) {
	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	status, err := s.client.GetSessionStatus(callCtx, *b.ProviderSessionRef)
	if err != nil {
		log.Printf("signing: reconcile binding %s: %v", b.ID, err)
		return
	}

	ev, ok := eventForSessionStatus(status)
	if !ok {
		return // still in flight, nothing to apply
	}
	if _, err := s.tracker.ApplyProviderEvent(ctx, ProviderEvent{
		Type:      ev,
		BindingID: b.ID,
		Detail:    map[string]any{"source": "reconciliation"},
	}); err != nil {
		log.Printf("signing: reconcile apply %s to binding %s: %v", ev, b.ID, err)
	}
}

func eventForSessionStatus(status provider.SessionStatus) (EventType, bool) {
	switch status {
	case provider.StatusViewed:
		return EventViewed, true
	case provider.StatusCompleted:
		return EventSigned, true
	case provider.StatusDeclined:
		return EventDeclined, true
	case provider.StatusExpired:
		return EventExpired, true
	default:
		return "", false
	}
}
