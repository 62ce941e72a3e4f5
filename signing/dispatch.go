package signing

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"bondflow/casefile"
	"bondflow/packet"
	"bondflow/provider"
)

// DispatcherRepository is the data access the dispatcher depends on.
type DispatcherRepository interface {
	InsertPacket(ctx context.Context, tx pgx.Tx, rec PacketRecord) error
	InsertInstance(ctx context.Context, tx pgx.Tx, rec InstanceRecord) error
	InsertBinding(ctx context.Context, tx pgx.Tx, b Binding) error
	GetInstance(ctx context.Context, q Querier, caseID, instanceKey string) (InstanceRecord, error)
	ListBindingsByPacket(ctx context.Context, q Querier, packetID string) ([]Binding, error)
	CompletePacket(ctx context.Context, tx pgx.Tx, packetID string) (bool, error)
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Dispatcher turns a composed packet into tracked bindings and hands each
// one to the e-signature provider. Persistence happens first, in one
// transaction; provider calls follow with bounded parallelism so a slow
// vendor cannot leave the store half-written.
type Dispatcher struct {
	db          DB
	repo        DispatcherRepository
	tracker     *Tracker
	client      provider.Client
	maxParallel int
	callTimeout time.Duration
	maxElapsed  time.Duration
}

func NewDispatcher(db DB, repo DispatcherRepository, tracker *Tracker, client provider.Client) *Dispatcher {
	if repo == nil {
		repo = NewRepository()
	}
	return &Dispatcher{
		db:          db,
		repo:        repo,
		tracker:     tracker,
		client:      client,
		maxParallel: 4,
		callTimeout: 15 * time.Second,
		maxElapsed:  45 * time.Second,
	}
}

// DispatchPacket persists the packet, its instances, and one binding per
// (instance, signer) pair, then requests delivery for every binding.
// Provider failures do not fail the call: they land the affected binding
// in error state, inspectable without log access.
func (d *Dispatcher) DispatchPacket(ctx context.Context, pkt packet.Packet, method DeliveryMethod) ([]Binding, error) {
	if !ValidDeliveryMethod(method) {
		return nil, fmt.Errorf("signing: invalid delivery method %q", method)
	}
	if len(pkt.Instances) == 0 {
		return nil, fmt.Errorf("signing: empty packet for case %s", pkt.CaseID)
	}

	packetID := uuid.NewString()
	bindings := planBindings(packetID, pkt, method)

	tx, err := d.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("signing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := d.repo.InsertPacket(ctx, tx, PacketRecord{
		ID: packetID, CaseID: pkt.CaseID, TotalPages: pkt.TotalPages,
	}); err != nil {
		return nil, err
	}
	now := time.Now()
	for _, inst := range pkt.Instances {
		rec := InstanceRecord{
			PacketID:    packetID,
			CaseID:      pkt.CaseID,
			InstanceKey: inst.InstanceKey,
			TemplateKey: inst.TemplateKey,
			PageOffset:  inst.PageOffset,
			PageCount:   inst.PageCount,
			Fields:      inst.Fields,
		}
		if len(inst.Fields) == 0 {
			// Nothing to sign on this instance: complete on arrival.
			rec.CompletedAt = &now
		}
		if err := d.repo.InsertInstance(ctx, tx, rec); err != nil {
			return nil, err
		}
	}
	for _, b := range bindings {
		if err := d.repo.InsertBinding(ctx, tx, b); err != nil {
			return nil, err
		}
	}
	if len(bindings) == 0 {
		// Every instance pre-completed, so no signed event will ever close
		// the packet; close it here and notify in the same transaction.
		done, err := d.repo.CompletePacket(ctx, tx, packetID)
		if err != nil {
			return nil, err
		}
		if done {
			if err := d.repo.EnqueueOutbox(ctx, tx, TopicPacketCompleted, map[string]any{
				"case_id":   pkt.CaseID,
				"packet_id": packetID,
			}); err != nil {
				return nil, err
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("signing: commit packet: %w", err)
	}

	instancesByKey := make(map[string]packet.Instance, len(pkt.Instances))
	for _, inst := range pkt.Instances {
		instancesByKey[inst.InstanceKey] = inst
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxParallel)
	for _, b := range bindings {
		b := b
		g.Go(func() error {
			d.dispatchOne(gctx, instancesByKey[b.InstanceKey], b)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	dispatched, err := d.repo.ListBindingsByPacket(ctx, d.db, packetID)
	if err != nil {
		return nil, err
	}
	return dispatched, nil
}

// Resend supersedes a binding and delivers the replacement through the
// provider, so the new attempt gets its own session ref and webhooks can
// address it. The stored instance layout supplies the field placements.
func (d *Dispatcher) Resend(ctx context.Context, bindingID string) (Binding, error) {
	replacement, err := d.tracker.Resend(ctx, bindingID)
	if err != nil {
		return Binding{}, err
	}
	rec, err := d.repo.GetInstance(ctx, d.db, replacement.CaseID, replacement.InstanceKey)
	if err != nil {
		return Binding{}, err
	}
	inst := packet.Instance{
		InstanceKey: rec.InstanceKey,
		TemplateKey: rec.TemplateKey,
		PageOffset:  rec.PageOffset,
		PageCount:   rec.PageCount,
		Fields:      rec.Fields,
	}
	return d.DispatchBinding(ctx, inst, replacement)
}

// DispatchBinding requests delivery for one already-persisted binding. The
// resend path uses it for replacement bindings.
func (d *Dispatcher) DispatchBinding(ctx context.Context, inst packet.Instance, b Binding) (Binding, error) {
	ref, err := d.requestSession(ctx, inst, b)
	if err != nil {
		log.Printf("signing: dispatch binding %s failed: %v", b.ID, err)
		if markErr := d.tracker.MarkDispatchFailed(ctx, b.ID, err); markErr != nil {
			return Binding{}, markErr
		}
		updated := b
		updated.Status = StatusError
		return updated, nil
	}
	return d.tracker.MarkDispatched(ctx, b.ID, ref)
}

func (d *Dispatcher) dispatchOne(ctx context.Context, inst packet.Instance, b Binding) {
	if _, err := d.DispatchBinding(ctx, inst, b); err != nil {
		log.Printf("signing: record dispatch outcome for binding %s: %v", b.ID, err)
	}
}

// requestSession calls the provider with bounded exponential backoff.
// Non-retryable failures (4xx) abort immediately; everything stops once
// maxElapsed is spent. This is the only place outbound calls are retried.
func (d *Dispatcher) requestSession(ctx context.Context, inst packet.Instance, b Binding) (string, error) {
	fields := make([]packet.PlacedField, 0, len(inst.Fields))
	var signer casefile.Signer
	for _, f := range inst.Fields {
		if f.Signer.PersonID == b.SignerPersonID {
			fields = append(fields, f)
			signer = f.Signer
		}
	}

	req := provider.DispatchRequest{
		CaseID:         b.CaseID,
		InstanceKey:    b.InstanceKey,
		TemplateKey:    b.InstanceKey,
		SignerPersonID: b.SignerPersonID,
		SignerName:     b.SignerName,
		SignerEmail:    signer.Email,
		SignerPhone:    signer.Phone,
		DeliveryMethod: string(b.DeliveryMethod),
		Fields:         fields,
	}
	if inst.TemplateKey != "" {
		req.TemplateKey = inst.TemplateKey
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = d.maxElapsed

	var ref string
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		defer cancel()

		r, err := d.client.DispatchForSigning(callCtx, req)
		if err != nil {
			if provider.Retryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		ref = r
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return "", err
	}
	return ref, nil
}

// planBindings derives one binding per (instance, signer) pair. A signer
// with several fields on the same instance still gets a single binding;
// instances with no bound fields get none.
func planBindings(packetID string, pkt packet.Packet, method DeliveryMethod) []Binding {
	var bindings []Binding
	for _, inst := range pkt.Instances {
		seen := make(map[string]bool)
		for _, f := range inst.Fields {
			if seen[f.Signer.PersonID] {
				continue
			}
			seen[f.Signer.PersonID] = true
			bindings = append(bindings, Binding{
				ID:             uuid.NewString(),
				CaseID:         pkt.CaseID,
				PacketID:       packetID,
				InstanceKey:    inst.InstanceKey,
				SignerPersonID: f.Signer.PersonID,
				SignerName:     f.Signer.FullName,
				DeliveryMethod: method,
				Status:         StatusCreated,
				Attempts:       1,
			})
		}
	}
	return bindings
}
