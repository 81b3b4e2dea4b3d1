package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ticket-engine/internal/broker"
	"ticket-engine/internal/gateway"
	"ticket-engine/internal/status"
	"ticket-engine/models"
	"ticket-engine/monitoring"
	"ticket-engine/utils"
)

// ReconcileStore is the slice of the datastore reconciliation needs.
type ReconcileStore interface {
	GetPayment(ctx context.Context, ref string) (*models.PaymentRecord, error)
	SettlePayment(ctx context.Context, ref string, st models.PaymentStatus) (bool, error)
	TouchPayment(ctx context.Context, ref string, at time.Time) error
	FlagPayment(ctx context.Context, ref, reason string) error
	UnflagPayment(ctx context.Context, ref string) error
	PendingPayments(ctx context.Context, limit int) ([]models.PaymentRecord, error)
}

// TicketIssuer is the issuance side reconciliation confirms into.
// *TicketService satisfies it.
type TicketIssuer interface {
	Issue(ctx context.Context, req *IssueRequest) ([]models.Ticket, error)
}

// ReconcilePhases is the graduated polling cadence. A fresh payment is
// polled aggressively while the participant is still watching, then ever
// more slowly as confirmation becomes unlikely to be imminent.
type ReconcilePhases struct {
	BurstInterval  time.Duration
	BurstFor       time.Duration
	SteadyInterval time.Duration
	SteadyFor      time.Duration
	SlowInterval   time.Duration

	MaxAttempts int
	MaxElapsed  time.Duration
}

func DefaultPhases() ReconcilePhases {
	return ReconcilePhases{
		BurstInterval:  3 * time.Second,
		BurstFor:       30 * time.Second,
		SteadyInterval: 15 * time.Second,
		SteadyFor:      5 * time.Minute,
		SlowInterval:   60 * time.Second,
		MaxAttempts:    200,
		MaxElapsed:     24 * time.Hour,
	}
}

// intervalFor picks the poll interval from elapsed record age. SteadyFor
// is measured from record creation, not from the end of the burst.
func (p ReconcilePhases) intervalFor(elapsed time.Duration) time.Duration {
	switch {
	case elapsed < p.BurstFor:
		return p.BurstInterval
	case elapsed < p.SteadyFor:
		return p.SteadyInterval
	default:
		return p.SlowInterval
	}
}

// ReconcileScheduler drives pending payment records to a terminal state
// by polling the gateway. One goroutine per tracked record; no lock is
// ever held while sleeping. Records that exhaust the attempt or elapsed
// ceiling are flagged for manual review and leave the rotation pending.
type ReconcileScheduler struct {
	store   ReconcileStore
	gw      gateway.Client
	issuer  TicketIssuer
	events  broker.Publisher
	breaker *utils.CircuitBreaker
	phases  ReconcilePhases
	workers int

	mu      sync.Mutex
	tracked map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewReconcileScheduler(store ReconcileStore, gw gateway.Client, issuer TicketIssuer, events broker.Publisher, phases ReconcilePhases, workers int) *ReconcileScheduler {
	if workers <= 0 {
		workers = 8
	}
	return &ReconcileScheduler{
		store:   store,
		gw:      gw,
		issuer:  issuer,
		events:  events,
		breaker: utils.NewCircuitBreaker("gateway-status", utils.WithMaxRequests(20), utils.WithTimeout(30*time.Second)),
		phases:  phases,
		workers: workers,
		tracked: make(map[string]struct{}),
		stop:    make(chan struct{}),
	}
}

// Track starts polling a payment reference. Tracking the same reference
// twice is a no-op.
func (s *ReconcileScheduler) Track(ref string) {
	s.mu.Lock()
	if _, ok := s.tracked[ref]; ok {
		s.mu.Unlock()
		return
	}
	s.tracked[ref] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.untrack(ref)
		s.watch(ref)
	}()
}

func (s *ReconcileScheduler) untrack(ref string) {
	s.mu.Lock()
	delete(s.tracked, ref)
	s.mu.Unlock()
}

func (s *ReconcileScheduler) watch(ref string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	record, err := s.store.GetPayment(ctx, ref)
	cancel()
	if err != nil {
		slog.Error("reconcile: load record failed", "reference", ref, "error", err)
		return
	}
	createdAt := record.CreatedAt

	for {
		interval := s.phases.intervalFor(time.Since(createdAt))
		select {
		case <-s.stop:
			return
		case <-time.After(interval):
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		done, err := s.pollOnce(ctx, ref)
		cancel()
		if err != nil {
			slog.Warn("reconcile: poll failed", "reference", ref, "error", err)
		}
		if done {
			return
		}
	}
}

// pollOnce performs a single gateway poll for the record and applies the
// outcome. Returns done=true when the record needs no further polling.
func (s *ReconcileScheduler) pollOnce(ctx context.Context, ref string) (bool, error) {
	record, err := s.store.GetPayment(ctx, ref)
	if err != nil {
		// A missing record is not coming back.
		return errors.Is(err, status.ErrPaymentNotFound), err
	}
	// A webhook or an admin may have finished the job between polls.
	if record.Status.Terminal() || record.Flagged {
		return true, nil
	}
	if record.GatewayOrderID == "" {
		return true, s.flag(ctx, record, "no gateway order attached")
	}

	start := time.Now()
	var reply *gateway.StatusReply
	pollErr := s.breaker.Execute(ctx, func() error {
		var err error
		reply, err = s.gw.GetStatus(ctx, record.GatewayOrderID)
		return err
	})
	elapsed := time.Since(start)

	switch {
	case errors.Is(pollErr, status.ErrGatewayRejected):
		// The gateway says the request itself is bad. Retrying the same
		// request cannot succeed; park the record for a human.
		monitoring.TrackReconcilePoll("rejected", elapsed)
		return true, s.flag(ctx, record, fmt.Sprintf("gateway rejected status poll: %v", pollErr))

	case pollErr != nil:
		// Transport failure, gateway 5xx, or open circuit. The next poll
		// at the current cadence retries; the attempt counter does not
		// advance for failures that never reached a gateway answer.
		monitoring.TrackReconcilePoll("transient", elapsed)
		return false, nil

	case reply.Status.Terminal():
		monitoring.TrackReconcilePoll("terminal", elapsed)
		return true, s.Apply(ctx, reply)
	}

	monitoring.TrackReconcilePoll("pending", elapsed)
	now := time.Now().UTC()
	if err := s.store.TouchPayment(ctx, ref, now); err != nil {
		return false, err
	}

	attempts := record.Attempts + 1
	age := now.Sub(record.CreatedAt)
	if attempts >= s.phases.MaxAttempts || age >= s.phases.MaxElapsed {
		reason := fmt.Sprintf("still pending after %d polls over %s", attempts, age.Round(time.Second))
		return true, s.flag(ctx, record, reason)
	}
	return false, nil
}

// Apply settles a terminal gateway reply into the record, issuing tickets
// on completion. Shared by the poll loop and the webhook handler; both
// paths converge on the same conditional settle, so a poll and a webhook
// for the same reference cannot both issue.
func (s *ReconcileScheduler) Apply(ctx context.Context, reply *gateway.StatusReply) error {
	if !reply.Status.Terminal() {
		return fmt.Errorf("reconcile: apply %s: status %q is not terminal", reply.Reference, reply.Status)
	}

	record, err := s.store.GetPayment(ctx, reply.Reference)
	if err != nil {
		return err
	}

	var settled models.PaymentStatus
	switch reply.Status {
	case gateway.StatusCompleted:
		settled = models.PaymentCompleted
	case gateway.StatusFailed:
		settled = models.PaymentFailed
	default:
		settled = models.PaymentCancelled
	}

	changed, err := s.store.SettlePayment(ctx, reply.Reference, settled)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	slog.Info("reconcile: payment settled",
		"reference", reply.Reference, "status", string(settled), "attempts", record.Attempts)

	if settled != models.PaymentCompleted {
		return nil
	}

	_, err = s.issuer.Issue(ctx, &IssueRequest{
		EventID:       record.EventID,
		ParticipantID: record.ParticipantID,
		PaymentRef:    record.Reference,
		Amount:        record.Amount,
		Quantity:      record.Quantity,
		PassID:        record.PassID,
		CouponCode:    record.CouponCode,
	})
	if err != nil {
		// The payment is settled but the tickets are not out. Flag so a
		// human retries issuance; the idempotency key makes that safe.
		flagErr := s.flag(ctx, record, fmt.Sprintf("settled but issuance failed: %v", err))
		if flagErr != nil {
			return errors.Join(err, flagErr)
		}
		return err
	}
	return nil
}

func (s *ReconcileScheduler) flag(ctx context.Context, record *models.PaymentRecord, reason string) error {
	if err := s.store.FlagPayment(ctx, record.Reference, reason); err != nil {
		return err
	}
	slog.Warn("reconcile: payment flagged", "reference", record.Reference, "reason", reason)
	s.events.PaymentFlagged(ctx, broker.NewPaymentFlagged(record.EventID, record.Reference, reason))
	return nil
}

// Reconcile performs one immediate poll for a reference, clearing a flag
// first so an admin can put a parked record back through.
func (s *ReconcileScheduler) Reconcile(ctx context.Context, ref string) error {
	if err := s.store.UnflagPayment(ctx, ref); err != nil {
		return err
	}
	done, err := s.pollOnce(ctx, ref)
	if err != nil {
		return err
	}
	if !done {
		s.Track(ref)
	}
	return nil
}

// ReconcileBatch polls every unflagged pending record once through a
// bounded worker pool.
func (s *ReconcileScheduler) ReconcileBatch(ctx context.Context, limit int) (int, error) {
	if limit <= 0 {
		limit = 500
	}
	pending, err := s.store.PendingPayments(ctx, limit)
	if err != nil {
		return 0, err
	}

	refs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < s.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ref := range refs {
				if _, err := s.pollOnce(ctx, ref); err != nil {
					slog.Warn("reconcile: batch poll failed", "reference", ref, "error", err)
				}
			}
		}()
	}
	for _, record := range pending {
		refs <- record.Reference
	}
	close(refs)
	wg.Wait()

	return len(pending), nil
}

// Resume re-tracks every unflagged pending record. Called once on boot so
// records outlive restarts.
func (s *ReconcileScheduler) Resume(ctx context.Context) error {
	pending, err := s.store.PendingPayments(ctx, 10000)
	if err != nil {
		return fmt.Errorf("reconcile: resume: %w", err)
	}
	for _, record := range pending {
		s.Track(record.Reference)
	}
	slog.Info("reconcile: resumed pending payments", "count", len(pending))
	return nil
}

func (s *ReconcileScheduler) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}
