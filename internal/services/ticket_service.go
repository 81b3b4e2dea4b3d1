package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"ticket-engine/internal/broker"
	"ticket-engine/internal/notify"
	"ticket-engine/internal/pricing"
	"ticket-engine/internal/status"
	"ticket-engine/models"
	"ticket-engine/monitoring"
)

// TicketStore is the slice of the datastore ticket issuance needs.
type TicketStore interface {
	WithEventLock(ctx context.Context, eventID string, fn func(ctx context.Context) error) error
	ReservePass(ctx context.Context, passID string, qty int) error
	ConsumeEntry(ctx context.Context, eventID, participantID string) (bool, error)
	InsertTicket(ctx context.Context, t *models.Ticket) error
	TicketsByPaymentRef(ctx context.Context, ref string) ([]models.Ticket, error)
	TicketsByParticipant(ctx context.Context, eventID, participantID string) ([]models.Ticket, error)
	RecordCouponUsage(ctx context.Context, u *models.CouponUsage) error
	GetPayment(ctx context.Context, ref string) (*models.PaymentRecord, error)
	CancelTickets(ctx context.Context, ref string) (int, error)
	ReleasePass(ctx context.Context, passID string, qty int) error
}

// IssueRequest identifies one confirmed payment to issue tickets for.
// PaymentRef is the idempotency key: issuing twice for the same reference
// returns the original tickets.
type IssueRequest struct {
	EventID       string
	ParticipantID string
	PaymentRef    string
	Amount        decimal.Decimal
	Quantity      int
	PassID        *string
	CouponCode    string
}

type TicketService struct {
	store    TicketStore
	queue    *QueueService
	notifier notify.Notifier
	events   broker.Publisher
}

func NewTicketService(store TicketStore, queue *QueueService, notifier notify.Notifier, events broker.Publisher) *TicketService {
	return &TicketService{store: store, queue: queue, notifier: notifier, events: events}
}

// Issue creates the tickets for a confirmed payment, exactly once. Repeat
// calls with the same payment reference, including concurrent ones, all
// return the same ticket rows; the (payment_ref, seq) uniqueness
// constraint makes the first writer win and every loser re-read.
func (s *TicketService) Issue(ctx context.Context, req *IssueRequest) ([]models.Ticket, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("ticket: issue %s: quantity must be positive", req.PaymentRef)
	}

	existing, err := s.store.TicketsByPaymentRef(ctx, req.PaymentRef)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	tickets := make([]models.Ticket, 0, req.Quantity)
	shares := pricing.Split(req.Amount, req.Quantity)
	now := time.Now().UTC()

	err = s.store.WithEventLock(ctx, req.EventID, func(ctx context.Context) error {
		if req.PassID != nil {
			if err := s.store.ReservePass(ctx, *req.PassID, req.Quantity); err != nil {
				return err
			}
		}

		// No active entry is fine: the payment may confirm after the
		// offer already expired. The tickets are still owed.
		consumed, err := s.store.ConsumeEntry(ctx, req.EventID, req.ParticipantID)
		if err != nil {
			return err
		}
		if !consumed {
			slog.Info("ticket: issuing without active entry",
				"payment_ref", req.PaymentRef, "participant_id", req.ParticipantID)
		}

		for i := 0; i < req.Quantity; i++ {
			t := models.Ticket{
				ID:            uuid.NewString(),
				EventID:       req.EventID,
				ParticipantID: req.ParticipantID,
				PassID:        req.PassID,
				PaymentRef:    req.PaymentRef,
				Seq:           i + 1,
				Amount:        shares[i],
				Status:        models.TicketValid,
				CreatedAt:     now,
			}
			if err := s.store.InsertTicket(ctx, &t); err != nil {
				return err
			}
			tickets = append(tickets, t)
		}

		if req.CouponCode != "" {
			err := s.store.RecordCouponUsage(ctx, &models.CouponUsage{
				Code:          req.CouponCode,
				ParticipantID: req.ParticipantID,
				EventID:       req.EventID,
				UsedAt:        now,
			})
			// The usage row may already exist when a previous attempt
			// rolled back after recording elsewhere; not an error here.
			if err != nil && !errors.Is(err, status.ErrCouponUsed) {
				return err
			}
		}
		return nil
	})
	if errors.Is(err, status.ErrDuplicatePayment) {
		// Another writer issued between our read and our insert. The
		// whole transaction rolled back; return the winner's rows.
		return s.store.TicketsByPaymentRef(ctx, req.PaymentRef)
	}
	if errors.Is(err, status.ErrOversold) {
		monitoring.TrackOversellRejected(req.EventID)
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	monitoring.TrackTicketIssued(req.EventID, len(tickets))
	s.notifier.PaymentCompleted(req.ParticipantID, req.EventID, req.PaymentRef)

	ids := make([]string, len(tickets))
	for i, t := range tickets {
		ids[i] = t.ID
	}
	s.events.TicketsIssued(ctx, broker.NewTicketsIssued(
		req.EventID, req.ParticipantID, req.PaymentRef, ids, req.Amount.String()))

	// The consumed offer freed nothing, but an expired-then-paid entry
	// may have; let the queue settle either way.
	if s.queue != nil {
		if err := s.queue.ProcessQueue(ctx, req.EventID); err != nil {
			slog.Error("ticket: queue backfill failed", "event_id", req.EventID, "error", err)
		}
	}
	return tickets, nil
}

// Void revokes every ticket issued for a payment reference and returns
// the freed capacity to the queue. Administrative path; the participant
// keeps nothing and promotion runs immediately.
func (s *TicketService) Void(ctx context.Context, paymentRef string) (int, error) {
	record, err := s.store.GetPayment(ctx, paymentRef)
	if err != nil {
		return 0, err
	}

	var cancelled int
	err = s.store.WithEventLock(ctx, record.EventID, func(ctx context.Context) error {
		cancelled, err = s.store.CancelTickets(ctx, paymentRef)
		if err != nil {
			return err
		}
		if cancelled > 0 && record.PassID != nil {
			return s.store.ReleasePass(ctx, *record.PassID, cancelled)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ticket: void %s: %w", paymentRef, err)
	}
	if cancelled == 0 {
		return 0, nil
	}

	slog.Info("ticket: voided", "payment_ref", paymentRef, "count", cancelled)
	if s.queue != nil {
		if err := s.queue.ProcessQueue(ctx, record.EventID); err != nil {
			slog.Error("ticket: queue backfill failed", "event_id", record.EventID, "error", err)
		}
	}
	return cancelled, nil
}

// TicketsFor lists a participant's tickets for an event.
func (s *TicketService) TicketsFor(ctx context.Context, eventID, participantID string) ([]models.Ticket, error) {
	return s.store.TicketsByParticipant(ctx, eventID, participantID)
}
