package store

import (
	"context"
	"fmt"

	"github.com/pocketbase/dbx"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

// InsertTicket persists one ticket row. A duplicate (payment_ref, seq)
// means another writer already issued for this reference; the caller
// resolves that by re-reading the winner's rows.
func (s *Store) InsertTicket(ctx context.Context, t *models.Ticket) error {
	_, err := s.builder(ctx).
		Insert("tickets", dbx.Params{
			"id":             t.ID,
			"event_id":       t.EventID,
			"participant_id": t.ParticipantID,
			"pass_id":        t.PassID,
			"payment_ref":    t.PaymentRef,
			"seq":            t.Seq,
			"amount":         t.Amount,
			"status":         string(t.Status),
			"created_at":     t.CreatedAt,
		}).
		WithContext(ctx).
		Execute()
	if isUniqueViolation(err, "tickets_payment_ref_seq_uniq") {
		return status.ErrDuplicatePayment
	}
	if err != nil {
		return fmt.Errorf("store: insert ticket %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) TicketsByPaymentRef(ctx context.Context, ref string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.builder(ctx).
		Select("id", "event_id", "participant_id", "pass_id", "payment_ref", "seq", "amount", "status", "created_at").
		From("tickets").
		Where(dbx.HashExp{"payment_ref": ref}).
		OrderBy("seq ASC").
		WithContext(ctx).
		All(&tickets)
	if err != nil {
		return nil, fmt.Errorf("store: tickets by ref %s: %w", ref, err)
	}
	return tickets, nil
}

func (s *Store) TicketsByParticipant(ctx context.Context, eventID, participantID string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := s.builder(ctx).
		Select("id", "event_id", "participant_id", "pass_id", "payment_ref", "seq", "amount", "status", "created_at").
		From("tickets").
		Where(dbx.HashExp{"event_id": eventID, "participant_id": participantID}).
		OrderBy("created_at ASC").
		WithContext(ctx).
		All(&tickets)
	if err != nil {
		return nil, fmt.Errorf("store: tickets by participant %s/%s: %w", eventID, participantID, err)
	}
	return tickets, nil
}

// CancelTickets is the administrative destroy path; normal flow never
// deletes tickets.
func (s *Store) CancelTickets(ctx context.Context, ref string) (int, error) {
	res, err := s.builder(ctx).
		Delete("tickets", dbx.HashExp{"payment_ref": ref}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return 0, fmt.Errorf("store: cancel tickets %s: %w", ref, err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}
