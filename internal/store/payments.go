package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

const paymentColumns = "reference, gateway_order_id, event_id, participant_id, pass_id, quantity, amount, coupon_code, status, attempts, last_checked_at, flagged, flag_reason, created_at, updated_at"

func (s *Store) CreatePayment(ctx context.Context, p *models.PaymentRecord) error {
	_, err := s.builder(ctx).
		Insert("payment_records", dbx.Params{
			"reference":        p.Reference,
			"gateway_order_id": p.GatewayOrderID,
			"event_id":         p.EventID,
			"participant_id":   p.ParticipantID,
			"pass_id":          p.PassID,
			"quantity":         p.Quantity,
			"amount":           p.Amount,
			"coupon_code":      p.CouponCode,
			"status":           string(p.Status),
			"attempts":         p.Attempts,
			"created_at":       p.CreatedAt,
			"updated_at":       p.UpdatedAt,
		}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("store: create payment %s: %w", p.Reference, err)
	}
	return nil
}

func (s *Store) GetPayment(ctx context.Context, ref string) (*models.PaymentRecord, error) {
	var p models.PaymentRecord
	err := s.builder(ctx).
		NewQuery("SELECT " + paymentColumns + " FROM payment_records WHERE reference = {:ref}").
		Bind(dbx.Params{"ref": ref}).
		WithContext(ctx).
		One(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get payment %s: %w", ref, err)
	}
	return &p, nil
}

// SetGatewayOrder attaches the gateway's order id once the order is placed.
func (s *Store) SetGatewayOrder(ctx context.Context, ref, orderID string) error {
	_, err := s.builder(ctx).
		NewQuery(`UPDATE payment_records
			SET gateway_order_id = {:order}, updated_at = now()
			WHERE reference = {:ref}`).
		Bind(dbx.Params{"ref": ref, "order": orderID}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("store: set gateway order %s: %w", ref, err)
	}
	return nil
}

// SettlePayment moves a pending record to a terminal status. Returns false
// when the record was already terminal: terminal records are immutable and
// late or duplicate confirmations land here as no-ops.
func (s *Store) SettlePayment(ctx context.Context, ref string, st models.PaymentStatus) (bool, error) {
	if !st.Terminal() {
		return false, fmt.Errorf("store: settle payment %s: %q is not terminal", ref, st)
	}
	res, err := s.builder(ctx).
		NewQuery(`UPDATE payment_records
			SET status = {:status}, updated_at = now()
			WHERE reference = {:ref} AND status = 'pending'`).
		Bind(dbx.Params{"ref": ref, "status": string(st)}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return false, fmt.Errorf("store: settle payment %s: %w", ref, err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// TouchPayment records one poll attempt.
func (s *Store) TouchPayment(ctx context.Context, ref string, at time.Time) error {
	_, err := s.builder(ctx).
		NewQuery(`UPDATE payment_records
			SET attempts = attempts + 1, last_checked_at = {:at}, updated_at = now()
			WHERE reference = {:ref}`).
		Bind(dbx.Params{"ref": ref, "at": at}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("store: touch payment %s: %w", ref, err)
	}
	return nil
}

// FlagPayment marks a pending record for manual follow-up and takes it out
// of the polling rotation. The record stays pending.
func (s *Store) FlagPayment(ctx context.Context, ref, reason string) error {
	_, err := s.builder(ctx).
		NewQuery(`UPDATE payment_records
			SET flagged = TRUE, flag_reason = {:reason}, updated_at = now()
			WHERE reference = {:ref}`).
		Bind(dbx.Params{"ref": ref, "reason": reason}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("store: flag payment %s: %w", ref, err)
	}
	return nil
}

// UnflagPayment puts a record back into the polling rotation after manual
// review.
func (s *Store) UnflagPayment(ctx context.Context, ref string) error {
	_, err := s.builder(ctx).
		NewQuery(`UPDATE payment_records
			SET flagged = FALSE, flag_reason = '', updated_at = now()
			WHERE reference = {:ref}`).
		Bind(dbx.Params{"ref": ref}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("store: unflag payment %s: %w", ref, err)
	}
	return nil
}

// PendingPayments lists unflagged pending records, oldest first, for the
// scheduler to resume after a restart.
func (s *Store) PendingPayments(ctx context.Context, limit int) ([]models.PaymentRecord, error) {
	var records []models.PaymentRecord
	err := s.builder(ctx).
		NewQuery("SELECT " + paymentColumns + ` FROM payment_records
			WHERE status = 'pending' AND NOT flagged
			ORDER BY created_at ASC LIMIT ` + fmt.Sprint(limit)).
		WithContext(ctx).
		All(&records)
	if err != nil {
		return nil, fmt.Errorf("store: pending payments: %w", err)
	}
	return records, nil
}

// FlaggedPayments lists records awaiting manual resolution.
func (s *Store) FlaggedPayments(ctx context.Context, limit int) ([]models.PaymentRecord, error) {
	var records []models.PaymentRecord
	err := s.builder(ctx).
		NewQuery("SELECT " + paymentColumns + ` FROM payment_records
			WHERE flagged ORDER BY updated_at DESC LIMIT ` + fmt.Sprint(limit)).
		WithContext(ctx).
		All(&records)
	if err != nil {
		return nil, fmt.Errorf("store: flagged payments: %w", err)
	}
	return records, nil
}
