package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pocketbase/dbx"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

// GetCoupon loads a coupon with legacy defaults applied here, at the data
// access boundary, so no caller ever null-checks activation fields.
func (s *Store) GetCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	var c models.Coupon
	err := s.builder(ctx).
		Select("code", "percent_off", "is_active", "valid_from", "valid_until", "per_event").
		From("coupons").
		Where(dbx.HashExp{"code": code}).
		WithContext(ctx).
		One(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrInvalidCoupon
	}
	if err != nil {
		return nil, fmt.Errorf("store: get coupon %s: %w", code, err)
	}
	c.ApplyDefaults()
	return &c, nil
}

// RecordCouponUsage inserts the usage row; the composite primary key
// rejects a second use of the same coupon by the same participant for the
// same event.
func (s *Store) RecordCouponUsage(ctx context.Context, u *models.CouponUsage) error {
	_, err := s.builder(ctx).
		Insert("coupon_usages", dbx.Params{
			"code":           u.Code,
			"participant_id": u.ParticipantID,
			"event_id":       u.EventID,
			"used_at":        u.UsedAt,
		}).
		WithContext(ctx).
		Execute()
	if isUniqueViolation(err, "") {
		return status.ErrCouponUsed
	}
	if err != nil {
		return fmt.Errorf("store: record coupon usage %s: %w", u.Code, err)
	}
	return nil
}

// CouponUsed reports whether the participant already redeemed the coupon
// for the event.
func (s *Store) CouponUsed(ctx context.Context, code, participantID, eventID string) (bool, error) {
	var n int
	err := s.builder(ctx).
		NewQuery(`SELECT COUNT(*) FROM coupon_usages
			WHERE code = {:code} AND participant_id = {:participant} AND event_id = {:event}`).
		Bind(dbx.Params{"code": code, "participant": participantID, "event": eventID}).
		WithContext(ctx).
		Row(&n)
	if err != nil {
		return false, fmt.Errorf("store: coupon used %s: %w", code, err)
	}
	return n > 0, nil
}
