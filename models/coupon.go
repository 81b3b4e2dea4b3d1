package models

import "time"

// Coupon carries legacy-nullable activation fields. ApplyDefaults runs once
// at the data-access boundary so callers always see concrete values.
type Coupon struct {
	Code       string     `db:"code" json:"code"`
	PercentOff int        `db:"percent_off" json:"percent_off"`
	IsActive   *bool      `db:"is_active" json:"is_active,omitempty"`
	ValidFrom  *time.Time `db:"valid_from" json:"valid_from,omitempty"`
	ValidUntil *time.Time `db:"valid_until" json:"valid_until,omitempty"`
	PerEvent   bool       `db:"per_event" json:"per_event"`
}

// ApplyDefaults fills absent legacy fields: a coupon with no activation
// flag is active, and one with no start date is valid from the epoch.
func (c *Coupon) ApplyDefaults() {
	if c.IsActive == nil {
		active := true
		c.IsActive = &active
	}
	if c.ValidFrom == nil {
		epoch := time.Unix(0, 0).UTC()
		c.ValidFrom = &epoch
	}
}

type CouponUsage struct {
	Code          string    `db:"code" json:"code"`
	ParticipantID string    `db:"participant_id" json:"participant_id"`
	EventID       string    `db:"event_id" json:"event_id"`
	UsedAt        time.Time `db:"used_at" json:"used_at"`
}
