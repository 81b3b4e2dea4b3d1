package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentCompleted PaymentStatus = "completed"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
)

// Terminal payment records are immutable; only the reconciliation
// scheduler or webhook receipt moves a record out of pending.
func (s PaymentStatus) Terminal() bool {
	return s == PaymentCompleted || s == PaymentFailed || s == PaymentCancelled
}

// PaymentRecord tracks an externally processed payment. Reference is the
// merchant-assigned idempotency key for ticket issuance.
type PaymentRecord struct {
	Reference      string          `db:"reference" json:"reference"`
	GatewayOrderID string          `db:"gateway_order_id" json:"gateway_order_id"`
	EventID        string          `db:"event_id" json:"event_id"`
	ParticipantID  string          `db:"participant_id" json:"participant_id"`
	PassID         *string         `db:"pass_id" json:"pass_id,omitempty"`
	Quantity       int             `db:"quantity" json:"quantity"`
	Amount         decimal.Decimal `db:"amount" json:"amount"`
	CouponCode     string          `db:"coupon_code" json:"coupon_code,omitempty"`
	Status         PaymentStatus   `db:"status" json:"status"`
	Attempts       int             `db:"attempts" json:"attempts"`
	LastCheckedAt  *time.Time      `db:"last_checked_at" json:"last_checked_at,omitempty"`
	Flagged        bool            `db:"flagged" json:"flagged"`
	FlagReason     string          `db:"flag_reason" json:"flag_reason,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}
