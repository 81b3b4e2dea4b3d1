package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketStatus string

const (
	TicketValid TicketStatus = "valid"
	TicketUsed  TicketStatus = "used"
)

// Ticket rows for one payment reference are created exactly once; the
// (payment_ref, seq) uniqueness constraint makes the first writer win.
type Ticket struct {
	ID            string          `db:"id" json:"id"`
	EventID       string          `db:"event_id" json:"event_id"`
	ParticipantID string          `db:"participant_id" json:"participant_id"`
	PassID        *string         `db:"pass_id" json:"pass_id,omitempty"`
	PaymentRef    string          `db:"payment_ref" json:"payment_ref"`
	Seq           int             `db:"seq" json:"seq"`
	Amount        decimal.Decimal `db:"amount" json:"amount"`
	Status        TicketStatus    `db:"status" json:"status"`
	CreatedAt     time.Time       `db:"created_at" json:"created_at"`
}
