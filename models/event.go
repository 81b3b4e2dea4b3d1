package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event capacity is immutable after creation. Cancelling an event stops
// new offers from being granted; it does not change the capacity.
type Event struct {
	ID        string    `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Capacity  int       `db:"capacity" json:"capacity"`
	Cancelled bool      `db:"cancelled" json:"cancelled"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Pass is an optional sub-allocation of an event's capacity with its own
// sold counter. SoldQty is only ever mutated through the capacity store's
// conditional updates.
type Pass struct {
	ID       string          `db:"id" json:"id"`
	EventID  string          `db:"event_id" json:"event_id"`
	Name     string          `db:"name" json:"name"`
	Price    decimal.Decimal `db:"price" json:"price"`
	TotalQty int             `db:"total_qty" json:"total_qty"`
	SoldQty  int             `db:"sold_qty" json:"sold_qty"`
}

func (p *Pass) Remaining() int {
	return p.TotalQty - p.SoldQty
}
