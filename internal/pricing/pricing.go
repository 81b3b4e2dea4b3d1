// Package pricing holds the pure money math for an order: coupon
// validation and the split of a total across the tickets it buys.
package pricing

import (
	"time"

	"github.com/shopspring/decimal"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

var hundred = decimal.NewFromInt(100)

// ValidateCoupon checks activation and the validity window against now.
// The per-event single-use restriction is enforced separately against the
// usage ledger.
func ValidateCoupon(c *models.Coupon, now time.Time) error {
	if c.IsActive == nil || !*c.IsActive {
		return status.ErrInvalidCoupon
	}
	if c.ValidFrom != nil && now.Before(*c.ValidFrom) {
		return status.ErrInvalidCoupon
	}
	if c.ValidUntil != nil && !now.Before(*c.ValidUntil) {
		return status.ErrInvalidCoupon
	}
	return nil
}

// Discount applies the coupon percentage to a unit price, rounded to two
// places. A nil coupon means no discount.
func Discount(unit decimal.Decimal, c *models.Coupon) decimal.Decimal {
	if c == nil || c.PercentOff <= 0 {
		return unit
	}
	off := unit.Mul(decimal.NewFromInt(int64(c.PercentOff))).Div(hundred)
	return unit.Sub(off).Round(2)
}

// Split divides a paid total across qty tickets. Every ticket but the last
// gets the rounded even share; the last absorbs the remainder so the
// shares always sum back to the total.
func Split(total decimal.Decimal, qty int) []decimal.Decimal {
	if qty <= 0 {
		return nil
	}
	shares := make([]decimal.Decimal, qty)
	even := total.Div(decimal.NewFromInt(int64(qty))).Round(2)
	running := decimal.Zero
	for i := 0; i < qty-1; i++ {
		shares[i] = even
		running = running.Add(even)
	}
	shares[qty-1] = total.Sub(running)
	return shares
}
