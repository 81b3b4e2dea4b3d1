package status

import "errors"

// Business errors. Callers branch with errors.Is; everything else is
// treated as an infrastructure failure and propagated wrapped.
var (
	ErrOversold       = errors.New("capacity: pass oversold")
	ErrPassNotFound   = errors.New("capacity: pass not found")
	ErrEventNotFound  = errors.New("event: not found")
	ErrEventCancelled = errors.New("event: cancelled")

	ErrAlreadyQueued = errors.New("queue: participant already has an active entry")
	ErrEntryNotFound = errors.New("queue: entry not found")
	ErrOfferExpired  = errors.New("queue: offer expired")

	ErrDuplicatePayment = errors.New("ticket: tickets already issued for payment reference")
	ErrPaymentNotFound  = errors.New("payment: record not found")
	ErrPaymentTerminal  = errors.New("payment: record already terminal")

	ErrInvalidCoupon = errors.New("coupon: invalid or not redeemable")
	ErrCouponUsed    = errors.New("coupon: already used by participant for this event")

	// ErrGatewayTransient marks transport failures and gateway 5xx replies.
	// The reconciliation scheduler retries these at the current cadence.
	ErrGatewayTransient = errors.New("gateway: transient error")

	// ErrGatewayRejected marks gateway 4xx replies. Polling stops and the
	// record is flagged for manual follow-up.
	ErrGatewayRejected = errors.New("gateway: request rejected")
)
