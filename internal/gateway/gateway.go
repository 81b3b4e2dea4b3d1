// Package gateway is the thin adapter in front of the external payment
// gateway. It normalizes the gateway's status vocabulary into the four
// internal states and classifies failures as transient or terminal.
package gateway

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// normalizeStatus maps the gateway's vocabulary 1:1 onto the internal
// model. Unknown values are treated as still pending rather than guessed
// at; the scheduler simply keeps polling.
func normalizeStatus(raw string) Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESS", "PAID", "COMPLETED":
		return StatusCompleted
	case "FAILED", "DECLINED", "REJECTED":
		return StatusFailed
	case "CANCELLED", "VOIDED", "EXPIRED":
		return StatusCancelled
	default:
		return StatusPending
	}
}

// OrderRequest asks the gateway to open an order for one payment.
type OrderRequest struct {
	Reference string
	Amount    decimal.Decimal
	Currency  string
	Label     string
}

// Order is the gateway's handle for a placed order, including the QR
// payload the participant pays against.
type Order struct {
	OrderID string
	QRCode  string
}

// StatusReply is the normalized answer to a status poll.
type StatusReply struct {
	OrderID   string
	Reference string
	Status    Status
	Amount    decimal.Decimal
	PaidAt    time.Time
}

// Client is the pull side of the gateway integration. GetStatus errors are
// wrapped in status.ErrGatewayTransient (transport, 5xx) or
// status.ErrGatewayRejected (4xx) so the scheduler can branch.
type Client interface {
	CreateOrder(ctx context.Context, req *OrderRequest) (*Order, error)
	GetStatus(ctx context.Context, orderID string) (*StatusReply, error)
}
