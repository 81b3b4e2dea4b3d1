package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"ticket-engine/internal/gateway"
	"ticket-engine/internal/pricing"
	"ticket-engine/internal/status"
	"ticket-engine/models"
	"ticket-engine/utils"
)

// PaymentStore is the slice of the datastore payment initiation needs.
type PaymentStore interface {
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
	GetPass(ctx context.Context, passID string) (*models.Pass, error)
	ActiveEntry(ctx context.Context, eventID, participantID string) (*models.WaitingListEntry, error)
	CreatePayment(ctx context.Context, p *models.PaymentRecord) error
	GetPayment(ctx context.Context, ref string) (*models.PaymentRecord, error)
	SetGatewayOrder(ctx context.Context, ref, orderID string) error
	GetCoupon(ctx context.Context, code string) (*models.Coupon, error)
	CouponUsed(ctx context.Context, code, participantID, eventID string) (bool, error)
}

// PaymentTracker registers new payment records with the reconciliation
// scheduler. *ReconcileScheduler satisfies it.
type PaymentTracker interface {
	Track(ref string)
}

// InitiateRequest starts a payment for a held offer.
type InitiateRequest struct {
	EventID       string
	ParticipantID string
	PassID        string
	Quantity      int
	CouponCode    string
}

// PaymentSession is what the participant needs to pay: the reference to
// watch and the QR payload from the gateway.
type PaymentSession struct {
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	QRCode    string          `json:"qr_code"`
}

type PaymentService struct {
	store    PaymentStore
	gw       gateway.Client
	tracker  PaymentTracker
	currency string
}

func NewPaymentService(store PaymentStore, gw gateway.Client, tracker PaymentTracker, currency string) *PaymentService {
	if currency == "" {
		currency = "USD"
	}
	return &PaymentService{store: store, gw: gw, tracker: tracker, currency: currency}
}

// InitiatePayment prices the order, opens a gateway order and hands the
// new record to the reconciliation scheduler. The participant must hold
// a live offer; payment is what an offer exists to enable.
func (s *PaymentService) InitiatePayment(ctx context.Context, req *InitiateRequest) (*PaymentSession, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("payment: quantity must be positive")
	}

	event, err := s.store.GetEvent(ctx, req.EventID)
	if err != nil {
		return nil, err
	}
	if event.Cancelled {
		return nil, status.ErrEventCancelled
	}

	entry, err := s.store.ActiveEntry(ctx, req.EventID, req.ParticipantID)
	if err != nil {
		return nil, err
	}
	if entry == nil || entry.Status != models.EntryOffered {
		return nil, status.ErrOfferExpired
	}

	pass, err := s.store.GetPass(ctx, req.PassID)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	unit := pass.Price
	if req.CouponCode != "" {
		coupon, err := s.store.GetCoupon(ctx, req.CouponCode)
		if err != nil {
			return nil, err
		}
		if err := pricing.ValidateCoupon(coupon, now); err != nil {
			return nil, err
		}
		if coupon.PerEvent {
			used, err := s.store.CouponUsed(ctx, req.CouponCode, req.ParticipantID, req.EventID)
			if err != nil {
				return nil, err
			}
			if used {
				return nil, status.ErrCouponUsed
			}
		}
		unit = pricing.Discount(unit, coupon)
	}
	amount := unit.Mul(decimal.NewFromInt(int64(req.Quantity)))

	ref, err := utils.PaymentReference(now)
	if err != nil {
		return nil, fmt.Errorf("payment: generate reference: %w", err)
	}

	passID := req.PassID
	record := &models.PaymentRecord{
		Reference:     ref,
		EventID:       req.EventID,
		ParticipantID: req.ParticipantID,
		PassID:        &passID,
		Quantity:      req.Quantity,
		Amount:        amount,
		CouponCode:    req.CouponCode,
		Status:        models.PaymentPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreatePayment(ctx, record); err != nil {
		return nil, err
	}

	order, err := s.gw.CreateOrder(ctx, &gateway.OrderRequest{
		Reference: ref,
		Amount:    amount,
		Currency:  s.currency,
		Label:     event.Name,
	})
	if err != nil {
		return nil, fmt.Errorf("payment: open gateway order: %w", err)
	}
	if err := s.store.SetGatewayOrder(ctx, ref, order.OrderID); err != nil {
		return nil, err
	}

	s.tracker.Track(ref)
	slog.Info("payment: session opened",
		"reference", ref, "event_id", req.EventID, "amount", amount.String())

	return &PaymentSession{Reference: ref, Amount: amount, QRCode: order.QRCode}, nil
}

// PaymentStatus returns the current record for a reference.
func (s *PaymentService) PaymentStatus(ctx context.Context, ref string) (*models.PaymentRecord, error) {
	return s.store.GetPayment(ctx, ref)
}
