package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-engine/internal/gateway"
	"ticket-engine/internal/status"
	"ticket-engine/models"
)

type fakeTracker struct {
	refs []string
}

func (f *fakeTracker) Track(ref string) { f.refs = append(f.refs, ref) }

func newTestPayments(store *fakeStore, gw gateway.Client, tracker *fakeTracker) *PaymentService {
	return NewPaymentService(store, gw, tracker, "USD")
}

func initiateReq() *InitiateRequest {
	return &InitiateRequest{
		EventID:       "ev1",
		ParticipantID: "alice",
		PassID:        "pass1",
		Quantity:      2,
	}
}

func TestInitiatePayment_OpensSession(t *testing.T) {
	store := newFakeStore()
	seedEvent(store, "ev1", 10)
	seedPass(store, "pass1", "ev1", "50.00", 10)
	offeredEntry(store, "ev1", "alice")
	tracker := &fakeTracker{}
	svc := newTestPayments(store, &fakeGateway{}, tracker)

	session, err := svc.InitiatePayment(context.Background(), initiateReq())
	require.NoError(t, err)

	assert.Equal(t, "100", session.Amount.String())
	assert.NotEmpty(t, session.Reference)
	assert.Equal(t, "QR", session.QRCode)

	record := store.payments[session.Reference]
	require.NotNil(t, record)
	assert.Equal(t, models.PaymentPending, record.Status)
	assert.Equal(t, "ord-"+session.Reference, record.GatewayOrderID)
	assert.Equal(t, []string{session.Reference}, tracker.refs)
}

func TestInitiatePayment_RequiresLiveOffer(t *testing.T) {
	store := newFakeStore()
	seedEvent(store, "ev1", 10)
	seedPass(store, "pass1", "ev1", "50.00", 10)
	svc := newTestPayments(store, &fakeGateway{}, &fakeTracker{})

	_, err := svc.InitiatePayment(context.Background(), initiateReq())
	assert.ErrorIs(t, err, status.ErrOfferExpired)
}

func TestInitiatePayment_WaitingEntryNotEnough(t *testing.T) {
	store := newFakeStore()
	seedEvent(store, "ev1", 10)
	seedPass(store, "pass1", "ev1", "50.00", 10)
	store.entries["e1"] = &models.WaitingListEntry{
		ID: "e1", EventID: "ev1", ParticipantID: "alice",
		Status: models.EntryWaiting, CreatedAt: time.Now().UTC(),
	}
	svc := newTestPayments(store, &fakeGateway{}, &fakeTracker{})

	_, err := svc.InitiatePayment(context.Background(), initiateReq())
	assert.ErrorIs(t, err, status.ErrOfferExpired)
}

func TestInitiatePayment_CancelledEvent(t *testing.T) {
	store := newFakeStore()
	seedEvent(store, "ev1", 10)
	store.events["ev1"].Cancelled = true
	svc := newTestPayments(store, &fakeGateway{}, &fakeTracker{})

	_, err := svc.InitiatePayment(context.Background(), initiateReq())
	assert.ErrorIs(t, err, status.ErrEventCancelled)
}

func TestInitiatePayment_CouponApplied(t *testing.T) {
	store := newFakeStore()
	seedEvent(store, "ev1", 10)
	seedPass(store, "pass1", "ev1", "50.00", 10)
	offeredEntry(store, "ev1", "alice")
	store.coupons["SAVE10"] = &models.Coupon{Code: "SAVE10", PercentOff: 10}
	svc := newTestPayments(store, &fakeGateway{}, &fakeTracker{})

	req := initiateReq()
	req.CouponCode = "SAVE10"

	session, err := svc.InitiatePayment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "90", session.Amount.String())
	assert.Equal(t, "SAVE10", store.payments[session.Reference].CouponCode)
}

func TestInitiatePayment_UsedCouponRejected(t *testing.T) {
	store := newFakeStore()
	seedEvent(store, "ev1", 10)
	seedPass(store, "pass1", "ev1", "50.00", 10)
	offeredEntry(store, "ev1", "alice")
	store.coupons["SAVE10"] = &models.Coupon{Code: "SAVE10", PercentOff: 10, PerEvent: true}
	store.usages["SAVE10|alice|ev1"] = true
	svc := newTestPayments(store, &fakeGateway{}, &fakeTracker{})

	req := initiateReq()
	req.CouponCode = "SAVE10"

	_, err := svc.InitiatePayment(context.Background(), req)
	assert.ErrorIs(t, err, status.ErrCouponUsed)
}

func TestInitiatePayment_UnknownCouponRejected(t *testing.T) {
	store := newFakeStore()
	seedEvent(store, "ev1", 10)
	seedPass(store, "pass1", "ev1", "50.00", 10)
	offeredEntry(store, "ev1", "alice")
	svc := newTestPayments(store, &fakeGateway{}, &fakeTracker{})

	req := initiateReq()
	req.CouponCode = "NOPE"

	_, err := svc.InitiatePayment(context.Background(), req)
	assert.ErrorIs(t, err, status.ErrInvalidCoupon)
}

func TestPaymentStatus(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "PAY-1")
	svc := newTestPayments(store, &fakeGateway{}, &fakeTracker{})

	record, err := svc.PaymentStatus(context.Background(), "PAY-1")
	require.NoError(t, err)
	assert.Equal(t, "PAY-1", record.Reference)

	_, err = svc.PaymentStatus(context.Background(), "missing")
	assert.ErrorIs(t, err, status.ErrPaymentNotFound)
}
