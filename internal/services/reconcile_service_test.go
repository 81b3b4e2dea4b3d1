package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ticket-engine/internal/broker"
	"ticket-engine/internal/gateway"
	"ticket-engine/internal/status"
	"ticket-engine/models"
)

// fakeGateway scripts a sequence of poll replies; calls past the end of
// the script repeat the last element.
type fakeGateway struct {
	mu      sync.Mutex
	replies []pollReply
	calls   int
}

type pollReply struct {
	status gateway.Status
	err    error
}

func (f *fakeGateway) CreateOrder(ctx context.Context, req *gateway.OrderRequest) (*gateway.Order, error) {
	return &gateway.Order{OrderID: "ord-" + req.Reference, QRCode: "QR"}, nil
}

func (f *fakeGateway) GetStatus(ctx context.Context, orderID string) (*gateway.StatusReply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	if i >= len(f.replies) {
		i = len(f.replies) - 1
	}
	f.calls++
	r := f.replies[i]
	if r.err != nil {
		return nil, r.err
	}
	return &gateway.StatusReply{
		OrderID:   orderID,
		Reference: "PAY-1",
		Status:    r.status,
		Amount:    decimal.RequireFromString("100.00"),
	}, nil
}

func (f *fakeGateway) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// countingIssuer counts issuance calls.
type countingIssuer struct {
	calls atomic.Int64
}

func (c *countingIssuer) Issue(ctx context.Context, req *IssueRequest) ([]models.Ticket, error) {
	c.calls.Add(1)
	return []models.Ticket{{ID: "t1", PaymentRef: req.PaymentRef}}, nil
}

func seedPayment(store *fakeStore, ref string) *models.PaymentRecord {
	now := time.Now().UTC()
	p := &models.PaymentRecord{
		Reference:      ref,
		GatewayOrderID: "ord-" + ref,
		EventID:        "ev1",
		ParticipantID:  "alice",
		Quantity:       2,
		Amount:         decimal.RequireFromString("100.00"),
		Status:         models.PaymentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	store.payments[ref] = p
	return p
}

func newTestScheduler(store *fakeStore, gw gateway.Client, issuer TicketIssuer) *ReconcileScheduler {
	return NewReconcileScheduler(store, gw, issuer, broker.Noop{}, DefaultPhases(), 4)
}

func TestIntervalFor(t *testing.T) {
	p := DefaultPhases()

	assert.Equal(t, p.BurstInterval, p.intervalFor(0))
	assert.Equal(t, p.BurstInterval, p.intervalFor(29*time.Second))
	assert.Equal(t, p.SteadyInterval, p.intervalFor(30*time.Second))
	assert.Equal(t, p.SteadyInterval, p.intervalFor(4*time.Minute))
	assert.Equal(t, p.SlowInterval, p.intervalFor(5*time.Minute))
	assert.Equal(t, p.SlowInterval, p.intervalFor(12*time.Hour))
}

func TestPollOnce_PendingThenCompleted(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "PAY-1")
	gw := &fakeGateway{replies: []pollReply{
		{status: gateway.StatusPending},
		{status: gateway.StatusPending},
		{status: gateway.StatusCompleted},
	}}
	issuer := &countingIssuer{}
	s := newTestScheduler(store, gw, issuer)
	ctx := context.Background()

	done, err := s.pollOnce(ctx, "PAY-1")
	require.NoError(t, err)
	assert.False(t, done)

	done, err = s.pollOnce(ctx, "PAY-1")
	require.NoError(t, err)
	assert.False(t, done)
	assert.Equal(t, 2, store.payments["PAY-1"].Attempts)

	done, err = s.pollOnce(ctx, "PAY-1")
	require.NoError(t, err)
	assert.True(t, done)

	assert.Equal(t, models.PaymentCompleted, store.payments["PAY-1"].Status)
	assert.Equal(t, int64(1), issuer.calls.Load())
}

func TestPollOnce_TransientDoesNotAdvanceAttempts(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "PAY-1")
	gw := &fakeGateway{replies: []pollReply{
		{err: fmt.Errorf("%w: http 503", status.ErrGatewayTransient)},
		{err: fmt.Errorf("%w: http 503", status.ErrGatewayTransient)},
		{err: fmt.Errorf("%w: http 503", status.ErrGatewayTransient)},
		{status: gateway.StatusCompleted},
	}}
	issuer := &countingIssuer{}
	s := newTestScheduler(store, gw, issuer)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		done, err := s.pollOnce(ctx, "PAY-1")
		require.NoError(t, err)
		assert.False(t, done)
	}
	// Transport failures never consume the attempt budget.
	assert.Equal(t, 0, store.payments["PAY-1"].Attempts)
	assert.False(t, store.payments["PAY-1"].Flagged)

	done, err := s.pollOnce(ctx, "PAY-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, models.PaymentCompleted, store.payments["PAY-1"].Status)
	assert.Equal(t, int64(1), issuer.calls.Load())
}

func TestPollOnce_RejectedFlagsAndStops(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "PAY-1")
	gw := &fakeGateway{replies: []pollReply{
		{err: fmt.Errorf("%w: http 404", status.ErrGatewayRejected)},
	}}
	issuer := &countingIssuer{}
	s := newTestScheduler(store, gw, issuer)

	done, err := s.pollOnce(context.Background(), "PAY-1")
	require.NoError(t, err)
	assert.True(t, done)

	record := store.payments["PAY-1"]
	assert.True(t, record.Flagged)
	assert.Equal(t, models.PaymentPending, record.Status)
	assert.Equal(t, int64(0), issuer.calls.Load())
	assert.Equal(t, 1, gw.callCount())
}

func TestPollOnce_AttemptCeilingFlags(t *testing.T) {
	store := newFakeStore()
	record := seedPayment(store, "PAY-1")
	record.Attempts = 199
	gw := &fakeGateway{replies: []pollReply{{status: gateway.StatusPending}}}
	s := newTestScheduler(store, gw, &countingIssuer{})

	done, err := s.pollOnce(context.Background(), "PAY-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, store.payments["PAY-1"].Flagged)
	assert.Equal(t, models.PaymentPending, store.payments["PAY-1"].Status)
}

func TestPollOnce_ElapsedCeilingFlags(t *testing.T) {
	store := newFakeStore()
	record := seedPayment(store, "PAY-1")
	record.CreatedAt = time.Now().UTC().Add(-25 * time.Hour)
	gw := &fakeGateway{replies: []pollReply{{status: gateway.StatusPending}}}
	s := newTestScheduler(store, gw, &countingIssuer{})

	done, err := s.pollOnce(context.Background(), "PAY-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, store.payments["PAY-1"].Flagged)
}

func TestPollOnce_AlreadySettledIsDone(t *testing.T) {
	store := newFakeStore()
	record := seedPayment(store, "PAY-1")
	record.Status = models.PaymentCompleted
	gw := &fakeGateway{replies: []pollReply{{status: gateway.StatusPending}}}
	s := newTestScheduler(store, gw, &countingIssuer{})

	done, err := s.pollOnce(context.Background(), "PAY-1")
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, 0, gw.callCount(), "settled record must not be polled")
}

func TestApply_SettlesOnceAcrossWebhookAndPoll(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "PAY-1")
	issuer := &countingIssuer{}
	s := newTestScheduler(store, &fakeGateway{}, issuer)
	ctx := context.Background()

	reply := &gateway.StatusReply{
		Reference: "PAY-1",
		Status:    gateway.StatusCompleted,
		Amount:    decimal.RequireFromString("100.00"),
	}
	require.NoError(t, s.Apply(ctx, reply))
	require.NoError(t, s.Apply(ctx, reply))

	assert.Equal(t, models.PaymentCompleted, store.payments["PAY-1"].Status)
	assert.Equal(t, int64(1), issuer.calls.Load(), "duplicate confirmation must not issue twice")
}

func TestApply_FailedPaymentDoesNotIssue(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "PAY-1")
	issuer := &countingIssuer{}
	s := newTestScheduler(store, &fakeGateway{}, issuer)

	err := s.Apply(context.Background(), &gateway.StatusReply{
		Reference: "PAY-1",
		Status:    gateway.StatusFailed,
	})
	require.NoError(t, err)

	assert.Equal(t, models.PaymentFailed, store.payments["PAY-1"].Status)
	assert.Equal(t, int64(0), issuer.calls.Load())
}

func TestApply_NonTerminalRejected(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "PAY-1")
	s := newTestScheduler(store, &fakeGateway{}, &countingIssuer{})

	err := s.Apply(context.Background(), &gateway.StatusReply{
		Reference: "PAY-1",
		Status:    gateway.StatusPending,
	})
	assert.Error(t, err)
}

func TestReconcileBatch_DrainsAllPending(t *testing.T) {
	store := newFakeStore()
	for i := 0; i < 20; i++ {
		seedPayment(store, fmt.Sprintf("PAY-%02d", i))
	}
	gw := &fakeGateway{replies: []pollReply{{status: gateway.StatusPending}}}
	s := newTestScheduler(store, gw, &countingIssuer{})

	n, err := s.ReconcileBatch(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 20, n)
	assert.Equal(t, 20, gw.callCount())
}

func TestReconcile_ClearsFlagAndPolls(t *testing.T) {
	store := newFakeStore()
	record := seedPayment(store, "PAY-1")
	record.Flagged = true
	record.FlagReason = "manual park"
	gw := &fakeGateway{replies: []pollReply{{status: gateway.StatusCompleted}}}
	issuer := &countingIssuer{}
	s := newTestScheduler(store, gw, issuer)

	require.NoError(t, s.Reconcile(context.Background(), "PAY-1"))

	assert.Equal(t, models.PaymentCompleted, store.payments["PAY-1"].Status)
	assert.False(t, store.payments["PAY-1"].Flagged)
	assert.Equal(t, int64(1), issuer.calls.Load())
}

func TestTrack_DeduplicatesReferences(t *testing.T) {
	store := newFakeStore()
	seedPayment(store, "PAY-1")
	s := newTestScheduler(store, &fakeGateway{replies: []pollReply{{status: gateway.StatusPending}}}, &countingIssuer{})

	s.Track("PAY-1")
	s.Track("PAY-1")
	s.Track("PAY-1")

	s.mu.Lock()
	tracked := len(s.tracked)
	s.mu.Unlock()
	assert.Equal(t, 1, tracked)

	s.Shutdown()
}
