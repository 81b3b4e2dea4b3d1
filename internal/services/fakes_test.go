package services

import (
	"context"
	"sort"
	"sync"
	"time"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

// fakeStore is an in-memory stand-in for the SQL store. WithEventLock
// serializes callers on one mutex and marks the context, mirroring the
// transaction-in-context behavior of the real store.
type fakeStore struct {
	mu sync.Mutex

	events   map[string]*models.Event
	passes   map[string]*models.Pass
	entries  map[string]*models.WaitingListEntry
	tickets  []models.Ticket
	payments map[string]*models.PaymentRecord
	coupons  map[string]*models.Coupon
	usages   map[string]bool
}

type fakeLockKey struct{}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:   make(map[string]*models.Event),
		passes:   make(map[string]*models.Pass),
		entries:  make(map[string]*models.WaitingListEntry),
		payments: make(map[string]*models.PaymentRecord),
		coupons:  make(map[string]*models.Coupon),
		usages:   make(map[string]bool),
	}
}

func (f *fakeStore) locked(ctx context.Context) func() {
	if ctx.Value(fakeLockKey{}) != nil {
		return func() {}
	}
	f.mu.Lock()
	return f.mu.Unlock
}

func (f *fakeStore) WithEventLock(ctx context.Context, eventID string, fn func(ctx context.Context) error) error {
	if ctx.Value(fakeLockKey{}) != nil {
		return fn(ctx)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ctx = context.WithValue(ctx, fakeLockKey{}, true)
	if _, ok := f.events[eventID]; !ok {
		return status.ErrEventNotFound
	}
	return fn(ctx)
}

func (f *fakeStore) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	defer f.locked(ctx)()
	ev, ok := f.events[eventID]
	if !ok {
		return nil, status.ErrEventNotFound
	}
	copy := *ev
	return &copy, nil
}

func (f *fakeStore) GetPass(ctx context.Context, passID string) (*models.Pass, error) {
	defer f.locked(ctx)()
	p, ok := f.passes[passID]
	if !ok {
		return nil, status.ErrPassNotFound
	}
	copy := *p
	return &copy, nil
}

func (f *fakeStore) ReservePass(ctx context.Context, passID string, qty int) error {
	defer f.locked(ctx)()
	p, ok := f.passes[passID]
	if !ok {
		return status.ErrPassNotFound
	}
	if p.SoldQty+qty > p.TotalQty {
		return status.ErrOversold
	}
	p.SoldQty += qty
	return nil
}

func (f *fakeStore) InsertEntry(ctx context.Context, e *models.WaitingListEntry) error {
	defer f.locked(ctx)()
	for _, other := range f.entries {
		if other.EventID == e.EventID && other.ParticipantID == e.ParticipantID && other.Status.Active() {
			return status.ErrAlreadyQueued
		}
	}
	copy := *e
	f.entries[e.ID] = &copy
	return nil
}

func (f *fakeStore) GetEntry(ctx context.Context, entryID string) (*models.WaitingListEntry, error) {
	defer f.locked(ctx)()
	e, ok := f.entries[entryID]
	if !ok {
		return nil, status.ErrEntryNotFound
	}
	copy := *e
	return &copy, nil
}

func (f *fakeStore) ActiveEntry(ctx context.Context, eventID, participantID string) (*models.WaitingListEntry, error) {
	defer f.locked(ctx)()
	for _, e := range f.entries {
		if e.EventID == eventID && e.ParticipantID == participantID && e.Status.Active() {
			copy := *e
			return &copy, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) CountPurchased(ctx context.Context, eventID string) (int, error) {
	defer f.locked(ctx)()
	n := 0
	for _, t := range f.tickets {
		if t.EventID == eventID && t.Status == models.TicketValid {
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) CountActiveOffers(ctx context.Context, eventID string) (int, error) {
	defer f.locked(ctx)()
	return f.countStatus(eventID, models.EntryOffered), nil
}

func (f *fakeStore) countStatus(eventID string, st models.EntryStatus) int {
	n := 0
	for _, e := range f.entries {
		if e.EventID == eventID && e.Status == st {
			n++
		}
	}
	return n
}

func (f *fakeStore) MarkOffered(ctx context.Context, entryID string, expiresAt time.Time) (bool, error) {
	defer f.locked(ctx)()
	e, ok := f.entries[entryID]
	if !ok || e.Status != models.EntryWaiting {
		return false, nil
	}
	e.Status = models.EntryOffered
	exp := expiresAt
	e.OfferExpiresAt = &exp
	return true, nil
}

func (f *fakeStore) MarkExpired(ctx context.Context, entryID string, now time.Time) (bool, error) {
	defer f.locked(ctx)()
	e, ok := f.entries[entryID]
	if !ok || e.Status != models.EntryOffered {
		return false, nil
	}
	if e.OfferExpiresAt != nil && e.OfferExpiresAt.After(now) {
		return false, nil
	}
	e.Status = models.EntryExpired
	return true, nil
}

func (f *fakeStore) ConsumeEntry(ctx context.Context, eventID, participantID string) (bool, error) {
	defer f.locked(ctx)()
	for _, e := range f.entries {
		if e.EventID == eventID && e.ParticipantID == participantID && e.Status.Active() {
			e.Status = models.EntryPurchased
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) waitingSorted(eventID string) []*models.WaitingListEntry {
	var waiting []*models.WaitingListEntry
	for _, e := range f.entries {
		if e.EventID == eventID && e.Status == models.EntryWaiting {
			waiting = append(waiting, e)
		}
	}
	sort.Slice(waiting, func(i, j int) bool {
		if waiting[i].CreatedAt.Equal(waiting[j].CreatedAt) {
			return waiting[i].ID < waiting[j].ID
		}
		return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
	})
	return waiting
}

func (f *fakeStore) OldestWaiting(ctx context.Context, eventID string) (*models.WaitingListEntry, error) {
	defer f.locked(ctx)()
	waiting := f.waitingSorted(eventID)
	if len(waiting) == 0 {
		return nil, nil
	}
	copy := *waiting[0]
	return &copy, nil
}

func (f *fakeStore) OverdueOffers(ctx context.Context, now time.Time, limit int) ([]models.WaitingListEntry, error) {
	defer f.locked(ctx)()
	var out []models.WaitingListEntry
	for _, e := range f.entries {
		if e.Status == models.EntryOffered && e.OfferExpiresAt != nil && !e.OfferExpiresAt.After(now) {
			out = append(out, *e)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeStore) WaitingPosition(ctx context.Context, entryID string) (int, error) {
	defer f.locked(ctx)()
	e, ok := f.entries[entryID]
	if !ok {
		return 0, status.ErrEntryNotFound
	}
	if e.Status != models.EntryWaiting {
		return 0, nil
	}
	for i, w := range f.waitingSorted(e.EventID) {
		if w.ID == entryID {
			return i + 1, nil
		}
	}
	return 0, nil
}

func (f *fakeStore) WaitingEntries(ctx context.Context, eventID string) ([]models.WaitingListEntry, error) {
	defer f.locked(ctx)()
	var out []models.WaitingListEntry
	for _, e := range f.waitingSorted(eventID) {
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeStore) QueueDepths(ctx context.Context) ([]models.QueueDepth, error) {
	defer f.locked(ctx)()
	byEvent := make(map[string]*models.QueueDepth)
	for _, e := range f.entries {
		d, ok := byEvent[e.EventID]
		if !ok {
			d = &models.QueueDepth{EventID: e.EventID}
			byEvent[e.EventID] = d
		}
		switch e.Status {
		case models.EntryWaiting:
			d.Waiting++
		case models.EntryOffered:
			d.Offered++
		}
	}
	var out []models.QueueDepth
	for _, d := range byEvent {
		out = append(out, *d)
	}
	return out, nil
}

func (f *fakeStore) Availability(ctx context.Context, eventID string) (*models.Availability, error) {
	defer f.locked(ctx)()
	ev, ok := f.events[eventID]
	if !ok {
		return nil, status.ErrEventNotFound
	}
	purchased := 0
	for _, t := range f.tickets {
		if t.EventID == eventID && t.Status == models.TicketValid {
			purchased++
		}
	}
	offered := f.countStatus(eventID, models.EntryOffered)
	remaining := ev.Capacity - purchased - offered
	if remaining < 0 {
		remaining = 0
	}
	return &models.Availability{
		EventID:      eventID,
		Remaining:    remaining,
		ActiveOffers: offered,
		Waiting:      f.countStatus(eventID, models.EntryWaiting),
	}, nil
}

func (f *fakeStore) InsertTicket(ctx context.Context, t *models.Ticket) error {
	defer f.locked(ctx)()
	for _, existing := range f.tickets {
		if existing.PaymentRef == t.PaymentRef && existing.Seq == t.Seq {
			return status.ErrDuplicatePayment
		}
	}
	f.tickets = append(f.tickets, *t)
	return nil
}

func (f *fakeStore) TicketsByPaymentRef(ctx context.Context, ref string) ([]models.Ticket, error) {
	defer f.locked(ctx)()
	var out []models.Ticket
	for _, t := range f.tickets {
		if t.PaymentRef == ref {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (f *fakeStore) TicketsByParticipant(ctx context.Context, eventID, participantID string) ([]models.Ticket, error) {
	defer f.locked(ctx)()
	var out []models.Ticket
	for _, t := range f.tickets {
		if t.EventID == eventID && t.ParticipantID == participantID {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) CancelTickets(ctx context.Context, ref string) (int, error) {
	defer f.locked(ctx)()
	n := 0
	kept := f.tickets[:0]
	for _, t := range f.tickets {
		if t.PaymentRef == ref {
			n++
			continue
		}
		kept = append(kept, t)
	}
	f.tickets = kept
	return n, nil
}

func (f *fakeStore) ReleasePass(ctx context.Context, passID string, qty int) error {
	defer f.locked(ctx)()
	if p, ok := f.passes[passID]; ok {
		p.SoldQty -= qty
		if p.SoldQty < 0 {
			p.SoldQty = 0
		}
	}
	return nil
}

func (f *fakeStore) CreatePayment(ctx context.Context, p *models.PaymentRecord) error {
	defer f.locked(ctx)()
	copy := *p
	f.payments[p.Reference] = &copy
	return nil
}

func (f *fakeStore) GetPayment(ctx context.Context, ref string) (*models.PaymentRecord, error) {
	defer f.locked(ctx)()
	p, ok := f.payments[ref]
	if !ok {
		return nil, status.ErrPaymentNotFound
	}
	copy := *p
	return &copy, nil
}

func (f *fakeStore) SetGatewayOrder(ctx context.Context, ref, orderID string) error {
	defer f.locked(ctx)()
	if p, ok := f.payments[ref]; ok {
		p.GatewayOrderID = orderID
	}
	return nil
}

func (f *fakeStore) SettlePayment(ctx context.Context, ref string, st models.PaymentStatus) (bool, error) {
	defer f.locked(ctx)()
	p, ok := f.payments[ref]
	if !ok {
		return false, status.ErrPaymentNotFound
	}
	if p.Status != models.PaymentPending {
		return false, nil
	}
	p.Status = st
	return true, nil
}

func (f *fakeStore) TouchPayment(ctx context.Context, ref string, at time.Time) error {
	defer f.locked(ctx)()
	if p, ok := f.payments[ref]; ok {
		p.Attempts++
		t := at
		p.LastCheckedAt = &t
	}
	return nil
}

func (f *fakeStore) FlagPayment(ctx context.Context, ref, reason string) error {
	defer f.locked(ctx)()
	if p, ok := f.payments[ref]; ok {
		p.Flagged = true
		p.FlagReason = reason
	}
	return nil
}

func (f *fakeStore) UnflagPayment(ctx context.Context, ref string) error {
	defer f.locked(ctx)()
	if p, ok := f.payments[ref]; ok {
		p.Flagged = false
		p.FlagReason = ""
	}
	return nil
}

func (f *fakeStore) PendingPayments(ctx context.Context, limit int) ([]models.PaymentRecord, error) {
	defer f.locked(ctx)()
	var out []models.PaymentRecord
	for _, p := range f.payments {
		if p.Status == models.PaymentPending && !p.Flagged {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) GetCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	defer f.locked(ctx)()
	c, ok := f.coupons[code]
	if !ok {
		return nil, status.ErrInvalidCoupon
	}
	copy := *c
	copy.ApplyDefaults()
	return &copy, nil
}

func (f *fakeStore) RecordCouponUsage(ctx context.Context, u *models.CouponUsage) error {
	defer f.locked(ctx)()
	key := u.Code + "|" + u.ParticipantID + "|" + u.EventID
	if f.usages[key] {
		return status.ErrCouponUsed
	}
	f.usages[key] = true
	return nil
}

func (f *fakeStore) CouponUsed(ctx context.Context, code, participantID, eventID string) (bool, error) {
	defer f.locked(ctx)()
	return f.usages[code+"|"+participantID+"|"+eventID], nil
}

// fakeTimers records scheduled and cancelled expiry deadlines.
type fakeTimers struct {
	mu        sync.Mutex
	scheduled map[string]time.Time
	cancelled []string
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{scheduled: make(map[string]time.Time)}
}

func (f *fakeTimers) Schedule(ctx context.Context, entryID string, expiresAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled[entryID] = expiresAt
	return nil
}

func (f *fakeTimers) Cancel(ctx context.Context, entryID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, entryID)
}
