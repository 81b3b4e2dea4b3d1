package services

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"ticket-engine/internal/broker"
	"ticket-engine/internal/notify"
	"ticket-engine/internal/status"
	"ticket-engine/models"
	"ticket-engine/monitoring"
)

// QueueStore is the slice of the datastore the queue service needs.
// WithEventLock serializes the whole availability-check-and-transition
// step against every other writer touching the same event.
type QueueStore interface {
	WithEventLock(ctx context.Context, eventID string, fn func(ctx context.Context) error) error
	GetEvent(ctx context.Context, eventID string) (*models.Event, error)
	InsertEntry(ctx context.Context, e *models.WaitingListEntry) error
	GetEntry(ctx context.Context, entryID string) (*models.WaitingListEntry, error)
	ActiveEntry(ctx context.Context, eventID, participantID string) (*models.WaitingListEntry, error)
	CountPurchased(ctx context.Context, eventID string) (int, error)
	CountActiveOffers(ctx context.Context, eventID string) (int, error)
	MarkOffered(ctx context.Context, entryID string, expiresAt time.Time) (bool, error)
	MarkExpired(ctx context.Context, entryID string, now time.Time) (bool, error)
	OldestWaiting(ctx context.Context, eventID string) (*models.WaitingListEntry, error)
	OverdueOffers(ctx context.Context, now time.Time, limit int) ([]models.WaitingListEntry, error)
	WaitingPosition(ctx context.Context, entryID string) (int, error)
	WaitingEntries(ctx context.Context, eventID string) ([]models.WaitingListEntry, error)
	QueueDepths(ctx context.Context) ([]models.QueueDepth, error)
	Availability(ctx context.Context, eventID string) (*models.Availability, error)
}

// OfferTimers is the expiry side the queue service drives; the scheduler
// calls back into ExpireOffer through its handler.
type OfferTimers interface {
	Schedule(ctx context.Context, entryID string, expiresAt time.Time) error
	Cancel(ctx context.Context, entryID string)
}

type QueueService struct {
	store    QueueStore
	timers   OfferTimers
	notifier notify.Notifier
	events   broker.Publisher
	redis    *redis.Client

	offerTTL      time.Duration
	positionEvery time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

func NewQueueService(store QueueStore, timers OfferTimers, notifier notify.Notifier, events broker.Publisher, redisClient *redis.Client, offerTTL time.Duration) *QueueService {
	if offerTTL <= 0 {
		offerTTL = 10 * time.Minute
	}
	return &QueueService{
		store:         store,
		timers:        timers,
		notifier:      notifier,
		events:        events,
		redis:         redisClient,
		offerTTL:      offerTTL,
		positionEvery: 30 * time.Second,
		stop:          make(chan struct{}),
	}
}

// RequestTicket places the participant into the event's queue. If a slot
// is free the entry is granted a time-boxed offer immediately; otherwise
// it joins the FIFO waiting list and the grant carries its position.
func (s *QueueService) RequestTicket(ctx context.Context, eventID, participantID string) (*models.TicketGrant, error) {
	grant := &models.TicketGrant{}
	var offered *models.WaitingListEntry

	err := s.store.WithEventLock(ctx, eventID, func(ctx context.Context) error {
		event, err := s.store.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if event.Cancelled {
			return status.ErrEventCancelled
		}

		existing, err := s.store.ActiveEntry(ctx, eventID, participantID)
		if err != nil {
			return err
		}
		if existing != nil {
			return status.ErrAlreadyQueued
		}

		entry := &models.WaitingListEntry{
			ID:            uuid.NewString(),
			EventID:       eventID,
			ParticipantID: participantID,
			Status:        models.EntryWaiting,
			CreatedAt:     time.Now().UTC(),
		}
		if err := s.store.InsertEntry(ctx, entry); err != nil {
			return err
		}
		grant.EntryID = entry.ID

		remaining, err := s.remainingLocked(ctx, event)
		if err != nil {
			return err
		}
		if remaining > 0 {
			expiresAt := time.Now().UTC().Add(s.offerTTL)
			promoted, err := s.store.MarkOffered(ctx, entry.ID, expiresAt)
			if err != nil {
				return err
			}
			if promoted {
				grant.Granted = models.EntryOffered
				grant.ExpiresAt = &expiresAt
				offered = entry
				offered.OfferExpiresAt = &expiresAt
				return nil
			}
		}

		grant.Granted = models.EntryWaiting
		pos, err := s.store.WaitingPosition(ctx, entry.ID)
		if err != nil {
			return err
		}
		grant.Position = pos
		return nil
	})
	if err != nil {
		monitoring.TrackQueueOperation("request", eventID, "error")
		return nil, err
	}

	// Timer registration and notification happen after the transaction
	// commits so an aborted request never leaves a live timer behind.
	if offered != nil {
		monitoring.TrackQueueOperation("request", eventID, "offered")
		if err := s.timers.Schedule(ctx, offered.ID, *offered.OfferExpiresAt); err != nil {
			slog.Error("queue: schedule offer expiry failed", "entry_id", offered.ID, "error", err)
		}
		s.notifier.OfferGranted(participantID, eventID, *offered.OfferExpiresAt)
	} else {
		monitoring.TrackQueueOperation("request", eventID, "waiting")
		s.notifier.QueuePosition(participantID, eventID, grant.Position)
		s.cachePosition(ctx, eventID, participantID, grant.Position)
	}
	return grant, nil
}

// ExpireOffer transitions an offered entry whose deadline passed and
// backfills the freed slot. Safe to call any number of times for the same
// entry; only the first call observes the transition.
func (s *QueueService) ExpireOffer(ctx context.Context, entryID string) error {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		if err == status.ErrEntryNotFound {
			return nil
		}
		return err
	}
	if entry.Status != models.EntryOffered {
		return nil
	}

	var expired bool
	err = s.store.WithEventLock(ctx, entry.EventID, func(ctx context.Context) error {
		expired, err = s.store.MarkExpired(ctx, entryID, time.Now().UTC())
		return err
	})
	if err != nil {
		return fmt.Errorf("queue: expire offer %s: %w", entryID, err)
	}
	if !expired {
		return nil
	}

	monitoring.TrackQueueOperation("expire", entry.EventID, "expired")
	s.notifier.OfferExpired(entry.ParticipantID, entry.EventID)
	s.events.OfferExpired(ctx, broker.NewOfferExpired(entry.EventID, entry.ParticipantID, entry.ID))

	return s.ProcessQueue(ctx, entry.EventID)
}

// ProcessQueue promotes waiting entries while free slots exist, oldest
// first. Each promotion runs under the event lock so it can never race a
// concurrent request past capacity.
func (s *QueueService) ProcessQueue(ctx context.Context, eventID string) error {
	for {
		var promoted *models.WaitingListEntry
		var expiresAt time.Time

		err := s.store.WithEventLock(ctx, eventID, func(ctx context.Context) error {
			event, err := s.store.GetEvent(ctx, eventID)
			if err != nil {
				return err
			}
			if event.Cancelled {
				return nil
			}

			remaining, err := s.remainingLocked(ctx, event)
			if err != nil || remaining <= 0 {
				return err
			}

			next, err := s.store.OldestWaiting(ctx, eventID)
			if err != nil || next == nil {
				return err
			}

			expiresAt = time.Now().UTC().Add(s.offerTTL)
			ok, err := s.store.MarkOffered(ctx, next.ID, expiresAt)
			if err != nil {
				return err
			}
			if ok {
				promoted = next
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("queue: process %s: %w", eventID, err)
		}
		if promoted == nil {
			return nil
		}

		monitoring.TrackQueueOperation("promote", eventID, "offered")
		if err := s.timers.Schedule(ctx, promoted.ID, expiresAt); err != nil {
			slog.Error("queue: schedule offer expiry failed", "entry_id", promoted.ID, "error", err)
		}
		s.notifier.OfferGranted(promoted.ParticipantID, eventID, expiresAt)
	}
}

// QueryAvailability reports remaining slots, outstanding offers and
// waiting depth without taking the event lock.
func (s *QueueService) QueryAvailability(ctx context.Context, eventID string) (*models.Availability, error) {
	return s.store.Availability(ctx, eventID)
}

// Position returns the 1-based FIFO position of a waiting entry.
func (s *QueueService) Position(ctx context.Context, entryID string) (int, error) {
	return s.store.WaitingPosition(ctx, entryID)
}

// remainingLocked computes capacity minus purchased tickets minus
// outstanding offers. Callers hold the event lock.
func (s *QueueService) remainingLocked(ctx context.Context, event *models.Event) (int, error) {
	purchased, err := s.store.CountPurchased(ctx, event.ID)
	if err != nil {
		return 0, err
	}
	offered, err := s.store.CountActiveOffers(ctx, event.ID)
	if err != nil {
		return 0, err
	}
	remaining := event.Capacity - purchased - offered
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// StartPositionUpdater periodically recomputes waiting positions and
// notifies participants whose position crossed a milestone.
func (s *QueueService) StartPositionUpdater() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.positionEvery)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				s.expireOverdue(ctx)
				s.updateAllPositions(ctx)
				cancel()
			}
		}
	}()
}

func (s *QueueService) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// expireOverdue catches offered entries whose deadline passed while both
// the in-process timer and the durable deadline were lost, e.g. after a
// Redis flush. The database remains the last line of defense.
func (s *QueueService) expireOverdue(ctx context.Context) {
	overdue, err := s.store.OverdueOffers(ctx, time.Now().UTC(), 200)
	if err != nil {
		slog.Warn("queue: overdue scan failed", "error", err)
		return
	}
	for _, e := range overdue {
		if err := s.ExpireOffer(ctx, e.ID); err != nil {
			slog.Warn("queue: overdue expire failed", "entry_id", e.ID, "error", err)
		}
	}
}

func (s *QueueService) updateAllPositions(ctx context.Context) {
	depths, err := s.store.QueueDepths(ctx)
	if err != nil {
		slog.Warn("queue: position update failed", "error", err)
		return
	}

	for _, d := range depths {
		if d.Waiting == 0 {
			continue
		}
		entries, err := s.store.WaitingEntries(ctx, d.EventID)
		if err != nil {
			slog.Warn("queue: list waiting failed", "event_id", d.EventID, "error", err)
			continue
		}
		for i, e := range entries {
			pos := i + 1
			if !shouldNotifyPosition(pos) {
				continue
			}
			if s.cachedPosition(ctx, e.EventID, e.ParticipantID) == pos {
				continue
			}
			s.notifier.QueuePosition(e.ParticipantID, e.EventID, pos)
			s.cachePosition(ctx, e.EventID, e.ParticipantID, pos)
		}
	}
}

// shouldNotifyPosition keeps notification volume down for deep queues:
// every position in the top ten, then only round numbers.
func shouldNotifyPosition(position int) bool {
	if position <= 10 {
		return true
	}
	if position <= 100 {
		return position%10 == 0
	}
	return position%100 == 0
}

func positionKey(eventID, participantID string) string {
	return fmt.Sprintf("queue:pos:%s:%s", eventID, participantID)
}

func (s *QueueService) cachePosition(ctx context.Context, eventID, participantID string, pos int) {
	if err := s.redis.Set(ctx, positionKey(eventID, participantID), pos, time.Hour).Err(); err != nil {
		slog.Warn("queue: cache position failed", "error", err)
	}
}

func (s *QueueService) cachedPosition(ctx context.Context, eventID, participantID string) int {
	pos, err := s.redis.Get(ctx, positionKey(eventID, participantID)).Int()
	if err != nil {
		return 0
	}
	return pos
}
