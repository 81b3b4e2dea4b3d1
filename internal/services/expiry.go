package services

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// expiryKey is the durable timer set: member = entry id, score = unix
// expiry deadline.
const expiryKey = "offer:expiry"

// OfferExpirer is the callback fired when an offer's deadline passes.
// It must be idempotent; the sweep and the in-process timer can both fire
// for the same entry.
type OfferExpirer func(ctx context.Context, entryID string) error

// ExpiryScheduler arms an in-process timer per outstanding offer and
// mirrors every deadline into a Redis sorted set. The timers give prompt
// expiry; the set survives restarts and feeds a periodic sweep that
// catches anything the timers missed.
type ExpiryScheduler struct {
	redis      *redis.Client
	sweepEvery time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	handler OfferExpirer

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewExpiryScheduler(redisClient *redis.Client, sweepEvery time.Duration) *ExpiryScheduler {
	if sweepEvery <= 0 {
		sweepEvery = 15 * time.Second
	}
	return &ExpiryScheduler{
		redis:      redisClient,
		sweepEvery: sweepEvery,
		timers:     make(map[string]*time.Timer),
		stop:       make(chan struct{}),
	}
}

// SetHandler wires the expiry callback. Must be called before Start;
// kept separate from the constructor because the queue service and the
// scheduler reference each other.
func (s *ExpiryScheduler) SetHandler(h OfferExpirer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

// Schedule records the deadline durably and arms a timer for it.
func (s *ExpiryScheduler) Schedule(ctx context.Context, entryID string, expiresAt time.Time) error {
	err := s.redis.ZAdd(ctx, expiryKey, redis.Z{
		Score:  float64(expiresAt.Unix()),
		Member: entryID,
	}).Err()
	if err != nil {
		return fmt.Errorf("expiry: schedule %s: %w", entryID, err)
	}

	s.arm(entryID, time.Until(expiresAt))
	return nil
}

// Cancel disarms the timer and drops the durable deadline. Called when an
// offer is consumed by a purchase.
func (s *ExpiryScheduler) Cancel(ctx context.Context, entryID string) {
	s.mu.Lock()
	if t, ok := s.timers[entryID]; ok {
		t.Stop()
		delete(s.timers, entryID)
	}
	s.mu.Unlock()

	if err := s.redis.ZRem(ctx, expiryKey, entryID).Err(); err != nil {
		slog.Warn("expiry: cancel failed", "entry_id", entryID, "error", err)
	}
}

// Start runs the sweep loop until Shutdown.
func (s *ExpiryScheduler) Start() {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if err := s.sweepOnce(ctx, time.Now()); err != nil {
					slog.Error("expiry: sweep failed", "error", err)
				}
				cancel()
			}
		}
	}()
}

func (s *ExpiryScheduler) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}

// Restore re-arms timers from the durable set after a restart. Deadlines
// already in the past are handed straight to the sweep.
func (s *ExpiryScheduler) Restore(ctx context.Context) error {
	members, err := s.redis.ZRangeWithScores(ctx, expiryKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("expiry: restore: %w", err)
	}

	now := time.Now()
	restored := 0
	for _, m := range members {
		entryID, ok := m.Member.(string)
		if !ok {
			continue
		}
		deadline := time.Unix(int64(m.Score), 0)
		if deadline.After(now) {
			s.arm(entryID, deadline.Sub(now))
			restored++
		}
	}
	slog.Info("expiry: timers restored", "armed", restored, "total", len(members))

	return s.sweepOnce(ctx, now)
}

// sweepOnce expires every entry whose deadline is at or before now. The
// set member is only removed after the handler succeeds, so a failed
// expiry is retried on the next sweep.
func (s *ExpiryScheduler) sweepOnce(ctx context.Context, now time.Time) error {
	overdue, err := s.redis.ZRangeByScore(ctx, expiryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: 500,
	}).Result()
	if err != nil {
		return fmt.Errorf("expiry: list overdue: %w", err)
	}

	for _, entryID := range overdue {
		if err := s.expire(ctx, entryID); err != nil {
			slog.Error("expiry: expire failed", "entry_id", entryID, "error", err)
			continue
		}
		if err := s.redis.ZRem(ctx, expiryKey, entryID).Err(); err != nil {
			slog.Warn("expiry: remove deadline failed", "entry_id", entryID, "error", err)
		}
	}
	return nil
}

func (s *ExpiryScheduler) arm(entryID string, in time.Duration) {
	if in < 0 {
		in = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[entryID]; ok {
		t.Stop()
	}
	s.timers[entryID] = time.AfterFunc(in, func() { s.fire(entryID) })
}

func (s *ExpiryScheduler) fire(entryID string) {
	s.mu.Lock()
	delete(s.timers, entryID)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.expire(ctx, entryID); err != nil {
		// The durable deadline is still in the set; the sweep retries.
		slog.Error("expiry: timer expire failed", "entry_id", entryID, "error", err)
		return
	}
	if err := s.redis.ZRem(ctx, expiryKey, entryID).Err(); err != nil {
		slog.Warn("expiry: remove deadline failed", "entry_id", entryID, "error", err)
	}
}

func (s *ExpiryScheduler) expire(ctx context.Context, entryID string) error {
	s.mu.Lock()
	handler := s.handler
	s.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("expiry: no handler wired")
	}
	return handler(ctx, entryID)
}
