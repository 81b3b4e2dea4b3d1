package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/pocketbase/dbx"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

func (s *Store) InsertEntry(ctx context.Context, e *models.WaitingListEntry) error {
	_, err := s.builder(ctx).
		Insert("waiting_list_entries", dbx.Params{
			"id":               e.ID,
			"event_id":         e.EventID,
			"participant_id":   e.ParticipantID,
			"status":           string(e.Status),
			"offer_expires_at": e.OfferExpiresAt,
			"created_at":       e.CreatedAt,
		}).
		WithContext(ctx).
		Execute()
	if isUniqueViolation(err, "waiting_list_active_uniq") {
		return status.ErrAlreadyQueued
	}
	if err != nil {
		return fmt.Errorf("store: insert entry %s: %w", e.ID, err)
	}
	return nil
}

func (s *Store) GetEntry(ctx context.Context, entryID string) (*models.WaitingListEntry, error) {
	var e models.WaitingListEntry
	err := s.builder(ctx).
		Select("id", "event_id", "participant_id", "status", "offer_expires_at", "created_at").
		From("waiting_list_entries").
		Where(dbx.HashExp{"id": entryID}).
		WithContext(ctx).
		One(&e)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get entry %s: %w", entryID, err)
	}
	return &e, nil
}

// ActiveEntry returns the participant's waiting or offered entry for the
// event, or nil when none exists.
func (s *Store) ActiveEntry(ctx context.Context, eventID, participantID string) (*models.WaitingListEntry, error) {
	var e models.WaitingListEntry
	err := s.builder(ctx).
		Select("id", "event_id", "participant_id", "status", "offer_expires_at", "created_at").
		From("waiting_list_entries").
		Where(dbx.HashExp{"event_id": eventID, "participant_id": participantID}).
		AndWhere(dbx.In("status", string(models.EntryWaiting), string(models.EntryOffered))).
		WithContext(ctx).
		One(&e)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: active entry %s/%s: %w", eventID, participantID, err)
	}
	return &e, nil
}

// CountPurchased counts valid tickets for the event: the purchased share of
// the capacity invariant.
func (s *Store) CountPurchased(ctx context.Context, eventID string) (int, error) {
	return s.countRows(ctx,
		"SELECT COUNT(*) FROM tickets WHERE event_id = {:event} AND status = 'valid'", eventID)
}

func (s *Store) CountActiveOffers(ctx context.Context, eventID string) (int, error) {
	return s.countRows(ctx,
		"SELECT COUNT(*) FROM waiting_list_entries WHERE event_id = {:event} AND status = 'offered'", eventID)
}

func (s *Store) countRows(ctx context.Context, query, eventID string) (int, error) {
	var n int
	err := s.builder(ctx).
		NewQuery(query).
		Bind(dbx.Params{"event": eventID}).
		WithContext(ctx).
		Row(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count for event %s: %w", eventID, err)
	}
	return n, nil
}

// MarkOffered promotes a waiting entry. Conditional on the current status
// so a racing promotion is a no-op for the loser.
func (s *Store) MarkOffered(ctx context.Context, entryID string, expiresAt time.Time) (bool, error) {
	res, err := s.builder(ctx).
		NewQuery(`UPDATE waiting_list_entries
			SET status = 'offered', offer_expires_at = {:exp}
			WHERE id = {:id} AND status = 'waiting'`).
		Bind(dbx.Params{"id": entryID, "exp": expiresAt}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return false, fmt.Errorf("store: mark offered %s: %w", entryID, err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// MarkExpired transitions an offered entry whose deadline has passed.
// Safe to call any number of times; only the first call transitions.
func (s *Store) MarkExpired(ctx context.Context, entryID string, now time.Time) (bool, error) {
	res, err := s.builder(ctx).
		NewQuery(`UPDATE waiting_list_entries
			SET status = 'expired'
			WHERE id = {:id} AND status = 'offered' AND offer_expires_at <= {:now}`).
		Bind(dbx.Params{"id": entryID, "now": now}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return false, fmt.Errorf("store: mark expired %s: %w", entryID, err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// ConsumeEntry moves the participant's active entry to purchased as part
// of ticket issuance. Returns false when no active entry exists, which is
// legal: reconciliation can land after the offer already expired.
func (s *Store) ConsumeEntry(ctx context.Context, eventID, participantID string) (bool, error) {
	res, err := s.builder(ctx).
		NewQuery(`UPDATE waiting_list_entries
			SET status = 'purchased'
			WHERE event_id = {:event} AND participant_id = {:participant}
			AND status IN ('waiting', 'offered')`).
		Bind(dbx.Params{"event": eventID, "participant": participantID}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return false, fmt.Errorf("store: consume entry %s/%s: %w", eventID, participantID, err)
	}
	rows, _ := res.RowsAffected()
	return rows > 0, nil
}

// OldestWaiting returns the next entry in FIFO order, ties broken by id so
// the order is total.
func (s *Store) OldestWaiting(ctx context.Context, eventID string) (*models.WaitingListEntry, error) {
	var e models.WaitingListEntry
	err := s.builder(ctx).
		Select("id", "event_id", "participant_id", "status", "offer_expires_at", "created_at").
		From("waiting_list_entries").
		Where(dbx.HashExp{"event_id": eventID, "status": string(models.EntryWaiting)}).
		OrderBy("created_at ASC", "id ASC").
		WithContext(ctx).
		One(&e)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: oldest waiting %s: %w", eventID, err)
	}
	return &e, nil
}

// WaitingPosition computes the 1-based FIFO position of a waiting entry by
// counting waiting entries created before it.
func (s *Store) WaitingPosition(ctx context.Context, entryID string) (int, error) {
	entry, err := s.GetEntry(ctx, entryID)
	if err != nil {
		return 0, err
	}
	if entry.Status != models.EntryWaiting {
		return 0, nil
	}

	var ahead int
	err = s.builder(ctx).
		NewQuery(`SELECT COUNT(*) FROM waiting_list_entries
			WHERE event_id = {:event} AND status = 'waiting'
			AND (created_at < {:created} OR (created_at = {:created} AND id < {:id}))`).
		Bind(dbx.Params{"event": entry.EventID, "created": entry.CreatedAt, "id": entry.ID}).
		WithContext(ctx).
		Row(&ahead)
	if err != nil {
		return 0, fmt.Errorf("store: waiting position %s: %w", entryID, err)
	}
	return ahead + 1, nil
}

// OverdueOffers lists offered entries whose deadline has passed. The expiry
// sweep uses this to re-derive timers that were lost across restarts.
func (s *Store) OverdueOffers(ctx context.Context, now time.Time, limit int) ([]models.WaitingListEntry, error) {
	var entries []models.WaitingListEntry
	err := s.builder(ctx).
		Select("id", "event_id", "participant_id", "status", "offer_expires_at", "created_at").
		From("waiting_list_entries").
		Where(dbx.HashExp{"status": string(models.EntryOffered)}).
		AndWhere(dbx.NewExp("offer_expires_at <= {:now}", dbx.Params{"now": now})).
		OrderBy("offer_expires_at ASC").
		Limit(int64(limit)).
		WithContext(ctx).
		All(&entries)
	if err != nil {
		return nil, fmt.Errorf("store: overdue offers: %w", err)
	}
	return entries, nil
}

// WaitingEntries lists waiting entries in FIFO order for position updates.
func (s *Store) WaitingEntries(ctx context.Context, eventID string) ([]models.WaitingListEntry, error) {
	var entries []models.WaitingListEntry
	err := s.builder(ctx).
		Select("id", "event_id", "participant_id", "status", "offer_expires_at", "created_at").
		From("waiting_list_entries").
		Where(dbx.HashExp{"event_id": eventID, "status": string(models.EntryWaiting)}).
		OrderBy("created_at ASC", "id ASC").
		WithContext(ctx).
		All(&entries)
	if err != nil {
		return nil, fmt.Errorf("store: waiting entries %s: %w", eventID, err)
	}
	return entries, nil
}

// QueueDepths returns per-event waiting/offered counts for metrics.
func (s *Store) QueueDepths(ctx context.Context) ([]models.QueueDepth, error) {
	var depths []models.QueueDepth
	err := s.builder(ctx).
		NewQuery(`SELECT event_id,
			COUNT(*) FILTER (WHERE status = 'waiting') AS waiting,
			COUNT(*) FILTER (WHERE status = 'offered') AS offered
			FROM waiting_list_entries
			WHERE status IN ('waiting', 'offered')
			GROUP BY event_id`).
		WithContext(ctx).
		All(&depths)
	if err != nil {
		return nil, fmt.Errorf("store: queue depths: %w", err)
	}
	return depths, nil
}

// Availability computes remaining = capacity - purchased tickets -
// active offers in a single statement, without taking the event lock.
func (s *Store) Availability(ctx context.Context, eventID string) (*models.Availability, error) {
	var row struct {
		Capacity  int `db:"capacity"`
		Purchased int `db:"purchased"`
		Offered   int `db:"offered"`
		Waiting   int `db:"waiting"`
	}
	err := s.builder(ctx).
		NewQuery(`SELECT e.capacity,
			(SELECT COUNT(*) FROM tickets t
				WHERE t.event_id = e.id AND t.status = 'valid') AS purchased,
			(SELECT COUNT(*) FROM waiting_list_entries w
				WHERE w.event_id = e.id AND w.status = 'offered') AS offered,
			(SELECT COUNT(*) FROM waiting_list_entries w
				WHERE w.event_id = e.id AND w.status = 'waiting') AS waiting
			FROM events e WHERE e.id = {:id}`).
		Bind(dbx.Params{"id": eventID}).
		WithContext(ctx).
		One(&row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: availability %s: %w", eventID, err)
	}

	remaining := row.Capacity - row.Purchased - row.Offered
	if remaining < 0 {
		remaining = 0
	}
	return &models.Availability{
		EventID:      eventID,
		Remaining:    remaining,
		ActiveOffers: row.Offered,
		Waiting:      row.Waiting,
	}, nil
}
