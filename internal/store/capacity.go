package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pocketbase/dbx"

	"ticket-engine/internal/status"
	"ticket-engine/models"
)

// ReservePass increments a pass's sold counter only when the result stays
// within the pass total. Check and write are one conditional UPDATE so two
// concurrent reservations can never both claim the last unit.
func (s *Store) ReservePass(ctx context.Context, passID string, qty int) error {
	res, err := s.builder(ctx).
		NewQuery(`UPDATE passes
			SET sold_qty = sold_qty + {:qty}
			WHERE id = {:id} AND sold_qty + {:qty} <= total_qty`).
		Bind(dbx.Params{"id": passID, "qty": qty}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("store: reserve pass %s: %w", passID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: reserve pass %s: %w", passID, err)
	}
	if rows == 0 {
		if _, err := s.GetPass(ctx, passID); err != nil {
			return err
		}
		return status.ErrOversold
	}
	return nil
}

// ReleasePass reverses a reservation. The counter never drops below zero;
// releasing more than was sold indicates a bookkeeping bug and is reported.
func (s *Store) ReleasePass(ctx context.Context, passID string, qty int) error {
	res, err := s.builder(ctx).
		NewQuery(`UPDATE passes
			SET sold_qty = sold_qty - {:qty}
			WHERE id = {:id} AND sold_qty - {:qty} >= 0`).
		Bind(dbx.Params{"id": passID, "qty": qty}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("store: release pass %s: %w", passID, err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: release pass %s: %w", passID, err)
	}
	if rows == 0 {
		return fmt.Errorf("store: release pass %s: would drop sold_qty below zero", passID)
	}
	return nil
}

func (s *Store) GetPass(ctx context.Context, passID string) (*models.Pass, error) {
	var p models.Pass
	err := s.builder(ctx).
		Select("id", "event_id", "name", "price", "total_qty", "sold_qty").
		From("passes").
		Where(dbx.HashExp{"id": passID}).
		WithContext(ctx).
		One(&p)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrPassNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get pass %s: %w", passID, err)
	}
	return &p, nil
}

func (s *Store) CreateEvent(ctx context.Context, ev *models.Event) error {
	_, err := s.builder(ctx).
		Insert("events", dbx.Params{
			"id":         ev.ID,
			"name":       ev.Name,
			"capacity":   ev.Capacity,
			"cancelled":  ev.Cancelled,
			"created_at": ev.CreatedAt,
		}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("store: create event %s: %w", ev.ID, err)
	}
	return nil
}

func (s *Store) CreatePass(ctx context.Context, p *models.Pass) error {
	_, err := s.builder(ctx).
		Insert("passes", dbx.Params{
			"id":        p.ID,
			"event_id":  p.EventID,
			"name":      p.Name,
			"price":     p.Price,
			"total_qty": p.TotalQty,
			"sold_qty":  p.SoldQty,
		}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("store: create pass %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetEvent(ctx context.Context, eventID string) (*models.Event, error) {
	var ev models.Event
	err := s.builder(ctx).
		Select("id", "name", "capacity", "cancelled", "created_at").
		From("events").
		Where(dbx.HashExp{"id": eventID}).
		WithContext(ctx).
		One(&ev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, status.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get event %s: %w", eventID, err)
	}
	return &ev, nil
}

// CancelEvent disables new offers for the event. Capacity is immutable;
// cancellation never touches it.
func (s *Store) CancelEvent(ctx context.Context, eventID string) error {
	res, err := s.builder(ctx).
		NewQuery("UPDATE events SET cancelled = TRUE WHERE id = {:id}").
		Bind(dbx.Params{"id": eventID}).
		WithContext(ctx).
		Execute()
	if err != nil {
		return fmt.Errorf("store: cancel event %s: %w", eventID, err)
	}
	if rows, err := res.RowsAffected(); err == nil && rows == 0 {
		return status.ErrEventNotFound
	}
	return nil
}
