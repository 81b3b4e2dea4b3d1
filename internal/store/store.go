package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/pocketbase/dbx"

	"ticket-engine/internal/status"
)

//go:embed schema.sql
var schema string

// Store is the single durable datastore for events, passes, waiting-list
// entries, tickets, payment records and coupon usage. All conditional
// updates live here; services never read-modify-write counters themselves.
type Store struct {
	db *dbx.DB
}

func Open(databaseURL string) (*Store, error) {
	db, err := dbx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	db.DB().SetMaxOpenConns(25)
	db.DB().SetMaxIdleConns(5)
	db.DB().SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.DB().PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent so
// this is safe to run on each boot.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.DB().ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

type txKey struct{}

// builder returns the transaction bound to ctx when one is open, or the
// root connection otherwise.
func (s *Store) builder(ctx context.Context) dbx.Builder {
	if tx, ok := ctx.Value(txKey{}).(*dbx.Tx); ok {
		return tx
	}
	return s.db
}

// WithTx runs fn inside a transaction carried through the context.
// Nested calls join the already-open transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*dbx.Tx); ok {
		return fn(ctx)
	}
	return s.db.TransactionalContext(ctx, nil, func(tx *dbx.Tx) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// WithEventLock serializes fn against all other work on the same event by
// holding a row lock on the event for the duration of the transaction.
// This is what makes availability-check-and-transition one atomic step.
func (s *Store) WithEventLock(ctx context.Context, eventID string, fn func(ctx context.Context) error) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		var id string
		err := s.builder(ctx).
			NewQuery("SELECT id FROM events WHERE id = {:id} FOR UPDATE").
			Bind(dbx.Params{"id": eventID}).
			WithContext(ctx).
			Row(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return status.ErrEventNotFound
		}
		if err != nil {
			return fmt.Errorf("store: lock event %s: %w", eventID, err)
		}
		return fn(ctx)
	})
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation, optionally on the named constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != "23505" {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}
