package models

import "time"

type EntryStatus string

const (
	EntryWaiting   EntryStatus = "waiting"
	EntryOffered   EntryStatus = "offered"
	EntryPurchased EntryStatus = "purchased"
	EntryExpired   EntryStatus = "expired"
)

// Active reports whether the entry still occupies (or may occupy) a slot.
func (s EntryStatus) Active() bool {
	return s == EntryWaiting || s == EntryOffered
}

// Terminal statuses are never revisited; a new request creates a new entry.
func (s EntryStatus) Terminal() bool {
	return s == EntryPurchased || s == EntryExpired
}

// WaitingListEntry is the offer queue's unit of state. At most one active
// entry exists per (event, participant) pair, enforced by a partial unique
// index at the storage layer.
type WaitingListEntry struct {
	ID             string      `db:"id" json:"id"`
	EventID        string      `db:"event_id" json:"event_id"`
	ParticipantID  string      `db:"participant_id" json:"participant_id"`
	Status         EntryStatus `db:"status" json:"status"`
	OfferExpiresAt *time.Time  `db:"offer_expires_at" json:"offer_expires_at,omitempty"`
	CreatedAt      time.Time   `db:"created_at" json:"created_at"`
}

// TicketGrant is the result of a ticket request: either a time-boxed offer
// or a FIFO waiting position.
type TicketGrant struct {
	EntryID   string      `json:"entry_id"`
	Granted   EntryStatus `json:"granted"`
	ExpiresAt *time.Time  `json:"expires_at,omitempty"`
	Position  int         `json:"position,omitempty"`
}

type Availability struct {
	EventID      string `json:"event_id"`
	Remaining    int    `json:"remaining"`
	ActiveOffers int    `json:"active_offers"`
	Waiting      int    `json:"waiting"`
}

// QueueDepth is a per-event snapshot used by the metrics collector.
type QueueDepth struct {
	EventID string `db:"event_id"`
	Waiting int    `db:"waiting"`
	Offered int    `db:"offered"`
}
