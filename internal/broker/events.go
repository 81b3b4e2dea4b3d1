package broker

import "time"

const (
	EventTypeTicketsIssued  = "tickets.issued"
	EventTypeOfferExpired   = "offer.expired"
	EventTypePaymentFlagged = "payment.flagged"
)

type BaseEvent struct {
	EventType  string    `json:"event_type"`
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

type TicketsIssuedEvent struct {
	BaseEvent
	ParticipantID string   `json:"participant_id"`
	PaymentRef    string   `json:"payment_ref"`
	TicketIDs     []string `json:"ticket_ids"`
	Amount        string   `json:"amount"`
}

type OfferExpiredEvent struct {
	BaseEvent
	ParticipantID string `json:"participant_id"`
	EntryID       string `json:"entry_id"`
}

type PaymentFlaggedEvent struct {
	BaseEvent
	PaymentRef string `json:"payment_ref"`
	Reason     string `json:"reason"`
}

func NewTicketsIssued(eventID, participantID, paymentRef string, ticketIDs []string, amount string) *TicketsIssuedEvent {
	return &TicketsIssuedEvent{
		BaseEvent:     BaseEvent{EventType: EventTypeTicketsIssued, EventID: eventID, OccurredAt: time.Now()},
		ParticipantID: participantID,
		PaymentRef:    paymentRef,
		TicketIDs:     ticketIDs,
		Amount:        amount,
	}
}

func NewOfferExpired(eventID, participantID, entryID string) *OfferExpiredEvent {
	return &OfferExpiredEvent{
		BaseEvent:     BaseEvent{EventType: EventTypeOfferExpired, EventID: eventID, OccurredAt: time.Now()},
		ParticipantID: participantID,
		EntryID:       entryID,
	}
}

func NewPaymentFlagged(eventID, paymentRef, reason string) *PaymentFlaggedEvent {
	return &PaymentFlaggedEvent{
		BaseEvent:  BaseEvent{EventType: EventTypePaymentFlagged, EventID: eventID, OccurredAt: time.Now()},
		PaymentRef: paymentRef,
		Reason:     reason,
	}
}
