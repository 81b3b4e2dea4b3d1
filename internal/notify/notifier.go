// Package notify pushes queue and payment updates to participants over
// PubNub. Delivery is best effort: a lost notification never blocks or
// rolls back the state change it describes.
package notify

import (
	"fmt"
	"log/slog"
	"time"

	pubnub "github.com/pubnub/go/v7"
)

type Notifier interface {
	OfferGranted(participantID, eventID string, expiresAt time.Time)
	QueuePosition(participantID, eventID string, position int)
	OfferExpired(participantID, eventID string)
	PaymentCompleted(participantID, eventID, reference string)
}

type PubNubNotifier struct {
	pn *pubnub.PubNub
}

type Config struct {
	PublishKey   string
	SubscribeKey string
	UUID         string
}

func NewPubNub(cfg *Config) *PubNubNotifier {
	pnCfg := pubnub.NewConfigWithUserId(pubnub.UserId(cfg.UUID))
	pnCfg.PublishKey = cfg.PublishKey
	pnCfg.SubscribeKey = cfg.SubscribeKey
	return &PubNubNotifier{pn: pubnub.NewPubNub(pnCfg)}
}

func (n *PubNubNotifier) OfferGranted(participantID, eventID string, expiresAt time.Time) {
	n.publish(participantID, map[string]any{
		"type":       "offer_granted",
		"event_id":   eventID,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
}

func (n *PubNubNotifier) QueuePosition(participantID, eventID string, position int) {
	n.publish(participantID, map[string]any{
		"type":     "queue_position",
		"event_id": eventID,
		"position": position,
	})
}

func (n *PubNubNotifier) OfferExpired(participantID, eventID string) {
	n.publish(participantID, map[string]any{
		"type":     "offer_expired",
		"event_id": eventID,
	})
}

func (n *PubNubNotifier) PaymentCompleted(participantID, eventID, reference string) {
	n.publish(participantID, map[string]any{
		"type":      "payment_completed",
		"event_id":  eventID,
		"reference": reference,
	})
}

func (n *PubNubNotifier) publish(participantID string, msg map[string]any) {
	channel := fmt.Sprintf("participant-%s", participantID)
	go func() {
		_, pnStatus, err := n.pn.Publish().
			Channel(channel).
			Message(msg).
			Execute()
		if err != nil {
			slog.Warn("notify: publish failed", "channel", channel, "error", err)
			return
		}
		if pnStatus.Error != nil {
			slog.Warn("notify: publish rejected", "channel", channel, "status", pnStatus.StatusCode)
		}
	}()
}

// Noop drops every notification. Used in tests and when PubNub keys are
// not configured.
type Noop struct{}

func (Noop) OfferGranted(string, string, time.Time)  {}
func (Noop) QueuePosition(string, string, int)       {}
func (Noop) OfferExpired(string, string)             {}
func (Noop) PaymentCompleted(string, string, string) {}
