package gateway

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// SignatureHeader carries the HMAC of the webhook body.
const SignatureHeader = "X-Gateway-Signature"

// WebhookPayload is the push-side message from the gateway.
type WebhookPayload struct {
	Reference      string          `json:"reference"`
	GatewayOrderID string          `json:"gatewayOrderId"`
	Status         string          `json:"status"`
	Amount         decimal.Decimal `json:"amount"`
	OccurredAt     string          `json:"occurredAt"`
}

// ParseWebhook validates the signature and normalizes the payload. An
// invalid signature is rejected before the body is trusted at all.
func ParseWebhook(body []byte, key []byte, signature string) (*StatusReply, error) {
	if !VerifySignature(body, key, signature) {
		return nil, fmt.Errorf("gateway: webhook signature mismatch")
	}

	var p WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, fmt.Errorf("gateway: decode webhook: %w", err)
	}
	if p.Reference == "" {
		return nil, fmt.Errorf("gateway: webhook missing reference")
	}

	occurredAt, _ := time.Parse(time.RFC3339, p.OccurredAt)
	return &StatusReply{
		OrderID:   p.GatewayOrderID,
		Reference: p.Reference,
		Status:    normalizeStatus(p.Status),
		Amount:    p.Amount,
		PaidAt:    occurredAt,
	}, nil
}
