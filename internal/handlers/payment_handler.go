package handlers

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v5"

	"ticket-engine/internal/gateway"
	"ticket-engine/internal/services"
)

type PaymentHandler struct {
	payments   *services.PaymentService
	reconciler *services.ReconcileScheduler
	webhookKey []byte
}

func NewPaymentHandler(payments *services.PaymentService, reconciler *services.ReconcileScheduler, webhookKey string) *PaymentHandler {
	return &PaymentHandler{
		payments:   payments,
		reconciler: reconciler,
		webhookKey: []byte(webhookKey),
	}
}

// InitiatePayment opens a gateway order for the caller's live offer and
// returns the QR payload to pay against.
func (h *PaymentHandler) InitiatePayment(c echo.Context) error {
	pid := participantID(c)
	if pid == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing participant id"})
	}

	var req struct {
		EventID    string `json:"event_id"`
		PassID     string `json:"pass_id"`
		Quantity   int    `json:"quantity"`
		CouponCode string `json:"coupon_code"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}

	session, err := h.payments.InitiatePayment(c.Request().Context(), &services.InitiateRequest{
		EventID:       req.EventID,
		ParticipantID: pid,
		PassID:        req.PassID,
		Quantity:      req.Quantity,
		CouponCode:    req.CouponCode,
	})
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, session)
}

// PaymentStatus reports the current record for a reference.
func (h *PaymentHandler) PaymentStatus(c echo.Context) error {
	record, err := h.payments.PaymentStatus(c.Request().Context(), c.PathParam("reference"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"reference": record.Reference,
		"status":    record.Status,
		"flagged":   record.Flagged,
	})
}

// Webhook receives gateway push confirmations. The signature is checked
// before anything in the body is trusted, and a terminal status is
// settled through the same path the poller uses, so a webhook racing a
// poll cannot double-issue.
func (h *PaymentHandler) Webhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 1<<20))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}

	reply, err := gateway.ParseWebhook(body, h.webhookKey, c.Request().Header.Get(gateway.SignatureHeader))
	if err != nil {
		slog.Warn("webhook: rejected", "error", err)
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid webhook"})
	}

	if !reply.Status.Terminal() {
		// Non-terminal pushes carry no new decision; the scheduler keeps
		// polling on its own cadence.
		return c.JSON(http.StatusOK, map[string]string{"status": "ignored"})
	}

	if err := h.reconciler.Apply(c.Request().Context(), reply); err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "applied"})
}
