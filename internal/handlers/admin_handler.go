package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v5"
	"golang.org/x/crypto/bcrypt"

	"ticket-engine/internal/services"
	"ticket-engine/models"
)

// AdminStore is the datastore slice the admin surface touches directly.
type AdminStore interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
	CreateEvent(ctx context.Context, ev *models.Event) error
	CreatePass(ctx context.Context, p *models.Pass) error
	CancelEvent(ctx context.Context, eventID string) error
	FlaggedPayments(ctx context.Context, limit int) ([]models.PaymentRecord, error)
}

type AdminHandler struct {
	queue      *services.QueueService
	tickets    *services.TicketService
	reconciler *services.ReconcileScheduler
	store      AdminStore
	tokenHash  []byte
}

func NewAdminHandler(queue *services.QueueService, tickets *services.TicketService, reconciler *services.ReconcileScheduler, store AdminStore, tokenHash string) *AdminHandler {
	return &AdminHandler{
		queue:      queue,
		tickets:    tickets,
		reconciler: reconciler,
		store:      store,
		tokenHash:  []byte(tokenHash),
	}
}

// RequireToken compares the bearer token against the configured bcrypt
// hash. The hash, not the token, lives in configuration.
func (h *AdminHandler) RequireToken() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token := strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer ")
			if token == "" || bcrypt.CompareHashAndPassword(h.tokenHash, []byte(token)) != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid admin token"})
			}
			return next(c)
		}
	}
}

// CreateEvent registers a new event together with its passes.
func (h *AdminHandler) CreateEvent(c echo.Context) error {
	var req struct {
		Name     string `json:"name"`
		Capacity int    `json:"capacity"`
		Passes   []struct {
			Name     string `json:"name"`
			Price    string `json:"price"`
			TotalQty int    `json:"total_qty"`
		} `json:"passes"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid request body"})
	}
	if req.Name == "" || req.Capacity <= 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "name and positive capacity required"})
	}

	event := &models.Event{
		ID:        uuid.NewString(),
		Name:      req.Name,
		Capacity:  req.Capacity,
		CreatedAt: time.Now().UTC(),
	}
	passes := make([]models.Pass, 0, len(req.Passes))
	for _, p := range req.Passes {
		price, err := parsePrice(p.Price)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid pass price"})
		}
		passes = append(passes, models.Pass{
			ID:       uuid.NewString(),
			EventID:  event.ID,
			Name:     p.Name,
			Price:    price,
			TotalQty: p.TotalQty,
		})
	}

	err := h.store.WithTx(c.Request().Context(), func(ctx context.Context) error {
		if err := h.store.CreateEvent(ctx, event); err != nil {
			return err
		}
		for i := range passes {
			if err := h.store.CreatePass(ctx, &passes[i]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]any{"event": event, "passes": passes})
}

// CancelEvent stops new offers for an event. Issued tickets and pending
// payments are untouched.
func (h *AdminHandler) CancelEvent(c echo.Context) error {
	eventID := c.PathParam("eventId")
	if err := h.store.CancelEvent(c.Request().Context(), eventID); err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "cancelled", "event_id": eventID})
}

// ForceProcessQueue re-runs promotion for an event.
func (h *AdminHandler) ForceProcessQueue(c echo.Context) error {
	eventID := c.PathParam("eventId")
	if err := h.queue.ProcessQueue(c.Request().Context(), eventID); err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "processed", "event_id": eventID})
}

// FlaggedPayments lists records parked for manual review.
func (h *AdminHandler) FlaggedPayments(c echo.Context) error {
	flagged, err := h.store.FlaggedPayments(c.Request().Context(), 200)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"flagged": flagged, "count": len(flagged)})
}

// VoidPayment revokes the tickets issued for a reference and returns the
// capacity to the queue.
func (h *AdminHandler) VoidPayment(c echo.Context) error {
	ref := c.PathParam("reference")
	n, err := h.tickets.Void(c.Request().Context(), ref)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "voided", "reference": ref, "cancelled": n})
}

// Reconcile clears a record's flag and polls it immediately.
func (h *AdminHandler) Reconcile(c echo.Context) error {
	ref := c.PathParam("reference")
	if err := h.reconciler.Reconcile(c.Request().Context(), ref); err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reconciled", "reference": ref})
}

// ReconcileBatch polls every pending record once.
func (h *AdminHandler) ReconcileBatch(c echo.Context) error {
	n, err := h.reconciler.ReconcileBatch(c.Request().Context(), 0)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"status": "done", "polled": n})
}
