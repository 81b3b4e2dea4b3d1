package handlers

import (
	"net/http"

	"github.com/labstack/echo/v5"

	"ticket-engine/internal/services"
)

type BookingHandler struct {
	queue   *services.QueueService
	tickets *services.TicketService
}

func NewBookingHandler(queue *services.QueueService, tickets *services.TicketService) *BookingHandler {
	return &BookingHandler{queue: queue, tickets: tickets}
}

// RequestTicket joins the caller to the event's queue. The reply is
// either a time-boxed offer or a waiting position.
func (h *BookingHandler) RequestTicket(c echo.Context) error {
	pid := participantID(c)
	if pid == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing participant id"})
	}
	eventID := c.PathParam("eventId")

	grant, err := h.queue.RequestTicket(c.Request().Context(), eventID, pid)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, grant)
}

// Availability reports remaining slots, active offers and waiting depth.
func (h *BookingHandler) Availability(c echo.Context) error {
	avail, err := h.queue.QueryAvailability(c.Request().Context(), c.PathParam("eventId"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, avail)
}

// Position returns the caller's current FIFO position for an entry.
func (h *BookingHandler) Position(c echo.Context) error {
	pos, err := h.queue.Position(c.Request().Context(), c.PathParam("entryId"))
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"position": pos})
}

// MyTickets lists the caller's tickets for an event.
func (h *BookingHandler) MyTickets(c echo.Context) error {
	pid := participantID(c)
	if pid == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing participant id"})
	}

	tickets, err := h.tickets.TicketsFor(c.Request().Context(), c.PathParam("eventId"), pid)
	if err != nil {
		return jsonError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"tickets": tickets})
}
