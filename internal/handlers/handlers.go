// Package handlers is the HTTP surface. Handlers stay thin: decode,
// delegate to a service, map the business error to a status code.
package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v5"
	"github.com/shopspring/decimal"

	"ticket-engine/internal/status"
)

// participantID reads the authenticated participant id placed in the
// header by the identity layer in front of this service. The id is
// trusted as given.
func participantID(c echo.Context) string {
	return c.Request().Header.Get("X-Participant-ID")
}

func parsePrice(s string) (decimal.Decimal, error) {
	price, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if price.IsNegative() {
		return decimal.Zero, errors.New("price must not be negative")
	}
	return price, nil
}

func jsonError(c echo.Context, err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, status.ErrEventNotFound),
		errors.Is(err, status.ErrPassNotFound),
		errors.Is(err, status.ErrEntryNotFound),
		errors.Is(err, status.ErrPaymentNotFound):
		code = http.StatusNotFound
	case errors.Is(err, status.ErrAlreadyQueued),
		errors.Is(err, status.ErrOversold),
		errors.Is(err, status.ErrDuplicatePayment),
		errors.Is(err, status.ErrCouponUsed):
		code = http.StatusConflict
	case errors.Is(err, status.ErrEventCancelled),
		errors.Is(err, status.ErrOfferExpired),
		errors.Is(err, status.ErrInvalidCoupon):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, status.ErrGatewayTransient),
		errors.Is(err, status.ErrGatewayRejected):
		code = http.StatusBadGateway
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}
