package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront-bot/internal/domain"
	"storefront-bot/internal/infrastructure/payment"
)

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	var (
		validation *domain.ValidationError
		stock      *domain.StockError
		gateway    *domain.GatewayError
		reconcile  *domain.ReconciliationError
	)
	switch {
	case errors.Is(err, payment.ErrInvalidSignature):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrCheckoutNotFound) && !errors.As(err, &reconcile),
		errors.Is(err, domain.ErrProductNotFound) && !errors.As(err, &validation),
		errors.Is(err, domain.ErrCouponNotFound) && !errors.As(err, &validation):
		return http.StatusNotFound
	case errors.As(err, &stock), errors.As(err, &validation):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrActiveCheckoutExists),
		errors.Is(err, domain.ErrPaymentAttemptsExceeded),
		errors.Is(err, domain.ErrNoCoupon):
		return http.StatusConflict
	case errors.As(err, &gateway):
		return http.StatusBadGateway
	case errors.As(err, &reconcile):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		msg = "internal error"
	}
	c.JSON(status, gin.H{"error": msg})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}
