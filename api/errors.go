package api

import (
	"errors"
	"net/http"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Error      string `json:"error"`
	NextAction string `json:"next_action,omitempty"`
}

type errorMapping struct {
	err        error
	status     int
	nextAction string
}

// Ordered: the first sentinel the error wraps decides the response.
var errorMappings = []errorMapping{
	{domain.ErrReservationExpiredPostPayment, http.StatusConflict, "await_refund"},
	{domain.ErrInvalidInput, http.StatusBadRequest, "fix_input"},
	{domain.ErrSlotUnavailable, http.StatusConflict, "reselect_slots"},
	{domain.ErrWeekLimitExceeded, http.StatusUnprocessableEntity, "adjust_selection"},
	{domain.ErrLeadTime, http.StatusUnprocessableEntity, "reselect_slots"},
	{domain.ErrPeriodAlreadyPaid, http.StatusConflict, "view_booking"},
	{domain.ErrRateNotFound, http.StatusUnprocessableEntity, "contact_support"},
	{domain.ErrReservationNotFound, http.StatusNotFound, ""},
	{domain.ErrPaymentSessionNotFound, http.StatusNotFound, ""},
	{domain.ErrBookingNotFound, http.StatusNotFound, ""},
	{domain.ErrPreviewNotFound, http.StatusNotFound, "request_preview"},
	{domain.ErrReservationExpired, http.StatusGone, "restart"},
	{domain.ErrReservationNotActive, http.StatusConflict, ""},
	{domain.ErrNextPeriodClosed, http.StatusGone, ""},
	{domain.ErrPaymentSessionInitFailed, http.StatusBadGateway, "retry_payment"},
	{domain.ErrPaymentReconciliationAmbiguous, http.StatusBadGateway, "contact_support"},
	{domain.ErrInvalidSignature, http.StatusUnauthorized, ""},
}

func statusFor(err error) (int, string) {
	for _, m := range errorMappings {
		if errors.Is(err, m.err) {
			return m.status, m.nextAction
		}
	}
	return http.StatusInternalServerError, "contact_support"
}

func writeError(c *gin.Context, err error) {
	status, next := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		msg = "internal error"
	}
	c.JSON(status, errorResponse{Error: msg, NextAction: next})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error(), NextAction: "fix_input"})
}
