package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Domenick1991/tutorbooking/internal/auth"
	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/Domenick1991/tutorbooking/internal/gateway"
	"github.com/Domenick1991/tutorbooking/internal/service/confirmation"
	"github.com/Domenick1991/tutorbooking/internal/service/payment"
	"github.com/Domenick1991/tutorbooking/internal/service/reservation"
	"github.com/gin-gonic/gin"
)

type PaymentHandler struct {
	payments     payment.PaymentUseCase
	settlement   confirmation.SettlementUseCase
	reservations reservation.ReservationUseCase
	clock        domain.Clock
}

type initiateRequest struct {
	ReservationID string `json:"reservation_id" binding:"required"`
}

func NewPaymentHandler(payments payment.PaymentUseCase, settlement confirmation.SettlementUseCase, reservations reservation.ReservationUseCase, clock domain.Clock) *PaymentHandler {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &PaymentHandler{payments: payments, settlement: settlement, reservations: reservations, clock: clock}
}

func (h *PaymentHandler) Register(router *gin.RouterGroup) {
	router.POST("/payments", h.initiate)
	router.GET("/payments/:orderID", h.get)
	router.POST("/payments/:orderID/settle", h.settle)
	router.GET("/reservations/:id/payments", h.forReservation)
	router.GET("/reservations/:id/booking", h.booking)
}

// RegisterPublic mounts the gateway callback, which is authenticated by its signature.
func (h *PaymentHandler) RegisterPublic(router *gin.RouterGroup) {
	router.POST("/payments/notify", h.notify)
}

func (h *PaymentHandler) initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if _, err := owned(c.Request.Context(), h.reservations, req.ReservationID, auth.StudentID(c)); err != nil {
		writeError(c, err)
		return
	}

	session, checkout, err := h.payments.Initiate(c.Request.Context(), req.ReservationID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, initiateResponse{Session: newSessionResponse(session), Checkout: checkout})
}

func (h *PaymentHandler) get(c *gin.Context) {
	session, err := h.ownedSession(c)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newSessionResponse(session))
}

// settle is what the client calls on return from the gateway; it never trusts the redirect.
func (h *PaymentHandler) settle(c *gin.Context) {
	session, err := h.ownedSession(c)
	if err != nil {
		writeError(c, err)
		return
	}

	result, err := h.settlement.Settle(c.Request.Context(), session.OrderID)
	if result == nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status, _ = statusFor(err)
	}
	c.JSON(status, newSettleResponse(result, err, h.clock.Now()))
}

func (h *PaymentHandler) forReservation(c *gin.Context) {
	if _, err := owned(c.Request.Context(), h.reservations, c.Param("id"), auth.StudentID(c)); err != nil {
		writeError(c, err)
		return
	}
	sessions, err := h.payments.ForReservation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]*sessionResponse, 0, len(sessions))
	for i := range sessions {
		out = append(out, newSessionResponse(&sessions[i]))
	}
	c.JSON(http.StatusOK, out)
}

func (h *PaymentHandler) booking(c *gin.Context) {
	if _, err := owned(c.Request.Context(), h.reservations, c.Param("id"), auth.StudentID(c)); err != nil {
		writeError(c, err)
		return
	}
	b, err := h.settlement.BookingForReservation(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newBookingResponse(b))
}

// notify accepts a gateway callback. Its payload only names the order; the status is pulled
// from the gateway and a paid order is settled right away.
func (h *PaymentHandler) notify(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 64<<10))
	if err != nil {
		badRequest(c, err)
		return
	}
	n := gateway.Notification{Body: body}
	if strings.HasPrefix(c.ContentType(), "application/x-www-form-urlencoded") {
		form, err := url.ParseQuery(string(body))
		if err != nil {
			badRequest(c, err)
			return
		}
		n.Form = form
	}

	session, err := h.payments.HandleNotification(c.Request.Context(), n)
	if errors.Is(err, domain.ErrInvalidSignature) {
		writeError(c, err)
		return
	}
	if err != nil {
		// acknowledged anyway; the client settle call or the next notification retries
		_ = c.Error(err)
		c.JSON(http.StatusOK, gin.H{"status": "received"})
		return
	}
	if session.Status == domain.PaymentStatusSuccess {
		if _, err := h.settlement.Settle(c.Request.Context(), session.OrderID); err != nil {
			_ = c.Error(err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "received"})
}

func (h *PaymentHandler) ownedSession(c *gin.Context) (*domain.PaymentSession, error) {
	session, err := h.payments.Get(c.Request.Context(), c.Param("orderID"))
	if err != nil {
		return nil, err
	}
	if _, err := owned(c.Request.Context(), h.reservations, session.ReservationID, auth.StudentID(c)); err != nil {
		if errors.Is(err, domain.ErrReservationNotFound) {
			return nil, domain.ErrPaymentSessionNotFound
		}
		return nil, err
	}
	return session, nil
}
