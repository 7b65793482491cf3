package api

import (
	"net/http"

	"github.com/Domenick1991/tutorbooking/internal/auth"
	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/Domenick1991/tutorbooking/internal/service/nextperiod"
	"github.com/Domenick1991/tutorbooking/internal/service/reservation"
	"github.com/gin-gonic/gin"
)

type NextPeriodHandler struct {
	service      nextperiod.NextPeriodUseCase
	reservations reservation.ReservationUseCase
	clock        domain.Clock
}

func NewNextPeriodHandler(service nextperiod.NextPeriodUseCase, reservations reservation.ReservationUseCase, clock domain.Clock) *NextPeriodHandler {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &NextPeriodHandler{service: service, reservations: reservations, clock: clock}
}

func (h *NextPeriodHandler) Register(router *gin.RouterGroup) {
	router.POST("/reservations/:id/next-period", h.preview)
	router.GET("/next-period/:previewID", h.get)
	router.POST("/next-period/:previewID/reserve", h.reserve)
}

func (h *NextPeriodHandler) preview(c *gin.Context) {
	if _, err := owned(c.Request.Context(), h.reservations, c.Param("id"), auth.StudentID(c)); err != nil {
		writeError(c, err)
		return
	}
	preview, err := h.service.Preview(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, preview)
}

func (h *NextPeriodHandler) get(c *gin.Context) {
	preview, err := h.service.GetPreview(c.Request.Context(), c.Param("previewID"))
	if err != nil {
		writeError(c, err)
		return
	}
	if preview.StudentID != auth.StudentID(c) {
		writeError(c, domain.ErrPreviewNotFound)
		return
	}
	c.JSON(http.StatusOK, preview)
}

func (h *NextPeriodHandler) reserve(c *gin.Context) {
	res, err := h.service.Reserve(c.Request.Context(), c.Param("previewID"), auth.StudentID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newReservationResponse(res, h.clock.Now()))
}
