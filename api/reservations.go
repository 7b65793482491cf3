package api

import (
	"context"
	"net/http"

	"github.com/Domenick1991/tutorbooking/internal/auth"
	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/Domenick1991/tutorbooking/internal/service/reservation"
	"github.com/gin-gonic/gin"
)

type ReservationHandler struct {
	service reservation.ReservationUseCase
	clock   domain.Clock
}

type reserveRequest struct {
	TutorID     string  `json:"tutor_id" binding:"required"`
	SubjectID   string  `json:"subject_id"`
	LanguageID  string  `json:"language_id"`
	ClassTypeID string  `json:"class_type_id"`
	Kind        string  `json:"kind" binding:"required,oneof=one_time recurring"`
	SlotIDs     []int64 `json:"slot_ids" binding:"required,min=1"`
	Amount      int64   `json:"amount" binding:"omitempty,gt=0"`
	Currency    string  `json:"currency"`
}

func NewReservationHandler(service reservation.ReservationUseCase, clock domain.Clock) *ReservationHandler {
	if clock == nil {
		clock = domain.RealClock{}
	}
	return &ReservationHandler{service: service, clock: clock}
}

func (h *ReservationHandler) Register(router *gin.RouterGroup) {
	router.POST("/reservations", h.create)
	router.GET("/reservations/:id", h.get)
	router.DELETE("/reservations/:id", h.cancel)
}

func (h *ReservationHandler) create(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	res, err := h.service.Reserve(c.Request.Context(), reservation.ReserveInput{
		StudentID:   auth.StudentID(c),
		TutorID:     req.TutorID,
		SubjectID:   req.SubjectID,
		LanguageID:  req.LanguageID,
		ClassTypeID: req.ClassTypeID,
		Kind:        domain.ReservationKind(req.Kind),
		SlotIDs:     req.SlotIDs,
		Amount:      req.Amount,
		Currency:    req.Currency,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, newReservationResponse(res, h.clock.Now()))
}

func (h *ReservationHandler) get(c *gin.Context) {
	res, err := owned(c.Request.Context(), h.service, c.Param("id"), auth.StudentID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newReservationResponse(res, h.clock.Now()))
}

func (h *ReservationHandler) cancel(c *gin.Context) {
	if _, err := owned(c.Request.Context(), h.service, c.Param("id"), auth.StudentID(c)); err != nil {
		writeError(c, err)
		return
	}
	res, err := h.service.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newReservationResponse(res, h.clock.Now()))
}

type reservationGetter interface {
	Get(ctx context.Context, id string) (*domain.Reservation, error)
}

// owned hides reservations of other students behind not found.
func owned(ctx context.Context, reservations reservationGetter, id, studentID string) (*domain.Reservation, error) {
	res, err := reservations.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if res.StudentID != studentID {
		return nil, domain.ErrReservationNotFound
	}
	return res, nil
}
