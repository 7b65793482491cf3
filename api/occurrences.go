package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/Domenick1991/tutorbooking/internal/service/availability"
	"github.com/Domenick1991/tutorbooking/internal/service/occurrence"
	"github.com/gin-gonic/gin"
)

type OccurrenceHandler struct {
	occurrences  occurrence.OccurrenceUseCase
	availability availability.AvailabilityUseCase
	loc          *time.Location
	maxWeekdays  int
}

type occurrencesRequest struct {
	TutorID  string           `json:"tutor_id" binding:"required"`
	Mode     string           `json:"mode" binding:"required,oneof=one_time recurring"`
	Date     string           `json:"date"`
	Start    string           `json:"start"`
	End      string           `json:"end"`
	Patterns []domain.Pattern `json:"patterns"`
	// SelectedSlotIDs are the student's current picks, checked against the weekly cap.
	SelectedSlotIDs []int64 `json:"selected_slot_ids"`
}

type selectionResponse struct {
	SlotIDs []int64 `json:"slot_ids"`
	Error   string  `json:"error,omitempty"`
}

type occurrencesResponse struct {
	Weeks     []weekResponse     `json:"weeks"`
	Selection *selectionResponse `json:"selection,omitempty"`
}

func NewOccurrenceHandler(occurrences occurrence.OccurrenceUseCase, availability availability.AvailabilityUseCase, loc *time.Location, maxWeekdays int) *OccurrenceHandler {
	if loc == nil {
		loc = time.Local
	}
	return &OccurrenceHandler{occurrences: occurrences, availability: availability, loc: loc, maxWeekdays: maxWeekdays}
}

func (h *OccurrenceHandler) Register(router *gin.RouterGroup) {
	router.POST("/occurrences", h.generate)
	router.GET("/tutors/:tutorID/slots", h.slots)
}

func (h *OccurrenceHandler) generate(c *gin.Context) {
	var req occurrencesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	var mode domain.BookingMode
	if req.Mode == string(domain.ReservationKindOneTime) {
		date, err := time.ParseInLocation(domain.DateLayout, req.Date, h.loc)
		if err != nil {
			badRequest(c, errors.New("date must be YYYY-MM-DD"))
			return
		}
		mode = domain.OneTime{Date: date, Range: domain.TimeRange{Start: req.Start, End: req.End}}
	} else {
		mode = domain.Recurring{Patterns: req.Patterns}
	}

	weeks, err := h.occurrences.Generate(c.Request.Context(), req.TutorID, mode)
	if err != nil {
		writeError(c, err)
		return
	}

	resp := occurrencesResponse{Weeks: newWeeksResponse(weeks)}
	if len(req.SelectedSlotIDs) > 0 {
		resp.Selection = h.selection(weeks, req.SelectedSlotIDs)
	}
	c.JSON(http.StatusOK, resp)
}

// selection replays the picks in order; the first one that breaks a rule is reported.
func (h *OccurrenceHandler) selection(weeks []domain.WeekBreakdown, picks []int64) *selectionResponse {
	bySlot := make(map[int64]domain.Occurrence)
	for _, w := range weeks {
		for _, o := range w.Occurrences {
			if o.SlotID != nil {
				bySlot[*o.SlotID] = o
			}
		}
	}

	sel := occurrence.NewSelection(h.maxWeekdays)
	resp := &selectionResponse{}
	for _, id := range picks {
		occ, ok := bySlot[id]
		if !ok {
			resp.Error = "slot " + strconv.FormatInt(id, 10) + " is not offered for this selection"
			break
		}
		if err := sel.Add(occ); err != nil {
			resp.Error = err.Error()
			break
		}
	}
	resp.SlotIDs = sel.SlotIDs()
	return resp
}

func (h *OccurrenceHandler) slots(c *gin.Context) {
	date, err := time.ParseInLocation(domain.DateLayout, c.Query("date"), h.loc)
	if err != nil {
		badRequest(c, errors.New("date must be YYYY-MM-DD"))
		return
	}
	recurring := c.Query("recurring") == "true"

	slots, err := h.availability.GetSlots(c.Request.Context(), c.Param("tutorID"), date, recurring)
	if err != nil {
		writeError(c, err)
		return
	}

	type slotResponse struct {
		ID     int64  `json:"id"`
		Start  string `json:"start"`
		End    string `json:"end"`
		Status string `json:"status"`
	}
	out := make([]slotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, slotResponse{ID: s.ID, Start: s.Range.Start, End: s.Range.End, Status: string(s.Status)})
	}
	c.JSON(http.StatusOK, out)
}
