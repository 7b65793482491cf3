package notify

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Domenick1991/tutorbooking/internal/events"
	"github.com/Domenick1991/tutorbooking/internal/gateway"
)

// Sender turns bus events into student-facing messages. Delivery is a structured log line;
// a mail or push transport plugs in behind Send.
type Sender struct {
	logger *slog.Logger
}

func NewSender(logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{logger: logger}
}

func (s *Sender) Send(ctx context.Context, event events.Event) error {
	msg, ok := Message(event)
	if !ok {
		return nil
	}
	s.logger.InfoContext(ctx, "notify student",
		"student_id", event.StudentID,
		"type", event.Type,
		"reservation_id", event.ReservationID,
		"message", msg,
	)
	return nil
}

// Handler adapts the sender to a bus subscription.
func (s *Sender) Handler() events.Handler {
	return s.Send
}

// Message renders the text for an event; ok is false for events students are not told about.
func Message(e events.Event) (string, bool) {
	amount := gateway.FormatAmount(e.Amount) + " " + e.Currency
	switch e.Type {
	case events.TypeReservationCreated:
		return fmt.Sprintf("%d slot(s) held until %s", len(e.SlotIDs), e.ExpiresAt.Format("15:04 MST")), true
	case events.TypeReservationExpired:
		return "your hold expired and the slots were released", true
	case events.TypeReservationReleased:
		return "your reservation was cancelled", true
	case events.TypePaymentInitiated:
		return fmt.Sprintf("payment of %s started", amount), true
	case events.TypeBookingConfirmed:
		return fmt.Sprintf("booking confirmed for %d session(s), %s paid", len(e.SlotIDs), amount), true
	case events.TypeBookingPostPayment:
		return fmt.Sprintf("your hold expired before the payment of %s completed; a refund is on its way", amount), true
	}
	return "", false
}
