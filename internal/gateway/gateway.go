package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
)

// Gateway is the contract the payment broker drives. Implementations never decide
// booking outcomes; they only translate between the gateway and domain statuses.
type Gateway interface {
	Name() string
	// Checkout opens the hosted checkout for a new order.
	Checkout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	// Resume rebuilds the checkout handoff of an already opened session without calling out.
	Resume(s domain.PaymentSession) *Checkout
	// Status pulls the authoritative status of an order.
	Status(ctx context.Context, orderID string) (*StatusResult, error)
	Refund(ctx context.Context, req RefundRequest) error
	// VerifyNotification checks the callback signature and returns the order it refers to.
	VerifyNotification(n Notification) (string, error)
	// Hash is the merchant integrity hash for an order; it needs the merchant secret.
	Hash(orderID string, amount int64, currency string) string
}

// URLs are the browser and server callbacks handed to the gateway.
type URLs struct {
	Return string
	Cancel string
	Notify string
}

type CheckoutRequest struct {
	OrderID       string
	ReservationID string
	Amount        int64
	Currency      string
	Description   string
	CustomerID    string
	ExpiresAt     time.Time
}

// Checkout is what the client needs to hand the student over to the gateway:
// either a redirect (GET) or an auto-submitted form (POST with Fields).
type Checkout struct {
	OrderID   string            `json:"order_id"`
	PaymentID string            `json:"payment_id,omitempty"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Fields    map[string]string `json:"fields,omitempty"`
}

type StatusResult struct {
	Status    domain.PaymentStatus
	PaymentID string
	// Amount in minor units; zero when the gateway did not report it.
	Amount   int64
	Currency string
	Raw      string
}

type RefundRequest struct {
	OrderID   string
	PaymentID string
	Amount    int64
	Reason    string
}

// Notification is the raw asynchronous callback as received over HTTP.
type Notification struct {
	Form url.Values
	Body []byte
}

// FormatAmount renders minor units with two decimals, e.g. 250000 -> "2500.00".
func FormatAmount(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d", sign, amount/100, amount%100)
}

// ParseAmount is the inverse of FormatAmount and accepts zero to two decimals.
func ParseAmount(s string) (int64, error) {
	s = strings.TrimSpace(s)
	whole, frac, _ := strings.Cut(s, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount %q has more than two decimals", s)
	}
	frac += strings.Repeat("0", 2-len(frac))
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	if strings.HasPrefix(whole, "-") {
		return w*100 - f, nil
	}
	return w*100 + f, nil
}
