package gateway

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/midtrans/midtrans-go"
	"github.com/midtrans/midtrans-go/coreapi"
	"github.com/midtrans/midtrans-go/snap"
)

type MidtransConfig struct {
	ServerKey  string
	Production bool
}

// Midtrans opens Snap checkouts and reads status and refunds through the Core API.
type Midtrans struct {
	serverKey string
	urls      URLs
	snap      snap.Client
	core      coreapi.Client
	now       func() time.Time
}

func NewMidtrans(cfg MidtransConfig, urls URLs) *Midtrans {
	env := midtrans.Sandbox
	if cfg.Production {
		env = midtrans.Production
	}
	m := &Midtrans{serverKey: cfg.ServerKey, urls: urls, now: time.Now}
	m.snap.New(cfg.ServerKey, env)
	m.core.New(cfg.ServerKey, env)
	return m
}

func (m *Midtrans) Name() string { return "midtrans" }

func (m *Midtrans) Checkout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if m.serverKey == "" {
		return nil, errors.New("midtrans server key is not configured")
	}
	// gross_amount has no minor units
	if req.Amount <= 0 || req.Amount%100 != 0 {
		return nil, fmt.Errorf("midtrans cannot charge %s %s", FormatAmount(req.Amount), req.Currency)
	}
	gross := req.Amount / 100
	name := req.Description
	if name == "" {
		name = "Tutor session"
	}

	sr := &snap.Request{
		TransactionDetails: midtrans.TransactionDetails{
			OrderID:  req.OrderID,
			GrossAmt: gross,
		},
		Items: &[]midtrans.ItemDetails{{
			ID:    req.ReservationID,
			Price: gross,
			Qty:   1,
			Name:  truncate(name, 50),
		}},
		CustomField1: req.ReservationID,
		CustomField2: req.CustomerID,
	}
	if m.urls.Return != "" {
		sr.Callbacks = &snap.Callbacks{Finish: m.urls.Return}
	}
	if !req.ExpiresAt.IsZero() {
		minutes := int64(req.ExpiresAt.Sub(m.now()) / time.Minute)
		if minutes < 1 {
			minutes = 1
		}
		sr.Expiry = &snap.ExpiryDetails{Unit: "minute", Duration: minutes}
	}

	resp, merr := m.snap.CreateTransaction(sr)
	if merr != nil {
		return nil, fmt.Errorf("midtrans snap %s: %s", req.OrderID, merr.GetMessage())
	}
	return &Checkout{OrderID: req.OrderID, PaymentID: resp.Token, URL: resp.RedirectURL, Method: http.MethodGet}, nil
}

func (m *Midtrans) Resume(s domain.PaymentSession) *Checkout {
	return &Checkout{OrderID: s.OrderID, PaymentID: s.PaymentID, URL: s.CheckoutURL, Method: http.MethodGet}
}

func (m *Midtrans) Status(ctx context.Context, orderID string) (*StatusResult, error) {
	resp, merr := m.core.CheckTransaction(orderID)
	if merr != nil {
		// the order exists only once the student picked a payment method
		if merr.StatusCode == http.StatusNotFound {
			return &StatusResult{Status: domain.PaymentStatusPending, Raw: "not_found"}, nil
		}
		return nil, fmt.Errorf("midtrans status %s: %s", orderID, merr.GetMessage())
	}
	if resp.StatusCode == "404" {
		return &StatusResult{Status: domain.PaymentStatusPending, Raw: "not_found"}, nil
	}

	result := &StatusResult{
		Status:    mapMidtransStatus(resp.TransactionStatus, resp.FraudStatus),
		PaymentID: resp.TransactionID,
		Raw:       resp.TransactionStatus,
	}
	if resp.GrossAmount != "" {
		amount, err := ParseAmount(resp.GrossAmount)
		if err != nil {
			return nil, err
		}
		result.Amount = amount
	}
	return result, nil
}

func (m *Midtrans) Refund(ctx context.Context, req RefundRequest) error {
	_, merr := m.core.RefundTransaction(req.OrderID, &coreapi.RefundReq{
		RefundKey: req.OrderID + "-refund",
		Amount:    req.Amount / 100,
		Reason:    req.Reason,
	})
	if merr != nil {
		return fmt.Errorf("midtrans refund %s: %s", req.OrderID, merr.GetMessage())
	}
	return nil
}

type midtransNotification struct {
	OrderID      string `json:"order_id"`
	StatusCode   string `json:"status_code"`
	GrossAmount  string `json:"gross_amount"`
	SignatureKey string `json:"signature_key"`
}

// VerifyNotification checks signature_key = sha512(order_id + status_code + gross_amount + server_key).
func (m *Midtrans) VerifyNotification(n Notification) (string, error) {
	var body midtransNotification
	if err := json.Unmarshal(n.Body, &body); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidSignature, err)
	}
	if body.OrderID == "" || body.SignatureKey == "" {
		return "", fmt.Errorf("%w: missing order id or signature", domain.ErrInvalidSignature)
	}
	want := sha512Hex(body.OrderID + body.StatusCode + body.GrossAmount + m.serverKey)
	if subtle.ConstantTimeCompare([]byte(want), []byte(body.SignatureKey)) != 1 {
		return "", domain.ErrInvalidSignature
	}
	return body.OrderID, nil
}

// Hash is the signature a settled (status 200) notification for this order carries.
func (m *Midtrans) Hash(orderID string, amount int64, currency string) string {
	return sha512Hex(orderID + "200" + FormatAmount(amount) + m.serverKey)
}

func mapMidtransStatus(status, fraud string) domain.PaymentStatus {
	switch status {
	case "settlement":
		return domain.PaymentStatusSuccess
	case "capture":
		if fraud == "" || fraud == "accept" {
			return domain.PaymentStatusSuccess
		}
		return domain.PaymentStatusPending
	case "deny", "failure":
		return domain.PaymentStatusFailed
	case "cancel":
		return domain.PaymentStatusCancelled
	case "expire":
		return domain.PaymentStatusExpired
	case "refund", "partial_refund", "chargeback", "partial_chargeback":
		return domain.PaymentStatusRefunded
	}
	return domain.PaymentStatusPending
}

func sha512Hex(s string) string {
	sum := sha512.Sum512([]byte(s))
	return hex.EncodeToString(sum[:])
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

var _ Gateway = (*Midtrans)(nil)
