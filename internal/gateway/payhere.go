package gateway

import (
	"bytes"
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	payHereSandboxURL = "https://sandbox.payhere.lk"
	payHereLiveURL    = "https://www.payhere.lk"
)

type PayHereConfig struct {
	MerchantID     string
	MerchantSecret string
	// AppID and AppSecret authenticate the merchant API used for status and refunds.
	AppID     string
	AppSecret string
	Sandbox   bool
	// BaseURL overrides the sandbox/live host.
	BaseURL string
}

// PayHere drives the PayHere hosted checkout. Checkout is a signed form post; status and
// refunds go through the merchant API with an OAuth2 client-credentials token.
type PayHere struct {
	cfg        PayHereConfig
	urls       URLs
	baseURL    string
	secretHash string
	client     *http.Client
}

func NewPayHere(cfg PayHereConfig, urls URLs) *PayHere {
	base := cfg.BaseURL
	if base == "" {
		base = payHereLiveURL
		if cfg.Sandbox {
			base = payHereSandboxURL
		}
	}
	base = strings.TrimRight(base, "/")

	cc := clientcredentials.Config{
		ClientID:     cfg.AppID,
		ClientSecret: cfg.AppSecret,
		TokenURL:     base + "/merchant/v1/oauth/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Timeout: 15 * time.Second})
	client := cc.Client(tokenCtx)
	client.Timeout = 15 * time.Second

	return &PayHere{
		cfg:        cfg,
		urls:       urls,
		baseURL:    base,
		secretHash: upperMD5(cfg.MerchantSecret),
		client:     client,
	}
}

func (p *PayHere) Name() string { return "payhere" }

func (p *PayHere) Checkout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	if p.cfg.MerchantID == "" || p.cfg.MerchantSecret == "" {
		return nil, errors.New("payhere merchant credentials are not configured")
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("invalid amount %d", req.Amount)
	}
	return p.form(req.OrderID, req.Amount, req.Currency, req.Description, req.ReservationID, req.CustomerID), nil
}

func (p *PayHere) Resume(s domain.PaymentSession) *Checkout {
	return p.form(s.OrderID, s.Amount, s.Currency, "", s.ReservationID, "")
}

func (p *PayHere) form(orderID string, amount int64, currency, description, reservationID, customerID string) *Checkout {
	if description == "" {
		description = "Tutor session " + reservationID
	}
	return &Checkout{
		OrderID: orderID,
		URL:     p.baseURL + "/pay/checkout",
		Method:  http.MethodPost,
		Fields: map[string]string{
			"merchant_id": p.cfg.MerchantID,
			"return_url":  p.urls.Return,
			"cancel_url":  p.urls.Cancel,
			"notify_url":  p.urls.Notify,
			"order_id":    orderID,
			"items":       description,
			"currency":    currency,
			"amount":      FormatAmount(amount),
			"hash":        p.Hash(orderID, amount, currency),
			"custom_1":    reservationID,
			"custom_2":    customerID,
		},
	}
}

// Hash is upper(md5(merchant_id + order_id + amount + currency + upper(md5(secret)))).
func (p *PayHere) Hash(orderID string, amount int64, currency string) string {
	return upperMD5(p.cfg.MerchantID + orderID + FormatAmount(amount) + currency + p.secretHash)
}

// VerifyNotification checks md5sig of a notify_url callback.
func (p *PayHere) VerifyNotification(n Notification) (string, error) {
	f := n.Form
	orderID := f.Get("order_id")
	if orderID == "" || f.Get("md5sig") == "" {
		return "", fmt.Errorf("%w: missing order id or signature", domain.ErrInvalidSignature)
	}
	if f.Get("merchant_id") != p.cfg.MerchantID {
		return "", fmt.Errorf("%w: merchant mismatch", domain.ErrInvalidSignature)
	}
	want := upperMD5(f.Get("merchant_id") + orderID + f.Get("payhere_amount") + f.Get("payhere_currency") + f.Get("status_code") + p.secretHash)
	if subtle.ConstantTimeCompare([]byte(want), []byte(strings.ToUpper(f.Get("md5sig")))) != 1 {
		return "", domain.ErrInvalidSignature
	}
	return orderID, nil
}

type payHereSearchResponse struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
	Data   []struct {
		PaymentID json.Number `json:"payment_id"`
		OrderID   string      `json:"order_id"`
		Status    string      `json:"status"`
		Currency  string      `json:"currency"`
		Amount    float64     `json:"amount"`
	} `json:"data"`
}

func (p *PayHere) Status(ctx context.Context, orderID string) (*StatusResult, error) {
	endpoint := p.baseURL + "/merchant/v1/payment/search?order_id=" + url.QueryEscape(orderID)
	var resp payHereSearchResponse
	if err := p.call(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Status != 1 && resp.Status != -1 {
		return nil, fmt.Errorf("payhere search %s: %s", orderID, resp.Msg)
	}
	// -1 means the customer has not paid anything for this order yet
	if resp.Status == -1 || len(resp.Data) == 0 {
		return &StatusResult{Status: domain.PaymentStatusPending, Raw: resp.Msg}, nil
	}

	best := resp.Data[0]
	bestStatus := mapPayHereStatus(best.Status)
	for _, d := range resp.Data[1:] {
		if st := mapPayHereStatus(d.Status); rank(st) > rank(bestStatus) {
			best, bestStatus = d, st
		}
	}
	return &StatusResult{
		Status:    bestStatus,
		PaymentID: best.PaymentID.String(),
		Amount:    int64(math.Round(best.Amount * 100)),
		Currency:  best.Currency,
		Raw:       best.Status,
	}, nil
}

func (p *PayHere) Refund(ctx context.Context, req RefundRequest) error {
	if req.PaymentID == "" {
		return fmt.Errorf("payhere refund %s: payment id is unknown", req.OrderID)
	}
	body, err := json.Marshal(map[string]interface{}{
		"payment_id":  json.Number(req.PaymentID),
		"description": req.Reason,
	})
	if err != nil {
		return err
	}
	var resp struct {
		Status int    `json:"status"`
		Msg    string `json:"msg"`
	}
	if err := p.call(ctx, http.MethodPost, p.baseURL+"/merchant/v1/payment/refund", body, &resp); err != nil {
		return err
	}
	if resp.Status != 1 {
		return fmt.Errorf("payhere refund %s: %s", req.OrderID, resp.Msg)
	}
	return nil
}

func (p *PayHere) call(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("payhere %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("payhere %s: http %d", endpoint, resp.StatusCode)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("payhere %s: decode: %w", endpoint, err)
	}
	return nil
}

func mapPayHereStatus(s string) domain.PaymentStatus {
	switch strings.ToUpper(s) {
	case "RECEIVED":
		return domain.PaymentStatusSuccess
	case "REFUNDED", "CHARGEBACKED":
		return domain.PaymentStatusRefunded
	case "CANCELED", "CANCELLED":
		return domain.PaymentStatusCancelled
	case "FAILED":
		return domain.PaymentStatusFailed
	}
	return domain.PaymentStatusPending
}

// rank orders statuses when an order has several gateway attempts.
func rank(s domain.PaymentStatus) int {
	switch s {
	case domain.PaymentStatusRefunded:
		return 4
	case domain.PaymentStatusSuccess:
		return 3
	case domain.PaymentStatusPending:
		return 2
	case domain.PaymentStatusCancelled:
		return 1
	}
	return 0
}

func upperMD5(s string) string {
	sum := md5.Sum([]byte(s))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

var _ Gateway = (*PayHere)(nil)
