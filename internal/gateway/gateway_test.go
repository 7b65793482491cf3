package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/Domenick1991/tutorbooking/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatAndParseAmount(t *testing.T) {
	assert.Equal(t, "2500.00", FormatAmount(250000))
	assert.Equal(t, "0.05", FormatAmount(5))
	assert.Equal(t, "-1.50", FormatAmount(-150))

	for in, want := range map[string]int64{"2500.00": 250000, "2500": 250000, "12.5": 1250, "0.07": 7} {
		got, err := ParseAmount(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseAmount("1.234")
	assert.Error(t, err)
	_, err = ParseAmount("abc")
	assert.Error(t, err)
}

func newPayHere(base string) *PayHere {
	return NewPayHere(PayHereConfig{
		MerchantID:     "1211149",
		MerchantSecret: "secret",
		AppID:          "app",
		AppSecret:      "app-secret",
		BaseURL:        base,
	}, URLs{Return: "https://tutor.example/return", Cancel: "https://tutor.example/cancel", Notify: "https://api.tutor.example/v1/payments/notify"})
}

func TestPayHere_HashIsDeterministic(t *testing.T) {
	p := newPayHere("")
	want := upperMD5("1211149" + "order-1" + "2500.00" + "LKR" + upperMD5("secret"))

	assert.Equal(t, want, p.Hash("order-1", 250000, "LKR"))
	assert.NotEqual(t, want, p.Hash("order-1", 250001, "LKR"))
	assert.Len(t, want, 32)
}

func TestPayHere_CheckoutForm(t *testing.T) {
	p := newPayHere("https://sandbox.payhere.lk/")
	co, err := p.Checkout(context.Background(), CheckoutRequest{OrderID: "order-1", ReservationID: "res-1", Amount: 250000, Currency: "LKR"})
	require.NoError(t, err)

	assert.Equal(t, "https://sandbox.payhere.lk/pay/checkout", co.URL)
	assert.Equal(t, http.MethodPost, co.Method)
	assert.Equal(t, "2500.00", co.Fields["amount"])
	assert.Equal(t, p.Hash("order-1", 250000, "LKR"), co.Fields["hash"])
	assert.Equal(t, "https://api.tutor.example/v1/payments/notify", co.Fields["notify_url"])

	resumed := p.Resume(domain.PaymentSession{OrderID: "order-1", ReservationID: "res-1", Amount: 250000, Currency: "LKR"})
	assert.Equal(t, co.Fields["hash"], resumed.Fields["hash"])

	_, err = p.Checkout(context.Background(), CheckoutRequest{OrderID: "order-2", Amount: 0, Currency: "LKR"})
	assert.Error(t, err)
}

func TestPayHere_VerifyNotification(t *testing.T) {
	p := newPayHere("")
	form := url.Values{
		"merchant_id":      {"1211149"},
		"order_id":         {"order-1"},
		"payhere_amount":   {"2500.00"},
		"payhere_currency": {"LKR"},
		"status_code":      {"2"},
	}
	form.Set("md5sig", upperMD5("1211149"+"order-1"+"2500.00"+"LKR"+"2"+upperMD5("secret")))

	orderID, err := p.VerifyNotification(Notification{Form: form})
	require.NoError(t, err)
	assert.Equal(t, "order-1", orderID)

	form.Set("status_code", "-2")
	_, err = p.VerifyNotification(Notification{Form: form})
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = p.VerifyNotification(Notification{Form: url.Values{}})
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func payHereServer(t *testing.T, search func(w http.ResponseWriter, r *http.Request)) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/merchant/v1/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "app" || pass != "app-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"tok","token_type":"bearer","expires_in":599}`))
	})
	mux.HandleFunc("/merchant/v1/payment/search", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		search(w, r)
	})
	mux.HandleFunc("/merchant/v1/payment/refund", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["payment_id"] == nil {
			_, _ = w.Write([]byte(`{"status":-1,"msg":"payment id required"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":1,"msg":"Successfully submitted the refund request","data":1}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestPayHere_Status(t *testing.T) {
	srv := payHereServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("order_id") {
		case "paid":
			_, _ = w.Write([]byte(`{"status":1,"msg":"Payments with order_id:paid","data":[
				{"payment_id":320025071278,"order_id":"paid","status":"FAILED","currency":"LKR","amount":2500.00},
				{"payment_id":320025071279,"order_id":"paid","status":"RECEIVED","currency":"LKR","amount":2500.00}]}`))
		case "unpaid":
			_, _ = w.Write([]byte(`{"status":-1,"msg":"No payments found"}`))
		default:
			_, _ = w.Write([]byte(`{"status":-2,"msg":"Unexpected error"}`))
		}
	})
	p := newPayHere(srv.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := p.Status(ctx, "paid")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusSuccess, st.Status)
	assert.Equal(t, "320025071279", st.PaymentID)
	assert.Equal(t, int64(250000), st.Amount)

	st, err = p.Status(ctx, "unpaid")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentStatusPending, st.Status)

	_, err = p.Status(ctx, "broken")
	assert.Error(t, err)

	assert.NoError(t, p.Refund(ctx, RefundRequest{OrderID: "paid", PaymentID: "320025071279", Reason: "expired"}))
	assert.Error(t, p.Refund(ctx, RefundRequest{OrderID: "paid"}))
}

func TestMapPayHereStatus(t *testing.T) {
	assert.Equal(t, domain.PaymentStatusSuccess, mapPayHereStatus("RECEIVED"))
	assert.Equal(t, domain.PaymentStatusRefunded, mapPayHereStatus("CHARGEBACKED"))
	assert.Equal(t, domain.PaymentStatusCancelled, mapPayHereStatus("CANCELED"))
	assert.Equal(t, domain.PaymentStatusFailed, mapPayHereStatus("FAILED"))
	assert.Equal(t, domain.PaymentStatusPending, mapPayHereStatus("HOLD"))
}

func TestMidtrans_Signatures(t *testing.T) {
	m := NewMidtrans(MidtransConfig{ServerKey: "server-key"}, URLs{})

	sig := sha512Hex("order-1" + "200" + "2500.00" + "server-key")
	assert.Equal(t, sig, m.Hash("order-1", 250000, "IDR"))

	body, _ := json.Marshal(map[string]string{
		"order_id":      "order-1",
		"status_code":   "200",
		"gross_amount":  "2500.00",
		"signature_key": sig,
	})
	orderID, err := m.VerifyNotification(Notification{Body: body})
	require.NoError(t, err)
	assert.Equal(t, "order-1", orderID)

	tampered, _ := json.Marshal(map[string]string{
		"order_id":      "order-1",
		"status_code":   "200",
		"gross_amount":  "1.00",
		"signature_key": sig,
	})
	_, err = m.VerifyNotification(Notification{Body: tampered})
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)

	_, err = m.VerifyNotification(Notification{Body: []byte("not json")})
	assert.ErrorIs(t, err, domain.ErrInvalidSignature)
}

func TestMidtrans_CheckoutRejectsFractionalAmounts(t *testing.T) {
	m := NewMidtrans(MidtransConfig{ServerKey: "server-key"}, URLs{})

	for _, amount := range []int64{255050, 2550, 99, 0} {
		_, err := m.Checkout(context.Background(), CheckoutRequest{OrderID: "order-1", ReservationID: "res-1", Amount: amount, Currency: "IDR"})
		assert.Error(t, err, amount)
	}

	unconfigured := NewMidtrans(MidtransConfig{}, URLs{})
	_, err := unconfigured.Checkout(context.Background(), CheckoutRequest{OrderID: "order-1", Amount: 250000, Currency: "IDR"})
	assert.Error(t, err)
}

func TestMapMidtransStatus(t *testing.T) {
	tests := []struct {
		status, fraud string
		want          domain.PaymentStatus
	}{
		{"settlement", "", domain.PaymentStatusSuccess},
		{"capture", "accept", domain.PaymentStatusSuccess},
		{"capture", "challenge", domain.PaymentStatusPending},
		{"pending", "", domain.PaymentStatusPending},
		{"deny", "", domain.PaymentStatusFailed},
		{"cancel", "", domain.PaymentStatusCancelled},
		{"expire", "", domain.PaymentStatusExpired},
		{"refund", "", domain.PaymentStatusRefunded},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, mapMidtransStatus(tt.status, tt.fraud), tt.status+"/"+tt.fraud)
	}
}
