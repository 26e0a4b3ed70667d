package providers

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

const (
	testSecret      = "whsec_test"
	paddleNowUnix   = int64(1_760_000_000)
	cryptomusSecret = "cryptomus-payment-key"
)

func signHMAC(newHash func() hash.Hash, secret string, payload string) string {
	mac := hmac.New(newHash, []byte(secret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestNOWPaymentsParsesAndVerifiesSortedPayload(test *testing.T) {
	test.Parallel()
	body := `{"payment_status":"finished","payment_id":5077125051,"price_amount":9.99,"price_currency":"usd","order_id":"order-7","order_description":"creator_monthly"}`
	sorted := `{"order_description":"creator_monthly","order_id":"order-7","payment_id":5077125051,"payment_status":"finished","price_amount":9.99,"price_currency":"usd"}`
	header := http.Header{}
	header.Set(NOWPaymentsSignatureHeader, signHMAC(sha512.New, testSecret, sorted))

	notification, err := NewNOWPaymentsAdapter(testSecret).Parse(header, []byte(body))
	require.NoError(test, err)
	require.True(test, notification.SignatureVerified)
	require.Equal(test, payments.ProviderNOWPayments, notification.Provider)
	require.Equal(test, "5077125051", notification.PaymentID)
	require.Equal(test, "order-7", notification.OrderID)
	require.Equal(test, payments.StatusFinished, notification.Status)
	require.Equal(test, "creator_monthly", notification.ProductID)
	require.Equal(test, "USD", notification.Currency)
	require.True(test, decimal.RequireFromString("9.99").Equal(notification.Amount))
}

func TestNOWPaymentsRejectsTamperedPayload(test *testing.T) {
	test.Parallel()
	signed := `{"order_id":"order-7","payment_id":1,"payment_status":"waiting"}`
	header := http.Header{}
	header.Set(NOWPaymentsSignatureHeader, signHMAC(sha512.New, testSecret, signed))

	notification, err := NewNOWPaymentsAdapter(testSecret).Parse(header, []byte(`{"order_id":"order-7","payment_id":1,"payment_status":"finished"}`))
	require.NoError(test, err)
	require.False(test, notification.SignatureVerified)

	_, err = NewNOWPaymentsAdapter(testSecret).Parse(header, []byte(`{"payment_id":1,"payment_status":"settled"}`))
	require.ErrorIs(test, err, payments.ErrUnknownStatus)

	_, err = NewNOWPaymentsAdapter(testSecret).Parse(header, []byte(`not json`))
	require.ErrorIs(test, err, payments.ErrInvalidNotification)
}

func cryptomusBody(test *testing.T, unsigned string, key string) string {
	test.Helper()
	escaped := strings.ReplaceAll(unsigned, "/", `\/`)
	digest := md5.Sum([]byte(base64.StdEncoding.EncodeToString([]byte(escaped)) + key))
	return strings.TrimSuffix(unsigned, "}") + fmt.Sprintf(`,"sign":"%s"}`, hex.EncodeToString(digest[:]))
}

func TestCryptomusVerifiesBodySign(test *testing.T) {
	test.Parallel()
	unsigned := `{"type":"payment","uuid":"62f88b36-a9d5-4fa6-aa26-e040c3dbf26d","order_id":"order-9","amount":"15.00","currency":"USDT","status":"paid_over","additional_data":"pack_small","url":"https://pay.cryptomus.com/pay/62f88b36"}`
	body := cryptomusBody(test, unsigned, cryptomusSecret)

	notification, err := NewCryptomusAdapter(cryptomusSecret).Parse(http.Header{}, []byte(body))
	require.NoError(test, err)
	require.True(test, notification.SignatureVerified)
	require.Equal(test, "62f88b36-a9d5-4fa6-aa26-e040c3dbf26d", notification.PaymentID)
	require.Equal(test, payments.StatusPaidOver, notification.Status)
	require.Equal(test, "pack_small", notification.ProductID)

	forged := cryptomusBody(test, unsigned, "wrong-key")
	notification, err = NewCryptomusAdapter(cryptomusSecret).Parse(http.Header{}, []byte(forged))
	require.NoError(test, err)
	require.False(test, notification.SignatureVerified)
}

func TestCryptomusStatusVocabulary(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name    string
		raw     string
		status  payments.PaymentStatus
		wantErr error
	}{
		{name: "paid", raw: "paid", status: payments.StatusFinished},
		{name: "underpaid", raw: "wrong_amount_waiting", status: payments.StatusPartiallyPaid},
		{name: "cancel", raw: "cancel", status: payments.StatusExpired},
		{name: "refund", raw: "refund_paid", status: payments.StatusRefunded},
		{name: "refund in flight", raw: "refund_process", wantErr: ErrIgnoredEvent},
		{name: "unknown", raw: "teleported", wantErr: payments.ErrUnknownStatus},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			body := cryptomusBody(test, fmt.Sprintf(`{"uuid":"u-1","status":"%s"}`, testCase.raw), cryptomusSecret)
			notification, err := NewCryptomusAdapter(cryptomusSecret).Parse(http.Header{}, []byte(body))
			if testCase.wantErr != nil {
				require.ErrorIs(test, err, testCase.wantErr)
				return
			}
			require.NoError(test, err)
			require.Equal(test, testCase.status, notification.Status)
		})
	}
}

func paddleHeader(secret string, signedAt int64, body string) http.Header {
	timestamp := fmt.Sprint(signedAt)
	header := http.Header{}
	header.Set(PaddleSignatureHeader, fmt.Sprintf("ts=%s;h1=%s", timestamp, signHMAC(sha256.New, secret, timestamp+":"+body)))
	return header
}

func fixedNow() time.Time {
	return time.Unix(paddleNowUnix, 0)
}

func TestPaddleTransactionCompleted(test *testing.T) {
	test.Parallel()
	body := `{"event_id":"evt_01","event_type":"transaction.completed","data":{"id":"txn_01","currency_code":"usd","custom_data":{"order_id":"order-3","product_id":"creator_monthly"},"details":{"totals":{"grand_total":"999"}},"items":[{"price":{"id":"pri_01"}}]}}`
	adapter := NewPaddleAdapter(testSecret, 0, fixedNow)

	notification, err := adapter.Parse(paddleHeader(testSecret, paddleNowUnix-10, body), []byte(body))
	require.NoError(test, err)
	require.True(test, notification.SignatureVerified)
	require.Equal(test, "txn_01", notification.PaymentID)
	require.Equal(test, "order-3", notification.OrderID)
	require.Equal(test, payments.StatusFinished, notification.Status)
	require.Equal(test, "creator_monthly", notification.ProductID)
	require.True(test, decimal.RequireFromString("9.99").Equal(notification.Amount))
}

func TestPaddleSignatureRejectsStaleTimestamp(test *testing.T) {
	test.Parallel()
	body := `{"event_type":"transaction.paid","data":{"id":"txn_02","items":[{"price":{"id":"pri_02"}}]}}`
	adapter := NewPaddleAdapter(testSecret, time.Minute, fixedNow)

	notification, err := adapter.Parse(paddleHeader(testSecret, paddleNowUnix-3600, body), []byte(body))
	require.NoError(test, err)
	require.False(test, notification.SignatureVerified)
	require.Equal(test, "pri_02", notification.ProductID)
	require.Equal(test, payments.StatusConfirmed, notification.Status)

	notification, err = adapter.Parse(http.Header{}, []byte(body))
	require.NoError(test, err)
	require.False(test, notification.SignatureVerified)
}

func TestPaddleRefundAdjustment(test *testing.T) {
	test.Parallel()
	adapter := NewPaddleAdapter(testSecret, 0, fixedNow)
	approved := `{"event_type":"adjustment.updated","data":{"id":"adj_01","transaction_id":"txn_01","action":"refund","status":"approved","currency_code":"USD","totals":{"total":"999"}}}`
	notification, err := adapter.Parse(paddleHeader(testSecret, paddleNowUnix, approved), []byte(approved))
	require.NoError(test, err)
	require.Equal(test, "txn_01", notification.PaymentID)
	require.Equal(test, payments.StatusRefunded, notification.Status)

	pending := `{"event_type":"adjustment.created","data":{"transaction_id":"txn_01","action":"refund","status":"pending_approval"}}`
	_, err = adapter.Parse(http.Header{}, []byte(pending))
	require.ErrorIs(test, err, ErrIgnoredEvent)

	_, err = adapter.Parse(http.Header{}, []byte(`{"event_type":"customer.updated","data":{}}`))
	require.ErrorIs(test, err, ErrIgnoredEvent)
}

func TestLemonSqueezyEvents(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		body      string
		paymentID string
		status    payments.PaymentStatus
		productID string
		wantErr   error
	}{
		{
			name:      "order paid",
			body:      `{"meta":{"event_name":"order_created","custom_data":{"order_id":"order-5"}},"data":{"type":"orders","id":"1001","attributes":{"status":"paid","total":499,"currency":"usd","first_order_item":{"variant_id":42}}}}`,
			paymentID: "1001",
			status:    payments.StatusFinished,
			productID: "42",
		},
		{
			name:      "subscription renewal",
			body:      `{"meta":{"event_name":"subscription_payment_success","custom_data":{"product_id":"creator_monthly"}},"data":{"type":"subscription-invoices","id":"inv-9","attributes":{"status":"paid","total":999,"currency":"USD"}}}`,
			paymentID: "inv-9",
			status:    payments.StatusFinished,
			productID: "creator_monthly",
		},
		{
			name:      "refund",
			body:      `{"meta":{"event_name":"order_refunded"},"data":{"type":"orders","id":"1001","attributes":{"status":"refunded"}}}`,
			paymentID: "1001",
			status:    payments.StatusRefunded,
		},
		{
			name:    "ignored",
			body:    `{"meta":{"event_name":"license_key_created"},"data":{"id":"7"}}`,
			wantErr: ErrIgnoredEvent,
		},
	}
	adapter := NewLemonSqueezyAdapter(testSecret)
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			header := http.Header{}
			header.Set(LemonSqueezySignatureHeader, signHMAC(sha256.New, testSecret, testCase.body))
			notification, err := adapter.Parse(header, []byte(testCase.body))
			if testCase.wantErr != nil {
				require.ErrorIs(test, err, testCase.wantErr)
				return
			}
			require.NoError(test, err)
			require.True(test, notification.SignatureVerified)
			require.Equal(test, testCase.paymentID, notification.PaymentID)
			require.Equal(test, testCase.status, notification.Status)
			require.Equal(test, testCase.productID, notification.ProductID)
		})
	}
}

func TestRegistryRegistersConfiguredProviders(test *testing.T) {
	test.Parallel()
	registry := NewRegistry(Secrets{NOWPaymentsIPNSecret: "a", PaddleWebhookSecret: "b"}, fixedNow)
	require.Len(test, registry.Providers(), 2)

	adapter, err := registry.Lookup("NOWPayments")
	require.NoError(test, err)
	require.Equal(test, payments.ProviderNOWPayments, adapter.Provider())

	_, err = registry.Lookup("cryptomus")
	require.True(test, errors.Is(err, payments.ErrUnsupportedProvider))

	_, err = registry.Lookup("stripe")
	require.ErrorIs(test, err, payments.ErrUnsupportedProvider)
}
