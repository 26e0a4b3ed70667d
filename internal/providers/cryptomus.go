package providers

import (
	"bytes"
	"crypto/md5"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

const cryptomusSignField = "sign"

var cryptomusStatuses = map[string]payments.PaymentStatus{
	"check":                payments.StatusWaiting,
	"process":              payments.StatusSending,
	"confirm_check":        payments.StatusConfirming,
	"paid":                 payments.StatusFinished,
	"paid_over":            payments.StatusPaidOver,
	"wrong_amount":         payments.StatusWrongAmount,
	"wrong_amount_waiting": payments.StatusPartiallyPaid,
	"fail":                 payments.StatusFailed,
	"system_fail":          payments.StatusFailed,
	"cancel":               payments.StatusExpired,
	"refund_paid":          payments.StatusRefunded,
}

var cryptomusIgnored = map[string]bool{
	"refund_process": true,
	"refund_fail":    true,
	"locked":         true,
}

type cryptomusWebhook struct {
	Type           string      `json:"type"`
	UUID           string      `json:"uuid"`
	OrderID        string      `json:"order_id"`
	Amount         json.Number `json:"amount"`
	Currency       string      `json:"currency"`
	Status         string      `json:"status"`
	AdditionalData string      `json:"additional_data"`
	Sign           string      `json:"sign"`
}

// CryptomusAdapter handles Cryptomus payment webhooks. The signature is the body's sign field:
// md5(base64(body without sign) + payment key).
type CryptomusAdapter struct {
	paymentKey string
}

func NewCryptomusAdapter(paymentKey string) *CryptomusAdapter {
	return &CryptomusAdapter{paymentKey: paymentKey}
}

func (adapter *CryptomusAdapter) Provider() payments.Provider {
	return payments.ProviderCryptomus
}

func (adapter *CryptomusAdapter) Parse(_ http.Header, body []byte) (payments.Notification, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var webhook cryptomusWebhook
	if err := decoder.Decode(&webhook); err != nil {
		return payments.Notification{}, malformed(adapter.Provider(), err)
	}
	rawStatus := strings.ToLower(strings.TrimSpace(webhook.Status))
	if cryptomusIgnored[rawStatus] {
		return payments.Notification{}, ErrIgnoredEvent
	}
	status, ok := cryptomusStatuses[rawStatus]
	if !ok {
		return payments.Notification{}, unknownStatus(adapter.Provider(), rawStatus)
	}
	notification := payments.Notification{
		Provider:          adapter.Provider(),
		PaymentID:         strings.TrimSpace(webhook.UUID),
		OrderID:           strings.TrimSpace(webhook.OrderID),
		Status:            status,
		RawStatus:         rawStatus,
		ProductID:         strings.TrimSpace(webhook.AdditionalData),
		Currency:          strings.ToUpper(strings.TrimSpace(webhook.Currency)),
		Signature:         webhook.Sign,
		SignatureVerified: adapter.verify(body, webhook.Sign),
		Payload:           body,
	}
	if amount, err := decimal.NewFromString(webhook.Amount.String()); err == nil {
		notification.Amount = amount
	}
	return notification, nil
}

func (adapter *CryptomusAdapter) verify(body []byte, sign string) bool {
	if strings.TrimSpace(sign) == "" {
		return false
	}
	unsigned, err := orderedJSONWithout(body, cryptomusSignField)
	if err != nil {
		return false
	}
	digest := md5.Sum([]byte(base64.StdEncoding.EncodeToString(unsigned) + adapter.paymentKey))
	expected := hex.EncodeToString(digest[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(sign)))) == 1
}
