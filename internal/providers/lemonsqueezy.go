package providers

import (
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

// LemonSqueezySignatureHeader carries the hex HMAC-SHA256 of the raw body.
const LemonSqueezySignatureHeader = "X-Signature"

var lemonSqueezyOrderStatuses = map[string]payments.PaymentStatus{
	"pending":  payments.StatusWaiting,
	"paid":     payments.StatusFinished,
	"failed":   payments.StatusFailed,
	"refunded": payments.StatusRefunded,
}

type lemonSqueezyWebhook struct {
	Meta struct {
		EventName  string         `json:"event_name"`
		CustomData map[string]any `json:"custom_data"`
	} `json:"meta"`
	Data struct {
		Type       string `json:"type"`
		ID         string `json:"id"`
		Attributes struct {
			Status         string `json:"status"`
			Identifier     string `json:"identifier"`
			Total          int64  `json:"total"`
			Currency       string `json:"currency"`
			FirstOrderItem *struct {
				VariantID int64 `json:"variant_id"`
			} `json:"first_order_item"`
		} `json:"attributes"`
	} `json:"data"`
}

// LemonSqueezyAdapter handles Lemon Squeezy order and subscription invoice webhooks.
type LemonSqueezyAdapter struct {
	signingSecret string
}

func NewLemonSqueezyAdapter(signingSecret string) *LemonSqueezyAdapter {
	return &LemonSqueezyAdapter{signingSecret: signingSecret}
}

func (adapter *LemonSqueezyAdapter) Provider() payments.Provider {
	return payments.ProviderLemonSqueezy
}

func (adapter *LemonSqueezyAdapter) Parse(header http.Header, body []byte) (payments.Notification, error) {
	var webhook lemonSqueezyWebhook
	if err := json.Unmarshal(body, &webhook); err != nil {
		return payments.Notification{}, malformed(adapter.Provider(), err)
	}
	eventName := strings.TrimSpace(webhook.Meta.EventName)
	attributes := webhook.Data.Attributes
	var status payments.PaymentStatus
	switch eventName {
	case "order_created", "subscription_payment_success":
		mapped, ok := lemonSqueezyOrderStatuses[strings.ToLower(attributes.Status)]
		if !ok {
			return payments.Notification{}, unknownStatus(adapter.Provider(), attributes.Status)
		}
		status = mapped
	case "order_refunded", "subscription_payment_refunded":
		status = payments.StatusRefunded
	case "subscription_payment_failed":
		status = payments.StatusFailed
	default:
		return payments.Notification{}, ErrIgnoredEvent
	}
	signature := header.Get(LemonSqueezySignatureHeader)
	notification := payments.Notification{
		Provider:          adapter.Provider(),
		PaymentID:         strings.TrimSpace(webhook.Data.ID),
		OrderID:           customString(webhook.Meta.CustomData, "order_id"),
		Status:            status,
		RawStatus:         eventName + ":" + attributes.Status,
		ProductID:         customString(webhook.Meta.CustomData, "product_id"),
		Amount:            decimal.New(attributes.Total, -2),
		Currency:          strings.ToUpper(attributes.Currency),
		Signature:         signature,
		SignatureVerified: adapter.verify(body, signature),
		Payload:           body,
	}
	if notification.OrderID == "" {
		notification.OrderID = attributes.Identifier
	}
	if notification.ProductID == "" && attributes.FirstOrderItem != nil && attributes.FirstOrderItem.VariantID != 0 {
		notification.ProductID = strconv.FormatInt(attributes.FirstOrderItem.VariantID, 10)
	}
	return notification, nil
}

func (adapter *LemonSqueezyAdapter) verify(body []byte, signature string) bool {
	if strings.TrimSpace(signature) == "" {
		return false
	}
	return equalHex(hmacHex(sha256.New, adapter.signingSecret, body), signature)
}
