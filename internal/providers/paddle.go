package providers

import (
	"crypto/sha256"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

const (
	// PaddleSignatureHeader carries "ts=<unix>;h1=<hex hmac-sha256 of ts:body>".
	PaddleSignatureHeader  = "Paddle-Signature"
	DefaultPaddleTolerance = 5 * time.Minute
	paddleMinorUnitsExp    = -2
)

var paddleTransactionStatuses = map[string]payments.PaymentStatus{
	"transaction.created":        payments.StatusWaiting,
	"transaction.ready":          payments.StatusWaiting,
	"transaction.past_due":       payments.StatusWaiting,
	"transaction.paid":           payments.StatusConfirmed,
	"transaction.completed":      payments.StatusFinished,
	"transaction.payment_failed": payments.StatusFailed,
	"transaction.canceled":       payments.StatusExpired,
}

type paddleEnvelope struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Data      json.RawMessage `json:"data"`
}

type paddleTransaction struct {
	ID           string         `json:"id"`
	CurrencyCode string         `json:"currency_code"`
	CustomData   map[string]any `json:"custom_data"`
	Details      struct {
		Totals struct {
			GrandTotal string `json:"grand_total"`
		} `json:"totals"`
	} `json:"details"`
	Items []struct {
		Price struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"items"`
}

type paddleAdjustment struct {
	ID            string `json:"id"`
	TransactionID string `json:"transaction_id"`
	Action        string `json:"action"`
	Status        string `json:"status"`
	CurrencyCode  string `json:"currency_code"`
	Totals        struct {
		Total string `json:"total"`
	} `json:"totals"`
}

// PaddleAdapter handles Paddle Billing notifications.
type PaddleAdapter struct {
	secret    string
	tolerance time.Duration
	nowFn     func() time.Time
}

func NewPaddleAdapter(secret string, tolerance time.Duration, now func() time.Time) *PaddleAdapter {
	if tolerance <= 0 {
		tolerance = DefaultPaddleTolerance
	}
	if now == nil {
		now = time.Now
	}
	return &PaddleAdapter{secret: secret, tolerance: tolerance, nowFn: now}
}

func (adapter *PaddleAdapter) Provider() payments.Provider {
	return payments.ProviderPaddle
}

func (adapter *PaddleAdapter) Parse(header http.Header, body []byte) (payments.Notification, error) {
	var envelope paddleEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return payments.Notification{}, malformed(adapter.Provider(), err)
	}
	eventType := strings.TrimSpace(envelope.EventType)
	signature := header.Get(PaddleSignatureHeader)
	notification := payments.Notification{
		Provider:          adapter.Provider(),
		RawStatus:         eventType,
		Signature:         signature,
		SignatureVerified: adapter.verify(body, signature),
		Payload:           body,
	}
	switch {
	case strings.HasPrefix(eventType, "transaction."):
		status, ok := paddleTransactionStatuses[eventType]
		if !ok {
			return payments.Notification{}, ErrIgnoredEvent
		}
		var transaction paddleTransaction
		if err := json.Unmarshal(envelope.Data, &transaction); err != nil {
			return payments.Notification{}, malformed(adapter.Provider(), err)
		}
		notification.PaymentID = strings.TrimSpace(transaction.ID)
		notification.OrderID = customString(transaction.CustomData, "order_id")
		notification.Status = status
		notification.Currency = strings.ToUpper(transaction.CurrencyCode)
		notification.Amount = minorUnits(transaction.Details.Totals.GrandTotal)
		notification.ProductID = customString(transaction.CustomData, "product_id")
		if notification.ProductID == "" && len(transaction.Items) > 0 {
			notification.ProductID = transaction.Items[0].Price.ID
		}
	case strings.HasPrefix(eventType, "adjustment."):
		var adjustment paddleAdjustment
		if err := json.Unmarshal(envelope.Data, &adjustment); err != nil {
			return payments.Notification{}, malformed(adapter.Provider(), err)
		}
		if adjustment.Action != "refund" || adjustment.Status != "approved" {
			return payments.Notification{}, ErrIgnoredEvent
		}
		notification.PaymentID = strings.TrimSpace(adjustment.TransactionID)
		notification.Status = payments.StatusRefunded
		notification.RawStatus = eventType + ":" + adjustment.Action
		notification.Currency = strings.ToUpper(adjustment.CurrencyCode)
		notification.Amount = minorUnits(adjustment.Totals.Total)
	default:
		return payments.Notification{}, ErrIgnoredEvent
	}
	return notification, nil
}

func (adapter *PaddleAdapter) verify(body []byte, header string) bool {
	var timestamp, digest string
	for _, part := range strings.Split(header, ";") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "ts":
			timestamp = value
		case "h1":
			digest = value
		}
	}
	if timestamp == "" || digest == "" {
		return false
	}
	signedAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	age := adapter.nowFn().Sub(time.Unix(signedAt, 0))
	if age > adapter.tolerance || age < -adapter.tolerance {
		return false
	}
	return equalHex(hmacHex(sha256.New, adapter.secret, []byte(timestamp), []byte(":"), body), digest)
}

func minorUnits(raw string) decimal.Decimal {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return amount.Shift(paddleMinorUnitsExp)
}
