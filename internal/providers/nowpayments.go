package providers

import (
	"bytes"
	"crypto/sha512"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

// NOWPaymentsSignatureHeader carries the hex HMAC-SHA512 of the key-sorted IPN body.
const NOWPaymentsSignatureHeader = "x-nowpayments-sig"

type nowPaymentsIPN struct {
	PaymentID        json.Number `json:"payment_id"`
	PaymentStatus    string      `json:"payment_status"`
	OrderID          string      `json:"order_id"`
	OrderDescription string      `json:"order_description"`
	PriceAmount      json.Number `json:"price_amount"`
	PriceCurrency    string      `json:"price_currency"`
}

// NOWPaymentsAdapter handles NOWPayments IPN callbacks.
type NOWPaymentsAdapter struct {
	ipnSecret string
}

func NewNOWPaymentsAdapter(ipnSecret string) *NOWPaymentsAdapter {
	return &NOWPaymentsAdapter{ipnSecret: ipnSecret}
}

func (adapter *NOWPaymentsAdapter) Provider() payments.Provider {
	return payments.ProviderNOWPayments
}

func (adapter *NOWPaymentsAdapter) Parse(header http.Header, body []byte) (payments.Notification, error) {
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	var ipn nowPaymentsIPN
	if err := decoder.Decode(&ipn); err != nil {
		return payments.Notification{}, malformed(adapter.Provider(), err)
	}
	rawStatus := strings.TrimSpace(ipn.PaymentStatus)
	status, err := payments.ParsePaymentStatus(rawStatus)
	if err != nil {
		return payments.Notification{}, unknownStatus(adapter.Provider(), rawStatus)
	}
	signature := header.Get(NOWPaymentsSignatureHeader)
	notification := payments.Notification{
		Provider:          adapter.Provider(),
		PaymentID:         ipn.PaymentID.String(),
		OrderID:           strings.TrimSpace(ipn.OrderID),
		Status:            status,
		RawStatus:         rawStatus,
		ProductID:         strings.TrimSpace(ipn.OrderDescription),
		Currency:          strings.ToUpper(strings.TrimSpace(ipn.PriceCurrency)),
		Signature:         signature,
		SignatureVerified: adapter.verify(body, signature),
		Payload:           body,
	}
	if amount, err := decimal.NewFromString(ipn.PriceAmount.String()); err == nil {
		notification.Amount = amount
	}
	return notification, nil
}

func (adapter *NOWPaymentsAdapter) verify(body []byte, signature string) bool {
	if strings.TrimSpace(signature) == "" {
		return false
	}
	canonical, err := sortedJSON(body)
	if err != nil {
		return false
	}
	return equalHex(hmacHex(sha512.New, adapter.ipnSecret, canonical), signature)
}
