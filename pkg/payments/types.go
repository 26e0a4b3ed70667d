package payments

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Provider identifies the payment processor that delivered a notification.
type Provider string

const (
	ProviderNOWPayments  Provider = "nowpayments"
	ProviderCryptomus    Provider = "cryptomus"
	ProviderPaddle       Provider = "paddle"
	ProviderLemonSqueezy Provider = "lemonsqueezy"
)

// ParseProvider validates a provider name (case-insensitive).
func ParseProvider(raw string) (Provider, error) {
	switch provider := Provider(strings.ToLower(strings.TrimSpace(raw))); provider {
	case ProviderNOWPayments, ProviderCryptomus, ProviderPaddle, ProviderLemonSqueezy:
		return provider, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProvider, raw)
	}
}

func (provider Provider) String() string {
	return string(provider)
}

// IsCrypto reports whether the provider settles in cryptocurrency.
func (provider Provider) IsCrypto() bool {
	return provider == ProviderNOWPayments || provider == ProviderCryptomus
}

// ProductKind distinguishes recurring plans from one-off credit packs.
type ProductKind string

const (
	ProductKindSubscription ProductKind = "subscription"
	ProductKindPack         ProductKind = "pack"
)

// Product is one purchasable plan or pack with its fixed credit amount.
type Product struct {
	ID      string
	Kind    ProductKind
	Credits int64
	Name    string
}

// ProductCatalog resolves product ids to their credit amounts.
type ProductCatalog interface {
	Product(productID string) (Product, bool)
}

// PaymentIntent registers a checkout before the provider reports on it.
type PaymentIntent struct {
	PaymentID     string
	Provider      Provider
	UserID        string
	OrderID       string
	ProductID     string
	PriceAmount   decimal.Decimal
	PriceCurrency string
}

// PaymentRecord is the local view of one external payment.
type PaymentRecord struct {
	PaymentID      string
	Provider       Provider
	UserID         string
	OrderID        string
	ProductID      string
	PriceAmount    decimal.Decimal
	PriceCurrency  string
	Status         PaymentStatus
	Processed      bool
	ReviewRequired bool
	// CreditsExpiresAtUnixUTC is set when the payment granted expiring subscription credits.
	CreditsExpiresAtUnixUTC int64
	CreatedUnixUTC          int64
	UpdatedUnixUTC          int64
}

// Notification is the provider-agnostic form of one inbound webhook.
// Adapters fill it after checking the provider signature.
type Notification struct {
	Provider          Provider
	PaymentID         string
	OrderID           string
	Status            PaymentStatus
	RawStatus         string
	ProductID         string
	Amount            decimal.Decimal
	Currency          string
	Signature         string
	SignatureVerified bool
	Payload           []byte
}

// WebhookEvent is the durable audit row of one delivered notification.
type WebhookEvent struct {
	EventID            string
	Provider           Provider
	PaymentID          string
	OrderID            string
	Status             PaymentStatus
	RawStatus          string
	Signature          string
	SignatureVerified  bool
	Payload            string
	Processed          bool
	ProcessedAtUnixUTC int64
	ProcessingError    string
	// ReviewRequired marks an event whose failure retrying cannot fix. Only an operator replay retries it.
	ReviewRequired     bool
	CreatedUnixUTC     int64
}

// Receipt acknowledges a notification. Duplicate marks a delivery that matched a recent event.
type Receipt struct {
	EventID           string
	Duplicate         bool
	SignatureVerified bool
}

// Outcome names the branch Process took for an event.
type Outcome string

const (
	OutcomeGranted            Outcome = "granted"
	OutcomeAlreadyProcessed   Outcome = "already_processed"
	OutcomeClosedWithoutGrant Outcome = "closed_without_grant"
	OutcomeStatusRecorded     Outcome = "status_recorded"
	OutcomeReviewRequired     Outcome = "review_required"
	OutcomeStale              Outcome = "stale"
	OutcomeSignatureInvalid   Outcome = "signature_invalid"
)

// ProcessResult reports what happened to a payment while applying one event.
type ProcessResult struct {
	EventID   string
	PaymentID string
	Outcome   Outcome
	GrantID   string
	Credits   int64
}

// ReprocessReport summarizes one pass over pending events.
type ReprocessReport struct {
	Attempted int
	Succeeded int
	Failed    int
}
