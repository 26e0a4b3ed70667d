// Package providers turns raw payment webhooks into payments.Notification values.
package providers

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/storyledger/pkg/payments"
)

// ErrIgnoredEvent marks a well-formed webhook that carries nothing for the payment gate.
var ErrIgnoredEvent = errors.New("webhook event ignored")

// Adapter parses one provider's webhook format and checks its signature.
// A signature that does not verify is reported through Notification.SignatureVerified,
// never as an error, so the delivery is still recorded.
type Adapter interface {
	Provider() payments.Provider
	Parse(header http.Header, body []byte) (payments.Notification, error)
}

// Secrets holds the per-provider shared secrets. A provider with an empty secret is not registered.
type Secrets struct {
	NOWPaymentsIPNSecret      string
	CryptomusPaymentKey       string
	PaddleWebhookSecret       string
	LemonSqueezySigningSecret string
	// PaddleTolerance bounds the age of a Paddle-Signature timestamp. Zero means DefaultPaddleTolerance.
	PaddleTolerance time.Duration
}

// Registry resolves adapters by provider name.
type Registry struct {
	adapters map[payments.Provider]Adapter
}

// NewRegistry registers an adapter for every provider with a configured secret.
func NewRegistry(secrets Secrets, now func() time.Time) *Registry {
	registry := &Registry{adapters: make(map[payments.Provider]Adapter)}
	if secret := strings.TrimSpace(secrets.NOWPaymentsIPNSecret); secret != "" {
		registry.Register(NewNOWPaymentsAdapter(secret))
	}
	if secret := strings.TrimSpace(secrets.CryptomusPaymentKey); secret != "" {
		registry.Register(NewCryptomusAdapter(secret))
	}
	if secret := strings.TrimSpace(secrets.PaddleWebhookSecret); secret != "" {
		registry.Register(NewPaddleAdapter(secret, secrets.PaddleTolerance, now))
	}
	if secret := strings.TrimSpace(secrets.LemonSqueezySigningSecret); secret != "" {
		registry.Register(NewLemonSqueezyAdapter(secret))
	}
	return registry
}

// Register adds or replaces the adapter for its provider.
func (registry *Registry) Register(adapter Adapter) {
	registry.adapters[adapter.Provider()] = adapter
}

// Lookup returns the adapter for a provider path segment.
func (registry *Registry) Lookup(rawProvider string) (Adapter, error) {
	provider, err := payments.ParseProvider(rawProvider)
	if err != nil {
		return nil, err
	}
	adapter, ok := registry.adapters[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", payments.ErrUnsupportedProvider, provider)
	}
	return adapter, nil
}

// Providers lists the registered provider names.
func (registry *Registry) Providers() []payments.Provider {
	providers := make([]payments.Provider, 0, len(registry.adapters))
	for provider := range registry.adapters {
		providers = append(providers, provider)
	}
	return providers
}

func hmacHex(newHash func() hash.Hash, secret string, parts ...[]byte) string {
	mac := hmac.New(newHash, []byte(secret))
	for _, part := range parts {
		mac.Write(part)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

func equalHex(expected string, received string) bool {
	decoded, err := hex.DecodeString(strings.ToLower(strings.TrimSpace(received)))
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(expected)
	if err != nil {
		return false
	}
	return hmac.Equal(want, decoded)
}

func malformed(provider payments.Provider, err error) error {
	return fmt.Errorf("%w: %s payload: %v", payments.ErrInvalidNotification, provider, err)
}

func unknownStatus(provider payments.Provider, raw string) error {
	return fmt.Errorf("%w: %s status %q", payments.ErrUnknownStatus, provider, raw)
}

func customString(values map[string]any, key string) string {
	switch value := values[key].(type) {
	case string:
		return strings.TrimSpace(value)
	case float64:
		return strconv.FormatFloat(value, 'f', -1, 64)
	default:
		return ""
	}
}
