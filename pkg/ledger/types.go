package ledger

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a non-negative credit quantity.
type Credits int64

// PositiveCredits is a strictly positive credit quantity.
type PositiveCredits int64

// SignedCredits is a signed credit delta (positive credits, negative debits).
type SignedCredits int64

// UserID identifies a credit owner.
type UserID struct {
	value string
}

// GrantID identifies a stored credit grant.
type GrantID struct {
	value string
}

// SourceID is the idempotency key of a grant (payment id, refund reference, admin key).
type SourceID struct {
	value string
}

// MetadataJSON stores a JSON object with audit context.
type MetadataJSON struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// NewGrantID validates and normalizes a grant id.
func NewGrantID(raw string) (GrantID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return GrantID{}, fmt.Errorf("%w: empty value", ErrInvalidGrantID)
	}
	return GrantID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id GrantID) String() string {
	return id.value
}

// IsZero reports whether the id is unset.
func (id GrantID) IsZero() bool {
	return id.value == ""
}

// NewSourceID validates and normalizes a grant source id.
func NewSourceID(raw string) (SourceID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SourceID{}, fmt.Errorf("%w: empty value", ErrInvalidSourceID)
	}
	return SourceID{value: trimmed}, nil
}

// String returns the normalized key.
func (id SourceID) String() string {
	return id.value
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = defaultMetadataJSON
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	if !strings.HasPrefix(normalized, "{") {
		return MetadataJSON{}, fmt.Errorf("%w: must be a json object", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return defaultMetadataJSON
	}
	return metadata.value
}

// MergeMetadata returns metadata with the given keys set, overriding existing ones.
func MergeMetadata(metadata MetadataJSON, values map[string]any) (MetadataJSON, error) {
	merged := map[string]any{}
	if err := json.Unmarshal([]byte(metadata.String()), &merged); err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	for key, value := range values {
		merged[key] = value
	}
	encoded, err := json.Marshal(merged)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return MetadataJSON{value: string(encoded)}, nil
}

// NewCredits validates a non-negative credit amount.
func NewCredits(raw int64) (Credits, error) {
	if raw < 0 {
		return 0, fmt.Errorf("%w: must be zero or greater", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw value.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (PositiveCredits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return PositiveCredits(raw), nil
}

// Int64 returns the raw value.
func (credits PositiveCredits) Int64() int64 {
	return int64(credits)
}

// ToCredits widens the amount to Credits.
func (credits PositiveCredits) ToCredits() Credits {
	return Credits(credits)
}

// Int64 returns the raw value.
func (credits SignedCredits) Int64() int64 {
	return int64(credits)
}

// GrantSource records why credits were issued. It never influences consumption order.
type GrantSource string

const (
	GrantSourcePurchase     GrantSource = "purchase"
	GrantSourceSubscription GrantSource = "subscription"
	GrantSourceCrypto       GrantSource = "crypto"
	GrantSourceBonus        GrantSource = "bonus"
	GrantSourceInitial      GrantSource = "initial"
	GrantSourceAdminGrant   GrantSource = "admin_grant"
)

// ParseGrantSource validates a stored or requested source.
func ParseGrantSource(raw string) (GrantSource, error) {
	switch source := GrantSource(strings.TrimSpace(raw)); source {
	case GrantSourcePurchase, GrantSourceSubscription, GrantSourceCrypto, GrantSourceBonus, GrantSourceInitial, GrantSourceAdminGrant:
		return source, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidGrantSource, raw)
	}
}

// String returns the stored representation.
func (source GrantSource) String() string {
	return string(source)
}

// IsRecurring reports whether the source represents a subscription period.
func (source GrantSource) IsRecurring() bool {
	return source == GrantSourceSubscription || source == GrantSourceCrypto
}

// TransactionType enumerates balance transaction kinds.
type TransactionType string

const (
	TransactionPurchase        TransactionType = "purchase"
	TransactionSubscription    TransactionType = "subscription"
	TransactionCryptoPayment   TransactionType = "crypto_payment"
	TransactionBonus           TransactionType = "bonus"
	TransactionInitial         TransactionType = "initial"
	TransactionAdminGrant      TransactionType = "admin_grant"
	TransactionAdminDeduction  TransactionType = "admin_deduction"
	TransactionAdminAdjustment TransactionType = "admin_adjustment"
	TransactionRefund          TransactionType = "refund"
	TransactionUsage           TransactionType = "usage"
	TransactionExpiration      TransactionType = "expiration"
)

// ParseTransactionType validates a stored transaction type.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch transactionType := TransactionType(strings.TrimSpace(raw)); transactionType {
	case TransactionPurchase, TransactionSubscription, TransactionCryptoPayment, TransactionBonus,
		TransactionInitial, TransactionAdminGrant, TransactionAdminDeduction, TransactionAdminAdjustment,
		TransactionRefund, TransactionUsage, TransactionExpiration:
		return transactionType, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

// String returns the stored representation.
func (transactionType TransactionType) String() string {
	return string(transactionType)
}

func transactionTypeForSource(source GrantSource) TransactionType {
	switch source {
	case GrantSourcePurchase:
		return TransactionPurchase
	case GrantSourceSubscription:
		return TransactionSubscription
	case GrantSourceCrypto:
		return TransactionCryptoPayment
	case GrantSourceInitial:
		return TransactionInitial
	case GrantSourceAdminGrant:
		return TransactionAdminGrant
	default:
		return TransactionBonus
	}
}

// CreditGrant is one issuance of credits. Remaining is always derived from amount and consumed.
type CreditGrant struct {
	grantID            GrantID
	userID             UserID
	amount             PositiveCredits
	consumed           Credits
	source             GrantSource
	sourceID           SourceID
	grantedUnixUTC     int64
	expiresUnixUTC     int64
	expirationRecorded bool
	metadata           MetadataJSON
}

// NewCreditGrant validates a stored grant.
func NewCreditGrant(
	grantID GrantID,
	userID UserID,
	amount PositiveCredits,
	consumed Credits,
	source GrantSource,
	sourceID SourceID,
	grantedUnixUTC int64,
	expiresUnixUTC int64,
	expirationRecorded bool,
	metadata MetadataJSON,
) (CreditGrant, error) {
	if grantID.IsZero() {
		return CreditGrant{}, fmt.Errorf("%w: missing grant id", ErrInvalidGrant)
	}
	if consumed.Int64() > amount.Int64() {
		return CreditGrant{}, fmt.Errorf("%w: consumed %d exceeds amount %d", ErrInvalidGrant, consumed, amount)
	}
	if expiresUnixUTC <= grantedUnixUTC {
		return CreditGrant{}, fmt.Errorf("%w: expiry must follow grant time", ErrInvalidGrant)
	}
	return CreditGrant{
		grantID:            grantID,
		userID:             userID,
		amount:             amount,
		consumed:           consumed,
		source:             source,
		sourceID:           sourceID,
		grantedUnixUTC:     grantedUnixUTC,
		expiresUnixUTC:     expiresUnixUTC,
		expirationRecorded: expirationRecorded,
		metadata:           metadata,
	}, nil
}

func (grant CreditGrant) GrantID() GrantID         { return grant.grantID }
func (grant CreditGrant) UserID() UserID           { return grant.userID }
func (grant CreditGrant) Amount() PositiveCredits  { return grant.amount }
func (grant CreditGrant) Consumed() Credits        { return grant.consumed }
func (grant CreditGrant) Source() GrantSource      { return grant.source }
func (grant CreditGrant) SourceID() SourceID       { return grant.sourceID }
func (grant CreditGrant) GrantedUnixUTC() int64    { return grant.grantedUnixUTC }
func (grant CreditGrant) ExpiresUnixUTC() int64    { return grant.expiresUnixUTC }
func (grant CreditGrant) ExpirationRecorded() bool { return grant.expirationRecorded }
func (grant CreditGrant) Metadata() MetadataJSON   { return grant.metadata }

// Remaining returns amount minus consumed.
func (grant CreditGrant) Remaining() Credits {
	return Credits(grant.amount.Int64() - grant.consumed.Int64())
}

// IsActive reports whether the grant is spendable at the given instant.
func (grant CreditGrant) IsActive(atUnixUTC int64) bool {
	return grant.expiresUnixUTC > atUnixUTC && grant.Remaining() > 0
}

// IsPermanent reports whether the grant carries the never-expires sentinel.
func (grant CreditGrant) IsPermanent() bool {
	return grant.expiresUnixUTC-grant.grantedUnixUTC >= permanentThresholdSeconds
}

// GrantInput carries a validated grant that has not been stored yet.
type GrantInput struct {
	userID         UserID
	amount         PositiveCredits
	source         GrantSource
	sourceID       SourceID
	grantedUnixUTC int64
	expiresUnixUTC int64
	metadata       MetadataJSON
}

// NewGrantInput validates a grant before insertion.
func NewGrantInput(userID UserID, amount PositiveCredits, source GrantSource, sourceID SourceID, grantedUnixUTC int64, expiresUnixUTC int64, metadata MetadataJSON) (GrantInput, error) {
	if userID.String() == "" {
		return GrantInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if amount <= 0 {
		return GrantInput{}, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	if _, err := ParseGrantSource(source.String()); err != nil {
		return GrantInput{}, err
	}
	if sourceID.String() == "" {
		return GrantInput{}, fmt.Errorf("%w: empty value", ErrInvalidSourceID)
	}
	if expiresUnixUTC <= grantedUnixUTC {
		return GrantInput{}, fmt.Errorf("%w: expiry must follow grant time", ErrInvalidExpiry)
	}
	return GrantInput{
		userID:         userID,
		amount:         amount,
		source:         source,
		sourceID:       sourceID,
		grantedUnixUTC: grantedUnixUTC,
		expiresUnixUTC: expiresUnixUTC,
		metadata:       metadata,
	}, nil
}

func (input GrantInput) UserID() UserID          { return input.userID }
func (input GrantInput) Amount() PositiveCredits { return input.amount }
func (input GrantInput) Source() GrantSource     { return input.source }
func (input GrantInput) SourceID() SourceID      { return input.sourceID }
func (input GrantInput) GrantedUnixUTC() int64   { return input.grantedUnixUTC }
func (input GrantInput) ExpiresUnixUTC() int64   { return input.expiresUnixUTC }
func (input GrantInput) Metadata() MetadataJSON  { return input.metadata }

// BalanceTransaction is an append-only audit record.
type BalanceTransaction struct {
	TransactionID  string
	UserID         UserID
	Type           TransactionType
	Amount         SignedCredits
	Description    string
	BalanceBefore  Credits
	BalanceAfter   Credits
	Metadata       MetadataJSON
	CreatedUnixUTC int64
}

// TransactionInput is a validated transaction awaiting insertion.
type TransactionInput struct {
	userID          UserID
	transactionType TransactionType
	amount          SignedCredits
	description     string
	balanceBefore   Credits
	balanceAfter    Credits
	metadata        MetadataJSON
	createdUnixUTC  int64
}

// NewTransactionInput validates that balanceAfter equals balanceBefore plus amount.
func NewTransactionInput(userID UserID, transactionType TransactionType, amount SignedCredits, description string, balanceBefore Credits, balanceAfter Credits, metadata MetadataJSON, createdUnixUTC int64) (TransactionInput, error) {
	if userID.String() == "" {
		return TransactionInput{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	if _, err := ParseTransactionType(transactionType.String()); err != nil {
		return TransactionInput{}, err
	}
	if amount == 0 {
		return TransactionInput{}, fmt.Errorf("%w: zero amount", ErrInvalidTransaction)
	}
	if balanceBefore < 0 || balanceAfter < 0 {
		return TransactionInput{}, fmt.Errorf("%w: negative balance", ErrInvalidTransaction)
	}
	if balanceBefore.Int64()+amount.Int64() != balanceAfter.Int64() {
		return TransactionInput{}, fmt.Errorf("%w: %d %+d != %d", ErrInvalidTransaction, balanceBefore, amount, balanceAfter)
	}
	return TransactionInput{
		userID:          userID,
		transactionType: transactionType,
		amount:          amount,
		description:     strings.TrimSpace(description),
		balanceBefore:   balanceBefore,
		balanceAfter:    balanceAfter,
		metadata:        metadata,
		createdUnixUTC:  createdUnixUTC,
	}, nil
}

func (input TransactionInput) UserID() UserID         { return input.userID }
func (input TransactionInput) Type() TransactionType  { return input.transactionType }
func (input TransactionInput) Amount() SignedCredits  { return input.amount }
func (input TransactionInput) Description() string    { return input.description }
func (input TransactionInput) BalanceBefore() Credits { return input.balanceBefore }
func (input TransactionInput) BalanceAfter() Credits  { return input.balanceAfter }
func (input TransactionInput) Metadata() MetadataJSON { return input.metadata }
func (input TransactionInput) CreatedUnixUTC() int64  { return input.createdUnixUTC }

// Allocation is the portion of one grant taken by a consumption.
type Allocation struct {
	GrantID   GrantID
	Amount    PositiveCredits
	Permanent bool
}

// BalanceSnapshot is the advisory cached balance of one user.
// ValidUntilUnixUTC is the earliest expiry among the grants it counted (0 when unbounded).
type BalanceSnapshot struct {
	UserID            UserID
	Balance           Credits
	ValidUntilUnixUTC int64
	UpdatedUnixUTC    int64
}

// IsFresh reports whether the snapshot may still be served at the given instant.
func (snapshot BalanceSnapshot) IsFresh(atUnixUTC int64) bool {
	return snapshot.ValidUntilUnixUTC == 0 || atUnixUTC < snapshot.ValidUntilUnixUTC
}

// CacheKey returns the key-value cache key for a user balance.
func CacheKey(userID UserID) string {
	return cacheKeyPrefix + userID.String() + cacheKeySuffix
}

// SubscriptionStatus reflects the entitlement produced by the latest recurring grant.
type SubscriptionStatus struct {
	UserID           UserID
	PlanID           string
	Status           string
	PeriodEndUnixUTC int64
	UpdatedUnixUTC   int64
}
