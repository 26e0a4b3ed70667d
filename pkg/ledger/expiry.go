package ledger

import "fmt"

const (
	secondsPerDay = int64(86400)

	// SubscriptionCreditDays is the lifetime of recurring plan credits.
	SubscriptionCreditDays = 30
	// BonusCreditDays is the lifetime of bonus, refund and signup credits.
	BonusCreditDays = 30
	// AdminCreditDays is the default lifetime of admin grants and corrections.
	AdminCreditDays = 30

	permanentCreditDays       = 100 * 365
	permanentThresholdSeconds = 50 * 365 * secondsPerDay
)

// ExpiryPolicy decides when a new grant stops being spendable.
// The zero value means "use the source default".
type ExpiryPolicy struct {
	days int64
}

// ExpiresInDays returns a policy with an explicit horizon.
func ExpiresInDays(days int) (ExpiryPolicy, error) {
	if days <= 0 {
		return ExpiryPolicy{}, fmt.Errorf("%w: days must be greater than zero", ErrInvalidExpiry)
	}
	if int64(days) > permanentCreditDays {
		return ExpiryPolicy{}, fmt.Errorf("%w: days exceed %d", ErrInvalidExpiry, permanentCreditDays)
	}
	return ExpiryPolicy{days: int64(days)}, nil
}

// NeverExpires returns the far-future sentinel policy used for purchased packs.
func NeverExpires() ExpiryPolicy {
	return ExpiryPolicy{days: permanentCreditDays}
}

// DefaultExpiryPolicy returns the policy a source uses when the caller does not pick one.
func DefaultExpiryPolicy(source GrantSource) ExpiryPolicy {
	switch source {
	case GrantSourcePurchase:
		return NeverExpires()
	case GrantSourceSubscription, GrantSourceCrypto:
		return ExpiryPolicy{days: SubscriptionCreditDays}
	case GrantSourceAdminGrant:
		return ExpiryPolicy{days: AdminCreditDays}
	default:
		return ExpiryPolicy{days: BonusCreditDays}
	}
}

// IsZero reports whether the policy is unset.
func (policy ExpiryPolicy) IsZero() bool {
	return policy.days == 0
}

// Days returns the horizon in days.
func (policy ExpiryPolicy) Days() int64 {
	return policy.days
}

// ExpiresAt resolves the expiry instant for a grant made at grantedUnixUTC.
func (policy ExpiryPolicy) ExpiresAt(grantedUnixUTC int64) int64 {
	return grantedUnixUTC + policy.days*secondsPerDay
}

func resolveExpiryPolicy(policy ExpiryPolicy, source GrantSource) ExpiryPolicy {
	if policy.IsZero() {
		return DefaultExpiryPolicy(source)
	}
	return policy
}
