package ledger

import (
	"errors"
	"testing"
)

func TestIdentifierConstructors(test *testing.T) {
	test.Parallel()
	if _, err := NewUserID("  "); !errors.Is(err, ErrInvalidUserID) {
		test.Fatalf(errorMismatchMessage, ErrInvalidUserID, err)
	}
	if _, err := NewGrantID(""); !errors.Is(err, ErrInvalidGrantID) {
		test.Fatalf(errorMismatchMessage, ErrInvalidGrantID, err)
	}
	if _, err := NewSourceID("\t"); !errors.Is(err, ErrInvalidSourceID) {
		test.Fatalf(errorMismatchMessage, ErrInvalidSourceID, err)
	}
	userID, err := NewUserID(" user-1 ")
	if err != nil || userID.String() != userIDValue {
		test.Fatalf("expected trimmed user id, got %q (%v)", userID, err)
	}
	if CacheKey(userID) != "user:user-1:balance" {
		test.Fatalf("unexpected cache key %q", CacheKey(userID))
	}
}

func TestCreditConstructors(test *testing.T) {
	test.Parallel()
	if _, err := NewCredits(-1); !errors.Is(err, ErrInvalidCredits) {
		test.Fatalf(errorMismatchMessage, ErrInvalidCredits, err)
	}
	if _, err := NewPositiveCredits(0); !errors.Is(err, ErrInvalidCredits) {
		test.Fatalf(errorMismatchMessage, ErrInvalidCredits, err)
	}
	amount, err := NewPositiveCredits(7)
	if err != nil || amount.ToCredits() != 7 {
		test.Fatalf("unexpected amount %d (%v)", amount, err)
	}
}

func TestMetadataJSON(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name     string
		raw      string
		expected string
		err      error
	}{
		{name: "empty defaults to object", raw: "", expected: "{}"},
		{name: "object kept", raw: ` {"a":1} `, expected: `{"a":1}`},
		{name: "invalid json", raw: "{", err: ErrInvalidMetadataJSON},
		{name: "array rejected", raw: "[1]", err: ErrInvalidMetadataJSON},
	}
	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			metadata, err := NewMetadataJSON(testCase.raw)
			if testCase.err != nil {
				if !errors.Is(err, testCase.err) {
					test.Fatalf(errorMismatchMessage, testCase.err, err)
				}
				return
			}
			if err != nil || metadata.String() != testCase.expected {
				test.Fatalf("expected %s, got %s (%v)", testCase.expected, metadata, err)
			}
		})
	}

	merged, err := MergeMetadata(mustMetadata(test, `{"a":1,"b":2}`), map[string]any{"b": 3})
	if err != nil || merged.String() != `{"a":1,"b":3}` {
		test.Fatalf("unexpected merge %s (%v)", merged, err)
	}
	if (MetadataJSON{}).String() != "{}" {
		test.Fatalf("zero metadata must render as an empty object")
	}
}

func TestParseEnums(test *testing.T) {
	test.Parallel()
	if source, err := ParseGrantSource(" crypto "); err != nil || source != GrantSourceCrypto {
		test.Fatalf("unexpected source %q (%v)", source, err)
	}
	if _, err := ParseGrantSource("gift"); !errors.Is(err, ErrInvalidGrantSource) {
		test.Fatalf(errorMismatchMessage, ErrInvalidGrantSource, err)
	}
	if _, err := ParseTransactionType("burn"); !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf(errorMismatchMessage, ErrInvalidTransactionType, err)
	}
	if !GrantSourceSubscription.IsRecurring() || GrantSourcePurchase.IsRecurring() {
		test.Fatalf("unexpected recurring classification")
	}
	if transactionTypeForSource(GrantSourceCrypto) != TransactionCryptoPayment || transactionTypeForSource(GrantSourceBonus) != TransactionBonus {
		test.Fatalf("unexpected transaction type mapping")
	}
}

func TestExpiryPolicies(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		source       GrantSource
		expectedDays int64
	}{
		{source: GrantSourcePurchase, expectedDays: permanentCreditDays},
		{source: GrantSourceSubscription, expectedDays: SubscriptionCreditDays},
		{source: GrantSourceCrypto, expectedDays: SubscriptionCreditDays},
		{source: GrantSourceBonus, expectedDays: BonusCreditDays},
		{source: GrantSourceInitial, expectedDays: BonusCreditDays},
		{source: GrantSourceAdminGrant, expectedDays: AdminCreditDays},
	}
	for _, testCase := range testCases {
		if days := DefaultExpiryPolicy(testCase.source).Days(); days != testCase.expectedDays {
			test.Fatalf("%s: expected %d days, got %d", testCase.source, testCase.expectedDays, days)
		}
	}
	if _, err := ExpiresInDays(0); !errors.Is(err, ErrInvalidExpiry) {
		test.Fatalf(errorMismatchMessage, ErrInvalidExpiry, err)
	}
	if _, err := ExpiresInDays(permanentCreditDays + 1); !errors.Is(err, ErrInvalidExpiry) {
		test.Fatalf(errorMismatchMessage, ErrInvalidExpiry, err)
	}
	if resolveExpiryPolicy(ExpiryPolicy{}, GrantSourcePurchase) != NeverExpires() {
		test.Fatalf("zero policy must fall back to the source default")
	}
	if NeverExpires().ExpiresAt(testStartUnixUTC)-testStartUnixUTC < permanentThresholdSeconds {
		test.Fatalf("never-expires policy must clear the permanent threshold")
	}
}

func TestCreditGrantValidation(test *testing.T) {
	test.Parallel()
	grantID := GrantID{value: "g-1"}
	userID := UserID{value: userIDValue}
	sourceID := SourceID{value: "s-1"}
	if _, err := NewCreditGrant(GrantID{}, userID, 1, 0, GrantSourceBonus, sourceID, 1, 2, false, MetadataJSON{}); !errors.Is(err, ErrInvalidGrant) {
		test.Fatalf(errorMismatchMessage, ErrInvalidGrant, err)
	}
	if _, err := NewCreditGrant(grantID, userID, 1, 2, GrantSourceBonus, sourceID, 1, 2, false, MetadataJSON{}); !errors.Is(err, ErrInvalidGrant) {
		test.Fatalf(errorMismatchMessage, ErrInvalidGrant, err)
	}
	if _, err := NewCreditGrant(grantID, userID, 1, 0, GrantSourceBonus, sourceID, 2, 2, false, MetadataJSON{}); !errors.Is(err, ErrInvalidGrant) {
		test.Fatalf(errorMismatchMessage, ErrInvalidGrant, err)
	}
	grant, err := NewCreditGrant(grantID, userID, 10, 4, GrantSourceBonus, sourceID, 1, 100, false, MetadataJSON{})
	if err != nil {
		test.Fatalf("grant: %v", err)
	}
	if grant.Remaining() != 6 || !grant.IsActive(99) || grant.IsActive(100) || grant.IsPermanent() {
		test.Fatalf("unexpected grant state %+v", grant)
	}
}

func TestTransactionInputConservesBalance(test *testing.T) {
	test.Parallel()
	userID := UserID{value: userIDValue}
	testCases := []struct {
		name   string
		amount SignedCredits
		before Credits
		after  Credits
		err    error
	}{
		{name: "credit", amount: 10, before: 5, after: 15},
		{name: "debit", amount: -5, before: 5, after: 0},
		{name: "mismatch", amount: 10, before: 5, after: 16, err: ErrInvalidTransaction},
		{name: "zero amount", amount: 0, before: 5, after: 5, err: ErrInvalidTransaction},
		{name: "negative result", amount: -6, before: 5, after: -1, err: ErrInvalidTransaction},
	}
	for _, testCase := range testCases {
		_, err := NewTransactionInput(userID, TransactionUsage, testCase.amount, "", testCase.before, testCase.after, MetadataJSON{}, testStartUnixUTC)
		if testCase.err == nil && err != nil {
			test.Fatalf("%s: unexpected error %v", testCase.name, err)
		}
		if testCase.err != nil && !errors.Is(err, testCase.err) {
			test.Fatalf("%s: %v", testCase.name, err)
		}
	}
	if _, err := NewTransactionInput(userID, "burn", 1, "", 0, 1, MetadataJSON{}, 0); !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf(errorMismatchMessage, ErrInvalidTransactionType, err)
	}
}

func TestBalanceSnapshotFreshness(test *testing.T) {
	test.Parallel()
	if !(BalanceSnapshot{}).IsFresh(testStartUnixUTC) {
		test.Fatalf("unbounded snapshot must be fresh")
	}
	bounded := BalanceSnapshot{ValidUntilUnixUTC: testStartUnixUTC}
	if !bounded.IsFresh(testStartUnixUTC-1) || bounded.IsFresh(testStartUnixUTC) {
		test.Fatalf("snapshot must go stale at its earliest expiry")
	}
}
