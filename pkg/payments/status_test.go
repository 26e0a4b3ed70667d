package payments

import (
	"errors"
	"testing"
)

func TestStatusRanksAreMonotonic(test *testing.T) {
	test.Parallel()
	lifecycle := []PaymentStatus{StatusWaiting, StatusConfirming, StatusConfirmed, StatusSending, StatusFinished, StatusFailed, StatusRefunded}
	for index := 1; index < len(lifecycle); index++ {
		if !lifecycle[index-1].IsBehind(lifecycle[index]) {
			test.Fatalf("%s must rank behind %s", lifecycle[index-1], lifecycle[index])
		}
	}
	if StatusExpired.IsBehind(StatusFailed) || StatusFailed.IsBehind(StatusExpired) {
		test.Fatalf("failed and expired share a rank")
	}
}

func TestStatusClasses(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		status   PaymentStatus
		class    StatusClass
		terminal bool
	}{
		{status: StatusWaiting, class: ClassPending},
		{status: StatusConfirming, class: ClassPending},
		{status: StatusSending, class: ClassPending},
		{status: StatusConfirmed, class: ClassGranting, terminal: true},
		{status: StatusFinished, class: ClassGranting, terminal: true},
		{status: StatusFailed, class: ClassClosing, terminal: true},
		{status: StatusExpired, class: ClassClosing, terminal: true},
		{status: StatusRefunded, class: ClassClosing, terminal: true},
		{status: StatusPartiallyPaid, class: ClassAnomaly},
		{status: StatusPaidOver, class: ClassAnomaly},
		{status: StatusWrongAmount, class: ClassAnomaly},
	}
	for _, testCase := range testCases {
		if testCase.status.Class() != testCase.class || testCase.status.IsTerminal() != testCase.terminal {
			test.Fatalf("%s: unexpected classification", testCase.status)
		}
	}
}

func TestParsePaymentStatusAndProvider(test *testing.T) {
	test.Parallel()
	if status, err := ParsePaymentStatus(" Finished "); err != nil || status != StatusFinished {
		test.Fatalf("unexpected status %q (%v)", status, err)
	}
	if _, err := ParsePaymentStatus("settled"); !errors.Is(err, ErrUnknownStatus) {
		test.Fatalf(errorMismatchMessage, ErrUnknownStatus, err)
	}
	if provider, err := ParseProvider("NOWPayments"); err != nil || provider != ProviderNOWPayments {
		test.Fatalf("unexpected provider %q (%v)", provider, err)
	}
	if !ProviderCryptomus.IsCrypto() || ProviderPaddle.IsCrypto() {
		test.Fatalf("unexpected crypto classification")
	}
}
