package ledger

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestDepositReserveReleaseRoundTrip(t *testing.T) {
	l := New()

	if err := l.Deposit("alice", "USD", dec("100")); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	before := l.Balance("alice", "USD")

	if err := l.Deposit("alice", "USD", dec("25")); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := l.Reserve("alice", "USD", dec("25")); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := l.Release("alice", "USD", dec("25")); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := l.Debit("alice", "USD", dec("25")); err != nil {
		t.Fatalf("debit: %v", err)
	}

	after := l.Balance("alice", "USD")
	if !after.Available.Equal(before.Available) || !after.Reserved.Equal(before.Reserved) {
		t.Errorf("round trip changed balances: before %v/%v after %v/%v",
			before.Available, before.Reserved, after.Available, after.Reserved)
	}
}

func TestReserveInsufficient(t *testing.T) {
	l := New()
	l.Deposit("alice", "USD", dec("10"))

	err := l.Reserve("alice", "USD", dec("10.01"))
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	// Failed operation must leave balances untouched.
	b := l.Balance("alice", "USD")
	if !b.Available.Equal(dec("10")) || !b.Reserved.IsZero() {
		t.Errorf("balances changed after failed reserve: %v/%v", b.Available, b.Reserved)
	}
}

func TestReleaseMoreThanReserved(t *testing.T) {
	l := New()
	l.Deposit("alice", "USD", dec("10"))
	l.Reserve("alice", "USD", dec("5"))

	if err := l.Release("alice", "USD", dec("6")); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
}

func TestNonPositiveAmountRejected(t *testing.T) {
	l := New()

	if err := l.Deposit("alice", "USD", decimal.Zero); !errors.Is(err, ErrNonPositiveAmount) {
		t.Errorf("zero deposit: expected ErrNonPositiveAmount, got %v", err)
	}
	if err := l.Deposit("alice", "USD", dec("-1")); !errors.Is(err, ErrNonPositiveAmount) {
		t.Errorf("negative deposit: expected ErrNonPositiveAmount, got %v", err)
	}
}

func TestApplyAllOrNothing(t *testing.T) {
	l := New()
	l.Deposit("buyer", "USD", dec("100"))
	l.Deposit("seller", "BTC", dec("1"))
	l.Reserve("buyer", "USD", dec("100"))
	l.Reserve("seller", "BTC", dec("1"))

	// Second debit exceeds what the first release made available; the
	// whole batch must be rejected.
	err := l.Apply(
		Entry{Account: "buyer", Asset: "USD", Kind: Release, Amount: dec("100")},
		Entry{Account: "buyer", Asset: "USD", Kind: Debit, Amount: dec("150")},
		Entry{Account: "seller", Asset: "BTC", Kind: Release, Amount: dec("1")},
	)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}

	buyer := l.Balance("buyer", "USD")
	if !buyer.Available.IsZero() || !buyer.Reserved.Equal(dec("100")) {
		t.Errorf("buyer balances mutated by failed batch: %v/%v", buyer.Available, buyer.Reserved)
	}
	seller := l.Balance("seller", "BTC")
	if !seller.Reserved.Equal(dec("1")) {
		t.Errorf("seller balances mutated by failed batch: %v/%v", seller.Available, seller.Reserved)
	}
}

func TestApplySettlementBatch(t *testing.T) {
	l := New()
	l.Deposit("buyer", "USD", dec("100"))
	l.Deposit("seller", "BTC", dec("1"))
	l.Reserve("buyer", "USD", dec("100"))
	l.Reserve("seller", "BTC", dec("1"))

	err := l.Apply(
		Entry{Account: "buyer", Asset: "USD", Kind: Release, Amount: dec("100")},
		Entry{Account: "buyer", Asset: "USD", Kind: Debit, Amount: dec("100")},
		Entry{Account: "buyer", Asset: "BTC", Kind: Credit, Amount: dec("1")},
		Entry{Account: "seller", Asset: "BTC", Kind: Release, Amount: dec("1")},
		Entry{Account: "seller", Asset: "BTC", Kind: Debit, Amount: dec("1")},
		Entry{Account: "seller", Asset: "USD", Kind: Credit, Amount: dec("100")},
	)
	if err != nil {
		t.Fatalf("settlement batch: %v", err)
	}

	if b := l.Balance("buyer", "BTC"); !b.Available.Equal(dec("1")) {
		t.Errorf("buyer BTC = %v, want 1", b.Available)
	}
	if b := l.Balance("seller", "USD"); !b.Available.Equal(dec("100")) {
		t.Errorf("seller USD = %v, want 100", b.Available)
	}

	// Settlement transfers, never creates or destroys.
	if got := l.TotalSupply("USD"); !got.Equal(dec("100")) {
		t.Errorf("USD supply = %v, want 100", got)
	}
	if got := l.TotalSupply("BTC"); !got.Equal(dec("1")) {
		t.Errorf("BTC supply = %v, want 1", got)
	}
}

func TestAssetKeysCaseInsensitive(t *testing.T) {
	l := New()
	l.Deposit("alice", "btc", dec("1"))
	l.Deposit("alice", "BTC", dec("2"))

	if b := l.Balance("alice", "Btc"); !b.Available.Equal(dec("3")) {
		t.Errorf("expected merged balance 3, got %v", b.Available)
	}

	balances := l.Balances("alice")
	if len(balances) != 1 {
		t.Errorf("expected a single asset bucket, got %d", len(balances))
	}
	if _, ok := balances["BTC"]; !ok {
		t.Errorf("expected normalized BTC key, got %v", balances)
	}
}
