package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNonPositiveAmount   = errors.New("amount must be positive")
)

// Balance is the available/reserved pair for one asset in one account.
type Balance struct {
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
}

// EntryKind selects which balance movement an Entry performs.
type EntryKind int

const (
	// Deposit adds to available.
	Deposit EntryKind = iota
	// Reserve moves available into reserved.
	Reserve
	// Release moves reserved back into available.
	Release
	// Credit adds to available.
	Credit
	// Debit removes from available.
	Debit
)

func (k EntryKind) String() string {
	switch k {
	case Deposit:
		return "deposit"
	case Reserve:
		return "reserve"
	case Release:
		return "release"
	case Credit:
		return "credit"
	case Debit:
		return "debit"
	}
	return "unknown"
}

// Entry is a single balance movement on (account, asset).
type Entry struct {
	Account string
	Asset   string
	Kind    EntryKind
	Amount  decimal.Decimal
}

// Ledger tracks available and reserved balances per account and asset.
// A single lock covers all accounts; every Apply is all-or-nothing, so
// a batch of entries (one trade's settlement) is observed atomically.
type Ledger struct {
	mu       sync.RWMutex
	accounts map[string]map[string]*Balance
}

func New() *Ledger {
	return &Ledger{
		accounts: make(map[string]map[string]*Balance),
	}
}

// Apply validates and applies a batch of entries atomically. If any entry
// would drive a balance negative, or carries a non-positive amount, the
// whole batch is rejected and no balance changes.
func (l *Ledger) Apply(entries ...Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	type key struct{ account, asset string }
	staged := make(map[key]Balance, len(entries))

	current := func(k key) Balance {
		if b, ok := staged[k]; ok {
			return b
		}
		if assets, ok := l.accounts[k.account]; ok {
			if b, ok := assets[k.asset]; ok {
				return *b
			}
		}
		return Balance{Available: decimal.Zero, Reserved: decimal.Zero}
	}

	for _, e := range entries {
		if !e.Amount.IsPositive() {
			return fmt.Errorf("%s %s/%s: %w", e.Kind, e.Account, e.Asset, ErrNonPositiveAmount)
		}
		k := key{e.Account, normalizeAsset(e.Asset)}
		b := current(k)

		switch e.Kind {
		case Deposit, Credit:
			b.Available = b.Available.Add(e.Amount)
		case Debit:
			if b.Available.LessThan(e.Amount) {
				return fmt.Errorf("debit %s %s/%s: %w", e.Amount, e.Account, k.asset, ErrInsufficientBalance)
			}
			b.Available = b.Available.Sub(e.Amount)
		case Reserve:
			if b.Available.LessThan(e.Amount) {
				return fmt.Errorf("reserve %s %s/%s: %w", e.Amount, e.Account, k.asset, ErrInsufficientBalance)
			}
			b.Available = b.Available.Sub(e.Amount)
			b.Reserved = b.Reserved.Add(e.Amount)
		case Release:
			if b.Reserved.LessThan(e.Amount) {
				return fmt.Errorf("release %s %s/%s: %w", e.Amount, e.Account, k.asset, ErrInsufficientBalance)
			}
			b.Reserved = b.Reserved.Sub(e.Amount)
			b.Available = b.Available.Add(e.Amount)
		default:
			return fmt.Errorf("unknown entry kind %d", e.Kind)
		}
		staged[k] = b
	}

	// All entries validated; commit.
	for k, b := range staged {
		assets, ok := l.accounts[k.account]
		if !ok {
			assets = make(map[string]*Balance)
			l.accounts[k.account] = assets
		}
		committed := b
		assets[k.asset] = &committed
	}
	return nil
}

// Deposit adds amount to the account's available balance.
func (l *Ledger) Deposit(account, asset string, amount decimal.Decimal) error {
	return l.Apply(Entry{Account: account, Asset: asset, Kind: Deposit, Amount: amount})
}

// Reserve moves amount from available to reserved.
func (l *Ledger) Reserve(account, asset string, amount decimal.Decimal) error {
	return l.Apply(Entry{Account: account, Asset: asset, Kind: Reserve, Amount: amount})
}

// Release moves amount from reserved back to available.
func (l *Ledger) Release(account, asset string, amount decimal.Decimal) error {
	return l.Apply(Entry{Account: account, Asset: asset, Kind: Release, Amount: amount})
}

// Credit adds amount to the account's available balance.
func (l *Ledger) Credit(account, asset string, amount decimal.Decimal) error {
	return l.Apply(Entry{Account: account, Asset: asset, Kind: Credit, Amount: amount})
}

// Debit removes amount from the account's available balance.
func (l *Ledger) Debit(account, asset string, amount decimal.Decimal) error {
	return l.Apply(Entry{Account: account, Asset: asset, Kind: Debit, Amount: amount})
}

// Balances returns a point-in-time copy of all asset balances for an account.
func (l *Ledger) Balances(account string) map[string]Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[string]Balance)
	for asset, b := range l.accounts[account] {
		out[asset] = *b
	}
	return out
}

// Balance returns the balance for one (account, asset) pair.
func (l *Ledger) Balance(account, asset string) Balance {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if assets, ok := l.accounts[account]; ok {
		if b, ok := assets[normalizeAsset(asset)]; ok {
			return *b
		}
	}
	return Balance{Available: decimal.Zero, Reserved: decimal.Zero}
}

// TotalSupply sums available+reserved across all accounts for an asset.
func (l *Ledger) TotalSupply(asset string) decimal.Decimal {
	l.mu.RLock()
	defer l.mu.RUnlock()

	asset = normalizeAsset(asset)
	total := decimal.Zero
	for _, assets := range l.accounts {
		if b, ok := assets[asset]; ok {
			total = total.Add(b.Available).Add(b.Reserved)
		}
	}
	return total
}

// Asset keys are case-insensitive; "btc" and "BTC" are the same bucket.
func normalizeAsset(asset string) string {
	return strings.ToUpper(asset)
}
