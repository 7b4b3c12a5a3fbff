package ledger

import (
	"context"
	"fmt"
	"strings"
)

// Amount is an integer number of credits. Credits are a discrete unit and
// never fractional.
type Amount int64

// Int64 returns the raw credit count.
func (amount Amount) Int64() int64 {
	return int64(amount)
}

// HolderType enumerates the three tenancy levels that carry a balance.
type HolderType string

const (
	HolderReseller     HolderType = "reseller"
	HolderOrganization HolderType = "organization"
	HolderMember       HolderType = "member"
)

// String returns the stored representation.
func (holderType HolderType) String() string {
	return string(holderType)
}

// ParseHolderType validates a stored holder type.
func ParseHolderType(raw string) (HolderType, error) {
	switch HolderType(raw) {
	case HolderReseller, HolderOrganization, HolderMember:
		return HolderType(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidHolderType, raw)
}

// LockRank orders holder types so multi-holder operations always lock in the
// same global order.
func (holderType HolderType) LockRank() int {
	switch holderType {
	case HolderReseller:
		return 0
	case HolderOrganization:
		return 1
	default:
		return 2
	}
}

// HolderID identifies a balance holder.
type HolderID struct {
	value string
}

// NewHolderID validates and normalizes a holder id.
func NewHolderID(raw string) (HolderID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return HolderID{}, fmt.Errorf("%w: empty value", ErrInvalidHolderID)
	}
	return HolderID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id HolderID) String() string {
	return id.value
}

// TransactionKind is the closed enumeration of ledger transaction kinds.
type TransactionKind string

const (
	KindPurchase            TransactionKind = "purchase"
	KindDistribution        TransactionKind = "distribution"
	KindAdjustment          TransactionKind = "adjustment"
	KindUsage               TransactionKind = "usage"
	KindRefund              TransactionKind = "refund"
	KindRecovery            TransactionKind = "recovery"
	KindRefill              TransactionKind = "refill"
	KindSubscriptionRenewal TransactionKind = "subscription_renewal"
)

// String returns the stored representation.
func (kind TransactionKind) String() string {
	return string(kind)
}

// ParseTransactionKind validates a stored transaction kind.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(raw) {
	case KindPurchase, KindDistribution, KindAdjustment, KindUsage,
		KindRefund, KindRecovery, KindRefill, KindSubscriptionRenewal:
		return TransactionKind(raw), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
}

// RefillPolicy describes an automatic monthly top-up for a holder.
type RefillPolicy struct {
	TargetBalance Amount
	RefillDay     int
}

// Holder is a balance-carrying entity. Balance never goes negative; Cap, when
// non-nil, bounds the balance from above.
type Holder struct {
	ID      HolderID
	Type    HolderType
	Name    string
	Balance Amount
	Cap     *Amount
	Refill  *RefillPolicy
}

// MaxReceivable returns how many credits the holder can still accept, or
// (0, false) when the holder is uncapped.
func (holder Holder) MaxReceivable() (Amount, bool) {
	if holder.Cap == nil {
		return 0, false
	}
	headroom := *holder.Cap - holder.Balance
	if headroom < 0 {
		headroom = 0
	}
	return headroom, true
}

// Transaction is one immutable line in a holder's ledger. Amount is signed;
// ResultingBalance is the holder balance at the instant of commit, so the sum
// of Amount over a holder's ledger always equals its current balance.
type Transaction struct {
	ID               string
	HolderID         HolderID
	Amount           Amount
	ResultingBalance Amount
	Kind             TransactionKind
	Description      string
	PerformedBy      string
	CounterpartyID   *HolderID
	CreatedUnixUTC   int64
}

// TransferResult carries the two rows written by a cross-holder transfer.
type TransferResult struct {
	Debit  Transaction
	Credit Transaction
}

// Store is the persistence contract used by Service. GetHolderForUpdate must
// serialize concurrent mutations of the same holder (row lock or equivalent).
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	CreateHolder(ctx context.Context, holder Holder) (Holder, error)
	GetHolder(ctx context.Context, holderID HolderID) (Holder, error)
	GetHolderForUpdate(ctx context.Context, holderID HolderID) (Holder, error)
	UpdateHolderBalance(ctx context.Context, holderID HolderID, balance Amount) error
	InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error)
	ListTransactions(ctx context.Context, holderID HolderID, beforeUnixUTC int64, limit int) ([]Transaction, error)
	SumTransactionAmounts(ctx context.Context, holderID HolderID) (Amount, error)
	ListHoldersDueForRefill(ctx context.Context, dayOfMonth int, lastDayOfMonth bool) ([]Holder, error)
}
