package ledger

import (
	"context"
	"fmt"
)

// Service contains the domain logic over a Store. Every mutating operation
// runs inside a single storage transaction and serializes against other
// mutations of the same holder through the store's row lock.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// CreateHolder registers a new balance holder with a zero balance.
func (service *Service) CreateHolder(ctx context.Context, holderType HolderType, name string, cap *Amount, refill *RefillPolicy) (Holder, error) {
	if _, err := ParseHolderType(holderType.String()); err != nil {
		return Holder{}, err
	}
	if cap != nil && *cap < 0 {
		return Holder{}, fmt.Errorf("%w: cap must not be negative", ErrInvalidAmount)
	}
	if refill != nil {
		if refill.TargetBalance <= 0 {
			return Holder{}, fmt.Errorf("%w: target balance must be positive", ErrInvalidRefillPolicy)
		}
		if refill.RefillDay < 1 || refill.RefillDay > 31 {
			return Holder{}, fmt.Errorf("%w: refill day must be within 1..31", ErrInvalidRefillPolicy)
		}
	}
	holder, operationError := service.store.CreateHolder(ctx, Holder{
		Type:   holderType,
		Name:   name,
		Cap:    cap,
		Refill: refill,
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationCreateHolder,
		HolderID:  holder.ID,
		Error:     operationError,
	})
	return holder, operationError
}

// Balance returns the holder's current balance.
func (service *Service) Balance(ctx context.Context, holderID HolderID) (Amount, error) {
	holder, err := service.store.GetHolder(ctx, holderID)
	if err != nil {
		return 0, err
	}
	return holder.Balance, nil
}

// HasSufficientFunds reports whether the holder could cover amount right now.
// It is a pure read, not a concurrency guard; Debit re-checks under the
// transaction before mutating.
func (service *Service) HasSufficientFunds(ctx context.Context, holderID HolderID, amount Amount) (bool, error) {
	holder, err := service.store.GetHolder(ctx, holderID)
	if err != nil {
		return false, err
	}
	return holder.Balance >= amount, nil
}

// MaxReceivable returns remaining headroom for a capped holder, or
// (0, false) when uncapped.
func (service *Service) MaxReceivable(ctx context.Context, holderID HolderID) (Amount, bool, error) {
	holder, err := service.store.GetHolder(ctx, holderID)
	if err != nil {
		return 0, false, err
	}
	headroom, capped := holder.MaxReceivable()
	return headroom, capped, nil
}

// History lists the holder's transactions, newest first.
func (service *Service) History(ctx context.Context, holderID HolderID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	if _, err := service.store.GetHolder(ctx, holderID); err != nil {
		return nil, err
	}
	return service.store.ListTransactions(ctx, holderID, beforeUnixUTC, limit)
}

// Credit increases the holder's balance and appends one transaction row. It
// never fails on funds; capped holders reject credits past their cap.
func (service *Service) Credit(ctx context.Context, holderID HolderID, amount Amount, kind TransactionKind, description string, performedBy string) (Transaction, error) {
	var transaction Transaction
	operationError := service.mutate(ctx, func(ctx context.Context, txStore Store) error {
		holder, err := txStore.GetHolderForUpdate(ctx, holderID)
		if err != nil {
			return err
		}
		credited, err := service.applyCredit(ctx, txStore, holder, amount, kind, description, performedBy, nil)
		if err != nil {
			return err
		}
		transaction = credited
		return nil
	}, amount, kind)
	service.logOperation(ctx, OperationLog{
		Operation:   operationCredit,
		HolderID:    holderID,
		Amount:      amount,
		Kind:        kind,
		PerformedBy: performedBy,
		Error:       operationError,
	})
	return transaction, operationError
}

// Debit decreases the holder's balance and appends one transaction row with a
// negative amount. A debit that would drive the balance negative is rejected
// with InsufficientFundsError and leaves no trace.
func (service *Service) Debit(ctx context.Context, holderID HolderID, amount Amount, kind TransactionKind, description string, performedBy string) (Transaction, error) {
	var transaction Transaction
	operationError := service.mutate(ctx, func(ctx context.Context, txStore Store) error {
		holder, err := txStore.GetHolderForUpdate(ctx, holderID)
		if err != nil {
			return err
		}
		debited, err := service.applyDebit(ctx, txStore, holder, amount, kind, description, performedBy, nil)
		if err != nil {
			return err
		}
		transaction = debited
		return nil
	}, amount, kind)
	service.logOperation(ctx, OperationLog{
		Operation:   operationDebit,
		HolderID:    holderID,
		Amount:      amount,
		Kind:        kind,
		PerformedBy: performedBy,
		Error:       operationError,
	})
	return transaction, operationError
}

// Transfer moves credits between two holders: exactly one negative row on the
// source and one positive row on the destination, or no rows at all. Both
// sides commit or roll back together.
func (service *Service) Transfer(ctx context.Context, sourceID HolderID, destinationID HolderID, amount Amount, kind TransactionKind, description string, performedBy string) (TransferResult, error) {
	return service.transferWithKinds(ctx, sourceID, destinationID, amount, kind, kind, description, performedBy)
}

// DistributeCredits moves credits from a reseller pool to an organization,
// recording a distribution on the source and a purchase on the destination.
func (service *Service) DistributeCredits(ctx context.Context, resellerID HolderID, organizationID HolderID, amount Amount, description string, performedBy string) (TransferResult, error) {
	return service.transferWithKinds(ctx, resellerID, organizationID, amount, KindDistribution, KindPurchase, description, performedBy)
}

// RecoverCredits pulls credits back from a holder into a pool, e.g. when an
// organization member leaves. The source row is a recovery, the pool row a
// refund.
func (service *Service) RecoverCredits(ctx context.Context, memberID HolderID, poolID HolderID, amount Amount, description string, performedBy string) (TransferResult, error) {
	return service.transferWithKinds(ctx, memberID, poolID, amount, KindRecovery, KindRefund, description, performedBy)
}

func (service *Service) transferWithKinds(ctx context.Context, sourceID HolderID, destinationID HolderID, amount Amount, debitKind TransactionKind, creditKind TransactionKind, description string, performedBy string) (TransferResult, error) {
	var result TransferResult
	if sourceID == destinationID {
		return result, fmt.Errorf("%w: transfer source and destination are the same holder", ErrInvalidHolderID)
	}
	operationError := service.mutate(ctx, func(ctx context.Context, txStore Store) error {
		source, destination, err := lockPair(ctx, txStore, sourceID, destinationID)
		if err != nil {
			return err
		}
		debited, err := service.applyDebit(ctx, txStore, source, amount, debitKind, description, performedBy, &destinationID)
		if err != nil {
			return err
		}
		credited, err := service.applyCredit(ctx, txStore, destination, amount, creditKind, description, performedBy, &sourceID)
		if err != nil {
			return err
		}
		result = TransferResult{Debit: debited, Credit: credited}
		return nil
	}, amount, debitKind)
	service.logOperation(ctx, OperationLog{
		Operation:      operationTransfer,
		HolderID:       sourceID,
		CounterpartyID: &destinationID,
		Amount:         amount,
		Kind:           debitKind,
		PerformedBy:    performedBy,
		Error:          operationError,
	})
	return result, operationError
}

// Reconcile verifies the conservation invariant: the holder's balance equals
// the sum of its transaction amounts.
func (service *Service) Reconcile(ctx context.Context, holderID HolderID) (bool, error) {
	holder, err := service.store.GetHolder(ctx, holderID)
	if err != nil {
		return false, err
	}
	sum, err := service.store.SumTransactionAmounts(ctx, holderID)
	if err != nil {
		return false, err
	}
	return holder.Balance == sum, nil
}

func (service *Service) mutate(ctx context.Context, fn func(ctx context.Context, txStore Store) error, amount Amount, kind TransactionKind) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidAmount)
	}
	if _, err := ParseTransactionKind(kind.String()); err != nil {
		return err
	}
	return service.store.WithTx(ctx, fn)
}

func (service *Service) applyCredit(ctx context.Context, txStore Store, holder Holder, amount Amount, kind TransactionKind, description string, performedBy string, counterpartyID *HolderID) (Transaction, error) {
	if headroom, capped := holder.MaxReceivable(); capped && amount > headroom {
		return Transaction{}, fmt.Errorf("%w: holder %s can receive at most %d", ErrCapExceeded, holder.ID.String(), headroom)
	}
	newBalance := holder.Balance + amount
	if err := txStore.UpdateHolderBalance(ctx, holder.ID, newBalance); err != nil {
		return Transaction{}, err
	}
	return txStore.InsertTransaction(ctx, Transaction{
		HolderID:         holder.ID,
		Amount:           amount,
		ResultingBalance: newBalance,
		Kind:             kind,
		Description:      description,
		PerformedBy:      performedBy,
		CounterpartyID:   counterpartyID,
		CreatedUnixUTC:   service.nowFn(),
	})
}

func (service *Service) applyDebit(ctx context.Context, txStore Store, holder Holder, amount Amount, kind TransactionKind, description string, performedBy string, counterpartyID *HolderID) (Transaction, error) {
	if holder.Balance < amount {
		return Transaction{}, InsufficientFundsError{
			HolderID:  holder.ID,
			Available: holder.Balance,
			Requested: amount,
		}
	}
	newBalance := holder.Balance - amount
	if err := txStore.UpdateHolderBalance(ctx, holder.ID, newBalance); err != nil {
		return Transaction{}, err
	}
	return txStore.InsertTransaction(ctx, Transaction{
		HolderID:         holder.ID,
		Amount:           -amount,
		ResultingBalance: newBalance,
		Kind:             kind,
		Description:      description,
		PerformedBy:      performedBy,
		CounterpartyID:   counterpartyID,
		CreatedUnixUTC:   service.nowFn(),
	})
}

// lockPair locks two holders for update in the global (type rank, id) order so
// concurrent opposing transfers cannot deadlock, then returns them in the
// caller's (first, second) order.
func lockPair(ctx context.Context, txStore Store, firstID HolderID, secondID HolderID) (Holder, Holder, error) {
	first, err := txStore.GetHolder(ctx, firstID)
	if err != nil {
		return Holder{}, Holder{}, err
	}
	second, err := txStore.GetHolder(ctx, secondID)
	if err != nil {
		return Holder{}, Holder{}, err
	}
	lockOrder := []HolderID{firstID, secondID}
	if lockAfter(first, second) {
		lockOrder = []HolderID{secondID, firstID}
	}
	locked := make(map[HolderID]Holder, 2)
	for _, holderID := range lockOrder {
		holder, err := txStore.GetHolderForUpdate(ctx, holderID)
		if err != nil {
			return Holder{}, Holder{}, err
		}
		locked[holderID] = holder
	}
	return locked[firstID], locked[secondID], nil
}

func lockAfter(first Holder, second Holder) bool {
	if first.Type.LockRank() != second.Type.LockRank() {
		return first.Type.LockRank() > second.Type.LockRank()
	}
	return first.ID.String() > second.ID.String()
}
