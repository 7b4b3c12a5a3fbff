package ledger

import (
	"context"
	"fmt"
	"testing"
)

// stubStore is an in-memory Store. WithTx snapshots state and restores it when
// fn fails, mirroring the commit-or-rollback contract of the real store.
type stubStore struct {
	holders      map[HolderID]Holder
	transactions []Transaction
	nextID       int

	failInsertAfter int // fail InsertTransaction once this many rows exist, -1 disables
}

func newStubStore() *stubStore {
	return &stubStore{
		holders:         make(map[HolderID]Holder),
		failInsertAfter: -1,
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	holdersSnapshot := make(map[HolderID]Holder, len(store.holders))
	for holderID, holder := range store.holders {
		holdersSnapshot[holderID] = holder
	}
	transactionsSnapshot := append([]Transaction(nil), store.transactions...)
	if err := fn(ctx, store); err != nil {
		store.holders = holdersSnapshot
		store.transactions = transactionsSnapshot
		return err
	}
	return nil
}

func (store *stubStore) CreateHolder(ctx context.Context, holder Holder) (Holder, error) {
	store.nextID++
	holderID, err := NewHolderID(fmt.Sprintf("holder-%d", store.nextID))
	if err != nil {
		return Holder{}, err
	}
	holder.ID = holderID
	store.holders[holderID] = holder
	return holder, nil
}

func (store *stubStore) GetHolder(ctx context.Context, holderID HolderID) (Holder, error) {
	holder, ok := store.holders[holderID]
	if !ok {
		return Holder{}, ErrHolderNotFound
	}
	return holder, nil
}

func (store *stubStore) GetHolderForUpdate(ctx context.Context, holderID HolderID) (Holder, error) {
	return store.GetHolder(ctx, holderID)
}

func (store *stubStore) UpdateHolderBalance(ctx context.Context, holderID HolderID, balance Amount) error {
	holder, ok := store.holders[holderID]
	if !ok {
		return ErrHolderNotFound
	}
	holder.Balance = balance
	store.holders[holderID] = holder
	return nil
}

func (store *stubStore) InsertTransaction(ctx context.Context, transaction Transaction) (Transaction, error) {
	if store.failInsertAfter >= 0 && len(store.transactions) >= store.failInsertAfter {
		return Transaction{}, fmt.Errorf("storage failure injected")
	}
	transaction.ID = fmt.Sprintf("txn-%d", len(store.transactions)+1)
	store.transactions = append(store.transactions, transaction)
	return transaction, nil
}

func (store *stubStore) ListTransactions(ctx context.Context, holderID HolderID, beforeUnixUTC int64, limit int) ([]Transaction, error) {
	matched := make([]Transaction, 0)
	for index := len(store.transactions) - 1; index >= 0; index-- {
		transaction := store.transactions[index]
		if transaction.HolderID != holderID {
			continue
		}
		matched = append(matched, transaction)
		if limit > 0 && len(matched) == limit {
			break
		}
	}
	return matched, nil
}

func (store *stubStore) SumTransactionAmounts(ctx context.Context, holderID HolderID) (Amount, error) {
	var sum Amount
	for _, transaction := range store.transactions {
		if transaction.HolderID == holderID {
			sum += transaction.Amount
		}
	}
	return sum, nil
}

func (store *stubStore) ListHoldersDueForRefill(ctx context.Context, dayOfMonth int, lastDayOfMonth bool) ([]Holder, error) {
	matched := make([]Holder, 0)
	for _, holder := range store.holders {
		if holder.Refill == nil {
			continue
		}
		if holder.Refill.RefillDay == dayOfMonth || (lastDayOfMonth && holder.Refill.RefillDay > dayOfMonth) {
			matched = append(matched, holder)
		}
	}
	return matched, nil
}

func (store *stubStore) transactionsFor(holderID HolderID) []Transaction {
	matched := make([]Transaction, 0)
	for _, transaction := range store.transactions {
		if transaction.HolderID == holderID {
			matched = append(matched, transaction)
		}
	}
	return matched
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 1700000000 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustHolder(test *testing.T, store *stubStore, holderType HolderType, balance Amount) Holder {
	test.Helper()
	holder, err := store.CreateHolder(context.Background(), Holder{Type: holderType, Balance: balance})
	if err != nil {
		test.Fatalf("create holder: %v", err)
	}
	return holder
}
