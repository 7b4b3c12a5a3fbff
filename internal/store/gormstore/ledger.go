package gormstore

import (
	"context"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/creditcore/pkg/ledger"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func (store *Store) CreateHolder(ctx context.Context, holder ledger.Holder) (ledger.Holder, error) {
	if holder.ID.String() == "" {
		holderID, err := ledger.NewHolderID(uuid.NewString())
		if err != nil {
			return ledger.Holder{}, wrapStoreError(errorSubjectHolder, errorCodeInvalid, err)
		}
		holder.ID = holderID
	}
	row := Holder{
		HolderID: holder.ID.String(),
		Type:     holder.Type.String(),
		Name:     holder.Name,
		Balance:  holder.Balance.Int64(),
	}
	if holder.Cap != nil {
		value := holder.Cap.Int64()
		row.CapAmount = &value
	}
	if holder.Refill != nil {
		target := holder.Refill.TargetBalance.Int64()
		day := holder.Refill.RefillDay
		row.RefillTarget = &target
		row.RefillDay = &day
	}
	err := store.db.WithContext(ctx).Create(&row).Error
	if isDuplicateError(err) {
		return ledger.Holder{}, wrapStoreError(errorSubjectHolder, errorCodeDuplicate, ledger.ErrHolderExists)
	}
	if err != nil {
		return ledger.Holder{}, wrapStoreError(errorSubjectHolder, errorCodeCreate, err)
	}
	return holder, nil
}

func (store *Store) GetHolder(ctx context.Context, holderID ledger.HolderID) (ledger.Holder, error) {
	return store.getHolder(ctx, holderID, false)
}

// GetHolderForUpdate takes a row lock so concurrent mutations of the same
// holder serialize. sqlite falls back to its single-writer transaction.
func (store *Store) GetHolderForUpdate(ctx context.Context, holderID ledger.HolderID) (ledger.Holder, error) {
	return store.getHolder(ctx, holderID, true)
}

func (store *Store) getHolder(ctx context.Context, holderID ledger.HolderID, forUpdate bool) (ledger.Holder, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row Holder
	err := query.Where("holder_id = ?", holderID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.Holder{}, wrapStoreError(errorSubjectHolder, errorCodeGet, ledger.ErrHolderNotFound)
		}
		return ledger.Holder{}, wrapStoreError(errorSubjectHolder, errorCodeGet, err)
	}
	holder, err := mapHolder(row)
	if err != nil {
		return ledger.Holder{}, wrapStoreError(errorSubjectHolder, errorCodeInvalid, err)
	}
	return holder, nil
}

func (store *Store) UpdateHolderBalance(ctx context.Context, holderID ledger.HolderID, balance ledger.Amount) error {
	result := store.db.WithContext(ctx).
		Model(&Holder{}).
		Where("holder_id = ?", holderID.String()).
		Update("balance", balance.Int64())
	if result.Error != nil {
		return wrapStoreError(errorSubjectHolder, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectHolder, errorCodeUpdate, ledger.ErrHolderNotFound)
	}
	return nil
}

func (store *Store) InsertTransaction(ctx context.Context, transaction ledger.Transaction) (ledger.Transaction, error) {
	row := LedgerTransaction{
		TransactionID:    transaction.ID,
		HolderID:         transaction.HolderID.String(),
		Amount:           transaction.Amount.Int64(),
		ResultingBalance: transaction.ResultingBalance.Int64(),
		Kind:             transaction.Kind.String(),
		Description:      transaction.Description,
		PerformedBy:      transaction.PerformedBy,
		CreatedAt:        time.Unix(transaction.CreatedUnixUTC, 0).UTC(),
	}
	if transaction.CounterpartyID != nil {
		value := transaction.CounterpartyID.String()
		row.CounterpartyID = &value
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	if err := store.db.WithContext(ctx).Create(&row).Error; err != nil {
		return ledger.Transaction{}, wrapStoreError(errorSubjectTransaction, errorCodeInsert, err)
	}
	transaction.ID = row.TransactionID
	return transaction, nil
}

func (store *Store) ListTransactions(ctx context.Context, holderID ledger.HolderID, beforeUnixUTC int64, limit int) ([]ledger.Transaction, error) {
	before := time.Unix(beforeUnixUTC, 0).UTC()
	if beforeUnixUTC == 0 {
		before = time.Now().UTC().Add(time.Second)
	}

	var rows []LedgerTransaction
	err := store.db.WithContext(ctx).
		Where("holder_id = ? AND created_at < ?", holderID.String(), before).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectTransaction, errorCodeList, err)
	}

	transactions := make([]ledger.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectTransaction, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, nil
}

func (store *Store) SumTransactionAmounts(ctx context.Context, holderID ledger.HolderID) (ledger.Amount, error) {
	var sum sqlSum
	err := store.db.WithContext(ctx).
		Model(&LedgerTransaction{}).
		Select("coalesce(sum(amount),0) as total").
		Where("holder_id = ?", holderID.String()).
		Scan(&sum).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectBalance, errorCodeSumTotal, err)
	}
	return ledger.Amount(sum.Total), nil
}

func (store *Store) ListHoldersDueForRefill(ctx context.Context, dayOfMonth int, lastDayOfMonth bool) ([]ledger.Holder, error) {
	query := store.db.WithContext(ctx).Where("refill_target IS NOT NULL")
	if lastDayOfMonth {
		query = query.Where("refill_day >= ?", dayOfMonth)
	} else {
		query = query.Where("refill_day = ?", dayOfMonth)
	}
	var rows []Holder
	if err := query.Order("holder_id").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectHolder, errorCodeList, err)
	}
	holders := make([]ledger.Holder, 0, len(rows))
	for _, row := range rows {
		holder, err := mapHolder(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectHolder, errorCodeInvalid, err)
		}
		holders = append(holders, holder)
	}
	return holders, nil
}

func mapHolder(row Holder) (ledger.Holder, error) {
	holderID, err := ledger.NewHolderID(row.HolderID)
	if err != nil {
		return ledger.Holder{}, err
	}
	holderType, err := ledger.ParseHolderType(row.Type)
	if err != nil {
		return ledger.Holder{}, err
	}
	holder := ledger.Holder{
		ID:      holderID,
		Type:    holderType,
		Name:    row.Name,
		Balance: ledger.Amount(row.Balance),
	}
	if row.CapAmount != nil {
		capAmount := ledger.Amount(*row.CapAmount)
		holder.Cap = &capAmount
	}
	if row.RefillTarget != nil && row.RefillDay != nil {
		holder.Refill = &ledger.RefillPolicy{
			TargetBalance: ledger.Amount(*row.RefillTarget),
			RefillDay:     *row.RefillDay,
		}
	}
	return holder, nil
}

func mapTransaction(row LedgerTransaction) (ledger.Transaction, error) {
	holderID, err := ledger.NewHolderID(row.HolderID)
	if err != nil {
		return ledger.Transaction{}, err
	}
	kind, err := ledger.ParseTransactionKind(row.Kind)
	if err != nil {
		return ledger.Transaction{}, err
	}
	transaction := ledger.Transaction{
		ID:               row.TransactionID,
		HolderID:         holderID,
		Amount:           ledger.Amount(row.Amount),
		ResultingBalance: ledger.Amount(row.ResultingBalance),
		Kind:             kind,
		Description:      row.Description,
		PerformedBy:      row.PerformedBy,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}
	if row.CounterpartyID != nil {
		counterpartyID, err := ledger.NewHolderID(*row.CounterpartyID)
		if err != nil {
			return ledger.Transaction{}, err
		}
		transaction.CounterpartyID = &counterpartyID
	}
	return transaction, nil
}
