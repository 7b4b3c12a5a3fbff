package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestCreditIncreasesBalanceAndAppendsTransaction(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	holder := mustHolder(test, store, HolderOrganization, 0)

	transaction, err := service.Credit(context.Background(), holder.ID, 300, KindPurchase, "credit pack", "admin-1")
	if err != nil {
		test.Fatalf("credit: %v", err)
	}
	if transaction.Amount != 300 {
		test.Fatalf("expected amount 300, got %d", transaction.Amount)
	}
	if transaction.ResultingBalance != 300 {
		test.Fatalf("expected resulting balance 300, got %d", transaction.ResultingBalance)
	}
	balance, err := service.Balance(context.Background(), holder.ID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 300 {
		test.Fatalf("expected balance 300, got %d", balance)
	}
}

func TestDebitInsufficientFundsLeavesNoTrace(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	holder := mustHolder(test, store, HolderMember, 10)

	_, err := service.Debit(context.Background(), holder.ID, 50, KindUsage, "transcription", "")
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	var insufficientFunds InsufficientFundsError
	if !errors.As(err, &insufficientFunds) {
		test.Fatalf("expected InsufficientFundsError, got %T", err)
	}
	if insufficientFunds.Available != 10 || insufficientFunds.Requested != 50 {
		test.Fatalf("expected available 10 requested 50, got %d/%d", insufficientFunds.Available, insufficientFunds.Requested)
	}
	balance, err := service.Balance(context.Background(), holder.ID)
	if err != nil {
		test.Fatalf("balance: %v", err)
	}
	if balance != 10 {
		test.Fatalf("expected balance unchanged at 10, got %d", balance)
	}
	if got := len(store.transactionsFor(holder.ID)); got != 0 {
		test.Fatalf("expected no transaction rows, got %d", got)
	}
}

func TestDebitRecordsNegativeAmount(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	holder := mustHolder(test, store, HolderMember, 80)

	transaction, err := service.Debit(context.Background(), holder.ID, 30, KindUsage, "transcription minutes", "")
	if err != nil {
		test.Fatalf("debit: %v", err)
	}
	if transaction.Amount != -30 {
		test.Fatalf("expected amount -30, got %d", transaction.Amount)
	}
	if transaction.ResultingBalance != 50 {
		test.Fatalf("expected resulting balance 50, got %d", transaction.ResultingBalance)
	}
}

func TestDistributeCreditsWritesBothRows(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	reseller := mustHolder(test, store, HolderReseller, 1000)
	organization := mustHolder(test, store, HolderOrganization, 0)

	result, err := service.DistributeCredits(context.Background(), reseller.ID, organization.ID, 300, "monthly allotment", "admin-1")
	if err != nil {
		test.Fatalf("distribute: %v", err)
	}

	resellerBalance, _ := service.Balance(context.Background(), reseller.ID)
	if resellerBalance != 700 {
		test.Fatalf("expected reseller balance 700, got %d", resellerBalance)
	}
	organizationBalance, _ := service.Balance(context.Background(), organization.ID)
	if organizationBalance != 300 {
		test.Fatalf("expected organization balance 300, got %d", organizationBalance)
	}
	if result.Debit.Kind != KindDistribution || result.Debit.Amount != -300 {
		test.Fatalf("expected distribution -300 on source, got %s %d", result.Debit.Kind, result.Debit.Amount)
	}
	if result.Credit.Kind != KindPurchase || result.Credit.Amount != 300 {
		test.Fatalf("expected purchase +300 on destination, got %s %d", result.Credit.Kind, result.Credit.Amount)
	}
	if result.Debit.CounterpartyID == nil || *result.Debit.CounterpartyID != organization.ID {
		test.Fatalf("expected debit counterparty %s", organization.ID.String())
	}
}

func TestTransferInsufficientFundsTouchesNeitherHolder(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	source := mustHolder(test, store, HolderOrganization, 100)
	destination := mustHolder(test, store, HolderMember, 5)

	_, err := service.Transfer(context.Background(), source.ID, destination.ID, 200, KindDistribution, "too much", "")
	if !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	sourceBalance, _ := service.Balance(context.Background(), source.ID)
	destinationBalance, _ := service.Balance(context.Background(), destination.ID)
	if sourceBalance != 100 || destinationBalance != 5 {
		test.Fatalf("expected balances unchanged, got %d/%d", sourceBalance, destinationBalance)
	}
	if got := len(store.transactions); got != 0 {
		test.Fatalf("expected no transaction rows, got %d", got)
	}
}

func TestTransferRollsBackWhenCreditFails(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	source := mustHolder(test, store, HolderReseller, 500)
	destination := mustHolder(test, store, HolderOrganization, 0)

	// Let the debit row through, fail the credit row.
	store.failInsertAfter = 1

	_, err := service.Transfer(context.Background(), source.ID, destination.ID, 100, KindDistribution, "partial failure", "")
	if err == nil {
		test.Fatal("expected transfer to fail")
	}
	sourceBalance, _ := service.Balance(context.Background(), source.ID)
	destinationBalance, _ := service.Balance(context.Background(), destination.ID)
	if sourceBalance != 500 || destinationBalance != 0 {
		test.Fatalf("expected full rollback, got %d/%d", sourceBalance, destinationBalance)
	}
	if got := len(store.transactions); got != 0 {
		test.Fatalf("expected no transaction rows after rollback, got %d", got)
	}
}

func TestTransferToSelfRejected(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	holder := mustHolder(test, store, HolderOrganization, 50)

	_, err := service.Transfer(context.Background(), holder.ID, holder.ID, 10, KindAdjustment, "loop", "")
	if !errors.Is(err, ErrInvalidHolderID) {
		test.Fatalf("expected ErrInvalidHolderID, got %v", err)
	}
}

func TestCreditPastCapRejected(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	cap := Amount(100)
	holder, err := store.CreateHolder(context.Background(), Holder{Type: HolderMember, Balance: 80, Cap: &cap})
	if err != nil {
		test.Fatalf("create holder: %v", err)
	}

	if _, err := service.Credit(context.Background(), holder.ID, 30, KindRefill, "over cap", ""); !errors.Is(err, ErrCapExceeded) {
		test.Fatalf("expected ErrCapExceeded, got %v", err)
	}
	balance, _ := service.Balance(context.Background(), holder.ID)
	if balance != 80 {
		test.Fatalf("expected balance unchanged at 80, got %d", balance)
	}

	headroom, capped, err := service.MaxReceivable(context.Background(), holder.ID)
	if err != nil {
		test.Fatalf("max receivable: %v", err)
	}
	if !capped || headroom != 20 {
		test.Fatalf("expected headroom 20, got %d capped=%v", headroom, capped)
	}
}

func TestLedgerConservation(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	reseller := mustHolder(test, store, HolderReseller, 0)
	organization := mustHolder(test, store, HolderOrganization, 0)

	ctx := context.Background()
	if _, err := service.Credit(ctx, reseller.ID, 1000, KindPurchase, "initial purchase", "admin"); err != nil {
		test.Fatalf("credit: %v", err)
	}
	if _, err := service.DistributeCredits(ctx, reseller.ID, organization.ID, 400, "allotment", "admin"); err != nil {
		test.Fatalf("distribute: %v", err)
	}
	if _, err := service.Debit(ctx, organization.ID, 150, KindUsage, "usage", ""); err != nil {
		test.Fatalf("debit: %v", err)
	}
	if _, err := service.Debit(ctx, organization.ID, 500, KindUsage, "over budget", ""); !errors.Is(err, ErrInsufficientFunds) {
		test.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	for _, holderID := range []HolderID{reseller.ID, organization.ID} {
		consistent, err := service.Reconcile(ctx, holderID)
		if err != nil {
			test.Fatalf("reconcile %s: %v", holderID.String(), err)
		}
		if !consistent {
			test.Fatalf("holder %s: balance does not equal transaction sum", holderID.String())
		}
	}
}

func TestDebitUnknownHolder(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	unknown, _ := NewHolderID("missing")

	_, err := service.Debit(context.Background(), unknown, 10, KindUsage, "ghost", "")
	if !errors.Is(err, ErrHolderNotFound) {
		test.Fatalf("expected ErrHolderNotFound, got %v", err)
	}
}

func TestMutationRejectsNonPositiveAmounts(test *testing.T) {
	test.Parallel()
	store := newStubStore()
	service := mustNewService(test, store)
	holder := mustHolder(test, store, HolderMember, 10)

	if _, err := service.Credit(context.Background(), holder.ID, 0, KindPurchase, "zero", ""); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if _, err := service.Debit(context.Background(), holder.ID, -5, KindUsage, "negative", ""); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
}
