package app

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"

	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/domain"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/store"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/pkg/processorclient"
)

func seedUser(repo *fakeRepo, balance int64) *domain.User {
	user := &domain.User{
		ID:             uuid.New(),
		IdentityNumber: "7506023452",
		FullName:       "Ivan Ivanov",
		AccountNumber:  "BG80BNBG96611020345678",
		Balance:        balance,
		Active:         true,
	}
	repo.addUser(user)
	return user
}

func TestDepositCreditsBalanceAndRecordsCompletedRow(t *testing.T) {
	repo := newFakeRepo()
	user := seedUser(repo, 50000) // 500.00
	ledger := newTestLedger(repo, &processorStub{})

	result, err := ledger.Deposit(context.Background(), user.ID, domain.DepositRequest{Amount: 10050})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NewBalance != 60050 {
		t.Fatalf("expected balance 60050, got %d", result.NewBalance)
	}
	if result.Transaction.Status != domain.TxStatusCompleted {
		t.Fatalf("expected completed deposit, got %q", result.Transaction.Status)
	}
	if result.Transaction.Type != domain.TxTypeDeposit {
		t.Fatalf("expected deposit type, got %q", result.Transaction.Type)
	}
}

func TestDepositRejectsOutOfRangeAmounts(t *testing.T) {
	repo := newFakeRepo()
	user := seedUser(repo, 0)
	ledger := newTestLedger(repo, &processorStub{})

	for _, amount := range []int64{0, -100, 1000001} {
		if _, err := ledger.Deposit(context.Background(), user.ID, domain.DepositRequest{Amount: amount}); !errors.Is(err, ErrAmountOutOfRange) {
			t.Fatalf("expected ErrAmountOutOfRange for %d, got %v", amount, err)
		}
	}
	if balance, _ := repo.GetBalance(context.Background(), user.ID); balance != 0 {
		t.Fatalf("rejected deposits must not move the balance, got %d", balance)
	}
}

func TestTransferSuccessDebitsAndCompletes(t *testing.T) {
	repo := newFakeRepo()
	user := seedUser(repo, 200000)
	var capturedKey string
	processor := &processorStub{
		initiateTransfer: func(ctx context.Context, idempotencyKey string, payload processorclient.TransferRequest) (*processorclient.TransferResponse, error) {
			capturedKey = idempotencyKey
			return &processorclient.TransferResponse{Reference: "proc-777", Status: "completed"}, nil
		},
	}
	ledger := newTestLedger(repo, processor)

	result, err := ledger.Transfer(context.Background(), user.ID, domain.TransferRequest{
		Amount:           75000,
		RecipientAccount: "DE89 3704 0044 0532 0130 00",
		RecipientName:    "Maria Petrova",
		Description:      "Rent",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NewBalance != 125000 {
		t.Fatalf("expected balance 125000, got %d", result.NewBalance)
	}
	if result.Transaction.Status != domain.TxStatusCompleted {
		t.Fatalf("expected completed, got %q", result.Transaction.Status)
	}
	if capturedKey != result.Transaction.ID.String() {
		t.Fatalf("idempotency key must be the transaction id, got %q", capturedKey)
	}
	stored, _ := repo.FindTransactionByID(context.Background(), result.Transaction.ID)
	if stored.ProcessorReference == nil || *stored.ProcessorReference != "proc-777" {
		t.Fatalf("expected stored processor reference, got %+v", stored.ProcessorReference)
	}
	if stored.RecipientAccount == nil || *stored.RecipientAccount != "DE89370400440532013000" {
		t.Fatalf("expected normalized recipient account, got %+v", stored.RecipientAccount)
	}
}

func TestTransferInsufficientFundsHasNoSideEffects(t *testing.T) {
	repo := newFakeRepo()
	user := seedUser(repo, 50000) // 500.00
	called := false
	processor := &processorStub{
		initiateTransfer: func(ctx context.Context, idempotencyKey string, payload processorclient.TransferRequest) (*processorclient.TransferResponse, error) {
			called = true
			return nil, nil
		},
	}
	ledger := newTestLedger(repo, processor)

	_, err := ledger.Transfer(context.Background(), user.ID, domain.TransferRequest{
		Amount:           200000, // 2000.00
		RecipientAccount: "BG80BNBG96611020345678",
		RecipientName:    "Maria Petrova",
	})
	if !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if called {
		t.Fatal("processor must not be called when the debit fails")
	}
	if balance, _ := repo.GetBalance(context.Background(), user.ID); balance != 50000 {
		t.Fatalf("balance must be unchanged, got %d", balance)
	}
	if txs, _ := repo.FindTransactionsByUserID(context.Background(), user.ID, domain.HistoryOptions{}); len(txs) != 0 {
		t.Fatalf("no transaction row expected, got %d", len(txs))
	}
}

func TestTransferRejectionCompensatesAndFails(t *testing.T) {
	repo := newFakeRepo()
	user := seedUser(repo, 100000)
	processor := &processorStub{
		initiateTransfer: func(ctx context.Context, idempotencyKey string, payload processorclient.TransferRequest) (*processorclient.TransferResponse, error) {
			return nil, &processorclient.APIError{StatusCode: 422, Code: "invalid_account", Detail: "recipient account closed"}
		},
	}
	ledger := newTestLedger(repo, processor)

	result, err := ledger.Transfer(context.Background(), user.ID, domain.TransferRequest{
		Amount:           30000,
		RecipientAccount: "BG80BNBG96611020345678",
		RecipientName:    "Maria Petrova",
	})
	if err != nil {
		t.Fatalf("a rejected transfer reports through the transaction, got error %v", err)
	}
	if result.Transaction.Status != domain.TxStatusFailed {
		t.Fatalf("expected failed status, got %q", result.Transaction.Status)
	}
	if result.Transaction.FailureReason == nil || *result.Transaction.FailureReason != "recipient account closed" {
		t.Fatalf("expected failure reason from processor, got %+v", result.Transaction.FailureReason)
	}
	if result.NewBalance != 100000 {
		t.Fatalf("compensation must restore the balance, got %d", result.NewBalance)
	}
	stored, _ := repo.FindTransactionByID(context.Background(), result.Transaction.ID)
	if stored.Status != domain.TxStatusFailed {
		t.Fatalf("expected persisted failed status, got %q", stored.Status)
	}
}

func TestTransferUnknownOutcomeCompensatesAndStaysPending(t *testing.T) {
	repo := newFakeRepo()
	user := seedUser(repo, 100000)
	processor := &processorStub{
		initiateTransfer: func(ctx context.Context, idempotencyKey string, payload processorclient.TransferRequest) (*processorclient.TransferResponse, error) {
			return nil, processorclient.ErrProcessorUnavailable
		},
	}
	ledger := newTestLedger(repo, processor)

	result, err := ledger.Transfer(context.Background(), user.ID, domain.TransferRequest{
		Amount:           30000,
		RecipientAccount: "BG80BNBG96611020345678",
		RecipientName:    "Maria Petrova",
	})
	if !errors.Is(err, ErrOutcomeUnknown) {
		t.Fatalf("expected ErrOutcomeUnknown, got %v", err)
	}
	if result == nil {
		t.Fatal("expected a result alongside ErrOutcomeUnknown")
	}
	if result.NewBalance != 100000 {
		t.Fatalf("compensation must restore the balance, got %d", result.NewBalance)
	}
	stored, _ := repo.FindTransactionByID(context.Background(), result.Transaction.ID)
	if stored.Status != domain.TxStatusPending {
		t.Fatalf("expected row left pending, got %q", stored.Status)
	}
	if !stored.Compensated {
		t.Fatal("expected compensated flag set for reconciliation")
	}
}

func TestPayBillUnknownProvider(t *testing.T) {
	repo := newFakeRepo()
	user := seedUser(repo, 100000)
	ledger := newTestLedger(repo, &processorStub{})

	_, err := ledger.PayBill(context.Background(), user.ID, domain.BillPaymentRequest{
		Amount:            5000,
		ProviderCode:      "NOPE",
		BillAccountNumber: "100200300",
	})
	if !errors.Is(err, store.ErrProviderNotFound) {
		t.Fatalf("expected ErrProviderNotFound, got %v", err)
	}
}

func TestPayBillInactiveProvider(t *testing.T) {
	repo := newFakeRepo()
	user := seedUser(repo, 100000)
	repo.catalog["ELEC-SOF"] = domain.BillProvider{Code: "ELEC-SOF", Name: "Sofia Electricity", Active: false}
	ledger := newTestLedger(repo, &processorStub{})

	_, err := ledger.PayBill(context.Background(), user.ID, domain.BillPaymentRequest{
		Amount:            5000,
		ProviderCode:      "ELEC-SOF",
		BillAccountNumber: "100200300",
	})
	if !errors.Is(err, ErrProviderInactive) {
		t.Fatalf("expected ErrProviderInactive, got %v", err)
	}
	if balance, _ := repo.GetBalance(context.Background(), user.ID); balance != 100000 {
		t.Fatalf("balance must be unchanged, got %d", balance)
	}
}

func TestPayBillSuccess(t *testing.T) {
	repo := newFakeRepo()
	user := seedUser(repo, 100000)
	repo.catalog["ELEC-SOF"] = domain.BillProvider{Code: "ELEC-SOF", Name: "Sofia Electricity", Active: true}
	ledger := newTestLedger(repo, &processorStub{
		payBill: func(ctx context.Context, idempotencyKey string, payload processorclient.BillPaymentRequest) (*processorclient.TransferResponse, error) {
			return &processorclient.TransferResponse{Reference: "bill-55", Status: "completed"}, nil
		},
	})

	result, err := ledger.PayBill(context.Background(), user.ID, domain.BillPaymentRequest{
		Amount:            4200,
		ProviderCode:      "ELEC-SOF",
		BillAccountNumber: "100200300",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Transaction.Status != domain.TxStatusCompleted {
		t.Fatalf("expected completed, got %q", result.Transaction.Status)
	}
	if result.NewBalance != 95800 {
		t.Fatalf("expected balance 95800, got %d", result.NewBalance)
	}
}

func TestConservationAcrossMixedOperations(t *testing.T) {
	repo := newFakeRepo()
	user := seedUser(repo, 50000) // 500.00
	rejectNext := false
	processor := &processorStub{
		initiateTransfer: func(ctx context.Context, idempotencyKey string, payload processorclient.TransferRequest) (*processorclient.TransferResponse, error) {
			if rejectNext {
				return nil, &processorclient.APIError{StatusCode: 422, Code: "rejected", Detail: "no"}
			}
			return &processorclient.TransferResponse{Reference: "ok-" + idempotencyKey, Status: "completed"}, nil
		},
	}
	ledger := newTestLedger(repo, processor)
	ctx := context.Background()

	// 500.00 + 100.50 deposit = 600.50
	if _, err := ledger.Deposit(ctx, user.ID, domain.DepositRequest{Amount: 10050}); err != nil {
		t.Fatalf("deposit failed: %v", err)
	}
	// successful transfer of 200.00 -> 400.50
	if _, err := ledger.Transfer(ctx, user.ID, domain.TransferRequest{Amount: 20000, RecipientAccount: "BG80BNBG96611020345678", RecipientName: "X"}); err != nil {
		t.Fatalf("transfer failed: %v", err)
	}
	// rejected transfer leaves balance unchanged
	rejectNext = true
	if _, err := ledger.Transfer(ctx, user.ID, domain.TransferRequest{Amount: 10000, RecipientAccount: "BG80BNBG96611020345678", RecipientName: "X"}); err != nil {
		t.Fatalf("rejected transfer should not error: %v", err)
	}

	balance, _ := repo.GetBalance(ctx, user.ID)
	if want := int64(50000 + 10050 - 20000); balance != want {
		t.Fatalf("conservation violated: want %d, got %d", want, balance)
	}
}

func TestConcurrentTransfersNeverOverdraw(t *testing.T) {
	repo := newFakeRepo()
	user := seedUser(repo, 100000) // covers exactly five 200.00 transfers
	ledger := newTestLedger(repo, &processorStub{})
	ctx := context.Background()

	const attempts = 12
	var wg sync.WaitGroup
	var succeeded, refused int64
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := ledger.Transfer(ctx, user.ID, domain.TransferRequest{
				Amount:           20000,
				RecipientAccount: "BG80BNBG96611020345678",
				RecipientName:    "Maria Petrova",
			})
			switch {
			case err == nil:
				atomic.AddInt64(&succeeded, 1)
			case errors.Is(err, store.ErrInsufficientFunds):
				atomic.AddInt64(&refused, 1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 5 || refused != attempts-5 {
		t.Fatalf("expected 5 transfers funded and %d refused, got %d/%d", attempts-5, succeeded, refused)
	}
	balance, _ := repo.GetBalance(ctx, user.ID)
	if balance != 0 {
		t.Fatalf("expected balance drained to 0, got %d", balance)
	}
}

func TestGetStatusPollsAndSettlesCompletedOutcome(t *testing.T) {
	repo := newFakeRepo()
	user := seedUser(repo, 100000)
	ref := "proc-42"
	tx := &domain.Transaction{
		ID:                 uuid.New(),
		UserID:             user.ID,
		Type:               domain.TxTypeTransfer,
		Status:             domain.TxStatusPending,
		Amount:             25000,
		Currency:           "BGN",
		ProcessorReference: &ref,
	}
	repo.CreateTransaction(context.Background(), tx)

	polls := 0
	ledger := newTestLedger(repo, &processorStub{
		getStatus: func(ctx context.Context, reference string) (*processorclient.StatusResponse, error) {
			polls++
			return &processorclient.StatusResponse{Reference: reference, Status: "completed"}, nil
		},
	})

	got, err := ledger.GetStatus(context.Background(), user.ID, tx.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if polls != 1 {
		t.Fatalf("expected exactly one poll, got %d", polls)
	}
	if got.Status != domain.TxStatusCompleted {
		t.Fatalf("expected completed after settlement, got %q", got.Status)
	}
	// The debit was never compensated, so settlement must not move the balance.
	if balance, _ := repo.GetBalance(context.Background(), user.ID); balance != 100000 {
		t.Fatalf("status poll must not move the balance, got %d", balance)
	}
}

func TestGetStatusHidesForeignTransactions(t *testing.T) {
	repo := newFakeRepo()
	owner := seedUser(repo, 0)
	other := &domain.User{ID: uuid.New(), IdentityNumber: "0441145002", Active: true}
	repo.addUser(other)

	tx := &domain.Transaction{ID: uuid.New(), UserID: owner.ID, Type: domain.TxTypeTransfer, Status: domain.TxStatusCompleted, Amount: 100}
	repo.CreateTransaction(context.Background(), tx)

	ledger := newTestLedger(repo, &processorStub{})
	if _, err := ledger.GetStatus(context.Background(), other.ID, tx.ID); !errors.Is(err, store.ErrTransactionNotFound) {
		t.Fatalf("expected ErrTransactionNotFound for foreign transaction, got %v", err)
	}
}

func TestHistoryRejectsUnknownTypeFilter(t *testing.T) {
	repo := newFakeRepo()
	user := seedUser(repo, 0)
	ledger := newTestLedger(repo, &processorStub{})

	if _, err := ledger.History(context.Background(), user.ID, domain.HistoryOptions{Type: "lottery"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation, got %v", err)
	}
}
