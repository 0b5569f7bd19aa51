/**
 * @description
 * This file contains the core business logic for money movement. The
 * `LedgerService` struct orchestrates deposits, outgoing transfers and bill
 * payments, coordinating between the database repository, the payment
 * processor client, and the message broker.
 *
 * Key behaviors:
 * - Funds are debited optimistically before the remote call; a definitive
 *   rejection compensates with an equal credit and marks the row FAILED.
 * - An unknown outcome (processor unreachable) also compensates, but leaves
 *   the row PENDING with `compensated` set so reconciliation can settle it
 *   once the true outcome is known.
 * - Every money-movement call carries the transaction id as idempotency key,
 *   so a retried submission cannot double-execute remotely.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For transaction identifiers.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/processorclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/config"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/domain"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/store"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/pkg/processorclient"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/pkg/rabbitmq"
)

var (
	// ErrValidation marks malformed input detected before any side effect.
	ErrValidation = errors.New("validation failed")
	// ErrAmountOutOfRange is returned for non-positive amounts or amounts
	// above the per-operation ceiling.
	ErrAmountOutOfRange = errors.New("amount out of range")
	// ErrProviderInactive is returned when a bill provider exists but is
	// disabled in the catalog.
	ErrProviderInactive = errors.New("bill provider is inactive")
	// ErrOutcomeUnknown accompanies a TransactionResult whose remote outcome
	// could not be learned. The debit has been compensated and the row stays
	// PENDING for reconciliation.
	ErrOutcomeUnknown = errors.New("transfer outcome unknown, queued for reconciliation")
)

// Processor is the payment processor surface the ledger depends on.
type Processor interface {
	InitiateTransfer(ctx context.Context, idempotencyKey string, payload processorclient.TransferRequest) (*processorclient.TransferResponse, error)
	PayBill(ctx context.Context, idempotencyKey string, payload processorclient.BillPaymentRequest) (*processorclient.TransferResponse, error)
	GetTransferStatus(ctx context.Context, reference string) (*processorclient.StatusResponse, error)
}

// LedgerService provides the core business logic for money movement.
type LedgerService struct {
	repo          store.Repository
	processor     Processor
	eventProducer rabbitmq.Publisher
	audit         *AuditRecorder
	providerCache *ProviderCache
	currency      string
	maxAmount     int64
}

// NewLedgerService creates a new ledger service instance.
func NewLedgerService(repo store.Repository, processor Processor, producer rabbitmq.Publisher, audit *AuditRecorder, providerCache *ProviderCache, cfg config.Config) *LedgerService {
	return &LedgerService{
		repo:          repo,
		processor:     processor,
		eventProducer: producer,
		audit:         audit,
		providerCache: providerCache,
		currency:      cfg.Currency,
		maxAmount:     cfg.MaxTransactionAmount,
	}
}

func (s *LedgerService) checkAmount(amount int64) error {
	if amount <= 0 || amount > s.maxAmount {
		return ErrAmountOutOfRange
	}
	return nil
}

func (s *LedgerService) resolveCurrency(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return s.currency
	}
	return currency
}

// Deposit records cash accepted by the kiosk's note validator. There is no
// remote leg: the row insert and balance credit commit atomically.
func (s *LedgerService) Deposit(ctx context.Context, userID uuid.UUID, req domain.DepositRequest) (*domain.TransactionResult, error) {
	if err := s.checkAmount(req.Amount); err != nil {
		return nil, err
	}

	tx := &domain.Transaction{
		ID:          uuid.New(),
		UserID:      userID,
		Type:        domain.TxTypeDeposit,
		Status:      domain.TxStatusCompleted,
		Amount:      req.Amount,
		Currency:    s.resolveCurrency(req.Currency),
		Description: "Cash deposit at kiosk",
	}

	newBalance, err := s.repo.RecordDeposit(ctx, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to record deposit: %w", err)
	}

	s.audit.Record(ctx, &userID, "deposit", "transaction", tx.ID.String(), domain.AuditOutcomeSuccess, map[string]interface{}{
		"amount": req.Amount,
	}, nil)
	s.publishTransactionEvent(ctx, tx, domain.TxStatusCompleted)

	stored, err := s.repo.FindTransactionByID(ctx, tx.ID)
	if err != nil {
		// The deposit committed; fall back to the in-memory view.
		log.Printf("level=warn component=ledger msg=\"failed to re-read deposit row\" transaction_id=%s err=%v", tx.ID, err)
		stored = tx
	}
	return &domain.TransactionResult{Transaction: stored, NewBalance: newBalance}, nil
}

// Transfer sends money to an external IBAN through the payment processor.
func (s *LedgerService) Transfer(ctx context.Context, userID uuid.UUID, req domain.TransferRequest) (*domain.TransactionResult, error) {
	if err := s.checkAmount(req.Amount); err != nil {
		return nil, err
	}
	if err := domain.ValidateIBAN(req.RecipientAccount); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.RecipientName) == "" {
		return nil, fmt.Errorf("%w: recipient name is required", ErrValidation)
	}

	recipientAccount := domain.NormalizeIBAN(req.RecipientAccount)
	currency := s.resolveCurrency(req.Currency)

	tx := &domain.Transaction{
		ID:               uuid.New(),
		UserID:           userID,
		Type:             domain.TxTypeTransfer,
		Status:           domain.TxStatusPending,
		Amount:           req.Amount,
		Currency:         currency,
		RecipientAccount: &recipientAccount,
		RecipientName:    &req.RecipientName,
		Description:      req.Description,
	}

	call := func(callCtx context.Context) (*processorclient.TransferResponse, error) {
		return s.processor.InitiateTransfer(callCtx, tx.ID.String(), processorclient.TransferRequest{
			Amount:           req.Amount,
			Currency:         currency,
			RecipientAccount: recipientAccount,
			RecipientName:    req.RecipientName,
			Description:      req.Description,
		})
	}
	return s.executeOutbound(ctx, userID, tx, "transfer", call)
}

// PayBill pays a utility bill through the payment processor.
func (s *LedgerService) PayBill(ctx context.Context, userID uuid.UUID, req domain.BillPaymentRequest) (*domain.TransactionResult, error) {
	if err := s.checkAmount(req.Amount); err != nil {
		return nil, err
	}

	provider, err := s.repo.FindBillProviderByCode(ctx, strings.TrimSpace(req.ProviderCode))
	if err != nil {
		return nil, err
	}
	if !provider.Active {
		return nil, ErrProviderInactive
	}
	if strings.TrimSpace(req.BillAccountNumber) == "" {
		return nil, fmt.Errorf("%w: bill account number is required", ErrValidation)
	}

	currency := s.resolveCurrency(req.Currency)
	description := req.Description
	if description == "" {
		description = "Bill payment: " + provider.Name
	}

	tx := &domain.Transaction{
		ID:                uuid.New(),
		UserID:            userID,
		Type:              domain.TxTypeBillPayment,
		Status:            domain.TxStatusPending,
		Amount:            req.Amount,
		Currency:          currency,
		ProviderCode:      &provider.Code,
		BillAccountNumber: &req.BillAccountNumber,
		Description:       description,
	}

	call := func(callCtx context.Context) (*processorclient.TransferResponse, error) {
		return s.processor.PayBill(callCtx, tx.ID.String(), processorclient.BillPaymentRequest{
			Amount:            req.Amount,
			Currency:          currency,
			ProviderCode:      provider.Code,
			BillAccountNumber: req.BillAccountNumber,
		})
	}
	return s.executeOutbound(ctx, userID, tx, "bill_payment", call)
}

// executeOutbound runs the debit-then-call sequence shared by transfers and
// bill payments.
func (s *LedgerService) executeOutbound(ctx context.Context, userID uuid.UUID, tx *domain.Transaction, action string, call func(context.Context) (*processorclient.TransferResponse, error)) (*domain.TransactionResult, error) {
	// 1. Debit first to lock the funds.
	newBalance, err := s.repo.DebitBalance(ctx, userID, tx.Amount)
	if err != nil {
		if errors.Is(err, store.ErrInsufficientFunds) {
			s.audit.Record(ctx, &userID, action, "transaction", tx.ID.String(), domain.AuditOutcomeFailure, map[string]interface{}{
				"amount": tx.Amount,
				"reason": "insufficient_funds",
			}, nil)
		}
		return nil, err
	}

	// 2. Durable record of intent before the remote leg.
	if err := s.repo.CreateTransaction(ctx, tx); err != nil {
		if _, refundErr := s.repo.CreditBalance(ctx, userID, tx.Amount); refundErr != nil {
			log.Printf("level=error component=ledger msg=\"CRITICAL: failed to refund debit after transaction insert failure\" user_id=%s amount=%d err=%v", userID, tx.Amount, refundErr)
		}
		return nil, fmt.Errorf("failed to create transaction record: %w", err)
	}

	// 3. Remote leg.
	resp, err := call(ctx)
	switch {
	case err == nil:
		return s.handleProcessorAccepted(ctx, userID, tx, action, resp, newBalance)
	case errors.Is(err, processorclient.ErrProcessorUnavailable):
		return s.handleUnknownOutcome(ctx, userID, tx, action, err)
	default:
		return s.handleProcessorRejection(ctx, userID, tx, action, err)
	}
}

func (s *LedgerService) handleProcessorAccepted(ctx context.Context, userID uuid.UUID, tx *domain.Transaction, action string, resp *processorclient.TransferResponse, balanceAfterDebit int64) (*domain.TransactionResult, error) {
	reference := strings.TrimSpace(resp.Reference)
	var refPtr *string
	if reference != "" {
		refPtr = &reference
		tx.ProcessorReference = refPtr
	}

	switch normalizeProcessorStatus(resp.Status) {
	case domain.TxStatusCompleted:
		if err := s.repo.MarkTransactionCompleted(ctx, tx.ID, refPtr); err != nil {
			return nil, fmt.Errorf("failed to complete transaction: %w", err)
		}
		tx.Status = domain.TxStatusCompleted
		s.audit.Record(ctx, &userID, action, "transaction", tx.ID.String(), domain.AuditOutcomeSuccess, map[string]interface{}{
			"amount":              tx.Amount,
			"processor_reference": reference,
		}, nil)
		s.publishTransactionEvent(ctx, tx, domain.TxStatusCompleted)

	case domain.TxStatusFailed:
		// Accepted on the wire but rejected in the body.
		return s.handleProcessorRejection(ctx, userID, tx, action, fmt.Errorf("processor rejected: %s", resp.Reason))

	default:
		// Accepted and queued remotely. The debit stands; reconciliation or a
		// status event finishes the job.
		if refPtr != nil {
			if err := s.repo.SetTransactionProcessorReference(ctx, tx.ID, reference); err != nil {
				log.Printf("level=error component=ledger msg=\"failed to store processor reference\" transaction_id=%s err=%v", tx.ID, err)
			}
		}
		s.audit.Record(ctx, &userID, action, "transaction", tx.ID.String(), domain.AuditOutcomeSuccess, map[string]interface{}{
			"amount":              tx.Amount,
			"processor_reference": reference,
			"remote_status":       resp.Status,
		}, nil)
	}

	return &domain.TransactionResult{Transaction: tx, NewBalance: balanceAfterDebit}, nil
}

// handleProcessorRejection compensates the debit and finalizes the row as
// FAILED with the rejection detail.
func (s *LedgerService) handleProcessorRejection(ctx context.Context, userID uuid.UUID, tx *domain.Transaction, action string, cause error) (*domain.TransactionResult, error) {
	reason := cause.Error()
	var apiErr *processorclient.APIError
	if errors.As(cause, &apiErr) {
		reason = apiErr.Detail
		if reason == "" {
			reason = apiErr.Code
		}
	}

	if err := s.repo.MarkTransactionFailed(ctx, tx.ID, tx.ProcessorReference, reason); err != nil {
		return nil, fmt.Errorf("failed to mark transaction failed: %w", err)
	}
	newBalance, err := s.repo.CreditBalance(ctx, userID, tx.Amount)
	if err != nil {
		log.Printf("level=error component=ledger msg=\"CRITICAL: compensation credit failed after rejection\" transaction_id=%s user_id=%s amount=%d err=%v", tx.ID, userID, tx.Amount, err)
		return nil, fmt.Errorf("failed to compensate debit: %w", err)
	}

	tx.Status = domain.TxStatusFailed
	tx.FailureReason = &reason
	s.audit.Record(ctx, &userID, action, "transaction", tx.ID.String(), domain.AuditOutcomeFailure, map[string]interface{}{
		"amount": tx.Amount,
		"reason": reason,
	}, cause)
	s.publishTransactionEvent(ctx, tx, domain.TxStatusFailed)

	return &domain.TransactionResult{Transaction: tx, NewBalance: newBalance}, nil
}

// handleUnknownOutcome compensates the debit but leaves the row PENDING with
// the compensated flag set: the remote side may still have executed the
// request, and reconciliation will re-apply the debit if it did.
func (s *LedgerService) handleUnknownOutcome(ctx context.Context, userID uuid.UUID, tx *domain.Transaction, action string, cause error) (*domain.TransactionResult, error) {
	newBalance, err := s.repo.CreditBalance(ctx, userID, tx.Amount)
	if err != nil {
		log.Printf("level=error component=ledger msg=\"CRITICAL: compensation credit failed after timeout\" transaction_id=%s user_id=%s amount=%d err=%v", tx.ID, userID, tx.Amount, err)
		return nil, fmt.Errorf("failed to compensate debit: %w", err)
	}
	if err := s.repo.SetTransactionCompensated(ctx, tx.ID, true); err != nil {
		log.Printf("level=error component=ledger msg=\"failed to flag compensated transaction\" transaction_id=%s err=%v", tx.ID, err)
	}
	tx.Compensated = true

	s.audit.Record(ctx, &userID, action, "transaction", tx.ID.String(), domain.AuditOutcomeFailure, map[string]interface{}{
		"amount": tx.Amount,
		"reason": "processor_unavailable",
	}, cause)

	return &domain.TransactionResult{Transaction: tx, NewBalance: newBalance}, fmt.Errorf("%w: %v", ErrOutcomeUnknown, cause)
}

// GetStatus returns a transaction owned by the user. When the row is still
// PENDING and holds a processor reference, exactly one status poll runs and
// any confirmed outcome is settled through the shared reconciliation paths.
func (s *LedgerService) GetStatus(ctx context.Context, userID, transactionID uuid.UUID) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID {
		// Ownership failures are indistinguishable from absence.
		return nil, store.ErrTransactionNotFound
	}

	if tx.Status == domain.TxStatusPending && tx.ProcessorReference != nil {
		status, err := s.processor.GetTransferStatus(ctx, *tx.ProcessorReference)
		if err != nil {
			log.Printf("level=warn component=ledger msg=\"status poll failed; returning local status\" transaction_id=%s err=%v", tx.ID, err)
			return tx, nil
		}
		switch normalizeProcessorStatus(status.Status) {
		case domain.TxStatusCompleted:
			if err := s.settleSuccess(ctx, tx, status.Reference); err != nil {
				log.Printf("level=error component=ledger msg=\"settlement failed during status poll\" transaction_id=%s err=%v", tx.ID, err)
			}
		case domain.TxStatusFailed:
			if err := s.settleFailure(ctx, tx, status.Reason); err != nil {
				log.Printf("level=error component=ledger msg=\"failure settlement failed during status poll\" transaction_id=%s err=%v", tx.ID, err)
			}
		}
		return s.repo.FindTransactionByID(ctx, transactionID)
	}

	return tx, nil
}

// History returns the user's transaction history.
func (s *LedgerService) History(ctx context.Context, userID uuid.UUID, opts domain.HistoryOptions) ([]domain.Transaction, error) {
	switch opts.Type {
	case "", domain.TxTypeDeposit, domain.TxTypeTransfer, domain.TxTypeBillPayment, domain.TxTypeWithdrawal:
	default:
		return nil, fmt.Errorf("%w: unknown transaction type filter %q", ErrValidation, opts.Type)
	}
	return s.repo.FindTransactionsByUserID(ctx, userID, opts)
}

// Balance returns the user's current balance.
func (s *LedgerService) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	return s.repo.GetBalance(ctx, userID)
}

// ListBillProviders returns the active provider catalog, served from the
// Redis cache when warm.
func (s *LedgerService) ListBillProviders(ctx context.Context) ([]domain.BillProvider, error) {
	if cached := s.providerCache.Get(ctx); cached != nil {
		return cached, nil
	}
	providers, err := s.repo.ListBillProviders(ctx)
	if err != nil {
		return nil, err
	}
	s.providerCache.Set(ctx, providers)
	return providers, nil
}

func (s *LedgerService) publishTransactionEvent(ctx context.Context, tx *domain.Transaction, status string) {
	if s.eventProducer == nil {
		return
	}
	event := domain.TransactionEvent{
		TransactionID: tx.ID,
		UserID:        tx.UserID,
		Type:          tx.Type,
		Status:        status,
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Timestamp:     time.Now(),
	}
	if err := s.eventProducer.PublishTransactionEvent(ctx, event); err != nil {
		log.Printf("level=warn component=ledger msg=\"failed to publish transaction event\" transaction_id=%s err=%v", tx.ID, err)
	}
}

func normalizeProcessorStatus(status string) string {
	switch strings.TrimSpace(strings.ToLower(status)) {
	case "successful", "success", "completed", "settled":
		return domain.TxStatusCompleted
	case "failed", "failure", "rejected", "returned":
		return domain.TxStatusFailed
	case "initiated", "processing", "pending", "queued":
		return domain.TxStatusPending
	default:
		return domain.TxStatusPending
	}
}
