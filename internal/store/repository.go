/**
 * @description
 * This file defines the `Repository` interface: the contract for all data
 * access required by the kiosk backend. The interface decouples the auth and
 * ledger services from PostgreSQL and lets tests substitute stubs.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For entity identifiers.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/domain"
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User and credential methods
	CreateUser(ctx context.Context, user *domain.User) error
	FindUserByIdentityNumber(ctx context.Context, identityNumber string) (*domain.User, error)
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	// RecordFailedLoginAttempt atomically increments the failed-attempt
	// counter and returns its new value.
	RecordFailedLoginAttempt(ctx context.Context, userID uuid.UUID) (int, error)
	ResetLoginFailureState(ctx context.Context, userID uuid.UUID, lastLogin time.Time) error
	SetFaceTemplateRef(ctx context.Context, userID uuid.UUID, ref string) error
	DeactivateUser(ctx context.Context, userID uuid.UUID) error

	// Balance methods. Debit checks and applies under a row lock so two
	// concurrent operations cannot both observe a stale balance.
	GetBalance(ctx context.Context, userID uuid.UUID) (int64, error)
	DebitBalance(ctx context.Context, userID uuid.UUID, amount int64) (int64, error)
	CreditBalance(ctx context.Context, userID uuid.UUID, amount int64) (int64, error)

	// Transaction methods
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	// RecordDeposit inserts a completed deposit row and credits the balance
	// in one database transaction; returns the new balance.
	RecordDeposit(ctx context.Context, tx *domain.Transaction) (int64, error)
	MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID, processorReference *string) error
	MarkTransactionFailed(ctx context.Context, transactionID uuid.UUID, processorReference *string, failureReason string) error
	SetTransactionProcessorReference(ctx context.Context, transactionID uuid.UUID, reference string) error
	SetTransactionCompensated(ctx context.Context, transactionID uuid.UUID, compensated bool) error
	// ClaimCompensatedSettlement atomically clears the compensated flag on a
	// still-pending transaction; exactly one concurrent settler receives true.
	ClaimCompensatedSettlement(ctx context.Context, transactionID uuid.UUID) (bool, error)
	FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error)
	FindTransactionByProcessorReference(ctx context.Context, reference string) (*domain.Transaction, error)
	FindTransactionsByUserID(ctx context.Context, userID uuid.UUID, opts domain.HistoryOptions) ([]domain.Transaction, error)
	FindStalePendingTransactions(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Transaction, error)

	// Session methods
	CreateSession(ctx context.Context, session *domain.Session) error
	FindSessionByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error)
	TouchSession(ctx context.Context, sessionID uuid.UUID, at time.Time) error
	DeleteSessionsByUserID(ctx context.Context, userID uuid.UUID) error

	// Audit methods
	CreateAuditEntry(ctx context.Context, entry *domain.AuditEntry) error

	// Bill provider catalog (read-only reference data)
	FindBillProviderByCode(ctx context.Context, code string) (*domain.BillProvider, error)
	ListBillProviders(ctx context.Context) ([]domain.BillProvider, error)

	// Ping reports database liveness for the health endpoint.
	Ping(ctx context.Context) error
}
