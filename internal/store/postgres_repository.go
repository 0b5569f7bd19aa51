/**
 * @description
 * PostgreSQL implementation of the `Repository` interface. Contains all SQL
 * touching the users, transactions, sessions, audit_entries and
 * bill_providers tables.
 *
 * @notes
 * - Balance mutation uses SELECT ... FOR UPDATE inside a database transaction
 *   so the check-and-debit step is a single atomic read-modify-write.
 * - Transaction status updates are guarded with `status = 'pending'` in the
 *   WHERE clause; a terminal row is never transitioned again.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/domain"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrSessionNotFound      = errors.New("session not found")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrTransactionNotFound  = errors.New("transaction not found")
	ErrTransactionFinalized = errors.New("transaction already in a terminal status")
	ErrProviderNotFound     = errors.New("bill provider not found")
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const userColumns = `id, identity_number, full_name, pin_hash, face_template_ref, account_number, balance, active, failed_attempts, last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	err := row.Scan(
		&user.ID,
		&user.IdentityNumber,
		&user.FullName,
		&user.PINHash,
		&user.FaceTemplateRef,
		&user.AccountNumber,
		&user.Balance,
		&user.Active,
		&user.FailedAttempts,
		&user.LastLoginAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// CreateUser inserts a new user row. Unique violations on identity_number or
// account_number surface as *pgconn.PgError with code 23505 for the caller to
// map.
func (r *PostgresRepository) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (id, identity_number, full_name, pin_hash, face_template_ref, account_number, balance, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		user.ID,
		user.IdentityNumber,
		user.FullName,
		user.PINHash,
		user.FaceTemplateRef,
		user.AccountNumber,
		user.Balance,
		user.Active,
	)
	return err
}

// FindUserByIdentityNumber retrieves a user by their EGN.
func (r *PostgresRepository) FindUserByIdentityNumber(ctx context.Context, identityNumber string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE identity_number = $1`
	return scanUser(r.db.QueryRow(ctx, query, identityNumber))
}

// FindUserByID retrieves a user by their internal UUID.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRow(ctx, query, userID))
}

// RecordFailedLoginAttempt atomically increments the failed-attempt counter.
func (r *PostgresRepository) RecordFailedLoginAttempt(ctx context.Context, userID uuid.UUID) (int, error) {
	var attempts int
	query := `
		UPDATE users
		SET failed_attempts = failed_attempts + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING failed_attempts
	`
	err := r.db.QueryRow(ctx, query, userID).Scan(&attempts)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return attempts, nil
}

// ResetLoginFailureState clears the failed-attempt counter and stamps the last
// successful login.
func (r *PostgresRepository) ResetLoginFailureState(ctx context.Context, userID uuid.UUID, lastLogin time.Time) error {
	query := `UPDATE users SET failed_attempts = 0, last_login_at = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, userID, lastLogin)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// SetFaceTemplateRef stores the opaque handle returned by the face service.
func (r *PostgresRepository) SetFaceTemplateRef(ctx context.Context, userID uuid.UUID, ref string) error {
	query := `UPDATE users SET face_template_ref = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, userID, ref)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// DeactivateUser soft-deactivates a user. Rows are never hard-deleted so the
// audit trail keeps its linkage.
func (r *PostgresRepository) DeactivateUser(ctx context.Context, userID uuid.UUID) error {
	query := `UPDATE users SET active = false, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// GetBalance returns the current balance for a user.
func (r *PostgresRepository) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	var balance int64
	err := r.db.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return balance, nil
}

// DebitBalance performs an atomic check-and-debit on a user's balance and
// returns the new balance.
func (r *PostgresRepository) DebitBalance(ctx context.Context, userID uuid.UUID, amount int64) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var balance int64
	// FOR UPDATE locks the row so concurrent debits serialize here.
	err = tx.QueryRow(ctx, `SELECT balance FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrUserNotFound
		}
		return 0, err
	}

	if balance < amount {
		return balance, ErrInsufficientFunds
	}

	newBalance := balance - amount
	if _, err := tx.Exec(ctx, `UPDATE users SET balance = $1, updated_at = NOW() WHERE id = $2`, newBalance, userID); err != nil {
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return newBalance, nil
}

// CreditBalance adds to a user's balance and returns the new balance.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID uuid.UUID, amount int64) (int64, error) {
	var balance int64
	query := `UPDATE users SET balance = balance + $1, updated_at = NOW() WHERE id = $2 RETURNING balance`
	err := r.db.QueryRow(ctx, query, amount, userID).Scan(&balance)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrUserNotFound
		}
		return 0, err
	}
	return balance, nil
}

const transactionColumns = `id, user_id, type, status, amount, currency, recipient_account, recipient_name, provider_code, bill_account_number, description, processor_reference, failure_reason, compensated, created_at, completed_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var tx domain.Transaction
	err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.Type,
		&tx.Status,
		&tx.Amount,
		&tx.Currency,
		&tx.RecipientAccount,
		&tx.RecipientName,
		&tx.ProviderCode,
		&tx.BillAccountNumber,
		&tx.Description,
		&tx.ProcessorReference,
		&tx.FailureReason,
		&tx.Compensated,
		&tx.CreatedAt,
		&tx.CompletedAt,
		&tx.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &tx, nil
}

// CreateTransaction inserts a new ledger row. The row is the durable record of
// intent and must exist before any remote processor call.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, user_id, type, status, amount, currency,
			recipient_account, recipient_name, provider_code, bill_account_number,
			description, processor_reference, failure_reason, compensated, completed_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`
	_, err := r.db.Exec(ctx, query,
		tx.ID,
		tx.UserID,
		tx.Type,
		tx.Status,
		tx.Amount,
		tx.Currency,
		tx.RecipientAccount,
		tx.RecipientName,
		tx.ProviderCode,
		tx.BillAccountNumber,
		tx.Description,
		tx.ProcessorReference,
		tx.FailureReason,
		tx.Compensated,
		tx.CompletedAt,
	)
	return err
}

// RecordDeposit inserts a completed deposit row and credits the user's balance
// in one database transaction, returning the new balance. Cash deposits need
// no remote call, so the whole operation commits or rolls back as a unit.
func (r *PostgresRepository) RecordDeposit(ctx context.Context, depositTx *domain.Transaction) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	insert := `
		INSERT INTO transactions (id, user_id, type, status, amount, currency, description, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
	`
	if _, err := tx.Exec(ctx, insert,
		depositTx.ID,
		depositTx.UserID,
		depositTx.Type,
		domain.TxStatusCompleted,
		depositTx.Amount,
		depositTx.Currency,
		depositTx.Description,
	); err != nil {
		return 0, err
	}

	var balance int64
	credit := `UPDATE users SET balance = balance + $1, updated_at = NOW() WHERE id = $2 RETURNING balance`
	if err := tx.QueryRow(ctx, credit, depositTx.Amount, depositTx.UserID).Scan(&balance); err != nil {
		if err == pgx.ErrNoRows {
			return 0, ErrUserNotFound
		}
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return balance, nil
}

// MarkTransactionCompleted transitions a pending transaction to completed and
// stamps the completion time. Terminal rows are left untouched.
func (r *PostgresRepository) MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID, processorReference *string) error {
	query := `
		UPDATE transactions
		SET status = 'completed',
		    processor_reference = COALESCE($2, processor_reference),
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, transactionID, processorReference)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return r.classifyMissedTransition(ctx, transactionID)
	}
	return nil
}

// MarkTransactionFailed transitions a pending transaction to failed with the
// error detail populated.
func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, transactionID uuid.UUID, processorReference *string, failureReason string) error {
	query := `
		UPDATE transactions
		SET status = 'failed',
		    processor_reference = COALESCE($2, processor_reference),
		    failure_reason = $3,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, transactionID, processorReference, failureReason)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return r.classifyMissedTransition(ctx, transactionID)
	}
	return nil
}

func (r *PostgresRepository) classifyMissedTransition(ctx context.Context, transactionID uuid.UUID) error {
	var status string
	err := r.db.QueryRow(ctx, `SELECT status FROM transactions WHERE id = $1`, transactionID).Scan(&status)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrTransactionNotFound
		}
		return err
	}
	if domain.IsTerminalStatus(status) {
		return ErrTransactionFinalized
	}
	return fmt.Errorf("transaction %s in unexpected status %q", transactionID, status)
}

// SetTransactionProcessorReference stores the processor-assigned reference on
// a pending transaction.
func (r *PostgresRepository) SetTransactionProcessorReference(ctx context.Context, transactionID uuid.UUID, reference string) error {
	query := `UPDATE transactions SET processor_reference = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, transactionID, reference)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// SetTransactionCompensated flags or clears the compensated marker on a
// transaction whose remote outcome is still unresolved.
func (r *PostgresRepository) SetTransactionCompensated(ctx context.Context, transactionID uuid.UUID, compensated bool) error {
	query := `UPDATE transactions SET compensated = $2, updated_at = NOW() WHERE id = $1`
	result, err := r.db.Exec(ctx, query, transactionID, compensated)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// ClaimCompensatedSettlement atomically clears the compensated flag on a
// still-pending transaction. Exactly one settler sees true; any other settler,
// including one holding a stale snapshot of the row, gets false and must not
// apply the settlement debit.
func (r *PostgresRepository) ClaimCompensatedSettlement(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	query := `
		UPDATE transactions
		SET compensated = false, updated_at = NOW()
		WHERE id = $1 AND compensated = true AND status = 'pending'
	`
	result, err := r.db.Exec(ctx, query, transactionID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() == 1, nil
}

// FindTransactionByID retrieves a single ledger row.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, transactionID))
}

// FindTransactionByProcessorReference resolves a ledger row from the
// processor-assigned reference carried by status events.
func (r *PostgresRepository) FindTransactionByProcessorReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE processor_reference = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, reference))
}

// FindTransactionsByUserID returns a user's history ordered by creation time,
// optionally filtered by type.
func (r *PostgresRepository) FindTransactionsByUserID(ctx context.Context, userID uuid.UUID, opts domain.HistoryOptions) ([]domain.Transaction, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}

	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE user_id = $1 AND ($2 = '' OR type = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.db.Query(ctx, query, userID, opts.Type, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}

// FindStalePendingTransactions returns pending transactions holding a
// processor reference that have not progressed within `olderThan`. Used by
// the reconciliation worker.
func (r *PostgresRepository) FindStalePendingTransactions(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = 'pending'
		  AND processor_reference IS NOT NULL
		  AND updated_at < NOW() - ($1 * INTERVAL '1 second')
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, int64(olderThan.Seconds()), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transactions []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, *tx)
	}
	return transactions, rows.Err()
}

// CreateSession persists a new session (token hash only).
func (r *PostgresRepository) CreateSession(ctx context.Context, session *domain.Session) error {
	query := `
		INSERT INTO sessions (id, user_id, token_hash, expires_at, last_activity_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := r.db.Exec(ctx, query,
		session.ID,
		session.UserID,
		session.TokenHash,
		session.ExpiresAt,
		session.LastActivityAt,
	)
	return err
}

// FindSessionByTokenHash retrieves a session by the hash of its bearer token.
func (r *PostgresRepository) FindSessionByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error) {
	var session domain.Session
	query := `SELECT id, user_id, token_hash, expires_at, last_activity_at, created_at FROM sessions WHERE token_hash = $1`
	err := r.db.QueryRow(ctx, query, tokenHash).Scan(
		&session.ID,
		&session.UserID,
		&session.TokenHash,
		&session.ExpiresAt,
		&session.LastActivityAt,
		&session.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// TouchSession refreshes the last-activity timestamp.
func (r *PostgresRepository) TouchSession(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	query := `UPDATE sessions SET last_activity_at = $2 WHERE id = $1`
	_, err := r.db.Exec(ctx, query, sessionID, at)
	return err
}

// DeleteSessionsByUserID removes every session for a user. Idempotent.
func (r *PostgresRepository) DeleteSessionsByUserID(ctx context.Context, userID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `DELETE FROM sessions WHERE user_id = $1`, userID)
	return err
}

// CreateAuditEntry appends one audit row. The payload is stored as jsonb.
func (r *PostgresRepository) CreateAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	var payload []byte
	if entry.Payload != nil {
		var err error
		payload, err = json.Marshal(entry.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal audit payload: %w", err)
		}
	}

	query := `
		INSERT INTO audit_entries (id, actor_id, action, resource_type, resource_id, outcome, payload, error_detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.ActorID,
		entry.Action,
		entry.ResourceType,
		entry.ResourceID,
		entry.Outcome,
		payload,
		entry.ErrorDetail,
	)
	return err
}

// FindBillProviderByCode retrieves one provider from the reference catalog.
func (r *PostgresRepository) FindBillProviderByCode(ctx context.Context, code string) (*domain.BillProvider, error) {
	var provider domain.BillProvider
	query := `SELECT code, name, category, active FROM bill_providers WHERE code = $1`
	err := r.db.QueryRow(ctx, query, code).Scan(
		&provider.Code,
		&provider.Name,
		&provider.Category,
		&provider.Active,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &provider, nil
}

// ListBillProviders returns the active provider catalog.
func (r *PostgresRepository) ListBillProviders(ctx context.Context) ([]domain.BillProvider, error) {
	query := `SELECT code, name, category, active FROM bill_providers WHERE active = true ORDER BY name`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var providers []domain.BillProvider
	for rows.Next() {
		var provider domain.BillProvider
		if err := rows.Scan(&provider.Code, &provider.Name, &provider.Category, &provider.Active); err != nil {
			return nil, err
		}
		providers = append(providers, provider)
	}
	return providers, rows.Err()
}

// Ping reports database liveness.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}
