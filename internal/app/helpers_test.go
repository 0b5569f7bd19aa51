package app

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/config"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/domain"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/internal/store"
	"github.com/Pinizov/EasyPay-Autonomous-Kiosk/pkg/processorclient"
)

// fakeRepo is an in-memory store.Repository for service tests. It mirrors the
// database's guarantees: guarded status transitions and atomic check-and-debit.
type fakeRepo struct {
	mu sync.Mutex

	users    map[uuid.UUID]*domain.User
	byEGN    map[string]uuid.UUID
	txs      map[uuid.UUID]*domain.Transaction
	sessions map[string]*domain.Session
	catalog  map[string]domain.BillProvider
	audits   []domain.AuditEntry
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		users:    make(map[uuid.UUID]*domain.User),
		byEGN:    make(map[string]uuid.UUID),
		txs:      make(map[uuid.UUID]*domain.Transaction),
		sessions: make(map[string]*domain.Session),
		catalog:  make(map[string]domain.BillProvider),
	}
}

func (f *fakeRepo) addUser(user *domain.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	f.byEGN[user.IdentityNumber] = user.ID
}

func (f *fakeRepo) CreateUser(ctx context.Context, user *domain.User) error {
	f.addUser(user)
	return nil
}

func (f *fakeRepo) FindUserByIdentityNumber(ctx context.Context, identityNumber string) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byEGN[identityNumber]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	clone := *f.users[id]
	return &clone, nil
}

func (f *fakeRepo) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	clone := *user
	return &clone, nil
}

func (f *fakeRepo) RecordFailedLoginAttempt(ctx context.Context, userID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return 0, store.ErrUserNotFound
	}
	user.FailedAttempts++
	return user.FailedAttempts, nil
}

func (f *fakeRepo) ResetLoginFailureState(ctx context.Context, userID uuid.UUID, lastLogin time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	user.FailedAttempts = 0
	user.LastLoginAt = &lastLogin
	return nil
}

func (f *fakeRepo) SetFaceTemplateRef(ctx context.Context, userID uuid.UUID, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	user.FaceTemplateRef = &ref
	return nil
}

func (f *fakeRepo) DeactivateUser(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	user.Active = false
	return nil
}

func (f *fakeRepo) GetBalance(ctx context.Context, userID uuid.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return 0, store.ErrUserNotFound
	}
	return user.Balance, nil
}

func (f *fakeRepo) DebitBalance(ctx context.Context, userID uuid.UUID, amount int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return 0, store.ErrUserNotFound
	}
	if user.Balance < amount {
		return user.Balance, store.ErrInsufficientFunds
	}
	user.Balance -= amount
	return user.Balance, nil
}

func (f *fakeRepo) CreditBalance(ctx context.Context, userID uuid.UUID, amount int64) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[userID]
	if !ok {
		return 0, store.ErrUserNotFound
	}
	user.Balance += amount
	return user.Balance, nil
}

func (f *fakeRepo) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *tx
	if clone.CreatedAt.IsZero() {
		clone.CreatedAt = time.Now()
	}
	f.txs[tx.ID] = &clone
	return nil
}

func (f *fakeRepo) RecordDeposit(ctx context.Context, tx *domain.Transaction) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[tx.UserID]
	if !ok {
		return 0, store.ErrUserNotFound
	}
	now := time.Now()
	clone := *tx
	clone.Status = domain.TxStatusCompleted
	clone.CreatedAt = now
	clone.CompletedAt = &now
	f.txs[tx.ID] = &clone
	user.Balance += tx.Amount
	return user.Balance, nil
}

func (f *fakeRepo) MarkTransactionCompleted(ctx context.Context, transactionID uuid.UUID, processorReference *string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[transactionID]
	if !ok {
		return store.ErrTransactionNotFound
	}
	if tx.Status != domain.TxStatusPending {
		return store.ErrTransactionFinalized
	}
	tx.Status = domain.TxStatusCompleted
	if processorReference != nil {
		tx.ProcessorReference = processorReference
	}
	now := time.Now()
	tx.CompletedAt = &now
	return nil
}

func (f *fakeRepo) MarkTransactionFailed(ctx context.Context, transactionID uuid.UUID, processorReference *string, failureReason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[transactionID]
	if !ok {
		return store.ErrTransactionNotFound
	}
	if tx.Status != domain.TxStatusPending {
		return store.ErrTransactionFinalized
	}
	tx.Status = domain.TxStatusFailed
	if processorReference != nil {
		tx.ProcessorReference = processorReference
	}
	tx.FailureReason = &failureReason
	now := time.Now()
	tx.CompletedAt = &now
	return nil
}

func (f *fakeRepo) SetTransactionProcessorReference(ctx context.Context, transactionID uuid.UUID, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[transactionID]
	if !ok {
		return store.ErrTransactionNotFound
	}
	tx.ProcessorReference = &reference
	return nil
}

func (f *fakeRepo) SetTransactionCompensated(ctx context.Context, transactionID uuid.UUID, compensated bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[transactionID]
	if !ok {
		return store.ErrTransactionNotFound
	}
	tx.Compensated = compensated
	return nil
}

func (f *fakeRepo) ClaimCompensatedSettlement(ctx context.Context, transactionID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[transactionID]
	if !ok {
		return false, store.ErrTransactionNotFound
	}
	if !tx.Compensated || tx.Status != domain.TxStatusPending {
		return false, nil
	}
	tx.Compensated = false
	return true, nil
}

func (f *fakeRepo) FindTransactionByID(ctx context.Context, transactionID uuid.UUID) (*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tx, ok := f.txs[transactionID]
	if !ok {
		return nil, store.ErrTransactionNotFound
	}
	clone := *tx
	return &clone, nil
}

func (f *fakeRepo) FindTransactionByProcessorReference(ctx context.Context, reference string) (*domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.txs {
		if tx.ProcessorReference != nil && *tx.ProcessorReference == reference {
			clone := *tx
			return &clone, nil
		}
	}
	return nil, store.ErrTransactionNotFound
}

func (f *fakeRepo) FindTransactionsByUserID(ctx context.Context, userID uuid.UUID, opts domain.HistoryOptions) ([]domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range f.txs {
		if tx.UserID != userID {
			continue
		}
		if opts.Type != "" && tx.Type != opts.Type {
			continue
		}
		out = append(out, *tx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (f *fakeRepo) FindStalePendingTransactions(ctx context.Context, olderThan time.Duration, limit int) ([]domain.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Transaction
	for _, tx := range f.txs {
		if tx.Status == domain.TxStatusPending && tx.ProcessorReference != nil {
			out = append(out, *tx)
		}
	}
	return out, nil
}

func (f *fakeRepo) CreateSession(ctx context.Context, session *domain.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	clone := *session
	f.sessions[session.TokenHash] = &clone
	return nil
}

func (f *fakeRepo) FindSessionByTokenHash(ctx context.Context, tokenHash string) (*domain.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	session, ok := f.sessions[tokenHash]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	clone := *session
	return &clone, nil
}

func (f *fakeRepo) TouchSession(ctx context.Context, sessionID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, session := range f.sessions {
		if session.ID == sessionID {
			session.LastActivityAt = at
		}
	}
	return nil
}

func (f *fakeRepo) DeleteSessionsByUserID(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for hash, session := range f.sessions {
		if session.UserID == userID {
			delete(f.sessions, hash)
		}
	}
	return nil
}

func (f *fakeRepo) CreateAuditEntry(ctx context.Context, entry *domain.AuditEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, *entry)
	return nil
}

func (f *fakeRepo) auditActions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	actions := make([]string, 0, len(f.audits))
	for _, entry := range f.audits {
		actions = append(actions, entry.Action)
	}
	return actions
}

func (f *fakeRepo) FindBillProviderByCode(ctx context.Context, code string) (*domain.BillProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	provider, ok := f.catalog[code]
	if !ok {
		return nil, store.ErrProviderNotFound
	}
	return &provider, nil
}

func (f *fakeRepo) ListBillProviders(ctx context.Context) ([]domain.BillProvider, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.BillProvider
	for _, provider := range f.catalog {
		if provider.Active {
			out = append(out, provider)
		}
	}
	return out, nil
}

func (f *fakeRepo) Ping(ctx context.Context) error { return nil }

var _ store.Repository = (*fakeRepo)(nil)

// processorStub lets tests script the remote leg.
type processorStub struct {
	initiateTransfer func(ctx context.Context, idempotencyKey string, payload processorclient.TransferRequest) (*processorclient.TransferResponse, error)
	payBill          func(ctx context.Context, idempotencyKey string, payload processorclient.BillPaymentRequest) (*processorclient.TransferResponse, error)
	getStatus        func(ctx context.Context, reference string) (*processorclient.StatusResponse, error)
}

func (p *processorStub) InitiateTransfer(ctx context.Context, idempotencyKey string, payload processorclient.TransferRequest) (*processorclient.TransferResponse, error) {
	if p.initiateTransfer == nil {
		return &processorclient.TransferResponse{Reference: "ref-" + idempotencyKey, Status: "completed"}, nil
	}
	return p.initiateTransfer(ctx, idempotencyKey, payload)
}

func (p *processorStub) PayBill(ctx context.Context, idempotencyKey string, payload processorclient.BillPaymentRequest) (*processorclient.TransferResponse, error) {
	if p.payBill == nil {
		return &processorclient.TransferResponse{Reference: "ref-" + idempotencyKey, Status: "completed"}, nil
	}
	return p.payBill(ctx, idempotencyKey, payload)
}

func (p *processorStub) GetTransferStatus(ctx context.Context, reference string) (*processorclient.StatusResponse, error) {
	if p.getStatus == nil {
		return &processorclient.StatusResponse{Reference: reference, Status: "pending"}, nil
	}
	return p.getStatus(ctx, reference)
}

func testConfig() config.Config {
	return config.Config{
		Currency:             "BGN",
		MaxTransactionAmount: 1000000,
		SessionTTLMinutes:    90,
		MaxLoginAttempts:     5,
		FaceFactorPolicy:     config.FaceFactorDegrade,
	}
}

func newTestLedger(repo *fakeRepo, processor Processor) *LedgerService {
	audit := NewAuditRecorder(repo, nil)
	return NewLedgerService(repo, processor, nil, audit, NewProviderCache(nil), testConfig())
}
