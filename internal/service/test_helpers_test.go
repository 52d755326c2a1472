package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/domain"
	"github.com/TambongStercy/SBC-MS-sub009/internal/models"
	"github.com/TambongStercy/SBC-MS-sub009/internal/provider"
	"github.com/TambongStercy/SBC-MS-sub009/internal/repository"
	"github.com/google/uuid"
)

// fakeStore is an in-memory Store for service tests. It mirrors the
// conditional-update semantics of the Postgres repository, which is what the
// lifecycle logic leans on.
type fakeStore struct {
	mu           sync.Mutex
	transactions map[uuid.UUID]*models.Transaction
	balances     map[string]int64 // userID|currency -> micros
	audits       []models.AuditLog
	debits       []uuid.UUID // user IDs debited, in order
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		transactions: make(map[uuid.UUID]*models.Transaction),
		balances:     make(map[string]int64),
	}
}

func balanceKey(userID uuid.UUID, currency string) string {
	return userID.String() + "|" + currency
}

func (f *fakeStore) Ledger() Ledger { return f }

func (f *fakeStore) RunInTx(ctx context.Context, fn func(l Ledger) error) error {
	return fn(f)
}

func (f *fakeStore) put(t *models.Transaction) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.transactions[t.ID] = &cp
}

func (f *fakeStore) get(id uuid.UUID) *models.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.transactions[id]
	return &cp
}

func (f *fakeStore) setBalance(userID uuid.UUID, currency string, micros int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[balanceKey(userID, currency)] = micros
}

func (f *fakeStore) CreateWithdrawal(_ context.Context, t *models.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	cp := *t
	f.transactions[t.ID] = &cp
	return nil
}

func (f *fakeStore) GetWithdrawal(_ context.Context, id uuid.UUID) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transactions[id]
	if !ok || t.Deleted {
		return nil, repository.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) TransitionStatus(_ context.Context, id uuid.UUID, from, to string, patch repository.StatusPatch) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.transactions[id]
	if !ok || t.Deleted || t.Status != from {
		return false, nil
	}
	t.Status = to
	if patch.ServiceProvider != nil {
		t.ServiceProvider = *patch.ServiceProvider
	}
	if patch.ExternalTransactionID != nil {
		t.ExternalTransactionID = patch.ExternalTransactionID
	}
	if patch.Metadata != nil {
		t.Metadata = patch.Metadata
	}
	if patch.ApprovedAt != nil {
		t.ApprovedAt = patch.ApprovedAt
	}
	if patch.RejectedAt != nil {
		t.RejectedAt = patch.RejectedAt
	}
	if patch.CompletedAt != nil {
		t.CompletedAt = patch.CompletedAt
	}
	t.UpdatedAt = time.Now()
	return true, nil
}

func (f *fakeStore) ListByStatusBefore(_ context.Context, status string, cutoff time.Time, limit int) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transaction
	for _, t := range f.transactions {
		if !t.Deleted && t.Status == status && t.CreatedAt.Before(cutoff) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListProcessing(_ context.Context, limit int) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transaction
	for _, t := range f.transactions {
		if !t.Deleted && t.Status == domain.TxStatusProcessing {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) ListPendingApproval(_ context.Context, providerName string, limit, offset int) ([]models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Transaction
	for _, t := range f.transactions {
		if t.Deleted || t.Status != domain.TxStatusPendingAdminApproval {
			continue
		}
		if providerName != "" && t.ServiceProvider != providerName {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeStore) CountPendingApproval(_ context.Context, providerName string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, t := range f.transactions {
		if t.Deleted || t.Status != domain.TxStatusPendingAdminApproval {
			continue
		}
		if providerName != "" && t.ServiceProvider != providerName {
			continue
		}
		n++
	}
	return n, nil
}

func (f *fakeStore) FindByExternalID(_ context.Context, providerName, externalID string) (*models.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.transactions {
		if t.Deleted || t.ExternalTransactionID == nil {
			continue
		}
		if t.ServiceProvider == providerName && *t.ExternalTransactionID == externalID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeStore) Stats(_ context.Context) (*models.WithdrawalStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stats := &models.WithdrawalStats{}
	for _, t := range f.transactions {
		if t.Deleted {
			continue
		}
		switch t.Status {
		case domain.TxStatusPendingAdminApproval:
			stats.PendingApproval++
		case domain.TxStatusProcessing:
			stats.Processing++
		}
	}
	return stats, nil
}

func (f *fakeStore) DebitBalance(_ context.Context, userID uuid.UUID, amountMicros int64, currency string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := balanceKey(userID, currency)
	if f.balances[key] < amountMicros {
		return models.ErrInsufficientFunds
	}
	f.balances[key] -= amountMicros
	f.debits = append(f.debits, userID)
	return nil
}

func (f *fakeStore) GetBalance(_ context.Context, userID uuid.UUID, currency string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	balance, ok := f.balances[balanceKey(userID, currency)]
	if !ok {
		return 0, repository.ErrNotFound
	}
	return balance, nil
}

func (f *fakeStore) InsertAuditLog(_ context.Context, entry *models.AuditLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry.CreatedAt = time.Now()
	f.audits = append(f.audits, *entry)
	return nil
}

func (f *fakeStore) ListAuditLogs(_ context.Context, transactionID uuid.UUID) ([]models.AuditLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.AuditLog
	for _, a := range f.audits {
		if a.TransactionID == transactionID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeStore) debitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.debits)
}

// stubProvider is a scriptable PayoutProvider.
type stubProvider struct {
	name          string
	initResult    *provider.PayoutResult
	initErr       error
	statusResult  *provider.PayoutStatus
	statusErr     error
	webhookEvent  *provider.WebhookEvent
	webhookErr    error
	initiateCalls int
	statusCalls   int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) InitiatePayout(context.Context, provider.PayoutRequest) (*provider.PayoutResult, error) {
	s.initiateCalls++
	if s.initErr != nil {
		return nil, s.initErr
	}
	if s.initResult != nil {
		return s.initResult, nil
	}
	return &provider.PayoutResult{Status: domain.PayoutStatePending, ProviderReference: "stub-ref"}, nil
}

func (s *stubProvider) CheckPayoutStatus(context.Context, string) (*provider.PayoutStatus, error) {
	s.statusCalls++
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	if s.statusResult != nil {
		return s.statusResult, nil
	}
	return &provider.PayoutStatus{RawStatus: "PENDING", Status: domain.PayoutStatePending}, nil
}

func (s *stubProvider) MapStatus(string) domain.PayoutState { return domain.PayoutStatePending }

func (s *stubProvider) ParseWebhook([]byte) (*provider.WebhookEvent, error) {
	if s.webhookErr != nil {
		return nil, s.webhookErr
	}
	return s.webhookEvent, nil
}

// memoryOTP is a trivial OTPStore for tests.
type memoryOTP struct {
	mu    sync.Mutex
	codes map[uuid.UUID]string
}

func newMemoryOTP() *memoryOTP {
	return &memoryOTP{codes: make(map[uuid.UUID]string)}
}

func (m *memoryOTP) Save(_ context.Context, id uuid.UUID, code string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[id] = code
	return nil
}

func (m *memoryOTP) Verify(_ context.Context, id uuid.UUID, code string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.codes[id]
	if !ok || stored != code {
		return false, nil
	}
	delete(m.codes, id)
	return true, nil
}

func (m *memoryOTP) code(id uuid.UUID) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.codes[id]
}

// recordingNotifier captures notifications for assertions.
type recordingNotifier struct {
	mu        sync.Mutex
	otps      []string
	completed []uuid.UUID
	failed    []string
}

func (r *recordingNotifier) NotifyWithdrawalOTP(_ context.Context, _ *models.Transaction, code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.otps = append(r.otps, code)
}

func (r *recordingNotifier) NotifyWithdrawalCompleted(_ context.Context, t *models.Transaction) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, t.ID)
}

func (r *recordingNotifier) NotifyWithdrawalFailed(_ context.Context, _ *models.Transaction, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, reason)
}

// newTestRegistry registers the given stubs.
func newTestRegistry(stubs ...*stubProvider) *provider.Registry {
	reg := provider.NewRegistry()
	for _, s := range stubs {
		reg.Register(s)
	}
	return reg
}

func processingWithdrawal(providerName string, externalID string) *models.Transaction {
	t := &models.Transaction{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		Type:            domain.TxTypeWithdrawal,
		AmountMicros:    10_000_000_000,
		Currency:        "XAF",
		Status:          domain.TxStatusProcessing,
		ServiceProvider: providerName,
		CreatedAt:       time.Now().Add(-time.Hour),
		Metadata: &models.ProviderContext{
			FeexPay: &models.FeexPayContext{Country: "CM", Network: "MTN", Phone: "650000000"},
		},
	}
	if externalID != "" {
		t.ExternalTransactionID = &externalID
	}
	return t
}
