package service

import (
	"context"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/models"
	"github.com/TambongStercy/SBC-MS-sub009/internal/repository"
	"github.com/google/uuid"
)

// Ledger defines the minimal data access contract required by services.
type Ledger interface {
	CreateWithdrawal(ctx context.Context, t *models.Transaction) error
	GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.Transaction, error)
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to string, patch repository.StatusPatch) (bool, error)
	ListByStatusBefore(ctx context.Context, status string, cutoff time.Time, limit int) ([]models.Transaction, error)
	ListProcessing(ctx context.Context, limit int) ([]models.Transaction, error)
	ListPendingApproval(ctx context.Context, provider string, limit, offset int) ([]models.Transaction, error)
	CountPendingApproval(ctx context.Context, provider string) (int64, error)
	FindByExternalID(ctx context.Context, provider, externalID string) (*models.Transaction, error)
	Stats(ctx context.Context) (*models.WithdrawalStats, error)
	DebitBalance(ctx context.Context, userID uuid.UUID, amountMicros int64, currency string) error
	GetBalance(ctx context.Context, userID uuid.UUID, currency string) (int64, error)
	InsertAuditLog(ctx context.Context, entry *models.AuditLog) error
	ListAuditLogs(ctx context.Context, transactionID uuid.UUID) ([]models.AuditLog, error)
}

// Store gives services a ledger plus transaction scoping.
type Store interface {
	Ledger() Ledger
	RunInTx(ctx context.Context, fn func(l Ledger) error) error
}

// SQLStore adapts the Postgres repository to the Store contract.
type SQLStore struct {
	store *repository.Store
}

func NewSQLStore(store *repository.Store) *SQLStore {
	return &SQLStore{store: store}
}

func (s *SQLStore) Ledger() Ledger {
	return s.store.Repo()
}

func (s *SQLStore) RunInTx(ctx context.Context, fn func(l Ledger) error) error {
	return s.store.RunInTx(ctx, func(r *repository.Repository) error {
		return fn(r)
	})
}
