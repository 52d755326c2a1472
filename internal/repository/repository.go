package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so the same query
// methods run inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository implements the withdrawal ledger on Postgres.
type Repository struct {
	db querier
}

func NewRepository(db querier) *Repository {
	return &Repository{db: db}
}

// WithTx returns a repository bound to the given transaction.
func (r *Repository) WithTx(tx pgx.Tx) *Repository {
	return &Repository{db: tx}
}

const transactionColumns = `id, user_id, type, amount_micros, currency, status,
	service_provider, external_transaction_id, metadata,
	approved_at, rejected_at, completed_at, deleted, created_at, updated_at`

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	t := &models.Transaction{}
	err := row.Scan(
		&t.ID, &t.UserID, &t.Type, &t.AmountMicros, &t.Currency, &t.Status,
		&t.ServiceProvider, &t.ExternalTransactionID, &t.Metadata,
		&t.ApprovedAt, &t.RejectedAt, &t.CompletedAt, &t.Deleted, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func collectTransactions(rows pgx.Rows) ([]models.Transaction, error) {
	defer rows.Close()
	var out []models.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// CreateWithdrawal inserts a new withdrawal row and fills in its timestamps.
func (r *Repository) CreateWithdrawal(ctx context.Context, t *models.Transaction) error {
	query := `
		INSERT INTO transactions (id, user_id, type, amount_micros, currency, status, service_provider, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		t.ID, t.UserID, t.Type, t.AmountMicros, t.Currency, t.Status, t.ServiceProvider, t.Metadata,
	).Scan(&t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create withdrawal: %w", err)
	}
	return nil
}

// GetWithdrawal loads a single withdrawal by ID, soft-deleted rows excluded.
func (r *Repository) GetWithdrawal(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE id = $1 AND type = 'withdrawal' AND deleted = FALSE`
	t, err := scanTransaction(r.db.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get withdrawal: %w", err)
	}
	return t, nil
}

// StatusPatch carries the optional columns a status transition may set.
// Nil fields leave the stored value untouched.
type StatusPatch struct {
	ServiceProvider       *string
	ExternalTransactionID *string
	Metadata              *models.ProviderContext
	ApprovedAt            *time.Time
	RejectedAt            *time.Time
	CompletedAt           *time.Time
}

// TransitionStatus moves a withdrawal from one status to another. The update
// is conditional on the current status, so concurrent callers race safely:
// exactly one sees ok=true and the rest see ok=false with no error.
func (r *Repository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to string, patch StatusPatch) (bool, error) {
	query := `
		UPDATE transactions
		SET status = $1,
			service_provider = COALESCE($2, service_provider),
			external_transaction_id = COALESCE($3, external_transaction_id),
			metadata = COALESCE($4, metadata),
			approved_at = COALESCE($5, approved_at),
			rejected_at = COALESCE($6, rejected_at),
			completed_at = COALESCE($7, completed_at),
			updated_at = NOW()
		WHERE id = $8 AND status = $9 AND deleted = FALSE
	`
	tag, err := r.db.Exec(ctx, query,
		to, patch.ServiceProvider, patch.ExternalTransactionID, patch.Metadata,
		patch.ApprovedAt, patch.RejectedAt, patch.CompletedAt,
		id, from,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition withdrawal status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListByStatusBefore returns withdrawals in the given status created before
// the cutoff, oldest first. The reconciler uses it for expiry sweeps.
func (r *Repository) ListByStatusBefore(ctx context.Context, status string, cutoff time.Time, limit int) ([]models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE type = 'withdrawal' AND status = $1 AND created_at < $2 AND deleted = FALSE
		ORDER BY created_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, status, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list withdrawals by status: %w", err)
	}
	return collectTransactions(rows)
}

// ListProcessing returns in-flight withdrawals oldest first for status polling.
func (r *Repository) ListProcessing(ctx context.Context, limit int) ([]models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE type = 'withdrawal' AND status = 'PROCESSING' AND deleted = FALSE
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list processing withdrawals: %w", err)
	}
	return collectTransactions(rows)
}

// ListPendingApproval pages the admin approval queue, newest first. An empty
// provider matches all providers.
func (r *Repository) ListPendingApproval(ctx context.Context, provider string, limit, offset int) ([]models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE type = 'withdrawal' AND status = 'PENDING_ADMIN_APPROVAL' AND deleted = FALSE
			AND ($1 = '' OR service_provider = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := r.db.Query(ctx, query, provider, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending withdrawals: %w", err)
	}
	return collectTransactions(rows)
}

// CountPendingApproval returns the total size of the approval queue.
func (r *Repository) CountPendingApproval(ctx context.Context, provider string) (int64, error) {
	query := `
		SELECT COUNT(*)
		FROM transactions
		WHERE type = 'withdrawal' AND status = 'PENDING_ADMIN_APPROVAL' AND deleted = FALSE
			AND ($1 = '' OR service_provider = $1)
	`
	var count int64
	if err := r.db.QueryRow(ctx, query, provider).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count pending withdrawals: %w", err)
	}
	return count, nil
}

// FindByExternalID resolves a provider reference back to the withdrawal it
// belongs to, for webhooks that omit our transaction ID.
func (r *Repository) FindByExternalID(ctx context.Context, provider, externalID string) (*models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE type = 'withdrawal' AND service_provider = $1 AND external_transaction_id = $2 AND deleted = FALSE
	`
	t, err := scanTransaction(r.db.QueryRow(ctx, query, provider, externalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find withdrawal by external id: %w", err)
	}
	return t, nil
}

// Stats aggregates queue depth and today's admin decisions.
func (r *Repository) Stats(ctx context.Context) (*models.WithdrawalStats, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING_ADMIN_APPROVAL'),
			COUNT(*) FILTER (WHERE status = 'PROCESSING'),
			COUNT(*) FILTER (WHERE approved_at >= date_trunc('day', NOW())),
			COUNT(*) FILTER (WHERE rejected_at >= date_trunc('day', NOW()))
		FROM transactions
		WHERE type = 'withdrawal' AND deleted = FALSE
	`
	stats := &models.WithdrawalStats{}
	err := r.db.QueryRow(ctx, query).Scan(
		&stats.PendingApproval, &stats.Processing, &stats.ApprovedToday, &stats.RejectedToday,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load withdrawal stats: %w", err)
	}
	return stats, nil
}

// DebitBalance subtracts a completed payout from the user's account. The
// update is guarded so a balance never goes negative.
func (r *Repository) DebitBalance(ctx context.Context, userID uuid.UUID, amountMicros int64, currency string) error {
	query := `
		UPDATE accounts
		SET balance_micros = balance_micros - $1
		WHERE user_id = $2 AND currency = $3 AND balance_micros >= $1
	`
	tag, err := r.db.Exec(ctx, query, amountMicros, userID, currency)
	if err != nil {
		return fmt.Errorf("failed to debit balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrInsufficientFunds
	}
	return nil
}

// GetBalance returns the user's spendable balance in micros for a currency.
func (r *Repository) GetBalance(ctx context.Context, userID uuid.UUID, currency string) (int64, error) {
	query := `SELECT balance_micros FROM accounts WHERE user_id = $1 AND currency = $2`
	var balance int64
	err := r.db.QueryRow(ctx, query, userID, currency).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}

// InsertAuditLog appends an audit record for a withdrawal.
func (r *Repository) InsertAuditLog(ctx context.Context, entry *models.AuditLog) error {
	query := `
		INSERT INTO audit_logs (id, transaction_id, actor, action, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query,
		entry.ID, entry.TransactionID, entry.Actor, entry.Action, entry.Detail,
	).Scan(&entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert audit log: %w", err)
	}
	return nil
}

// ListAuditLogs returns the audit trail for a withdrawal, oldest first.
func (r *Repository) ListAuditLogs(ctx context.Context, transactionID uuid.UUID) ([]models.AuditLog, error) {
	query := `
		SELECT id, transaction_id, actor, action, detail, created_at
		FROM audit_logs
		WHERE transaction_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.db.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var logs []models.AuditLog
	for rows.Next() {
		var l models.AuditLog
		if err := rows.Scan(&l.ID, &l.TransactionID, &l.Actor, &l.Action, &l.Detail, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}
