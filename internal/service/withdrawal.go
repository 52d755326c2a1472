package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/domain"
	"github.com/TambongStercy/SBC-MS-sub009/internal/models"
	"github.com/TambongStercy/SBC-MS-sub009/internal/observability"
	"github.com/TambongStercy/SBC-MS-sub009/internal/provider"
	"github.com/TambongStercy/SBC-MS-sub009/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrWithdrawalNotFound       = errors.New("withdrawal not found")
	ErrOTPInvalid               = errors.New("invalid verification code")
	ErrOTPExpired               = errors.New("verification code has expired")
	ErrRejectionReasonRequired  = errors.New("rejection reason is required")
	ErrUnsupportedPayoutMethod  = errors.New("unsupported payout method")
	ErrInvalidDestination       = errors.New("invalid payout destination")
)

// OTPStore keeps one-time verification codes keyed by withdrawal. Verify
// consumes the code on success so it can never be replayed.
type OTPStore interface {
	Save(ctx context.Context, transactionID uuid.UUID, code string, ttl time.Duration) error
	Verify(ctx context.Context, transactionID uuid.UUID, code string) (bool, error)
}

// WithdrawalService owns the withdrawal lifecycle up to dispatch: request
// intake, OTP verification, the admin approval gateway, and handing approved
// withdrawals to a payout provider.
type WithdrawalService struct {
	store     Store
	providers *provider.Registry
	applier   *StatusApplier
	audit     *AuditService
	otp       OTPStore
	notifier  Notifier
	otpTTL    time.Duration
}

func NewWithdrawalService(store Store, providers *provider.Registry, applier *StatusApplier, otp OTPStore, notifier Notifier, otpTTL time.Duration) *WithdrawalService {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if otpTTL <= 0 {
		otpTTL = 20 * time.Minute
	}
	return &WithdrawalService{
		store:     store,
		providers: providers,
		applier:   applier,
		audit:     NewAuditService(),
		otp:       otp,
		notifier:  notifier,
		otpTTL:    otpTTL,
	}
}

// CreateWithdrawalRequest holds the parameters for requesting a withdrawal.
type CreateWithdrawalRequest struct {
	UserID       uuid.UUID
	AmountMicros int64
	Currency     string
	Method       string // registry name of the payout provider

	// Mobile money destination.
	Prefix  string
	Phone   string
	Country string
	Network string
	Name    string
	Surname string
	Email   string

	// Crypto destination.
	CryptoAddress  string
	CryptoCurrency string
}

// CreateWithdrawal records a new withdrawal in PENDING_OTP_VERIFICATION and
// sends the verification code. Funds are not reserved; the balance is only
// debited when the payout completes.
func (s *WithdrawalService) CreateWithdrawal(ctx context.Context, req CreateWithdrawalRequest) (*models.Transaction, error) {
	if req.AmountMicros <= 0 {
		return nil, fmt.Errorf("invalid amount: %d", req.AmountMicros)
	}
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if req.Currency == "" {
		return nil, errors.New("currency is required")
	}
	p, err := s.providers.Get(req.Method)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPayoutMethod, req.Method)
	}
	// Canonical casing, whatever the caller sent.
	req.Method = p.Name()

	balance, err := s.store.Ledger().GetBalance(ctx, req.UserID, req.Currency)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, models.ErrInsufficientFunds
		}
		return nil, err
	}
	if balance < req.AmountMicros {
		return nil, models.ErrInsufficientFunds
	}

	meta, err := buildProviderContext(req)
	if err != nil {
		return nil, err
	}
	otpExpiry := time.Now().Add(s.otpTTL)
	meta.OTPExpiresAt = &otpExpiry

	t := &models.Transaction{
		ID:              uuid.New(),
		UserID:          req.UserID,
		Type:            domain.TxTypeWithdrawal,
		AmountMicros:    req.AmountMicros,
		Currency:        req.Currency,
		Status:          domain.TxStatusPendingOTP,
		ServiceProvider: req.Method,
		Metadata:        meta,
	}

	err = s.store.RunInTx(ctx, func(l Ledger) error {
		if err := l.CreateWithdrawal(ctx, t); err != nil {
			return err
		}
		return s.audit.Write(ctx, l, t.ID, "user", "created", req.Method)
	})
	if err != nil {
		return nil, err
	}

	code, err := generateOTP()
	if err != nil {
		return nil, fmt.Errorf("generate verification code: %w", err)
	}
	if err := s.otp.Save(ctx, t.ID, code, s.otpTTL); err != nil {
		return nil, fmt.Errorf("store verification code: %w", err)
	}
	s.notifier.NotifyWithdrawalOTP(ctx, t, code)

	observability.IncrementStateTransition(domain.TxStatusPendingOTP, "user")
	return t, nil
}

// ConfirmOTP verifies the user's code and moves the withdrawal into the
// admin approval queue.
func (s *WithdrawalService) ConfirmOTP(ctx context.Context, id uuid.UUID, code string) (*models.Transaction, error) {
	t, err := s.getWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TxStatusPendingOTP {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, t.Status, domain.TxStatusPendingAdminApproval)
	}
	if t.Metadata != nil && t.Metadata.OTPExpiresAt != nil && time.Now().After(*t.Metadata.OTPExpiresAt) {
		return nil, ErrOTPExpired
	}

	ok, err := s.otp.Verify(ctx, id, strings.TrimSpace(code))
	if err != nil {
		return nil, fmt.Errorf("verify code: %w", err)
	}
	if !ok {
		return nil, ErrOTPInvalid
	}

	err = s.store.RunInTx(ctx, func(l Ledger) error {
		moved, err := l.TransitionStatus(ctx, id, domain.TxStatusPendingOTP, domain.TxStatusPendingAdminApproval, repository.StatusPatch{})
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: withdrawal no longer awaiting verification", ErrInvalidStateTransition)
		}
		return s.audit.Write(ctx, l, id, "user", "otp_verified", "")
	})
	if err != nil {
		return nil, err
	}

	observability.IncrementStateTransition(domain.TxStatusPendingAdminApproval, "user")
	t.Status = domain.TxStatusPendingAdminApproval
	return t, nil
}

// Approve flips an approved withdrawal to PROCESSING and dispatches the
// payout. The conditional status flip is the approval lock: of two admins
// racing on the same withdrawal, exactly one dispatches.
func (s *WithdrawalService) Approve(ctx context.Context, id uuid.UUID, actor string) (*models.Transaction, error) {
	t, err := s.getWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(t.Status, domain.TxStatusProcessing); err != nil {
		return nil, err
	}

	now := time.Now()
	providerName := t.Provider()
	err = s.store.RunInTx(ctx, func(l Ledger) error {
		moved, err := l.TransitionStatus(ctx, id, domain.TxStatusPendingAdminApproval, domain.TxStatusProcessing, repository.StatusPatch{
			ServiceProvider: &providerName,
			ApprovedAt:      &now,
		})
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: withdrawal already decided", ErrInvalidStateTransition)
		}
		return s.audit.Write(ctx, l, id, actor, "approved", "")
	})
	if err != nil {
		return nil, err
	}

	observability.IncrementStateTransition(domain.TxStatusProcessing, "admin")
	t.Status = domain.TxStatusProcessing
	t.ApprovedAt = &now

	if err := s.dispatch(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// Reject finalizes an admin refusal. A reason is mandatory; it is stored in
// the withdrawal metadata and sent to the user.
func (s *WithdrawalService) Reject(ctx context.Context, id uuid.UUID, actor, reason string) (*models.Transaction, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrRejectionReasonRequired
	}
	t, err := s.getWithdrawal(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(t.Status, domain.TxStatusRejectedByAdmin); err != nil {
		return nil, err
	}

	now := time.Now()
	meta := cloneContext(t.Metadata)
	meta.RejectionReason = reason

	err = s.store.RunInTx(ctx, func(l Ledger) error {
		moved, err := l.TransitionStatus(ctx, id, domain.TxStatusPendingAdminApproval, domain.TxStatusRejectedByAdmin, repository.StatusPatch{
			RejectedAt: &now,
			Metadata:   meta,
		})
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("%w: withdrawal already decided", ErrInvalidStateTransition)
		}
		return s.audit.Write(ctx, l, id, actor, "rejected", reason)
	})
	if err != nil {
		return nil, err
	}

	observability.IncrementStateTransition(domain.TxStatusRejectedByAdmin, "admin")
	t.Status = domain.TxStatusRejectedByAdmin
	t.RejectedAt = &now
	t.Metadata = meta
	s.notifier.NotifyWithdrawalFailed(ctx, t, reason)
	return t, nil
}

// BulkApproveResult reports the outcome for one withdrawal in a batch.
type BulkApproveResult struct {
	TransactionID uuid.UUID `json:"transaction_id"`
	Approved      bool      `json:"approved"`
	Error         string    `json:"error,omitempty"`
}

// BulkApprove approves a batch independently: one bad withdrawal never
// blocks the rest.
func (s *WithdrawalService) BulkApprove(ctx context.Context, ids []uuid.UUID, actor string) []BulkApproveResult {
	results := make([]BulkApproveResult, 0, len(ids))
	for _, id := range ids {
		res := BulkApproveResult{TransactionID: id, Approved: true}
		if _, err := s.Approve(ctx, id, actor); err != nil {
			res.Approved = false
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results
}

// ListPending pages the admin approval queue.
func (s *WithdrawalService) ListPending(ctx context.Context, providerName string, limit, offset int) ([]models.Transaction, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	ledger := s.store.Ledger()
	items, err := ledger.ListPendingApproval(ctx, providerName, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := ledger.CountPendingApproval(ctx, providerName)
	if err != nil {
		return nil, 0, err
	}
	observability.SetPendingApprovalQueueSize(total)
	return items, total, nil
}

// Get loads a single withdrawal.
func (s *WithdrawalService) Get(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	return s.getWithdrawal(ctx, id)
}

// AuditTrail returns the ordered audit history of a withdrawal.
func (s *WithdrawalService) AuditTrail(ctx context.Context, id uuid.UUID) ([]models.AuditLog, error) {
	if _, err := s.getWithdrawal(ctx, id); err != nil {
		return nil, err
	}
	return s.store.Ledger().ListAuditLogs(ctx, id)
}

// Stats aggregates the queue for the admin dashboard.
func (s *WithdrawalService) Stats(ctx context.Context) (*models.WithdrawalStats, error) {
	stats, err := s.store.Ledger().Stats(ctx)
	if err != nil {
		return nil, err
	}
	observability.SetPendingApprovalQueueSize(stats.PendingApproval)
	return stats, nil
}

// dispatch sends a PROCESSING withdrawal to its provider. A synchronous
// rejection fails the withdrawal; a transport failure leaves it PROCESSING
// for the reconciler to retry, since the provider's true state is unknown.
func (s *WithdrawalService) dispatch(ctx context.Context, t *models.Transaction) error {
	p, err := s.providers.Get(t.Provider())
	if err != nil {
		return fmt.Errorf("dispatch withdrawal %s: %w", t.ID, err)
	}

	req, err := buildPayoutRequest(t)
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := p.InitiatePayout(ctx, req)
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	observability.ObserveProviderCall(p.Name(), "initiate", outcome, time.Since(start))

	switch {
	case err == nil:
	case provider.IsRejected(err):
		zap.L().Warn("provider rejected payout",
			zap.String("transaction_id", t.ID.String()),
			zap.String("provider", p.Name()),
			zap.Error(err))
		return s.applier.Apply(ctx, t, StatusUpdate{
			State:     domain.PayoutStateFailed,
			RawStatus: "rejected",
			Comment:   err.Error(),
			Source:    "dispatch",
		})
	case provider.IsTransient(err):
		zap.L().Warn("payout dispatch failed transiently, reconciler will retry",
			zap.String("transaction_id", t.ID.String()),
			zap.String("provider", p.Name()),
			zap.Error(err))
		return nil
	default:
		return fmt.Errorf("dispatch withdrawal %s: %w", t.ID, err)
	}

	if result.ProviderReference != "" {
		ref := result.ProviderReference
		err = s.store.RunInTx(ctx, func(l Ledger) error {
			if _, err := l.TransitionStatus(ctx, t.ID, domain.TxStatusProcessing, domain.TxStatusProcessing, repository.StatusPatch{
				ExternalTransactionID: &ref,
			}); err != nil {
				return err
			}
			return s.audit.Write(ctx, l, t.ID, "system", "dispatched", ref)
		})
		if err != nil {
			return err
		}
		t.ExternalTransactionID = &ref
	}

	if result.Status.IsTerminal() {
		return s.applier.Apply(ctx, t, StatusUpdate{
			State:     result.Status,
			RawStatus: result.Message,
			Source:    "dispatch",
		})
	}
	return nil
}

func (s *WithdrawalService) getWithdrawal(ctx context.Context, id uuid.UUID) (*models.Transaction, error) {
	t, err := s.store.Ledger().GetWithdrawal(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrWithdrawalNotFound
		}
		return nil, err
	}
	return t, nil
}

func buildProviderContext(req CreateWithdrawalRequest) (*models.ProviderContext, error) {
	switch req.Method {
	case domain.ProviderCinetPay:
		if req.Phone == "" || req.Prefix == "" {
			return nil, fmt.Errorf("%w: prefix and phone are required", ErrInvalidDestination)
		}
		return &models.ProviderContext{CinetPay: &models.CinetPayContext{
			Prefix:  req.Prefix,
			Phone:   req.Phone,
			Surname: req.Surname,
			Name:    req.Name,
			Email:   req.Email,
		}}, nil
	case domain.ProviderFeexPay:
		if req.Phone == "" || req.Country == "" || req.Network == "" {
			return nil, fmt.Errorf("%w: country, network and phone are required", ErrInvalidDestination)
		}
		return &models.ProviderContext{FeexPay: &models.FeexPayContext{
			Country: strings.ToUpper(req.Country),
			Network: strings.ToUpper(req.Network),
			Phone:   req.Phone,
		}}, nil
	case domain.ProviderNowPayments:
		if req.CryptoAddress == "" || req.CryptoCurrency == "" {
			return nil, fmt.Errorf("%w: crypto address and currency are required", ErrInvalidDestination)
		}
		return &models.ProviderContext{NowPayments: &models.NowPaymentsContext{
			PayoutCurrency: strings.ToLower(req.CryptoCurrency),
			Address:        req.CryptoAddress,
		}}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPayoutMethod, req.Method)
	}
}

func buildPayoutRequest(t *models.Transaction) (provider.PayoutRequest, error) {
	req := provider.PayoutRequest{
		TransactionID: t.ID.String(),
		AmountMicros:  t.AmountMicros,
		Currency:      t.Currency,
		Description:   "Withdrawal payout",
	}
	meta := t.Metadata
	if meta == nil {
		return req, fmt.Errorf("withdrawal %s has no payout destination", t.ID)
	}
	switch {
	case meta.CinetPay != nil:
		req.Recipient = provider.Recipient{
			Prefix:  meta.CinetPay.Prefix,
			Phone:   meta.CinetPay.Phone,
			Name:    meta.CinetPay.Name,
			Surname: meta.CinetPay.Surname,
			Email:   meta.CinetPay.Email,
		}
	case meta.FeexPay != nil:
		req.Recipient = provider.Recipient{
			Country: meta.FeexPay.Country,
			Network: meta.FeexPay.Network,
			Phone:   meta.FeexPay.Phone,
		}
	case meta.NowPayments != nil:
		req.Recipient = provider.Recipient{
			CryptoAddress:  meta.NowPayments.Address,
			CryptoCurrency: meta.NowPayments.PayoutCurrency,
		}
	default:
		return req, fmt.Errorf("withdrawal %s has no payout destination", t.ID)
	}
	return req, nil
}

func generateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
