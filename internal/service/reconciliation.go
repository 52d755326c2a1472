package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/domain"
	"github.com/TambongStercy/SBC-MS-sub009/internal/models"
	"github.com/TambongStercy/SBC-MS-sub009/internal/observability"
	"github.com/TambongStercy/SBC-MS-sub009/internal/provider"
	"github.com/TambongStercy/SBC-MS-sub009/internal/repository"
	"go.uber.org/zap"
)

// ReconciliationConfig tunes the periodic sweep.
type ReconciliationConfig struct {
	OTPStaleAfter       time.Duration // how long an unverified withdrawal may wait for its code
	ApprovalExpireAfter time.Duration // how long an unattended withdrawal may sit before auto-expiry
	BatchSize           int
	CallDelay           time.Duration // pause between provider status calls
}

func (c *ReconciliationConfig) applyDefaults() {
	if c.OTPStaleAfter <= 0 {
		c.OTPStaleAfter = 20 * time.Minute
	}
	if c.ApprovalExpireAfter <= 0 {
		c.ApprovalExpireAfter = 24 * time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
}

// ReconciliationService is the safety net for everything the happy path can
// drop: lost webhooks, abandoned OTP verifications and withdrawals nobody
// approved. Each run makes three independent passes; a failure in one pass
// never blocks the others.
type ReconciliationService struct {
	store     Store
	providers *provider.Registry
	applier   *StatusApplier
	audit     *AuditService
	cfg       ReconciliationConfig
}

// NewReconciliationService creates a reconciliation service.
func NewReconciliationService(store Store, providers *provider.Registry, applier *StatusApplier, cfg ReconciliationConfig) *ReconciliationService {
	cfg.applyDefaults()
	return &ReconciliationService{
		store:     store,
		providers: providers,
		applier:   applier,
		audit:     NewAuditService(),
		cfg:       cfg,
	}
}

// Run executes one full reconciliation sweep.
func (s *ReconciliationService) Run(ctx context.Context) error {
	return errors.Join(
		s.expireStaleOTP(ctx),
		s.expireUnattended(ctx),
		s.pollProcessing(ctx),
	)
}

// expireStaleOTP sweeps withdrawals whose verification window has lapsed.
func (s *ReconciliationService) expireStaleOTP(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.OTPStaleAfter)
	stale, err := s.store.Ledger().ListByStatusBefore(ctx, domain.TxStatusPendingOTP, cutoff, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list stale otp withdrawals: %w", err)
	}
	for i := range stale {
		s.expire(ctx, &stale[i], s.cfg.OTPStaleAfter)
	}
	return nil
}

// expireUnattended sweeps withdrawals that sat unverified or unapproved for
// longer than the expiry window.
func (s *ReconciliationService) expireUnattended(ctx context.Context) error {
	cutoff := time.Now().Add(-s.cfg.ApprovalExpireAfter)
	var errs []error
	for _, status := range []string{domain.TxStatusPending, domain.TxStatusPendingAdminApproval} {
		unattended, err := s.store.Ledger().ListByStatusBefore(ctx, status, cutoff, s.cfg.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("list unattended %s withdrawals: %w", status, err))
			continue
		}
		for i := range unattended {
			s.expire(ctx, &unattended[i], s.cfg.ApprovalExpireAfter)
		}
	}
	return errors.Join(errs...)
}

func (s *ReconciliationService) expire(ctx context.Context, t *models.Transaction, window time.Duration) {
	meta := cloneContext(t.Metadata)
	meta.ExpiredFrom = t.Status
	meta.ExpiredAfter = window.String()

	err := s.store.RunInTx(ctx, func(l Ledger) error {
		moved, err := l.TransitionStatus(ctx, t.ID, t.Status, domain.TxStatusExpired, repository.StatusPatch{
			Metadata: meta,
		})
		if err != nil {
			return err
		}
		if !moved {
			return nil
		}
		return s.audit.Write(ctx, l, t.ID, "reconciliation", "expired", meta.ExpiredFrom)
	})
	if err != nil {
		zap.L().Error("failed to expire withdrawal",
			zap.String("transaction_id", t.ID.String()),
			zap.String("status", t.Status),
			zap.Error(err))
		return
	}
	observability.IncrementStateTransition(domain.TxStatusExpired, "reconciliation")
	zap.L().Info("withdrawal expired",
		zap.String("transaction_id", t.ID.String()),
		zap.String("expired_from", meta.ExpiredFrom),
		zap.String("window", meta.ExpiredAfter))
}

// pollProcessing asks each provider for the truth about in-flight payouts.
// Transient provider errors leave the withdrawal PROCESSING for the next
// sweep; only a definite terminal verdict moves it.
func (s *ReconciliationService) pollProcessing(ctx context.Context) error {
	inflight, err := s.store.Ledger().ListProcessing(ctx, s.cfg.BatchSize)
	if err != nil {
		return fmt.Errorf("list processing withdrawals: %w", err)
	}

	for i := range inflight {
		t := &inflight[i]
		if err := ctx.Err(); err != nil {
			return err
		}

		p, err := s.providers.Get(t.Provider())
		if err != nil {
			zap.L().Error("processing withdrawal references unknown provider, skipping",
				zap.String("transaction_id", t.ID.String()),
				zap.String("provider", t.Provider()))
			continue
		}

		if t.ExternalTransactionID == nil || *t.ExternalTransactionID == "" {
			// The first dispatch may have reached the provider even though
			// we never saw its reference. Re-sending would risk a second
			// payout, so this row waits for a human or a webhook.
			observability.IncrementReconciliationInconsistency(p.Name())
			zap.L().Error("processing withdrawal has no provider reference, skipping",
				zap.String("transaction_id", t.ID.String()),
				zap.String("provider", p.Name()))
			continue
		}

		start := time.Now()
		status, err := p.CheckPayoutStatus(ctx, *t.ExternalTransactionID)
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		observability.ObserveProviderCall(p.Name(), "check_status", outcome, time.Since(start))

		if err != nil {
			if provider.IsTransient(err) {
				zap.L().Warn("status poll failed transiently",
					zap.String("transaction_id", t.ID.String()),
					zap.String("provider", p.Name()),
					zap.Error(err))
			} else {
				zap.L().Error("status poll failed",
					zap.String("transaction_id", t.ID.String()),
					zap.String("provider", p.Name()),
					zap.Error(err))
			}
			s.pause(ctx)
			continue
		}

		if err := s.applier.Apply(ctx, t, StatusUpdate{
			State:        status.Status,
			RawStatus:    status.RawStatus,
			AmountMicros: status.AmountMicros,
			Comment:      status.Comment,
			Source:       "reconciliation",
		}); err != nil {
			zap.L().Error("failed to apply polled status",
				zap.String("transaction_id", t.ID.String()),
				zap.Error(err))
		}
		s.pause(ctx)
	}
	return nil
}

func (s *ReconciliationService) pause(ctx context.Context) {
	if s.cfg.CallDelay <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(s.cfg.CallDelay):
	}
}
