package service

import (
	"context"
	"fmt"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/domain"
	"github.com/TambongStercy/SBC-MS-sub009/internal/models"
	"github.com/TambongStercy/SBC-MS-sub009/internal/observability"
	"github.com/TambongStercy/SBC-MS-sub009/internal/repository"
	"go.uber.org/zap"
)

// Notifier delivers user-facing messages about a finished withdrawal.
// Implementations must be best-effort: a failed notification never rolls
// back the ledger.
type Notifier interface {
	NotifyWithdrawalOTP(ctx context.Context, t *models.Transaction, code string)
	NotifyWithdrawalCompleted(ctx context.Context, t *models.Transaction)
	NotifyWithdrawalFailed(ctx context.Context, t *models.Transaction, reason string)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) NotifyWithdrawalOTP(context.Context, *models.Transaction, string)    {}
func (NopNotifier) NotifyWithdrawalCompleted(context.Context, *models.Transaction)      {}
func (NopNotifier) NotifyWithdrawalFailed(context.Context, *models.Transaction, string) {}

// StatusUpdate is a provider verdict about an in-flight payout, normalized
// out of either a webhook or a reconciliation poll.
type StatusUpdate struct {
	State        domain.PayoutState
	RawStatus    string
	AmountMicros int64 // 0 when the provider did not echo an amount
	Comment      string
	Source       string // "webhook" or "reconciliation"
}

// StatusApplier is the single write path that moves a PROCESSING withdrawal
// to its terminal status. Webhooks and the reconciler both funnel through it,
// so the conditional update in the ledger is the only idempotency barrier
// that matters.
type StatusApplier struct {
	store    Store
	audit    *AuditService
	notifier Notifier
}

func NewStatusApplier(store Store, notifier Notifier) *StatusApplier {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &StatusApplier{
		store:    store,
		audit:    NewAuditService(),
		notifier: notifier,
	}
}

// Apply folds a provider verdict into the stored withdrawal. Non-terminal
// verdicts are no-ops. Verdicts that contradict a terminal row are logged
// and skipped; a completed verdict whose amount disagrees with ours is
// flagged but still settled so the withdrawal cannot strand in PROCESSING.
func (a *StatusApplier) Apply(ctx context.Context, t *models.Transaction, upd StatusUpdate) error {
	if !upd.State.IsTerminal() {
		zap.L().Debug("payout still in flight",
			zap.String("transaction_id", t.ID.String()),
			zap.String("provider_status", upd.RawStatus),
			zap.String("source", upd.Source))
		return nil
	}

	if domain.IsTerminalStatus(t.Status) {
		if !verdictMatchesStatus(upd.State, t.Status) {
			a.reportInconsistency(t, upd, "provider verdict contradicts terminal status")
		}
		return nil
	}

	if t.Status != domain.TxStatusProcessing {
		a.reportInconsistency(t, upd, "provider verdict for withdrawal not in PROCESSING")
		return nil
	}

	if upd.State == domain.PayoutStateCompleted && upd.AmountMicros > 0 && !amountsAgree(upd.AmountMicros, t.AmountMicros) {
		// Flag the discrepancy but still settle: stranding the withdrawal
		// in PROCESSING would block the user forever, and crypto payouts
		// legitimately echo amounts in coin units rather than fiat micros.
		a.reportInconsistency(t, upd, fmt.Sprintf("provider amount %d does not match ledger amount %d", upd.AmountMicros, t.AmountMicros))
	}

	switch upd.State {
	case domain.PayoutStateCompleted:
		return a.complete(ctx, t, upd)
	default:
		return a.fail(ctx, t, upd)
	}
}

func (a *StatusApplier) complete(ctx context.Context, t *models.Transaction, upd StatusUpdate) error {
	now := time.Now()
	won := false
	err := a.store.RunInTx(ctx, func(l Ledger) error {
		ok, err := l.TransitionStatus(ctx, t.ID, domain.TxStatusProcessing, domain.TxStatusCompleted, repository.StatusPatch{
			CompletedAt: &now,
		})
		if err != nil {
			return err
		}
		if !ok {
			// Another path already finished this withdrawal.
			return nil
		}
		won = true
		if err := l.DebitBalance(ctx, t.UserID, t.AmountMicros, t.Currency); err != nil {
			return fmt.Errorf("debit balance for completed payout: %w", err)
		}
		return a.audit.Write(ctx, l, t.ID, upd.Source, "completed", upd.RawStatus)
	})
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	observability.IncrementStateTransition(domain.TxStatusCompleted, upd.Source)
	zap.L().Info("withdrawal completed",
		zap.String("transaction_id", t.ID.String()),
		zap.String("provider", t.Provider()),
		zap.String("source", upd.Source))
	a.notifier.NotifyWithdrawalCompleted(ctx, t)
	return nil
}

func (a *StatusApplier) fail(ctx context.Context, t *models.Transaction, upd StatusUpdate) error {
	reason := upd.Comment
	if reason == "" {
		reason = upd.RawStatus
	}
	meta := cloneContext(t.Metadata)
	meta.FailureReason = reason

	won := false
	err := a.store.RunInTx(ctx, func(l Ledger) error {
		ok, err := l.TransitionStatus(ctx, t.ID, domain.TxStatusProcessing, domain.TxStatusFailed, repository.StatusPatch{
			Metadata: meta,
		})
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		won = true
		return a.audit.Write(ctx, l, t.ID, upd.Source, "failed", reason)
	})
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	observability.IncrementStateTransition(domain.TxStatusFailed, upd.Source)
	zap.L().Warn("withdrawal failed at provider",
		zap.String("transaction_id", t.ID.String()),
		zap.String("provider", t.Provider()),
		zap.String("reason", reason),
		zap.String("source", upd.Source))
	a.notifier.NotifyWithdrawalFailed(ctx, t, reason)
	return nil
}

func (a *StatusApplier) reportInconsistency(t *models.Transaction, upd StatusUpdate, detail string) {
	observability.IncrementReconciliationInconsistency(t.Provider())
	zap.L().Error("inconsistent provider verdict",
		zap.String("transaction_id", t.ID.String()),
		zap.String("status", t.Status),
		zap.String("provider_status", upd.RawStatus),
		zap.String("source", upd.Source),
		zap.String("detail", detail))
}

func verdictMatchesStatus(state domain.PayoutState, status string) bool {
	switch state {
	case domain.PayoutStateCompleted:
		return status == domain.TxStatusCompleted
	case domain.PayoutStateFailed:
		return status == domain.TxStatusFailed
	default:
		return true
	}
}

// amountsAgree compares a provider-echoed amount against the ledger. The
// wire carries whole currency units, floored at dispatch, so micros that
// round down to the same unit count as the same amount.
func amountsAgree(providerMicros, ledgerMicros int64) bool {
	if providerMicros == ledgerMicros {
		return true
	}
	return domain.Money{Amount: providerMicros}.ProviderUnits() == domain.Money{Amount: ledgerMicros}.ProviderUnits()
}

func cloneContext(c *models.ProviderContext) *models.ProviderContext {
	if c == nil {
		return &models.ProviderContext{}
	}
	clone := *c
	return &clone
}
