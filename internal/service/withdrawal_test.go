package service

import (
	"context"
	"testing"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/domain"
	"github.com/TambongStercy/SBC-MS-sub009/internal/models"
	"github.com/TambongStercy/SBC-MS-sub009/internal/provider"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newWithdrawalService(store *fakeStore, stubs ...*stubProvider) (*WithdrawalService, *memoryOTP, *recordingNotifier) {
	otpStore := newMemoryOTP()
	notifier := &recordingNotifier{}
	applier := NewStatusApplier(store, notifier)
	svc := NewWithdrawalService(store, newTestRegistry(stubs...), applier, otpStore, notifier, 20*time.Minute)
	return svc, otpStore, notifier
}

func TestCreateWithdrawalSendsOTP(t *testing.T) {
	store := newFakeStore()
	stub := &stubProvider{name: domain.ProviderFeexPay}
	svc, otpStore, notifier := newWithdrawalService(store, stub)

	userID := uuid.New()
	store.setBalance(userID, "XAF", 20_000_000_000)

	tx, err := svc.CreateWithdrawal(context.Background(), CreateWithdrawalRequest{
		UserID:       userID,
		AmountMicros: 10_000_000_000,
		Currency:     "xaf",
		Method:       domain.ProviderFeexPay,
		Country:      "cm",
		Network:      "mtn",
		Phone:        "650000000",
	})
	require.NoError(t, err)
	require.Equal(t, domain.TxStatusPendingOTP, tx.Status)
	require.Equal(t, "XAF", tx.Currency)
	require.NotNil(t, tx.Metadata)
	require.NotNil(t, tx.Metadata.FeexPay)
	require.Equal(t, "CM", tx.Metadata.FeexPay.Country)
	require.NotNil(t, tx.Metadata.OTPExpiresAt)

	code := otpStore.code(tx.ID)
	require.Len(t, code, 6)
	require.Equal(t, []string{code}, notifier.otps)
}

func TestCreateWithdrawalRejectsInsufficientBalance(t *testing.T) {
	store := newFakeStore()
	stub := &stubProvider{name: domain.ProviderFeexPay}
	svc, _, _ := newWithdrawalService(store, stub)

	userID := uuid.New()
	store.setBalance(userID, "XAF", 1_000_000)

	_, err := svc.CreateWithdrawal(context.Background(), CreateWithdrawalRequest{
		UserID:       userID,
		AmountMicros: 10_000_000_000,
		Currency:     "XAF",
		Method:       domain.ProviderFeexPay,
		Country:      "CM",
		Network:      "MTN",
		Phone:        "650000000",
	})
	require.ErrorIs(t, err, models.ErrInsufficientFunds)
}

func TestCreateWithdrawalRejectsUnknownMethod(t *testing.T) {
	store := newFakeStore()
	svc, _, _ := newWithdrawalService(store)

	_, err := svc.CreateWithdrawal(context.Background(), CreateWithdrawalRequest{
		UserID:       uuid.New(),
		AmountMicros: 1_000_000,
		Currency:     "XAF",
		Method:       "western-union",
	})
	require.ErrorIs(t, err, ErrUnsupportedPayoutMethod)
}

func TestConfirmOTPMovesToAdminQueue(t *testing.T) {
	store := newFakeStore()
	stub := &stubProvider{name: domain.ProviderFeexPay}
	svc, otpStore, _ := newWithdrawalService(store, stub)

	userID := uuid.New()
	store.setBalance(userID, "XAF", 20_000_000_000)
	tx, err := svc.CreateWithdrawal(context.Background(), CreateWithdrawalRequest{
		UserID:       userID,
		AmountMicros: 10_000_000_000,
		Currency:     "XAF",
		Method:       domain.ProviderFeexPay,
		Country:      "CM",
		Network:      "MTN",
		Phone:        "650000000",
	})
	require.NoError(t, err)

	_, err = svc.ConfirmOTP(context.Background(), tx.ID, "000000")
	require.ErrorIs(t, err, ErrOTPInvalid)

	confirmed, err := svc.ConfirmOTP(context.Background(), tx.ID, otpStore.code(tx.ID))
	require.NoError(t, err)
	require.Equal(t, domain.TxStatusPendingAdminApproval, confirmed.Status)
	require.Equal(t, domain.TxStatusPendingAdminApproval, store.get(tx.ID).Status)

	// A second confirmation attempt finds the withdrawal past verification.
	_, err = svc.ConfirmOTP(context.Background(), tx.ID, "123456")
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestConfirmOTPExpiredWindow(t *testing.T) {
	store := newFakeStore()
	stub := &stubProvider{name: domain.ProviderFeexPay}
	svc, _, _ := newWithdrawalService(store, stub)

	past := time.Now().Add(-time.Minute)
	tx := processingWithdrawal(domain.ProviderFeexPay, "")
	tx.Status = domain.TxStatusPendingOTP
	tx.Metadata.OTPExpiresAt = &past
	store.put(tx)

	_, err := svc.ConfirmOTP(context.Background(), tx.ID, "123456")
	require.ErrorIs(t, err, ErrOTPExpired)
}

func TestApproveDispatchesPayout(t *testing.T) {
	store := newFakeStore()
	stub := &stubProvider{
		name:       domain.ProviderFeexPay,
		initResult: &provider.PayoutResult{Status: domain.PayoutStatePending, ProviderReference: "fx-123"},
	}
	svc, _, _ := newWithdrawalService(store, stub)

	tx := processingWithdrawal(domain.ProviderFeexPay, "")
	tx.Status = domain.TxStatusPendingAdminApproval
	store.put(tx)

	approved, err := svc.Approve(context.Background(), tx.ID, "admin@example.com")
	require.NoError(t, err)
	require.Equal(t, domain.TxStatusProcessing, approved.Status)
	require.NotNil(t, approved.ApprovedAt)
	require.Equal(t, 1, stub.initiateCalls)

	stored := store.get(tx.ID)
	require.Equal(t, domain.TxStatusProcessing, stored.Status)
	require.NotNil(t, stored.ExternalTransactionID)
	require.Equal(t, "fx-123", *stored.ExternalTransactionID)
}

func TestApproveRejectedByProviderFailsWithdrawal(t *testing.T) {
	store := newFakeStore()
	stub := &stubProvider{
		name:    domain.ProviderFeexPay,
		initErr: &provider.RejectedError{Provider: domain.ProviderFeexPay, Code: "UNSUPPORTED_OPERATOR", Message: "no route"},
	}
	svc, _, notifier := newWithdrawalService(store, stub)

	tx := processingWithdrawal(domain.ProviderFeexPay, "")
	tx.Status = domain.TxStatusPendingAdminApproval
	store.put(tx)

	_, err := svc.Approve(context.Background(), tx.ID, "admin@example.com")
	require.NoError(t, err)

	stored := store.get(tx.ID)
	require.Equal(t, domain.TxStatusFailed, stored.Status)
	require.NotEmpty(t, stored.Metadata.FailureReason)
	require.Len(t, notifier.failed, 1)
	// No payout went out, so nothing may be debited.
	require.Zero(t, store.debitCount())
}

func TestApproveTransientDispatchLeavesProcessing(t *testing.T) {
	store := newFakeStore()
	stub := &stubProvider{
		name:    domain.ProviderFeexPay,
		initErr: &provider.TransientError{Provider: domain.ProviderFeexPay, Err: context.DeadlineExceeded},
	}
	svc, _, _ := newWithdrawalService(store, stub)

	tx := processingWithdrawal(domain.ProviderFeexPay, "")
	tx.Status = domain.TxStatusPendingAdminApproval
	store.put(tx)

	_, err := svc.Approve(context.Background(), tx.ID, "admin@example.com")
	require.NoError(t, err)

	stored := store.get(tx.ID)
	require.Equal(t, domain.TxStatusProcessing, stored.Status)
	require.Nil(t, stored.ExternalTransactionID)
}

func TestApproveRequiresPendingAdminApproval(t *testing.T) {
	store := newFakeStore()
	stub := &stubProvider{name: domain.ProviderFeexPay}
	svc, _, _ := newWithdrawalService(store, stub)

	tx := processingWithdrawal(domain.ProviderFeexPay, "fx-1")
	store.put(tx) // already PROCESSING

	_, err := svc.Approve(context.Background(), tx.ID, "admin@example.com")
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	require.Zero(t, stub.initiateCalls)
}

func TestRejectRequiresReason(t *testing.T) {
	store := newFakeStore()
	stub := &stubProvider{name: domain.ProviderFeexPay}
	svc, _, notifier := newWithdrawalService(store, stub)

	tx := processingWithdrawal(domain.ProviderFeexPay, "")
	tx.Status = domain.TxStatusPendingAdminApproval
	store.put(tx)

	_, err := svc.Reject(context.Background(), tx.ID, "admin@example.com", "   ")
	require.ErrorIs(t, err, ErrRejectionReasonRequired)

	rejected, err := svc.Reject(context.Background(), tx.ID, "admin@example.com", "suspicious destination")
	require.NoError(t, err)
	require.Equal(t, domain.TxStatusRejectedByAdmin, rejected.Status)
	require.NotNil(t, rejected.RejectedAt)
	require.Equal(t, "suspicious destination", rejected.Metadata.RejectionReason)
	require.Equal(t, []string{"suspicious destination"}, notifier.failed)
}

func TestBulkApproveIsolatesFailures(t *testing.T) {
	store := newFakeStore()
	stub := &stubProvider{
		name:       domain.ProviderFeexPay,
		initResult: &provider.PayoutResult{Status: domain.PayoutStatePending, ProviderReference: "fx-bulk"},
	}
	svc, _, _ := newWithdrawalService(store, stub)

	good1 := processingWithdrawal(domain.ProviderFeexPay, "")
	good1.Status = domain.TxStatusPendingAdminApproval
	store.put(good1)

	alreadyDone := processingWithdrawal(domain.ProviderFeexPay, "fx-old")
	alreadyDone.Status = domain.TxStatusCompleted
	store.put(alreadyDone)

	good2 := processingWithdrawal(domain.ProviderFeexPay, "")
	good2.Status = domain.TxStatusPendingAdminApproval
	store.put(good2)

	results := svc.BulkApprove(context.Background(), []uuid.UUID{good1.ID, alreadyDone.ID, good2.ID}, "admin@example.com")
	require.Len(t, results, 3)
	require.True(t, results[0].Approved)
	require.False(t, results[1].Approved)
	require.NotEmpty(t, results[1].Error)
	require.True(t, results[2].Approved)

	require.Equal(t, domain.TxStatusProcessing, store.get(good1.ID).Status)
	require.Equal(t, domain.TxStatusCompleted, store.get(alreadyDone.ID).Status)
	require.Equal(t, domain.TxStatusProcessing, store.get(good2.ID).Status)
}

func TestListPendingFiltersByProvider(t *testing.T) {
	store := newFakeStore()
	stub := &stubProvider{name: domain.ProviderFeexPay}
	svc, _, _ := newWithdrawalService(store, stub)

	feex := processingWithdrawal(domain.ProviderFeexPay, "")
	feex.Status = domain.TxStatusPendingAdminApproval
	store.put(feex)

	cinet := processingWithdrawal(domain.ProviderCinetPay, "")
	cinet.Status = domain.TxStatusPendingAdminApproval
	cinet.ServiceProvider = domain.ProviderCinetPay
	store.put(cinet)

	items, total, err := svc.ListPending(context.Background(), domain.ProviderFeexPay, 20, 0)
	require.NoError(t, err)
	require.EqualValues(t, 1, total)
	require.Len(t, items, 1)
	require.Equal(t, feex.ID, items[0].ID)

	_, total, err = svc.ListPending(context.Background(), "", 20, 0)
	require.NoError(t, err)
	require.EqualValues(t, 2, total)
}
