package service

import (
	"context"
	"testing"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/dedup"
	"github.com/TambongStercy/SBC-MS-sub009/internal/domain"
	"github.com/TambongStercy/SBC-MS-sub009/internal/provider"
	"github.com/stretchr/testify/require"
)

func newWebhookService(store *fakeStore, stubs ...*stubProvider) (*WebhookService, *recordingNotifier) {
	notifier := &recordingNotifier{}
	applier := NewStatusApplier(store, notifier)
	svc := NewWebhookService(store, newTestRegistry(stubs...), applier, dedup.NewStore(nil, time.Hour))
	return svc, notifier
}

func TestHandleWebhookCompletesWithdrawal(t *testing.T) {
	store := newFakeStore()
	tx := processingWithdrawal(domain.ProviderFeexPay, "fx-1")
	store.put(tx)
	store.setBalance(tx.UserID, tx.Currency, tx.AmountMicros)

	stub := &stubProvider{
		name: domain.ProviderFeexPay,
		webhookEvent: &provider.WebhookEvent{
			TransactionID: tx.ID.String(),
			RawStatus:     "SUCCESSFUL",
			Status:        domain.PayoutStateCompleted,
		},
	}
	svc, notifier := newWebhookService(store, stub)

	require.NoError(t, svc.HandleWebhook(context.Background(), domain.ProviderFeexPay, []byte(`{}`)))
	require.Equal(t, domain.TxStatusCompleted, store.get(tx.ID).Status)
	require.Equal(t, 1, store.debitCount())
	require.Len(t, notifier.completed, 1)
}

func TestHandleWebhookReplayIsIdempotent(t *testing.T) {
	store := newFakeStore()
	tx := processingWithdrawal(domain.ProviderFeexPay, "fx-2")
	store.put(tx)
	store.setBalance(tx.UserID, tx.Currency, tx.AmountMicros)

	stub := &stubProvider{
		name: domain.ProviderFeexPay,
		webhookEvent: &provider.WebhookEvent{
			TransactionID: tx.ID.String(),
			RawStatus:     "SUCCESSFUL",
			Status:        domain.PayoutStateCompleted,
		},
	}
	svc, _ := newWebhookService(store, stub)

	require.NoError(t, svc.HandleWebhook(context.Background(), domain.ProviderFeexPay, []byte(`{}`)))
	require.NoError(t, svc.HandleWebhook(context.Background(), domain.ProviderFeexPay, []byte(`{}`)))
	require.NoError(t, svc.HandleWebhook(context.Background(), domain.ProviderFeexPay, []byte(`{}`)))

	require.Equal(t, domain.TxStatusCompleted, store.get(tx.ID).Status)
	require.Equal(t, 1, store.debitCount())
}

func TestHandleWebhookFallsBackToProviderReference(t *testing.T) {
	store := newFakeStore()
	tx := processingWithdrawal(domain.ProviderNowPayments, "np-batch-77")
	tx.ServiceProvider = domain.ProviderNowPayments
	store.put(tx)
	store.setBalance(tx.UserID, tx.Currency, tx.AmountMicros)

	stub := &stubProvider{
		name: domain.ProviderNowPayments,
		webhookEvent: &provider.WebhookEvent{
			ProviderReference: "np-batch-77",
			RawStatus:         "FINISHED",
			Status:            domain.PayoutStateCompleted,
		},
	}
	svc, _ := newWebhookService(store, stub)

	require.NoError(t, svc.HandleWebhook(context.Background(), domain.ProviderNowPayments, []byte(`{}`)))
	require.Equal(t, domain.TxStatusCompleted, store.get(tx.ID).Status)
}

func TestHandleWebhookMalformedPayload(t *testing.T) {
	store := newFakeStore()
	stub := &stubProvider{
		name:       domain.ProviderFeexPay,
		webhookErr: provider.ErrMalformedWebhook,
	}
	svc, _ := newWebhookService(store, stub)

	err := svc.HandleWebhook(context.Background(), domain.ProviderFeexPay, []byte(`not json`))
	require.ErrorIs(t, err, provider.ErrMalformedWebhook)
}

func TestHandleWebhookUnknownProvider(t *testing.T) {
	store := newFakeStore()
	svc, _ := newWebhookService(store)

	err := svc.HandleWebhook(context.Background(), "paypal", []byte(`{}`))
	require.ErrorIs(t, err, provider.ErrUnknownProvider)
}

func TestHandleWebhookUnmatchedIsRejected(t *testing.T) {
	store := newFakeStore()
	stub := &stubProvider{
		name: domain.ProviderFeexPay,
		webhookEvent: &provider.WebhookEvent{
			ProviderReference: "fx-unknown",
			RawStatus:         "SUCCESSFUL",
			Status:            domain.PayoutStateCompleted,
		},
	}
	svc, _ := newWebhookService(store, stub)

	// Neither the echoed transaction ID nor the reverse lookup finds a
	// withdrawal, so the delivery is rejected as malformed.
	err := svc.HandleWebhook(context.Background(), domain.ProviderFeexPay, []byte(`{}`))
	require.ErrorIs(t, err, provider.ErrMalformedWebhook)
	require.Zero(t, store.debitCount())
}

func TestHandleWebhookFailureVerdict(t *testing.T) {
	store := newFakeStore()
	tx := processingWithdrawal(domain.ProviderFeexPay, "fx-3")
	store.put(tx)

	stub := &stubProvider{
		name: domain.ProviderFeexPay,
		webhookEvent: &provider.WebhookEvent{
			TransactionID: tx.ID.String(),
			RawStatus:     "FAILED",
			Status:        domain.PayoutStateFailed,
			Comment:       "insufficient float",
		},
	}
	svc, notifier := newWebhookService(store, stub)

	require.NoError(t, svc.HandleWebhook(context.Background(), domain.ProviderFeexPay, []byte(`{}`)))
	stored := store.get(tx.ID)
	require.Equal(t, domain.TxStatusFailed, stored.Status)
	require.Equal(t, "insufficient float", stored.Metadata.FailureReason)
	require.Equal(t, []string{"insufficient float"}, notifier.failed)
	require.Zero(t, store.debitCount())
}
