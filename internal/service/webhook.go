package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/TambongStercy/SBC-MS-sub009/internal/models"
	"github.com/TambongStercy/SBC-MS-sub009/internal/observability"
	"github.com/TambongStercy/SBC-MS-sub009/internal/provider"
	"github.com/TambongStercy/SBC-MS-sub009/internal/repository"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Deduper remembers recently seen webhook deliveries so provider retries of
// the same event are absorbed before they reach the ledger.
type Deduper interface {
	// Seen marks the key and reports whether it was already present.
	Seen(ctx context.Context, key string) (bool, error)
}

// WebhookService ingests provider push notifications. Parsing is delegated
// to the provider adapter; everything after that is provider-agnostic.
type WebhookService struct {
	store     Store
	providers *provider.Registry
	applier   *StatusApplier
	dedup     Deduper
}

func NewWebhookService(store Store, providers *provider.Registry, applier *StatusApplier, dedup Deduper) *WebhookService {
	return &WebhookService{
		store:     store,
		providers: providers,
		applier:   applier,
		dedup:     dedup,
	}
}

// HandleWebhook processes one inbound delivery. Malformed payloads and
// deliveries that match no withdrawal, even after the reverse lookup by
// provider reference, surface provider.ErrMalformedWebhook for the transport
// layer to reject.
func (s *WebhookService) HandleWebhook(ctx context.Context, providerName string, payload []byte) error {
	p, err := s.providers.Get(providerName)
	if err != nil {
		return err
	}

	event, err := p.ParseWebhook(payload)
	if err != nil {
		observability.IncrementWebhookEvent(p.Name(), "malformed")
		return err
	}

	t, err := s.resolveTransaction(ctx, p.Name(), event)
	if err != nil {
		return err
	}
	if t == nil {
		observability.IncrementWebhookEvent(p.Name(), "unmatched")
		zap.L().Warn("webhook did not match any withdrawal",
			zap.String("provider", p.Name()),
			zap.String("transaction_id", event.TransactionID),
			zap.String("provider_reference", event.ProviderReference),
			zap.String("raw_status", event.RawStatus))
		return fmt.Errorf("%w: no withdrawal for transaction %q / reference %q",
			provider.ErrMalformedWebhook, event.TransactionID, event.ProviderReference)
	}

	seen, err := s.dedup.Seen(ctx, dedupKey(p.Name(), t.ID, event.RawStatus))
	if err != nil {
		// A broken dedup store must not drop webhooks; the conditional
		// status update downstream still guarantees a single debit.
		zap.L().Warn("webhook dedup check failed", zap.Error(err))
	} else if seen {
		observability.IncrementWebhookEvent(p.Name(), "duplicate")
		return nil
	}

	if err := s.applier.Apply(ctx, t, StatusUpdate{
		State:        event.Status,
		RawStatus:    event.RawStatus,
		AmountMicros: event.AmountMicros,
		Comment:      event.Comment,
		Source:       "webhook",
	}); err != nil {
		observability.IncrementWebhookEvent(p.Name(), "error")
		return err
	}
	observability.IncrementWebhookEvent(p.Name(), "applied")
	return nil
}

// resolveTransaction prefers the echoed internal transaction ID and falls
// back to a reverse lookup by the provider's own reference.
func (s *WebhookService) resolveTransaction(ctx context.Context, providerName string, event *provider.WebhookEvent) (*models.Transaction, error) {
	ledger := s.store.Ledger()

	if event.TransactionID != "" {
		id, err := uuid.Parse(event.TransactionID)
		if err != nil {
			return nil, fmt.Errorf("%w: bad transaction id %q", provider.ErrMalformedWebhook, event.TransactionID)
		}
		t, err := ledger.GetWithdrawal(ctx, id)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}

	if event.ProviderReference != "" {
		t, err := ledger.FindByExternalID(ctx, providerName, event.ProviderReference)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, err
		}
	}
	return nil, nil
}

func dedupKey(providerName string, id uuid.UUID, rawStatus string) string {
	return fmt.Sprintf("webhook:%s:%s:%s", providerName, id, rawStatus)
}
