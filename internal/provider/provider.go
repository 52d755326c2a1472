package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/domain"
)

// ErrMalformedWebhook is returned when an inbound payload cannot be mapped to
// an internal transaction. Such events are logged and dropped, never guessed.
var ErrMalformedWebhook = errors.New("malformed webhook payload")

// ErrUnknownProvider is returned by the registry for an unrecognized name.
var ErrUnknownProvider = errors.New("unknown payout provider")

// RejectedError is a provider's synchronous refusal of a payout. It is
// terminal: the withdrawal becomes FAILED and is never dispatched again.
type RejectedError struct {
	Provider string
	Code     string
	Message  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected payout (code %s): %s", e.Provider, e.Code, e.Message)
}

// TransientError wraps transport-level failures (timeout, DNS, refused
// connection) where the provider's true state is unknown. Callers must not
// treat it as terminal; the next reconciliation tick retries.
type TransientError struct {
	Provider string
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s transient error: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether err is (or wraps) a RejectedError.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}

// Recipient carries every destination detail any adapter may need; each
// adapter reads only the fields relevant to its provider.
type Recipient struct {
	Prefix         string // dialing code for mobile money ("237", "225")
	Phone          string
	Country        string // ISO alpha-2 for FeexPay routing
	Network        string // MTN / ORANGE / MOOV
	Name           string
	Surname        string
	Email          string
	CryptoAddress  string
	CryptoCurrency string
}

// PayoutRequest is the generic dispatch request handed to an adapter.
type PayoutRequest struct {
	TransactionID string // internal ledger ID, echoed back by webhooks where supported
	AmountMicros  int64
	Currency      string
	Recipient     Recipient
	Description   string
}

// PayoutResult is the normalized outcome of a successful dispatch call.
type PayoutResult struct {
	Status            domain.PayoutState
	ProviderReference string // the provider's own transaction ID
	Message           string
}

// PayoutStatus is the normalized answer to a status poll.
type PayoutStatus struct {
	RawStatus    string
	Status       domain.PayoutState
	AmountMicros int64
	Recipient    string
	Comment      string
	CompletedAt  *time.Time
}

// WebhookEvent is a provider push normalized into engine vocabulary.
// TransactionID may be empty when the provider does not echo caller context;
// the ingest path then falls back to a reverse lookup by ProviderReference.
type WebhookEvent struct {
	TransactionID     string
	ProviderReference string
	RawStatus         string
	Status            domain.PayoutState
	AmountMicros      int64
	Comment           string
}

// PayoutProvider is the single polymorphic contract every external payout
// service is adapted to, so the scheduler and approval gateway stay
// provider-agnostic.
type PayoutProvider interface {
	Name() string
	InitiatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	CheckPayoutStatus(ctx context.Context, providerRef string) (*PayoutStatus, error)
	MapStatus(raw string) domain.PayoutState
	ParseWebhook(payload []byte) (*WebhookEvent, error)
}

// Registry is the lookup table keyed by the provider identifier stored on the
// transaction. Lookup is case-insensitive.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]PayoutProvider
}

func NewRegistry(providers ...PayoutProvider) *Registry {
	r := &Registry{providers: make(map[string]PayoutProvider)}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

func (r *Registry) Register(p PayoutProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[strings.ToLower(p.Name())] = p
}

func (r *Registry) Get(name string) (PayoutProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}
