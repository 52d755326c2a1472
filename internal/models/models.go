package models

import (
	"errors"
	"time"

	"github.com/TambongStercy/SBC-MS-sub009/internal/domain"
	"github.com/google/uuid"
)

var ErrInsufficientFunds = errors.New("insufficient funds")

// Transaction is the durable withdrawal record. Status is the only field
// driving business behavior; everything else is immutable after it is first
// set (ServiceProvider and ExternalTransactionID are written once at dispatch).
type Transaction struct {
	ID                    uuid.UUID        `json:"id"`
	UserID                uuid.UUID        `json:"user_id"`
	Type                  string           `json:"type"` // always "withdrawal" in this engine
	AmountMicros          int64            `json:"amount_micros"`
	Currency              string           `json:"currency"`
	Status                string           `json:"status"`
	ServiceProvider       string           `json:"service_provider,omitempty"`
	ExternalTransactionID *string          `json:"external_transaction_id,omitempty"`
	Metadata              *ProviderContext `json:"metadata,omitempty"`
	ApprovedAt            *time.Time       `json:"approved_at,omitempty"`
	RejectedAt            *time.Time       `json:"rejected_at,omitempty"`
	CompletedAt           *time.Time       `json:"completed_at,omitempty"`
	Deleted               bool             `json:"-"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// Provider returns the adapter owning this transaction, preferring the
// dispatched ServiceProvider and falling back to the payout method selected
// at request time.
func (t *Transaction) Provider() string {
	if t.ServiceProvider != "" {
		return t.ServiceProvider
	}
	if t.Metadata != nil {
		return t.Metadata.SelectedProvider()
	}
	return ""
}

// ProviderContext is the typed replacement for the source system's open
// metadata bag. Exactly one of the provider members is set for a dispatched
// withdrawal; the remaining fields are append-only audit context.
type ProviderContext struct {
	CinetPay    *CinetPayContext    `json:"cinetpay,omitempty"`
	FeexPay     *FeexPayContext     `json:"feexpay,omitempty"`
	NowPayments *NowPaymentsContext `json:"nowpayments,omitempty"`

	OTPExpiresAt    *time.Time `json:"otp_expires_at,omitempty"`
	ExpiredFrom     string     `json:"expired_from,omitempty"`
	ExpiredAfter    string     `json:"expired_after,omitempty"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	RejectionReason string     `json:"rejection_reason,omitempty"`
	Notes           []string   `json:"notes,omitempty"`
}

// SelectedProvider maps the tagged union back to a registry key.
func (c *ProviderContext) SelectedProvider() string {
	switch {
	case c == nil:
		return ""
	case c.CinetPay != nil:
		return domain.ProviderCinetPay
	case c.FeexPay != nil:
		return domain.ProviderFeexPay
	case c.NowPayments != nil:
		return domain.ProviderNowPayments
	default:
		return ""
	}
}

// AppendNote records a free-form audit note without touching provider context.
func (c *ProviderContext) AppendNote(note string) {
	c.Notes = append(c.Notes, note)
}

// CinetPayContext holds the contact-based aggregator's recipient details.
type CinetPayContext struct {
	Prefix       string `json:"prefix"` // country dialing code, digits only
	Phone        string `json:"phone"`
	Surname      string `json:"surname,omitempty"`
	Name         string `json:"name,omitempty"`
	Email        string `json:"email,omitempty"`
	ContactAdded bool   `json:"contact_added,omitempty"`
}

// FeexPayContext holds the country/network routed aggregator's recipient details.
type FeexPayContext struct {
	Country string `json:"country"` // ISO alpha-2, upper case
	Network string `json:"network"` // MTN / ORANGE / MOOV
	Phone   string `json:"phone"`
}

// NowPaymentsContext holds the crypto processor's payout destination.
type NowPaymentsContext struct {
	PayoutCurrency string `json:"payout_currency"` // e.g. usdttrc20
	Address        string `json:"address"`
}

// Account holds a user's spendable balance per currency. Withdrawals debit
// it exactly once, when the payout reaches COMPLETED.
type Account struct {
	ID            uuid.UUID `json:"id"`
	UserID        uuid.UUID `json:"user_id"`
	Currency      string    `json:"currency"`
	BalanceMicros int64     `json:"balance_micros"`
	CreatedAt     time.Time `json:"created_at"`
}

// AuditLog is an append-only record of who did what to a withdrawal.
type AuditLog struct {
	ID            uuid.UUID `json:"id"`
	TransactionID uuid.UUID `json:"transaction_id"`
	Actor         string    `json:"actor"`
	Action        string    `json:"action"`
	Detail        string    `json:"detail,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// WithdrawalStats is the aggregate exposed to the admin surface.
type WithdrawalStats struct {
	PendingApproval int64 `json:"pending_approval"`
	Processing      int64 `json:"processing"`
	ApprovedToday   int64 `json:"approved_today"`
	RejectedToday   int64 `json:"rejected_today"`
}
