package domain

// Withdrawal lifecycle statuses stored on the transaction ledger.
const (
	TxStatusPending              = "PENDING"
	TxStatusPendingOTP           = "PENDING_OTP_VERIFICATION"
	TxStatusPendingAdminApproval = "PENDING_ADMIN_APPROVAL"
	TxStatusProcessing           = "PROCESSING"
	TxStatusCompleted            = "COMPLETED"
	TxStatusFailed               = "FAILED"
	TxStatusExpired              = "EXPIRED"
	TxStatusRejectedByAdmin      = "REJECTED_BY_ADMIN"
)

// TxTypeWithdrawal is the only transaction type this engine mutates.
const TxTypeWithdrawal = "withdrawal"

// Provider identifiers as stored on dispatched transactions. Comparison is
// case-insensitive because the admin surface historically stored mixed casing.
const (
	ProviderCinetPay    = "CinetPay"
	ProviderFeexPay     = "FeexPay"
	ProviderNowPayments = "nowpayments"
)

// IsTerminalStatus reports whether no further lifecycle transition is allowed.
func IsTerminalStatus(status string) bool {
	switch status {
	case TxStatusCompleted, TxStatusFailed, TxStatusExpired, TxStatusRejectedByAdmin:
		return true
	default:
		return false
	}
}

// PayoutState is the normalized four-value status vocabulary every provider
// adapter funnels its own status strings into.
type PayoutState string

const (
	PayoutStatePending    PayoutState = "pending"
	PayoutStateProcessing PayoutState = "processing"
	PayoutStateCompleted  PayoutState = "completed"
	PayoutStateFailed     PayoutState = "failed"
)

// IsTerminal reports whether the provider considers the payout settled.
// Only terminal provider states may move a PROCESSING withdrawal.
func (s PayoutState) IsTerminal() bool {
	return s == PayoutStateCompleted || s == PayoutStateFailed
}
