package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/TambongStercy/SBC-MS-sub009/internal/domain"
)

// ErrInvalidStateTransition is returned when a caller asks for a status move
// the lifecycle does not allow.
var ErrInvalidStateTransition = errors.New("invalid withdrawal state transition")

// withdrawalTransitions is the authoritative lifecycle. Terminal statuses map
// to an empty set: nothing moves a withdrawal out of COMPLETED, FAILED,
// EXPIRED or REJECTED_BY_ADMIN.
var withdrawalTransitions = map[string]map[string]struct{}{
	domain.TxStatusPending: {
		domain.TxStatusPendingOTP:           {},
		domain.TxStatusPendingAdminApproval: {},
		domain.TxStatusExpired:              {},
	},
	domain.TxStatusPendingOTP: {
		domain.TxStatusPendingAdminApproval: {},
		domain.TxStatusExpired:              {},
	},
	domain.TxStatusPendingAdminApproval: {
		domain.TxStatusProcessing:      {},
		domain.TxStatusRejectedByAdmin: {},
		domain.TxStatusExpired:         {},
	},
	domain.TxStatusProcessing: {
		domain.TxStatusCompleted: {},
		domain.TxStatusFailed:    {},
	},
	domain.TxStatusCompleted:       {},
	domain.TxStatusFailed:          {},
	domain.TxStatusExpired:         {},
	domain.TxStatusRejectedByAdmin: {},
}

func normalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

func canTransition(current, next string) bool {
	current = normalizeState(current)
	next = normalizeState(next)
	if current == next {
		return true
	}
	nextStates, ok := withdrawalTransitions[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}

// checkTransition validates a requested move, treating a same-state request
// as a harmless no-op for idempotent retries.
func checkTransition(current, next string) error {
	if !canTransition(current, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, current, next)
	}
	return nil
}
