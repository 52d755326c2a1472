package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/TambongStercy/SBC-MS-sub009/internal/models"
	"github.com/TambongStercy/SBC-MS-sub009/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// WithdrawalHandler handles HTTP requests for the withdrawal lifecycle:
// request + OTP confirmation on the user side, the approval queue on the
// admin side.
type WithdrawalHandler struct {
	withdrawalSvc *service.WithdrawalService
}

func NewWithdrawalHandler(withdrawalSvc *service.WithdrawalService) *WithdrawalHandler {
	return &WithdrawalHandler{withdrawalSvc: withdrawalSvc}
}

// CreateWithdrawalRequest represents the request body for creating a withdrawal.
type CreateWithdrawalRequest struct {
	AmountMicros int64  `json:"amount_micros"`
	Currency     string `json:"currency"`
	Method       string `json:"method"`

	Prefix  string `json:"prefix,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Country string `json:"country,omitempty"`
	Network string `json:"network,omitempty"`
	Name    string `json:"name,omitempty"`
	Surname string `json:"surname,omitempty"`
	Email   string `json:"email,omitempty"`

	CryptoAddress  string `json:"crypto_address,omitempty"`
	CryptoCurrency string `json:"crypto_currency,omitempty"`
}

// CreateWithdrawal handles POST /v1/withdrawals.
// A successful request creates the record and sends a verification code; the
// withdrawal stays inert until the code is confirmed.
func (h *WithdrawalHandler) CreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	var req CreateWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	if req.AmountMicros <= 0 {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-amount", "Amount must be greater than zero")
		return
	}
	if strings.TrimSpace(req.Currency) == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-currency", "currency is required")
		return
	}
	if strings.TrimSpace(req.Method) == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-method", "method is required")
		return
	}

	tx, err := h.withdrawalSvc.CreateWithdrawal(r.Context(), service.CreateWithdrawalRequest{
		UserID:         actorID,
		AmountMicros:   req.AmountMicros,
		Currency:       req.Currency,
		Method:         req.Method,
		Prefix:         req.Prefix,
		Phone:          req.Phone,
		Country:        req.Country,
		Network:        req.Network,
		Name:           req.Name,
		Surname:        req.Surname,
		Email:          req.Email,
		CryptoAddress:  req.CryptoAddress,
		CryptoCurrency: req.CryptoCurrency,
	})
	if err != nil {
		switch {
		case errors.Is(err, models.ErrInsufficientFunds):
			RespondError(w, r, http.StatusBadRequest, "withdrawal/insufficient-funds", err.Error())
		case errors.Is(err, service.ErrUnsupportedPayoutMethod):
			RespondError(w, r, http.StatusBadRequest, "withdrawal/unsupported-method", err.Error())
		case errors.Is(err, service.ErrInvalidDestination):
			RespondError(w, r, http.StatusBadRequest, "request/invalid-destination", err.Error())
		default:
			if status, problemType, message, ok := mapDBError(err); ok {
				RespondError(w, r, status, problemType, message)
				return
			}
			zap.L().Error("create withdrawal failed", zap.Error(err))
			RespondError(w, r, http.StatusInternalServerError, "withdrawal/create-failed", "Failed to create withdrawal")
		}
		return
	}

	RespondJSON(w, http.StatusAccepted, tx)
}

// ConfirmOTP handles POST /v1/withdrawals/{id}/confirm.
func (h *WithdrawalHandler) ConfirmOTP(w http.ResponseWriter, r *http.Request) {
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-withdrawal-id", "Invalid withdrawal ID")
		return
	}

	var req struct {
		Code string `json:"code"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	if strings.TrimSpace(req.Code) == "" {
		RespondError(w, r, http.StatusBadRequest, "request/missing-code", "code is required")
		return
	}

	if !h.authorizeOwner(w, r, id, actorID, isAdmin) {
		return
	}

	tx, err := h.withdrawalSvc.ConfirmOTP(r.Context(), id, req.Code)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrWithdrawalNotFound):
			RespondError(w, r, http.StatusNotFound, "withdrawal/not-found", "Withdrawal not found")
		case errors.Is(err, service.ErrOTPInvalid):
			RespondError(w, r, http.StatusBadRequest, "withdrawal/invalid-code", "Invalid verification code")
		case errors.Is(err, service.ErrOTPExpired):
			RespondError(w, r, http.StatusBadRequest, "withdrawal/code-expired", "Verification code has expired")
		case errors.Is(err, service.ErrInvalidStateTransition):
			RespondError(w, r, http.StatusConflict, "withdrawal/invalid-state", err.Error())
		default:
			zap.L().Error("confirm withdrawal failed", zap.Error(err), zap.String("withdrawal_id", id.String()))
			RespondError(w, r, http.StatusInternalServerError, "withdrawal/confirm-failed", "Failed to confirm withdrawal")
		}
		return
	}

	RespondJSON(w, http.StatusOK, tx)
}

// GetWithdrawal handles GET /v1/withdrawals/{id}.
func (h *WithdrawalHandler) GetWithdrawal(w http.ResponseWriter, r *http.Request) {
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-withdrawal-id", "Invalid withdrawal ID")
		return
	}

	tx, err := h.withdrawalSvc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrWithdrawalNotFound) {
			RespondError(w, r, http.StatusNotFound, "withdrawal/not-found", "Withdrawal not found")
			return
		}
		zap.L().Error("get withdrawal failed", zap.Error(err), zap.String("withdrawal_id", id.String()))
		RespondError(w, r, http.StatusInternalServerError, "withdrawal/read-failed", "Failed to get withdrawal")
		return
	}
	if !isAdmin && tx.UserID != actorID {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
		return
	}

	RespondJSON(w, http.StatusOK, tx)
}

// ListPending handles GET /v1/admin/withdrawals (admin only).
func (h *WithdrawalHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	providerName := strings.TrimSpace(r.URL.Query().Get("provider"))
	limit := 20
	offset := 0
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			RespondError(w, r, http.StatusBadRequest, "request/invalid-limit", "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if v := strings.TrimSpace(r.URL.Query().Get("offset")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			RespondError(w, r, http.StatusBadRequest, "request/invalid-offset", "offset must be a non-negative integer")
			return
		}
		offset = parsed
	}

	items, total, err := h.withdrawalSvc.ListPending(r.Context(), providerName, limit, offset)
	if err != nil {
		zap.L().Error("list pending withdrawals failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "withdrawal/list-failed", "Failed to list pending withdrawals")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"items":       items,
		"limit":       limit,
		"offset":      offset,
		"count":       len(items),
		"total_count": total,
	})
}

// Approve handles POST /v1/admin/withdrawals/{id}/approve (admin only).
func (h *WithdrawalHandler) Approve(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-withdrawal-id", "Invalid withdrawal ID")
		return
	}

	tx, err := h.withdrawalSvc.Approve(r.Context(), id, actorID.String())
	if err != nil {
		switch {
		case errors.Is(err, service.ErrWithdrawalNotFound):
			RespondError(w, r, http.StatusNotFound, "withdrawal/not-found", "Withdrawal not found")
		case errors.Is(err, service.ErrInvalidStateTransition):
			RespondError(w, r, http.StatusConflict, "withdrawal/invalid-state", err.Error())
		default:
			zap.L().Error("approve withdrawal failed", zap.Error(err), zap.String("withdrawal_id", id.String()))
			RespondError(w, r, http.StatusInternalServerError, "withdrawal/approve-failed", "Failed to approve withdrawal")
		}
		return
	}

	RespondJSON(w, http.StatusOK, tx)
}

type rejectWithdrawalRequest struct {
	Reason string `json:"reason"`
}

// Reject handles POST /v1/admin/withdrawals/{id}/reject (admin only).
func (h *WithdrawalHandler) Reject(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-withdrawal-id", "Invalid withdrawal ID")
		return
	}

	var req rejectWithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}

	tx, err := h.withdrawalSvc.Reject(r.Context(), id, actorID.String(), req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrWithdrawalNotFound):
			RespondError(w, r, http.StatusNotFound, "withdrawal/not-found", "Withdrawal not found")
		case errors.Is(err, service.ErrRejectionReasonRequired):
			RespondError(w, r, http.StatusBadRequest, "request/missing-reason", "reason is required")
		case errors.Is(err, service.ErrInvalidStateTransition):
			RespondError(w, r, http.StatusConflict, "withdrawal/invalid-state", err.Error())
		default:
			zap.L().Error("reject withdrawal failed", zap.Error(err), zap.String("withdrawal_id", id.String()))
			RespondError(w, r, http.StatusInternalServerError, "withdrawal/reject-failed", "Failed to reject withdrawal")
		}
		return
	}

	RespondJSON(w, http.StatusOK, tx)
}

type bulkApproveRequest struct {
	IDs []string `json:"ids"`
}

// BulkApprove handles POST /v1/admin/withdrawals/bulk-approve (admin only).
// Each withdrawal is decided independently; one failure never blocks the rest.
func (h *WithdrawalHandler) BulkApprove(w http.ResponseWriter, r *http.Request) {
	actorID, _, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return
	}

	var req bulkApproveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return
	}
	if len(req.IDs) == 0 {
		RespondError(w, r, http.StatusBadRequest, "request/missing-ids", "ids is required")
		return
	}

	ids := make([]uuid.UUID, 0, len(req.IDs))
	for _, raw := range req.IDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			RespondError(w, r, http.StatusBadRequest, "request/invalid-withdrawal-id", "Invalid withdrawal ID: "+raw)
			return
		}
		ids = append(ids, id)
	}

	results := h.withdrawalSvc.BulkApprove(r.Context(), ids, actorID.String())
	approved := 0
	for _, res := range results {
		if res.Approved {
			approved++
		}
	}

	RespondJSON(w, http.StatusOK, map[string]any{
		"results":  results,
		"approved": approved,
		"failed":   len(results) - approved,
	})
}

// AuditTrail handles GET /v1/admin/withdrawals/{id}/audit (admin only).
func (h *WithdrawalHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-withdrawal-id", "Invalid withdrawal ID")
		return
	}

	logs, err := h.withdrawalSvc.AuditTrail(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrWithdrawalNotFound) {
			RespondError(w, r, http.StatusNotFound, "withdrawal/not-found", "Withdrawal not found")
			return
		}
		zap.L().Error("read audit trail failed", zap.Error(err), zap.String("withdrawal_id", id.String()))
		RespondError(w, r, http.StatusInternalServerError, "withdrawal/audit-read-failed", "Failed to read audit trail")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]any{"items": logs, "count": len(logs)})
}

// Stats handles GET /v1/admin/withdrawals/stats (admin only).
func (h *WithdrawalHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.withdrawalSvc.Stats(r.Context())
	if err != nil {
		zap.L().Error("read withdrawal stats failed", zap.Error(err))
		RespondError(w, r, http.StatusInternalServerError, "withdrawal/stats-failed", "Failed to read withdrawal stats")
		return
	}
	RespondJSON(w, http.StatusOK, stats)
}

// authorizeOwner loads the withdrawal and rejects callers acting on somebody
// else's record. Admins pass through.
func (h *WithdrawalHandler) authorizeOwner(w http.ResponseWriter, r *http.Request, id, actorID uuid.UUID, isAdmin bool) bool {
	if isAdmin {
		return true
	}
	tx, err := h.withdrawalSvc.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, service.ErrWithdrawalNotFound) {
			RespondError(w, r, http.StatusNotFound, "withdrawal/not-found", "Withdrawal not found")
			return false
		}
		zap.L().Error("load withdrawal failed", zap.Error(err), zap.String("withdrawal_id", id.String()))
		RespondError(w, r, http.StatusInternalServerError, "withdrawal/read-failed", "Failed to load withdrawal")
		return false
	}
	if tx.UserID != actorID {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
		return false
	}
	return true
}
