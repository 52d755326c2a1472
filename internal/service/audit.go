package service

import (
	"context"
	"fmt"

	"github.com/TambongStercy/SBC-MS-sub009/internal/models"
	"github.com/google/uuid"
)

// AuditService writes immutable audit trail entries.
type AuditService struct{}

func NewAuditService() *AuditService {
	return &AuditService{}
}

// Write stores a single immutable audit record through the given ledger, so
// it participates in whatever transaction the caller is running.
func (s *AuditService) Write(ctx context.Context, l Ledger, transactionID uuid.UUID, actor, action, detail string) error {
	if actor == "" {
		actor = "system"
	}
	entry := &models.AuditLog{
		ID:            uuid.New(),
		TransactionID: transactionID,
		Actor:         actor,
		Action:        action,
		Detail:        detail,
	}
	if err := l.InsertAuditLog(ctx, entry); err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}
	return nil
}
