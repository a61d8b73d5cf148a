// internal/event/audit.go
package event

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// AuditLog mirrors one audit trail entry onto the event stream.
type AuditLog struct {
	EntryID    uuid.UUID      `json:"entry_id"`
	Actor      common.Address `json:"actor"`
	Action     string         `json:"action"`
	ContractID uint64         `json:"contract_id"`
	Timestamp  time.Time      `json:"timestamp"`
	Hash       string         `json:"hash"`
}

func (e *AuditLog) IdempotencyKey() string {
	return "audit:" + e.EntryID.String()
}

func (e *AuditLog) EventType() EventType {
	return EventTypeAuditLog
}

func (e *AuditLog) ContractRef() *uint64 {
	if e.ContractID == 0 {
		return nil
	}
	return contractRef(e.ContractID)
}
