package event

import (
	"time"

	"github.com/google/uuid"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeContractCreated
	EventTypePositionOpened
	EventTypeDecryptionRequested
	EventTypeContractSettled
	EventTypeProfitDistributed
	EventTypeRefundProcessed
	EventTypeTimeoutProtectionTriggered
	EventTypeWithdrawalRequested
	EventTypeWithdrawalProcessed
	EventTypeGatewayCallbackProcessed
	EventTypeAuditLog
)

// AllEventTypes lists every concrete event type in declaration order.
var AllEventTypes = []EventType{
	EventTypeContractCreated,
	EventTypePositionOpened,
	EventTypeDecryptionRequested,
	EventTypeContractSettled,
	EventTypeProfitDistributed,
	EventTypeRefundProcessed,
	EventTypeTimeoutProtectionTriggered,
	EventTypeWithdrawalRequested,
	EventTypeWithdrawalProcessed,
	EventTypeGatewayCallbackProcessed,
	EventTypeAuditLog,
}

// Envelope wraps every event emitted by the coordinator
type Envelope struct {
	// Global monotonic sequence assigned by the coordinator
	Sequence int64

	EventID uuid.UUID

	// Stable dedup key for downstream consumers
	IdempotencyKey string

	EventType EventType

	// Contract context (nil for global events)
	ContractID *uint64

	Timestamp time.Time

	Payload Event
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// ContractRef returns the contract context (nil for global events)
	ContractRef() *uint64
}

func (et EventType) String() string {
	switch et {
	case EventTypeContractCreated:
		return "ContractCreated"
	case EventTypePositionOpened:
		return "PositionOpened"
	case EventTypeDecryptionRequested:
		return "DecryptionRequested"
	case EventTypeContractSettled:
		return "ContractSettled"
	case EventTypeProfitDistributed:
		return "ProfitDistributed"
	case EventTypeRefundProcessed:
		return "RefundProcessed"
	case EventTypeTimeoutProtectionTriggered:
		return "TimeoutProtectionTriggered"
	case EventTypeWithdrawalRequested:
		return "WithdrawalRequested"
	case EventTypeWithdrawalProcessed:
		return "WithdrawalProcessed"
	case EventTypeGatewayCallbackProcessed:
		return "GatewayCallbackProcessed"
	case EventTypeAuditLog:
		return "AuditLog"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String. Unknown names map to
// EventTypeUnknown.
func ParseEventType(s string) EventType {
	for _, et := range AllEventTypes {
		if et.String() == s {
			return et
		}
	}
	return EventTypeUnknown
}

func contractRef(id uint64) *uint64 {
	return &id
}
