package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewPayload returns an empty payload of the given type, ready to be
// unmarshalled into.
func NewPayload(et EventType) (Event, error) {
	switch et {
	case EventTypeContractCreated:
		return &ContractCreated{}, nil
	case EventTypePositionOpened:
		return &PositionOpened{}, nil
	case EventTypeDecryptionRequested:
		return &DecryptionRequested{}, nil
	case EventTypeContractSettled:
		return &ContractSettled{}, nil
	case EventTypeProfitDistributed:
		return &ProfitDistributed{}, nil
	case EventTypeRefundProcessed:
		return &RefundProcessed{}, nil
	case EventTypeTimeoutProtectionTriggered:
		return &TimeoutProtectionTriggered{}, nil
	case EventTypeWithdrawalRequested:
		return &WithdrawalRequested{}, nil
	case EventTypeWithdrawalProcessed:
		return &WithdrawalProcessed{}, nil
	case EventTypeGatewayCallbackProcessed:
		return &GatewayCallbackProcessed{}, nil
	case EventTypeAuditLog:
		return &AuditLog{}, nil
	default:
		return nil, fmt.Errorf("unknown event type %d", et)
	}
}

// wireEnvelope is the JSON shape shared by the event log, NATS and the
// WebSocket stream.
type wireEnvelope struct {
	Sequence       int64           `json:"sequence"`
	EventID        uuid.UUID       `json:"event_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EventType      string          `json:"event_type"`
	ContractID     *uint64         `json:"contract_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

// MarshalEnvelope encodes env with its payload inline.
func MarshalEnvelope(env Envelope) ([]byte, error) {
	payload, err := json.Marshal(env.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", env.EventType, err)
	}
	return json.Marshal(wireEnvelope{
		Sequence:       env.Sequence,
		EventID:        env.EventID,
		IdempotencyKey: env.IdempotencyKey,
		EventType:      env.EventType.String(),
		ContractID:     env.ContractID,
		Timestamp:      env.Timestamp,
		Payload:        payload,
	})
}

// UnmarshalEnvelope is the inverse of MarshalEnvelope.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("unmarshal envelope: %w", err)
	}
	et := ParseEventType(w.EventType)
	payload, err := DecodePayload(et, w.Payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Sequence:       w.Sequence,
		EventID:        w.EventID,
		IdempotencyKey: w.IdempotencyKey,
		EventType:      et,
		ContractID:     w.ContractID,
		Timestamp:      w.Timestamp,
		Payload:        payload,
	}, nil
}

// DecodePayload decodes a JSON payload of a known type.
func DecodePayload(et EventType, data []byte) (Event, error) {
	payload, err := NewPayload(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("unmarshal %s payload: %w", et, err)
	}
	return payload, nil
}
