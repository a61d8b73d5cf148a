// internal/event/contract.go
package event

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type ContractCreated struct {
	ContractID uint64         `json:"contract_id"`
	Underlying string         `json:"underlying"`
	Creator    common.Address `json:"creator"`
	ExpiryTime time.Time      `json:"expiry_time"`
}

func (e *ContractCreated) IdempotencyKey() string {
	return fmt.Sprintf("contract:%d:created", e.ContractID)
}

func (e *ContractCreated) EventType() EventType {
	return EventTypeContractCreated
}

func (e *ContractCreated) ContractRef() *uint64 {
	return contractRef(e.ContractID)
}

// PositionOpened never carries amounts or prices; those stay encrypted.
type PositionOpened struct {
	ContractID uint64         `json:"contract_id"`
	Trader     common.Address `json:"trader"`
	IsLong     bool           `json:"is_long"`
	EntryTime  time.Time      `json:"entry_time"`
}

func (e *PositionOpened) IdempotencyKey() string {
	return fmt.Sprintf("contract:%d:position:%s", e.ContractID, e.Trader.Hex())
}

func (e *PositionOpened) EventType() EventType {
	return EventTypePositionOpened
}

func (e *PositionOpened) ContractRef() *uint64 {
	return contractRef(e.ContractID)
}
