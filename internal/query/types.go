package query

import (
	"encoding/json"
	"time"
)

// ContractView is a futures contract as served by the read API. Encrypted
// fields are exposed as ciphertext handles.
type ContractView struct {
	ContractID            uint64     `json:"contract_id"`
	Underlying            string     `json:"underlying"`
	Creator               string     `json:"creator"`
	PriceSet              bool       `json:"price_set"`
	Settled               bool       `json:"settled"`
	ExpiryTime            time.Time  `json:"expiry_time"`
	CreationTime          time.Time  `json:"creation_time"`
	Traders               []string   `json:"traders"`
	SettlementPrice       string     `json:"settlement_price_handle"`
	TotalVolume           string     `json:"total_volume_handle"`
	ActiveRequestID       string     `json:"active_request_id,omitempty"`
	SettlementRequestedAt *time.Time `json:"settlement_requested_at,omitempty"`
	// FinalPrice is the decrypted settlement price in quote units, set once
	// the contract has settled through a callback.
	FinalPrice   string `json:"final_price,omitempty"`
	Version      int64  `json:"version"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type PositionView struct {
	ContractID       uint64    `json:"contract_id"`
	Trader           string    `json:"trader"`
	IsLong           bool      `json:"is_long"`
	Status           string    `json:"status"`
	EntryTime        time.Time `json:"entry_time"`
	AmountHandle     string    `json:"amount_handle"`
	EntryPriceHandle string    `json:"entry_price_handle"`
	CollateralHandle string    `json:"collateral_handle"`
	Version          int64     `json:"version"`
	AsOfSequence     int64     `json:"as_of_sequence"`
}

// Request kinds.
const (
	KindSettlement = "settlement"
	KindWithdrawal = "withdrawal"
)

type RequestView struct {
	RequestID  string    `json:"request_id"`
	Kind       string    `json:"kind"`
	ContractID uint64    `json:"contract_id,omitempty"`
	Requestor  string    `json:"requestor"`
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status"`
	// Price for settlements, amount for withdrawals; empty until resolved.
	Value        string `json:"value,omitempty"`
	Processed    bool   `json:"processed"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type EventView struct {
	Sequence       int64           `json:"sequence"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	IdempotencyKey string          `json:"idempotency_key"`
	ContractID     *uint64         `json:"contract_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
	Payload        json.RawMessage `json:"payload"`
}

type AuditEntryView struct {
	Seq        int64     `json:"seq"`
	EntryID    string    `json:"entry_id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	ContractID uint64    `json:"contract_id"`
	Timestamp  time.Time `json:"timestamp"`
	PrevHash   string    `json:"prev_hash"`
	Hash       string    `json:"hash"`
}

// IntegrityReport is the result of an audit chain verification.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	CheckedEntries  int64   `json:"checked_entries"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
}
