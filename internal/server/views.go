package server

import (
	"ConfidentialFutures/internal/query"
	"ConfidentialFutures/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Live views are built from coordinator memory and share the JSON shape of
// the persisted read models.

func contractView(c *state.FuturesContract, priceScale uint64, asOf int64) query.ContractView {
	v := query.ContractView{
		ContractID:      c.ID,
		Underlying:      c.Underlying,
		Creator:         c.Creator.Hex(),
		PriceSet:        c.PriceSet,
		Settled:         c.Settled,
		ExpiryTime:      c.ExpiryTime,
		CreationTime:    c.CreationTime,
		Traders:         make([]string, 0, len(c.Traders)),
		SettlementPrice: c.SettlementPrice.Hex(),
		TotalVolume:     c.TotalVolume.Hex(),
		Version:         c.Version,
		AsOfSequence:    asOf,
	}
	for _, t := range c.Traders {
		v.Traders = append(v.Traders, t.Hex())
	}
	if c.HasSettlementInFlight() {
		v.ActiveRequestID = c.ActiveDecryptionRequestID.Dec()
	}
	if !c.SettlementRequestedAt.IsZero() {
		at := c.SettlementRequestedAt
		v.SettlementRequestedAt = &at
	}
	if c.Settled && c.DecryptedPrice != 0 {
		v.FinalPrice = query.FormatPrice(c.DecryptedPrice, priceScale)
	}
	return v
}

func positionView(p *state.TraderPosition, asOf int64) query.PositionView {
	return query.PositionView{
		ContractID:       p.ContractID,
		Trader:           p.Trader.Hex(),
		IsLong:           p.IsLong,
		Status:           p.Status.String(),
		EntryTime:        p.EntryTime,
		AmountHandle:     p.EncryptedAmount.Hex(),
		EntryPriceHandle: p.EncryptedEntryPrice.Hex(),
		CollateralHandle: p.EncryptedCollateral.Hex(),
		Version:          p.Version,
		AsOfSequence:     asOf,
	}
}

func settlementRequestView(r *state.DecryptionRequest, priceScale uint64, asOf int64) query.RequestView {
	v := query.RequestView{
		RequestID:    r.RequestID.Dec(),
		Kind:         query.KindSettlement,
		ContractID:   r.ContractID,
		Requestor:    r.Requestor.Hex(),
		Timestamp:    r.Timestamp,
		Status:       r.Status.String(),
		Processed:    r.Status == state.RequestFulfilled,
		AsOfSequence: asOf,
	}
	if r.DecryptedPrice != 0 {
		v.Value = query.FormatPrice(r.DecryptedPrice, priceScale)
	}
	return v
}

func withdrawalRequestView(r *state.WithdrawalRequest, asOf int64) query.RequestView {
	v := query.RequestView{
		RequestID:    r.RequestID.Dec(),
		Kind:         query.KindWithdrawal,
		Requestor:    r.Trader.Hex(),
		Timestamp:    r.Timestamp,
		Status:       r.Status.String(),
		Processed:    r.Status == state.RequestFulfilled || r.Status == state.RequestFailed,
		AsOfSequence: asOf,
	}
	if r.Amount != 0 {
		v.Value = query.FormatPrice(r.Amount, 1)
	}
	return v
}

func auditView(e state.AuditEntry) query.AuditEntryView {
	return query.AuditEntryView{
		Seq:        e.Seq,
		EntryID:    e.EntryID.String(),
		Actor:      e.Actor.Hex(),
		Action:     e.Action,
		ContractID: e.ContractID,
		Timestamp:  e.Timestamp,
		PrevHash:   common.Hash(e.PrevHash).Hex(),
		Hash:       common.Hash(e.Hash).Hex(),
	}
}

type balanceView struct {
	Trader       string `json:"trader"`
	Handle       string `json:"handle"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

type auditStatsView struct {
	Actor      string `json:"actor"`
	LastAction string `json:"last_action,omitempty"`
	Count      uint64 `json:"count"`
}

type requestIDResponse struct {
	RequestID string `json:"request_id"`
}

type contractIDResponse struct {
	ContractID uint64 `json:"contract_id"`
}
