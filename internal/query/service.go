package query

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"time"

	"ConfidentialFutures/internal/core"
	"ConfidentialFutures/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("query: not found")

// QueryService provides read-only access to the persisted settlement
// state. Responses carry as_of_sequence, the newest persisted event, for
// freshness semantics.
type QueryService struct {
	pool       *pgxpool.Pool
	priceScale uint64
}

func NewQueryService(pool *pgxpool.Pool, priceScale uint64) *QueryService {
	return &QueryService{pool: pool, priceScale: priceScale}
}

const contractColumns = `
	contract_id, underlying, creator, price_set, settled, expiry_time, creation_time,
	traders, settlement_price, total_volume, active_request_id::TEXT,
	settlement_requested_at, decrypted_price::TEXT, version`

func (qs *QueryService) scanContract(row pgx.Row, asOf int64) (*ContractView, error) {
	var (
		c                   ContractView
		id                  int64
		price, volume       []byte
		activeID, decrypted string
	)
	if err := row.Scan(
		&id, &c.Underlying, &c.Creator, &c.PriceSet, &c.Settled, &c.ExpiryTime, &c.CreationTime,
		&c.Traders, &price, &volume, &activeID,
		&c.SettlementRequestedAt, &decrypted, &c.Version,
	); err != nil {
		return nil, err
	}
	c.ContractID = uint64(id)
	c.SettlementPrice = handleHex(price)
	c.TotalVolume = handleHex(volume)
	if activeID != "0" {
		c.ActiveRequestID = activeID
	}
	if c.Settled && decrypted != "0" {
		raw, err := strconv.ParseUint(decrypted, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("contract %d decrypted price: %w", id, err)
		}
		c.FinalPrice = FormatPrice(raw, qs.priceScale)
	}
	if c.Traders == nil {
		c.Traders = []string{}
	}
	c.AsOfSequence = asOf
	return &c, nil
}

// GetContract returns one contract.
func (qs *QueryService) GetContract(ctx context.Context, contractID uint64) (*ContractView, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}
	c, err := qs.scanContract(qs.pool.QueryRow(ctx,
		`SELECT `+contractColumns+` FROM futures.contracts WHERE contract_id = $1`,
		int64(contractID),
	), asOf)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: contract %d", ErrNotFound, contractID)
	}
	return c, err
}

// ListContracts pages through contracts by ascending id.
func (qs *QueryService) ListContracts(ctx context.Context, afterID uint64, limit int, openOnly bool) ([]ContractView, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `SELECT ` + contractColumns + ` FROM futures.contracts WHERE contract_id > $1`
	if openOnly {
		query += ` AND NOT settled`
	}
	query += ` ORDER BY contract_id LIMIT $2`

	rows, err := qs.pool.Query(ctx, query, int64(afterID), clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]ContractView, 0)
	for rows.Next() {
		c, err := qs.scanContract(rows, asOf)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetPositions returns positions filtered by contract, trader or both.
func (qs *QueryService) GetPositions(ctx context.Context, contractID *uint64, trader *common.Address) ([]PositionView, error) {
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	query := `
		SELECT contract_id, trader, is_long, status, entry_time,
		       encrypted_amount, encrypted_entry_price, encrypted_collateral, version
		FROM futures.positions WHERE TRUE`
	args := []interface{}{}
	argIdx := 1

	if contractID != nil {
		query += fmt.Sprintf(" AND contract_id = $%d", argIdx)
		args = append(args, int64(*contractID))
		argIdx++
	}
	if trader != nil {
		query += fmt.Sprintf(" AND trader = $%d", argIdx)
		args = append(args, trader.Hex())
	}
	query += " ORDER BY contract_id, entry_time, trader"

	rows, err := qs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]PositionView, 0)
	for rows.Next() {
		var (
			p                         PositionView
			id                        int64
			amount, entry, collateral []byte
		)
		if err := rows.Scan(
			&id, &p.Trader, &p.IsLong, &p.Status, &p.EntryTime,
			&amount, &entry, &collateral, &p.Version,
		); err != nil {
			return nil, err
		}
		p.ContractID = uint64(id)
		p.AmountHandle = handleHex(amount)
		p.EntryPriceHandle = handleHex(entry)
		p.CollateralHandle = handleHex(collateral)
		p.AsOfSequence = asOf
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetRequest looks a request id up among settlement and withdrawal
// requests.
func (qs *QueryService) GetRequest(ctx context.Context, requestID string) (*RequestView, error) {
	if _, err := uint256.FromDecimal(requestID); err != nil {
		return nil, fmt.Errorf("request id %q: %w", requestID, err)
	}
	asOf, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	var (
		r          RequestView
		contractID int64
		value      string
	)
	err = qs.pool.QueryRow(ctx, `
		SELECT d.request_id::TEXT, d.contract_id, d.requestor, d.timestamp, d.status,
		       d.decrypted_price::TEXT, p.request_id IS NOT NULL
		FROM futures.decryption_requests d
		LEFT JOIN futures.processed_requests p ON p.request_id = d.request_id
		WHERE d.request_id = $1::NUMERIC`, requestID,
	).Scan(&r.RequestID, &contractID, &r.Requestor, &r.Timestamp, &r.Status, &value, &r.Processed)
	switch {
	case err == nil:
		r.Kind = KindSettlement
		r.ContractID = uint64(contractID)
		if r.Status == state.RequestFulfilled.String() {
			raw, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("request %s price: %w", requestID, err)
			}
			r.Value = FormatPrice(raw, qs.priceScale)
		}
		r.AsOfSequence = asOf
		return &r, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, err
	}

	err = qs.pool.QueryRow(ctx, `
		SELECT w.request_id::TEXT, w.trader, w.timestamp, w.status, w.amount::TEXT,
		       p.request_id IS NOT NULL
		FROM futures.withdrawal_requests w
		LEFT JOIN futures.processed_requests p ON p.request_id = w.request_id
		WHERE w.request_id = $1::NUMERIC`, requestID,
	).Scan(&r.RequestID, &r.Requestor, &r.Timestamp, &r.Status, &value, &r.Processed)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: request %s", ErrNotFound, requestID)
	}
	if err != nil {
		return nil, err
	}
	r.Kind = KindWithdrawal
	if r.Status == state.RequestFulfilled.String() {
		r.Value = value
	}
	r.AsOfSequence = asOf
	return &r, nil
}

// GetEvents pages through the event log. eventType filters when non-empty.
func (qs *QueryService) GetEvents(ctx context.Context, afterSequence int64, limit int, eventType string) ([]EventView, error) {
	query := `
		SELECT sequence, event_id::TEXT, event_type, idempotency_key, contract_id, timestamp, payload::TEXT
		FROM futures.events WHERE sequence > $1`
	args := []interface{}{afterSequence}
	argIdx := 2

	if eventType != "" {
		query += fmt.Sprintf(" AND event_type = $%d", argIdx)
		args = append(args, eventType)
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY sequence LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]EventView, 0)
	for rows.Next() {
		var (
			e          EventView
			contractID *int64
			payload    string
		)
		if err := rows.Scan(&e.Sequence, &e.EventID, &e.EventType, &e.IdempotencyKey, &contractID, &e.Timestamp, &payload); err != nil {
			return nil, err
		}
		if contractID != nil {
			id := uint64(*contractID)
			e.ContractID = &id
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// GetAuditTrail pages through persisted audit entries, optionally for one
// actor.
func (qs *QueryService) GetAuditTrail(ctx context.Context, actor *common.Address, afterSeq int64, limit int) ([]AuditEntryView, error) {
	query := `
		SELECT seq, entry_id::TEXT, actor, action, contract_id, timestamp_ns, prev_hash, hash
		FROM futures.audit_log WHERE seq > $1`
	args := []interface{}{afterSeq}
	argIdx := 2
	if actor != nil {
		query += fmt.Sprintf(" AND actor = $%d", argIdx)
		args = append(args, actor.Hex())
		argIdx++
	}
	query += fmt.Sprintf(" ORDER BY seq LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	entries, err := qs.auditEntries(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	out := make([]AuditEntryView, len(entries))
	for i, e := range entries {
		out[i] = AuditEntryView{
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
	return out, nil
}

// --- Admin APIs ---

// VerifyIntegrity recomputes the whole audit hash chain and reports every
// entry whose link or hash does not match.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	const page = 1000
	report := &IntegrityReport{}

	var prev *state.AuditEntry
	afterSeq := int64(0)
	for {
		entries, err := qs.auditEntries(ctx, `
			SELECT seq, entry_id::TEXT, actor, action, contract_id, timestamp_ns, prev_hash, hash
			FROM futures.audit_log WHERE seq > $1 ORDER BY seq LIMIT $2`, afterSeq, page)
		if err != nil {
			return nil, err
		}
		for i := range entries {
			e := entries[i]
			if prev == nil {
				if e.Seq == 1 && e.PrevHash != core.GenesisHash() {
					report.HashChainBreaks = append(report.HashChainBreaks, e.Seq)
				} else if err := core.VerifyChain([]state.AuditEntry{e}); err != nil {
					report.HashChainBreaks = append(report.HashChainBreaks, e.Seq)
				}
			} else if err := core.VerifyChain([]state.AuditEntry{*prev, e}); err != nil {
				report.HashChainBreaks = append(report.HashChainBreaks, e.Seq)
			}
			prev = &entries[i]
			report.CheckedEntries++
		}
		if len(entries) < page {
			break
		}
		afterSeq = entries[len(entries)-1].Seq
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0
	return report, nil
}

// --- helpers ---

func (qs *QueryService) auditEntries(ctx context.Context, query string, args ...interface{}) ([]state.AuditEntry, error) {
	rows, err := qs.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []state.AuditEntry
	for rows.Next() {
		var (
			e                  state.AuditEntry
			entryID, actor     string
			contractID, tsNano int64
			prev, hash         []byte
		)
		if err := rows.Scan(&e.Seq, &entryID, &actor, &e.Action, &contractID, &tsNano, &prev, &hash); err != nil {
			return nil, err
		}
		if e.EntryID, err = uuid.Parse(entryID); err != nil {
			return nil, fmt.Errorf("audit entry %d id: %w", e.Seq, err)
		}
		e.Actor = common.HexToAddress(actor)
		e.ContractID = uint64(contractID)
		e.Timestamp = time.Unix(0, tsNano).UTC()
		copy(e.PrevHash[:], prev)
		copy(e.Hash[:], hash)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.pool.QueryRow(ctx, `SELECT COALESCE(MAX(sequence), -1) FROM futures.events`).Scan(&seq)
	return seq, err
}

// FormatPrice renders a scaled integer price, e.g. 250075 at scale 100 is
// "2500.75".
func FormatPrice(raw, scale uint64) string {
	d := decimal.NewFromBigInt(new(big.Int).SetUint64(raw), 0)
	if scale <= 1 {
		return d.String()
	}
	d = d.Div(decimal.NewFromBigInt(new(big.Int).SetUint64(scale), 0))
	return d.StringFixed(int32(len(strconv.FormatUint(scale, 10)) - 1))
}

func handleHex(b []byte) string {
	return "0x" + hex.EncodeToString(b)
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}
