package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ConfidentialFutures/internal/core"
	"ConfidentialFutures/internal/event"
	"ConfidentialFutures/internal/ledger"
	"ConfidentialFutures/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/lib/pq"
)

// Meta keys in futures.meta.
const (
	metaGateway          = "gateway"
	metaLastSettlementAt = "last_settlement_at"
)

// Batch accumulates coordinator outputs between flushes. Entity changes are
// merged so each row is written once per flush with its latest version.
type Batch struct {
	Events    []event.Envelope
	Changes   *ledger.ChangeSet
	Processed []uint256.Int
	Audit     []state.AuditEntry
	outputs   int
}

func (b *Batch) Add(out core.CoreOutput) {
	b.Events = append(b.Events, out.Events...)
	if out.Changes != nil {
		if b.Changes == nil {
			b.Changes = &ledger.ChangeSet{}
		}
		b.Changes.Merge(out.Changes)
	}
	b.Processed = append(b.Processed, out.Processed...)
	b.Audit = append(b.Audit, out.Audit...)
	b.outputs++
}

// Len is the number of outputs folded into the batch.
func (b *Batch) Len() int {
	return b.outputs
}

func (b *Batch) Reset() {
	*b = Batch{}
}

// LastSequence returns the sequence of the newest event, or -1.
func (b *Batch) LastSequence() int64 {
	if len(b.Events) == 0 {
		return -1
	}
	return b.Events[len(b.Events)-1].Sequence
}

// StateWriter writes a batch of coordinator output to Postgres. All writes
// are idempotent so a retried flush converges on the same rows.
type StateWriter struct {
	db *sql.DB
}

func NewStateWriter(db *sql.DB) *StateWriter {
	return &StateWriter{db: db}
}

// WriteBatch writes b inside one transaction.
func (w *StateWriter) WriteBatch(ctx context.Context, b *Batch) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return &writeError{stage: "tx_begin", err: err}
	}
	defer tx.Rollback()

	steps := []struct {
		stage string
		fn    func(context.Context, *sql.Tx, *Batch) error
	}{
		{"write_events", w.writeEvents},
		{"write_contracts", w.writeContracts},
		{"write_positions", w.writePositions},
		{"write_requests", w.writeRequests},
		{"write_balances", w.writeBalances},
		{"write_processed", w.writeProcessed},
		{"write_audit", w.writeAudit},
		{"write_roles", w.writeRoles},
		{"write_ciphertexts", w.writeCiphertexts},
	}
	for _, s := range steps {
		if err := s.fn(ctx, tx, b); err != nil {
			return &writeError{stage: s.stage, err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &writeError{stage: "tx_commit", err: err}
	}
	return nil
}

// writeError tags a failure with the flush stage for metrics.
type writeError struct {
	stage string
	err   error
}

func (e *writeError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *writeError) Unwrap() error { return e.err }

// writeEvents uses one multi-row INSERT per flush.
func (w *StateWriter) writeEvents(ctx context.Context, tx *sql.Tx, b *Batch) error {
	if len(b.Events) == 0 {
		return nil
	}

	query := `INSERT INTO futures.events
		(sequence, event_id, event_type, idempotency_key, contract_id, payload, timestamp)
		VALUES `

	values := make([]string, 0, len(b.Events))
	args := make([]interface{}, 0, len(b.Events)*7)

	for i, e := range b.Events {
		payload, err := MarshalPayload(e.Payload)
		if err != nil {
			return fmt.Errorf("event %d: %w", e.Sequence, err)
		}
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			e.Sequence, e.EventID, e.EventType.String(), e.IdempotencyKey,
			nullContractID(e.ContractID), payload, e.Timestamp,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (sequence) DO NOTHING"

	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

func (w *StateWriter) writeContracts(ctx context.Context, tx *sql.Tx, b *Batch) error {
	if b.Changes == nil || len(b.Changes.Contracts) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO futures.contracts
			(contract_id, underlying, creator, settlement_price, price_set, settled,
			 expiry_time, creation_time, traders, total_volume, active_request_id,
			 settlement_requested_at, decrypted_price, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (contract_id) DO UPDATE SET
			settlement_price = EXCLUDED.settlement_price,
			price_set = EXCLUDED.price_set,
			settled = EXCLUDED.settled,
			traders = EXCLUDED.traders,
			total_volume = EXCLUDED.total_volume,
			active_request_id = EXCLUDED.active_request_id,
			settlement_requested_at = EXCLUDED.settlement_requested_at,
			decrypted_price = EXCLUDED.decrypted_price,
			version = EXCLUDED.version
		WHERE futures.contracts.version <= EXCLUDED.version`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, c := range b.Changes.Contracts {
		if _, err := stmt.ExecContext(ctx,
			int64(c.ID), c.Underlying, c.Creator.Hex(), c.SettlementPrice[:], c.PriceSet, c.Settled,
			c.ExpiryTime, c.CreationTime, pq.Array(addressStrings(c.Traders)), c.TotalVolume[:],
			c.ActiveDecryptionRequestID.Dec(), nullTime(c.SettlementRequestedAt),
			formatUint(c.DecryptedPrice), c.Version,
		); err != nil {
			return fmt.Errorf("contract %d: %w", c.ID, err)
		}
	}
	return nil
}

func (w *StateWriter) writePositions(ctx context.Context, tx *sql.Tx, b *Batch) error {
	if b.Changes == nil || len(b.Changes.Positions) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO futures.positions
			(contract_id, trader, encrypted_amount, encrypted_entry_price, encrypted_collateral,
			 encrypted_nonce, is_long, status, entry_time, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (contract_id, trader) DO UPDATE SET
			status = EXCLUDED.status,
			version = EXCLUDED.version
		WHERE futures.positions.version <= EXCLUDED.version`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, p := range b.Changes.Positions {
		if _, err := stmt.ExecContext(ctx,
			int64(p.ContractID), p.Trader.Hex(), p.EncryptedAmount[:], p.EncryptedEntryPrice[:],
			p.EncryptedCollateral[:], p.EncryptedNonce[:], p.IsLong, p.Status.String(),
			p.EntryTime, p.Version,
		); err != nil {
			return fmt.Errorf("position %d/%s: %w", p.ContractID, p.Trader.Hex(), err)
		}
	}
	return nil
}

func (w *StateWriter) writeRequests(ctx context.Context, tx *sql.Tx, b *Batch) error {
	if b.Changes == nil {
		return nil
	}
	if len(b.Changes.DecryptionRequests) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO futures.decryption_requests
				(request_id, contract_id, requestor, timestamp, status, decrypted_price, is_settlement, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (request_id) DO UPDATE SET
				status = EXCLUDED.status,
				decrypted_price = EXCLUDED.decrypted_price,
				version = EXCLUDED.version
			WHERE futures.decryption_requests.version <= EXCLUDED.version`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range b.Changes.DecryptionRequests {
			if _, err := stmt.ExecContext(ctx,
				r.RequestID.Dec(), int64(r.ContractID), r.Requestor.Hex(), r.Timestamp,
				r.Status.String(), formatUint(r.DecryptedPrice), r.IsSettlement, r.Version,
			); err != nil {
				return fmt.Errorf("decryption request %s: %w", r.RequestID.Dec(), err)
			}
		}
	}

	if len(b.Changes.WithdrawalRequests) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO futures.withdrawal_requests
				(request_id, trader, amount, timestamp, status, balance_handle, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (request_id) DO UPDATE SET
				amount = EXCLUDED.amount,
				status = EXCLUDED.status,
				version = EXCLUDED.version
			WHERE futures.withdrawal_requests.version <= EXCLUDED.version`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, r := range b.Changes.WithdrawalRequests {
			if _, err := stmt.ExecContext(ctx,
				r.RequestID.Dec(), r.Trader.Hex(), formatUint(r.Amount), r.Timestamp,
				r.Status.String(), r.BalanceHandle[:], r.Version,
			); err != nil {
				return fmt.Errorf("withdrawal request %s: %w", r.RequestID.Dec(), err)
			}
		}
	}
	return nil
}

func (w *StateWriter) writeBalances(ctx context.Context, tx *sql.Tx, b *Batch) error {
	if b.Changes == nil || len(b.Changes.Balances) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO futures.balances (trader, handle, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (trader) DO UPDATE SET handle = EXCLUDED.handle, updated_at = NOW()`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for trader, handle := range b.Changes.Balances {
		if _, err := stmt.ExecContext(ctx, trader.Hex(), handle[:]); err != nil {
			return fmt.Errorf("balance %s: %w", trader.Hex(), err)
		}
	}
	return nil
}

// writeProcessed inserts every id in one statement via a numeric array.
func (w *StateWriter) writeProcessed(ctx context.Context, tx *sql.Tx, b *Batch) error {
	if len(b.Processed) == 0 {
		return nil
	}
	ids := make([]string, len(b.Processed))
	for i := range b.Processed {
		ids[i] = b.Processed[i].Dec()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO futures.processed_requests (request_id)
		SELECT unnest($1::numeric[])
		ON CONFLICT (request_id) DO NOTHING`, pq.Array(ids))
	return err
}

func (w *StateWriter) writeAudit(ctx context.Context, tx *sql.Tx, b *Batch) error {
	if len(b.Audit) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO futures.audit_log
				(seq, entry_id, actor, action, contract_id, timestamp, timestamp_ns, prev_hash, hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (seq) DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range b.Audit {
			if _, err := stmt.ExecContext(ctx,
				e.Seq, e.EntryID, e.Actor.Hex(), e.Action, int64(e.ContractID),
				e.Timestamp, e.Timestamp.UnixNano(), e.PrevHash[:], e.Hash[:],
			); err != nil {
				return fmt.Errorf("audit entry %d: %w", e.Seq, err)
			}
		}
	}

	if b.Changes == nil || len(b.Changes.AuditCounters) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO futures.audit_counters (actor, last_action, action_count)
		VALUES ($1, $2, $3)
		ON CONFLICT (actor) DO UPDATE SET
			last_action = EXCLUDED.last_action,
			action_count = EXCLUDED.action_count`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for actor, c := range b.Changes.AuditCounters {
		if _, err := stmt.ExecContext(ctx, actor.Hex(), c.LastAction.UnixNano(), int64(c.Count)); err != nil {
			return fmt.Errorf("audit counter %s: %w", actor.Hex(), err)
		}
	}
	return nil
}

func (w *StateWriter) writeRoles(ctx context.Context, tx *sql.Tx, b *Batch) error {
	if b.Changes == nil {
		return nil
	}
	for addr, enabled := range b.Changes.Operators {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO futures.operators (address, enabled) VALUES ($1, $2)
			ON CONFLICT (address) DO UPDATE SET enabled = EXCLUDED.enabled`,
			addr.Hex(), enabled,
		); err != nil {
			return fmt.Errorf("operator %s: %w", addr.Hex(), err)
		}
	}

	meta := map[string]string{}
	if b.Changes.Gateway != nil {
		meta[metaGateway] = b.Changes.Gateway.Hex()
	}
	if b.Changes.LastSettlementAt != nil {
		meta[metaLastSettlementAt] = strconv.FormatInt(b.Changes.LastSettlementAt.UnixNano(), 10)
	}
	for k, v := range meta {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO futures.meta (key, value) VALUES ($1, $2)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value`, k, v,
		); err != nil {
			return fmt.Errorf("meta %s: %w", k, err)
		}
	}
	return nil
}

// writeCiphertexts stores engine handles in one statement via arrays.
func (w *StateWriter) writeCiphertexts(ctx context.Context, tx *sql.Tx, b *Batch) error {
	if b.Changes == nil || len(b.Changes.Ciphertexts) == 0 {
		return nil
	}
	n := len(b.Changes.Ciphertexts)
	handles := make([][]byte, n)
	seqs := make([]int64, n)
	values := make([]string, n)
	for i, e := range b.Changes.Ciphertexts {
		handles[i] = b.Changes.Ciphertexts[i].Handle[:]
		seqs[i] = int64(e.Seq)
		values[i] = formatUint(e.Value)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO futures.ciphertexts (handle, seq, value)
		SELECT unnest($1::bytea[]), unnest($2::bigint[]), unnest($3::numeric[])
		ON CONFLICT (handle) DO NOTHING`,
		pq.Array(handles), pq.Array(seqs), pq.Array(values))
	return err
}

// MarshalPayload JSON-encodes an event payload for the payload column.
func MarshalPayload(payload event.Event) ([]byte, error) {
	return json.Marshal(payload)
}

func nullContractID(id *uint64) interface{} {
	if id == nil {
		return nil
	}
	return int64(*id)
}

func nullTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}

// formatUint passes uint64 values as text so NUMERIC columns accept the
// full range.
func formatUint(v uint64) string {
	return strconv.FormatUint(v, 10)
}

func addressStrings(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
