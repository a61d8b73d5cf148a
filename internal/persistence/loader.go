package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"ConfidentialFutures/internal/core"
	"ConfidentialFutures/internal/fhe"
	"ConfidentialFutures/internal/ledger"
	"ConfidentialFutures/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/lib/pq"
)

// Recovered is the coordinator state rebuilt from Postgres on startup.
type Recovered struct {
	Snapshot     *ledger.ChangeSet
	Processed    []uint256.Int
	NextSequence int64
	AuditSeq     int64
	AuditTip     [32]byte
	RecentAudit  []state.AuditEntry
}

// OpenDecryptions returns the highest request id ever issued and the
// ciphertext behind every request still awaiting a callback, for resuming
// an in-process resolver.
func (r *Recovered) OpenDecryptions() (uint256.Int, map[uint256.Int][]fhe.Ciphertext) {
	var last uint256.Int
	open := make(map[uint256.Int][]fhe.Ciphertext)
	contracts := make(map[uint64]*state.FuturesContract, len(r.Snapshot.Contracts))
	for _, c := range r.Snapshot.Contracts {
		contracts[c.ID] = c
	}
	for _, d := range r.Snapshot.DecryptionRequests {
		if last.Lt(&d.RequestID) {
			last = d.RequestID
		}
		if !d.Status.AcceptsCallback() {
			continue
		}
		if c, ok := contracts[d.ContractID]; ok && d.IsSettlement {
			open[d.RequestID] = []fhe.Ciphertext{c.SettlementPrice}
		}
	}
	for _, w := range r.Snapshot.WithdrawalRequests {
		if last.Lt(&w.RequestID) {
			last = w.RequestID
		}
		if w.Status.AcceptsCallback() {
			open[w.RequestID] = []fhe.Ciphertext{w.BalanceHandle}
		}
	}
	return last, open
}

// Loader rebuilds coordinator state from the entity tables. The event log
// is not replayed; entity rows are written in the same transaction as the
// events that produced them.
type Loader struct {
	db *sql.DB
}

func NewLoader(db *sql.DB) *Loader {
	return &Loader{db: db}
}

// Load reads the full state. warmProcessed bounds how many of the most
// recent processed ids are returned for LRU warming; auditRetention bounds
// the audit entries kept in memory.
func (l *Loader) Load(ctx context.Context, warmProcessed, auditRetention int) (*Recovered, error) {
	snap := &ledger.ChangeSet{
		Balances:      make(map[common.Address]fhe.Ciphertext),
		AuditCounters: make(map[common.Address]state.AuditCounter),
		Operators:     make(map[common.Address]bool),
	}
	rec := &Recovered{Snapshot: snap}

	steps := []struct {
		name string
		fn   func(context.Context, *Recovered) error
	}{
		{"contracts", l.loadContracts},
		{"positions", l.loadPositions},
		{"decryption requests", l.loadDecryptionRequests},
		{"withdrawal requests", l.loadWithdrawalRequests},
		{"balances", l.loadBalances},
		{"audit counters", l.loadAuditCounters},
		{"roles", l.loadRoles},
		{"ciphertexts", l.loadCiphertexts},
		{"sequence", l.loadSequence},
		{"processed", func(ctx context.Context, r *Recovered) error { return l.loadProcessed(ctx, r, warmProcessed) }},
		{"audit", func(ctx context.Context, r *Recovered) error { return l.loadAudit(ctx, r, auditRetention) }},
	}
	for _, s := range steps {
		if err := s.fn(ctx, rec); err != nil {
			return nil, fmt.Errorf("load %s: %w", s.name, err)
		}
	}
	return rec, nil
}

func (l *Loader) loadContracts(ctx context.Context, rec *Recovered) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT contract_id, underlying, creator, settlement_price, price_set, settled,
		       expiry_time, creation_time, traders, total_volume, active_request_id,
		       settlement_requested_at, decrypted_price, version
		FROM futures.contracts ORDER BY contract_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c                     state.FuturesContract
			id                    int64
			creator               string
			price, volume         []byte
			traders               pq.StringArray
			activeID, decrypted   string
			settlementRequestedAt sql.NullTime
		)
		if err := rows.Scan(
			&id, &c.Underlying, &creator, &price, &c.PriceSet, &c.Settled,
			&c.ExpiryTime, &c.CreationTime, &traders, &volume, &activeID,
			&settlementRequestedAt, &decrypted, &c.Version,
		); err != nil {
			return err
		}
		c.ID = uint64(id)
		c.Creator = common.HexToAddress(creator)
		if c.SettlementPrice, err = ciphertextFrom(price); err != nil {
			return fmt.Errorf("contract %d settlement price: %w", id, err)
		}
		if c.TotalVolume, err = ciphertextFrom(volume); err != nil {
			return fmt.Errorf("contract %d total volume: %w", id, err)
		}
		for _, t := range traders {
			c.Traders = append(c.Traders, common.HexToAddress(t))
		}
		if c.ActiveDecryptionRequestID, err = parseRequestID(activeID); err != nil {
			return err
		}
		if settlementRequestedAt.Valid {
			c.SettlementRequestedAt = settlementRequestedAt.Time
		}
		if c.DecryptedPrice, err = strconv.ParseUint(decrypted, 10, 64); err != nil {
			return fmt.Errorf("contract %d decrypted price: %w", id, err)
		}
		rec.Snapshot.Contracts = append(rec.Snapshot.Contracts, &c)
	}
	return rows.Err()
}

func (l *Loader) loadPositions(ctx context.Context, rec *Recovered) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT contract_id, trader, encrypted_amount, encrypted_entry_price, encrypted_collateral,
		       encrypted_nonce, is_long, status, entry_time, version
		FROM futures.positions ORDER BY contract_id, trader`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p                                state.TraderPosition
			contractID                       int64
			trader, status                   string
			amount, entry, collateral, nonce []byte
		)
		if err := rows.Scan(
			&contractID, &trader, &amount, &entry, &collateral,
			&nonce, &p.IsLong, &status, &p.EntryTime, &p.Version,
		); err != nil {
			return err
		}
		p.ContractID = uint64(contractID)
		p.Trader = common.HexToAddress(trader)
		var ok bool
		if p.Status, ok = state.ParsePositionStatus(status); !ok {
			return fmt.Errorf("position %d/%s: unknown status %q", contractID, trader, status)
		}
		for _, f := range []struct {
			dst *fhe.Ciphertext
			src []byte
		}{
			{&p.EncryptedAmount, amount},
			{&p.EncryptedEntryPrice, entry},
			{&p.EncryptedCollateral, collateral},
			{&p.EncryptedNonce, nonce},
		} {
			if *f.dst, err = ciphertextFrom(f.src); err != nil {
				return fmt.Errorf("position %d/%s: %w", contractID, trader, err)
			}
		}
		rec.Snapshot.Positions = append(rec.Snapshot.Positions, &p)
	}
	return rows.Err()
}

func (l *Loader) loadDecryptionRequests(ctx context.Context, rec *Recovered) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT request_id, contract_id, requestor, timestamp, status, decrypted_price, is_settlement, version
		FROM futures.decryption_requests ORDER BY request_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r                     state.DecryptionRequest
			id, requestor, status string
			decrypted             string
			contractID            int64
		)
		if err := rows.Scan(&id, &contractID, &requestor, &r.Timestamp, &status, &decrypted, &r.IsSettlement, &r.Version); err != nil {
			return err
		}
		if r.RequestID, err = parseRequestID(id); err != nil {
			return err
		}
		r.ContractID = uint64(contractID)
		r.Requestor = common.HexToAddress(requestor)
		var ok bool
		if r.Status, ok = state.ParseRequestStatus(status); !ok {
			return fmt.Errorf("decryption request %s: unknown status %q", id, status)
		}
		if r.DecryptedPrice, err = strconv.ParseUint(decrypted, 10, 64); err != nil {
			return fmt.Errorf("decryption request %s price: %w", id, err)
		}
		rec.Snapshot.DecryptionRequests = append(rec.Snapshot.DecryptionRequests, &r)
	}
	return rows.Err()
}

func (l *Loader) loadWithdrawalRequests(ctx context.Context, rec *Recovered) error {
	rows, err := l.db.QueryContext(ctx, `
		SELECT request_id, trader, amount, timestamp, status, balance_handle, version
		FROM futures.withdrawal_requests ORDER BY request_id`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r                          state.WithdrawalRequest
			id, trader, amount, status string
			handle                     []byte
		)
		if err := rows.Scan(&id, &trader, &amount, &r.Timestamp, &status, &handle, &r.Version); err != nil {
			return err
		}
		if r.RequestID, err = parseRequestID(id); err != nil {
			return err
		}
		r.Trader = common.HexToAddress(trader)
		if r.Amount, err = strconv.ParseUint(amount, 10, 64); err != nil {
			return fmt.Errorf("withdrawal request %s amount: %w", id, err)
		}
		var ok bool
		if r.Status, ok = state.ParseRequestStatus(status); !ok {
			return fmt.Errorf("withdrawal request %s: unknown status %q", id, status)
		}
		if r.BalanceHandle, err = ciphertextFrom(handle); err != nil {
			return fmt.Errorf("withdrawal request %s: %w", id, err)
		}
		rec.Snapshot.WithdrawalRequests = append(rec.Snapshot.WithdrawalRequests, &r)
	}
	return rows.Err()
}

func (l *Loader) loadBalances(ctx context.Context, rec *Recovered) error {
	rows, err := l.db.QueryContext(ctx, `SELECT trader, handle FROM futures.balances`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			trader string
			handle []byte
		)
		if err := rows.Scan(&trader, &handle); err != nil {
			return err
		}
		ct, err := ciphertextFrom(handle)
		if err != nil {
			return fmt.Errorf("balance %s: %w", trader, err)
		}
		rec.Snapshot.Balances[common.HexToAddress(trader)] = ct
	}
	return rows.Err()
}

func (l *Loader) loadAuditCounters(ctx context.Context, rec *Recovered) error {
	rows, err := l.db.QueryContext(ctx, `SELECT actor, last_action, action_count FROM futures.audit_counters`)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			actor       string
			last, count int64
		)
		if err := rows.Scan(&actor, &last, &count); err != nil {
			return err
		}
		rec.Snapshot.AuditCounters[common.HexToAddress(actor)] = state.AuditCounter{
			LastAction: time.Unix(0, last).UTC(),
			Count:      uint64(count),
		}
	}
	return rows.Err()
}

func (l *Loader) loadRoles(ctx context.Context, rec *Recovered) error {
	rows, err := l.db.QueryContext(ctx, `SELECT address FROM futures.operators WHERE enabled`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return err
		}
		rec.Snapshot.Operators[common.HexToAddress(addr)] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	meta, err := l.db.QueryContext(ctx, `SELECT key, value FROM futures.meta`)
	if err != nil {
		return err
	}
	defer meta.Close()
	for meta.Next() {
		var k, v string
		if err := meta.Scan(&k, &v); err != nil {
			return err
		}
		switch k {
		case metaGateway:
			gw := common.HexToAddress(v)
			rec.Snapshot.Gateway = &gw
		case metaLastSettlementAt:
			ns, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return fmt.Errorf("meta %s: %w", k, err)
			}
			t := time.Unix(0, ns).UTC()
			rec.Snapshot.LastSettlementAt = &t
		}
	}
	return meta.Err()
}

func (l *Loader) loadCiphertexts(ctx context.Context, rec *Recovered) error {
	rows, err := l.db.QueryContext(ctx, `SELECT handle, seq, value FROM futures.ciphertexts ORDER BY seq`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			handle []byte
			seq    int64
			value  string
			e      fhe.Entry
		)
		if err := rows.Scan(&handle, &seq, &value); err != nil {
			return err
		}
		if e.Handle, err = ciphertextFrom(handle); err != nil {
			return err
		}
		e.Seq = uint64(seq)
		if e.Value, err = strconv.ParseUint(value, 10, 64); err != nil {
			return fmt.Errorf("ciphertext %s value: %w", e.Handle.Hex(), err)
		}
		rec.Snapshot.Ciphertexts = append(rec.Snapshot.Ciphertexts, e)
	}
	return rows.Err()
}

// loadSequence returns the sequence after the newest persisted event.
func (l *Loader) loadSequence(ctx context.Context, rec *Recovered) error {
	var seq sql.NullInt64
	if err := l.db.QueryRowContext(ctx, `SELECT MAX(sequence) FROM futures.events`).Scan(&seq); err != nil {
		return err
	}
	if seq.Valid {
		rec.NextSequence = seq.Int64 + 1
	}
	return nil
}

func (l *Loader) loadProcessed(ctx context.Context, rec *Recovered, limit int) error {
	if limit <= 0 {
		limit = 1 << 30
	}
	rows, err := l.db.QueryContext(ctx, `
		SELECT request_id FROM futures.processed_requests
		ORDER BY processed_at DESC LIMIT $1`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return err
		}
		id, err := parseRequestID(s)
		if err != nil {
			return err
		}
		rec.Processed = append(rec.Processed, id)
	}
	return rows.Err()
}

// loadAudit returns the newest entries in ascending order and the chain tip.
func (l *Loader) loadAudit(ctx context.Context, rec *Recovered, limit int) error {
	rec.AuditTip = core.GenesisHash()
	if limit <= 0 {
		limit = core.DefaultAuditRetention
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT seq, entry_id, actor, action, contract_id, timestamp_ns, prev_hash, hash
		FROM futures.audit_log ORDER BY seq DESC LIMIT $1`, limit)
	if err != nil {
		return err
	}
	defer rows.Close()

	var desc []state.AuditEntry
	for rows.Next() {
		var (
			e              state.AuditEntry
			actor          string
			contractID, ns int64
			prev, hash     []byte
		)
		if err := rows.Scan(&e.Seq, &e.EntryID, &actor, &e.Action, &contractID, &ns, &prev, &hash); err != nil {
			return err
		}
		if len(prev) != 32 || len(hash) != 32 {
			return fmt.Errorf("audit entry %d: malformed hash", e.Seq)
		}
		e.Actor = common.HexToAddress(actor)
		e.ContractID = uint64(contractID)
		e.Timestamp = time.Unix(0, ns).UTC()
		copy(e.PrevHash[:], prev)
		copy(e.Hash[:], hash)
		desc = append(desc, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for i := len(desc) - 1; i >= 0; i-- {
		rec.RecentAudit = append(rec.RecentAudit, desc[i])
	}
	if n := len(rec.RecentAudit); n > 0 {
		rec.AuditSeq = rec.RecentAudit[n-1].Seq
		rec.AuditTip = rec.RecentAudit[n-1].Hash
	}
	return nil
}

func ciphertextFrom(b []byte) (fhe.Ciphertext, error) {
	var ct fhe.Ciphertext
	if len(b) != len(ct) {
		return ct, fmt.Errorf("ciphertext handle must be %d bytes, got %d", len(ct), len(b))
	}
	copy(ct[:], b)
	return ct, nil
}

func parseRequestID(s string) (uint256.Int, error) {
	id, err := uint256.FromDecimal(s)
	if err != nil {
		return uint256.Int{}, fmt.Errorf("request id %q: %w", s, err)
	}
	return *id, nil
}

// ErrNotMigrated is returned by CheckSchema before the first migration.
var ErrNotMigrated = errors.New("persistence: schema not migrated")

// CheckSchema verifies the migrations have been applied.
func (l *Loader) CheckSchema(ctx context.Context) error {
	var exists bool
	err := l.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'futures' AND table_name = 'events')`,
	).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotMigrated
	}
	return nil
}
