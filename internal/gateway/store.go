package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// TrackerStore persists the tracker across restarts.
type TrackerStore interface {
	Load(ctx context.Context) ([]Record, error)
	// Save upserts every record.
	Save(ctx context.Context, records []Record) error
	// Prune deletes processed records last updated before cutoff.
	Prune(ctx context.Context, cutoff time.Time) error
}

// ============================================================================
// Redis
// ============================================================================

const redisTrackerKey = "cf:gateway:requests"

type storedRecord struct {
	RequestID  string    `json:"request_id"`
	Kind       Kind      `json:"kind"`
	ContractID uint64    `json:"contract_id,omitempty"`
	State      State     `json:"state"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toStored(r Record) storedRecord {
	return storedRecord{
		RequestID:  r.RequestID.Dec(),
		Kind:       r.Kind,
		ContractID: r.ContractID,
		State:      r.State,
		Attempts:   r.Attempts,
		LastError:  r.LastError,
		ObservedAt: r.ObservedAt,
		UpdatedAt:  r.UpdatedAt,
	}
}

func (s storedRecord) record() (Record, error) {
	id, err := uint256.FromDecimal(s.RequestID)
	if err != nil {
		return Record{}, fmt.Errorf("request id %q: %w", s.RequestID, err)
	}
	return Record{
		RequestID:  *id,
		Kind:       s.Kind,
		ContractID: s.ContractID,
		State:      s.State,
		Attempts:   s.Attempts,
		LastError:  s.LastError,
		ObservedAt: s.ObservedAt,
		UpdatedAt:  s.UpdatedAt,
	}, nil
}

// RedisStore keeps the tracker in one Redis hash, field = request id.
type RedisStore struct {
	rdb *redis.Client
	key string
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb, key: redisTrackerKey}
}

// OpenRedisStore parses a redis:// URL and pings the server.
func OpenRedisStore(ctx context.Context, url string) (*RedisStore, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return NewRedisStore(rdb), nil
}

func (s *RedisStore) Close() error {
	return s.rdb.Close()
}

func (s *RedisStore) Load(ctx context.Context) ([]Record, error) {
	fields, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", s.key, err)
	}
	out := make([]Record, 0, len(fields))
	for field, raw := range fields {
		var sr storedRecord
		if err := json.Unmarshal([]byte(raw), &sr); err != nil {
			return nil, fmt.Errorf("decode tracker record %s: %w", field, err)
		}
		r, err := sr.record()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (s *RedisStore) Save(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	values := make([]any, 0, 2*len(records))
	for _, r := range records {
		data, err := json.Marshal(toStored(r))
		if err != nil {
			return err
		}
		values = append(values, r.RequestID.Dec(), data)
	}
	if err := s.rdb.HSet(ctx, s.key, values...).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Prune(ctx context.Context, cutoff time.Time) error {
	records, err := s.Load(ctx)
	if err != nil {
		return err
	}
	var stale []string
	for _, r := range records {
		if r.State == StateProcessed && r.UpdatedAt.Before(cutoff) {
			stale = append(stale, r.RequestID.Dec())
		}
	}
	if len(stale) == 0 {
		return nil
	}
	return s.rdb.HDel(ctx, s.key, stale...).Err()
}

// ============================================================================
// Postgres
// ============================================================================

// PostgresStore keeps the tracker in gateway.requests.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Load(ctx context.Context) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT request_id::text, kind, contract_id, state, attempts, last_error, observed_at, updated_at
		FROM gateway.requests
		ORDER BY observed_at, request_id`)
	if err != nil {
		return nil, fmt.Errorf("query tracker: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var sr storedRecord
		var kind, st string
		var contractID int64
		if err := rows.Scan(&sr.RequestID, &kind, &contractID, &st, &sr.Attempts,
			&sr.LastError, &sr.ObservedAt, &sr.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan tracker row: %w", err)
		}
		sr.Kind, sr.State, sr.ContractID = Kind(kind), State(st), uint64(contractID)
		r, err := sr.record()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Save(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(`
			INSERT INTO gateway.requests
				(request_id, kind, contract_id, state, attempts, last_error, observed_at, updated_at)
			VALUES ($1::numeric, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (request_id) DO UPDATE SET
				state = EXCLUDED.state,
				attempts = EXCLUDED.attempts,
				last_error = EXCLUDED.last_error,
				updated_at = EXCLUDED.updated_at`,
			r.RequestID.Dec(), string(r.Kind), int64(r.ContractID), string(r.State),
			r.Attempts, r.LastError, r.ObservedAt, r.UpdatedAt)
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("save tracker: %w", err)
	}
	return nil
}

func (s *PostgresStore) Prune(ctx context.Context, cutoff time.Time) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM gateway.requests WHERE state = $1 AND updated_at < $2`,
		string(StateProcessed), cutoff)
	return err
}
