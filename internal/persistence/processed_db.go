package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/holiman/uint256"
)

// PostgresProcessedChecker is the durable tier of the coordinator's
// processed-request set.
type PostgresProcessedChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresProcessedChecker(db *sql.DB) *PostgresProcessedChecker {
	return &PostgresProcessedChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsProcessed reports whether the request id has a row in
// futures.processed_requests.
func (c *PostgresProcessedChecker) IsProcessed(requestID uint256.Int) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM futures.processed_requests WHERE request_id = $1`,
		requestID.Dec(),
	).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
