// internal/state/audit.go
package state

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

// AuditEntry records one successful state-changing call. Entries form a
// hash chain: Hash = SHA-256(PrevHash || seq || CanonicalBytes).
type AuditEntry struct {
	EntryID    uuid.UUID
	Seq        int64
	Actor      common.Address
	Action     string
	ContractID uint64
	Timestamp  time.Time
	PrevHash   [32]byte
	Hash       [32]byte
}

// CanonicalBytes for deterministic hashing
func (e *AuditEntry) CanonicalBytes() []byte {
	buf := make([]byte, 0, 64+len(e.Action))

	// actor (20 bytes)
	buf = append(buf, e.Actor[:]...)

	// action (length-prefixed)
	buf = append(buf, byte(len(e.Action)))
	buf = append(buf, []byte(e.Action)...)

	// contract_id (8 bytes LE)
	buf = appendInt64LE(buf, int64(e.ContractID))

	// timestamp (8 bytes LE, unix nanos)
	buf = appendInt64LE(buf, e.Timestamp.UnixNano())

	return buf
}

// AuditCounter is the per-actor rate limit state.
type AuditCounter struct {
	LastAction time.Time
	Count      uint64
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
