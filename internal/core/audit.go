package core

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"ConfidentialFutures/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
)

const GenesisHashSeed = "ConfidentialFutures:audit:genesis:v1"

// DefaultAuditRetention is how many recent entries the trail keeps in
// memory. Older entries are served from the event store.
const DefaultAuditRetention = 10_000

// ChainHasher computes entry_hash[N] = SHA-256(prev_hash || seq || digest).
type ChainHasher struct {
	prevHash [32]byte
}

func NewChainHasher() *ChainHasher {
	return &ChainHasher{prevHash: GenesisHash()}
}

func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

func (h *ChainHasher) ComputeHash(seq int64, digest []byte) [32]byte {
	return h.next(h.prevHash, seq, digest)
}

func (h *ChainHasher) next(prev [32]byte, seq int64, digest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(seq))
	hasher.Write(seqBuf[:])

	hasher.Write(digest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	h.prevHash = hash
	return hash
}

// GetPrevHash returns current chain tip
func (h *ChainHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// AuditTrail is the append-only log of successful state-changing calls.
type AuditTrail struct {
	hasher    *ChainHasher
	seq       int64
	retention int
	entries   []state.AuditEntry
}

func NewAuditTrail(retention int) *AuditTrail {
	if retention <= 0 {
		retention = DefaultAuditRetention
	}
	return &AuditTrail{hasher: NewChainHasher(), retention: retention}
}

// Resume continues the chain from a persisted tip. recent must be the
// newest entries in ascending order, ending at (seq, tip).
func (a *AuditTrail) Resume(seq int64, tip [32]byte, recent []state.AuditEntry) {
	a.seq = seq
	a.hasher.prevHash = tip
	a.entries = append(a.entries[:0], recent...)
	a.trim()
}

func (a *AuditTrail) Append(actor common.Address, action string, contractID uint64, ts time.Time) state.AuditEntry {
	a.seq++
	entry := state.AuditEntry{
		EntryID:    uuid.New(),
		Seq:        a.seq,
		Actor:      actor,
		Action:     action,
		ContractID: contractID,
		Timestamp:  ts,
		PrevHash:   a.hasher.GetPrevHash(),
	}
	entry.Hash = a.hasher.ComputeHash(entry.Seq, entry.CanonicalBytes())
	a.entries = append(a.entries, entry)
	a.trim()
	return entry
}

func (a *AuditTrail) trim() {
	if over := len(a.entries) - a.retention; over > 0 {
		a.entries = append(a.entries[:0:0], a.entries[over:]...)
	}
}

// Entries returns retained entries with Seq > afterSeq, at most limit.
func (a *AuditTrail) Entries(afterSeq int64, limit int) []state.AuditEntry {
	out := make([]state.AuditEntry, 0)
	for _, e := range a.entries {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (a *AuditTrail) Len() int64 {
	return a.seq
}

func (a *AuditTrail) Tip() [32]byte {
	return a.hasher.GetPrevHash()
}

// VerifyChain recomputes the hashes of a contiguous run of entries.
func VerifyChain(entries []state.AuditEntry) error {
	h := &ChainHasher{}
	for i, e := range entries {
		if i > 0 && e.PrevHash != entries[i-1].Hash {
			return fmt.Errorf("audit entry %d: prev hash does not match entry %d", e.Seq, entries[i-1].Seq)
		}
		if got := h.next(e.PrevHash, e.Seq, e.CanonicalBytes()); got != e.Hash {
			return fmt.Errorf("audit entry %d: hash mismatch", e.Seq)
		}
	}
	return nil
}
