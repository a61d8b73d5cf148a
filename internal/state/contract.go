// internal/state/contract.go
package state

import (
	"slices"
	"time"

	"ConfidentialFutures/internal/fhe"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// FuturesContract is a single futures instrument. SettlementPrice holds the
// obfuscated reference price until settlement, then the encrypted final
// price.
type FuturesContract struct {
	ID                        uint64
	Underlying                string
	Creator                   common.Address
	SettlementPrice           fhe.Ciphertext
	PriceSet                  bool
	Settled                   bool
	ExpiryTime                time.Time
	CreationTime              time.Time
	Traders                   []common.Address
	TotalVolume               fhe.Ciphertext
	ActiveDecryptionRequestID uint256.Int // zero when no settlement is in flight
	SettlementRequestedAt     time.Time
	DecryptedPrice            uint64
	Version                   int64
}

// IsActive reports whether the contract accepts new positions.
func (c *FuturesContract) IsActive(now time.Time) bool {
	return c.PriceSet && !c.Settled && now.Before(c.ExpiryTime)
}

// HasSettlementInFlight reports whether a settlement decryption is pending.
func (c *FuturesContract) HasSettlementInFlight() bool {
	return !c.ActiveDecryptionRequestID.IsZero()
}

func (c *FuturesContract) HasTrader(addr common.Address) bool {
	return slices.Contains(c.Traders, addr)
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *FuturesContract) Clone() *FuturesContract {
	cp := *c
	cp.Traders = slices.Clone(c.Traders)
	return &cp
}
