package core

import (
	"encoding/binary"
	"fmt"
	"time"
	"unicode/utf8"

	"ConfidentialFutures/internal/event"
	"ConfidentialFutures/internal/fhe"
	fpmath "ConfidentialFutures/internal/math"
	"ConfidentialFutures/internal/state"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// CreateContract registers a new contract expiring ContractDuration from
// now. The reference price is set separately.
func (c *Coordinator) CreateContract(caller common.Address, underlying string) (uint64, error) {
	var id uint64
	err := c.run("createContract", func(now time.Time) error {
		if err := onlyOperator(caller, c.owner, c.store.IsOperator(caller)).Err(); err != nil {
			return err
		}
		if err := c.checkRateLimit(caller, now); err != nil {
			return err
		}
		if n := utf8.RuneCountInString(underlying); n == 0 || n > MaxUnderlyingLength {
			return fmt.Errorf("%w: underlying must be 1-%d characters", ErrInvalidArgument, MaxUnderlyingLength)
		}

		volume, err := c.engine.Encrypt(0)
		if err != nil {
			return fmt.Errorf("encrypt initial volume: %w", err)
		}

		id = c.store.NextContractID()
		c.store.PutContract(&state.FuturesContract{
			ID:           id,
			Underlying:   underlying,
			Creator:      caller,
			ExpiryTime:   now.Add(c.params.ContractDuration),
			CreationTime: now,
			TotalVolume:  volume,
		})

		c.emit(&event.ContractCreated{
			ContractID: id,
			Underlying: underlying,
			Creator:    caller,
			ExpiryTime: now.Add(c.params.ContractDuration),
		}, now)
		c.record(caller, "createContract", id, now)

		c.logger.Info().
			Uint64("contract_id", id).
			Str("underlying", underlying).
			Msg("contract created")
		return nil
	})
	return id, err
}

// SetReferencePrice stores the encrypted, obfuscated reference price
// (price*factor + nonce). It may be set once.
func (c *Coordinator) SetReferencePrice(caller common.Address, contractID, price, nonce uint64) error {
	return c.run("setReferencePrice", func(now time.Time) error {
		if err := onlyOperator(caller, c.owner, c.store.IsOperator(caller)).Err(); err != nil {
			return err
		}
		if err := c.checkRateLimit(caller, now); err != nil {
			return err
		}
		ct, err := c.contract(contractID)
		if err != nil {
			return err
		}
		if ct.PriceSet {
			return fmt.Errorf("%w: reference price for contract %d", ErrAlreadyExists, contractID)
		}
		if price == 0 {
			return fmt.Errorf("%w: reference price must be positive", ErrInvalidArgument)
		}
		obfuscated, ok := fpmath.ObfuscatePrice(price, c.params.PriceObfuscationFactor, nonce)
		if !ok {
			return fmt.Errorf("%w: obfuscated reference price", ErrOverflow)
		}

		encrypted, err := c.engine.Encrypt(obfuscated)
		if err != nil {
			return fmt.Errorf("encrypt reference price: %w", err)
		}

		ct.SettlementPrice = encrypted
		ct.PriceSet = true
		c.store.PutContract(ct)
		c.record(caller, "setReferencePrice", contractID, now)
		return nil
	})
}

// OpenPosition opens the caller's single position in an active contract.
// Amount, entry price and collateral are encrypted before storage.
func (c *Coordinator) OpenPosition(caller common.Address, contractID, entryPrice, amount, collateral uint64, isLong bool) error {
	return c.run("openPosition", func(now time.Time) error {
		if err := c.checkRateLimit(caller, now); err != nil {
			return err
		}
		ct, err := c.contract(contractID)
		if err != nil {
			return err
		}
		if err := contractActive(ct, now).Err(); err != nil {
			return err
		}
		switch {
		case amount == 0 || amount > c.params.MaxPositionAmount:
			return fmt.Errorf("%w: amount must be in [1, %d]", ErrInvalidArgument, c.params.MaxPositionAmount)
		case collateral == 0 || collateral > c.params.MaxCollateralAmount:
			return fmt.Errorf("%w: collateral must be in [1, %d]", ErrInvalidArgument, c.params.MaxCollateralAmount)
		case entryPrice == 0:
			return fmt.Errorf("%w: entry price must be positive", ErrInvalidArgument)
		}
		if _, ok := fpmath.CheckedMul(amount, entryPrice); !ok {
			return fmt.Errorf("%w: amount x entry price", ErrOverflow)
		}
		key := state.PositionKey{ContractID: contractID, Trader: caller}
		if existing, ok := c.store.Position(key); ok {
			return fmt.Errorf("%w: %s position for %s in contract %d",
				ErrAlreadyExists, existing.Status, caller.Hex(), contractID)
		}

		enc, err := c.encryptAll(amount, entryPrice, collateral, positionNonce(caller, contractID, now))
		if err != nil {
			return fmt.Errorf("encrypt position: %w", err)
		}
		volume, err := c.engine.Add(ct.TotalVolume, enc[0])
		if err != nil {
			return fmt.Errorf("accumulate volume: %w", err)
		}

		c.store.PutPosition(&state.TraderPosition{
			ContractID:          contractID,
			Trader:              caller,
			EncryptedAmount:     enc[0],
			EncryptedEntryPrice: enc[1],
			EncryptedCollateral: enc[2],
			EncryptedNonce:      enc[3],
			IsLong:              isLong,
			Status:              state.PositionActive,
			EntryTime:           now,
		})
		ct.Traders = append(ct.Traders, caller)
		ct.TotalVolume = volume
		c.store.PutContract(ct)

		c.emit(&event.PositionOpened{
			ContractID: contractID,
			Trader:     caller,
			IsLong:     isLong,
			EntryTime:  now,
		}, now)
		c.record(caller, "openPosition", contractID, now)
		return nil
	})
}

func (c *Coordinator) encryptAll(values ...uint64) ([]fhe.Ciphertext, error) {
	out := make([]fhe.Ciphertext, len(values))
	for i, v := range values {
		ct, err := c.engine.Encrypt(v)
		if err != nil {
			return nil, err
		}
		out[i] = ct
	}
	return out, nil
}

// positionNonce is keccak256(trader || contractID || unix seconds)
// truncated to its first 64 bits.
func positionNonce(trader common.Address, contractID uint64, now time.Time) uint64 {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[:8], contractID)
	binary.BigEndian.PutUint64(buf[8:], uint64(now.Unix()))
	digest := crypto.Keccak256(trader[:], buf[:])
	return binary.BigEndian.Uint64(digest[:8])
}
