package core

import "time"

const (
	SettlementInterval     = 4 * time.Hour
	DecryptionTimeout      = 24 * time.Hour
	ContractDuration       = 24 * time.Hour
	MaxPositionAmount      = 1_000_000_000
	MaxCollateralAmount    = 1_000_000_000_000
	PriceObfuscationFactor = 1000
	PriceScale             = 100
	RateLimitCooldown      = 1 * time.Second

	MaxUnderlyingLength = 10
)

// Params holds the protocol constants. Tests shrink the durations; the
// binaries always run with DefaultParams.
type Params struct {
	SettlementInterval     time.Duration
	DecryptionTimeout      time.Duration
	ContractDuration       time.Duration
	MaxPositionAmount      uint64
	MaxCollateralAmount    uint64
	PriceObfuscationFactor uint64
	PriceScale             uint64
	RateLimitCooldown      time.Duration

	// DevMode lets the owner act as the gateway.
	DevMode bool
}

func DefaultParams() Params {
	return Params{
		SettlementInterval:     SettlementInterval,
		DecryptionTimeout:      DecryptionTimeout,
		ContractDuration:       ContractDuration,
		MaxPositionAmount:      MaxPositionAmount,
		MaxCollateralAmount:    MaxCollateralAmount,
		PriceObfuscationFactor: PriceObfuscationFactor,
		PriceScale:             PriceScale,
		RateLimitCooldown:      RateLimitCooldown,
	}
}
