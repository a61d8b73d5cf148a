package core

import (
	"fmt"
	"time"

	"ConfidentialFutures/internal/state"

	"github.com/ethereum/go-ethereum/common"
)

// Decision is the result of a guard. Guards are pure: they read state and
// never mutate it.
type Decision struct {
	Allowed bool
	Reason  string
	cause   error
}

func allow() Decision {
	return Decision{Allowed: true}
}

func deny(cause error, format string, args ...any) Decision {
	return Decision{Reason: fmt.Sprintf(format, args...), cause: cause}
}

// Err converts a denial into a wrapped sentinel error. It returns nil for
// an allowed decision.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return fmt.Errorf("%w: %s", d.cause, d.Reason)
}

func onlyOwner(caller, owner common.Address) Decision {
	if caller != owner {
		return deny(ErrUnauthorized, "caller %s is not the owner", caller.Hex())
	}
	return allow()
}

// onlyOperator admits registered operators and the owner.
func onlyOperator(caller, owner common.Address, isOperator bool) Decision {
	if caller == owner || isOperator {
		return allow()
	}
	return deny(ErrUnauthorized, "caller %s is not an operator", caller.Hex())
}

// onlyGateway admits the configured gateway, and the owner in dev mode.
func onlyGateway(caller, gateway, owner common.Address, devMode bool) Decision {
	if gateway != (common.Address{}) && caller == gateway {
		return allow()
	}
	if devMode && caller == owner {
		return allow()
	}
	return deny(ErrUnauthorized, "caller %s is not the gateway", caller.Hex())
}

func rateLimit(counter state.AuditCounter, seen bool, now time.Time, cooldown time.Duration) Decision {
	if !seen || counter.Count == 0 {
		return allow()
	}
	if now.Sub(counter.LastAction) < cooldown {
		return deny(ErrRateLimited, "retry after %s", counter.LastAction.Add(cooldown).Sub(now))
	}
	return allow()
}

func contractActive(c *state.FuturesContract, now time.Time) Decision {
	switch {
	case !c.PriceSet:
		return deny(ErrContractInactive, "contract %d has no reference price", c.ID)
	case c.Settled:
		return deny(ErrContractInactive, "contract %d is settled", c.ID)
	case !now.Before(c.ExpiryTime):
		return deny(ErrContractInactive, "contract %d expired at %s", c.ID, c.ExpiryTime.Format(time.RFC3339))
	}
	return allow()
}

// settlementDue admits a settlement request once the contract has expired
// or the settlement interval has passed since the last settlement.
func settlementDue(c *state.FuturesContract, lastSettlementAt, now time.Time, interval time.Duration) Decision {
	if !now.Before(c.ExpiryTime) {
		return allow()
	}
	if now.Sub(lastSettlementAt) >= interval {
		return allow()
	}
	return deny(ErrSettlementNotDue, "contract %d not expired and last settlement at %s",
		c.ID, lastSettlementAt.Format(time.RFC3339))
}
