package core

import "errors"

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrRateLimited        = errors.New("rate limited")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrContractInactive   = errors.New("contract not active")
	ErrAlreadyExists      = errors.New("already exists")
	ErrRequestNotPending  = errors.New("request not pending")
	ErrSettlementNotDue   = errors.New("settlement not due")
	ErrOverflow           = errors.New("arithmetic overflow")
	ErrRefundNotAvailable = errors.New("refund not available")
)
