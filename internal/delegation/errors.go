package delegation

import (
	"errors"

	"agentspend/go-backend/internal/chain"
)

var (
	ErrInvalidAddress         = errors.New("delegation: invalid address")
	ErrInvalidAmount          = errors.New("delegation: amount must be positive")
	ErrInvalidDecimals        = errors.New("delegation: decimals must be between 0 and 18")
	ErrMissingSigner          = errors.New("delegation: signer is required")
	ErrNoActiveDelegation     = errors.New("delegation: no active delegation")
	ErrInsufficientDelegation = errors.New("delegation: amount exceeds remaining delegation")
	ErrAssetMismatch          = errors.New("delegation: token account holds a different asset")
	ErrOwnerMismatch          = errors.New("delegation: token account has a different owner")
	ErrAccountFrozen          = errors.New("delegation: token account is frozen")
	ErrSignerNotRequired      = errors.New("delegation: signer is not a required signer of the transaction")

	// ErrRPC and ErrSimulationFailed are the chain kinds, re-exported so
	// callers branch without importing chain.
	ErrRPC              = chain.ErrRPC
	ErrSimulationFailed = chain.ErrSimulationFailed
)
