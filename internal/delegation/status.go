package delegation

import "agentspend/go-backend/internal/chain"

type Phase string

const (
	PhaseNone      Phase = "none"
	PhaseActive    Phase = "active"
	PhaseExhausted Phase = "exhausted"
	PhaseRevoked   Phase = "revoked"
)

// Status is the read model of a token account's delegation, always read
// fresh from the ledger.
type Status struct {
	IsActive        bool                 `json:"isActive"`
	Delegate        chain.DelegateOption `json:"delegate"`
	RemainingAmount uint64               `json:"remainingAmount"`
	OriginalAmount  uint64               `json:"originalAmount"`
	AssetID         string               `json:"assetId"`
	OwnerAccount    string               `json:"ownerAccount"`
	Owner           string               `json:"owner"`
	ProgramID       string               `json:"programId"`
	// Revoked is set when this process issued a revocation for the account
	// and the ledger no longer reports a delegate.
	Revoked bool `json:"revoked"`
}

// DelegateAddress returns the delegate or "" for JSON and display.
func (s Status) DelegateAddress() string {
	address, _ := s.Delegate.Get()
	return address
}

// Phase derives the lifecycle phase. A delegation only returns to active
// through a new grant.
func (s Status) Phase() Phase {
	switch {
	case s.IsActive:
		return PhaseActive
	case s.Revoked:
		return PhaseRevoked
	case s.Delegate.IsSome() || s.OriginalAmount > 0:
		return PhaseExhausted
	default:
		return PhaseNone
	}
}

func statusFromAccount(account chain.TokenAccount) Status {
	remaining := uint64(0)
	if account.Delegate.IsSome() {
		remaining = account.DelegatedAmount
	}
	return Status{
		IsActive:        account.Delegate.IsSome() && remaining > 0,
		Delegate:        account.Delegate,
		RemainingAmount: remaining,
		OriginalAmount:  remaining,
		AssetID:         account.Mint,
		OwnerAccount:    account.Address,
		Owner:           account.Owner,
		ProgramID:       account.ProgramID,
	}
}
