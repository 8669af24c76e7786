// Package chain defines the ledger capabilities the payment core consumes:
// token account reads, balances, lifetime anchors, simulation and
// submission. Adapters live in subpackages.
package chain

import "context"

// TokenAccount is the decoded state of one fungible-token account.
type TokenAccount struct {
	Address         string
	ProgramID       string
	Mint            string
	Owner           string
	Amount          uint64
	Delegate        DelegateOption
	DelegatedAmount uint64
	Frozen          bool
}

// Anchor bounds how long an unsigned message stays submittable.
type Anchor struct {
	Blockhash            string
	LastValidBlockHeight uint64
}

// SimulationResult reports a dry run. Err is the ledger's structured error,
// nil when the run succeeded.
type SimulationResult struct {
	Err           any
	Logs          []string
	UnitsConsumed uint64
}

func (r SimulationResult) Succeeded() bool {
	return r.Err == nil
}

// LedgerQuery reads account state. Transport failures satisfy
// errors.Is(err, ErrRPC); missing accounts return ErrAccountNotFound.
type LedgerQuery interface {
	TokenAccount(ctx context.Context, address string) (TokenAccount, error)
	Balance(ctx context.Context, address string) (uint64, error)
}

type AnchorSource interface {
	LatestAnchor(ctx context.Context) (Anchor, error)
}

// Simulator dry-runs a serialized transaction. Signatures are not verified,
// so partially signed transactions can be simulated.
type Simulator interface {
	Simulate(ctx context.Context, rawTx []byte) (SimulationResult, error)
}

// Submitter sends a fully signed transaction and returns its settlement
// reference.
type Submitter interface {
	Submit(ctx context.Context, rawTx []byte) (string, error)
}

// Client bundles every capability a node adapter provides.
type Client interface {
	LedgerQuery
	AnchorSource
	Simulator
	Submitter
}
