// Package chainfake provides an in-memory chain.Client for tests.
package chainfake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/chain"
)

// DefaultBlockhash is a valid base58 32-byte hash.
const DefaultBlockhash = "4sGjMW1sUnHzSxGspuhpqLDx6wiyjNtZAMdL4VZHirAn"

// Ledger is safe for concurrent use. Zero values answer with not-found
// accounts, zero balances and successful simulations.
type Ledger struct {
	mu sync.Mutex

	Accounts  map[string]chain.TokenAccount
	Balances  map[string]uint64
	Anchor    chain.Anchor
	SimResult chain.SimulationResult
	Reference string

	// Per-capability failures returned as transport errors when set.
	ReadErr     error
	BalanceErr  error
	AnchorErr   error
	SimulateErr error
	SubmitErr   error

	// ReadDelay stalls TokenAccount to widen race windows.
	ReadDelay time.Duration

	Reads       int
	Simulations int
	Submissions int
	Simulated   [][]byte
	Submitted   [][]byte
}

var _ chain.Client = (*Ledger)(nil)

func New() *Ledger {
	return &Ledger{
		Accounts:  make(map[string]chain.TokenAccount),
		Balances:  make(map[string]uint64),
		Anchor:    chain.Anchor{Blockhash: DefaultBlockhash, LastValidBlockHeight: 1000},
		Reference: "5VERv8NMvzbJMEkV8xnrLkEaWRtSz9CosKDYjCJjBRnbJLgp8uirBgmQpjKhoR4tjF3ZpRzrFmBV6UjKdiSZkQUW",
	}
}

// PutAccount stores account under its address.
func (l *Ledger) PutAccount(account chain.TokenAccount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Accounts[account.Address] = account
}

// SetDelegatedAmount updates the remaining delegation of address.
func (l *Ledger) SetDelegatedAmount(address string, amount uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	account := l.Accounts[address]
	account.DelegatedAmount = amount
	l.Accounts[address] = account
}

func (l *Ledger) SetSimulation(result chain.SimulationResult) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.SimResult = result
}

func (l *Ledger) SetReadErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ReadErr = err
}

func (l *Ledger) SetBalance(address string, lamports uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Balances[address] = lamports
}

func (l *Ledger) SetBalanceErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.BalanceErr = err
}

func (l *Ledger) SetSimulateErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.SimulateErr = err
}

func (l *Ledger) SetSubmitErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.SubmitErr = err
}

func (l *Ledger) Counts() (reads, simulations, submissions int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.Reads, l.Simulations, l.Submissions
}

func (l *Ledger) LastSubmitted() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Submitted) == 0 {
		return nil
	}
	return l.Submitted[len(l.Submitted)-1]
}

func (l *Ledger) TokenAccount(ctx context.Context, address string) (chain.TokenAccount, error) {
	l.mu.Lock()
	l.Reads++
	delay, readErr := l.ReadDelay, l.ReadErr
	account, ok := l.Accounts[address]
	l.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return chain.TokenAccount{}, chain.Transport("getAccountInfo", ctx.Err())
		}
	}
	if readErr != nil {
		return chain.TokenAccount{}, chain.Transport("getAccountInfo", readErr)
	}
	if !ok {
		return chain.TokenAccount{}, apperr.Precondition(fmt.Errorf("%w: %s", chain.ErrAccountNotFound, address))
	}
	return account, nil
}

func (l *Ledger) Balance(_ context.Context, address string) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.BalanceErr != nil {
		return 0, chain.Transport("getBalance", l.BalanceErr)
	}
	return l.Balances[address], nil
}

func (l *Ledger) LatestAnchor(context.Context) (chain.Anchor, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.AnchorErr != nil {
		return chain.Anchor{}, chain.Transport("getLatestBlockhash", l.AnchorErr)
	}
	return l.Anchor, nil
}

func (l *Ledger) Simulate(_ context.Context, rawTx []byte) (chain.SimulationResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Simulations++
	l.Simulated = append(l.Simulated, append([]byte(nil), rawTx...))
	if l.SimulateErr != nil {
		return chain.SimulationResult{}, chain.Transport("simulateTransaction", l.SimulateErr)
	}
	return l.SimResult, nil
}

func (l *Ledger) Submit(_ context.Context, rawTx []byte) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Submissions++
	l.Submitted = append(l.Submitted, append([]byte(nil), rawTx...))
	if l.SubmitErr != nil {
		return "", chain.Transport("sendTransaction", l.SubmitErr)
	}
	return l.Reference, nil
}
