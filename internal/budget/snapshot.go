package budget

import (
	"errors"
	"fmt"
	"strings"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/securestore"
)

const (
	snapshotVersion = 1
	snapshotPurpose = "budget-ledger"
)

// Snapshot is the persisted form of a ledger.
type Snapshot struct {
	Version       int          `json:"version"`
	OwnerAccount  string       `json:"ownerAccount,omitempty"`
	InitialBudget uint64       `json:"initialBudget"`
	TotalSpent    uint64       `json:"totalSpent"`
	History       []SpendEntry `json:"history"`
}

func (l *Ledger) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Snapshot{
		Version:       snapshotVersion,
		InitialBudget: l.initial,
		TotalSpent:    l.spent,
		History:       append([]SpendEntry(nil), l.history...),
	}
}

// Restore rebuilds a ledger from snap after checking that its history sums
// to its total and fits the budget.
func Restore(snap Snapshot, inspector Inspector, opts Options) (*Ledger, error) {
	if err := snap.validate(); err != nil {
		return nil, err
	}
	l, err := New(snap.InitialBudget, inspector, opts)
	if err != nil {
		return nil, err
	}
	l.spent = snap.TotalSpent
	l.history = append([]SpendEntry(nil), snap.History...)
	return l, nil
}

func (s Snapshot) validate() error {
	if s.Version != snapshotVersion {
		return apperr.Integrity(fmt.Errorf("%w: version %d", ErrCorruptSnapshot, s.Version))
	}
	var sum uint64
	for i, entry := range s.History {
		if entry.Amount == 0 || strings.TrimSpace(entry.Reference) == "" {
			return apperr.Integrity(fmt.Errorf("%w: entry %d", ErrCorruptSnapshot, i))
		}
		if entry.Amount > s.InitialBudget-sum {
			return apperr.Integrity(fmt.Errorf("%w: history exceeds budget", ErrCorruptSnapshot))
		}
		sum += entry.Amount
	}
	if sum != s.TotalSpent {
		return apperr.Integrity(fmt.Errorf("%w: history sums to %d, total is %d", ErrCorruptSnapshot, sum, s.TotalSpent))
	}
	return nil
}

// SaveSnapshot writes the ledger encrypted under secret.
func SaveSnapshot(l *Ledger, ownerAccount, path, secret string) error {
	if !securestore.IsStorageConfigured(path, secret) {
		return apperr.Validation(errors.New("budget: snapshot path and secret are required"))
	}
	snap := l.Snapshot()
	snap.OwnerAccount = ownerAccount
	return securestore.WriteEncryptedJSON(path, secret, snapshotPurpose, snap)
}

// LoadSnapshot decrypts and restores a ledger written by SaveSnapshot.
func LoadSnapshot(path, secret string, inspector Inspector, opts Options) (*Ledger, Snapshot, error) {
	var snap Snapshot
	if err := securestore.ReadDecryptedJSON(path, secret, snapshotPurpose, &snap); err != nil {
		if errors.Is(err, securestore.ErrAuthFailed) || errors.Is(err, securestore.ErrWrongPurpose) || errors.Is(err, securestore.ErrInvalid) {
			return nil, Snapshot{}, apperr.Integrity(err)
		}
		return nil, Snapshot{}, err
	}
	l, err := Restore(snap, inspector, opts)
	if err != nil {
		return nil, Snapshot{}, err
	}
	return l, snap, nil
}
