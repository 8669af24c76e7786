package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/budget"
	"agentspend/go-backend/internal/delegation"
)

type budgetOutput struct {
	budget.Check
	InitialBudget uint64              `json:"initialBudget"`
	History       []budget.SpendEntry `json:"history"`
}

// openLedger restores the snapshot when one is configured and present,
// otherwise starts from the configured initial budget.
func (a *app) openLedger(inspector budget.Inspector) (*budget.Ledger, error) {
	opts := budget.Options{Logger: a.logger}
	path := a.cfg.Budget.SnapshotPath
	if path != "" && a.secrets.SnapshotSecret != "" {
		if _, err := os.Stat(path); err == nil {
			ledger, _, err := budget.LoadSnapshot(path, a.secrets.SnapshotSecret, inspector, opts)
			return ledger, err
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	return budget.New(a.cfg.Budget.Initial, inspector, opts)
}

func (a *app) saveLedger(ledger *budget.Ledger, ownerAccount string) error {
	if a.cfg.Budget.SnapshotPath == "" || a.secrets.SnapshotSecret == "" {
		return nil
	}
	return budget.SaveSnapshot(ledger, ownerAccount, a.cfg.Budget.SnapshotPath, a.secrets.SnapshotSecret)
}

func (a *app) budgetCommand(sub string, args []string) error {
	flags := newFlags("budget " + sub)
	ownerAccount := flags.String("owner-account", a.cfg.Budget.OwnerAccount, "owner token account")
	if err := parse(flags, args); err != nil {
		return err
	}
	if sub != "status" {
		return apperr.Validation(fmt.Errorf("unknown budget subcommand %q", sub))
	}
	if err := requireFlag("owner-account", *ownerAccount); err != nil {
		return err
	}
	ledger, err := a.openLedger(delegation.NewManager(a.chain, delegation.Options{Logger: a.logger}))
	if err != nil {
		return err
	}
	check, err := ledger.CheckBudget(context.Background(), *ownerAccount)
	if err != nil {
		return err
	}
	return a.print(budgetOutput{Check: check, InitialBudget: ledger.InitialBudget(), History: ledger.SpendHistory()})
}
