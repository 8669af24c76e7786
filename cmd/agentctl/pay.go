package main

import (
	"context"
	"errors"
	"os"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/delegation"
	"agentspend/go-backend/internal/facilitator"
	"agentspend/go-backend/internal/payer"
	"agentspend/go-backend/internal/signer"
)

type payOutput struct {
	StatusCode int                         `json:"statusCode"`
	Paid       bool                        `json:"paid"`
	Settlement *facilitator.SettleResponse `json:"settlement,omitempty"`
	BodyBytes  int                         `json:"bodyBytes"`
	Output     string                      `json:"output,omitempty"`
}

func (a *app) payCommand(args []string) error {
	flags := newFlags("pay")
	ownerAccount := flags.String("owner-account", a.cfg.Budget.OwnerAccount, "owner token account to pay from")
	output := flags.StringP("output", "o", "", "write the response body to this file")
	strict := flags.Bool("require-resource-success", false, "fail when the resource rejects a settled request")
	if err := parse(flags, args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return apperr.Validation(errors.New("pay needs exactly one url"))
	}
	if err := requireFlag("owner-account", *ownerAccount); err != nil {
		return err
	}

	ctx := context.Background()
	agent, err := signer.Open(ctx, a.cfg.SignerConfig(a.secrets))
	if err != nil {
		return err
	}
	defer agent.Close()
	if pinned, ok := agent.(interface{ MemoryLocked() bool }); ok && !pinned.MemoryLocked() {
		a.logger.Warn("signing key is not locked in memory",
			"component", "agentctl",
			"operation", "pay",
			"address", agent.PublicAddress(),
		)
	}

	mgr := delegation.NewManager(a.chain, delegation.Options{Logger: a.logger})
	ledger, err := a.openLedger(mgr)
	if err != nil {
		return err
	}
	policy := payer.TrustFacilitatorSettlement
	if *strict {
		policy = payer.RequireResourceSuccess
	}
	client, err := payer.New(mgr, ledger, agent, *ownerAccount, payer.Options{Network: a.cfg.Network.Name, Policy: policy, Logger: a.logger})
	if err != nil {
		return err
	}

	resp, fetchErr := client.Fetch(ctx, flags.Arg(0))
	if err := a.saveLedger(ledger, *ownerAccount); err != nil {
		return errors.Join(fetchErr, err)
	}
	if fetchErr != nil {
		return fetchErr
	}
	out := payOutput{StatusCode: resp.StatusCode, Paid: resp.Paid, Settlement: resp.Settlement, BodyBytes: len(resp.Body)}
	if *output != "" {
		if err := os.WriteFile(*output, resp.Body, 0o600); err != nil {
			return err
		}
		out.Output = *output
	}
	return a.print(out)
}
