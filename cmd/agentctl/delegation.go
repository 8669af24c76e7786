package main

import (
	"context"
	"fmt"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/delegation"
	"agentspend/go-backend/internal/keystore"
)

type statusOutput struct {
	delegation.Status
	Phase delegation.Phase `json:"phase"`
}

func (a *app) delegationCommand(sub string, args []string) error {
	flags := newFlags("delegation " + sub)
	owner := flags.String("owner", "", "owner wallet address (signs grant and revoke)")
	ownerAccount := flags.String("owner-account", a.cfg.Budget.OwnerAccount, "owner token account")
	delegate := flags.String("delegate", "", "delegate address (defaults to the agent key)")
	mint := flags.String("mint", "", "token mint")
	capAmount := flags.Uint64("cap", 0, "cap in base units")
	decimals := flags.Uint8("decimals", 6, "mint decimals")
	if err := parse(flags, args); err != nil {
		return err
	}
	if err := requireFlag("owner-account", *ownerAccount); err != nil {
		return err
	}
	ctx := context.Background()
	mgr := delegation.NewManager(a.chain, delegation.Options{Logger: a.logger})

	switch sub {
	case "grant":
		if err := requireFlag("owner", *owner); err != nil {
			return err
		}
		if err := requireFlag("mint", *mint); err != nil {
			return err
		}
		if *delegate == "" {
			address, err := keystore.NewFileStore(a.cfg.Keystore.KDF).Address(a.cfg.Keystore.Path, a.secrets.KeyPassphrase)
			if err != nil {
				return err
			}
			*delegate = address
		}
		msg, err := mgr.Grant(ctx, delegation.GrantRequest{
			OwnerAccount: *ownerAccount,
			Owner:        *owner,
			Delegate:     *delegate,
			AssetID:      *mint,
			Cap:          *capAmount,
			Decimals:     *decimals,
		})
		if err != nil {
			return err
		}
		return a.print(msg)

	case "status":
		status, err := mgr.Inspect(ctx, *ownerAccount)
		if err != nil {
			return err
		}
		return a.print(statusOutput{Status: status, Phase: status.Phase()})

	case "revoke":
		if err := requireFlag("owner", *owner); err != nil {
			return err
		}
		msg, err := mgr.Revoke(ctx, *owner, *ownerAccount)
		if err != nil {
			return err
		}
		return a.print(msg)

	default:
		return apperr.Validation(fmt.Errorf("unknown delegation subcommand %q", sub))
	}
}
