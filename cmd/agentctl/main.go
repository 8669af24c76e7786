// agentctl manages an agent's encrypted key, its delegation and its budget,
// and pays for x402 resources on the agent's behalf.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/chain"
	"agentspend/go-backend/internal/chain/solanarpc"
	"agentspend/go-backend/internal/config"
	"agentspend/go-backend/internal/platform/privacylog"
)

const usage = `usage: agentctl [--config path] <command> <subcommand> [flags]

commands:
  key generate [--mnemonic]     create and encrypt a new agent key
  key restore                   rebuild a key from AGENTSPEND_MNEMONIC
  key address                   print the agent address
  key rotate                    re-encrypt under AGENTSPEND_NEW_KEY_PASSPHRASE
  key delete                    securely delete the key file
  delegation grant              build an unsigned ApproveChecked for the owner
  delegation status             show on-chain delegation state
  delegation revoke             build an unsigned Revoke for the owner
  budget status                 reconcile the local budget with the chain
  pay <url>                     fetch a resource, paying within budget
`

type app struct {
	cfg     config.Config
	secrets config.Secrets
	logger  *slog.Logger
	out     io.Writer
	chain   chain.Client
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "agentctl: %v\n", err)
		if apperr.CategoryOf(err) == apperr.CategoryValidation {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	global := pflag.NewFlagSet("agentctl", pflag.ContinueOnError)
	global.SetInterspersed(false)
	global.SetOutput(stderr)
	configPath := global.StringP("config", "c", "", "path to config.yaml (optional)")
	logLevel := global.String("log-level", "warn", "debug | info | warn | error")
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprint(stderr, usage)
		return apperr.Validation(errors.New("command required"))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	a := &app{
		cfg:     cfg,
		secrets: config.LoadSecrets(),
		logger:  privacylog.NewJSONLogger(stderr, *logLevel),
		out:     stdout,
	}
	a.chain = solanarpc.New(cfg.Network.RPCEndpoint, solanarpc.Options{Commitment: cfg.Network.Commitment, Logger: a.logger})
	return a.dispatch(rest)
}

func (a *app) dispatch(args []string) error {
	command, sub := args[0], ""
	if len(args) > 1 {
		sub = args[1]
	}
	switch command {
	case "key":
		return a.keyCommand(sub, tail(args, 2))
	case "delegation":
		return a.delegationCommand(sub, tail(args, 2))
	case "budget":
		return a.budgetCommand(sub, tail(args, 2))
	case "pay":
		return a.payCommand(tail(args, 1))
	default:
		return apperr.Validation(fmt.Errorf("unknown command %q", command))
	}
}

func tail(args []string, n int) []string {
	if len(args) <= n {
		return nil
	}
	return args[n:]
}

func newFlags(name string) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetOutput(io.Discard)
	return flags
}

func parse(flags *pflag.FlagSet, args []string) error {
	if err := flags.Parse(args); err != nil {
		return apperr.Validation(err)
	}
	return nil
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func requireFlag(name, value string) error {
	if value == "" {
		return apperr.Validation(fmt.Errorf("--%s is required", name))
	}
	return nil
}
