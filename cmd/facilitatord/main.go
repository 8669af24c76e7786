// facilitatord verifies and settles delegated payments for resource servers
// and pays their network fees.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"agentspend/go-backend/internal/composition/facilitatorsvc"
	"agentspend/go-backend/internal/config"
	"agentspend/go-backend/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "facilitatord: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("facilitatord", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to config.yaml (optional)")
	listenAddr := flags.String("listen", "", "listen address override")
	logLevel := flags.String("log-level", "info", "debug | info | warn | error")
	showVersion := flags.Bool("version", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if *showVersion {
		fmt.Printf("facilitatord version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return nil
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listenAddr != "" {
		cfg.Facilitator.ListenAddr = *listenAddr
	}
	logger := privacylog.NewJSONLogger(os.Stderr, *logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := facilitatorsvc.Build(cfg, config.LoadSecrets(), facilitatorsvc.Deps{Logger: logger})
	if err != nil {
		return err
	}
	defer rt.Close()

	logger.Info("facilitatord starting",
		"component", "facilitatord",
		"operation", "start",
		"network", cfg.Network.Name,
		"fee_payer", rt.Facilitator.FeePayerAddress(),
	)
	if err := rt.Run(ctx); err != nil {
		return err
	}
	logger.Info("facilitatord stopped", "component", "facilitatord", "operation", "stop")
	return nil
}
