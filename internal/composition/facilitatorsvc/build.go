// Package facilitatorsvc assembles the facilitator daemon from configuration.
package facilitatorsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"agentspend/go-backend/internal/audit"
	"agentspend/go-backend/internal/chain"
	"agentspend/go-backend/internal/chain/solanarpc"
	"agentspend/go-backend/internal/config"
	"agentspend/go-backend/internal/facilitator"
	"agentspend/go-backend/internal/facilitator/httpapi"
	"agentspend/go-backend/internal/feereserve"
	"agentspend/go-backend/internal/keystore"
	"agentspend/go-backend/internal/metrics"
	"agentspend/go-backend/internal/platform/ratelimiter"
	"agentspend/go-backend/internal/verifier"
)

const limiterIdleTTL = 10 * time.Minute

// Deps overrides collaborators; zero values are built from config.
type Deps struct {
	Chain   chain.Client
	Metrics *metrics.Collectors
	Logger  *slog.Logger
}

// Runtime owns everything Build opened.
type Runtime struct {
	Server      *httpapi.Server
	Facilitator *facilitator.Facilitator
	Audit       *audit.Ledger
	Metrics     *metrics.Collectors

	feePayer *keystore.LocalSigner
}

func (r *Runtime) Run(ctx context.Context) error {
	return r.Server.Run(ctx)
}

func (r *Runtime) Close() error {
	return errors.Join(r.Audit.Close(), r.feePayer.Close())
}

func Build(cfg config.Config, secrets config.Secrets, deps Deps) (*Runtime, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collectors := deps.Metrics
	if collectors == nil {
		collectors = metrics.New()
	}
	client := deps.Chain
	if client == nil {
		client = solanarpc.New(cfg.Network.RPCEndpoint, solanarpc.Options{Commitment: cfg.Network.Commitment, Logger: logger})
	}

	if strings.TrimSpace(cfg.Facilitator.FeePayerKeyPath) == "" {
		return nil, fmt.Errorf("%w: facilitator.feePayerKeyPath is required", config.ErrInvalidConfig)
	}
	feePayer, err := keystore.NewFileStore(cfg.Keystore.KDF).Load(cfg.Facilitator.FeePayerKeyPath, secrets.FeePayerPassphrase)
	if err != nil {
		return nil, fmt.Errorf("load fee payer key: %w", err)
	}

	fees, err := feereserve.New(client, feePayer.PublicAddress(), feereserve.Options{
		AlertThreshold:       cfg.FeeReserve.AlertThresholdLamports,
		LamportsPerOperation: cfg.FeeReserve.LamportsPerOperation,
		Logger:               logger,
		Metrics:              collectors,
	})
	if err != nil {
		_ = feePayer.Close()
		return nil, err
	}

	sinks, err := BuildSinks(cfg.Audit, secrets)
	if err != nil {
		_ = feePayer.Close()
		return nil, err
	}
	auditLedger := audit.New(audit.Options{Logger: logger, Metrics: collectors}, sinks...)

	fac, err := facilitator.New(
		verifier.New(client, verifier.Options{Logger: logger}),
		client,
		feePayer,
		fees,
		auditLedger,
		facilitator.Options{Network: cfg.Network.Name, Logger: logger, Metrics: collectors},
	)
	if err != nil {
		_ = auditLedger.Close()
		_ = feePayer.Close()
		return nil, err
	}

	server := httpapi.New(fac, httpapi.Options{
		Addr:          cfg.Facilitator.ListenAddr,
		APIToken:      secrets.FacilitatorToken,
		Limiter:       ratelimiter.New(cfg.Facilitator.RateLimitRPS, cfg.Facilitator.RateLimitBurst, limiterIdleTTL),
		ClientLimiter: ratelimiter.New(cfg.Facilitator.ClientRateLimitRPS, cfg.Facilitator.ClientRateLimitBurst, limiterIdleTTL),
		Metrics:       collectors,
		Logger:        logger,
	})
	if secrets.FacilitatorToken == "" {
		logger.Warn("facilitator API token not set; verify and settle are unauthenticated",
			"component", "facilitatorsvc",
			"operation", "build",
		)
	}
	return &Runtime{Server: server, Facilitator: fac, Audit: auditLedger, Metrics: collectors, feePayer: feePayer}, nil
}

// BuildSinks opens the configured audit sinks.
func BuildSinks(cfg config.AuditConfig, secrets config.Secrets) ([]audit.Sink, error) {
	sinks := make([]audit.Sink, 0, len(cfg.Sinks))
	closeAll := func() {
		_ = audit.New(audit.Options{}, sinks...).Close()
	}
	for _, name := range cfg.Sinks {
		switch name {
		case "memory":
			sinks = append(sinks, audit.NewMemorySink())
		case "jsonl":
			sink, err := audit.OpenJSONLinesFile(cfg.JSONLPath)
			if err != nil {
				closeAll()
				return nil, err
			}
			sinks = append(sinks, sink)
		case "redis":
			sink, err := audit.DialRedisStreamSink(cfg.RedisAddr, secrets.RedisPassword, cfg.RedisStream)
			if err != nil {
				closeAll()
				return nil, err
			}
			sinks = append(sinks, sink)
		default:
			closeAll()
			return nil, fmt.Errorf("%w: audit sink %q", config.ErrInvalidConfig, name)
		}
	}
	return sinks, nil
}
