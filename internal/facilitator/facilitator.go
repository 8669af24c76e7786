// Package facilitator verifies and settles delegated payments on behalf of
// resource servers. It pays network fees, so every settlement passes the
// verifier and the fee reserve gate first, and every attempt is audited.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/audit"
	"agentspend/go-backend/internal/chain"
	"agentspend/go-backend/internal/delegation"
	"agentspend/go-backend/internal/feereserve"
	"agentspend/go-backend/internal/metrics"
	"agentspend/go-backend/internal/verifier"
)

const componentName = "facilitator"

type FeeGate interface {
	CanAffordSettlement(ctx context.Context) bool
	CheckBalance(ctx context.Context) (feereserve.Health, error)
}

type Auditor interface {
	Log(ctx context.Context, entry audit.Entry) (audit.Entry, error)
}

type Options struct {
	// Network is the name advertised in requirements, e.g. "solana-devnet".
	Network string
	Logger  *slog.Logger
	Metrics *metrics.Collectors
	Now     func() time.Time
}

type Facilitator struct {
	verifier  *verifier.Verifier
	submitter chain.Submitter
	feePayer  delegation.Signer
	fees      FeeGate
	audit     Auditor
	network   string
	logger    *slog.Logger
	metrics   *metrics.Collectors
	now       func() time.Time
}

func New(v *verifier.Verifier, submitter chain.Submitter, feePayer delegation.Signer, fees FeeGate, auditor Auditor, opts Options) (*Facilitator, error) {
	if v == nil || submitter == nil || feePayer == nil || fees == nil || auditor == nil {
		return nil, errors.New("facilitator: verifier, submitter, fee payer, fee gate and auditor are required")
	}
	network := strings.TrimSpace(opts.Network)
	if network == "" {
		return nil, errors.New("facilitator: network is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Facilitator{
		verifier:  v,
		submitter: submitter,
		feePayer:  feePayer,
		fees:      fees,
		audit:     auditor,
		network:   network,
		logger:    logger,
		metrics:   opts.Metrics,
		now:       now,
	}, nil
}

func (f *Facilitator) Network() string { return f.network }

func (f *Facilitator) FeePayerAddress() string { return f.feePayer.PublicAddress() }

func (f *Facilitator) FeeReserve(ctx context.Context) (feereserve.Health, error) {
	return f.fees.CheckBalance(ctx)
}

// Verify checks the payment without touching the network beyond a dry run.
// A failed check returns the response alongside a categorized error.
func (f *Facilitator) Verify(ctx context.Context, req Request) (VerifyResponse, error) {
	started := f.now()
	correlationID := uuid.NewString()
	resp, _, err := f.verify(ctx, req)
	f.finish(ctx, audit.ActionVerify, started, correlationID, req, resp.Payer, "", err)
	return resp, err
}

// Settle re-verifies, checks the fee reserve, signs as fee payer and
// submits. Exactly one audit entry is written per call.
func (f *Facilitator) Settle(ctx context.Context, req Request) (SettleResponse, error) {
	started := f.now()
	correlationID := uuid.NewString()
	resp := SettleResponse{Network: f.network}

	verified, raw, err := f.verify(ctx, req)
	resp.Payer = verified.Payer
	if err == nil && !f.fees.CanAffordSettlement(ctx) {
		err = apperr.Precondition(ErrFeeReserveTooLow)
	}
	var reference string
	if err == nil {
		reference, err = f.submit(ctx, raw)
	}
	if err != nil {
		resp.ErrorReason = err.Error()
	} else {
		resp.Success = true
		resp.Transaction = reference
	}
	f.finish(ctx, audit.ActionSettle, started, correlationID, req, resp.Payer, reference, err)
	return resp, err
}

func (f *Facilitator) verify(ctx context.Context, req Request) (VerifyResponse, []byte, error) {
	resp := VerifyResponse{}
	if err := f.checkRequest(req); err != nil {
		resp.InvalidReason = err.Error()
		return resp, nil, err
	}
	raw, err := req.PaymentPayload.rawTransaction()
	if err != nil {
		resp.InvalidReason = err.Error()
		return resp, nil, err
	}
	expected, err := req.PaymentRequirements.expected()
	if err != nil {
		resp.InvalidReason = err.Error()
		return resp, nil, err
	}
	feePayer, err := verifier.FeePayer(raw)
	if err != nil {
		resp.InvalidReason = err.Error()
		return resp, nil, err
	}
	if feePayer != f.feePayer.PublicAddress() {
		err := apperr.Verification(fmt.Errorf("%w: %s", ErrFeePayerMismatch, feePayer))
		resp.InvalidReason = err.Error()
		return resp, nil, err
	}

	if err := verifier.CheckSponsorable(raw); err != nil {
		resp.InvalidReason = err.Error()
		return resp, nil, err
	}

	result := f.verifier.SimulateAndVerify(ctx, raw, nil, expected)
	resp.Checks = result
	if result.Transfer != nil {
		resp.Payer = result.Transfer.Authority
		if result.Transfer.Authority == feePayer || result.Transfer.Source == feePayer {
			err := apperr.Verification(ErrFeePayerIsSpender)
			resp.InvalidReason = err.Error()
			return resp, nil, err
		}
	}
	if !result.Success {
		err := result.Err
		if err == nil {
			err = apperr.Verification(ErrVerificationFailed)
		}
		resp.InvalidReason = err.Error()
		return resp, nil, err
	}
	resp.IsValid = true
	return resp, raw, nil
}

func (f *Facilitator) checkRequest(req Request) error {
	payload, reqs := req.PaymentPayload, req.PaymentRequirements
	if payload.X402Version != X402Version {
		return apperr.Validation(fmt.Errorf("%w: x402Version %d", ErrInvalidPayload, payload.X402Version))
	}
	if payload.Scheme != SchemeExact || reqs.Scheme != SchemeExact {
		return apperr.Validation(fmt.Errorf("%w: %q", ErrUnsupportedScheme, payload.Scheme))
	}
	if payload.Network != f.network || reqs.Network != f.network {
		return apperr.Validation(fmt.Errorf("%w: %q", ErrNetworkMismatch, payload.Network))
	}
	for _, addr := range []string{reqs.PayTo, reqs.Asset} {
		if err := chain.ValidateAddress(addr); err != nil {
			return apperr.Validation(fmt.Errorf("%w: %v", ErrInvalidPayload, err))
		}
	}
	return nil
}

func (f *Facilitator) submit(ctx context.Context, raw []byte) (string, error) {
	signed, err := delegation.Cosign(ctx, raw, f.feePayer)
	if err != nil {
		return "", err
	}
	return f.submitter.Submit(ctx, signed)
}

func (f *Facilitator) finish(ctx context.Context, action audit.Action, started time.Time, correlationID string, req Request, payer, reference string, err error) {
	latency := f.now().Sub(started)
	entry := audit.Entry{
		Action:           action,
		Status:           audit.StatusSuccess,
		PayerAddress:     payer,
		RecipientAddress: req.PaymentRequirements.PayTo,
		TokenMint:        req.PaymentRequirements.Asset,
		Network:          f.network,
		GovernanceResult: audit.GovernanceApproved,
		LatencyMs:        latency.Milliseconds(),
		TxSignature:      reference,
	}
	entry.Amount, _ = req.PaymentRequirements.Amount()
	if err != nil {
		entry.Status = audit.StatusFailure
		entry.GovernanceResult = governanceResult(err)
		entry.ErrorReason = err.Error()
		f.metrics.RecordError(apperr.CategoryOf(err))
	}
	f.metrics.RecordOp(string(action), started, err == nil)

	if _, auditErr := f.audit.Log(ctx, entry); auditErr != nil {
		f.logger.Error("audit entry not recorded",
			"component", componentName,
			"operation", string(action),
			"correlation_id", correlationID,
			"error", auditErr.Error(),
		)
	}

	attrs := []any{
		"component", componentName,
		"operation", string(action),
		"correlation_id", correlationID,
		"payer", payer,
		"amount", entry.Amount,
		"mint", entry.TokenMint,
		"latency_ms", entry.LatencyMs,
	}
	if err != nil {
		f.logger.Warn("payment rejected", append(attrs, "category", apperr.CategoryOf(err), "error", err.Error())...)
		return
	}
	if reference != "" {
		attrs = append(attrs, "tx_signature", reference)
	}
	f.logger.Info("payment accepted", attrs...)
}

func governanceResult(err error) string {
	switch {
	case errors.Is(err, ErrFeeReserveTooLow):
		return audit.GovernanceFeeReserveBlocked
	case apperr.CategoryOf(err) == apperr.CategoryValidation, apperr.CategoryOf(err) == apperr.CategoryVerification:
		return audit.GovernanceRejected
	default:
		return audit.GovernanceError
	}
}
