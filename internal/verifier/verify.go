package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/chain"
)

const componentName = "verifier"

// AmountPolicy decides how the transferred amount compares to the expected
// one.
type AmountPolicy int

const (
	// AmountAtLeast accepts overpayment and rejects underpayment.
	AmountAtLeast AmountPolicy = iota
	AmountExact
)

var (
	ErrNoTransfer       = errors.New("verifier: no transfer instruction found")
	ErrSimulationFailed = chain.ErrSimulationFailed
	ErrMismatch         = errors.New("verifier: transfer does not match expectation")
)

type Expected struct {
	Recipient string `json:"recipient"`
	Amount    uint64 `json:"amount"`
	TokenMint string `json:"tokenMint"`
}

// Result reports every check separately so callers can explain a partial
// match. Success requires all three checks and the simulation to pass.
type Result struct {
	Success           bool                    `json:"success"`
	RecipientVerified bool                    `json:"recipientVerified"`
	AmountVerified    bool                    `json:"amountVerified"`
	TokenMintVerified bool                    `json:"tokenMintVerified"`
	Simulated         bool                    `json:"simulated"`
	Transfer          *VerifiedTransfer       `json:"transfer,omitempty"`
	Simulation        *chain.SimulationResult `json:"simulation,omitempty"`
	Error             string                  `json:"error,omitempty"`
	// Err is the categorized cause behind Error.
	Err error `json:"-"`
}

type Options struct {
	AmountPolicy AmountPolicy
	Logger       *slog.Logger
}

type Verifier struct {
	simulator chain.Simulator
	policy    AmountPolicy
	logger    *slog.Logger
}

func New(simulator chain.Simulator, opts Options) *Verifier {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{simulator: simulator, policy: opts.AmountPolicy, logger: logger}
}

// SimulateAndVerify parses raw, dry-runs it and checks the transfer against
// expected. It never returns an error; every failure, transport failures
// included, is reported in the Result.
func (v *Verifier) SimulateAndVerify(ctx context.Context, raw []byte, accountKeys []string, expected Expected) Result {
	transfers, err := ParseTransferInstructions(raw, accountKeys)
	if err != nil {
		return v.fail(Result{}, err)
	}
	if len(transfers) == 0 {
		return v.fail(Result{}, apperr.Verification(ErrNoTransfer))
	}

	transfer := v.bestMatch(transfers, expected)
	result := Result{
		Transfer:          &transfer,
		RecipientVerified: transfer.Destination == expected.Recipient,
		AmountVerified:    v.amountOK(transfer.Amount, expected.Amount),
		TokenMintVerified: transfer.Mint == expected.TokenMint,
	}

	sim, err := v.simulator.Simulate(ctx, raw)
	if err != nil {
		// Reclassify: a simulation that could not run blocks settlement
		// like one that failed.
		return v.fail(result, &apperr.CategorizedError{
			Category: apperr.CategoryVerification,
			Err:      fmt.Errorf("%w: %w", ErrSimulationFailed, err),
		})
	}
	result.Simulated = true
	result.Simulation = &sim
	if !sim.Succeeded() {
		return v.fail(result, chain.SimulationFailure(sim))
	}

	if !result.RecipientVerified || !result.AmountVerified || !result.TokenMintVerified {
		return v.fail(result, apperr.Verification(fmt.Errorf("%w: %s", ErrMismatch, mismatchDetail(result, transfer, expected))))
	}
	result.Success = true
	return result
}

func (v *Verifier) amountOK(got, want uint64) bool {
	if v.policy == AmountExact {
		return got == want
	}
	return got >= want
}

// bestMatch picks the transfer passing the most checks; ties go to the
// earliest instruction.
func (v *Verifier) bestMatch(transfers []VerifiedTransfer, expected Expected) VerifiedTransfer {
	best, bestScore := transfers[0], -1
	for _, t := range transfers {
		score := 0
		if t.Destination == expected.Recipient {
			score++
		}
		if v.amountOK(t.Amount, expected.Amount) {
			score++
		}
		if t.Mint == expected.TokenMint {
			score++
		}
		if score > bestScore {
			best, bestScore = t, score
		}
	}
	return best
}

func mismatchDetail(r Result, t VerifiedTransfer, expected Expected) string {
	var parts []string
	if !r.RecipientVerified {
		parts = append(parts, fmt.Sprintf("recipient %s != %s", t.Destination, expected.Recipient))
	}
	if !r.AmountVerified {
		parts = append(parts, fmt.Sprintf("amount %d vs expected %d", t.Amount, expected.Amount))
	}
	if !r.TokenMintVerified {
		parts = append(parts, fmt.Sprintf("mint %s != %s", t.Mint, expected.TokenMint))
	}
	return strings.Join(parts, "; ")
}

func (v *Verifier) fail(r Result, err error) Result {
	r.Success = false
	r.Err = err
	r.Error = err.Error()
	v.logger.Info("transaction verification failed",
		"component", componentName,
		"operation", "simulate_and_verify",
		"category", apperr.CategoryOf(err),
		"recipient_verified", r.RecipientVerified,
		"amount_verified", r.AmountVerified,
		"mint_verified", r.TokenMintVerified,
		"error", r.Error,
	)
	return r
}
