package facilitator

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"strconv"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/audit"
	"agentspend/go-backend/internal/chain"
	"agentspend/go-backend/internal/feereserve"
	"agentspend/go-backend/internal/testutil/payfix"
	"agentspend/go-backend/internal/verifier"
)

const testNetwork = "solana-devnet"

type harness struct {
	fix  *payfix.Fixture
	fac  *Facilitator
	mem  *audit.MemorySink
	fees *feereserve.Monitor
}

func newHarness(t *testing.T, remaining uint64) *harness {
	t.Helper()
	fix := payfix.New(t, remaining)
	fees, err := feereserve.New(fix.Ledger, fix.FeePayer.PublicAddress(), feereserve.Options{AlertThreshold: 10_000_000})
	if err != nil {
		t.Fatalf("fee monitor failed: %v", err)
	}
	mem := audit.NewMemorySink()
	fac, err := New(verifier.New(fix.Ledger, verifier.Options{}), fix.Ledger, fix.FeePayer, fees, audit.New(audit.Options{}, mem), Options{Network: testNetwork})
	if err != nil {
		t.Fatalf("facilitator failed: %v", err)
	}
	return &harness{fix: fix, fac: fac, mem: mem, fees: fees}
}

func (h *harness) request(raw []byte, amount uint64) Request {
	return Request{
		PaymentPayload: PaymentPayload{
			X402Version: X402Version,
			Scheme:      SchemeExact,
			Network:     testNetwork,
			Payload:     ExactPayload{Transaction: base64.StdEncoding.EncodeToString(raw)},
		},
		PaymentRequirements: Requirements{
			Scheme:            SchemeExact,
			Network:           testNetwork,
			MaxAmountRequired: strconv.FormatUint(amount, 10),
			PayTo:             h.fix.PayTo,
			Asset:             h.fix.Mint,
			Extra:             RequirementsExtra{FeePayer: h.fix.FeePayer.PublicAddress(), Decimals: payfix.Decimals},
		},
	}
}

func (h *harness) onlyEntry(t *testing.T) audit.Entry {
	t.Helper()
	entries := h.mem.Entries()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one audit entry, got %d", len(entries))
	}
	return entries[0]
}

func TestSettleCosignsAndSubmits(t *testing.T) {
	h := newHarness(t, 5_000_000)
	raw := h.fix.Payment(t, 1_000_000, h.fix.PayTo)

	resp, err := h.fac.Settle(context.Background(), h.request(raw, 1_000_000))
	if err != nil {
		t.Fatalf("settle failed: %v", err)
	}
	if !resp.Success || resp.Transaction != h.fix.Ledger.Reference || resp.Payer != h.fix.Delegate.PublicAddress() {
		t.Fatalf("unexpected response %+v", resp)
	}

	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(h.fix.Ledger.LastSubmitted()))
	if err != nil {
		t.Fatalf("decode submitted: %v", err)
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal message: %v", err)
	}
	for i, key := range tx.Message.AccountKeys[:tx.Message.Header.NumRequiredSignatures] {
		if !ed25519.Verify(ed25519.PublicKey(key[:]), message, tx.Signatures[i][:]) {
			t.Fatalf("signature %d of submitted transaction does not verify", i)
		}
	}

	entry := h.onlyEntry(t)
	if entry.Action != audit.ActionSettle || entry.Status != audit.StatusSuccess || entry.GovernanceResult != audit.GovernanceApproved {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
	if entry.TxSignature != resp.Transaction || entry.Amount != 1_000_000 || entry.Network != testNetwork {
		t.Fatalf("audit entry missing settlement details: %+v", entry)
	}
}

func TestVerifyReportsRecipientMismatch(t *testing.T) {
	h := newHarness(t, 5_000_000)
	raw := h.fix.Payment(t, 1_000_000, payfix.NewAddress())

	resp, err := h.fac.Verify(context.Background(), h.request(raw, 1_000_000))
	if !errors.Is(err, verifier.ErrMismatch) {
		t.Fatalf("expected ErrMismatch, got %v", err)
	}
	if apperr.CategoryOf(err) != apperr.CategoryVerification {
		t.Fatalf("expected verification category, got %s", apperr.CategoryOf(err))
	}
	if resp.IsValid || resp.Checks.RecipientVerified || !resp.Checks.AmountVerified || !resp.Checks.TokenMintVerified {
		t.Fatalf("unexpected checks %+v", resp.Checks)
	}
	if resp.InvalidReason == "" {
		t.Fatal("expected an invalid reason")
	}
	entry := h.onlyEntry(t)
	if entry.Action != audit.ActionVerify || entry.Status != audit.StatusFailure || entry.GovernanceResult != audit.GovernanceRejected {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
	if _, _, submissions := h.fix.Ledger.Counts(); submissions != 0 {
		t.Fatal("verify must never submit")
	}
}

func TestSettleRefusesUnderpayment(t *testing.T) {
	h := newHarness(t, 5_000_000)
	raw := h.fix.Payment(t, 999_999, h.fix.PayTo)
	resp, err := h.fac.Settle(context.Background(), h.request(raw, 1_000_000))
	if !errors.Is(err, verifier.ErrMismatch) || resp.Success {
		t.Fatalf("expected mismatch, got %v %+v", err, resp)
	}
	if _, _, submissions := h.fix.Ledger.Counts(); submissions != 0 {
		t.Fatal("underpayment must not be submitted")
	}
}

func TestSettleBlockedByLowFeeReserve(t *testing.T) {
	h := newHarness(t, 5_000_000)
	h.fix.Ledger.SetBalance(h.fix.FeePayer.PublicAddress(), 1_000)
	raw := h.fix.Payment(t, 1_000_000, h.fix.PayTo)

	_, err := h.fac.Settle(context.Background(), h.request(raw, 1_000_000))
	if !errors.Is(err, ErrFeeReserveTooLow) {
		t.Fatalf("expected ErrFeeReserveTooLow, got %v", err)
	}
	if apperr.CategoryOf(err) != apperr.CategoryPrecondition {
		t.Fatalf("expected precondition category, got %s", apperr.CategoryOf(err))
	}
	if entry := h.onlyEntry(t); entry.GovernanceResult != audit.GovernanceFeeReserveBlocked {
		t.Fatalf("unexpected governance result %q", entry.GovernanceResult)
	}
	if _, _, submissions := h.fix.Ledger.Counts(); submissions != 0 {
		t.Fatal("blocked settlement must not be submitted")
	}
}

func TestSettleProceedsWhenFeeReserveUnreadable(t *testing.T) {
	h := newHarness(t, 5_000_000)
	raw := h.fix.Payment(t, 1_000_000, h.fix.PayTo)
	h.fix.Ledger.SetBalanceErr(errors.New("rpc timeout"))

	resp, err := h.fac.Settle(context.Background(), h.request(raw, 1_000_000))
	if err != nil || !resp.Success {
		t.Fatalf("expected fail-open settlement, got %v %+v", err, resp)
	}
}

func TestSettleRejectsForeignFeePayer(t *testing.T) {
	h := newHarness(t, 5_000_000)
	req := h.fix.SpendRequest(1_000_000, h.fix.PayTo)
	req.FeePayerAddress = payfix.NewAddress()
	partial, err := h.fix.Manager.BuildSpend(context.Background(), req)
	if err != nil {
		t.Fatalf("build spend failed: %v", err)
	}
	_, err = h.fac.Settle(context.Background(), h.request(partial.Transaction, 1_000_000))
	if !errors.Is(err, ErrFeePayerMismatch) {
		t.Fatalf("expected ErrFeePayerMismatch, got %v", err)
	}
	if _, simulations, _ := h.fix.Ledger.Counts(); simulations != 0 {
		t.Fatal("foreign fee payer must be rejected before simulation")
	}
}

func TestSettleRefusesToSignFeePayerDrains(t *testing.T) {
	cases := map[string]func(h *harness) solana.Instruction{
		"system transfer out of the fee payer": func(h *harness) solana.Instruction {
			return system.NewTransferInstruction(
				900_000_000,
				solana.MustPublicKeyFromBase58(h.fix.FeePayer.PublicAddress()),
				solana.MustPublicKeyFromBase58(payfix.NewAddress()),
			).Build()
		},
		"second transfer under the fee payer": func(h *harness) solana.Instruction {
			return h.fix.Transfer(t, 5_000_000, payfix.NewAddress(), payfix.NewAddress(), h.fix.FeePayer.PublicAddress())
		},
	}
	for name, extra := range cases {
		h := newHarness(t, 5_000_000)
		payment := h.fix.Transfer(t, 1_000_000, h.fix.Account, h.fix.PayTo, h.fix.Delegate.PublicAddress())
		raw := h.fix.Crafted(t, payment, extra(h))

		resp, err := h.fac.Settle(context.Background(), h.request(raw, 1_000_000))
		if !errors.Is(err, verifier.ErrFeePayerReferenced) || resp.Success {
			t.Fatalf("%s: expected ErrFeePayerReferenced, got %v %+v", name, err, resp)
		}
		if _, simulations, submissions := h.fix.Ledger.Counts(); simulations != 0 || submissions != 0 {
			t.Fatalf("%s: drain reached the chain (simulations=%d submissions=%d)", name, simulations, submissions)
		}
		if entry := h.onlyEntry(t); entry.GovernanceResult != audit.GovernanceRejected {
			t.Fatalf("%s: unexpected audit entry %+v", name, entry)
		}
	}
}

func TestVerifyRejectsSecondDelegatedTransfer(t *testing.T) {
	h := newHarness(t, 5_000_000)
	delegate := h.fix.Delegate.PublicAddress()
	raw := h.fix.Crafted(t,
		h.fix.Transfer(t, 1_000_000, h.fix.Account, h.fix.PayTo, delegate),
		h.fix.Transfer(t, 1_000_000, h.fix.Account, payfix.NewAddress(), delegate),
	)
	if _, err := h.fac.Verify(context.Background(), h.request(raw, 1_000_000)); !errors.Is(err, verifier.ErrTransferCount) {
		t.Fatalf("expected ErrTransferCount, got %v", err)
	}
}

func TestSettleSimulationFailureBlocksSubmission(t *testing.T) {
	h := newHarness(t, 5_000_000)
	raw := h.fix.Payment(t, 1_000_000, h.fix.PayTo)
	h.fix.Ledger.SetSimulation(chain.SimulationResult{Err: map[string]any{"InstructionError": []any{0, "InsufficientFunds"}}})

	_, err := h.fac.Settle(context.Background(), h.request(raw, 1_000_000))
	if !errors.Is(err, chain.ErrSimulationFailed) {
		t.Fatalf("expected ErrSimulationFailed, got %v", err)
	}
	if _, _, submissions := h.fix.Ledger.Counts(); submissions != 0 {
		t.Fatal("failed simulation must not be submitted")
	}
}

func TestSettleSubmitFailureIsAuditedAsError(t *testing.T) {
	h := newHarness(t, 5_000_000)
	raw := h.fix.Payment(t, 1_000_000, h.fix.PayTo)
	h.fix.Ledger.SetSubmitErr(errors.New("node unavailable"))

	resp, err := h.fac.Settle(context.Background(), h.request(raw, 1_000_000))
	if !errors.Is(err, chain.ErrRPC) || resp.Success {
		t.Fatalf("expected transport failure, got %v %+v", err, resp)
	}
	entry := h.onlyEntry(t)
	if entry.Status != audit.StatusFailure || entry.GovernanceResult != audit.GovernanceError || entry.ErrorReason == "" {
		t.Fatalf("unexpected audit entry %+v", entry)
	}
}

func TestRequestValidation(t *testing.T) {
	h := newHarness(t, 5_000_000)
	raw := h.fix.Payment(t, 1_000_000, h.fix.PayTo)
	cases := map[string]struct {
		mutate func(*Request)
		want   error
	}{
		"version":     {func(r *Request) { r.PaymentPayload.X402Version = 2 }, ErrInvalidPayload},
		"scheme":      {func(r *Request) { r.PaymentPayload.Scheme = "upto" }, ErrUnsupportedScheme},
		"network":     {func(r *Request) { r.PaymentRequirements.Network = "solana" }, ErrNetworkMismatch},
		"payTo":       {func(r *Request) { r.PaymentRequirements.PayTo = "nope" }, ErrInvalidPayload},
		"amount":      {func(r *Request) { r.PaymentRequirements.MaxAmountRequired = "0" }, ErrInvalidPayload},
		"base64":      {func(r *Request) { r.PaymentPayload.Payload.Transaction = "%%%" }, ErrInvalidPayload},
		"transaction": {func(r *Request) { r.PaymentPayload.Payload.Transaction = "" }, ErrInvalidPayload},
	}
	for name, tc := range cases {
		req := h.request(raw, 1_000_000)
		tc.mutate(&req)
		_, err := h.fac.Verify(context.Background(), req)
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", name, tc.want, err)
		}
		if apperr.CategoryOf(err) != apperr.CategoryValidation {
			t.Fatalf("%s: expected validation category", name)
		}
	}
	if got := len(h.mem.Entries()); got != len(cases) {
		t.Fatalf("expected one audit entry per attempt, got %d", got)
	}
}

func TestHeaderEncoding(t *testing.T) {
	want := SettleResponse{Success: true, Transaction: "abc", Network: testNetwork}
	encoded, err := EncodeHeader(want)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	var got SettleResponse
	if err := DecodeHeader(encoded, &got); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if got != want {
		t.Fatalf("got %+v", got)
	}
	if err := DecodeHeader("not base64!", &got); !errors.Is(err, ErrInvalidPayload) {
		t.Fatalf("expected ErrInvalidPayload, got %v", err)
	}
}
