// Package payfix sets up a delegated token account on a fake ledger and
// builds delegate-signed payments against it.
package payfix

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"

	"agentspend/go-backend/internal/chain"
	"agentspend/go-backend/internal/delegation"
	"agentspend/go-backend/internal/keystore"
	"agentspend/go-backend/internal/testutil/chainfake"
)

const Decimals = 6

type Fixture struct {
	Ledger   *chainfake.Ledger
	Manager  *delegation.Manager
	Owner    string
	Account  string
	Mint     string
	PayTo    string
	Delegate *keystore.LocalSigner
	FeePayer *keystore.LocalSigner
}

func NewAddress() string {
	return solana.NewWallet().PublicKey().String()
}

func NewSigner(t testing.TB) *keystore.LocalSigner {
	t.Helper()
	_, raw, err := keystore.Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	s, err := keystore.NewLocalSigner(raw)
	if err != nil {
		t.Fatalf("signer failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// New delegates remaining units of a fresh account to a fresh agent key.
// The fee payer starts with one SOL.
func New(t testing.TB, remaining uint64) *Fixture {
	t.Helper()
	f := &Fixture{
		Ledger:   chainfake.New(),
		Owner:    NewAddress(),
		Account:  NewAddress(),
		Mint:     NewAddress(),
		PayTo:    NewAddress(),
		Delegate: NewSigner(t),
		FeePayer: NewSigner(t),
	}
	f.Ledger.PutAccount(chain.TokenAccount{
		Address:         f.Account,
		ProgramID:       chain.TokenProgramID,
		Mint:            f.Mint,
		Owner:           f.Owner,
		Amount:          1_000_000_000,
		Delegate:        chain.SomeDelegate(f.Delegate.PublicAddress()),
		DelegatedAmount: remaining,
	})
	f.Ledger.SetBalance(f.FeePayer.PublicAddress(), 1_000_000_000)
	f.Manager = delegation.NewManager(f.Ledger, delegation.Options{})
	return f
}

func (f *Fixture) SpendRequest(amount uint64, destination string) delegation.SpendRequest {
	return delegation.SpendRequest{
		Delegate:        f.Delegate,
		Source:          f.Account,
		Destination:     destination,
		AssetID:         f.Mint,
		Amount:          amount,
		Decimals:        Decimals,
		FeePayerAddress: f.FeePayer.PublicAddress(),
	}
}

// Payment returns a delegate-signed transfer of amount to destination with
// the fee payer slot left empty.
func (f *Fixture) Payment(t testing.TB, amount uint64, destination string) []byte {
	t.Helper()
	partial, err := f.Manager.BuildSpend(context.Background(), f.SpendRequest(amount, destination))
	if err != nil {
		t.Fatalf("build spend failed: %v", err)
	}
	return partial.Transaction
}

// Transfer returns a TransferChecked of amount from source to destination
// under authority, on the legacy token program.
func (f *Fixture) Transfer(t testing.TB, amount uint64, source, destination, authority string) solana.Instruction {
	t.Helper()
	inst, err := token.NewTransferCheckedInstruction(
		amount, Decimals,
		solana.MustPublicKeyFromBase58(source),
		solana.MustPublicKeyFromBase58(f.Mint),
		solana.MustPublicKeyFromBase58(destination),
		solana.MustPublicKeyFromBase58(authority),
		nil,
	).ValidateAndBuild()
	if err != nil {
		t.Fatalf("transfer instruction failed: %v", err)
	}
	return inst
}

// Crafted assembles instructions into a transaction paid by the fixture's
// fee payer, signed only by the delegate.
func (f *Fixture) Crafted(t testing.TB, instructions ...solana.Instruction) []byte {
	t.Helper()
	ctx := context.Background()
	anchor, err := f.Ledger.LatestAnchor(ctx)
	if err != nil {
		t.Fatalf("anchor failed: %v", err)
	}
	tx, err := solana.NewTransaction(instructions, solana.MustHashFromBase58(anchor.Blockhash),
		solana.TransactionPayer(solana.MustPublicKeyFromBase58(f.FeePayer.PublicAddress())))
	if err != nil {
		t.Fatalf("transaction failed: %v", err)
	}
	required := int(tx.Message.Header.NumRequiredSignatures)
	tx.Signatures = make([]solana.Signature, required)
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal message failed: %v", err)
	}
	for i, key := range tx.Message.AccountKeys[:required] {
		if key.String() != f.Delegate.PublicAddress() {
			continue
		}
		signature, err := f.Delegate.Sign(ctx, message)
		if err != nil {
			t.Fatalf("sign failed: %v", err)
		}
		copy(tx.Signatures[i][:], signature)
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return raw
}
