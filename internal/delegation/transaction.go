package delegation

import (
	"context"
	"fmt"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/chain"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/token"
)

// Signer is the part of the custody capability the manager needs.
type Signer interface {
	PublicAddress() string
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// UnsignedMessage is a serialized transaction whose signature slots are
// still empty, together with the anchor that bounds its validity.
type UnsignedMessage struct {
	Transaction []byte       `json:"transaction"`
	Message     []byte       `json:"message"`
	Signers     []string     `json:"signers"`
	Anchor      chain.Anchor `json:"anchor"`
}

func approveChecked(programID string, amount uint64, decimals uint8, source, mint, delegate, owner solana.PublicKey) (solana.Instruction, error) {
	built, err := token.NewApproveCheckedInstruction(amount, decimals, source, mint, delegate, owner, nil).ValidateAndBuild()
	if err != nil {
		return nil, err
	}
	return forProgram(programID, built)
}

func transferChecked(programID string, amount uint64, decimals uint8, source, mint, destination, authority solana.PublicKey) (solana.Instruction, error) {
	built, err := token.NewTransferCheckedInstruction(amount, decimals, source, mint, destination, authority, nil).ValidateAndBuild()
	if err != nil {
		return nil, err
	}
	return forProgram(programID, built)
}

func revoke(programID string, source, owner solana.PublicKey) (solana.Instruction, error) {
	built, err := token.NewRevokeInstruction(source, owner, nil).ValidateAndBuild()
	if err != nil {
		return nil, err
	}
	return forProgram(programID, built)
}

// forProgram re-targets a token instruction at the program that owns the
// account. Both token programs share the instruction layout.
func forProgram(programID string, inst *token.Instruction) (solana.Instruction, error) {
	program, err := solana.PublicKeyFromBase58(programID)
	if err != nil {
		return nil, err
	}
	data, err := inst.Data()
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(program, inst.Accounts(), data), nil
}

func buildTransaction(inst solana.Instruction, feePayer solana.PublicKey, anchor chain.Anchor) (*solana.Transaction, error) {
	hash, err := solana.HashFromBase58(anchor.Blockhash)
	if err != nil {
		return nil, apperr.Integrity(fmt.Errorf("anchor blockhash %q: %w", anchor.Blockhash, err))
	}
	tx, err := solana.NewTransaction([]solana.Instruction{inst}, hash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, err
	}
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)
	return tx, nil
}

func unsignedMessage(tx *solana.Transaction, anchor chain.Anchor) (*UnsignedMessage, error) {
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return nil, err
	}
	raw, err := tx.MarshalBinary()
	if err != nil {
		return nil, err
	}
	signers := make([]string, 0, tx.Message.Header.NumRequiredSignatures)
	for _, key := range tx.Message.AccountKeys[:tx.Message.Header.NumRequiredSignatures] {
		signers = append(signers, key.String())
	}
	return &UnsignedMessage{
		Transaction: raw,
		Message:     message,
		Signers:     signers,
		Anchor:      anchor,
	}, nil
}

// signInto fills the signature slot that belongs to s.
func signInto(ctx context.Context, tx *solana.Transaction, s Signer) error {
	signerKey, err := solana.PublicKeyFromBase58(s.PublicAddress())
	if err != nil {
		return apperr.Validation(fmt.Errorf("%w: signer %q", ErrInvalidAddress, s.PublicAddress()))
	}
	required := int(tx.Message.Header.NumRequiredSignatures)
	slot := -1
	for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
		if tx.Message.AccountKeys[i].Equals(signerKey) {
			slot = i
			break
		}
	}
	if slot < 0 {
		return apperr.Validation(fmt.Errorf("%w: %s", ErrSignerNotRequired, signerKey))
	}
	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return err
	}
	signature, err := s.Sign(ctx, message)
	if err != nil {
		return err
	}
	if len(signature) != len(solana.Signature{}) {
		return apperr.Integrity(fmt.Errorf("signer returned %d byte signature", len(signature)))
	}
	if len(tx.Signatures) != required {
		signatures := make([]solana.Signature, required)
		copy(signatures, tx.Signatures)
		tx.Signatures = signatures
	}
	copy(tx.Signatures[slot][:], signature)
	return nil
}

func signatureOf(tx *solana.Transaction, address string) string {
	required := int(tx.Message.Header.NumRequiredSignatures)
	for i := 0; i < required && i < len(tx.Message.AccountKeys) && i < len(tx.Signatures); i++ {
		if tx.Message.AccountKeys[i].String() == address {
			return tx.Signatures[i].String()
		}
	}
	return ""
}

// Cosign adds s's signature to a serialized transaction, leaving the other
// slots as they are. The facilitator uses it to sign as fee payer.
func Cosign(ctx context.Context, rawTx []byte, s Signer) ([]byte, error) {
	if s == nil {
		return nil, apperr.Validation(ErrMissingSigner)
	}
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(rawTx))
	if err != nil {
		return nil, apperr.Validation(fmt.Errorf("decode transaction: %w", err))
	}
	if err := signInto(ctx, tx, s); err != nil {
		return nil, err
	}
	return tx.MarshalBinary()
}
