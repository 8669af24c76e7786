package verifier

import (
	"errors"
	"fmt"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/chain"
)

var (
	ErrForeignInstruction = errors.New("verifier: instruction is not part of a delegated payment")
	ErrFeePayerReferenced = errors.New("verifier: instruction references the fee payer")
	ErrTransferCount      = errors.New("verifier: payment must carry exactly one transfer")
)

// CheckSponsorable reports whether the fee payer of raw can sign it without
// exposing anything beyond the network fee. The message may hold exactly one
// TransferChecked of either token program plus account-free ComputeBudget
// instructions, and no instruction may name the fee payer as an account.
func CheckSponsorable(raw []byte) error {
	msg, err := decodeMessage(raw)
	if err != nil {
		return apperr.Validation(err)
	}
	if len(msg.accountKeys) == 0 {
		return apperr.Validation(fmt.Errorf("%w: no account keys", ErrMalformedTransaction))
	}
	feePayer := msg.accountKeys[0]

	transfers := 0
	for i, inst := range msg.instructions {
		if int(inst.programIndex) >= len(msg.accountKeys) {
			return apperr.Validation(fmt.Errorf("%w: instruction %d program index %d out of range", ErrMalformedTransaction, i, inst.programIndex))
		}
		for _, index := range inst.accounts {
			if int(index) >= len(msg.accountKeys) {
				return apperr.Validation(fmt.Errorf("%w: instruction %d account index %d out of range", ErrMalformedTransaction, i, index))
			}
			if index == 0 || msg.accountKeys[index] == feePayer {
				return apperr.Verification(fmt.Errorf("%w: instruction %d", ErrFeePayerReferenced, i))
			}
		}

		programID := msg.accountKeys[inst.programIndex]
		switch {
		case programID == chain.ComputeBudgetProgramID && len(inst.accounts) == 0:
		case chain.IsTokenProgram(programID) && len(inst.data) >= transferCheckedDataLen && inst.data[0] == transferCheckedOpcode:
			transfers++
		default:
			return apperr.Verification(fmt.Errorf("%w: instruction %d calls %s", ErrForeignInstruction, i, programID))
		}
	}
	if transfers != 1 {
		return apperr.Verification(fmt.Errorf("%w: found %d", ErrTransferCount, transfers))
	}
	return nil
}
