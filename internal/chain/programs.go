package chain

import (
	"fmt"
	"strings"

	"github.com/mr-tron/base58/base58"
)

// Token program variants accepted for delegated transfers.
const (
	TokenProgramID     = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	Token2022ProgramID = "TokenzQdBNbLqP5VEhdkAS6EPFLC1PHnBqCXEpPxuEb"
)

// ComputeBudgetProgramID sets compute unit limits and priority fees.
const ComputeBudgetProgramID = "ComputeBudget111111111111111111111111111111"

const AddressSize = 32

func IsTokenProgram(programID string) bool {
	return programID == TokenProgramID || programID == Token2022ProgramID
}

// ValidateAddress checks that s is a base58 encoding of a 32-byte key.
func ValidateAddress(s string) error {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" || trimmed != s {
		return fmt.Errorf("address %q is empty or padded", s)
	}
	decoded, err := base58.Decode(s)
	if err != nil {
		return fmt.Errorf("address %q is not base58: %w", s, err)
	}
	if len(decoded) != AddressSize {
		return fmt.Errorf("address %q decodes to %d bytes", s, len(decoded))
	}
	return nil
}
