package chain

import (
	"encoding/json"
	"errors"
	"fmt"

	"agentspend/go-backend/internal/apperr"
)

var (
	ErrRPC             = errors.New("chain: rpc transport failure")
	ErrAccountNotFound = errors.New("chain: account not found")
	ErrNotTokenAccount = errors.New("chain: account is not a token account")
)

// TransportError wraps a failed call to the ledger node. errors.Is matches
// ErrRPC and the underlying cause.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("chain %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) Is(target error) bool {
	return target == ErrRPC
}

// Transport classifies err as a transport failure of op.
func Transport(op string, err error) error {
	if err == nil {
		return nil
	}
	return apperr.Transport(&TransportError{Op: op, Err: err})
}

var ErrSimulationFailed = errors.New("chain: simulation failed")

// SimulationError carries the ledger's structured error from a failed dry run.
type SimulationError struct {
	Detail any
	Logs   []string
}

func (e *SimulationError) Error() string {
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Sprintf("%v: %v", ErrSimulationFailed, e.Detail)
	}
	return fmt.Sprintf("%v: %s", ErrSimulationFailed, detail)
}

func (e *SimulationError) Unwrap() error {
	return ErrSimulationFailed
}

// SimulationFailure classifies a failed dry run as a verification failure.
func SimulationFailure(result SimulationResult) error {
	return apperr.Verification(&SimulationError{Detail: result.Err, Logs: result.Logs})
}
