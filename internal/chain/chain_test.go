package chain

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"agentspend/go-backend/internal/apperr"
)

func TestTransportErrorMatchesRPCAndCause(t *testing.T) {
	err := Transport("getBalance", context.DeadlineExceeded)
	if !errors.Is(err, ErrRPC) {
		t.Fatal("expected errors.Is(err, ErrRPC)")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatal("expected cause to be preserved")
	}
	if errors.Is(err, ErrAccountNotFound) {
		t.Fatal("transport failure must not look like not-found")
	}
	if apperr.CategoryOf(err) != apperr.CategoryTransport {
		t.Fatalf("unexpected category %q", apperr.CategoryOf(err))
	}
	var te *TransportError
	if !errors.As(err, &te) || te.Op != "getBalance" {
		t.Fatalf("expected TransportError with op, got %v", err)
	}
	if Transport("x", nil) != nil {
		t.Fatal("nil cause must stay nil")
	}
}

func TestDelegateOption(t *testing.T) {
	none := NoDelegate()
	if none.IsSome() || none.Is("") || none.String() != "None" {
		t.Fatalf("unexpected none option: %v", none)
	}
	some := SomeDelegate(TokenProgramID)
	addr, ok := some.Get()
	if !ok || addr != TokenProgramID || !some.Is(TokenProgramID) || some.Is(Token2022ProgramID) {
		t.Fatalf("unexpected some option: %v", some)
	}
}

func TestValidateAddress(t *testing.T) {
	cases := map[string]bool{
		TokenProgramID:                     true,
		"11111111111111111111111111111111": true,
		"":                                 false,
		" " + TokenProgramID:               false,
		"0OIl":                             false,
		"3yZe7d":                           false,
	}
	for in, ok := range cases {
		if err := ValidateAddress(in); (err == nil) != ok {
			t.Fatalf("ValidateAddress(%q) err=%v, want ok=%v", in, err, ok)
		}
	}
}

func TestSimulationFailureCarriesDetail(t *testing.T) {
	err := SimulationFailure(SimulationResult{
		Err:  map[string]any{"InstructionError": []any{0, "InsufficientFunds"}},
		Logs: []string{"Program log: insufficient funds"},
	})
	if !errors.Is(err, ErrSimulationFailed) {
		t.Fatalf("expected ErrSimulationFailed, got %v", err)
	}
	var simErr *SimulationError
	if !errors.As(err, &simErr) || len(simErr.Logs) != 1 {
		t.Fatalf("expected structured detail, got %v", err)
	}
	if apperr.CategoryOf(err) != apperr.CategoryVerification {
		t.Fatalf("unexpected category %q", apperr.CategoryOf(err))
	}
	if want := `chain: simulation failed: {"InstructionError":[0,"InsufficientFunds"]}`; err.Error() != want {
		t.Fatalf("unexpected message %q", err.Error())
	}
}

func TestDelegateOptionJSON(t *testing.T) {
	type wrapper struct {
		Delegate DelegateOption `json:"delegate"`
	}
	for _, in := range []DelegateOption{NoDelegate(), SomeDelegate(TokenProgramID)} {
		payload, err := json.Marshal(wrapper{Delegate: in})
		if err != nil {
			t.Fatalf("marshal failed: %v", err)
		}
		var out wrapper
		if err := json.Unmarshal(payload, &out); err != nil {
			t.Fatalf("unmarshal failed: %v", err)
		}
		if out.Delegate != in {
			t.Fatalf("option changed across json: %v -> %v (%s)", in, out.Delegate, payload)
		}
	}
}
