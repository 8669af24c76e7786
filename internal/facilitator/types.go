package facilitator

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/verifier"
)

const (
	X402Version = 1
	SchemeExact = "exact"

	PaymentHeader         = "X-PAYMENT"
	PaymentResponseHeader = "X-PAYMENT-RESPONSE"
)

var (
	ErrInvalidPayload     = errors.New("facilitator: invalid payment payload")
	ErrUnsupportedScheme  = errors.New("facilitator: unsupported scheme")
	ErrNetworkMismatch    = errors.New("facilitator: network mismatch")
	ErrFeePayerMismatch   = errors.New("facilitator: transaction fee payer is not this facilitator")
	ErrFeePayerIsSpender  = errors.New("facilitator: fee payer must not move funds")
	ErrFeeReserveTooLow   = errors.New("facilitator: fee reserve below threshold")
	ErrVerificationFailed = errors.New("facilitator: payment verification failed")
)

// Requirements is what a resource server demands in a 402 challenge. PayTo
// is the recipient token account; MaxAmountRequired is in base units.
type Requirements struct {
	Scheme            string            `json:"scheme"`
	Network           string            `json:"network"`
	MaxAmountRequired string            `json:"maxAmountRequired"`
	Resource          string            `json:"resource,omitempty"`
	Description       string            `json:"description,omitempty"`
	PayTo             string            `json:"payTo"`
	Asset             string            `json:"asset"`
	MaxTimeoutSeconds int               `json:"maxTimeoutSeconds,omitempty"`
	Extra             RequirementsExtra `json:"extra"`
}

type RequirementsExtra struct {
	FeePayer string `json:"feePayer"`
	Decimals uint8  `json:"decimals"`
}

func (r Requirements) Amount() (uint64, error) {
	amount, err := strconv.ParseUint(strings.TrimSpace(r.MaxAmountRequired), 10, 64)
	if err != nil || amount == 0 {
		return 0, apperr.Validation(fmt.Errorf("%w: maxAmountRequired %q", ErrInvalidPayload, r.MaxAmountRequired))
	}
	return amount, nil
}

func (r Requirements) expected() (verifier.Expected, error) {
	amount, err := r.Amount()
	if err != nil {
		return verifier.Expected{}, err
	}
	return verifier.Expected{Recipient: r.PayTo, Amount: amount, TokenMint: r.Asset}, nil
}

// Challenge is the body of a 402 response.
type Challenge struct {
	X402Version int            `json:"x402Version"`
	Accepts     []Requirements `json:"accepts"`
	Error       string         `json:"error,omitempty"`
}

type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// ExactPayload carries the delegate-signed transaction, base64 encoded, with
// the fee payer signature slot left empty.
type ExactPayload struct {
	Transaction string `json:"transaction"`
}

func (p PaymentPayload) rawTransaction() ([]byte, error) {
	encoded := strings.TrimSpace(p.Payload.Transaction)
	if encoded == "" {
		return nil, apperr.Validation(fmt.Errorf("%w: missing transaction", ErrInvalidPayload))
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperr.Validation(fmt.Errorf("%w: transaction is not base64", ErrInvalidPayload))
	}
	return raw, nil
}

// Request is the body accepted by verify and settle.
type Request struct {
	PaymentPayload      PaymentPayload `json:"paymentPayload"`
	PaymentRequirements Requirements   `json:"paymentRequirements"`
}

type VerifyResponse struct {
	IsValid       bool            `json:"isValid"`
	InvalidReason string          `json:"invalidReason,omitempty"`
	Payer         string          `json:"payer,omitempty"`
	Checks        verifier.Result `json:"checks"`
}

type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network"`
	Payer       string `json:"payer,omitempty"`
}

// EncodeHeader and DecodeHeader implement the base64 JSON encoding used by
// the X-PAYMENT and X-PAYMENT-RESPONSE headers.
func EncodeHeader(v any) (string, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

func DecodeHeader(value string, v any) error {
	payload, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return apperr.Validation(fmt.Errorf("%w: header is not base64", ErrInvalidPayload))
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return apperr.Validation(fmt.Errorf("%w: header is not json", ErrInvalidPayload))
	}
	return nil
}
