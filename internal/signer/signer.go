// Package signer exposes the agent signing capability. The backend is picked
// once, from configuration, when the signer is opened.
package signer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/keystore"
)

type Backend string

const (
	BackendLocal   Backend = "local"
	BackendEnclave Backend = "enclave"
)

var (
	ErrUnknownBackend   = errors.New("signer: unknown backend")
	ErrMissingConfig    = errors.New("signer: configuration incomplete")
	ErrAddressMismatch  = errors.New("signer: enclave key address mismatch")
	ErrBadSignature     = errors.New("signer: enclave returned an invalid signature")
	ErrEnclaveRejected  = errors.New("signer: enclave rejected the request")
	ErrEnclaveMalformed = errors.New("signer: enclave response is malformed")
)

// Signer is implemented by every custody backend.
type Signer interface {
	PublicAddress() string
	Sign(ctx context.Context, message []byte) ([]byte, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

type Config struct {
	Backend Backend

	// local
	KeyPath    string
	Passphrase string
	KDF        keystore.KDFParams

	// enclave
	EnclaveURL   string
	EnclaveKeyID string
	EnclaveToken string
	HTTPClient   *http.Client
	// ExpectedAddress pins the enclave key; empty accepts whatever the enclave reports.
	ExpectedAddress string
}

// Open builds the signer selected by cfg.Backend. An empty backend means local.
func Open(ctx context.Context, cfg Config) (Signer, error) {
	backend := Backend(strings.ToLower(strings.TrimSpace(string(cfg.Backend))))
	switch backend {
	case "", BackendLocal:
		if strings.TrimSpace(cfg.KeyPath) == "" {
			return nil, apperr.Validation(fmt.Errorf("%w: key path is required", ErrMissingConfig))
		}
		kdf := cfg.KDF
		if kdf == (keystore.KDFParams{}) {
			kdf = keystore.DefaultKDFParams()
		}
		local, err := keystore.NewFileStore(kdf).Load(cfg.KeyPath, cfg.Passphrase)
		if err != nil {
			return nil, err
		}
		return local, nil
	case BackendEnclave:
		enclave, err := NewEnclaveSigner(ctx, EnclaveOptions{
			BaseURL:         cfg.EnclaveURL,
			KeyID:           cfg.EnclaveKeyID,
			Token:           cfg.EnclaveToken,
			HTTPClient:      cfg.HTTPClient,
			ExpectedAddress: cfg.ExpectedAddress,
		})
		if err != nil {
			return nil, err
		}
		return enclave, nil
	default:
		return nil, apperr.Validation(fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend))
	}
}
