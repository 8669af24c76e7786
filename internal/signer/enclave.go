package signer

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/keystore"

	"github.com/mr-tron/base58/base58"
)

const maxEnclaveResponse = 64 << 10

type EnclaveOptions struct {
	BaseURL         string
	KeyID           string
	Token           string
	HTTPClient      *http.Client
	ExpectedAddress string
}

// EnclaveSigner signs through a remote signing enclave. The secret key never
// enters this process; every signature is checked against the enclave's
// published public key before it is returned.
type EnclaveSigner struct {
	baseURL    string
	keyID      string
	token      string
	httpClient *http.Client
	address    string
	public     ed25519.PublicKey
	closed     atomic.Bool
}

type keyInfoResponse struct {
	KeyID   string `json:"keyId"`
	Address string `json:"address"`
}

type signRequest struct {
	Message string `json:"message"`
}

type signResponse struct {
	Signature string `json:"signature"`
}

// NewEnclaveSigner resolves the enclave key's public address. It fails when
// the enclave is unreachable or reports an address other than the pinned one.
func NewEnclaveSigner(ctx context.Context, opts EnclaveOptions) (*EnclaveSigner, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	keyID := strings.TrimSpace(opts.KeyID)
	if baseURL == "" || keyID == "" {
		return nil, apperr.Validation(fmt.Errorf("%w: enclave url and key id are required", ErrMissingConfig))
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	s := &EnclaveSigner{
		baseURL:    baseURL,
		keyID:      keyID,
		token:      opts.Token,
		httpClient: client,
	}
	info, err := s.keyInfo(ctx)
	if err != nil {
		return nil, err
	}
	public, err := base58.Decode(info.Address)
	if err != nil || len(public) != ed25519.PublicKeySize {
		return nil, apperr.Integrity(fmt.Errorf("%w: address %q", ErrEnclaveMalformed, info.Address))
	}
	if pinned := strings.TrimSpace(opts.ExpectedAddress); pinned != "" && pinned != info.Address {
		return nil, apperr.Integrity(fmt.Errorf("%w: want %s got %s", ErrAddressMismatch, pinned, info.Address))
	}
	s.address = info.Address
	s.public = ed25519.PublicKey(public)
	return s, nil
}

func (s *EnclaveSigner) PublicAddress() string {
	return s.address
}

func (s *EnclaveSigner) Sign(ctx context.Context, message []byte) ([]byte, error) {
	if s.closed.Load() {
		return nil, keystore.ErrSignerClosed
	}
	var out signResponse
	req := signRequest{Message: base64.StdEncoding.EncodeToString(message)}
	if err := s.do(ctx, http.MethodPost, s.keyPath()+"/sign", req, &out); err != nil {
		return nil, err
	}
	signature, err := base64.StdEncoding.DecodeString(out.Signature)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return nil, apperr.Integrity(ErrBadSignature)
	}
	if !ed25519.Verify(s.public, message, signature) {
		return nil, apperr.Integrity(fmt.Errorf("%w: does not verify against %s", ErrBadSignature, s.address))
	}
	return signature, nil
}

// HealthCheck confirms the enclave is reachable and still serves the same key.
func (s *EnclaveSigner) HealthCheck(ctx context.Context) error {
	if s.closed.Load() {
		return keystore.ErrSignerClosed
	}
	info, err := s.keyInfo(ctx)
	if err != nil {
		return err
	}
	if info.Address != s.address {
		return apperr.Integrity(fmt.Errorf("%w: want %s got %s", ErrAddressMismatch, s.address, info.Address))
	}
	return nil
}

func (s *EnclaveSigner) Close() error {
	s.closed.Store(true)
	return nil
}

func (s *EnclaveSigner) keyPath() string {
	return "/v1/keys/" + url.PathEscape(s.keyID)
}

func (s *EnclaveSigner) keyInfo(ctx context.Context) (keyInfoResponse, error) {
	var info keyInfoResponse
	if err := s.do(ctx, http.MethodGet, s.keyPath(), nil, &info); err != nil {
		return keyInfoResponse{}, err
	}
	return info, nil
}

func (s *EnclaveSigner) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return apperr.Transport(fmt.Errorf("enclave %s %s: %w", method, path, err))
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxEnclaveResponse))
	if err != nil {
		return apperr.Transport(fmt.Errorf("enclave %s %s: %w", method, path, err))
	}
	switch {
	case resp.StatusCode >= 500:
		return apperr.Transport(fmt.Errorf("enclave %s %s: status %d", method, path, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return apperr.Precondition(fmt.Errorf("%w: status %d", ErrEnclaveRejected, resp.StatusCode))
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperr.Integrity(fmt.Errorf("%w: %v", ErrEnclaveMalformed, err))
	}
	return nil
}
