package keystore

import (
	"context"
	"crypto/ed25519"

	"agentspend/go-backend/internal/secret"

	"github.com/mr-tron/base58/base58"
)

// LocalSigner signs with a key held in a secret.Buffer. Close wipes the key;
// later Sign calls fail with ErrSignerClosed.
type LocalSigner struct {
	address string
	public  ed25519.PublicKey
	key     *secret.Buffer
}

// NewLocalSigner copies raw into protected memory. raw stays owned by the
// caller, who remains responsible for zeroing it.
func NewLocalSigner(raw []byte) (*LocalSigner, error) {
	if err := checkKeyPair(raw); err != nil {
		return nil, err
	}
	buf, err := secret.NewFromBytes(append([]byte(nil), raw...))
	if err != nil {
		return nil, err
	}
	public := append(ed25519.PublicKey(nil), raw[ed25519.SeedSize:]...)
	return &LocalSigner{
		address: base58.Encode(public),
		public:  public,
		key:     buf,
	}, nil
}

func (s *LocalSigner) PublicAddress() string {
	return s.address
}

func (s *LocalSigner) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), s.public...)
}

func (s *LocalSigner) Sign(_ context.Context, message []byte) ([]byte, error) {
	var signature []byte
	err := s.key.Use(func(data []byte) error {
		signature = ed25519.Sign(ed25519.PrivateKey(data), message)
		return nil
	})
	if err != nil {
		return nil, ErrSignerClosed
	}
	return signature, nil
}

// MemoryLocked reports whether the key is held in memory pinned out of swap.
// It is false once the signer is closed.
func (s *LocalSigner) MemoryLocked() bool {
	return s.key.Locked() && !s.key.Closed()
}

func (s *LocalSigner) HealthCheck(_ context.Context) error {
	if s.key.Closed() {
		return ErrSignerClosed
	}
	return nil
}

func (s *LocalSigner) Close() error {
	return s.key.Close()
}
