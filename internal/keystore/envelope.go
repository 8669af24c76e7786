package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"unicode/utf8"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/secret"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	RecordVersion       = 1
	SecretKeySize       = ed25519.PrivateKeySize
	MinPassphraseLength = 12

	saltSize = 16
	tagSize  = chacha20poly1305.Overhead
)

// Record is the on-disk envelope. encoding/json renders the byte slices as
// standard base64.
type Record struct {
	Version    uint32 `json:"version"`
	Salt       []byte `json:"salt"`
	IV         []byte `json:"iv"`
	Ciphertext []byte `json:"ciphertext"`
	AuthTag    []byte `json:"authTag"`
}

// KDFParams are the argon2id cost parameters. They are not stored in the
// record; the same parameters must be supplied to decrypt.
type KDFParams struct {
	Time     uint32 `yaml:"time"`
	MemoryKB uint32 `yaml:"memoryKB"`
	Threads  uint8  `yaml:"threads"`
}

func DefaultKDFParams() KDFParams {
	return KDFParams{Time: 2, MemoryKB: 64 * 1024, Threads: 1}
}

func (p KDFParams) validate() error {
	if p.Time == 0 || p.MemoryKB < 8*uint32(p.Threads) || p.Threads == 0 {
		return apperr.Validation(fmt.Errorf("%w: time=%d memoryKB=%d threads=%d", ErrInvalidKDFParams, p.Time, p.MemoryKB, p.Threads))
	}
	return nil
}

func validatePassphrase(passphrase string) error {
	if utf8.RuneCountInString(passphrase) < MinPassphraseLength {
		return apperr.Validation(fmt.Errorf("%w: minimum %d characters", ErrWeakPassphrase, MinPassphraseLength))
	}
	return nil
}

func validateSecretKey(raw []byte) error {
	if len(raw) != SecretKeySize {
		return apperr.Validation(fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidKeyFormat, SecretKeySize, len(raw)))
	}
	return nil
}

// Encrypt seals a 64-byte ed25519 secret key under passphrase.
func Encrypt(raw []byte, passphrase string, params KDFParams) (*Record, error) {
	if err := validateSecretKey(raw); err != nil {
		return nil, err
	}
	if err := validatePassphrase(passphrase); err != nil {
		return nil, err
	}
	if err := params.validate(); err != nil {
		return nil, err
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt, params)
	defer secret.Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	iv := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, iv, raw, nil)
	split := len(sealed) - tagSize

	return &Record{
		Version:    RecordVersion,
		Salt:       salt,
		IV:         iv,
		Ciphertext: sealed[:split:split],
		AuthTag:    sealed[split:],
	}, nil
}

// Decrypt opens record. A wrong passphrase, a tampered field and a malformed
// field length all yield ErrDecryptionFailed so the failure carries no oracle.
// The caller owns the returned slice and must zero it.
func Decrypt(record *Record, passphrase string, params KDFParams) ([]byte, error) {
	if record == nil {
		return nil, apperr.Integrity(ErrDecryptionFailed)
	}
	if record.Version != RecordVersion {
		return nil, apperr.Integrity(fmt.Errorf("%w: %d", ErrUnsupportedVersion, record.Version))
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if len(record.Salt) != saltSize || len(record.IV) != chacha20poly1305.NonceSizeX || len(record.AuthTag) != tagSize {
		return nil, apperr.Integrity(ErrDecryptionFailed)
	}

	key := deriveKey(passphrase, record.Salt, params)
	defer secret.Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, apperr.Integrity(ErrDecryptionFailed)
	}
	sealed := make([]byte, 0, len(record.Ciphertext)+tagSize)
	sealed = append(sealed, record.Ciphertext...)
	sealed = append(sealed, record.AuthTag...)
	plaintext, err := aead.Open(nil, record.IV, sealed, nil)
	if err != nil {
		return nil, apperr.Integrity(ErrDecryptionFailed)
	}
	return plaintext, nil
}

func deriveKey(passphrase string, salt []byte, params KDFParams) []byte {
	pass := []byte(passphrase)
	defer secret.Zero(pass)
	return argon2.IDKey(pass, salt, params.Time, params.MemoryKB, params.Threads, chacha20poly1305.KeySize)
}
