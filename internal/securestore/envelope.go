// Package securestore writes passphrase-encrypted JSON files. Each envelope
// is bound to a purpose label so a file written for one use cannot be
// substituted for another under the same secret.
package securestore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"agentspend/go-backend/internal/secret"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	envelopeVersion = 1
	saltSize        = 16
	filePrefix      = "AGSPENC1\n"

	kdfName     = "argon2id"
	kdfTime     = 2
	kdfMemoryKB = 64 * 1024
	kdfThreads  = 1
)

var (
	ErrAuthFailed   = errors.New("securestore: authentication failed")
	ErrInvalid      = errors.New("securestore: envelope is invalid")
	ErrNotEncrypted = errors.New("securestore: data is not an encrypted envelope")
	ErrEmptySecret  = errors.New("securestore: secret is empty")
	ErrWrongPurpose = errors.New("securestore: envelope was written for another purpose")
)

// Envelope carries its KDF parameters so files written with older settings
// stay readable.
type Envelope struct {
	Version     uint32 `json:"version"`
	Purpose     string `json:"purpose"`
	KDF         string `json:"kdf"`
	KDFTime     uint32 `json:"kdf_time"`
	KDFMemoryKB uint32 `json:"kdf_memory_kb"`
	KDFThreads  uint8  `json:"kdf_threads"`
	Salt        []byte `json:"salt"`
	Nonce       []byte `json:"nonce"`
	Ciphertext  []byte `json:"ciphertext"`
}

// associatedData authenticates every header field the key does not already
// depend on.
func (e *Envelope) associatedData() []byte {
	return []byte(fmt.Sprintf("%sv%d|%s|%s", filePrefix, e.Version, e.KDF, e.Purpose))
}

func Encrypt(passphrase, purpose string, plaintext []byte) ([]byte, error) {
	env, err := EncryptEnvelope(passphrase, purpose, plaintext)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}
	return append([]byte(filePrefix), raw...), nil
}

func EncryptEnvelope(passphrase, purpose string, plaintext []byte) (*Envelope, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, ErrEmptySecret
	}
	env := &Envelope{
		Version:     envelopeVersion,
		Purpose:     purpose,
		KDF:         kdfName,
		KDFTime:     kdfTime,
		KDFMemoryKB: kdfMemoryKB,
		KDFThreads:  kdfThreads,
		Salt:        make([]byte, saltSize),
		Nonce:       make([]byte, chacha20poly1305.NonceSizeX),
	}
	if _, err := rand.Read(env.Salt); err != nil {
		return nil, err
	}
	if _, err := rand.Read(env.Nonce); err != nil {
		return nil, err
	}

	key := deriveKey(passphrase, env)
	defer secret.Zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	env.Ciphertext = aead.Seal(nil, env.Nonce, plaintext, env.associatedData())
	return env, nil
}

func Decrypt(passphrase, purpose string, data []byte) ([]byte, error) {
	if !strings.HasPrefix(string(data), filePrefix) {
		return nil, ErrNotEncrypted
	}
	var env Envelope
	if err := json.Unmarshal(data[len(filePrefix):], &env); err != nil {
		return nil, ErrInvalid
	}
	return DecryptEnvelope(passphrase, purpose, &env)
}

func DecryptEnvelope(passphrase, purpose string, env *Envelope) ([]byte, error) {
	if env == nil || env.Version != envelopeVersion || env.KDF != kdfName {
		return nil, ErrInvalid
	}
	if env.KDFTime == 0 || env.KDFMemoryKB == 0 || env.KDFThreads == 0 || len(env.Nonce) != chacha20poly1305.NonceSizeX {
		return nil, ErrInvalid
	}
	if env.Purpose != purpose {
		return nil, fmt.Errorf("%w: got %q, want %q", ErrWrongPurpose, env.Purpose, purpose)
	}

	key := deriveKey(passphrase, env)
	defer secret.Zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, env.Nonce, env.Ciphertext, env.associatedData())
	if err != nil {
		return nil, ErrAuthFailed
	}
	return plaintext, nil
}

func deriveKey(passphrase string, env *Envelope) []byte {
	return argon2.IDKey([]byte(passphrase), env.Salt, env.KDFTime, env.KDFMemoryKB, env.KDFThreads, chacha20poly1305.KeySize)
}
