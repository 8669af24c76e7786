package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"strings"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/secret"

	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
)

// Generate creates a fresh ed25519 key pair. The caller owns raw and must
// zero it after use.
func Generate() (address string, raw []byte, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", nil, err
	}
	return base58.Encode(pub), []byte(priv), nil
}

// GenerateWithMnemonic creates a key pair backed by a 24-word recovery phrase.
func GenerateWithMnemonic() (mnemonic, address string, raw []byte, err error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return "", "", nil, err
	}
	defer secret.Zero(entropy)
	mnemonic, err = bip39.NewMnemonic(entropy)
	if err != nil {
		return "", "", nil, err
	}
	address, raw, err = FromMnemonic(mnemonic, "")
	if err != nil {
		return "", "", nil, err
	}
	return mnemonic, address, raw, nil
}

// FromMnemonic restores the key pair for a recovery phrase. The ed25519 seed
// is the first 32 bytes of the BIP-39 seed, matching keys produced without a
// derivation path.
func FromMnemonic(mnemonic, bip39Passphrase string) (address string, raw []byte, err error) {
	mnemonic = strings.Join(strings.Fields(mnemonic), " ")
	if !bip39.IsMnemonicValid(mnemonic) {
		return "", nil, apperr.Validation(ErrInvalidMnemonic)
	}
	seed := bip39.NewSeed(mnemonic, bip39Passphrase)
	defer secret.Zero(seed)

	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	pub := priv.Public().(ed25519.PublicKey)
	return base58.Encode(pub), []byte(priv), nil
}

// AddressOf returns the base58 public address embedded in a 64-byte secret key.
func AddressOf(raw []byte) (string, error) {
	if err := validateSecretKey(raw); err != nil {
		return "", err
	}
	return base58.Encode(raw[ed25519.SeedSize:]), nil
}

// checkKeyPair verifies that the public half of raw matches its seed. A
// mismatch means the record decrypted to something that is not a key pair.
func checkKeyPair(raw []byte) error {
	if err := validateSecretKey(raw); err != nil {
		return err
	}
	derived := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	defer secret.Zero(derived)
	if !ed25519.PublicKey(derived[ed25519.SeedSize:]).Equal(ed25519.PublicKey(raw[ed25519.SeedSize:])) {
		return apperr.Integrity(fmt.Errorf("%w: public key does not match seed", ErrInvalidKeyFormat))
	}
	return nil
}
