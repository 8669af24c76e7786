package keystore

import "errors"

var (
	ErrInvalidKeyFormat    = errors.New("keystore: invalid key format")
	ErrWeakPassphrase      = errors.New("keystore: passphrase is too short")
	ErrUnsupportedVersion  = errors.New("keystore: unsupported record version")
	ErrDecryptionFailed    = errors.New("keystore: decryption failed")
	ErrKeyAlreadyExists    = errors.New("keystore: key file already exists")
	ErrKeyNotFound         = errors.New("keystore: key file not found")
	ErrInsecurePermissions = errors.New("keystore: key file permissions are not owner read/write only")
	ErrInvalidKDFParams    = errors.New("keystore: invalid kdf parameters")
	ErrInvalidMnemonic     = errors.New("keystore: invalid recovery phrase")
	ErrSignerClosed        = errors.New("keystore: signer is closed")
)
