package keystore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"

	"agentspend/go-backend/internal/apperr"
	"agentspend/go-backend/internal/secret"
)

const (
	keyFileMode = fs.FileMode(0o600)
	keyDirMode  = fs.FileMode(0o700)
)

// FileStore persists encrypted key records on the local filesystem.
type FileStore struct {
	kdf KDFParams
}

func NewFileStore(kdf KDFParams) *FileStore {
	return &FileStore{kdf: kdf}
}

func (s *FileStore) KDFParams() KDFParams {
	return s.kdf
}

// Save encrypts raw and writes it to path with mode 0600. Without overwrite an
// existing file is never replaced.
func (s *FileStore) Save(raw []byte, passphrase, path string, overwrite bool) error {
	record, err := Encrypt(raw, passphrase, s.kdf)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), keyDirMode); err != nil {
		return err
	}
	if overwrite {
		err = writeReplace(path, payload)
	} else {
		err = writeExclusive(path, payload)
	}
	if err != nil {
		return err
	}
	// Re-assert in case a permissive umask or a pre-existing file widened it.
	return os.Chmod(path, keyFileMode)
}

// Load checks permissions, decrypts the key file at path and returns a signer.
// The decrypted bytes are zeroed before Load returns, on every path.
func (s *FileStore) Load(path, passphrase string) (*LocalSigner, error) {
	raw, err := s.readSecret(path, passphrase)
	defer secret.Zero(raw)
	if err != nil {
		return nil, err
	}
	return NewLocalSigner(raw)
}

// Rotate re-encrypts the key at path under newPassphrase with a fresh salt and
// nonce.
func (s *FileStore) Rotate(path, oldPassphrase, newPassphrase string) error {
	if err := validatePassphrase(newPassphrase); err != nil {
		return err
	}
	raw, err := s.readSecret(path, oldPassphrase)
	defer secret.Zero(raw)
	if err != nil {
		return err
	}
	return s.Save(raw, newPassphrase, path, true)
}

// Address reports the public address stored at path without decrypting
// anything beyond what is needed to verify the passphrase.
func (s *FileStore) Address(path, passphrase string) (string, error) {
	raw, err := s.readSecret(path, passphrase)
	defer secret.Zero(raw)
	if err != nil {
		return "", err
	}
	return AddressOf(raw)
}

func (s *FileStore) readSecret(path, passphrase string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Precondition(fmt.Errorf("%w: %s", ErrKeyNotFound, path))
		}
		return nil, err
	}
	if err := checkPermissions(info); err != nil {
		return nil, err
	}
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var record Record
	if err := json.Unmarshal(payload, &record); err != nil {
		return nil, apperr.Integrity(ErrDecryptionFailed)
	}
	raw, err := Decrypt(&record, passphrase, s.kdf)
	if err != nil {
		return nil, err
	}
	if err := checkKeyPair(raw); err != nil {
		secret.Zero(raw)
		return nil, err
	}
	return raw, nil
}

func checkPermissions(info fs.FileInfo) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if !info.Mode().IsRegular() {
		return apperr.Integrity(fmt.Errorf("%w: not a regular file", ErrInsecurePermissions))
	}
	if perm := info.Mode().Perm(); perm != keyFileMode {
		return apperr.Integrity(fmt.Errorf("%w: mode %04o", ErrInsecurePermissions, perm))
	}
	return nil
}

// SecureDelete overwrites path with random bytes of the same length and
// removes it. A missing file is not an error.
func SecureDelete(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	noise := make([]byte, info.Size())
	if _, err := rand.Read(noise); err != nil {
		_ = f.Close()
		return err
	}
	if _, err := f.WriteAt(noise, 0); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}

// keyFile is the part of *os.File that writeExclusive needs.
type keyFile interface {
	Write(p []byte) (int, error)
	Sync() error
	Close() error
}

var openExclusive = func(path string) (keyFile, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, keyFileMode)
}

// writeExclusive creates path and leaves nothing behind unless the payload
// was fully written and synced.
func writeExclusive(path string, payload []byte) error {
	f, err := openExclusive(path)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return apperr.Precondition(fmt.Errorf("%w: %s", ErrKeyAlreadyExists, path))
		}
		return err
	}
	discard := func(err error) error {
		_ = os.Remove(path)
		return err
	}
	if _, err := f.Write(payload); err != nil {
		_ = f.Close()
		return discard(err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return discard(err)
	}
	if err := f.Close(); err != nil {
		return discard(err)
	}
	return nil
}

func writeReplace(path string, payload []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".key-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }
	if err := tmp.Chmod(keyFileMode); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return err
	}
	return nil
}
