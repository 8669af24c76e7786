package securestore

import (
	"errors"
	"path/filepath"
	"testing"

	"agentspend/go-backend/internal/testutil/fsperm"
)

func TestEncryptDecryptRoundtrip(t *testing.T) {
	data, err := Encrypt("pass", "test", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	plain, err := Decrypt("pass", "test", data)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if string(plain) != "secret" {
		t.Fatalf("unexpected plaintext: %q", string(plain))
	}
}

func TestDecryptTamperedFailsDeterministically(t *testing.T) {
	data, err := Encrypt("pass", "test", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if len(data) < 10 {
		t.Fatalf("unexpected encrypted payload size: %d", len(data))
	}
	data[len(data)-2] ^= 0xFF
	_, err = Decrypt("pass", "test", data)
	if !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
}

func TestDecryptRejectsPlaintext(t *testing.T) {
	if _, err := Decrypt("pass", "test", []byte(`{"spent":1}`)); !errors.Is(err, ErrNotEncrypted) {
		t.Fatalf("expected ErrNotEncrypted, got %v", err)
	}
}

func TestEncryptRejectsEmptySecret(t *testing.T) {
	if _, err := Encrypt("  ", "test", []byte("x")); !errors.Is(err, ErrEmptySecret) {
		t.Fatalf("expected ErrEmptySecret, got %v", err)
	}
}

func TestWriteReadEncryptedJSON(t *testing.T) {
	type state struct {
		Spent uint64 `json:"spent"`
	}
	path := filepath.Join(t.TempDir(), "state", "budget.snap")
	if err := WriteEncryptedJSON(path, "pass", "budget", state{Spent: 42}); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	fsperm.AssertPrivateFilePerm(t, path)
	fsperm.AssertPrivateDirPerm(t, filepath.Dir(path))

	var got state
	if err := ReadDecryptedJSON(path, "pass", "budget", &got); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if got.Spent != 42 {
		t.Fatalf("unexpected state: %+v", got)
	}
	if err := ReadDecryptedJSON(path, "other", "budget", &got); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed, got %v", err)
	}
	if err := ReadDecryptedJSON(path, "pass", "audit", &got); !errors.Is(err, ErrWrongPurpose) {
		t.Fatalf("expected ErrWrongPurpose, got %v", err)
	}
}

func TestRelabelledEnvelopeFailsAuthentication(t *testing.T) {
	env, err := EncryptEnvelope("pass", "budget", []byte("secret"))
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	env.Purpose = "audit"
	if _, err := DecryptEnvelope("pass", "audit", env); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("expected ErrAuthFailed after relabelling, got %v", err)
	}
}
