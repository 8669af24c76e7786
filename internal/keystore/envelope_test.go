package keystore

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"agentspend/go-backend/internal/apperr"
)

const testPassphrase = "correct horse battery"

func testKDF() KDFParams {
	return KDFParams{Time: 1, MemoryKB: 1024, Threads: 1}
}

func mustGenerate(t *testing.T) (string, []byte) {
	t.Helper()
	address, raw, err := Generate()
	if err != nil {
		t.Fatalf("generate failed: %v", err)
	}
	return address, raw
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	_, raw := mustGenerate(t)
	for _, pass := range []string{testPassphrase, "exactly12chr", "pässwörd-ünïcode-✓✓"} {
		record, err := Encrypt(raw, pass, testKDF())
		if err != nil {
			t.Fatalf("encrypt failed for %q: %v", pass, err)
		}
		plain, err := Decrypt(record, pass, testKDF())
		if err != nil {
			t.Fatalf("decrypt failed for %q: %v", pass, err)
		}
		if !bytes.Equal(plain, raw) {
			t.Fatalf("roundtrip mismatch for %q", pass)
		}
	}
}

func TestEncryptUsesFreshSaltAndIV(t *testing.T) {
	_, raw := mustGenerate(t)
	a, err := Encrypt(raw, testPassphrase, testKDF())
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	b, err := Encrypt(raw, testPassphrase, testKDF())
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if bytes.Equal(a.Salt, b.Salt) || bytes.Equal(a.IV, b.IV) || bytes.Equal(a.Ciphertext, b.Ciphertext) {
		t.Fatal("two encryptions must not share salt, iv or ciphertext")
	}
	if len(a.AuthTag) != tagSize {
		t.Fatalf("expected %d byte auth tag, got %d", tagSize, len(a.AuthTag))
	}
}

func TestEncryptRejectsInvalidInput(t *testing.T) {
	_, raw := mustGenerate(t)
	if _, err := Encrypt(raw[:32], testPassphrase, testKDF()); !errors.Is(err, ErrInvalidKeyFormat) {
		t.Fatalf("expected ErrInvalidKeyFormat, got %v", err)
	}
	_, err := Encrypt(raw, "short-pass1", testKDF())
	if !errors.Is(err, ErrWeakPassphrase) {
		t.Fatalf("expected ErrWeakPassphrase for 11 chars, got %v", err)
	}
	if got := apperr.CategoryOf(err); got != apperr.CategoryValidation {
		t.Fatalf("expected validation category, got %q", got)
	}
	if _, err := Encrypt(raw, testPassphrase, KDFParams{}); !errors.Is(err, ErrInvalidKDFParams) {
		t.Fatalf("expected ErrInvalidKDFParams, got %v", err)
	}
}

func TestDecryptFailuresAreIndistinguishable(t *testing.T) {
	_, raw := mustGenerate(t)
	record, err := Encrypt(raw, testPassphrase, testKDF())
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}

	_, wrongPassErr := Decrypt(record, "another passphrase!", testKDF())

	tampered := *record
	tampered.Ciphertext = append([]byte(nil), record.Ciphertext...)
	tampered.Ciphertext[0] ^= 0xFF
	_, tamperErr := Decrypt(&tampered, testPassphrase, testKDF())

	badTag := *record
	badTag.AuthTag = append([]byte(nil), record.AuthTag...)
	badTag.AuthTag[3] ^= 0x01
	_, tagErr := Decrypt(&badTag, testPassphrase, testKDF())

	short := *record
	short.IV = record.IV[:4]
	_, shortErr := Decrypt(&short, testPassphrase, testKDF())

	for name, err := range map[string]error{"wrong passphrase": wrongPassErr, "tampered": tamperErr, "bad tag": tagErr, "short iv": shortErr} {
		if !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("%s: expected ErrDecryptionFailed, got %v", name, err)
		}
		if err.Error() != wrongPassErr.Error() {
			t.Fatalf("%s: error text %q differs from wrong-passphrase text %q", name, err.Error(), wrongPassErr.Error())
		}
		if apperr.CategoryOf(err) != apperr.CategoryIntegrity {
			t.Fatalf("%s: expected integrity category", name)
		}
	}
}

func TestDecryptRejectsUnknownVersion(t *testing.T) {
	_, raw := mustGenerate(t)
	record, err := Encrypt(raw, testPassphrase, testKDF())
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	record.Version = 2
	if _, err := Decrypt(record, testPassphrase, testKDF()); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}
}

func TestRecordJSONHasExactlyFiveFields(t *testing.T) {
	_, raw := mustGenerate(t)
	record, err := Encrypt(raw, testPassphrase, testKDF())
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	payload, err := json.Marshal(record)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	want := []string{"version", "salt", "iv", "ciphertext", "authTag"}
	if len(fields) != len(want) {
		t.Fatalf("expected %d fields, got %d: %s", len(want), len(fields), payload)
	}
	for _, key := range want {
		if _, ok := fields[key]; !ok {
			t.Fatalf("missing field %q", key)
		}
	}
	if strings.Contains(string(payload), testPassphrase) {
		t.Fatal("record must not contain the passphrase")
	}
}
