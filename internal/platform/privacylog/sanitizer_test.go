package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSanitizeAttrFingerprintsIdentifiers(t *testing.T) {
	got := SanitizeAttr(slog.String("agent_id", "agent-7"))
	if got.Key != "agent_id_fp" || !strings.HasPrefix(got.Value.String(), "fp_") {
		t.Fatalf("unexpected fingerprint attr: %v", got)
	}
	if again := SanitizeAttr(slog.String("agent_id", "agent-7")); again.Value.String() != got.Value.String() {
		t.Fatal("fingerprint must be stable within a process")
	}
	if FingerprintID("  ") != "" {
		t.Fatal("blank identifiers fingerprint to empty")
	}
	payer := SanitizeAttr(slog.String("payer", "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T"))
	if payer.Key != "payer" || payer.Value.String() != "4Nd1mBQtrMJVYVfKf2PJy9NZUZdTAsp7D4xWLs4gDB4T" {
		t.Fatalf("payer address must pass through, got %v", payer)
	}
}

func TestSanitizeAttrSummarizesTransactions(t *testing.T) {
	got := SanitizeAttr(slog.String("transaction", "AQID"))
	if got.Value.String() != "[4 chars]" {
		t.Fatalf("unexpected transaction summary: %v", got)
	}
}

func TestSanitizeAttrDescendsIntoGroups(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("grouped", slog.Group("signer", slog.String("backend", "enclave"), slog.String("enclave_token", "tok-123")))
	out := buf.String()
	if strings.Contains(out, "tok-123") || !strings.Contains(out, `"backend":"enclave"`) {
		t.Fatalf("group not sanitized: %s", out)
	}
}

func TestSanitizingHandlerRedactsKeyMaterial(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("test",
		"agent_id", "agent-7",
		"key_passphrase", "correct horse battery",
		"private_key", "deadbeef",
		"mnemonic", "abandon abandon",
		"x_payment_header", "eyJ4IjoxfQ==",
		"status", "ok",
	)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["agent_id"]; ok {
		t.Fatal("agent_id should not be present")
	}
	if _, ok := payload["agent_id_fp"]; !ok {
		t.Fatal("agent_id_fp should be present")
	}
	for _, key := range []string{"key_passphrase", "private_key", "mnemonic", "x_payment_header"} {
		if got, _ := payload[key].(string); got != redactedValue {
			t.Fatalf("expected %s redacted, got %q", key, got)
		}
	}
	if got, _ := payload["status"].(string); got != "ok" {
		t.Fatalf("unexpected status: %q", got)
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("key_id", "k1"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "key_id_fp") {
		t.Fatalf("expected sanitized key_id, got %s", buf.String())
	}
}

func TestWithAttrsSanitizesBoundAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil))).With("snapshot_secret", "hunter2hunter2")
	logger.Info("bound")
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("bound secret leaked: %s", buf.String())
	}
}

func TestNewJSONLoggerLevelAndRedaction(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, "warn")
	logger.Info("dropped")
	logger.Warn("kept", "api_token", "abc")
	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Fatal("info must be filtered at warn level")
	}
	if !strings.Contains(out, redactedValue) || strings.Contains(out, "abc") {
		t.Fatalf("token must be redacted: %s", out)
	}
	if ParseLevel("bogus") != slog.LevelInfo {
		t.Fatal("unknown level defaults to info")
	}
}
