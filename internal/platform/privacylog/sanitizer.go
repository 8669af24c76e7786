// Package privacylog keeps key material, payment headers and signed
// transactions out of structured logs.
package privacylog

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
)

const redactedValue = "[REDACTED]"

type action int

const (
	keep action = iota
	redact
	fingerprint
	summarize
)

var (
	bootNonce = randomNonce()

	// Agent and key identifiers link a wallet to an operator; they are logged
	// only as per-boot fingerprints.
	fingerprintKeys = map[string]struct{}{
		"agent_id":       {},
		"key_id":         {},
		"enclave_key_id": {},
		"principal_id":   {},
	}
	redactParts = []string{
		"token", "secret", "password", "passphrase", "authorization",
		"private_key", "mnemonic", "seed", "x_payment",
	}
	// A signed transaction can be submitted by whoever reads it.
	summarizeKeys = map[string]struct{}{
		"transaction": {},
		"raw_tx":      {},
		"signed_tx":   {},
	}
)

// SanitizingHandler rewrites attributes before they reach the wrapped handler.
type SanitizingHandler struct {
	next slog.Handler
}

func WrapHandler(next slog.Handler) slog.Handler {
	if next == nil {
		return nil
	}
	return &SanitizingHandler{next: next}
}

func (h *SanitizingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *SanitizingHandler) Handle(ctx context.Context, rec slog.Record) error {
	clean := slog.NewRecord(rec.Time, rec.Level, rec.Message, rec.PC)
	rec.Attrs(func(attr slog.Attr) bool {
		clean.AddAttrs(SanitizeAttr(attr))
		return true
	})
	return h.next.Handle(ctx, clean)
}

func (h *SanitizingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SanitizingHandler{next: h.next.WithAttrs(sanitizeAll(attrs))}
}

func (h *SanitizingHandler) WithGroup(name string) slog.Handler {
	return &SanitizingHandler{next: h.next.WithGroup(name)}
}

// SanitizeAttr applies the redaction rules to one attribute, descending into
// groups.
func SanitizeAttr(attr slog.Attr) slog.Attr {
	key := strings.TrimSpace(attr.Key)
	value := attr.Value.Resolve()
	switch classify(key) {
	case redact:
		return slog.String(key, redactedValue)
	case fingerprint:
		name := key
		if !strings.HasSuffix(strings.ToLower(name), "_fp") {
			name += "_fp"
		}
		return slog.String(name, FingerprintID(value.String()))
	case summarize:
		return slog.String(key, fmt.Sprintf("[%d chars]", len(value.String())))
	}
	if value.Kind() == slog.KindGroup {
		return slog.Attr{Key: key, Value: slog.GroupValue(sanitizeAll(value.Group())...)}
	}
	return slog.Attr{Key: key, Value: value}
}

// FingerprintID returns a stable per-process fingerprint of an identifier,
// or "" for a blank one.
func FingerprintID(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed + "|" + bootNonce))
	return "fp_" + hex.EncodeToString(sum[:8])
}

func classify(key string) action {
	lower := strings.ToLower(key)
	for _, part := range redactParts {
		if strings.Contains(lower, part) {
			return redact
		}
	}
	if _, ok := fingerprintKeys[lower]; ok || strings.HasSuffix(lower, "_agent_id") {
		return fingerprint
	}
	if _, ok := summarizeKeys[lower]; ok {
		return summarize
	}
	return keep
}

func sanitizeAll(attrs []slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, attr := range attrs {
		out = append(out, SanitizeAttr(attr))
	}
	return out
}

func randomNonce() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "fallback_nonce"
	}
	return hex.EncodeToString(buf)
}
