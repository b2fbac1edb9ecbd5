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

func TestSanitizingHandlerFingerprintsPeerIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("peer identity verified", "peer_id", "fYm3kQ9x", "reason", "ok")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if _, ok := payload["peer_id"]; ok {
		t.Fatal("peer_id must not appear in plaintext")
	}
	fp, ok := payload["peer_id_fp"].(string)
	if !ok || !strings.HasPrefix(fp, "fp_") {
		t.Fatalf("expected fingerprinted peer id, got %v", payload["peer_id_fp"])
	}
	if payload["reason"] != "ok" {
		t.Fatal("unrelated attributes must pass through")
	}
}

func TestSanitizingHandlerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("import", "mnemonic", "abandon abandon about", "rpc_token", "t0ps3cret")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	if payload["mnemonic"] != redactedValue {
		t.Fatalf("mnemonic must be redacted, got %v", payload["mnemonic"])
	}
	if payload["rpc_token"] != redactedValue {
		t.Fatalf("token must be redacted, got %v", payload["rpc_token"])
	}
}

func TestFingerprintStableWithinBoot(t *testing.T) {
	a := FingerprintID("fYm3kQ9x")
	b := FingerprintID("fYm3kQ9x")
	if a != b || a == "" {
		t.Fatalf("fingerprints must be stable within one run: %q vs %q", a, b)
	}
	if FingerprintID("other") == a {
		t.Fatal("different identifiers must not collide trivially")
	}
}

func TestSanitizingHandlerImplementsSlogHandlerContract(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("message_id", "sd_1_aa"))
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "message_id_fp") {
		t.Fatalf("expected sanitized message_id key, got %s", buf.String())
	}
}
