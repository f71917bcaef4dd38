package psp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"testing"
	"time"
)

func sign(secret, timestamp string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "." + string(payload)))
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature_Valid(t *testing.T) {
	h := New(nil, "whsec_test", nil)
	payload := []byte(`{"type":"subscription.updated"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := sign("whsec_test", ts, payload)

	if err := h.VerifySignature(payload, ts, sig); err != nil {
		t.Fatalf("expected valid signature to verify, got %v", err)
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	h := New(nil, "whsec_test", nil)
	payload := []byte(`{"type":"subscription.updated"}`)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig := sign("wrong_secret", ts, payload)

	if err := h.VerifySignature(payload, ts, sig); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifySignature_StaleTimestamp(t *testing.T) {
	h := New(nil, "whsec_test", nil)
	payload := []byte(`{}`)
	ts := strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10)
	sig := sign("whsec_test", ts, payload)

	if err := h.VerifySignature(payload, ts, sig); err != ErrStaleTimestamp {
		t.Fatalf("expected ErrStaleTimestamp, got %v", err)
	}
}
