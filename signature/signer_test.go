package signature_test

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/formlake/hookrelay/signature"
)

func TestSignKnownVector(t *testing.T) {
	payload := []byte(`{"type":"submission.completed"}`)
	secret := "whsec_testsecret123"
	timestamp := int64(1700000000)

	got := signature.Sign(payload, secret, timestamp)

	// Compute expected HMAC-SHA256 independently.
	content := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(content))
	expected := hex.EncodeToString(mac.Sum(nil))

	if got != expected {
		t.Errorf("Sign() = %q, want %q", got, expected)
	}
}

func TestSignDeterministic(t *testing.T) {
	payload := []byte(`{"formId":"form_9","submission":{"a":1}}`)
	secret := "whsec_determinism"
	timestamp := int64(1700000005)

	first := signature.Sign(payload, secret, timestamp)
	second := signature.Sign(payload, secret, timestamp)
	if first != second {
		t.Errorf("Sign() not deterministic: %q != %q", first, second)
	}
}

func TestSignHeaderPrefix(t *testing.T) {
	got := signature.SignHeader([]byte(`{}`), "whsec_x", 1700000000)
	if len(got) != len("sha256=")+64 {
		t.Fatalf("SignHeader() length = %d, want %d", len(got), len("sha256=")+64)
	}
	if got[:7] != "sha256=" {
		t.Errorf("SignHeader() = %q, want sha256= prefix", got)
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	payload := []byte(`{"submission_id":"sub_42","amount":9900}`)
	secret := "whsec_roundtripsecret"
	timestamp := time.Now().Unix()

	sig := signature.SignHeader(payload, secret, timestamp)
	if !signature.Verify(payload, secret, timestamp, sig, 0) {
		t.Error("Verify() returned false for valid fresh signature")
	}
}

func TestVerifyTamperedPayload(t *testing.T) {
	payload := []byte(`{"original":true}`)
	secret := "whsec_tampersecret"
	timestamp := time.Now().Unix()

	sig := signature.Sign(payload, secret, timestamp)

	tampered := []byte(`{"original":false}`)
	if signature.Verify(tampered, secret, timestamp, sig, 0) {
		t.Error("Verify() returned true for tampered payload")
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	payload := []byte(`{"data":"value"}`)
	timestamp := time.Now().Unix()

	sig := signature.Sign(payload, "whsec_right", timestamp)
	if signature.Verify(payload, "whsec_wrong", timestamp, sig, 0) {
		t.Error("Verify() returned true for wrong secret")
	}
}

func TestVerifyRejectsStaleTimestamp(t *testing.T) {
	payload := []byte(`{"replay":"attempt"}`)
	secret := "whsec_replaysecret"
	stale := time.Now().Add(-10 * time.Minute).Unix()

	// Signature itself is valid, but the timestamp is outside tolerance.
	sig := signature.Sign(payload, secret, stale)
	if signature.Verify(payload, secret, stale, sig, 0) {
		t.Error("Verify() accepted a signature older than the tolerance window")
	}
}

func TestVerifyRejectsFutureTimestamp(t *testing.T) {
	payload := []byte(`{"future":true}`)
	secret := "whsec_futuresecret"
	future := time.Now().Add(10 * time.Minute).Unix()

	sig := signature.Sign(payload, secret, future)
	if signature.Verify(payload, secret, future, sig, 0) {
		t.Error("Verify() accepted a far-future timestamp")
	}
}

func TestVerifyCustomTolerance(t *testing.T) {
	payload := []byte(`{"window":"wide"}`)
	secret := "whsec_widewindow"
	old := time.Now().Add(-10 * time.Minute).Unix()

	sig := signature.Sign(payload, secret, old)
	if !signature.Verify(payload, secret, old, sig, time.Hour) {
		t.Error("Verify() rejected a timestamp inside an explicit wider tolerance")
	}
}

func TestGenerateSecretFormat(t *testing.T) {
	secret := signature.GenerateSecret()
	if len(secret) != 70 {
		t.Errorf("GenerateSecret() length = %d, want 70", len(secret))
	}
	if secret[:6] != "whsec_" {
		t.Errorf("GenerateSecret() = %q, want whsec_ prefix", secret)
	}

	if signature.GenerateSecret() == secret {
		t.Error("GenerateSecret() returned the same secret twice")
	}
}
