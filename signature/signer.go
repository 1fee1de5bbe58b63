// Package signature provides HMAC-SHA256 webhook signing and verification.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HeaderPrefix is prepended to the hex digest when the signature is placed
// in the X-Forms-Signature header.
const HeaderPrefix = "sha256="

// Signer computes HMAC-SHA256 signatures for webhook payloads.
type Signer struct{}

// NewSigner returns a new Signer.
func NewSigner() *Signer {
	return &Signer{}
}

// Sign generates the HMAC-SHA256 signature for the given payload.
// The content signed is the UTF-8 bytes of "{timestamp}.{payload}";
// the result is the lowercase hex digest.
func (s *Signer) Sign(payload []byte, secret string, timestamp int64) string {
	return Sign(payload, secret, timestamp)
}

// Sign generates the HMAC-SHA256 signature for the given payload.
// The content signed is the UTF-8 bytes of "{timestamp}.{payload}";
// the result is the lowercase hex digest.
func Sign(payload []byte, secret string, timestamp int64) string {
	content := fmt.Sprintf("%d.%s", timestamp, payload)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(content))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignHeader returns the signature in header form: "sha256=<hex>".
func SignHeader(payload []byte, secret string, timestamp int64) string {
	return HeaderPrefix + Sign(payload, secret, timestamp)
}
