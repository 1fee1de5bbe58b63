package signature

import (
	"crypto/hmac"
	"strings"
	"time"
)

// DefaultTolerance is the maximum allowed clock offset between the signed
// timestamp and the verifier's clock. Signatures outside this window are
// rejected regardless of validity to block replay.
const DefaultTolerance = 300 * time.Second

// Verify reports whether sig matches the expected HMAC-SHA256 signature for
// the payload, secret, and timestamp, and whether the timestamp is within
// tolerance of the current time. A tolerance of 0 uses DefaultTolerance.
//
// The timestamp window is checked before the signature so a stale-but-valid
// signature can never be replayed. Comparison is constant-time.
func Verify(payload []byte, secret string, timestamp int64, sig string, tolerance time.Duration) bool {
	return verifyAt(payload, secret, timestamp, sig, tolerance, time.Now())
}

// verifyAt is Verify with an injectable clock for tests.
func verifyAt(payload []byte, secret string, timestamp int64, sig string, tolerance time.Duration, now time.Time) bool {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}

	offset := now.Unix() - timestamp
	if offset < 0 {
		offset = -offset
	}
	if offset > int64(tolerance/time.Second) {
		return false
	}

	sig = strings.TrimPrefix(sig, HeaderPrefix)
	expected := Sign(payload, secret, timestamp)
	return hmac.Equal([]byte(expected), []byte(sig))
}
