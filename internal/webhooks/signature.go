package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes the hex digest a delivery carries in its X-Signature
// header: HMAC-SHA256 over the raw payload under the subscription secret.
func Sign(secret string, body []byte) string {
	return hex.EncodeToString(digest(secret, body))
}

// Verify reports whether a hex signature matches the body under the shared
// secret. Comparison is constant time; a malformed signature never matches.
func Verify(secret string, body []byte, signature string) bool {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	return hmac.Equal(got, digest(secret, body))
}

func digest(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
