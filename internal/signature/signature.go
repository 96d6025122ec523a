// Package signature verifies provider webhook payloads signed with a shared
// secret using HMAC-SHA256.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix precedes the hex digest in the X-Hub-Signature-256 header.
const Prefix = "sha256="

// Verify reports whether provided is the sha256=<hex> HMAC of rawBody under
// secret. rawBody must be the exact bytes received on the wire.
func Verify(rawBody []byte, provided string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	provided = strings.TrimSpace(provided)
	if !strings.HasPrefix(provided, Prefix) {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(provided, Prefix))
	if err != nil || len(got) != sha256.Size {
		return false
	}
	return hmac.Equal(got, digest(rawBody, secret))
}

// Sign returns the header value a provider would send for rawBody.
func Sign(rawBody []byte, secret []byte) string {
	return Prefix + hex.EncodeToString(digest(rawBody, secret))
}

func digest(rawBody, secret []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(rawBody)
	return mac.Sum(nil)
}
