package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Sign computes HMAC-SHA256 over timestamp + "." + body using the given
// secret and returns the hex-encoded signature. Binding the timestamp
// into the signature lets receivers reject replays.
func Sign(timestamp string, body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks that signature matches the HMAC-SHA256 of
// timestamp+"."+body with the given secret.
func Verify(timestamp string, body []byte, secret, signature string) bool {
	expected := Sign(timestamp, body, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
