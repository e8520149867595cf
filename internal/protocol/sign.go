package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// SignHello computes the hex HMAC-SHA256 signature a hub must present in its
// hello frame, keyed by the hub's provisioned secret over the hub id.
func SignHello(hubID, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(hubID))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHello checks a hello signature in constant time.
func VerifyHello(hubID, secret, signature string) bool {
	want := SignHello(hubID, secret)
	return hmac.Equal([]byte(want), []byte(signature))
}
