package bitfinex

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
)

// signPayload computes the request signature over
// "/api/v2/{path}{nonce}{rawBody}" with HMAC-SHA384.
func signPayload(secret, path string, nonce int64, body []byte) string {
	msg := fmt.Sprintf("/api/v2/%s%d%s", path, nonce, body)
	mac := hmac.New(sha512.New384, []byte(secret))
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// signAuthWS computes the websocket auth signature over "AUTH{nonce}".
func signAuthWS(secret string, nonce int64) (payload, sig string) {
	payload = fmt.Sprintf("AUTH%d", nonce)
	mac := hmac.New(sha512.New384, []byte(secret))
	mac.Write([]byte(payload))
	return payload, hex.EncodeToString(mac.Sum(nil))
}
