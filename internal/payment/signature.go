package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignHex returns the hex HMAC-SHA256 of message keyed by secret.
func SignHex(secret string, message []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHex compares signature against the HMAC of message in constant time.
func VerifyHex(secret string, message []byte, signature string) bool {
	given, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil || len(given) != sha256.Size {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), given)
}

// PaymentSignatureMessage is the string the regional provider signs to prove
// a payment belongs to an order.
func PaymentSignatureMessage(orderRef, paymentRef string) []byte {
	return []byte(orderRef + "|" + paymentRef)
}
