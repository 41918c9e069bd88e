package workflow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/kyreport/kyreport/internal/domain"
)

// Sign computes the hex HMAC-SHA256 of body under secret
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook signature against the raw request body.
// Comparison is constant time. The job is never touched before this passes.
func VerifySignature(secret string, body []byte, signature string) error {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return domain.ErrSignatureMismatch
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)

	if !hmac.Equal(mac.Sum(nil), expected) {
		return domain.ErrSignatureMismatch
	}

	return nil
}
