package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// errVerification is deliberately uninformative so callers cannot probe
// which part of the check failed.
var errVerification = errors.New("webhook verification failed")

// Sign returns the GitHub-style "sha256=<hex>" HMAC of body.
func Sign(body []byte, secret string) string {
	return "sha256=" + hex.EncodeToString(mac(body, secret))
}

// verifyHMACSignature checks signature against HMAC-SHA256(secret, body).
// Accepted forms are "sha256=<hex>" and bare hex.
func verifyHMACSignature(body []byte, signature, secret string) error {
	if secret == "" || signature == "" {
		return errVerification
	}
	got, err := hex.DecodeString(strings.TrimPrefix(signature, "sha256="))
	if err != nil {
		return errVerification
	}
	if !hmac.Equal(mac(body, secret), got) {
		return errVerification
	}
	return nil
}

func mac(body []byte, secret string) []byte {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(body)
	return h.Sum(nil)
}
