package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const signaturePrefix = "sha256="

var ErrInvalidSignature = errors.New("invalid signature")

// Signer produces and checks HMAC-SHA256 body signatures in the
// "sha256=<hex>" form used by webhook receivers.
type Signer interface {
	Sign(body []byte) string
	Verify(body []byte, signature string) error
}

// NewHMACSigner returns nil when secret is empty so callers can skip signing.
func NewHMACSigner(secret []byte) Signer {
	if len(secret) == 0 {
		return nil
	}
	return &hmacSigner{secret: append([]byte(nil), secret...)}
}

type hmacSigner struct {
	secret []byte
}

func (h *hmacSigner) Sign(body []byte) string {
	return signaturePrefix + hex.EncodeToString(h.sum(body))
}

func (h *hmacSigner) Verify(body []byte, signature string) error {
	raw, ok := strings.CutPrefix(signature, signaturePrefix)
	if !ok {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(raw)
	if err != nil {
		return ErrInvalidSignature
	}
	if !hmac.Equal(got, h.sum(body)) {
		return ErrInvalidSignature
	}
	return nil
}

func (h *hmacSigner) sum(body []byte) []byte {
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	return mac.Sum(nil)
}
