package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHMACSigner(t *testing.T) {
	signer := NewHMACSigner([]byte("s3cret"))
	require.NotNil(t, signer)

	body := []byte(`{"title":"hello"}`)
	sig := signer.Sign(body)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.NoError(t, signer.Verify(body, sig))

	tests := []struct {
		name      string
		body      []byte
		signature string
	}{
		{"tampered body", []byte(`{"title":"bye"}`), sig},
		{"missing prefix", body, sig[len("sha256="):]},
		{"not hex", body, "sha256=zz"},
		{"other secret", body, NewHMACSigner([]byte("other")).Sign(body)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, signer.Verify(tt.body, tt.signature), ErrInvalidSignature)
		})
	}
}

func TestNewHMACSignerWithoutSecret(t *testing.T) {
	assert.Nil(t, NewHMACSigner(nil))
}
