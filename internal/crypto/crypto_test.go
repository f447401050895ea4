package crypto

import (
	"crypto/ed25519"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVerifyEd25519(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	msg := []byte(`{"a":1}`)
	sig := ed25519.Sign(priv, msg)

	ok := VerifyEd25519(hex.EncodeToString(pub), hex.EncodeToString(sig), msg)
	require.True(t, ok)

	bad := VerifyEd25519(hex.EncodeToString(pub), hex.EncodeToString(sig), []byte(`{"a":2}`))
	require.False(t, bad)
}

func TestVerifyEd25519RejectsMalformedHex(t *testing.T) {
	require.False(t, VerifyEd25519("not-hex", "also-not-hex", []byte("x")))
}

func TestHexRoundTrip(t *testing.T) {
	b, err := DecodeHexUTF8(EncodeHexUTF8([]byte(`{"payload":{}}`)))
	require.NoError(t, err)
	require.Equal(t, `{"payload":{}}`, string(b))
}

func TestSHA3_256HexIsDeterministic(t *testing.T) {
	a := SHA3_256Hex([]byte("hello"))
	b := SHA3_256Hex([]byte("hello"))
	require.Equal(t, a, b)
	require.Len(t, a, 64)
}
