package jwks

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"testing"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func marshalSet(t *testing.T, keys ...jose.JSONWebKey) []byte {
	t.Helper()
	b, err := json.Marshal(jose.JSONWebKeySet{Keys: keys})
	require.NoError(t, err)
	return b
}

func TestParseKeySet(t *testing.T) {
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	edPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	t.Run("decodes supported key types", func(t *testing.T) {
		data := marshalSet(t,
			jose.JSONWebKey{Key: &rsaKey.PublicKey, KeyID: "rsa", Algorithm: "RS256", Use: "sig"},
			jose.JSONWebKey{Key: &ecKey.PublicKey, KeyID: "ec", Algorithm: "ES256", Use: "sig"},
			jose.JSONWebKey{Key: edPub, KeyID: "ed", Algorithm: "EdDSA"},
		)

		keys, skipped, err := ParseKeySet(data)
		require.NoError(t, err)
		assert.Empty(t, skipped)
		require.Len(t, keys, 3)

		byID := map[string]SigningKey{}
		for _, k := range keys {
			byID[k.KeyID] = k
		}
		assert.Equal(t, KeyTypeRSA, byID["rsa"].KeyType)
		assert.Equal(t, KeyTypeEC, byID["ec"].KeyType)
		assert.Equal(t, KeyTypeOKP, byID["ed"].KeyType)
		assert.Equal(t, "ES256", byID["ec"].Algorithm)
		assert.Equal(t, "EdDSA", byID["ed"].Algorithm)
	})

	t.Run("skips encryption and symmetric keys", func(t *testing.T) {
		data := marshalSet(t,
			jose.JSONWebKey{Key: &rsaKey.PublicKey, KeyID: "sig", Algorithm: "RS256", Use: "sig"},
			jose.JSONWebKey{Key: &rsaKey.PublicKey, KeyID: "enc", Algorithm: "RSA-OAEP", Use: "enc"},
			jose.JSONWebKey{Key: []byte("0123456789abcdef0123456789abcdef"), KeyID: "hmac", Algorithm: "HS256"},
		)

		keys, skipped, err := ParseKeySet(data)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		assert.Equal(t, "sig", keys[0].KeyID)
		assert.Len(t, skipped, 2)
	})

	t.Run("skips keys without kid", func(t *testing.T) {
		data := marshalSet(t,
			jose.JSONWebKey{Key: &rsaKey.PublicKey, Algorithm: "RS256", Use: "sig"},
			jose.JSONWebKey{Key: &rsaKey.PublicKey, KeyID: "ok", Algorithm: "RS256", Use: "sig"},
		)

		keys, skipped, err := ParseKeySet(data)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		require.Len(t, skipped, 1)
		assert.Equal(t, "#0", skipped[0].KeyID)
	})

	t.Run("private key material is reduced to public", func(t *testing.T) {
		data := marshalSet(t, jose.JSONWebKey{Key: rsaKey, KeyID: "priv", Algorithm: "RS256", Use: "sig"})

		keys, _, err := ParseKeySet(data)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		_, ok := keys[0].Key.(*rsa.PublicKey)
		assert.True(t, ok)
	})

	t.Run("unsupported kty is skipped", func(t *testing.T) {
		data := []byte(`{"keys":[{"kty":"XYZ","kid":"weird"},` + string(marshalSet(t,
			jose.JSONWebKey{Key: &rsaKey.PublicKey, KeyID: "ok", Use: "sig"})[len(`{"keys":[`):]))

		keys, skipped, err := ParseKeySet(data)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		require.Len(t, skipped, 1)
		assert.Equal(t, "weird", skipped[0].KeyID)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, _, err := ParseKeySet([]byte(`not json`))
		assert.Error(t, err)
	})

	t.Run("no usable keys", func(t *testing.T) {
		_, _, err := ParseKeySet([]byte(`{"keys":[]}`))
		assert.ErrorIs(t, err, errEmptyKeySet)
	})
}
