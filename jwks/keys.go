package jwks

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"

	jose "github.com/go-jose/go-jose/v4"
)

// Key types as published in the "kty" member of a JWK.
const (
	KeyTypeRSA = "RSA"
	KeyTypeEC  = "EC"
	KeyTypeOKP = "OKP"
)

// SigningKey is a public verification key taken from the provider's key set
type SigningKey struct {
	KeyID string
	// Algorithm is the "alg" the provider published for the key. It may be
	// empty, in which case any algorithm of the key's family is acceptable.
	Algorithm string
	KeyType   string
	Key       crypto.PublicKey
}

// SkippedKey describes a JWK that was present in a key set but not usable
// for signature verification.
type SkippedKey struct {
	KeyID  string
	Reason string
}

var errEmptyKeySet = errors.New("key set has no usable signing keys")

// ParseKeySet decodes a JSON Web Key Set document. Keys that cannot be used
// to verify signatures (encryption keys, symmetric keys, keys without a kid,
// unsupported key types) are reported in the skipped list instead of failing
// the whole set.
func ParseKeySet(data []byte) ([]SigningKey, []SkippedKey, error) {
	var raw struct {
		Keys []json.RawMessage `json:"keys"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}

	keys := make([]SigningKey, 0, len(raw.Keys))
	var skipped []SkippedKey
	for i, msg := range raw.Keys {
		var jwk jose.JSONWebKey
		if err := jwk.UnmarshalJSON(msg); err != nil {
			skipped = append(skipped, SkippedKey{KeyID: peekKeyID(msg), Reason: err.Error()})
			continue
		}
		key, err := signingKeyFromJWK(jwk)
		if err != nil {
			id := jwk.KeyID
			if id == "" {
				id = fmt.Sprintf("#%d", i)
			}
			skipped = append(skipped, SkippedKey{KeyID: id, Reason: err.Error()})
			continue
		}
		keys = append(keys, key)
	}

	if len(keys) == 0 {
		return nil, skipped, errEmptyKeySet
	}
	return keys, skipped, nil
}

func signingKeyFromJWK(jwk jose.JSONWebKey) (SigningKey, error) {
	if jwk.KeyID == "" {
		return SigningKey{}, errors.New("missing kid")
	}
	if jwk.Use != "" && jwk.Use != "sig" {
		return SigningKey{}, fmt.Errorf("key use %q is not sig", jwk.Use)
	}
	if !jwk.Valid() {
		return SigningKey{}, errors.New("invalid key material")
	}
	if !jwk.IsPublic() {
		pub := jwk.Public()
		if !pub.Valid() {
			return SigningKey{}, errors.New("not an asymmetric key")
		}
		jwk = pub
	}

	sk := SigningKey{KeyID: jwk.KeyID, Algorithm: jwk.Algorithm, Key: jwk.Key}
	switch k := jwk.Key.(type) {
	case *rsa.PublicKey:
		sk.KeyType = KeyTypeRSA
	case *ecdsa.PublicKey:
		sk.KeyType = KeyTypeEC
	case ed25519.PublicKey:
		sk.KeyType = KeyTypeOKP
	default:
		return SigningKey{}, fmt.Errorf("unsupported key type %T", k)
	}
	return sk, nil
}

func peekKeyID(msg json.RawMessage) string {
	var hdr struct {
		Kid string `json:"kid"`
	}
	_ = json.Unmarshal(msg, &hdr)
	return hdr.Kid
}
