package cryptocore

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"hash"
)

// SignBytes computes an HMAC-SHA256 over message with the given key.
func SignBytes(message, key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return mac.Sum(nil)
}

// SignBase64 is SignBytes with the signature encoded for transport and
// storage.
func SignBase64(message, key []byte) string {
	return base64.StdEncoding.EncodeToString(SignBytes(message, key))
}

// VerifyBytes checks an HMAC signature in constant time.
func VerifyBytes(message, key, signature []byte) bool {
	return hmac.Equal(signature, SignBytes(message, key))
}

// VerifyBase64 checks a base64-encoded HMAC signature. A signature that
// does not decode verifies as false, not as an error.
func VerifyBase64(message, key []byte, signature string) bool {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return false
	}
	return VerifyBytes(message, key, sig)
}

// Hash computes a one-way digest of data. Supported algorithms are
// "sha256" and "sha512".
func Hash(data []byte, algorithm string) ([]byte, error) {
	var h hash.Hash
	switch algorithm {
	case "sha256", "":
		h = sha256.New()
	case "sha512":
		h = sha512.New()
	default:
		return nil, fmt.Errorf("unsupported hash algorithm %q", algorithm)
	}
	h.Write(data)
	return h.Sum(nil), nil
}

// VerifyHash recomputes the digest and compares in constant time.
func VerifyHash(data, digest []byte, algorithm string) bool {
	want, err := Hash(data, algorithm)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(want, digest) == 1
}
