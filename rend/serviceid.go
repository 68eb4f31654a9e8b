package rend

import (
	"crypto/rsa"
	"encoding/base32"
	"fmt"
)

// SIDLen is the fixed length of a service ID (§6.2).
const SIDLen = 16

// sidEncoding is the base32 alphabet restricted to lowercase letters and
// digits 2-7, unpadded. Standard library base32.StdEncoding is uppercase;
// Tor's service IDs are lowercase, so this is a custom alphabet rather than
// a case transform applied after the fact.
var sidEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// ServiceID derives the service's short, case-insensitive identifier from
// its public key: the first 10 bytes of the key's digest, base32-encoded.
// See §4.2.
func ServiceID(pub *rsa.PublicKey) (string, error) {
	return serviceID(RSAKeyCodec{}, pub)
}

func serviceID(keys KeyCodec, pub *rsa.PublicKey) (string, error) {
	digest, err := keys.Digest(pub)
	if err != nil {
		return "", fmt.Errorf("service id: %w", err)
	}
	if len(digest) < 10 {
		return "", fmt.Errorf("service id: %w: digest shorter than 10 bytes", ErrDigestFailed)
	}
	id := sidEncoding.EncodeToString(digest[:10])
	if len(id) != SIDLen {
		return "", fmt.Errorf("service id: %w: got %d chars, want %d", ErrEncodeFailed, len(id), SIDLen)
	}
	return id, nil
}

// ValidServiceID reports whether query is syntactically a well-formed
// service ID: exactly SIDLen characters, all within [a-z2-7]. Callers that
// want case-insensitive matching should lowercase query first — padding
// and alternate base32 alphabets are never valid, per §9.
func ValidServiceID(query string) bool {
	if len(query) != SIDLen {
		return false
	}
	for i := 0; i < len(query); i++ {
		c := query[i]
		if !((c >= 'a' && c <= 'z') || (c >= '2' && c <= '7')) {
			return false
		}
	}
	return true
}
