package rend

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
)

// RSAKeyCodec is the default KeyCodec: PKCS#1 ASN.1 DER for the key,
// SHA-1 for the digest, and PKCS#1v1.5 sign/verify over that digest. This
// mirrors the RSA handling already used for directory authority keys in
// directory/keycert.go (ParsePKCS1PublicKey) and directory/consensus.go
// (VerifyPKCS1v15), and the digest-then-sign scheme of the original
// rendcommon.c (crypto_pk_private_sign_digest / crypto_pk_public_checksig_digest).
type RSAKeyCodec struct{}

func (RSAKeyCodec) ModulusLen(pub *rsa.PublicKey) int {
	return pub.Size()
}

func (RSAKeyCodec) EncodeASN1(pub *rsa.PublicKey) ([]byte, error) {
	if pub == nil || pub.N == nil {
		return nil, fmt.Errorf("%w: nil public key", ErrAsn1Encode)
	}
	return x509.MarshalPKCS1PublicKey(pub), nil
}

func (RSAKeyCodec) DecodeASN1(data []byte) (*rsa.PublicKey, error) {
	pub, err := x509.ParsePKCS1PublicKey(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return pub, nil
}

func (k RSAKeyCodec) Digest(pub *rsa.PublicKey) ([]byte, error) {
	der, err := k.EncodeASN1(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDigestFailed, err)
	}
	sum := sha1.Sum(der)
	return sum[:], nil
}

func (RSAKeyCodec) SignPayload(priv *rsa.PrivateKey, payload []byte) ([]byte, error) {
	digest := sha1.Sum(payload)
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA1, digest[:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignFailed, err)
	}
	return sig, nil
}

func (RSAKeyCodec) VerifyPayload(pub *rsa.PublicKey, payload, sig []byte) error {
	digest := sha1.Sum(payload)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA1, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return nil
}
