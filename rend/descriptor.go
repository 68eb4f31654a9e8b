// Package rend implements the rendezvous-descriptor subsystem shared
// between hidden-service introducers, services, clients, and rendezvous
// points: the wire codec for legacy (v2-style) service descriptors, the
// service-ID derivation, the descriptor cache, and the rendezvous relay
// command dispatcher. See rendcommon.c in the reference Tor implementation
// for the algorithm this package is a direct port of.
package rend

import (
	"bytes"
	"crypto/rsa"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Sentinel errors. Callers distinguish failure modes with errors.Is.
var (
	ErrTruncated    = errors.New("rend: truncated descriptor")
	ErrBadKey       = errors.New("rend: invalid public key encoding")
	ErrTrailingJunk = errors.New("rend: trailing data after signature")
	ErrBadSignature = errors.New("rend: signature verification failed")
	ErrAsn1Encode   = errors.New("rend: asn.1 encode failed")
	ErrSignFailed   = errors.New("rend: signing failed")
	ErrDigestFailed = errors.New("rend: digest computation failed")
	ErrEncodeFailed = errors.New("rend: service id encoding failed")
	ErrInvalidQuery = errors.New("rend: malformed service id query")
	ErrRejected     = errors.New("rend: descriptor rejected")
)

// ServiceDescriptor is the in-memory parsed form of a hidden service's
// signed descriptor.
type ServiceDescriptor struct {
	PublicKey   *rsa.PublicKey
	Timestamp   int64 // seconds since the epoch, when the descriptor was signed
	IntroPoints []string
}

// EncodedDescriptor is the wire form of a ServiceDescriptor: the signature
// at the tail covers everything before it.
type EncodedDescriptor []byte

// KeyCodec is the crypto collaborator contract this package requires (§6.3):
// ASN.1 encoding of the service's long-term RSA key, a digest of that key,
// and digest-then-sign / digest-then-verify over the rest of the payload.
// RSAKeyCodec is the only implementation in this repository; the interface
// exists so tests can substitute a codec that exercises failure paths
// without needing to corrupt valid RSA keys by hand.
type KeyCodec interface {
	ModulusLen(pub *rsa.PublicKey) int
	EncodeASN1(pub *rsa.PublicKey) ([]byte, error)
	DecodeASN1(data []byte) (*rsa.PublicKey, error)
	Digest(pub *rsa.PublicKey) ([]byte, error)
	SignPayload(priv *rsa.PrivateKey, payload []byte) ([]byte, error)
	VerifyPayload(pub *rsa.PublicKey, payload, sig []byte) error
}

// Codec encodes and parses the wire format of §6.1. The zero value uses
// RSAKeyCodec; set Keys to inject a different crypto collaborator.
type Codec struct {
	Keys KeyCodec
}

func (c Codec) keyCodec() KeyCodec {
	if c.Keys == nil {
		return RSAKeyCodec{}
	}
	return c.Keys
}

// Encode serializes desc and signs it with priv, which must be the private
// half of desc.PublicKey. See §4.1.1.
func Encode(desc *ServiceDescriptor, priv *rsa.PrivateKey) (EncodedDescriptor, error) {
	return Codec{}.Encode(desc, priv)
}

// Parse parses and verifies data, returning the decoded descriptor or a
// tagged error (ErrTruncated, ErrBadKey, ErrTrailingJunk, ErrBadSignature).
// See §4.1.2.
func Parse(data []byte) (*ServiceDescriptor, error) {
	return Codec{}.Parse(data)
}

func (c Codec) Encode(desc *ServiceDescriptor, priv *rsa.PrivateKey) (EncodedDescriptor, error) {
	if desc.PublicKey == nil {
		return nil, fmt.Errorf("encode descriptor: %w: nil public key", ErrAsn1Encode)
	}
	if len(desc.IntroPoints) > math.MaxUint16 {
		return nil, fmt.Errorf("encode descriptor: %d introduction points exceeds uint16", len(desc.IntroPoints))
	}
	for _, ip := range desc.IntroPoints {
		if strings.IndexByte(ip, 0) >= 0 {
			return nil, fmt.Errorf("encode descriptor: introduction point identifier contains NUL")
		}
	}

	keys := c.keyCodec()
	asn1, err := keys.EncodeASN1(desc.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}
	if len(asn1) > math.MaxUint16 {
		return nil, fmt.Errorf("encode descriptor: %w: asn.1 key encoding too long", ErrAsn1Encode)
	}

	payloadLen := 2 + len(asn1) + 4 + 2
	for _, ip := range desc.IntroPoints {
		payloadLen += len(ip) + 1
	}

	buf := make([]byte, payloadLen)
	off := 0
	binary.BigEndian.PutUint16(buf[off:], uint16(len(asn1)))
	off += 2
	copy(buf[off:], asn1)
	off += len(asn1)
	binary.BigEndian.PutUint32(buf[off:], saturateUint32(desc.Timestamp))
	off += 4
	binary.BigEndian.PutUint16(buf[off:], uint16(len(desc.IntroPoints)))
	off += 2
	for _, ip := range desc.IntroPoints {
		off += copy(buf[off:], ip)
		buf[off] = 0
		off++
	}

	sig, err := keys.SignPayload(priv, buf)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}

	out := make([]byte, 0, len(buf)+len(sig))
	out = append(out, buf...)
	out = append(out, sig...)
	return out, nil
}

func (c Codec) Parse(data []byte) (*ServiceDescriptor, error) {
	keys := c.keyCodec()

	if len(data) < 2 {
		return nil, fmt.Errorf("parse descriptor: %w", ErrTruncated)
	}
	off := 0
	asn1Len := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if len(data)-off < asn1Len {
		return nil, fmt.Errorf("parse descriptor: %w", ErrTruncated)
	}
	pub, err := keys.DecodeASN1(data[off : off+asn1Len])
	if err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}
	off += asn1Len

	if len(data)-off < 4 {
		return nil, fmt.Errorf("parse descriptor: %w", ErrTruncated)
	}
	timestamp := int64(binary.BigEndian.Uint32(data[off:]))
	off += 4

	if len(data)-off < 2 {
		return nil, fmt.Errorf("parse descriptor: %w", ErrTruncated)
	}
	nIntro := int(binary.BigEndian.Uint16(data[off:]))
	off += 2

	introPoints := make([]string, 0, nIntro)
	for i := 0; i < nIntro; i++ {
		rest := data[off:]
		nul := bytes.IndexByte(rest, 0)
		if nul < 0 {
			return nil, fmt.Errorf("parse descriptor: %w", ErrTruncated)
		}
		introPoints = append(introPoints, string(rest[:nul]))
		off += nul + 1
	}

	sigLen := keys.ModulusLen(pub)
	remaining := len(data) - off
	switch {
	case remaining < sigLen:
		return nil, fmt.Errorf("parse descriptor: %w", ErrTruncated)
	case remaining > sigLen:
		return nil, fmt.Errorf("parse descriptor: %w", ErrTrailingJunk)
	}

	sig := data[off:]
	if err := keys.VerifyPayload(pub, data[:off], sig); err != nil {
		return nil, fmt.Errorf("parse descriptor: %w", err)
	}

	return &ServiceDescriptor{
		PublicKey:   pub,
		Timestamp:   timestamp,
		IntroPoints: introPoints,
	}, nil
}

// saturateUint32 clamps ts to the uint32 wire range rather than silently
// widening the wire format. Behavior past year 2106 is this clamp, not
// wraparound (open question in the original spec).
func saturateUint32(ts int64) uint32 {
	if ts < 0 {
		return 0
	}
	if ts > math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(ts)
}
