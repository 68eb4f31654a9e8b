package rend

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
)

func TestServiceIDStability(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	id1, err := ServiceID(&priv.PublicKey)
	if err != nil {
		t.Fatalf("ServiceID: %v", err)
	}
	id2, err := ServiceID(&priv.PublicKey)
	if err != nil {
		t.Fatalf("ServiceID: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("ServiceID is not deterministic: %q != %q", id1, id2)
	}
	if len(id1) != SIDLen {
		t.Fatalf("length: got %d, want %d", len(id1), SIDLen)
	}
	for i := 0; i < len(id1); i++ {
		c := id1[i]
		if !((c >= 'a' && c <= 'z') || (c >= '2' && c <= '7')) {
			t.Fatalf("character %q at index %d outside [a-z2-7]", c, i)
		}
	}
}

func TestServiceIDDiffersByKey(t *testing.T) {
	priv1, _ := rsa.GenerateKey(rand.Reader, 1024)
	priv2, _ := rsa.GenerateKey(rand.Reader, 1024)

	id1, err := ServiceID(&priv1.PublicKey)
	if err != nil {
		t.Fatalf("ServiceID: %v", err)
	}
	id2, err := ServiceID(&priv2.PublicKey)
	if err != nil {
		t.Fatalf("ServiceID: %v", err)
	}
	if id1 == id2 {
		t.Fatal("expected different service IDs for different keys")
	}
}

func TestValidServiceID(t *testing.T) {
	cases := []struct {
		query string
		valid bool
	}{
		{"abcdefgh234567zz", true},
		{"ABCDEFGH234567ZZ", false}, // case handling lives in the cache, not here
		{"abcdefgh234567z", false},  // too short
		{"abcdefgh234567zzz", false}, // too long
		{"abcdefgh0123456a", false}, // contains 0/1, outside alphabet
	}
	for _, c := range cases {
		if got := ValidServiceID(c.query); got != c.valid {
			t.Errorf("ValidServiceID(%q) = %v, want %v", c.query, got, c.valid)
		}
	}
}
