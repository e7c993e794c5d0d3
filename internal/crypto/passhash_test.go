package crypto

import (
	"bytes"
	"testing"
)

func TestRandBytes_LengthAndUniqueness(t *testing.T) {
	t.Parallel()

	const n = 64
	a, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes: %v", err)
	}
	if len(a) != n {
		t.Fatalf("len=%d, want=%d", len(a), n)
	}
	b, err := RandBytes(n)
	if err != nil {
		t.Fatalf("RandBytes(2): %v", err)
	}
	if bytes.Equal(a, b) {
		t.Fatalf("two subsequent RandBytes(%d) are equal", n)
	}
}

func TestVerifier_Check(t *testing.T) {
	t.Parallel()

	pw := []byte("correct horse battery staple")
	v, err := NewVerifier(pw)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	if bytes.Equal(v.Salt, v.KEKSalt) {
		t.Fatalf("verifier and KEK salts must differ")
	}
	if !v.Check(pw) {
		t.Fatalf("Check: expected true for correct passphrase")
	}
	if v.Check([]byte("wrong")) {
		t.Fatalf("Check: expected false for wrong passphrase")
	}
	if v.Check([]byte{}) {
		t.Fatalf("Check: expected false for empty passphrase")
	}
	if (Verifier{}).Check(pw) {
		t.Fatalf("Check: empty verifier must never match")
	}
}

func TestVerifier_SaltChangesHash(t *testing.T) {
	t.Parallel()

	pw := []byte("p@ssw0rd")
	a, _ := NewVerifier(pw)
	b, _ := NewVerifier(pw)
	if bytes.Equal(a.Hash, b.Hash) {
		t.Fatalf("hash should differ when salt differs")
	}
}
