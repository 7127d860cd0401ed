package crypto

import (
	"bytes"
	"testing"
)

func TestKDFDeterminismAndContext(t *testing.T) {
	ikm := []byte("ikm")
	ctxA := "web4msg:group:tx"
	ctxB := "web4msg:group:rx"

	prk1, err := Extract(nil, ikm)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	prk2, err := Extract(nil, ikm)
	if err != nil {
		t.Fatalf("Extract failed: %v", err)
	}
	if !bytes.Equal(prk1, prk2) {
		t.Fatalf("Extract not deterministic")
	}

	keyA1, err := DeriveKeyE(ikm, ctxA, 32)
	if err != nil {
		t.Fatalf("DeriveKeyE failed: %v", err)
	}
	keyA2, err := DeriveKeyE(ikm, ctxA, 32)
	if err != nil {
		t.Fatalf("DeriveKeyE failed: %v", err)
	}
	if !bytes.Equal(keyA1, keyA2) {
		t.Fatalf("DeriveKeyE not deterministic")
	}
	keyB, err := DeriveKeyE(ikm, ctxB, 32)
	if err != nil {
		t.Fatalf("DeriveKeyE failed: %v", err)
	}
	if bytes.Equal(keyA1, keyB) {
		t.Fatalf("expected different keys for different contexts")
	}
}

func TestDeriveKeyDomainSeparation(t *testing.T) {
	if _, err := DeriveKeyE([]byte("ikm"), "bad:context", 32); err == nil {
		t.Fatalf("expected domain separation error")
	}
}

func TestSharedSecretIsSymmetric(t *testing.T) {
	alice, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	bob, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair failed: %v", err)
	}
	ab, err := DeriveSharedSecret(bob.EPub, alice)
	if err != nil {
		t.Fatalf("derive a->b failed: %v", err)
	}
	ba, err := DeriveSharedSecret(alice.EPub, bob)
	if err != nil {
		t.Fatalf("derive b->a failed: %v", err)
	}
	if !bytes.Equal(ab, ba) || len(ab) != XKeySize {
		t.Fatalf("shared secrets differ")
	}

	for _, plain := range [][]byte{[]byte("hi"), {}, bytes.Repeat([]byte{0xff}, 4096)} {
		ct, err := Encrypt(plain, ab)
		if err != nil {
			t.Fatalf("encrypt failed: %v", err)
		}
		got, err := Decrypt(ct, ba)
		if err != nil {
			t.Fatalf("decrypt failed: %v", err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("round trip mismatch")
		}
	}
}

func TestDecryptRejectsWrongKeyAndTamper(t *testing.T) {
	key, _ := RandomKey()
	other, _ := RandomKey()
	ct, err := Encrypt([]byte("payload"), key)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	if _, err := Decrypt(ct, other); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt for wrong key, got %v", err)
	}
	if _, err := Decrypt("not base64!", key); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt for garbage, got %v", err)
	}
	if _, err := Decrypt(ct[:10], key); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt for short input, got %v", err)
	}
}

func TestAADBindsHeader(t *testing.T) {
	key, _ := RandomKey()
	aad := BuildAAD("direct", 7, "alice", "bob", "chain")
	ct, err := EncryptAAD([]byte("payload"), key, aad)
	if err != nil {
		t.Fatalf("seal failed: %v", err)
	}
	if _, err := DecryptAAD(ct, key, aad); err != nil {
		t.Fatalf("open failed: %v", err)
	}
	moved := BuildAAD("direct", 8, "alice", "bob", "chain")
	if _, err := DecryptAAD(ct, key, moved); err == nil {
		t.Fatalf("expected index change to break authentication")
	}
	if bytes.Equal(BuildAAD("a", 0, "bc", "", ""), BuildAAD("a", 0, "b", "c", "")) {
		t.Fatalf("aad fields must be length-prefixed")
	}
}

func TestSaveLoadKeypair(t *testing.T) {
	dir := t.TempDir()
	k, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	again, err := LoadOrCreate(dir)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if again.ID() != k.ID() || !bytes.Equal(again.EPriv, k.EPriv) {
		t.Fatalf("reloaded keypair differs")
	}
	msg := []byte("identity")
	if !Verify(again.Pub, msg, Sign(k, msg)) {
		t.Fatalf("signature did not verify")
	}
	if k.GoString() != "crypto.Keypair{REDACTED}" {
		t.Fatalf("GoString leaked key material")
	}
}
