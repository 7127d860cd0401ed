package node

import (
	"testing"
	"time"

	"web4msg/internal/clock"
	"web4msg/internal/crypto"
)

func TestSecretCacheDerivesOnceAndExpires(t *testing.T) {
	t.Setenv("WEB4MSG_SECRET_CACHE_TTL_SEC", "60")
	t.Setenv("WEB4MSG_SECRET_CACHE_MAX", "2")
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	c := newSecretCache(clk)

	self, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	peer, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	s1, err := c.derive(peer.EncryptionKey(), self)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if _, ok := c.get(peer.EncryptionKey()); !ok {
		t.Fatalf("expected cached secret")
	}
	s2, err := c.derive(peer.EncryptionKey(), self)
	if err != nil || string(s1) != string(s2) {
		t.Fatalf("cached secret differs")
	}

	clk.Advance(61 * time.Second)
	if _, ok := c.get(peer.EncryptionKey()); ok {
		t.Fatalf("expected secret to expire")
	}
}

func TestSecretCacheEvictsOldest(t *testing.T) {
	t.Setenv("WEB4MSG_SECRET_CACHE_MAX", "2")
	c := newSecretCache(clock.NewFake(time.Unix(1_700_000_000, 0)))
	c.put("a", []byte{1})
	c.put("b", []byte{2})
	c.put("c", []byte{3})
	if c.len() != 2 {
		t.Fatalf("len = %d, want 2", c.len())
	}
	if _, ok := c.get("a"); ok {
		t.Fatalf("oldest entry should be evicted")
	}
}

func TestSecretCacheRejectsBadKey(t *testing.T) {
	c := newSecretCache(nil)
	self, err := crypto.GenerateKeypair()
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	if _, err := c.derive("!!not-a-key", self); err == nil {
		t.Fatalf("expected error for malformed key")
	}
}
