package util

import (
	"strings"
	"testing"
)

func TestStorageKeyShort(t *testing.T) {
	if got := StorageKey("user", "42"); got != "user:42" {
		t.Fatalf("got %q", got)
	}
}

func TestStorageKeyLongIsHashed(t *testing.T) {
	long := strings.Repeat("k", MaxKeyLen*2)
	a := StorageKey("ns", long)
	b := StorageKey("ns", long)
	if a != b {
		t.Fatalf("not deterministic: %q vs %q", a, b)
	}
	if len(a) > MaxKeyLen {
		t.Fatalf("hashed key too long: %d", len(a))
	}
	if !strings.HasPrefix(a, "ns:#") {
		t.Fatalf("unexpected prefix: %q", a)
	}
	if StorageKey("ns", long+"x") == a {
		t.Fatalf("different keys collided")
	}
}
