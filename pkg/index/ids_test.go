package index

import (
	"testing"
)

func TestNodeIDDeterminism(t *testing.T) {
	a := NodeID("acme", kindEntity, "payment terms")
	b := NodeID("acme", kindEntity, "payment terms")
	if a != b {
		t.Fatalf("same inputs produced different ids: %s vs %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 char id, got %d: %s", len(a), a)
	}
}

func TestNodeIDGroupSeparation(t *testing.T) {
	a := NodeID("acme", kindEntity, "payment terms")
	b := NodeID("globex", kindEntity, "payment terms")
	if a == b {
		t.Fatalf("colliding natural keys across groups produced the same id: %s", a)
	}
}

func TestNodeIDKindSeparation(t *testing.T) {
	a := NodeID("acme", kindEntity, "net 30")
	b := NodeID("acme", kindKeyValue, "net 30")
	if a == b {
		t.Fatalf("same natural key across kinds produced the same id: %s", a)
	}
}

func TestNodeIDDelimiterSafety(t *testing.T) {
	a := NodeID("acme", kindChunk, "ab", "c")
	b := NodeID("acme", kindChunk, "a", "bc")
	if a == b {
		t.Fatalf("shifted key parts produced the same id: %s", a)
	}
}

func TestContentHashIgnoresGroup(t *testing.T) {
	if ContentHash("same text") != ContentHash("same text") {
		t.Fatal("identical text produced different content hashes")
	}
	if ContentHash("same text") == ContentHash("other text") {
		t.Fatal("different text produced the same content hash")
	}
}
