package index

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Node kinds used as the id namespace. Two nodes of different kinds with the
// same natural key never collide.
const (
	kindDocument = "document"
	kindSection  = "section"
	kindChunk    = "chunk"
	kindSentence = "sentence"
	kindEntity   = "entity"
	kindEdge     = "edge"
	kindMention  = "mention"
	kindKeyValue = "key_value"
	kindRaptor   = "raptor"
)

// NodeID derives a deterministic id from the tenant group, node kind and the
// node's natural key parts. Re-indexing the same content yields the same ids,
// so upserts converge instead of duplicating.
func NodeID(groupID, kind string, keyParts ...string) string {
	h := sha256.New()
	h.Write([]byte(groupID))
	h.Write([]byte{'|'})
	h.Write([]byte(kind))
	for _, part := range keyParts {
		h.Write([]byte{'|'})
		h.Write([]byte(part))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

// ContentHash is the tenant-agnostic key of the extraction cache. It hashes
// only the text, never the group, so identical content shares one entry.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
