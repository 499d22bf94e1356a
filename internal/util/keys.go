package util

import (
	"crypto/sha256"
	"encoding/hex"
)

// MaxKeyLen bounds storage keys. Longer logical keys are replaced by a digest.
const MaxKeyLen = 200

// StorageKey returns "<ns>:<key>". When the result would exceed MaxKeyLen the
// key part becomes "#" followed by the hex sha256 of the key.
func StorageKey(ns, key string) string {
	if len(ns)+1+len(key) <= MaxKeyLen {
		return ns + ":" + key
	}
	sum := sha256.Sum256([]byte(key))
	return ns + ":#" + hex.EncodeToString(sum[:])
}
