package cache

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"sort"
)

// fingerprintVersion is mixed into every fingerprint; bump it when Normalize
// changes so old entries stop matching.
const fingerprintVersion = "fp1"

// Fingerprint digests the cache-equivalence key of a query. It is a pure
// function of its arguments: identical inputs always yield the same hex digest.
// Fields are length-prefixed so ("ab","c") and ("a","bc") never collide.
func Fingerprint(normalized, scope, modelVersion, optionsHash string) string {
	h := sha256.New()
	writeField(h, fingerprintVersion)
	writeField(h, normalized)
	writeField(h, scope)
	writeField(h, modelVersion)
	writeField(h, optionsHash)
	return hex.EncodeToString(h.Sum(nil))
}

// OptionsHash digests generation options independent of map order.
// Nil and empty maps hash identically.
func OptionsHash(options map[string]string) string {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		writeField(h, k)
		writeField(h, options[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	h.Write(n[:])
	h.Write([]byte(s))
}
