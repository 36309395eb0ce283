package config

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hash is a 256-bit content digest. It is the only identity the persistent
// store knows about: urls_hash keys a feed group, update_hash keys an item
// within a group, criteria_hash detects reconfiguration.
type Hash [sha256.Size]byte

// ZeroHash is the digest recorded for an absent filter.
var ZeroHash Hash

// HashBytes returns the digest of a byte slice.
func HashBytes(b []byte) Hash {
	return sha256.Sum256(b)
}

// HashString returns the digest of a string.
func HashString(s string) Hash {
	return sha256.Sum256([]byte(s))
}

// CombineHashes digests the concatenation of the given digests, in order.
// Hashing each part before combining prevents run-on collisions between
// distinct sequences.
func CombineHashes(hashes ...Hash) Hash {
	h := sha256.New()
	for _, part := range hashes {
		h.Write(part[:])
	}
	var out Hash
	h.Sum(out[:0])
	return out
}

// String renders the digest as lowercase hex.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Bytes returns the digest as a slice for SQL parameters.
func (h Hash) Bytes() []byte {
	return h[:]
}

// HashFromBytes converts a stored 32-byte value back into a Hash.
func HashFromBytes(b []byte) (Hash, bool) {
	var h Hash
	if len(b) != len(h) {
		return h, false
	}
	copy(h[:], b)
	return h, true
}

func hashURLs(urls []string) Hash {
	hashes := make([]Hash, len(urls))
	for i, u := range urls {
		hashes[i] = HashString(u)
	}
	return CombineHashes(hashes...)
}

// hashCriteria digests urls_hash, each update key, and the filter digest in
// one flat sequence. All parts are fixed 32-byte digests, so distinct key
// lists cannot collide by concatenation.
func hashCriteria(urlsHash Hash, updateKeys []string, filter *Filter) Hash {
	parts := make([]Hash, 0, len(updateKeys)+2)
	parts = append(parts, urlsHash)
	for _, k := range updateKeys {
		parts = append(parts, HashString(k))
	}
	filterHash := ZeroHash
	if filter != nil {
		filterHash = filter.digest()
	}
	parts = append(parts, filterHash)
	return CombineHashes(parts...)
}
