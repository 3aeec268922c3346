// Package merkle implements the realm's per-group Merkle tree: a
// content-addressed, hash-keyed radix trie over 256-bit RecordIds that
// supports insert, delete, range split and range merge.
//
// This generalizes the teacher's urkle trie (urkle/hash.go, urkle/proof.go):
// urkle is an append-only array keyed by a 64-bit, strictly-increasing key,
// built for inclusion proofs over an audit log that never deletes or
// repartitions anything. A realm's tree must support arbitrary insert,
// delete, and splitting/merging a range of ownership between groups, so
// nodes here are addressed by content hash and held together by a Store
// rather than packed into a preallocated array by append order. The hashing
// scheme (domain-separated leaf/branch hashes built by walking bit-by-bit)
// and the proof shape (steps built leaf-to-root, reversed for verification)
// are kept as-is from urkle/hash.go and urkle/proof.go.
package merkle

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"

	"github.com/juicebox-realm/realmcore/ids"
)

// Hash is the fixed-width digest identifying a node by content.
type Hash [32]byte

// NewHasher returns the hash.Hash implementation used throughout this
// package. It's a function, not a package-level var, so each caller gets an
// independent, resettable hasher the way urkle's Hash* functions expect.
func NewHasher() hash.Hash { return sha256.New() }

// bitAt returns bit i (0 = most significant bit of byte 0) of key.
func bitAt(key ids.RecordId, i int) uint8 {
	byteIdx := i / 8
	bitIdx := 7 - uint(i%8)
	return (key[byteIdx] >> bitIdx) & 1
}

// HashLeaf computes H(0x00 || range || key[32] || value), binding the leaf
// to both its key and the partition range it lives in: the same record in a
// different range hashes differently (spec.md §3).
func HashLeaf(h hash.Hash, rng ids.OwnedRange, key ids.RecordId, value []byte) Hash {
	h.Reset()
	_, _ = h.Write([]byte{0x00})
	writeRange(h, rng)
	_, _ = h.Write(key[:])
	_, _ = h.Write(value)
	return sum(h)
}

// HashBranch computes H(0x01 || range || bit || left || right). The bit
// index and the recursive left/right hashes commit the entire root-to-leaf
// path, the same way urkle's HashBranch commits a node's position via its
// branch bit without separately storing a path prefix.
func HashBranch(h hash.Hash, rng ids.OwnedRange, bit int, left, right Hash) Hash {
	h.Reset()
	_, _ = h.Write([]byte{0x01})
	writeRange(h, rng)
	var bitBytes [2]byte
	binary.BigEndian.PutUint16(bitBytes[:], uint16(bit))
	_, _ = h.Write(bitBytes[:])
	_, _ = h.Write(left[:])
	_, _ = h.Write(right[:])
	return sum(h)
}

func writeRange(h hash.Hash, rng ids.OwnedRange) {
	_, _ = h.Write(rng.Start[:])
	_, _ = h.Write(rng.End[:])
}

func sum(h hash.Hash) Hash {
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}
