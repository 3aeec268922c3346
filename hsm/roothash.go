package hsm

import "github.com/juicebox-realm/realmcore/merkle"

// zeroHash is the sentinel statements.Partition.RootHash uses for "this
// group owns its range but the tree is currently empty" (distinct from
// Partition being nil, which means the group owns no range at all).
// statements.Partition carries no separate boolean flag, since it's a
// MAC'd wire structure and spec.md §3 defines it as exactly
// {range, root_hash}; a genuine sha256 content hash landing on all-zero
// bytes is as close to impossible as makes no difference, so the sentinel
// is safe in practice. Every call from this package into the merkle
// engine's explicit (root, hasRoot) pair goes through hasRoot below rather
// than assuming true.
var zeroHash merkle.Hash

func hasRoot(h merkle.Hash) bool {
	return h != zeroHash
}
