package merkle

import "github.com/juicebox-realm/realmcore/ids"

// ProofStep is one edge on a root-to-leaf path, in verification order
// (root first), mirroring urkle/proof.go's ProofStep shape generalized from
// a fixed 64-bit bit index to this tree's 256-bit key space.
type ProofStep struct {
	Bit     int
	Dir     uint8 // 0 = proof's node is the left child, 1 = right child
	Sibling Hash
}

// ReadProof is evidence for or against a key's membership: Found
// distinguishes an inclusion proof (EncounteredKey == requested key) from an
// exclusion proof (EncounteredKey is whatever leaf the search path actually
// reaches). Steps let a verifier recompute the root hash from EncounteredKey
// and Value alone.
type ReadProof struct {
	Key            ids.RecordId
	Found          bool
	EncounteredKey ids.RecordId
	Value          []byte
	Steps          []ProofStep
}

// Prove walks the tree rooted at root along key's search path and returns a
// ReadProof for whatever leaf that path reaches.
func Prove(fetch Fetcher, root Hash, hasRoot bool, key ids.RecordId) (ReadProof, error) {
	if !hasRoot {
		return ReadProof{}, ErrEmptyTree
	}

	var stepsRootFirst []ProofStep
	cur := root
	for {
		node, err := fetch.Get(cur)
		if err != nil {
			return ReadProof{}, err
		}
		if node.IsLeaf() {
			return ReadProof{
				Key:            key,
				Found:          node.Leaf.Key == key,
				EncounteredKey: node.Leaf.Key,
				Value:          node.Leaf.Value,
				Steps:          stepsRootFirst,
			}, nil
		}

		bit := bitAt(key, node.Interior.BranchBit)
		next, sib := node.Interior.Left, node.Interior.Right
		dir := uint8(0)
		if bit == 1 {
			next, sib = node.Interior.Right, node.Interior.Left
			dir = 1
		}
		stepsRootFirst = append(stepsRootFirst, ProofStep{Bit: node.Interior.BranchBit, Dir: dir, Sibling: sib})
		cur = next
	}
}

// Verify recomputes proof's claimed leaf hash and folds the steps back up
// to a root hash, in leaf-to-root order (the reverse of Prove's
// root-to-leaf walk, matching urkle/proof.go's VerifyInclusion), then
// compares that root against expectedRoot under rng.
func Verify(rng ids.OwnedRange, expectedRoot Hash, proof ReadProof) bool {
	h := NewHasher()
	cur := HashLeaf(h, rng, proof.EncounteredKey, proof.Value)

	for i := len(proof.Steps) - 1; i >= 0; i-- {
		step := proof.Steps[i]
		var left, right Hash
		if step.Dir == 0 {
			left, right = cur, step.Sibling
		} else {
			left, right = step.Sibling, cur
		}
		cur = HashBranch(h, rng, step.Bit, left, right)
	}
	return cur == expectedRoot
}
