package merkle

import "github.com/juicebox-realm/realmcore/ids"

// Insert adds or updates key's value under root (a crit-bit trie restricted
// to rng) and returns the new root hash and the resulting StoreDelta. hasRoot
// is false for an empty tree.
func Insert(fetch Fetcher, rng ids.OwnedRange, root Hash, hasRoot bool, key ids.RecordId, value []byte) (Hash, StoreDelta, error) {
	if !hasRoot {
		leaf := leafNode(key, value)
		h := leaf.Hash(rng)
		delta := newDelta()
		delta.Add[h] = leaf
		return h, delta, nil
	}
	return insertSubtree(fetch, rng, root, key, value)
}

func insertSubtree(fetch Fetcher, rng ids.OwnedRange, subtreeRoot Hash, key ids.RecordId, value []byte) (Hash, StoreDelta, error) {
	node, err := fetch.Get(subtreeRoot)
	if err != nil {
		return Hash{}, StoreDelta{}, err
	}

	if node.IsLeaf() {
		return insertAtLeaf(rng, subtreeRoot, node.Leaf, key, value)
	}

	repKey, err := representativeKey(fetch, subtreeRoot)
	if err != nil {
		return Hash{}, StoreDelta{}, err
	}
	critBit, differ := firstDifferingBit(key, repKey)
	if differ && critBit < node.Interior.BranchBit {
		// key diverges from this whole subtree above its branch point: graft
		// a new leaf in alongside the untouched subtree.
		leaf := leafNode(key, value)
		leafHash := leaf.Hash(rng)
		var left, right Hash
		if bitAt(key, critBit) == 0 {
			left, right = leafHash, subtreeRoot
		} else {
			left, right = subtreeRoot, leafHash
		}
		interior := interiorNode(critBit, left, right)
		interiorHash := interior.Hash(rng)

		delta := newDelta()
		delta.Add[leafHash] = leaf
		delta.Add[interiorHash] = interior
		return interiorHash, delta, nil
	}

	bit := bitAt(key, node.Interior.BranchBit)
	childHash := node.Interior.Left
	if bit == 1 {
		childHash = node.Interior.Right
	}

	newChildHash, delta, err := insertSubtree(fetch, rng, childHash, key, value)
	if err != nil {
		return Hash{}, StoreDelta{}, err
	}

	newLeft, newRight := node.Interior.Left, node.Interior.Right
	if bit == 0 {
		newLeft = newChildHash
	} else {
		newRight = newChildHash
	}
	newNode := interiorNode(node.Interior.BranchBit, newLeft, newRight)
	newHash := newNode.Hash(rng)
	delta.Add[newHash] = newNode
	delta.Remove = append(delta.Remove, subtreeRoot)
	return newHash, delta, nil
}

func insertAtLeaf(rng ids.OwnedRange, oldLeafHash Hash, oldLeaf *Leaf, key ids.RecordId, value []byte) (Hash, StoreDelta, error) {
	if oldLeaf.Key == key {
		newLeaf := leafNode(key, value)
		newHash := newLeaf.Hash(rng)
		delta := newDelta()
		delta.Add[newHash] = newLeaf
		delta.Remove = append(delta.Remove, oldLeafHash)
		return newHash, delta, nil
	}

	critBit, _ := firstDifferingBit(key, oldLeaf.Key)
	newLeaf := leafNode(key, value)
	newLeafHash := newLeaf.Hash(rng)

	var left, right Hash
	if bitAt(key, critBit) == 0 {
		left, right = newLeafHash, oldLeafHash
	} else {
		left, right = oldLeafHash, newLeafHash
	}
	interior := interiorNode(critBit, left, right)
	interiorHash := interior.Hash(rng)

	delta := newDelta()
	delta.Add[newLeafHash] = newLeaf
	delta.Add[interiorHash] = interior
	return interiorHash, delta, nil
}
