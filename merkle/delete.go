package merkle

import (
	"errors"

	"github.com/juicebox-realm/realmcore/ids"
)

// ErrKeyNotFound is returned by Delete when key is absent from the tree.
var ErrKeyNotFound = errors.New("merkle: key not found")

// Delete removes key from the tree rooted at root. If the tree becomes
// empty, empty is true and newRoot is meaningless.
func Delete(fetch Fetcher, rng ids.OwnedRange, root Hash, key ids.RecordId) (newRoot Hash, empty bool, delta StoreDelta, err error) {
	newRoot, removed, delta, err := deleteSubtree(fetch, rng, root, key)
	if err != nil {
		return Hash{}, false, StoreDelta{}, err
	}
	return newRoot, removed, delta, nil
}

// deleteSubtree removes key from subtreeRoot. removed=true means
// subtreeRoot itself was the leaf holding key and the caller must splice in
// whatever newRoot now represents in its place (the empty tree, at the top
// level, or the sibling subtree one level up).
func deleteSubtree(fetch Fetcher, rng ids.OwnedRange, subtreeRoot Hash, key ids.RecordId) (newRoot Hash, removed bool, delta StoreDelta, err error) {
	node, err := fetch.Get(subtreeRoot)
	if err != nil {
		return Hash{}, false, StoreDelta{}, err
	}

	if node.IsLeaf() {
		if node.Leaf.Key != key {
			return Hash{}, false, StoreDelta{}, ErrKeyNotFound
		}
		d := newDelta()
		d.Remove = append(d.Remove, subtreeRoot)
		return Hash{}, true, d, nil
	}

	bit := bitAt(key, node.Interior.BranchBit)
	childHash, siblingHash := node.Interior.Left, node.Interior.Right
	if bit == 1 {
		childHash, siblingHash = node.Interior.Right, node.Interior.Left
	}

	newChildHash, childRemoved, d, err := deleteSubtree(fetch, rng, childHash, key)
	if err != nil {
		return Hash{}, false, StoreDelta{}, err
	}

	if childRemoved {
		// The child subtree held only key: collapse this node away and let
		// the untouched sibling bubble straight up, unchanged and unrehashed.
		d.Remove = append(d.Remove, subtreeRoot)
		return siblingHash, false, d, nil
	}

	newLeft, newRight := node.Interior.Left, node.Interior.Right
	if bit == 0 {
		newLeft = newChildHash
	} else {
		newRight = newChildHash
	}
	newNode := interiorNode(node.Interior.BranchBit, newLeft, newRight)
	newHash := newNode.Hash(rng)
	d.Add[newHash] = newNode
	d.Remove = append(d.Remove, subtreeRoot)
	return newHash, false, d, nil
}
