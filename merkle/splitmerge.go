package merkle

import "github.com/juicebox-realm/realmcore/ids"

// Every node's hash binds the partition range (hash.go), so splitting or
// merging a range necessarily changes every node's hash underneath it: there
// is no way to reuse a subtree hash across a range change. Both operations
// therefore collect the tree's leaves and rebuild fresh trees under the new
// range(s), the simplest correct implementation of that requirement.

// collectLeaves walks the whole tree rooted at root, returning every leaf
// and every node hash visited (the latter becomes the Remove side of the
// resulting delta, since all of them are superseded by the rebuild).
func collectLeaves(fetch Fetcher, root Hash, hasRoot bool) ([]Leaf, []Hash, error) {
	if !hasRoot {
		return nil, nil, nil
	}
	var leaves []Leaf
	var visited []Hash
	var walk func(h Hash) error
	walk = func(h Hash) error {
		node, err := fetch.Get(h)
		if err != nil {
			return err
		}
		visited = append(visited, h)
		if node.IsLeaf() {
			leaves = append(leaves, *node.Leaf)
			return nil
		}
		if err := walk(node.Interior.Left); err != nil {
			return err
		}
		return walk(node.Interior.Right)
	}
	if err := walk(root); err != nil {
		return nil, nil, err
	}
	return leaves, visited, nil
}

// build inserts leaves one at a time into a fresh tree under rng, returning
// the final root hash (ok=false if leaves is empty) and the full set of
// nodes created.
func build(rng ids.OwnedRange, leaves []Leaf) (root Hash, ok bool, nodes map[Hash]Node, err error) {
	nodes = make(map[Hash]Node)
	fetch := MemFetcher(nodes)
	for _, leaf := range leaves {
		newRoot, delta, ierr := Insert(fetch, rng, root, ok, leaf.Key, leaf.Value)
		if ierr != nil {
			return Hash{}, false, nil, ierr
		}
		for h, n := range delta.Add {
			nodes[h] = n
		}
		for _, h := range delta.Remove {
			delete(nodes, h)
		}
		root, ok = newRoot, true
	}
	return root, ok, nodes, nil
}

// RangeSplit partitions the tree rooted at root into two trees at splitKey,
// per ids.OwnedRange.SplitAt's tie-break (a leaf whose key equals splitKey
// goes to the right tree). The range's own range-adjacency/ownership
// invariants are the caller's responsibility (hsm.TransferOut); this
// function is the pure tree-level primitive.
func RangeSplit(fetch Fetcher, rng ids.OwnedRange, root Hash, hasRoot bool, splitKey ids.RecordId) (left, right PartitionResult, err error) {
	leftRange, rightRange, err := rng.SplitAt(splitKey)
	if err != nil {
		return PartitionResult{}, PartitionResult{}, err
	}

	leaves, visited, err := collectLeaves(fetch, root, hasRoot)
	if err != nil {
		return PartitionResult{}, PartitionResult{}, err
	}

	var leftLeaves, rightLeaves []Leaf
	for _, l := range leaves {
		if l.Key.Less(splitKey) {
			leftLeaves = append(leftLeaves, l)
		} else {
			rightLeaves = append(rightLeaves, l)
		}
	}

	leftRoot, leftOK, leftNodes, err := build(leftRange, leftLeaves)
	if err != nil {
		return PartitionResult{}, PartitionResult{}, err
	}
	rightRoot, rightOK, rightNodes, err := build(rightRange, rightLeaves)
	if err != nil {
		return PartitionResult{}, PartitionResult{}, err
	}

	left = PartitionResult{
		Range:  leftRange,
		Root:   leftRoot,
		HasRoot: leftOK,
		Delta:  StoreDelta{Add: leftNodes, Remove: visited},
	}
	right = PartitionResult{
		Range:  rightRange,
		Root:   rightRoot,
		HasRoot: rightOK,
		Delta:  StoreDelta{Add: rightNodes},
	}
	return left, right, nil
}

// RangeMerge combines two adjacent partitions into one tree spanning their
// joined range.
func RangeMerge(fetchA Fetcher, rngA ids.OwnedRange, rootA Hash, hasRootA bool,
	fetchB Fetcher, rngB ids.OwnedRange, rootB Hash, hasRootB bool) (PartitionResult, error) {
	joined, err := rngA.Join(rngB)
	if err != nil {
		return PartitionResult{}, err
	}

	leavesA, visitedA, err := collectLeaves(fetchA, rootA, hasRootA)
	if err != nil {
		return PartitionResult{}, err
	}
	leavesB, visitedB, err := collectLeaves(fetchB, rootB, hasRootB)
	if err != nil {
		return PartitionResult{}, err
	}

	all := append(append([]Leaf{}, leavesA...), leavesB...)
	root, ok, nodes, err := build(joined, all)
	if err != nil {
		return PartitionResult{}, err
	}

	return PartitionResult{
		Range:   joined,
		Root:    root,
		HasRoot: ok,
		Delta:   StoreDelta{Add: nodes, Remove: append(visitedA, visitedB...)},
	}, nil
}

// PartitionResult is one side of a split, or the whole of a merge: a range,
// its new root (if non-empty), and the delta required to realize it in the
// backing store.
type PartitionResult struct {
	Range   ids.OwnedRange
	Root    Hash
	HasRoot bool
	Delta   StoreDelta
}
