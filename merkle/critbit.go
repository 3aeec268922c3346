package merkle

import "github.com/juicebox-realm/realmcore/ids"

// firstDifferingBit returns the index of the most significant bit at which
// a and b differ, and false if they're identical.
func firstDifferingBit(a, b ids.RecordId) (int, bool) {
	for i := range a {
		if a[i] == b[i] {
			continue
		}
		diff := a[i] ^ b[i]
		for bit := 0; bit < 8; bit++ {
			if diff&(0x80>>uint(bit)) != 0 {
				return i*8 + bit, true
			}
		}
	}
	return 0, false
}

// representativeKey returns the key of an arbitrary leaf reachable from
// subtreeRoot, used to find the critical bit between a new key and an
// existing subtree without visiting every leaf in it. Every leaf in a
// crit-bit subtree agrees on all bits below the subtree's own branch bits,
// so any one of them works.
func representativeKey(fetch Fetcher, h Hash) (ids.RecordId, error) {
	for {
		n, err := fetch.Get(h)
		if err != nil {
			return ids.RecordId{}, err
		}
		if n.IsLeaf() {
			return n.Leaf.Key, nil
		}
		h = n.Interior.Left
	}
}
