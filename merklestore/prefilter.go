package merklestore

import (
	"sync"

	"github.com/juicebox-realm/realmcore/bloom"
	"github.com/juicebox-realm/realmcore/merkle"
)

// Prefilter skips a store lookup when a node hash is definitely absent,
// adapted from the teacher's 4-way bloom filter (bloom/bloom4.go), which
// the teacher's own doc comment frames exactly as "an I/O optimization, not
// a cryptographic commitment" (bloom/doc.go) — a good fit here: a Get for a
// hash the filter says is absent can skip the round trip to the backing
// store, while a "maybe present" answer always falls through to a real Get.
//
// bloom.InsertV1/MaybeContainsV1 operate on a single filter index within the
// 4-way region; this prefilter only ever uses index 0, since deferred
// deletion (not index rotation across massifs) is this repo's reason to
// track staleness, so the other 3 filters the teacher's format reserves go
// unused here.
type Prefilter struct {
	mu     sync.RWMutex
	region []byte
}

// bitsPerElement and k (hash rounds) match the teacher's own defaults for a
// <1% false-positive rate at the expected load.
const (
	bitsPerElement = 10
	hashRounds     = 7
	filterIndex    = 0
)

// NewPrefilter allocates a prefilter sized for expectedNodes elements.
func NewPrefilter(expectedNodes uint64) (*Prefilter, error) {
	if expectedNodes == 0 {
		expectedNodes = 1
	}
	mBits := bloom.MBitsSafeCast(bloom.MBitsV1(expectedNodes, bitsPerElement))
	if mBits == 0 {
		return nil, bloom.ErrMBitsOverflow
	}
	region := make([]byte, bloom.RegionBytesV1(mBits))
	if err := bloom.InitV1(region, expectedNodes, bitsPerElement, hashRounds); err != nil {
		return nil, err
	}
	return &Prefilter{region: region}, nil
}

// Observe records that h has been written to the store.
func (p *Prefilter) Observe(h merkle.Hash) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bloom.InsertV1(p.region, filterIndex, h[:])
}

// MaybeContains reports false only when h is definitely not in the store.
func (p *Prefilter) MaybeContains(h merkle.Hash) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return bloom.MaybeContainsV1(p.region, filterIndex, h[:])
}
