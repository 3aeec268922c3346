package merkle

import lru "github.com/hashicorp/golang-lru/v2"

// Overlay is a bounded in-memory window of recently-produced nodes sitting
// in front of the durable store, so a leader can serve a read proof against
// an uncommitted delta (spec.md's "record-delta used to serve pipelined
// reads from subsequent requests", §3 volatile leader state) without
// waiting for that delta to land in the backing store. It has no
// counterpart in the teacher (urkle reads directly from a preallocated
// buffer); golang-lru/v2 is adopted from the broader example pack for this.
type Overlay struct {
	cache *lru.Cache[Hash, Node]
}

// NewOverlay creates an overlay holding at most capacity nodes, evicting the
// least-recently-used entry once full.
func NewOverlay(capacity int) (*Overlay, error) {
	c, err := lru.New[Hash, Node](capacity)
	if err != nil {
		return nil, err
	}
	return &Overlay{cache: c}, nil
}

// Apply adds every node in delta.Add to the overlay and drops every hash in
// delta.Remove, so the overlay never serves a node the tree has since
// superseded.
func (o *Overlay) Apply(delta StoreDelta) {
	for h, n := range delta.Add {
		o.cache.Add(h, n)
	}
	for _, h := range delta.Remove {
		o.cache.Remove(h)
	}
}

// Get satisfies Fetcher from the overlay alone, returning ErrNodeNotFound
// for a hash it does not hold; Over layers the overlay on a backing Fetcher.
func (o *Overlay) Get(h Hash) (Node, error) {
	if n, ok := o.cache.Get(h); ok {
		return n, nil
	}
	return Node{}, ErrNodeNotFound
}

// Over returns a Fetcher that checks the overlay first, then backing.
func (o *Overlay) Over(backing Fetcher) Fetcher {
	return overlaidFetcher{overlay: o, backing: backing}
}

type overlaidFetcher struct {
	overlay *Overlay
	backing Fetcher
}

func (f overlaidFetcher) Get(h Hash) (Node, error) {
	if n, err := f.overlay.Get(h); err == nil {
		return n, nil
	}
	return f.backing.Get(h)
}
