// Package merklestore persists merkle.Node values, addressed by their
// content hash, behind the same conditional-write discipline the teacher
// uses for its log blobs (massifs/massifcommitter.go's CommitContext):
// creation uses an if-none-match precondition, since two callers racing to
// write the same hash are writing the same bytes by construction and the
// loser's write is simply redundant, not a conflict.
package merklestore

import (
	"context"
	"errors"

	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/merkle"
)

// ErrNotFound is returned when a requested node hash isn't present.
var ErrNotFound = errors.New("merklestore: node not found")

// Store is the content-addressed backing store for one realm's merkle
// nodes. Implementations must make Put idempotent: writing a hash that
// already exists is not an error, since the content is, by the hash,
// identical.
type Store interface {
	Get(ctx context.Context, realm ids.RealmId, h merkle.Hash) (merkle.Node, error)
	Put(ctx context.Context, realm ids.RealmId, h merkle.Hash, n merkle.Node) error

	// Apply writes every node in delta.Add and schedules every hash in
	// delta.Remove for deferred deletion (see Scheduler), rather than
	// deleting immediately — spec.md's grace-window invariant.
	Apply(ctx context.Context, realm ids.RealmId, delta merkle.StoreDelta) error
}

// Fetcher adapts a Store to merkle.Fetcher for a fixed realm, so tree
// operations can be handed a plain merkle.Fetcher without knowing about
// storage at all.
type Fetcher struct {
	Ctx   context.Context
	Realm ids.RealmId
	Store Store
}

func (f Fetcher) Get(h merkle.Hash) (merkle.Node, error) {
	return f.Store.Get(f.Ctx, f.Realm, h)
}
