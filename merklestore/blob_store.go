package merklestore

import (
	"context"
	"fmt"
	"io"

	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/merkle"
	"github.com/juicebox-realm/realmcore/statements"
	"github.com/juicebox-realm/realmcore/storage"
)

// BlobStore persists nodes as individual blobs, one per content hash, in
// Azure Blob Storage via the shared storage package. Creation is
// conditional-create (storage.ConditionalCreate), exactly the way
// MassifCommitter.CommitContext guards its own blob creation — here that's
// not racing against a concurrent writer so much as tolerating one: two
// HSMs computing the same node hash from the same inputs will race to
// create the identical blob, and the loser's precondition failure is
// treated as success, since the path is the content hash and the bytes
// already there are exactly what was about to be written.
type BlobStore struct {
	client    storage.Client
	paths     storage.PathProvider
	scheduler *Scheduler
}

func NewBlobStore(client storage.Client, paths storage.PathProvider, scheduler *Scheduler) *BlobStore {
	return &BlobStore{client: client, paths: paths, scheduler: scheduler}
}

func (s *BlobStore) path(realm ids.RealmId, h merkle.Hash) string {
	return s.paths.Path(realm, storage.ObjectTypeMerkleNode, h[:])
}

func (s *BlobStore) Get(ctx context.Context, realm ids.RealmId, h merkle.Hash) (merkle.Node, error) {
	rr, err := s.client.Reader(ctx, s.path(realm, h))
	if err != nil {
		return merkle.Node{}, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	data, err := io.ReadAll(rr.Body)
	if err != nil {
		return merkle.Node{}, err
	}
	var n merkle.Node
	if err := statements.Unmarshal(data, &n); err != nil {
		return merkle.Node{}, err
	}
	return n, nil
}

func (s *BlobStore) Put(ctx context.Context, realm ids.RealmId, h merkle.Hash, n merkle.Node) error {
	data, err := statements.MarshalCanonical(n)
	if err != nil {
		return err
	}
	if err := storage.ConditionalCreate(ctx, s.client, s.path(realm, h), data); err != nil {
		if storage.IsPreconditionFailed(err) {
			return nil
		}
		return err
	}
	return nil
}

func (s *BlobStore) Apply(ctx context.Context, realm ids.RealmId, delta merkle.StoreDelta) error {
	for h, n := range delta.Add {
		if err := s.Put(ctx, realm, h, n); err != nil {
			return err
		}
	}
	if len(delta.Remove) == 0 || s.scheduler == nil {
		return nil
	}
	s.scheduler.Defer(realm, delta.Remove, func(r ids.RealmId, hs []merkle.Hash) {
		// best-effort: a blob that outlives its grace window a little longer
		// because a delete failed is not a correctness problem, only a
		// storage-cost one.
		for _, h := range hs {
			_ = s.client.Delete(ctx, s.path(r, h))
		}
	})
	return nil
}
