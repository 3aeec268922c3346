package merklestore

import (
	"context"
	"sync"

	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/merkle"
)

type realmKey = ids.RealmId

// MemStore is an in-memory Store, used in tests and for the in-process
// agent/cluster deployment (cmd/demo).
type MemStore struct {
	mu        sync.RWMutex
	nodes     map[realmKey]map[merkle.Hash]merkle.Node
	scheduler *Scheduler
	prefilter *Prefilter
}

// NewMemStore creates an empty store. A nil scheduler means deferred
// deletions are applied immediately (suitable for tests that don't care
// about the grace window).
func NewMemStore(scheduler *Scheduler) *MemStore {
	return &MemStore{nodes: make(map[realmKey]map[merkle.Hash]merkle.Node), scheduler: scheduler}
}

// WithPrefilter attaches a bloom prefilter ahead of Get lookups.
func (s *MemStore) WithPrefilter(p *Prefilter) *MemStore {
	s.prefilter = p
	return s
}

func (s *MemStore) Get(_ context.Context, realm ids.RealmId, h merkle.Hash) (merkle.Node, error) {
	if s.prefilter != nil {
		if maybe, err := s.prefilter.MaybeContains(h); err == nil && !maybe {
			return merkle.Node{}, ErrNotFound
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[realm][h]
	if !ok {
		return merkle.Node{}, ErrNotFound
	}
	return n, nil
}

func (s *MemStore) Put(_ context.Context, realm ids.RealmId, h merkle.Hash, n merkle.Node) error {
	s.mu.Lock()
	if s.nodes[realm] == nil {
		s.nodes[realm] = make(map[merkle.Hash]merkle.Node)
	}
	// Idempotent: a hash already present was written with the same content.
	s.nodes[realm][h] = n
	s.mu.Unlock()

	if s.prefilter != nil {
		return s.prefilter.Observe(h)
	}
	return nil
}

func (s *MemStore) Apply(ctx context.Context, realm ids.RealmId, delta merkle.StoreDelta) error {
	for h, n := range delta.Add {
		if err := s.Put(ctx, realm, h, n); err != nil {
			return err
		}
	}
	if len(delta.Remove) == 0 {
		return nil
	}
	if s.scheduler == nil {
		s.mu.Lock()
		for _, h := range delta.Remove {
			delete(s.nodes[realm], h)
		}
		s.mu.Unlock()
		return nil
	}
	s.scheduler.Defer(realm, delta.Remove, func(r ids.RealmId, hs []merkle.Hash) {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, h := range hs {
			delete(s.nodes[r], h)
		}
	})
	return nil
}
