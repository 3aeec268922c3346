// Package agent implements the per-HSM agent process: spec.md §4.3's log
// append pipeline, capture loop, commit loop, request routing, and
// service-discovery heartbeat, all driven against one *hsm.Hsm whose
// methods they call directly, not through a transport.Transport. There is no teacher
// counterpart to an agent process at all (forestrie-go-merklelog is a
// library consumed by someone else's service); the pipeline shape below is
// grounded file-by-file against the closest matching teacher code in each
// function's doc comment, and concurrency is enriched from
// golang.org/x/sync/errgroup since the teacher has no loop of its own to
// adapt.
package agent

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/juicebox-realm/realmcore/discovery"
	"github.com/juicebox-realm/realmcore/hsm"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/journal"
	"github.com/juicebox-realm/realmcore/merklestore"
)

// GroupPeer is the capability an Agent needs from another group member to
// collect a commit quorum: the `captured` RPC (spec.md §6). rpcapi's
// client implements this over transport.Transport; tests use a fake.
type GroupPeer interface {
	HsmId() ids.HsmId
	ReadCaptured(ctx context.Context, realm ids.RealmId, group ids.GroupId) (hsm.CaptureNextResponse, bool, error)
}

// Agent drives one HSM's log append pipeline, capture loop, commit loop,
// request routing, and discovery heartbeat (spec.md §4.3). One Agent
// process owns exactly one Hsm, which belongs to exactly one realm.
type Agent struct {
	Hsm     *hsm.Hsm
	Journal journal.Store
	Store   merklestore.Store
	Log     logger.Logger

	// Discovery and URL are optional: nil Discovery disables the heartbeat,
	// for tests and single-process deployments with no external readers.
	Discovery discovery.Table
	URL       string

	// Peers lists this Agent's view of the other members of each group it
	// belongs to, for the commit loop's captured-statement collection.
	// Filled in by whoever constructs the Agent; New starts it empty and
	// nothing in cluster populates it.
	Peers map[ids.GroupId][]GroupPeer

	// realm holds the id of the realm this Agent's Hsm belongs to. It is an
	// atomic.Pointer rather than a plain field because Run's group-discovery
	// loop may set it concurrently with the capture/commit/request-handling
	// goroutines reading it: an Hsm can join a realm after Run has already
	// started (cmd/clusterctl forms a realm against an already-running
	// cmd/agent process), and those readers must never observe a torn write.
	realm atomic.Pointer[ids.RealmId]

	started time.Time
}

// New builds an Agent around hsm. If realm is non-zero it is installed as
// the agent's starting realm; otherwise RealmId reports the zero value
// until SetRealm is called, which Run's discovery loop does once Status
// reports the Hsm has joined one. journal and store must already be scoped
// to the eventual realm (or be multi-tenant implementations keyed by realm,
// as journal.Store and merklestore.Store both are).
func New(h *hsm.Hsm, realm ids.RealmId, j journal.Store, store merklestore.Store, log logger.Logger) *Agent {
	a := &Agent{
		Hsm: h, Journal: j, Store: store, Log: log,
		Peers:   make(map[ids.GroupId][]GroupPeer),
		started: time.Now(),
	}
	if realm != (ids.RealmId{}) {
		a.SetRealm(realm)
	}
	return a
}

// RealmId reports the realm this Agent's Hsm currently belongs to, or the
// zero RealmId if it has not joined one yet.
func (a *Agent) RealmId() ids.RealmId {
	if r := a.realm.Load(); r != nil {
		return *r
	}
	return ids.RealmId{}
}

// SetRealm installs r as this Agent's realm. Safe to call concurrently with
// RealmId from other goroutines; used by Run's discovery loop and directly
// by tests that bypass Run.
func (a *Agent) SetRealm(r ids.RealmId) {
	a.realm.Store(&r)
}

// UptimeSeconds reports elapsed time since New, for the `status` RPC.
func (a *Agent) UptimeSeconds() int64 {
	return int64(time.Since(a.started).Seconds())
}
