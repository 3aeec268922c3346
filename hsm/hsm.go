package hsm

import (
	"github.com/datatrails/go-datatrails-common/logger"

	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/statements"
)

// Hsm is the single-threaded state machine described in spec.md §4.2: it
// owns the realm key, validates every command, and emits MAC-authenticated
// log entries and statements. Callers (the agent's transport dispatch loop)
// are responsible for serializing calls the way a real HSM's command queue
// does; Hsm itself holds no lock.
type Hsm struct {
	name       string
	log        logger.Logger
	nvram      WriteFullPage
	persistent PersistentState
	volatile   *VolatileState
	codec      Codec
}

// Config bundles an Hsm's fixed collaborators at construction.
type Config struct {
	Name  string
	Log   logger.Logger
	NVRAM WriteFullPage
	// Codec decrypts/encrypts the opaque app-request/response blobs the
	// Noise session layer would otherwise handle; Noise itself is out of
	// scope (spec.md §1), so callers supply whatever stands in for it.
	// Defaults to PlaintextCodec if nil.
	Codec Codec
}

// NewHsm creates a fresh, realm-less Hsm with a freshly generated identity
// and realm key, persists that initial state, and returns it. This mirrors
// first boot of a vendor HSM module before it has joined any realm.
func NewHsm(cfg Config) (*Hsm, error) {
	key, err := statements.NewRealmKey()
	if err != nil {
		return nil, err
	}
	return NewHsmWithRealmKey(cfg, key)
}

// NewHsmWithRealmKey is NewHsm with an operator-supplied realm key instead
// of a freshly generated one. JoinRealm/JoinGroup verify a peer's
// GroupConfigurationStatement against this HSM's own realm key, so two
// independently-booted HSMs can only join the same group if they were
// provisioned with the same key out of band first — exactly what this
// constructor is for. Grounded on cluster_test.go's sharedKeyNode test
// helper, which does the equivalent by writing a shared key through
// SavePersistentState/LoadHsm directly; this is the same idea exposed as a
// real constructor for cmd/agent's --realm-key flag.
func NewHsmWithRealmKey(cfg Config, key statements.RealmKey) (*Hsm, error) {
	h := newHsm(cfg, PersistentState{HsmId: ids.NewHsmId(), RealmKey: key})
	if err := SavePersistentState(h.nvram, h.persistent); err != nil {
		return nil, err
	}
	return h, nil
}

// LoadHsm restores an Hsm from a previously written NVRAM page, the way a
// vendor HSM resumes after restart: volatile leader state is always empty
// on load (spec.md §3, "Per-HSM volatile leader state") since BecomeLeader
// re-derives it.
func LoadHsm(cfg Config) (*Hsm, error) {
	state, err := LoadPersistentState(cfg.NVRAM)
	if err != nil {
		return nil, err
	}
	return newHsm(cfg, state), nil
}

func newHsm(cfg Config, state PersistentState) *Hsm {
	log := cfg.Log
	if log == nil {
		log = logger.Sugar.WithServiceName(cfg.Name)
	}
	codec := cfg.Codec
	if codec == nil {
		codec = PlaintextCodec{}
	}
	return &Hsm{
		name:       cfg.Name,
		log:        log,
		nvram:      cfg.NVRAM,
		persistent: state,
		volatile:   newVolatileState(),
		codec:      codec,
	}
}

// Id returns this HSM's identity.
func (h *Hsm) Id() ids.HsmId { return h.persistent.HsmId }

// StatusResponse reports the HSM's current realm/group/leader state for the
// `status` RPC (spec.md §6).
type StatusResponse struct {
	HsmId      ids.HsmId
	RealmId    *ids.RealmId
	Groups     map[ids.GroupId]GroupStatus
}

// GroupStatus is the per-group slice of Status.
type GroupStatus struct {
	LastCaptured   *CapturePosition
	Leader         bool
	Committed      *ids.LogIndex
	SteppingDown   bool
}

// Status reports HSM id, realm membership, per-group capture state, and
// leader/stepping-down status.
func (h *Hsm) Status() StatusResponse {
	resp := StatusResponse{HsmId: h.persistent.HsmId, Groups: make(map[ids.GroupId]GroupStatus)}
	if h.persistent.Realm == nil {
		return resp
	}
	realmId := h.persistent.Realm.RealmId
	resp.RealmId = &realmId
	for gid, g := range h.persistent.Realm.Groups {
		gs := GroupStatus{LastCaptured: g.LastCaptured}
		if leader, ok := h.volatile.Leader[gid]; ok {
			gs.Leader = true
			gs.Committed = leader.Committed
			gs.SteppingDown = leader.SteppingDownAt != nil
		}
		resp.Groups[gid] = gs
	}
	return resp
}

func (h *Hsm) requireRealm(realm ids.RealmId) (*RealmPersistentState, error) {
	if h.persistent.Realm == nil {
		return nil, ErrInvalidRealm
	}
	if h.persistent.Realm.RealmId != realm {
		return nil, ErrInvalidRealm
	}
	return h.persistent.Realm, nil
}

func (h *Hsm) requireGroup(realm ids.RealmId, group ids.GroupId) (*GroupPersistentState, error) {
	r, err := h.requireRealm(realm)
	if err != nil {
		return nil, err
	}
	g, ok := r.Groups[group]
	if !ok {
		return nil, ErrInvalidGroup
	}
	return g, nil
}

func (h *Hsm) requireLeader(group ids.GroupId) (*LeaderVolatileGroupState, error) {
	leader, ok := h.volatile.Leader[group]
	if !ok {
		return nil, ErrNotLeader
	}
	return leader, nil
}

func (h *Hsm) persist() error {
	return SavePersistentState(h.nvram, h.persistent)
}
