package hsm

import (
	"sort"

	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/merkle"
	"github.com/juicebox-realm/realmcore/statements"
)

// NewRealmResponse carries the freshly minted realm and the genesis entry
// for its sole group (which owns the full record range).
type NewRealmResponse struct {
	RealmId  ids.RealmId
	GroupId  ids.GroupId
	Entry    statements.LogEntry
	EntryMac statements.Mac
}

// NewRealm is valid only if this HSM has not already joined a realm. It
// mints a RealmId, a group of one (this HSM), and the initial log entry
// claiming the full record range (spec.md §4.2).
func (h *Hsm) NewRealm() (NewRealmResponse, error) {
	if h.persistent.Realm != nil {
		return NewRealmResponse{}, ErrHaveRealm
	}
	realm := ids.NewRealmId()
	group := ids.NewGroupId()

	cfg := statements.GroupConfiguration{Realm: realm, Group: group, Members: []ids.HsmId{h.persistent.HsmId}}
	cfgStmt, err := (statements.GroupConfigurationStatementBuilder{}).Build(h.persistent.RealmKey, cfg)
	if err != nil {
		return NewRealmResponse{}, err
	}

	entry := statements.LogEntry{
		Realm: realm,
		Group: group,
		Index: ids.FirstLogIndex,
		Partition: &statements.Partition{
			Range:    ids.FullOwnedRange(),
			RootHash: merkle.Hash{},
		},
		PrevMac: statements.ZeroMac(),
	}
	entryMac, err := (statements.EntryMacBuilder{}).Build(h.persistent.RealmKey, entry)
	if err != nil {
		return NewRealmResponse{}, err
	}

	h.persistent.Realm = &RealmPersistentState{
		RealmId: realm,
		Groups: map[ids.GroupId]*GroupPersistentState{
			group: {Configuration: cfgStmt, LastCaptured: &CapturePosition{Index: entry.Index, EntryMac: entryMac}},
		},
	}
	if err := h.persist(); err != nil {
		return NewRealmResponse{}, err
	}

	h.volatile.Leader[group] = &LeaderVolatileGroupState{
		Log: []LeaderLogEntry{{Entry: entry, EntryMac: entryMac}},
	}

	h.log.Infof("new realm %s group %s", realm, group)
	return NewRealmResponse{RealmId: realm, GroupId: group, Entry: entry, EntryMac: entryMac}, nil
}

// JoinRealm joins realm iff peerStmt verifies under the shared realm key.
// Idempotent if this HSM has already joined the same realm.
func (h *Hsm) JoinRealm(realm ids.RealmId, peerStmt statements.GroupConfigurationStatement) error {
	if err := (statements.GroupConfigurationStatementBuilder{}).Verify(h.persistent.RealmKey, peerStmt); err != nil {
		return ErrInvalidStatement
	}
	if peerStmt.Configuration.Realm != realm {
		return ErrInvalidStatement
	}
	if h.persistent.Realm != nil {
		if h.persistent.Realm.RealmId == realm {
			return nil
		}
		return ErrHaveOtherRealm
	}
	h.persistent.Realm = &RealmPersistentState{RealmId: realm, Groups: map[ids.GroupId]*GroupPersistentState{}}
	return h.persist()
}

func validMembers(self ids.HsmId, members []ids.HsmId) bool {
	found := false
	sorted := append([]ids.HsmId(nil), members...)
	sort.Slice(sorted, func(i, j int) bool {
		for b := 0; b < len(sorted[i]); b++ {
			if sorted[i][b] != sorted[j][b] {
				return sorted[i][b] < sorted[j][b]
			}
		}
		return false
	})
	for i, m := range sorted {
		if m == self {
			found = true
		}
		if i > 0 && sorted[i-1] == m {
			return false // duplicate
		}
	}
	return found
}

// NewGroupResponse carries the new group's configuration statement (to
// distribute to every member via JoinGroup) and its genesis entry.
type NewGroupResponse struct {
	GroupId  ids.GroupId
	Config   statements.GroupConfigurationStatement
	Entry    statements.LogEntry
	EntryMac statements.Mac
}

// NewGroup installs a fresh group configuration (sorted, unique HSM ids,
// including self) and emits the genesis entry with an empty partition.
func (h *Hsm) NewGroup(members []ids.HsmId) (NewGroupResponse, error) {
	if h.persistent.Realm == nil {
		return NewGroupResponse{}, ErrInvalidRealm
	}
	realm := h.persistent.Realm
	if !validMembers(h.persistent.HsmId, members) {
		return NewGroupResponse{}, ErrInvalidConfiguration
	}
	group := ids.NewGroupId()
	sorted := append([]ids.HsmId(nil), members...)
	sort.Slice(sorted, func(i, j int) bool {
		for b := 0; b < len(sorted[i]); b++ {
			if sorted[i][b] != sorted[j][b] {
				return sorted[i][b] < sorted[j][b]
			}
		}
		return false
	})
	cfg := statements.GroupConfiguration{Realm: realm.RealmId, Group: group, Members: sorted}
	cfgStmt, err := (statements.GroupConfigurationStatementBuilder{}).Build(h.persistent.RealmKey, cfg)
	if err != nil {
		return NewGroupResponse{}, err
	}

	entry := statements.LogEntry{
		Realm:   realm.RealmId,
		Group:   group,
		Index:   ids.FirstLogIndex,
		PrevMac: statements.ZeroMac(),
	}
	entryMac, err := (statements.EntryMacBuilder{}).Build(h.persistent.RealmKey, entry)
	if err != nil {
		return NewGroupResponse{}, err
	}

	realm.Groups[group] = &GroupPersistentState{
		Configuration: cfgStmt,
		LastCaptured:  &CapturePosition{Index: entry.Index, EntryMac: entryMac},
	}
	if err := h.persist(); err != nil {
		return NewGroupResponse{}, err
	}
	h.volatile.Leader[group] = &LeaderVolatileGroupState{
		Log: []LeaderLogEntry{{Entry: entry, EntryMac: entryMac}},
	}
	return NewGroupResponse{GroupId: group, Config: cfgStmt, Entry: entry, EntryMac: entryMac}, nil
}

// JoinGroup installs a group configuration this HSM was not present at the
// creation of, verified by stmt. Idempotent if already joined.
func (h *Hsm) JoinGroup(stmt statements.GroupConfigurationStatement) error {
	if err := (statements.GroupConfigurationStatementBuilder{}).Verify(h.persistent.RealmKey, stmt); err != nil {
		return ErrInvalidStatement
	}
	realm, err := h.requireRealm(stmt.Configuration.Realm)
	if err != nil {
		return err
	}
	if _, exists := realm.Groups[stmt.Configuration.Group]; exists {
		return nil
	}
	member := false
	for _, m := range stmt.Configuration.Members {
		if m == h.persistent.HsmId {
			member = true
			break
		}
	}
	if !member {
		return ErrInvalidConfiguration
	}
	realm.Groups[stmt.Configuration.Group] = &GroupPersistentState{Configuration: stmt}
	return h.persist()
}
