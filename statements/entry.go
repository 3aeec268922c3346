package statements

import "github.com/juicebox-realm/realmcore/ids"

// Partition binds an owned range to the root of its Merkle tree.
type Partition struct {
	Range    ids.OwnedRange `cbor:"1,keyasint"`
	RootHash [32]byte       `cbor:"2,keyasint"`
}

// TransferringOut marks an in-flight outbound transfer: the destination
// group and the source log index at which the transfer began.
type TransferringOut struct {
	Destination ids.GroupId  `cbor:"1,keyasint"`
	At          ids.LogIndex `cbor:"2,keyasint"`
}

// LogEntry is the authenticated, chained record the HSM emits for every
// state transition. Fields mirror spec.md §3; entry_mac covers every field
// below plus the owning realm and group, so an entry cannot be replayed
// into a different realm, group or chain position.
type LogEntry struct {
	Realm           ids.RealmId      `cbor:"1,keyasint"`
	Group           ids.GroupId      `cbor:"2,keyasint"`
	Index           ids.LogIndex     `cbor:"3,keyasint"`
	Partition       *Partition       `cbor:"4,keyasint,omitempty"`
	TransferringOut *TransferringOut `cbor:"5,keyasint,omitempty"`
	PrevMac         Mac              `cbor:"6,keyasint"`
}

// entryMacBody is the exact byte sequence authenticated by EntryMac: the
// LogEntry itself. It's a distinct type (rather than reusing LogEntry
// directly) so that adding an unrelated, unauthenticated field to LogEntry
// later can't silently change what's signed without a conscious decision.
type entryMacBody = LogEntry

// EntryMacBuilder computes and verifies the entry_mac over a LogEntry.
// The mac itself is never a struct field of LogEntry: callers carry
// (LogEntry, Mac) as a pair, the way the teacher keeps a COSE message's
// payload and signature separate until CoseSign1Message reassembles them.
type EntryMacBuilder struct{}

// Build computes entry's entry_mac under key.
func (EntryMacBuilder) Build(key RealmKey, entry LogEntry) (Mac, error) {
	canonical, err := MarshalCanonical(entryMacBody(entry))
	if err != nil {
		return Mac{}, err
	}
	return Compute(key, canonical), nil
}

// Verify reports whether mac is the correct entry_mac for entry under key.
func (EntryMacBuilder) Verify(key RealmKey, entry LogEntry, mac Mac) error {
	canonical, err := MarshalCanonical(entryMacBody(entry))
	if err != nil {
		return err
	}
	return Verify(key, canonical, mac)
}
