package statements

import "github.com/juicebox-realm/realmcore/ids"

// GroupConfiguration lists the HSMs that jointly constitute a group.
type GroupConfiguration struct {
	Realm   ids.RealmId   `cbor:"1,keyasint"`
	Group   ids.GroupId   `cbor:"2,keyasint"`
	Members []ids.HsmId   `cbor:"3,keyasint"`
}

// GroupConfigurationStatement binds a GroupConfiguration to the realm key,
// so any member can prove membership to any other. Sent to every member by
// NewGroup/JoinGroup.
type GroupConfigurationStatement struct {
	Configuration GroupConfiguration `cbor:"1,keyasint"`
	Mac           Mac                `cbor:"2,keyasint"`
}

// GroupConfigurationStatementBuilder builds and verifies
// GroupConfigurationStatements.
type GroupConfigurationStatementBuilder struct{}

func (GroupConfigurationStatementBuilder) Build(key RealmKey, cfg GroupConfiguration) (GroupConfigurationStatement, error) {
	canonical, err := MarshalCanonical(cfg)
	if err != nil {
		return GroupConfigurationStatement{}, err
	}
	return GroupConfigurationStatement{Configuration: cfg, Mac: Compute(key, canonical)}, nil
}

func (GroupConfigurationStatementBuilder) Verify(key RealmKey, s GroupConfigurationStatement) error {
	canonical, err := MarshalCanonical(s.Configuration)
	if err != nil {
		return err
	}
	return Verify(key, canonical, s.Mac)
}

// CapturedStatement is one HSM's durable observation of a specific
// (index, entry_mac) for a group: "I have captured through here." The
// leader collects these toward a commit quorum (spec.md §4.2, Commit).
type Captured struct {
	Realm    ids.RealmId  `cbor:"1,keyasint"`
	Group    ids.GroupId  `cbor:"2,keyasint"`
	Hsm      ids.HsmId    `cbor:"3,keyasint"`
	Index    ids.LogIndex `cbor:"4,keyasint"`
	EntryMac Mac          `cbor:"5,keyasint"`
}

type CapturedStatement struct {
	Captured Captured `cbor:"1,keyasint"`
	Mac      Mac      `cbor:"2,keyasint"`
}

type CapturedStatementBuilder struct{}

func (CapturedStatementBuilder) Build(key RealmKey, c Captured) (CapturedStatement, error) {
	canonical, err := MarshalCanonical(c)
	if err != nil {
		return CapturedStatement{}, err
	}
	return CapturedStatement{Captured: c, Mac: Compute(key, canonical)}, nil
}

func (CapturedStatementBuilder) Verify(key RealmKey, s CapturedStatement) error {
	canonical, err := MarshalCanonical(s.Captured)
	if err != nil {
		return err
	}
	return Verify(key, canonical, s.Mac)
}

// TransferNonce is a random value scoping a transfer's statements to one
// attempt, generated fresh by the destination leader in PrepareTransfer.
type TransferNonce [16]byte

// Transfer is the source leader's authorization to move range to
// destination under nonce, keyed to the destination's prior agreement
// (PreparedTransferStatement). TransferIn verifies this before merging.
type Transfer struct {
	Realm       ids.RealmId    `cbor:"1,keyasint"`
	Source      ids.GroupId    `cbor:"2,keyasint"`
	Destination ids.GroupId    `cbor:"3,keyasint"`
	Range       ids.OwnedRange `cbor:"4,keyasint"`
	Nonce       TransferNonce  `cbor:"5,keyasint"`
}

type TransferStatement struct {
	Transfer Transfer `cbor:"1,keyasint"`
	Mac      Mac      `cbor:"2,keyasint"`
}

type TransferStatementBuilder struct{}

func (TransferStatementBuilder) Build(key RealmKey, t Transfer) (TransferStatement, error) {
	canonical, err := MarshalCanonical(t)
	if err != nil {
		return TransferStatement{}, err
	}
	return TransferStatement{Transfer: t, Mac: Compute(key, canonical)}, nil
}

func (TransferStatementBuilder) Verify(key RealmKey, s TransferStatement) error {
	canonical, err := MarshalCanonical(s.Transfer)
	if err != nil {
		return err
	}
	return Verify(key, canonical, s.Mac)
}

// PreparedTransfer is the destination leader's prior agreement to accept
// range under nonce, produced by PrepareTransfer and checked by the source
// leader during TransferOut before it will emit a TransferStatement.
type PreparedTransfer struct {
	Realm       ids.RealmId    `cbor:"1,keyasint"`
	Source      ids.GroupId    `cbor:"2,keyasint"`
	Destination ids.GroupId    `cbor:"3,keyasint"`
	Range       ids.OwnedRange `cbor:"4,keyasint"`
	Nonce       TransferNonce  `cbor:"5,keyasint"`
}

type PreparedTransferStatement struct {
	PreparedTransfer PreparedTransfer `cbor:"1,keyasint"`
	Mac              Mac              `cbor:"2,keyasint"`
}

type PreparedTransferStatementBuilder struct{}

func (PreparedTransferStatementBuilder) Build(key RealmKey, p PreparedTransfer) (PreparedTransferStatement, error) {
	canonical, err := MarshalCanonical(p)
	if err != nil {
		return PreparedTransferStatement{}, err
	}
	return PreparedTransferStatement{PreparedTransfer: p, Mac: Compute(key, canonical)}, nil
}

func (PreparedTransferStatementBuilder) Verify(key RealmKey, s PreparedTransferStatement) error {
	canonical, err := MarshalCanonical(s.PreparedTransfer)
	if err != nil {
		return err
	}
	return Verify(key, canonical, s.Mac)
}
