package rpcapi

import (
	"github.com/google/uuid"

	"github.com/juicebox-realm/realmcore/hsm"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/statements"
)

// StatusRequest carries no fields; status is a liveness probe.
type StatusRequest struct{}

// StatusResponse mirrors hsm.StatusResponse plus the fields spec.md §6
// additionally asks for: uptime, and whether the response is Ok at all.
type StatusResponse struct {
	ErrorKind ErrorKind                    `cbor:"1,keyasint"`
	HsmId     ids.HsmId                    `cbor:"2,keyasint"`
	RealmId   *ids.RealmId                 `cbor:"3,keyasint,omitempty"`
	Groups    map[ids.GroupId]GroupStatus  `cbor:"4,keyasint,omitempty"`
	UptimeSec int64                        `cbor:"5,keyasint"`
}

// GroupStatus is the wire form of hsm.GroupStatus.
type GroupStatus struct {
	Leader       bool          `cbor:"1,keyasint"`
	Committed    *ids.LogIndex `cbor:"2,keyasint,omitempty"`
	SteppingDown bool          `cbor:"3,keyasint"`
}

func StatusResponseFrom(resp hsm.StatusResponse, uptime int64) StatusResponse {
	out := StatusResponse{HsmId: resp.HsmId, RealmId: resp.RealmId, UptimeSec: uptime}
	if len(resp.Groups) > 0 {
		out.Groups = make(map[ids.GroupId]GroupStatus, len(resp.Groups))
		for gid, g := range resp.Groups {
			out.Groups[gid] = GroupStatus{Leader: g.Leader, Committed: g.Committed, SteppingDown: g.SteppingDown}
		}
	}
	return out
}

// NewRealmRequest carries no fields.
type NewRealmRequest struct{}

type NewRealmResponse struct {
	ErrorKind ErrorKind          `cbor:"1,keyasint"`
	RealmId   ids.RealmId        `cbor:"2,keyasint"`
	GroupId   ids.GroupId        `cbor:"3,keyasint"`
	Entry     statements.LogEntry `cbor:"4,keyasint"`
	EntryMac  statements.Mac      `cbor:"5,keyasint"`
}

type JoinRealmRequest struct {
	RealmId ids.RealmId                             `cbor:"1,keyasint"`
	Config  statements.GroupConfigurationStatement `cbor:"2,keyasint"`
}

type JoinRealmResponse struct {
	ErrorKind ErrorKind `cbor:"1,keyasint"`
}

type NewGroupRequest struct {
	Members []ids.HsmId `cbor:"1,keyasint"`
}

type NewGroupResponse struct {
	ErrorKind ErrorKind                              `cbor:"1,keyasint"`
	GroupId   ids.GroupId                            `cbor:"2,keyasint"`
	Config    statements.GroupConfigurationStatement `cbor:"3,keyasint"`
	Entry     statements.LogEntry                    `cbor:"4,keyasint"`
	EntryMac  statements.Mac                         `cbor:"5,keyasint"`
}

type JoinGroupRequest struct {
	Config statements.GroupConfigurationStatement `cbor:"1,keyasint"`
}

type JoinGroupResponse struct {
	ErrorKind ErrorKind `cbor:"1,keyasint"`
}

type BecomeLeaderRequest struct {
	Group    ids.GroupId         `cbor:"1,keyasint"`
	Entry    statements.LogEntry `cbor:"2,keyasint"`
	EntryMac statements.Mac      `cbor:"3,keyasint"`
}

type BecomeLeaderResponse struct {
	ErrorKind ErrorKind `cbor:"1,keyasint"`
}

type StepDownRequest struct {
	Group ids.GroupId `cbor:"1,keyasint"`
}

type StepDownResponse struct {
	ErrorKind ErrorKind    `cbor:"1,keyasint"`
	LastIndex ids.LogIndex `cbor:"2,keyasint"`
}

type ReadCapturedRequest struct {
	Realm ids.RealmId `cbor:"1,keyasint"`
	Group ids.GroupId `cbor:"2,keyasint"`
}

type ReadCapturedResponse struct {
	ErrorKind ErrorKind                  `cbor:"1,keyasint"`
	Found     bool                       `cbor:"2,keyasint"`
	Index     ids.LogIndex               `cbor:"3,keyasint"`
	EntryMac  statements.Mac             `cbor:"4,keyasint"`
	Statement statements.CapturedStatement `cbor:"5,keyasint"`
}

type PrepareTransferRequest struct {
	Realm       ids.RealmId    `cbor:"1,keyasint"`
	Source      ids.GroupId    `cbor:"2,keyasint"`
	Destination ids.GroupId    `cbor:"3,keyasint"`
	Range       ids.OwnedRange `cbor:"4,keyasint"`
}

type PrepareTransferResponse struct {
	ErrorKind ErrorKind                            `cbor:"1,keyasint"`
	Nonce     statements.TransferNonce             `cbor:"2,keyasint"`
	Statement statements.PreparedTransferStatement `cbor:"3,keyasint"`
	Entry     statements.LogEntry                  `cbor:"4,keyasint"`
	EntryMac  statements.Mac                       `cbor:"5,keyasint"`
}

type CancelPreparedTransferRequest struct {
	Realm       ids.RealmId    `cbor:"1,keyasint"`
	Source      ids.GroupId    `cbor:"2,keyasint"`
	Destination ids.GroupId    `cbor:"3,keyasint"`
	Range       ids.OwnedRange `cbor:"4,keyasint"`
}

type CancelPreparedTransferResponse struct {
	ErrorKind ErrorKind `cbor:"1,keyasint"`
}

type TransferOutRequest struct {
	Realm       ids.RealmId                          `cbor:"1,keyasint"`
	Source      ids.GroupId                          `cbor:"2,keyasint"`
	Destination ids.GroupId                          `cbor:"3,keyasint"`
	Range       ids.OwnedRange                       `cbor:"4,keyasint"`
	Nonce       statements.TransferNonce              `cbor:"5,keyasint"`
	Prepared    statements.PreparedTransferStatement `cbor:"6,keyasint"`
}

type TransferOutResponse struct {
	ErrorKind    ErrorKind               `cbor:"1,keyasint"`
	Entry        statements.LogEntry      `cbor:"2,keyasint"`
	EntryMac     statements.Mac           `cbor:"3,keyasint"`
	Transferring statements.Partition     `cbor:"4,keyasint"`
	Statement    statements.TransferStatement `cbor:"5,keyasint"`
}

type TransferInRequest struct {
	Realm       ids.RealmId                  `cbor:"1,keyasint"`
	Source      ids.GroupId                  `cbor:"2,keyasint"`
	Destination ids.GroupId                  `cbor:"3,keyasint"`
	Partition   statements.Partition         `cbor:"4,keyasint"`
	Nonce       statements.TransferNonce      `cbor:"5,keyasint"`
	Statement   statements.TransferStatement `cbor:"6,keyasint"`
}

type TransferInResponse struct {
	ErrorKind ErrorKind           `cbor:"1,keyasint"`
	Entry     statements.LogEntry `cbor:"2,keyasint"`
	EntryMac  statements.Mac      `cbor:"3,keyasint"`
}

type CompleteTransferRequest struct {
	Realm       ids.RealmId    `cbor:"1,keyasint"`
	Source      ids.GroupId    `cbor:"2,keyasint"`
	Destination ids.GroupId    `cbor:"3,keyasint"`
	Range       ids.OwnedRange `cbor:"4,keyasint"`
}

type CompleteTransferResponse struct {
	ErrorKind ErrorKind           `cbor:"1,keyasint"`
	Entry     statements.LogEntry `cbor:"2,keyasint"`
	EntryMac  statements.Mac      `cbor:"3,keyasint"`
}

// AppRequest is the encrypted client request spec.md §6 describes:
// "(realm, group, record_id, session_id, kind, ciphertext, tenant,
// hashed_user)". SessionId and the Noise handshake it identifies are out of
// scope (spec.md §1); SessionId is carried opaquely for a future transport
// to interpret, and is a fresh uuid.New() per client session rather than a
// raw byte array so logs and traces can print it directly.
type AppRequest struct {
	Realm      ids.RealmId        `cbor:"1,keyasint"`
	Group      ids.GroupId        `cbor:"2,keyasint"`
	RecordId   ids.RecordId       `cbor:"3,keyasint"`
	SessionId  uuid.UUID          `cbor:"4,keyasint"`
	Kind       hsm.AppRequestKind `cbor:"5,keyasint"`
	Ciphertext []byte             `cbor:"6,keyasint"`
	Tenant     string             `cbor:"7,keyasint"`
	User       HashedUserId       `cbor:"8,keyasint"`
}

type AppResponse struct {
	ErrorKind  ErrorKind `cbor:"1,keyasint"`
	Ciphertext []byte    `cbor:"2,keyasint,omitempty"`
}
