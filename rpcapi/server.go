package rpcapi

import (
	"context"
	"errors"

	"github.com/juicebox-realm/realmcore/agent"
	"github.com/juicebox-realm/realmcore/hsm"
	"github.com/juicebox-realm/realmcore/merklestore"
	"github.com/juicebox-realm/realmcore/statements"
	"github.com/juicebox-realm/realmcore/transport"
)

// ErrUnknownRPC is returned by the dispatcher for a name no RPC path
// matches.
var ErrUnknownRPC = errors.New("rpcapi: unknown rpc name")

// NewHandler builds the transport.HandlerFunc one agent process registers
// with transport.NewServer: it decodes the request named by name, calls the
// matching Hsm/Agent method, and encodes the tagged response, translating
// any Go error into the response's ErrorKind field rather than a transport
// failure — spec.md §6's RPCs always return an HTTP 200 with the outcome
// tagged inside the body, the way original_source/agent_api/src/lib.rs's
// Rpc<AgentService> responses are never themselves an RPC-layer error.
func NewHandler(a *agent.Agent, h *hsm.Hsm) transport.HandlerFunc {
	return func(ctx context.Context, name string, body []byte) ([]byte, error) {
		switch name {
		case "status":
			return encode(StatusResponseFrom(h.Status(), a.UptimeSeconds()))
		case "new_realm":
			resp, err := h.NewRealm()
			if err != nil {
				return encode(NewRealmResponse{ErrorKind: KindOf(err)})
			}
			return encode(NewRealmResponse{RealmId: resp.RealmId, GroupId: resp.GroupId, Entry: resp.Entry, EntryMac: resp.EntryMac})
		case "join_realm":
			var req JoinRealmRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			err := h.JoinRealm(req.RealmId, req.Config)
			return encode(JoinRealmResponse{ErrorKind: KindOf(err)})
		case "new_group":
			var req NewGroupRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			resp, err := h.NewGroup(req.Members)
			if err != nil {
				return encode(NewGroupResponse{ErrorKind: KindOf(err)})
			}
			return encode(NewGroupResponse{GroupId: resp.GroupId, Config: resp.Config, Entry: resp.Entry, EntryMac: resp.EntryMac})
		case "join_group":
			var req JoinGroupRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			err := h.JoinGroup(req.Config)
			return encode(JoinGroupResponse{ErrorKind: KindOf(err)})
		case "become_leader":
			var req BecomeLeaderRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			err := h.BecomeLeader(req.Group, req.Entry, req.EntryMac)
			return encode(BecomeLeaderResponse{ErrorKind: KindOf(err)})
		case "stepdown":
			var req StepDownRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			resp, err := h.StepDown(req.Group)
			if err != nil {
				return encode(StepDownResponse{ErrorKind: KindOf(err)})
			}
			return encode(StepDownResponse{LastIndex: resp.LastIndex})
		case "captured":
			var req ReadCapturedRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			resp, ok, err := h.ReadCaptured(req.Realm, req.Group)
			if err != nil {
				return encode(ReadCapturedResponse{ErrorKind: KindOf(err)})
			}
			return encode(ReadCapturedResponse{Found: ok, Index: resp.Index, EntryMac: resp.EntryMac, Statement: resp.Statement})
		case "prepare_transfer":
			var req PrepareTransferRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			resp, err := h.PrepareTransfer(req.Realm, req.Source, req.Destination, req.Range)
			if err != nil {
				return encode(PrepareTransferResponse{ErrorKind: KindOf(err)})
			}
			return encode(PrepareTransferResponse{Nonce: resp.Nonce, Statement: resp.Statement, Entry: resp.Entry, EntryMac: resp.EntryMac})
		case "cancel_prepared_transfer":
			var req CancelPreparedTransferRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			err := h.CancelPreparedTransfer(req.Realm, req.Source, req.Destination, req.Range)
			return encode(CancelPreparedTransferResponse{ErrorKind: KindOf(err)})
		case "transfer_out":
			var req TransferOutRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			fetch := merklestore.Fetcher{Ctx: ctx, Realm: req.Realm, Store: a.Store}
			resp, err := h.TransferOut(fetch, req.Realm, req.Source, req.Destination, req.Range, req.Nonce, req.Prepared)
			if err != nil {
				return encode(TransferOutResponse{ErrorKind: KindOf(err)})
			}
			if err := a.Store.Apply(ctx, req.Realm, resp.Delta); err != nil {
				return nil, err
			}
			return encode(TransferOutResponse{Entry: resp.Entry, EntryMac: resp.EntryMac, Transferring: resp.Transferring, Statement: resp.Statement})
		case "transfer_in":
			var req TransferInRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			fetchOwn := merklestore.Fetcher{Ctx: ctx, Realm: req.Realm, Store: a.Store}
			fetchIncoming := merklestore.Fetcher{Ctx: ctx, Realm: req.Realm, Store: a.Store}
			resp, err := h.TransferIn(fetchOwn, fetchIncoming, req.Realm, req.Source, req.Destination, req.Partition, req.Nonce, req.Statement)
			if err != nil {
				return encode(TransferInResponse{ErrorKind: KindOf(err)})
			}
			if err := a.Store.Apply(ctx, req.Realm, resp.Delta); err != nil {
				return nil, err
			}
			return encode(TransferInResponse{Entry: resp.Entry, EntryMac: resp.EntryMac})
		case "complete_transfer":
			var req CompleteTransferRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			entry, entryMac, err := h.CompleteTransfer(req.Realm, req.Source, req.Destination, req.Range)
			if err != nil {
				return encode(CompleteTransferResponse{ErrorKind: KindOf(err)})
			}
			return encode(CompleteTransferResponse{Entry: entry, EntryMac: entryMac})
		case "app":
			var req AppRequest
			if err := decode(body, &req); err != nil {
				return nil, err
			}
			respBody, err := a.HandleApp(ctx, req.Group, req.RecordId, req.Kind, req.Ciphertext)
			if err != nil {
				return encode(AppResponse{ErrorKind: KindOf(err)})
			}
			return encode(AppResponse{Ciphertext: respBody})
		default:
			return nil, ErrUnknownRPC
		}
	}
}

func decode(body []byte, v any) error {
	return statements.Unmarshal(body, v)
}

func encode(v any) ([]byte, error) {
	return statements.MarshalCanonical(v)
}
