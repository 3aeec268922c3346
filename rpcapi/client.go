package rpcapi

import (
	"context"

	"github.com/juicebox-realm/realmcore/statements"
	"github.com/juicebox-realm/realmcore/transport"
)

// Client calls an agent's RPCs (spec.md §6) over a transport.Transport,
// CBOR-encoding requests and decoding responses the way original_source's
// juicebox_networking::rpc::send does over its own HTTP client. One Client
// addresses exactly one agent; cluster.LeaderFinder resolves which agent a
// given call should target.
type Client struct {
	Transport transport.Transport
}

func NewClient(t transport.Transport) *Client { return &Client{Transport: t} }

// call is the shared send/decode path every typed method below wraps.
func call[Req, Resp any](ctx context.Context, c *Client, name string, req Req) (Resp, error) {
	var resp Resp
	body, err := statements.MarshalCanonical(req)
	if err != nil {
		return resp, err
	}
	respBody, err := c.Transport.Call(ctx, name, body)
	if err != nil {
		return resp, err
	}
	if err := statements.Unmarshal(respBody, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

func (c *Client) Status(ctx context.Context) (StatusResponse, error) {
	return call[StatusRequest, StatusResponse](ctx, c, "status", StatusRequest{})
}

func (c *Client) NewRealm(ctx context.Context) (NewRealmResponse, error) {
	return call[NewRealmRequest, NewRealmResponse](ctx, c, "new_realm", NewRealmRequest{})
}

func (c *Client) JoinRealm(ctx context.Context, req JoinRealmRequest) (JoinRealmResponse, error) {
	return call[JoinRealmRequest, JoinRealmResponse](ctx, c, "join_realm", req)
}

func (c *Client) NewGroup(ctx context.Context, req NewGroupRequest) (NewGroupResponse, error) {
	return call[NewGroupRequest, NewGroupResponse](ctx, c, "new_group", req)
}

func (c *Client) JoinGroup(ctx context.Context, req JoinGroupRequest) (JoinGroupResponse, error) {
	return call[JoinGroupRequest, JoinGroupResponse](ctx, c, "join_group", req)
}

func (c *Client) BecomeLeader(ctx context.Context, req BecomeLeaderRequest) (BecomeLeaderResponse, error) {
	return call[BecomeLeaderRequest, BecomeLeaderResponse](ctx, c, "become_leader", req)
}

func (c *Client) StepDown(ctx context.Context, req StepDownRequest) (StepDownResponse, error) {
	return call[StepDownRequest, StepDownResponse](ctx, c, "stepdown", req)
}

func (c *Client) ReadCaptured(ctx context.Context, req ReadCapturedRequest) (ReadCapturedResponse, error) {
	return call[ReadCapturedRequest, ReadCapturedResponse](ctx, c, "captured", req)
}

func (c *Client) PrepareTransfer(ctx context.Context, req PrepareTransferRequest) (PrepareTransferResponse, error) {
	return call[PrepareTransferRequest, PrepareTransferResponse](ctx, c, "prepare_transfer", req)
}

func (c *Client) CancelPreparedTransfer(ctx context.Context, req CancelPreparedTransferRequest) (CancelPreparedTransferResponse, error) {
	return call[CancelPreparedTransferRequest, CancelPreparedTransferResponse](ctx, c, "cancel_prepared_transfer", req)
}

func (c *Client) TransferOut(ctx context.Context, req TransferOutRequest) (TransferOutResponse, error) {
	return call[TransferOutRequest, TransferOutResponse](ctx, c, "transfer_out", req)
}

func (c *Client) TransferIn(ctx context.Context, req TransferInRequest) (TransferInResponse, error) {
	return call[TransferInRequest, TransferInResponse](ctx, c, "transfer_in", req)
}

func (c *Client) CompleteTransfer(ctx context.Context, req CompleteTransferRequest) (CompleteTransferResponse, error) {
	return call[CompleteTransferRequest, CompleteTransferResponse](ctx, c, "complete_transfer", req)
}

func (c *Client) App(ctx context.Context, req AppRequest) (AppResponse, error) {
	return call[AppRequest, AppResponse](ctx, c, "app", req)
}
