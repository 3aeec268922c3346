package cluster

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/juicebox-realm/realmcore/discovery"
	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/rpcapi"
	"github.com/juicebox-realm/realmcore/statements"
)

// TransferRequest names a contiguous record range to move from Source to
// Destination within Realm.
type TransferRequest struct {
	Realm       ids.RealmId
	Source      ids.GroupId
	Destination ids.GroupId
	Range       ids.OwnedRange
}

// TransferMaxAttempts and TransferRetryDelay match
// original_source/cluster_core/src/transfer.rs's retry loop: 20 attempts,
// 25ms apart.
const (
	TransferMaxAttempts = 20
	TransferRetryDelay  = 25 * time.Millisecond
)

// ErrSameGroup rejects a transfer whose source and destination are identical.
var ErrSameGroup = errors.New("cluster: source and destination groups are the same")

// ErrTransferGaveUp is returned once TransferMaxAttempts is exhausted
// without the protocol completing.
var ErrTransferGaveUp = errors.New("cluster: transfer did not complete within the retry budget")

// Transfer drives spec.md §4.4's range-transfer protocol to completion:
// PrepareTransfer at the destination's leader, TransferOut at the source's
// leader, TransferIn at the destination's leader, then CompleteTransfer at
// the source's leader. Ported from
// original_source/cluster_core/src/transfer.rs, with one deliberate
// simplification: rather than re-issuing PrepareTransfer on every retry (the
// original does this unconditionally, which only works because a second
// prepare against an already-prepared destination surfaces as a terminal
// OtherTransferPending — effectively spending the whole retry budget on the
// first transient TransferOut failure), this implementation remembers a
// successful prepare across attempts and only repeats the step that
// actually failed.
//
// If the process is interrupted after a successful prepare but before
// TransferOut lands, a deferred call cancels the outstanding prepare at the
// destination — the same role original_source's CancelPrepareGuard (a Drop
// impl) played.
func Transfer(ctx context.Context, disc discovery.Table, dialer Dialer, sourceMembers, destMembers []ids.HsmId, req TransferRequest) error {
	if req.Source == req.Destination {
		return ErrSameGroup
	}

	var (
		nonce        statements.TransferNonce
		prepared     statements.PreparedTransferStatement
		transferring statements.Partition
		transferStmt statements.TransferStatement
		havePrepare  bool
		transferredOut bool
	)

	cancelable := false
	defer func() {
		if !cancelable {
			return
		}
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		leader, err := FindLeader(cancelCtx, disc, dialer, destMembers, req.Realm, req.Destination)
		if err != nil {
			return
		}
		_, _ = leader.Client.CancelPreparedTransfer(cancelCtx, rpcapi.CancelPreparedTransferRequest{
			Realm: req.Realm, Source: req.Source, Destination: req.Destination, Range: req.Range,
		})
	}()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(TransferRetryDelay), TransferMaxAttempts-1),
		ctx,
	)

	attempt := func() error {
		if !transferredOut {
			destLeader, err := FindLeader(ctx, disc, dialer, destMembers, req.Realm, req.Destination)
			if err != nil {
				return err
			}

			if !havePrepare {
				prepResp, err := destLeader.Client.PrepareTransfer(ctx, rpcapi.PrepareTransferRequest{
					Realm: req.Realm, Source: req.Source, Destination: req.Destination, Range: req.Range,
				})
				if err != nil {
					return err
				}
				if prepResp.ErrorKind != rpcapi.KindOk {
					return backoff.Permanent(rpcapi.ErrorOf(prepResp.ErrorKind))
				}
				nonce, prepared = prepResp.Nonce, prepResp.Statement
				havePrepare = true
				cancelable = true
			}

			sourceLeader, err := FindLeader(ctx, disc, dialer, sourceMembers, req.Realm, req.Source)
			if err != nil {
				return err
			}
			outResp, err := sourceLeader.Client.TransferOut(ctx, rpcapi.TransferOutRequest{
				Realm: req.Realm, Source: req.Source, Destination: req.Destination, Range: req.Range,
				Nonce: nonce, Prepared: prepared,
			})
			if err != nil {
				return err
			}
			if outResp.ErrorKind != rpcapi.KindOk {
				return backoff.Permanent(rpcapi.ErrorOf(outResp.ErrorKind))
			}
			transferring, transferStmt = outResp.Transferring, outResp.Statement
			transferredOut = true
			cancelable = false

			inResp, err := destLeader.Client.TransferIn(ctx, rpcapi.TransferInRequest{
				Realm: req.Realm, Source: req.Source, Destination: req.Destination,
				Partition: transferring, Nonce: nonce, Statement: transferStmt,
			})
			if err != nil {
				return err
			}
			if inResp.ErrorKind != rpcapi.KindOk {
				return backoff.Permanent(rpcapi.ErrorOf(inResp.ErrorKind))
			}
		}

		sourceLeader, err := FindLeader(ctx, disc, dialer, sourceMembers, req.Realm, req.Source)
		if err != nil {
			return err
		}
		completeResp, err := sourceLeader.Client.CompleteTransfer(ctx, rpcapi.CompleteTransferRequest{
			Realm: req.Realm, Source: req.Source, Destination: req.Destination, Range: req.Range,
		})
		if err != nil {
			return err
		}
		if completeResp.ErrorKind != rpcapi.KindOk && completeResp.ErrorKind != rpcapi.KindNotTransferring {
			return backoff.Permanent(rpcapi.ErrorOf(completeResp.ErrorKind))
		}
		return nil
	}

	if err := backoff.Retry(attempt, policy); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Unwrap()
		}
		return ErrTransferGaveUp
	}
	return nil
}
