package rpcapi

import (
	"errors"

	"github.com/juicebox-realm/realmcore/hsm"
	"github.com/juicebox-realm/realmcore/journal"
	"github.com/juicebox-realm/realmcore/merkle"
	"github.com/juicebox-realm/realmcore/transport"
)

// ErrorKind names one of spec.md §7's conceptual error kinds, serialized
// across the RPC boundary instead of the underlying Go error value (which
// may wrap unexported or process-local detail the other side can't
// reconstruct). Empty string means the response is Ok.
type ErrorKind string

const (
	KindOk ErrorKind = ""

	// Config / identity
	KindInvalidRealm         ErrorKind = "InvalidRealm"
	KindInvalidGroup         ErrorKind = "InvalidGroup"
	KindInvalidConfiguration ErrorKind = "InvalidConfiguration"
	KindHaveRealm            ErrorKind = "HaveRealm"
	KindHaveOtherRealm       ErrorKind = "HaveOtherRealm"
	KindTooManyGroups        ErrorKind = "TooManyGroups"

	// Authentication
	KindInvalidStatement ErrorKind = "InvalidStatement"
	KindInvalidMac       ErrorKind = "InvalidMac"
	KindInvalidNonce     ErrorKind = "InvalidNonce"
	KindInvalidProof     ErrorKind = "InvalidProof"

	// Consensus / leadership
	KindNotLeader          ErrorKind = "NotLeader"
	KindNotCaptured        ErrorKind = "NotCaptured"
	KindStaleIndex         ErrorKind = "StaleIndex"
	KindStaleProof         ErrorKind = "StaleProof"
	KindMissingPrev        ErrorKind = "MissingPrev"
	KindInvalidChain       ErrorKind = "InvalidChain"
	KindStepdownInProgress ErrorKind = "StepdownInProgress"
	KindTimeout            ErrorKind = "Timeout"
	KindNoQuorum           ErrorKind = "NoQuorum"
	KindAlreadyCommitted   ErrorKind = "AlreadyCommitted"
	KindBusy               ErrorKind = "Busy"

	// Transfer
	KindUnacceptableRange    ErrorKind = "UnacceptableRange"
	KindOtherTransferPending ErrorKind = "OtherTransferPending"
	KindNotOwner             ErrorKind = "NotOwner"
	KindNotPrepared          ErrorKind = "NotPrepared"
	KindNotTransferring      ErrorKind = "NotTransferring"
	KindCommitTimeout        ErrorKind = "CommitTimeout"

	// Storage / transport
	KindNoStore         ErrorKind = "NoStore"
	KindNoHsm           ErrorKind = "NoHsm"
	KindLogPrecondition ErrorKind = "LogPrecondition"
	KindNetwork         ErrorKind = "Network"

	// App
	KindMissingSession ErrorKind = "MissingSession"
	KindSessionError   ErrorKind = "SessionError"
	KindDecodingError  ErrorKind = "DecodingError"
	KindInvalidPin     ErrorKind = "InvalidPin"
	KindNoSecret       ErrorKind = "NoSecret"

	// KindUnknown is used for any error that doesn't map to a named kind;
	// propagated as-is per spec.md §7's "all other errors propagate as
	// typed values" rule, just without the original Go error text crossing
	// the wire.
	KindUnknown ErrorKind = "Unknown"
)

// errorTable pairs every sentinel this repo defines with its wire kind, in
// the same order as spec.md §7's taxonomy.
var errorTable = []struct {
	err  error
	kind ErrorKind
}{
	{hsm.ErrInvalidRealm, KindInvalidRealm},
	{hsm.ErrInvalidGroup, KindInvalidGroup},
	{hsm.ErrInvalidConfiguration, KindInvalidConfiguration},
	{hsm.ErrHaveRealm, KindHaveRealm},
	{hsm.ErrHaveOtherRealm, KindHaveOtherRealm},
	{hsm.ErrTooManyGroups, KindTooManyGroups},

	{hsm.ErrInvalidStatement, KindInvalidStatement},
	{hsm.ErrInvalidMac, KindInvalidMac},
	{hsm.ErrInvalidNonce, KindInvalidNonce},
	{hsm.ErrInvalidProof, KindInvalidProof},

	{hsm.ErrNotLeader, KindNotLeader},
	{hsm.ErrNotCaptured, KindNotCaptured},
	{hsm.ErrStaleIndex, KindStaleIndex},
	{hsm.ErrStaleProof, KindStaleProof},
	{hsm.ErrMissingPrev, KindMissingPrev},
	{hsm.ErrInvalidChain, KindInvalidChain},
	{hsm.ErrStepdownInProgress, KindStepdownInProgress},
	{hsm.ErrTimeout, KindTimeout},
	{hsm.ErrNoQuorum, KindNoQuorum},
	{hsm.ErrAlreadyCommitted, KindAlreadyCommitted},
	{hsm.ErrBusy, KindBusy},

	{hsm.ErrUnacceptableRange, KindUnacceptableRange},
	{hsm.ErrOtherTransferPending, KindOtherTransferPending},
	{hsm.ErrNotOwner, KindNotOwner},
	{hsm.ErrNotPrepared, KindNotPrepared},
	{hsm.ErrNotTransferring, KindNotTransferring},
	{hsm.ErrCommitTimeout, KindCommitTimeout},

	{hsm.ErrMissingSession, KindMissingSession},
	{hsm.ErrSessionError, KindSessionError},
	{hsm.ErrDecodingError, KindDecodingError},
	{hsm.ErrInvalidPin, KindInvalidPin},
	{hsm.ErrNoSecret, KindNoSecret},

	{journal.ErrRowExists, KindLogPrecondition},
	{journal.ErrRowNotFound, KindNoStore},
	{merkle.ErrNodeNotFound, KindNoStore},
	{merkle.ErrKeyNotFound, KindNoSecret},
	{transport.ErrBusy, KindBusy},
}

// KindOf maps err to its wire ErrorKind, KindUnknown if it matches none of
// the named sentinels, or KindOk if err is nil.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindOk
	}
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.kind
		}
	}
	return KindUnknown
}

// errByKind is the reverse of errorTable, used by clients to reconstruct a
// Go error from a response's ErrorKind.
var errByKind = func() map[ErrorKind]error {
	m := make(map[ErrorKind]error, len(errorTable))
	for _, e := range errorTable {
		if _, exists := m[e.kind]; !exists {
			m[e.kind] = e.err
		}
	}
	return m
}()

// ErrUnknownKind is returned by ErrorOf for any ErrorKind not in the table
// (including KindUnknown itself, whose original cause was lost crossing
// the wire).
var ErrUnknownKind = errors.New("rpcapi: unknown error kind")

// ErrorOf reconstructs a Go error from kind, or nil if kind is KindOk.
func ErrorOf(kind ErrorKind) error {
	if kind == KindOk {
		return nil
	}
	if err, ok := errByKind[kind]; ok {
		return err
	}
	return ErrUnknownKind
}
