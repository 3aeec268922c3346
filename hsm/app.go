package hsm

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"

	"github.com/juicebox-realm/realmcore/ids"
	"github.com/juicebox-realm/realmcore/merkle"
	"github.com/juicebox-realm/realmcore/statements"
)

// AppRequestKind names one of the client-facing business operations
// HandleApp dispatches to. Register and Recover are modelled as two RPCs
// each (spec.md §4.2's HandleApp table) the way a real OPRF-backed protocol
// needs a round-trip to blind the PIN before the server ever sees it; since
// the OPRF/Noise layer itself is out of scope here (spec.md §1), the first
// phase of each is a stateless handshake acknowledgement and the second
// phase is where the record actually changes.
type AppRequestKind int

const (
	KindRegister1 AppRequestKind = iota
	KindRegister2
	KindRecover1
	KindRecover2
	KindDelete
)

// Codec stands in for the Noise session layer: it turns the opaque
// ciphertext blob HandleApp receives into a concrete request, and the
// concrete response back into an opaque blob. Noise itself is out of scope
// (spec.md §1); production agents wire a real implementation, tests and the
// in-process deployment use PlaintextCodec.
type Codec interface {
	DecodeRequest(kind AppRequestKind, ciphertext []byte) (any, error)
	EncodeResponse(kind AppRequestKind, v any) ([]byte, error)
}

// PlaintextCodec treats ciphertext as already-decoded CBOR, the identity
// stand-in for Noise used by tests and the in-process deployment.
type PlaintextCodec struct{}

func (PlaintextCodec) DecodeRequest(kind AppRequestKind, ciphertext []byte) (any, error) {
	switch kind {
	case KindRegister2:
		var r Register2Request
		if err := statements.Unmarshal(ciphertext, &r); err != nil {
			return nil, err
		}
		return r, nil
	case KindRecover2:
		var r Recover2Request
		if err := statements.Unmarshal(ciphertext, &r); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, nil
	}
}

func (PlaintextCodec) EncodeResponse(kind AppRequestKind, v any) ([]byte, error) {
	return statements.MarshalCanonical(v)
}

// Register2Request finalizes a registration: the PIN (already unblinded by
// the OPRF layer, out of scope here), the secret it should guard, and the
// guess-limit policy.
type Register2Request struct {
	Pin        []byte `cbor:"1,keyasint"`
	Secret     []byte `cbor:"2,keyasint"`
	NumGuesses uint16 `cbor:"3,keyasint"`
}

// Recover2Request presents a PIN guess against the record at record_id.
type Recover2Request struct {
	Pin []byte `cbor:"1,keyasint"`
}

// Recover2Response reports either the recovered secret or the remaining
// guess budget after a failed attempt.
type Recover2Response struct {
	Ok        bool   `cbor:"1,keyasint"`
	Secret    []byte `cbor:"2,keyasint"`
	Remaining uint16 `cbor:"3,keyasint"`
}

// Record is the leaf value stored under a user's RecordId: the salted PIN
// hash, the guarded secret, and the guess-limit policy's running state.
type Record struct {
	Salt        [16]byte `cbor:"1,keyasint"`
	PinHash     [32]byte `cbor:"2,keyasint"`
	Secret      []byte   `cbor:"3,keyasint"`
	NumGuesses  uint16   `cbor:"4,keyasint"`
	GuessesUsed uint16   `cbor:"5,keyasint"`
}

func hashPin(salt [16]byte, pin []byte) [32]byte {
	h := sha256.New()
	h.Write(salt[:])
	h.Write(pin)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// appResponse is a pending client response held on a LeaderLogEntry until
// its entry commits (spec.md §4.2: "append a log entry... and hold the
// response until the entry commits").
type appResponse struct {
	Kind AppRequestKind
	Body []byte
}

// ErrNotOwnerOfRecord is returned by HandleApp when the group's current
// partition does not cover record_id.
var ErrNotOwnerOfRecord = errors.New("hsm: record not in this group's range")

// HandleAppResult carries the new log entry, its MAC and its Merkle delta;
// the not-yet-released client response is held on the leader's log entry
// (returned by Commit in CommitResponse.Released), and the agent appends the
// entry and, once it commits, delivers that response to the waiting caller.
type HandleAppResult struct {
	Entry    statements.LogEntry
	EntryMac statements.Mac
	Delta    recordDelta
}

// TailPartition returns group's leader tail partition (nil if the group
// owns no range yet), for the agent's request routing to read a fresh
// proof against before calling HandleApp (spec.md §4.3 step 6).
func (h *Hsm) TailPartition(group ids.GroupId) (*statements.Partition, error) {
	leader, err := h.requireLeader(group)
	if err != nil {
		return nil, err
	}
	return leader.tail().Entry.Partition, nil
}

// HandleApp decodes the opaque app request, applies the business rule
// (Register/Recover/Delete), produces a record delta, and appends a log
// entry holding the response until commit. An uncommitted entry whose delta
// already touches recordId returns ErrBusy; proofRoot must equal the root
// hash of the leader's tail partition, else ErrStaleProof.
func (h *Hsm) HandleApp(fetch merkle.Fetcher, realm ids.RealmId, group ids.GroupId, recordId ids.RecordId, kind AppRequestKind, ciphertext []byte, proofRoot merkle.Hash, hasProofRoot bool) (HandleAppResult, []byte, error) {
	if _, err := h.requireGroup(realm, group); err != nil {
		return HandleAppResult{}, nil, err
	}
	leader, err := h.requireLeader(group)
	if err != nil {
		return HandleAppResult{}, nil, err
	}
	if steppingDown(leader) {
		return HandleAppResult{}, nil, ErrStepdownInProgress
	}
	last := leader.tail()
	if last.Entry.Partition == nil || !last.Entry.Partition.Range.Contains(recordId) {
		return HandleAppResult{}, nil, ErrNotOwnerOfRecord
	}

	for i := range leader.Log {
		entry := &leader.Log[i]
		if entry.Entry.Index <= leader.committedOrZero() {
			continue
		}
		if entry.Delta == nil {
			continue
		}
		if entry.touchesRecord(recordId) {
			return HandleAppResult{}, nil, ErrBusy
		}
	}

	tailRoot := last.Entry.Partition.RootHash
	if !hasProofRoot || proofRoot != tailRoot {
		return HandleAppResult{}, nil, ErrStaleProof
	}

	req, err := h.codec.DecodeRequest(kind, ciphertext)
	if err != nil {
		return HandleAppResult{}, nil, ErrDecodingError
	}

	rng := last.Entry.Partition.Range
	var newRoot merkle.Hash
	var delta recordDelta
	var respBody []byte

	switch kind {
	case KindRegister1:
		respBody, err = h.codec.EncodeResponse(kind, struct{}{})
		if err != nil {
			return HandleAppResult{}, nil, err
		}
		newRoot = tailRoot
	case KindRegister2:
		r := req.(Register2Request)
		var rec Record
		if _, err := randomBytesInto(rec.Salt[:]); err != nil {
			return HandleAppResult{}, nil, err
		}
		rec.PinHash = hashPin(rec.Salt, r.Pin)
		rec.Secret = r.Secret
		rec.NumGuesses = r.NumGuesses
		value, err := statements.MarshalCanonical(rec)
		if err != nil {
			return HandleAppResult{}, nil, err
		}
		newRoot, delta, err = merkle.Insert(fetch, rng, tailRoot, hasRoot(tailRoot), recordId, value)
		if err != nil {
			return HandleAppResult{}, nil, err
		}
		respBody, err = h.codec.EncodeResponse(kind, struct{}{})
		if err != nil {
			return HandleAppResult{}, nil, err
		}
	case KindRecover1:
		respBody, err = h.codec.EncodeResponse(kind, struct{}{})
		if err != nil {
			return HandleAppResult{}, nil, err
		}
		newRoot = tailRoot
	case KindRecover2:
		r := req.(Recover2Request)
		rec, proof, err := fetchRecord(fetch, rng, tailRoot, recordId)
		if err != nil {
			return HandleAppResult{}, nil, err
		}
		_ = proof
		locked := rec.GuessesUsed >= rec.NumGuesses
		ok := false
		if !locked {
			rec.GuessesUsed++
			ok = subtle.ConstantTimeCompare(rec.PinHash[:], hashPin(rec.Salt, r.Pin)[:]) == 1
		}
		remaining := uint16(0)
		if rec.NumGuesses > rec.GuessesUsed {
			remaining = rec.NumGuesses - rec.GuessesUsed
		}
		resp := Recover2Response{Ok: ok, Remaining: remaining}
		if ok {
			resp.Secret = rec.Secret
		}
		value, err := statements.MarshalCanonical(rec)
		if err != nil {
			return HandleAppResult{}, nil, err
		}
		newRoot, delta, err = merkle.Insert(fetch, rng, tailRoot, hasRoot(tailRoot), recordId, value)
		if err != nil {
			return HandleAppResult{}, nil, err
		}
		respBody, err = h.codec.EncodeResponse(kind, resp)
		if err != nil {
			return HandleAppResult{}, nil, err
		}
	case KindDelete:
		deletedRoot, _, d, delErr := merkle.Delete(fetch, rng, tailRoot, recordId)
		switch {
		case delErr == nil:
			newRoot, delta = deletedRoot, d
		case errors.Is(delErr, merkle.ErrKeyNotFound), !hasRoot(tailRoot):
			newRoot = tailRoot
		default:
			return HandleAppResult{}, nil, delErr
		}
		respBody, err = h.codec.EncodeResponse(kind, struct{}{})
		if err != nil {
			return HandleAppResult{}, nil, err
		}
	default:
		return HandleAppResult{}, nil, ErrDecodingError
	}

	index := last.Entry.Index.Next()
	entry := statements.LogEntry{
		Realm: realm, Group: group, Index: index,
		Partition: &statements.Partition{Range: rng, RootHash: newRoot},
		TransferringOut: last.Entry.TransferringOut,
		PrevMac:         last.EntryMac,
	}
	entryMac, err := (statements.EntryMacBuilder{}).Build(h.persistent.RealmKey, entry)
	if err != nil {
		return HandleAppResult{}, nil, err
	}
	pending := appResponse{Kind: kind, Body: respBody}
	leader.Log = append(leader.Log, LeaderLogEntry{Entry: entry, EntryMac: entryMac, Delta: &delta, Response: &pending})

	return HandleAppResult{Entry: entry, EntryMac: entryMac, Delta: delta}, respBody, nil
}

func (g *LeaderVolatileGroupState) committedOrZero() ids.LogIndex {
	if g.Committed == nil {
		return 0
	}
	return *g.Committed
}

// touchesRecord reports whether e's delta added a leaf whose key is
// recordId (a delete of recordId adds no such leaf and is not detected);
// used to serialize pipelined writes to the same record
// (spec.md §4.2) without needing to track per-delta key sets separately.
func (e *LeaderLogEntry) touchesRecord(recordId ids.RecordId) bool {
	if e.Delta == nil {
		return false
	}
	for _, n := range e.Delta.Add {
		if n.IsLeaf() && n.Leaf.Key == recordId {
			return true
		}
	}
	return false
}

func fetchRecord(fetch merkle.Fetcher, rng ids.OwnedRange, root merkle.Hash, recordId ids.RecordId) (Record, merkle.ReadProof, error) {
	proof, err := merkle.Prove(fetch, root, hasRoot(root), recordId)
	if err != nil {
		return Record{}, merkle.ReadProof{}, err
	}
	if !proof.Found {
		return Record{}, proof, ErrNoSecret
	}
	var rec Record
	if err := statements.Unmarshal(proof.Value, &rec); err != nil {
		return Record{}, proof, err
	}
	return rec, proof, nil
}

func randomBytesInto(b []byte) (int, error) {
	if err := randomBytes(b); err != nil {
		return 0, err
	}
	return len(b), nil
}
