package hsm

import "github.com/juicebox-realm/realmcore/merkle"

// recordDelta is the Merkle add/remove set an in-progress leader entry
// produced, kept long enough to compose pipelined proofs for subsequent
// requests against the same uncommitted tail (spec.md §4.2, "Leader
// volatile log and pipelining").
type recordDelta = merkle.StoreDelta
