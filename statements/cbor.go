// Package statements builds and verifies the realm's MAC-authenticated
// structures: log entry MACs, group configuration statements, captured
// statements, transfer statements and prepared-transfer statements.
//
// Every statement is MAC'd over its *canonical* CBOR encoding so that two
// callers constructing the same logical structure always agree on the bytes
// being authenticated, mirroring the teacher's use of deterministic CBOR
// encoding modes ahead of COSE signing (massifs/cborcodec.go), adapted here
// from an asymmetric-signing codec to a symmetric keyed-MAC one.
package statements

import (
	"sync"

	"github.com/fxamacker/cbor/v2"
)

var (
	encModeOnce sync.Once
	encMode     cbor.EncMode
)

// canonicalEncMode returns the deterministic CBOR encoding mode used for
// every authenticated structure in this package: sorted map keys, shortest
// form integers, no indefinite-length items.
func canonicalEncMode() cbor.EncMode {
	encModeOnce.Do(func() {
		opts := cbor.CoreDetEncOptions()
		m, err := opts.EncMode()
		if err != nil {
			panic(err)
		}
		encMode = m
	})
	return encMode
}

// MarshalCanonical encodes v using the package's canonical CBOR mode.
func MarshalCanonical(v any) ([]byte, error) {
	return canonicalEncMode().Marshal(v)
}

// Unmarshal decodes CBOR bytes produced by MarshalCanonical (or any
// compatible encoder) into v.
func Unmarshal(data []byte, v any) error {
	return cbor.Unmarshal(data, v)
}
