// Package journal is the per-group append-only log of LogEntry rows. Row
// keys are `group(16B) || be64(^index)` exactly as spec.md §6 specifies:
// bitwise-complementing the index before the big-endian encoding makes a
// lexicographic blob listing return rows newest-first, which is how the
// teacher orders massif blobs for "find the most recent" scans
// (massifs/logformat.go's IndexFromBlobSize/blob-size-implies-index scheme,
// generalized here from size-implies-index to an explicit encoded key since
// journal rows aren't a fixed-width append-in-place file).
package journal

import (
	"encoding/binary"

	"github.com/juicebox-realm/realmcore/ids"
)

// RowKeyBytes is the fixed width of an encoded row key.
const RowKeyBytes = 16 + 8

// RowKey encodes group and index into the lexicographically-reversed key
// spec.md §6 specifies.
func RowKey(group ids.GroupId, index ids.LogIndex) [RowKeyBytes]byte {
	var out [RowKeyBytes]byte
	copy(out[:16], group[:])
	binary.BigEndian.PutUint64(out[16:], ^uint64(index))
	return out
}

// ParseRowKey decodes a row key produced by RowKey.
func ParseRowKey(b []byte) (group ids.GroupId, index ids.LogIndex, ok bool) {
	if len(b) != RowKeyBytes {
		return ids.GroupId{}, 0, false
	}
	copy(group[:], b[:16])
	index = ids.LogIndex(^binary.BigEndian.Uint64(b[16:]))
	return group, index, true
}
