package ids

import "fmt"

// OwnedRange is an inclusive [Start, End] range of RecordId. Ranges are
// always contiguous; a group owns at most one range at a time.
type OwnedRange struct {
	Start RecordId
	End   RecordId
}

// FullOwnedRange spans the entire 256-bit record space.
func FullOwnedRange() OwnedRange {
	return OwnedRange{Start: MinRecordId(), End: MaxRecordId()}
}

// Valid reports whether Start <= End.
func (r OwnedRange) Valid() bool { return !r.End.Less(r.Start) }

// Contains reports whether id falls within [Start, End].
func (r OwnedRange) Contains(id RecordId) bool {
	return !id.Less(r.Start) && !r.End.Less(id)
}

// Equal reports whether r and other describe the same range.
func (r OwnedRange) Equal(other OwnedRange) bool {
	return r.Start == other.Start && r.End == other.End
}

// IsFull reports whether r spans the entire record space.
func (r OwnedRange) IsFull() bool {
	return r.Start == MinRecordId() && r.End == MaxRecordId()
}

// IsAdjacentTo reports whether r immediately precedes other (r.End+1 ==
// other.Start) with no gap and no overlap. Adjacency is directional: call it
// both ways to test either side.
func (r OwnedRange) IsAdjacentTo(other OwnedRange) bool {
	next, ok := NextRecordId(r.End)
	if !ok {
		return false
	}
	return next == other.Start
}

// Overlaps reports whether r and other share at least one RecordId.
func (r OwnedRange) Overlaps(other OwnedRange) bool {
	return !r.End.Less(other.Start) && !other.End.Less(r.Start)
}

// Join merges r and an adjacent other (in either order) into their union,
// requiring they be exactly adjacent (no gap, no overlap).
func (r OwnedRange) Join(other OwnedRange) (OwnedRange, error) {
	if r.IsAdjacentTo(other) {
		return OwnedRange{Start: r.Start, End: other.End}, nil
	}
	if other.IsAdjacentTo(r) {
		return OwnedRange{Start: other.Start, End: r.End}, nil
	}
	return OwnedRange{}, fmt.Errorf("ids: ranges %s and %s are not adjacent", r, other)
}

// SplitAt splits r into [Start, splitKey-1] and [splitKey, End]. A leaf whose
// key equals splitKey belongs to the right range (keys are >= split), per
// spec.md's tie-break rule. splitKey must lie strictly inside r, i.e.
// r.Start < splitKey <= r.End.
func (r OwnedRange) SplitAt(splitKey RecordId) (left, right OwnedRange, err error) {
	if !r.Contains(splitKey) || splitKey == r.Start {
		return OwnedRange{}, OwnedRange{}, fmt.Errorf("ids: split key %s not strictly inside %s", splitKey, r)
	}
	leftEnd, ok := prevRecordId(splitKey)
	if !ok {
		return OwnedRange{}, OwnedRange{}, fmt.Errorf("ids: split key %s has no predecessor", splitKey)
	}
	left = OwnedRange{Start: r.Start, End: leftEnd}
	right = OwnedRange{Start: splitKey, End: r.End}
	return left, right, nil
}

func prevRecordId(r RecordId) (prev RecordId, ok bool) {
	prev = r
	for i := len(prev) - 1; i >= 0; i-- {
		if prev[i] != 0 {
			prev[i]--
			return prev, true
		}
		prev[i] = 0xff
	}
	return RecordId{}, false
}

func (r OwnedRange) String() string {
	return fmt.Sprintf("[%s, %s]", r.Start, r.End)
}
