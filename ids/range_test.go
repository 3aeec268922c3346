package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFullOwnedRangeSpansSpace(t *testing.T) {
	full := FullOwnedRange()
	require.Equal(t, MinRecordId(), full.Start)
	require.Equal(t, MaxRecordId(), full.End)
	require.True(t, full.IsFull())
	require.True(t, full.Contains(RecordId{0x80}))
}

func TestNextRecordIdCarries(t *testing.T) {
	_, ok := NextRecordId(MaxRecordId())
	require.False(t, ok, "max record id has no successor")

	in := MaxRecordId()
	in[0] = 0x00
	next, ok := NextRecordId(in)
	require.True(t, ok)
	require.Equal(t, RecordId{0x01, 0x00}, next)
}

func TestSplitAtTieBreakGoesRight(t *testing.T) {
	full := FullOwnedRange()
	var split RecordId
	split[0] = 0x80

	left, right, err := full.SplitAt(split)
	require.NoError(t, err)

	require.True(t, left.Contains(RecordId{0x7f, 0xff}))
	require.False(t, left.Contains(split))
	require.True(t, right.Contains(split))

	joined, err := left.Join(right)
	require.NoError(t, err)
	require.True(t, joined.Equal(full))
}

func TestSplitAtRejectsBoundary(t *testing.T) {
	full := FullOwnedRange()
	_, _, err := full.SplitAt(full.Start)
	require.Error(t, err)
}

func TestIsAdjacentTo(t *testing.T) {
	aEnd := MaxRecordId()
	aEnd[0] = 0x7f
	a := OwnedRange{Start: RecordId{0x00}, End: aEnd}
	b := OwnedRange{Start: RecordId{0x80}, End: MaxRecordId()}
	require.True(t, a.IsAdjacentTo(b))
	require.False(t, b.IsAdjacentTo(a))
	require.False(t, a.Overlaps(b))
}
