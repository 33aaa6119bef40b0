package foreignmaster

import (
	"testing"

	ptp "github.com/ptpd/ptpd-sub004/ptp/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func announceFrom(id uint64) (ptp.Header, ptp.AnnounceBody) {
	return ptp.Header{SourcePortIdentity: ptp.PortIdentity{ClockIdentity: ptp.ClockIdentity(id), PortNumber: 1}},
		ptp.AnnounceBody{GrandmasterIdentity: ptp.ClockIdentity(id)}
}

// Invariant 3 from SPEC_FULL.md §8: repeated Announces from the same sender
// collapse into exactly one record whose count tracks the number of
// observations.
func TestObserveCollapsesRepeats(t *testing.T) {
	table := New(DefaultCapacity)
	h, a := announceFrom(1)

	require.True(t, table.Observe(h, a))
	require.False(t, table.Observe(h, a))
	require.False(t, table.Observe(h, a))

	require.Equal(t, 1, table.Len())
	rec, ok := table.Get(h.SourcePortIdentity)
	require.True(t, ok)
	assert.Equal(t, 3, rec.Count)
	assert.True(t, rec.Qualified())
}

func TestObserveEvictsOldestWhenFull(t *testing.T) {
	table := New(2)
	h1, a1 := announceFrom(1)
	h2, a2 := announceFrom(2)
	h3, a3 := announceFrom(3)

	table.Observe(h1, a1)
	table.Observe(h2, a2)
	table.Observe(h3, a3)

	require.Equal(t, 2, table.Len())
	_, ok := table.Get(h1.SourcePortIdentity)
	assert.False(t, ok, "oldest record should have been evicted")
	_, ok = table.Get(h3.SourcePortIdentity)
	assert.True(t, ok)
}

func TestQualifiedFiltersBelowThreshold(t *testing.T) {
	table := New(DefaultCapacity)
	h1, a1 := announceFrom(1)
	h2, a2 := announceFrom(2)

	table.Observe(h1, a1) // count 1, not qualified
	table.Observe(h2, a2)
	table.Observe(h2, a2) // count 2, qualified

	qualified := table.Qualified()
	require.Len(t, qualified, 1)
	assert.Equal(t, h2.SourcePortIdentity, qualified[0].SourcePortIdentity)
}

func TestResetCountsAndClear(t *testing.T) {
	table := New(DefaultCapacity)
	h, a := announceFrom(1)
	table.Observe(h, a)
	table.Observe(h, a)

	table.ResetCounts()
	rec, _ := table.Get(h.SourcePortIdentity)
	assert.Equal(t, 0, rec.Count)

	table.Clear()
	assert.Equal(t, 0, table.Len())
}
