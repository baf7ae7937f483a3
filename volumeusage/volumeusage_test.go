package volumeusage

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

// Property 6: set_usage(c, X) followed by set_usage(c, Y), X != None != Y
// != X, raises Conflict exactly once and subsequent reads report both
// owners.
func TestSetUsageConflictIdempotence(t *testing.T) {
	m := New(100)
	require.NoError(t, m.SetUsage(10, FileOwner("/A")))
	require.NoError(t, m.SetUsage(10, FileOwner("/A")))

	err := m.SetUsage(10, FileOwner("/B"))
	require.Error(t, err)
	var conflict *Conflict
	require.True(t, errors.As(err, &conflict))
	require.Equal(t, 10, conflict.Chunk)

	e := m.Get(10)
	require.True(t, e.Flags&FlagConflict != 0)
	require.ElementsMatch(t, []Owner{FileOwner("/A"), FileOwner("/B")}, e.Disputants)
}

func TestAllocChunkAssertsUnowned(t *testing.T) {
	m := New(4)
	require.NoError(t, m.AllocChunk(0, FileOwner("/A")))
	require.False(t, m.IsFree(0))

	err := m.AllocChunk(0, FileOwner("/B"))
	require.Error(t, err)
}

func TestFreeChunkClearsBoth(t *testing.T) {
	m := New(4)
	require.NoError(t, m.AllocChunk(0, FileOwner("/A")))
	m.FreeChunk(0)
	require.True(t, m.IsFree(0))
	e := m.Get(0)
	require.Equal(t, NoneOwner, e.Owner)
	require.Equal(t, Flags(0), e.Flags)
}

func TestOwners(t *testing.T) {
	m := New(10)
	require.NoError(t, m.AllocChunk(0, FileOwner("/A")))
	require.NoError(t, m.AllocChunk(1, FileOwner("/B")))
	require.NoError(t, m.AllocChunk(2, FileOwner("/A")))
	owners := m.Owners()
	require.ElementsMatch(t, []string{"/A", "/B"}, owners)
}

// Scenario S6: after a scan that finds two files both claiming block 100,
// volume_usage[100].conflict = true and analyze() reports conflicts >= 1.
func TestAnalyzeReportsConflicts(t *testing.T) {
	m := New(200)
	m.MarkInUse(100)
	require.NoError(t, m.SetUsage(100, FileOwner("/FILE1")))
	m.MarkInUse(100)
	require.Error(t, m.SetUsage(100, FileOwner("/FILE2")))

	e := m.Get(100)
	require.True(t, e.Flags&FlagConflict != 0)

	markedUsed, markedNoOwner, ownedNotMarked, conflicts := m.Analyze()
	require.Equal(t, 1, markedUsed)
	require.Equal(t, 0, markedNoOwner)
	require.Equal(t, 0, ownedNotMarked)
	require.Equal(t, 1, conflicts)
}

func TestAnalyzeMarkedNoOwnerAndOwnedNotMarked(t *testing.T) {
	m := New(10)
	m.MarkInUse(1) // marked, no owner: a "lost" block
	require.NoError(t, m.SetUsage(2, FileOwner("/A")))

	markedUsed, markedNoOwner, ownedNotMarked, conflicts := m.Analyze()
	require.Equal(t, 1, markedUsed)
	require.Equal(t, 1, markedNoOwner)
	require.Equal(t, 1, ownedNotMarked)
	require.Equal(t, 0, conflicts)
}

func TestGenerateNoUsageSet(t *testing.T) {
	m := New(16)
	m.MarkInUse(3)
	m.MarkInUse(7)
	require.NoError(t, m.AllocChunk(5, FileOwner("/A"))) // marked + owned, not lost

	require.Equal(t, []int{3, 7}, m.GenerateNoUsageSet())
}
