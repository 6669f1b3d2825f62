package toolhistory

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRing_AppendAndRecent(t *testing.T) {
	r := New(3)
	r.Append(Entry{Tool: "Bash", Output: "one"})
	r.Append(Entry{Tool: "Read", Output: "two"})

	entries := r.Recent(10)
	require.Len(t, entries, 2)
	require.Equal(t, "one", entries[0].Output)
	require.Equal(t, "two", entries[1].Output)
}

func TestRing_OverwritesOldestWhenFull(t *testing.T) {
	r := New(2)
	r.Append(Entry{Tool: "a"})
	r.Append(Entry{Tool: "b"})
	r.Append(Entry{Tool: "c"})

	entries := r.Recent(10)
	require.Len(t, entries, 2)
	require.Equal(t, "b", entries[0].Tool)
	require.Equal(t, "c", entries[1].Tool)
}

func TestRing_RecentTruncatesOutput(t *testing.T) {
	r := New(5)
	r.Append(Entry{Tool: "Bash", Output: strings.Repeat("x", 500)})

	entries := r.Recent(1)
	require.Len(t, entries[0].Output, OutputSnippetLimit)
}

func TestRing_RecentNonPositiveReturnsNil(t *testing.T) {
	r := New(5)
	r.Append(Entry{Tool: "a"})
	require.Nil(t, r.Recent(0))
	require.Nil(t, r.Recent(-1))
}

func TestRing_ClearResetsSize(t *testing.T) {
	r := New(5)
	r.Append(Entry{Tool: "a"})
	r.Append(Entry{Tool: "b"})
	require.Equal(t, 2, r.Size())

	r.Clear()
	require.Equal(t, 0, r.Size())
	require.Empty(t, r.Recent(10))
}

func TestRing_DefaultCapacity(t *testing.T) {
	r := New(0)
	require.Equal(t, DefaultCapacity, r.capacity)
}

func TestRing_EntryCarriesTimestampAndError(t *testing.T) {
	r := New(5)
	now := time.Now()
	r.Append(Entry{Timestamp: now, Tool: "Bash", Err: "exit 1"})

	entries := r.Recent(1)
	require.Equal(t, now, entries[0].Timestamp)
	require.Equal(t, "exit 1", entries[0].Err)
}
