package raft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func entries(terms ...int) []LogEntry {
	out := make([]LogEntry, len(terms))
	for i, term := range terms {
		out[i] = LogEntry{Term: term, Index: i + 1, Command: i}
	}
	return out
}

func TestRaftLog(t *testing.T) {
	log := NewRaftLog(entries(1, 1, 2))

	idx, term := log.Last()
	require.Equal(t, 3, idx)
	require.Equal(t, 2, term)
	require.Equal(t, 0, log.TermAt(0))
	require.Equal(t, 1, log.TermAt(2))
	require.Len(t, log.From(2), 2)
	require.Nil(t, log.From(4))

	log.TruncateFrom(2)
	require.Equal(t, entries(1), log.Entries())
	require.Equal(t, "[(t:1, i:1)]", log.EntryString())
}

func TestNewRaftLogRejectsBadIndexes(t *testing.T) {
	require.Panics(t, func() {
		NewRaftLog([]LogEntry{{Term: 1, Index: 2}})
	})
	require.Panics(t, func() {
		NewRaftLog([]LogEntry{{Term: 2, Index: 1}, {Term: 1, Index: 2}})
	})
}

func TestEntriesAreCopies(t *testing.T) {
	log := NewRaftLog(entries(1, 1))
	got := log.Entries()
	got[0].Term = 99

	require.Equal(t, 1, log.TermAt(1))
}

func TestBuildServerState(t *testing.T) {
	old := &ServerState{CurrentTerm: 3, VotedFor: "s1", Log: NewRaftLog(entries(1, 2))}

	state := BuildServerState(old, entries(1, 1, 1))
	require.Equal(t, 3, state.CurrentTerm)
	require.Equal(t, "s1", state.VotedFor)
	require.Equal(t, entries(1, 1, 1), state.Log.Entries())

	// The old state is left alone.
	require.Equal(t, entries(1, 2), old.Log.Entries())
}

func TestBuildServerStateRaisesTerm(t *testing.T) {
	old := &ServerState{CurrentTerm: 1, VotedFor: "s0", Log: NewRaftLog(nil)}

	state := BuildServerState(old, entries(1, 5))
	require.Equal(t, 5, state.CurrentTerm)
	require.Empty(t, state.VotedFor)
}

func TestConfiguration(t *testing.T) {
	conf := NewRaftConfiguration([]RaftPeer{{ID: "s0"}, {ID: "s1"}, {ID: "s2"}}, 4)

	require.True(t, conf.Contains("s1"))
	require.False(t, conf.Contains("s3"))
	require.Equal(t, []string{"s0", "s1", "s2"}, conf.PeerIDs())
	require.Equal(t, 2, conf.Majority())
	require.Equal(t, "v4[s0, s1, s2]", conf.String())

	require.Panics(t, func() {
		NewRaftConfiguration([]RaftPeer{{ID: "s0"}, {ID: "s0"}}, 0)
	})
}
