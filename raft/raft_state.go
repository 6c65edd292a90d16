package raft

import (
	"fmt"
	"strings"
)

// RaftLog holds log entries indexed from 1. It is not safe for concurrent
// use; the owning server guards it with its own lock.
type RaftLog struct {
	entries []LogEntry
}

// NewRaftLog builds a log from entries that must be indexed 1..n in order.
func NewRaftLog(entries []LogEntry) *RaftLog {
	for i, e := range entries {
		if e.Index != i+1 {
			panic(fmt.Sprintf("log entry %d has index %d, expected %d", i, e.Index, i+1))
		}
		if i > 0 && e.Term < entries[i-1].Term {
			panic(fmt.Sprintf("log entry %d has term %d lower than its predecessor", e.Index, e.Term))
		}
	}
	return &RaftLog{entries: append([]LogEntry(nil), entries...)}
}

// Last returns the index and term of the last entry, or zeros if empty.
func (l *RaftLog) Last() (int, int) {
	if len(l.entries) == 0 {
		return 0, 0
	}
	last := l.entries[len(l.entries)-1]
	return last.Index, last.Term
}

func (l *RaftLog) Len() int {
	return len(l.entries)
}

func (l *RaftLog) Get(index int) (LogEntry, bool) {
	if index < 1 || index > len(l.entries) {
		return LogEntry{}, false
	}
	return l.entries[index-1], true
}

// TermAt returns the term of the entry at index; index 0 has term 0.
func (l *RaftLog) TermAt(index int) int {
	e, ok := l.Get(index)
	if !ok {
		return 0
	}
	return e.Term
}

// Entries returns a copy of the whole log.
func (l *RaftLog) Entries() []LogEntry {
	return append([]LogEntry(nil), l.entries...)
}

// From returns a copy of the entries starting at index.
func (l *RaftLog) From(index int) []LogEntry {
	if index < 1 {
		index = 1
	}
	if index > len(l.entries) {
		return nil
	}
	return append([]LogEntry(nil), l.entries[index-1:]...)
}

func (l *RaftLog) Append(entries ...LogEntry) {
	l.entries = append(l.entries, entries...)
}

// TruncateFrom drops the entry at index and everything after it.
func (l *RaftLog) TruncateFrom(index int) {
	if index < 1 {
		index = 1
	}
	if index <= len(l.entries) {
		l.entries = l.entries[:index-1]
	}
}

func (l *RaftLog) EntryString() string {
	parts := make([]string, len(l.entries))
	for i, e := range l.entries {
		parts[i] = e.String()
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ServerState is the persisted part of a server: term, vote and log.
type ServerState struct {
	CurrentTerm int
	VotedFor    string
	Log         *RaftLog
}

func NewServerState() *ServerState {
	return &ServerState{Log: NewRaftLog(nil)}
}

// Clone returns a deep copy that shares nothing with s.
func (s *ServerState) Clone() *ServerState {
	return &ServerState{
		CurrentTerm: s.CurrentTerm,
		VotedFor:    s.VotedFor,
		Log:         NewRaftLog(s.Log.entries),
	}
}

// BuildServerState derives a state from old with its log replaced by entries.
// The term is raised to the last entry's term so the state stays coherent.
func BuildServerState(old *ServerState, entries []LogEntry) *ServerState {
	state := &ServerState{
		CurrentTerm: old.CurrentTerm,
		VotedFor:    old.VotedFor,
		Log:         NewRaftLog(entries),
	}

	if _, lastTerm := state.Log.Last(); lastTerm > state.CurrentTerm {
		state.CurrentTerm = lastTerm
		state.VotedFor = ""
	}

	return state
}
