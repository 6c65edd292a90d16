package raft

type RequestVoteArgs struct {
	Term         int
	CandidateID  string
	LastLogIndex int
	LastLogTerm  int
}

type RequestVoteReply struct {
	Term        int
	VoteGranted bool
}

type AppendEntriesArgs struct {
	Term         int
	LeaderID     string
	PrevLogIndex int
	PrevLogTerm  int
	Entries      []LogEntry
	LeaderCommit int

	// Configuration of the leader, adopted by servers that have none or
	// hold an older version.
	Configuration *RaftConfiguration
}

type AppendEntriesReply struct {
	Term    int
	Success bool

	// Last index of the follower's log, to speed up nextIndex back-off.
	LastLogIndex int
}

// RaftServerRequest is the envelope carried by the server-to-server
// transport. Exactly one field is set.
type RaftServerRequest struct {
	Vote   *RequestVoteArgs
	Append *AppendEntriesArgs
}

type RaftServerReply struct {
	Vote   *RequestVoteReply
	Append *AppendEntriesReply
}

// RaftClientRequest either appends Command to the log or, when
// Configuration is set, asks the leader to switch to it.
type RaftClientRequest struct {
	ClientID      string
	Command       any
	Configuration *RaftConfiguration
}

type RaftClientReply struct {
	Success    bool
	LeaderHint string
	Index      int
	Error      string
}

func (rs *RaftServer) handleRequestVote(args *RequestVoteArgs) *RequestVoteReply {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	reply := &RequestVoteReply{}

	// Servers without a configuration do not take part in elections.
	if rs.role == INITIALIZING || args.Term < rs.state.CurrentTerm {
		reply.Term = rs.state.CurrentTerm
		return reply
	}

	if args.Term > rs.state.CurrentTerm {
		rs.logger.Debugf("node %s updating term from %d to %d during vote request",
			rs.id, rs.state.CurrentTerm, args.Term)
		rs.stepDownLocked(args.Term, "")
	}

	lastIndex, lastTerm := rs.state.Log.Last()
	upToDate := args.LastLogTerm > lastTerm ||
		(args.LastLogTerm == lastTerm && args.LastLogIndex >= lastIndex)

	if (rs.state.VotedFor == "" || rs.state.VotedFor == args.CandidateID) && upToDate {
		rs.state.VotedFor = args.CandidateID
		reply.VoteGranted = true
		rs.resetElectionTimerLocked()
	} else {
		rs.logger.Debugf("node %s rejecting vote for candidate %s (voted for %q in term %d, log up to date: %t)",
			rs.id, args.CandidateID, rs.state.VotedFor, rs.state.CurrentTerm, upToDate)
	}

	reply.Term = rs.state.CurrentTerm
	return reply
}

func (rs *RaftServer) handleAppendEntries(args *AppendEntriesArgs) *AppendEntriesReply {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	lastIndex, _ := rs.state.Log.Last()

	if args.Term < rs.state.CurrentTerm {
		rs.logger.Debugf("node %s rejecting append entries from node %s (term %d < %d)",
			rs.id, args.LeaderID, args.Term, rs.state.CurrentTerm)
		return &AppendEntriesReply{Term: rs.state.CurrentTerm, LastLogIndex: lastIndex}
	}

	if rs.role == LEADER && args.Term == rs.state.CurrentTerm {
		rs.logger.Warnf("node %s received append entries from node %s while leading term %d",
			rs.id, args.LeaderID, args.Term)
	}

	if rs.leaderID != args.LeaderID {
		rs.logger.Infof("node %s recognizing node %s as leader for term %d", rs.id, args.LeaderID, args.Term)
	}
	rs.stepDownLocked(args.Term, args.LeaderID)
	rs.adoptConfigurationLocked(args.Configuration)

	if args.PrevLogIndex > lastIndex || rs.state.Log.TermAt(args.PrevLogIndex) != args.PrevLogTerm {
		hint := lastIndex
		if args.PrevLogIndex-1 < hint {
			hint = args.PrevLogIndex - 1
		}
		return &AppendEntriesReply{Term: rs.state.CurrentTerm, LastLogIndex: hint}
	}

	for i, entry := range args.Entries {
		existing, ok := rs.state.Log.Get(entry.Index)
		if ok && existing.Term == entry.Term {
			continue
		}
		if ok {
			rs.logger.Infof("node %s truncating log from index %d", rs.id, entry.Index)
			rs.state.Log.TruncateFrom(entry.Index)
		}
		rs.state.Log.Append(args.Entries[i:]...)
		break
	}

	if args.LeaderCommit > rs.commitIndex {
		lastNew := args.PrevLogIndex + len(args.Entries)
		if args.LeaderCommit < lastNew {
			lastNew = args.LeaderCommit
		}
		rs.setCommitIndexLocked(lastNew)
	}

	lastIndex, _ = rs.state.Log.Last()
	return &AppendEntriesReply{Term: rs.state.CurrentTerm, Success: true, LastLogIndex: lastIndex}
}
