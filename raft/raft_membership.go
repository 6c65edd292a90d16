package raft

import (
	"fmt"
)

// adoptConfigurationLocked installs conf when this server has none yet or
// holds an older version. An INITIALIZING server becomes a follower here.
// Must be called with rs.mu held.
func (rs *RaftServer) adoptConfigurationLocked(conf *RaftConfiguration) {
	if conf == nil {
		return
	}
	if rs.conf != nil && conf.Version <= rs.conf.Version {
		return
	}

	rs.logger.Infof("node %s updating cluster configuration from %s to %s", rs.id, rs.confString(), conf)
	rs.conf = conf.clone()

	if rs.role == INITIALIZING {
		rs.role = FOLLOWER
		rs.resetElectionTimerLocked()
	}
}

// setConfiguration switches the leader to a new peer set, bumping the
// version so followers pick it up from the next heartbeat.
func (rs *RaftServer) setConfiguration(peers []RaftPeer) RaftClientReply {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.role != LEADER {
		return RaftClientReply{LeaderHint: rs.leaderID, Error: ErrNotLeader.Error()}
	}

	conf := NewRaftConfiguration(peers, rs.conf.Version+1)
	rs.logger.Infof("leader %s switching configuration from %s to %s", rs.id, rs.conf, conf)
	rs.conf = &conf

	lastIndex, _ := rs.state.Log.Last()
	now := rs.clock.Now()
	for _, peer := range conf.Peers {
		if _, ok := rs.nextIndex[peer.ID]; ok {
			continue
		}
		rs.nextIndex[peer.ID] = lastIndex + 1
		rs.matchIndex[peer.ID] = 0
		rs.lastAck[peer.ID] = now
	}

	return RaftClientReply{Success: true, LeaderHint: rs.id}
}

// appendCommand appends a client command to the leader's log and blocks until
// it commits, leadership is lost or the server is killed.
func (rs *RaftServer) appendCommand(command any) RaftClientReply {
	rs.mu.Lock()
	if rs.role != LEADER {
		hint := rs.leaderID
		rs.mu.Unlock()
		return RaftClientReply{LeaderHint: hint, Error: ErrNotLeader.Error()}
	}

	term := rs.state.CurrentTerm
	lastIndex, _ := rs.state.Log.Last()
	index := lastIndex + 1
	rs.state.Log.Append(LogEntry{Term: term, Index: index, Command: command})

	done := make(chan struct{})
	rs.waiters[index] = append(rs.waiters[index], done)
	rs.advanceCommitIndexLocked()
	rs.mu.Unlock()

	rs.sendHeartbeats()

	select {
	case <-done:
	case <-rs.ctx.Done():
		return RaftClientReply{Error: fmt.Sprintf("server %s killed", rs.id)}
	}

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if entry, ok := rs.state.Log.Get(index); ok && entry.Term == term && rs.commitIndex >= index {
		return RaftClientReply{Success: true, LeaderHint: rs.id, Index: index}
	}
	return RaftClientReply{LeaderHint: rs.leaderID, Error: ErrNotLeader.Error()}
}
