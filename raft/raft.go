package raft

import (
	"context"
	"fmt"
	"sync"
	"time"

	"math/rand/v2"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/arbha1erao/miniraft/clustercfg"
)

// Options carries the dependencies shared by all servers of a cluster.
type Options struct {
	Config clustercfg.Config
	Clock  clock.WithTicker
	Logger *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.Config == (clustercfg.Config{}) {
		o.Config = clustercfg.Default()
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

// RaftServer is one consensus engine instance. A server is started at most
// once; after Kill it stays terminated and a new instance must be created to
// bring the same id back.
type RaftServer struct {
	id        string
	cfg       clustercfg.Config
	clock     clock.WithTicker
	logger    *logrus.Entry
	serverRPC *ServerRPC
	clientRPC *ClientRPC

	state           *ServerState
	conf            *RaftConfiguration
	role            State
	leaderID        string
	commitIndex     int
	lastContact     time.Time
	electionTimeout time.Duration

	// Leader bookkeeping, reset on every election won.
	nextIndex  map[string]int
	matchIndex map[string]int
	lastAck    map[string]time.Time

	// Term of the AppendEntries call outstanding to each peer. A peer has
	// at most one, so a slow peer never builds up a backlog of heartbeats.
	inflight map[string]int

	// Client requests waiting for their entry to commit, by log index.
	waiters map[int][]chan struct{}

	running bool
	killed  bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu sync.Mutex
}

// NewRaftServer creates a stopped server with the given persisted state.
func NewRaftServer(id string, state *ServerState, serverRPC *ServerRPC, clientRPC *ClientRPC, opts Options) *RaftServer {
	if state == nil {
		state = NewServerState()
	}
	opts = opts.withDefaults()

	return &RaftServer{
		id:        id,
		cfg:       opts.Config,
		clock:     opts.Clock,
		logger:    opts.Logger.WithField("server", id),
		serverRPC: serverRPC,
		clientRPC: clientRPC,
		state:     state.Clone(),
		role:      FOLLOWER,
		waiters:   make(map[int][]chan struct{}),
	}
}

// Start runs the server. A nil conf starts it in the INITIALIZING role, where
// it waits for a leader to hand it a configuration.
func (rs *RaftServer) Start(conf *RaftConfiguration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.killed {
		panic(fmt.Sprintf("server %s: cannot start a killed server", rs.id))
	}
	if rs.running {
		panic(fmt.Sprintf("server %s: already running", rs.id))
	}

	if conf != nil {
		rs.conf = conf.clone()
		rs.role = FOLLOWER
	} else {
		rs.conf = nil
		rs.role = INITIALIZING
	}
	rs.resetElectionTimerLocked()

	rs.ctx, rs.cancel = context.WithCancel(context.Background())
	rs.running = true

	rs.goFunc(rs.run)
	rs.goFunc(rs.serveServerRequests)
	rs.goFunc(rs.serveClientRequests)

	rs.logger.Infof("node %s started as %s with configuration %s", rs.id, rs.role, rs.confString())
}

// Kill stops all activity of the server and waits for its goroutines to
// exit. Killing a server twice, or one that never started, is a no-op.
func (rs *RaftServer) Kill() {
	rs.mu.Lock()
	rs.killed = true
	if !rs.running {
		rs.mu.Unlock()
		return
	}
	rs.running = false
	rs.cancel()
	rs.releaseWaitersLocked()
	rs.mu.Unlock()

	rs.wg.Wait()
	rs.logger.Infof("node %s killed", rs.id)
}

func (rs *RaftServer) ID() string {
	return rs.id
}

func (rs *RaftServer) IsRunning() bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.running
}

func (rs *RaftServer) Role() State {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.role
}

func (rs *RaftServer) IsLeader() bool {
	return rs.Role() == LEADER
}

func (rs *RaftServer) IsFollower() bool {
	return rs.Role() == FOLLOWER
}

// LeaderID returns the leader this server currently recognizes, if any.
func (rs *RaftServer) LeaderID() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.leaderID
}

func (rs *RaftServer) CommitIndex() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.commitIndex
}

// State returns a copy of the persisted state.
func (rs *RaftServer) State() *ServerState {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.state.Clone()
}

// Configuration returns a copy of the current configuration, nil while
// initializing.
func (rs *RaftServer) Configuration() *RaftConfiguration {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.conf == nil {
		return nil
	}
	return rs.conf.clone()
}

func (rs *RaftServer) String() string {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	status := "running"
	if !rs.running {
		status = "stopped"
	}
	return fmt.Sprintf("%s:%s(%s) term=%d leader=%s conf=%s commit=%d",
		rs.id, rs.role, status, rs.state.CurrentTerm, rs.leaderID, rs.confString(), rs.commitIndex)
}

// Must be called with rs.mu held.
func (rs *RaftServer) confString() string {
	if rs.conf == nil {
		return "none"
	}
	return rs.conf.String()
}

// Spawn a goroutine tracked by Kill. Callers are either Start or goroutines
// already tracked, so the wait group counter is never zero here.
func (rs *RaftServer) goFunc(f func()) {
	rs.wg.Add(1)
	go func() {
		defer rs.wg.Done()
		f()
	}()
}

func (rs *RaftServer) run() {
	rs.mu.Lock()
	timeout := rs.electionTimeout
	rs.mu.Unlock()

	electionTimer := rs.clock.NewTimer(timeout)
	defer electionTimer.Stop()
	heartbeatTicker := rs.clock.NewTicker(rs.cfg.HeartbeatInterval)
	defer heartbeatTicker.Stop()

	for {
		select {
		case <-rs.ctx.Done():
			return

		case <-heartbeatTicker.C():
			if rs.Role() == LEADER {
				rs.sendHeartbeats()
			}

		case <-electionTimer.C():
			electionTimer.Reset(rs.onElectionTimer())
		}
	}
}

// Decide what to do when the election timer fires and return when it should
// fire next.
func (rs *RaftServer) onElectionTimer() time.Duration {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	switch rs.role {
	case INITIALIZING:
		return rs.cfg.ElectionTimeoutMax

	case LEADER:
		if !rs.conf.Contains(rs.id) {
			rs.logger.Infof("leader %s is not part of configuration %s, stepping down", rs.id, rs.conf)
			rs.stepDownLocked(rs.state.CurrentTerm, "")
		} else if !rs.hasQuorumContactLocked() {
			rs.logger.Infof("leader %s lost contact with a majority, stepping down", rs.id)
			rs.stepDownLocked(rs.state.CurrentTerm, "")
		}
		return rs.cfg.ElectionTimeoutMin
	}

	elapsed := rs.clock.Since(rs.lastContact)
	if elapsed < rs.electionTimeout {
		return rs.electionTimeout - elapsed
	}

	if !rs.conf.Contains(rs.id) {
		rs.resetElectionTimerLocked()
		return rs.electionTimeout
	}

	rs.logger.Infof("node %s election timeout, becoming candidate", rs.id)
	rs.startElectionLocked()
	return rs.electionTimeout
}

// Must be called with rs.mu held.
func (rs *RaftServer) startElectionLocked() {
	rs.state.CurrentTerm++
	rs.state.VotedFor = rs.id
	rs.role = CANDIDATE
	rs.leaderID = ""
	rs.resetElectionTimerLocked()

	term := rs.state.CurrentTerm
	lastIndex, lastTerm := rs.state.Log.Last()
	conf := rs.conf.clone()
	votes := 1

	if votes >= conf.Majority() {
		rs.becomeLeaderLocked()
		rs.goFunc(rs.sendHeartbeats)
		return
	}

	args := RequestVoteArgs{
		Term:         term,
		CandidateID:  rs.id,
		LastLogIndex: lastIndex,
		LastLogTerm:  lastTerm,
	}

	for _, peer := range conf.Peers {
		if peer.ID == rs.id {
			continue
		}
		peerID := peer.ID
		rs.goFunc(func() {
			reply, err := rs.requestVote(peerID, args)
			if err != nil {
				rs.logger.Debugf("failed to contact peer %s for vote: %v", peerID, err)
				return
			}

			rs.mu.Lock()
			if reply.Term > rs.state.CurrentTerm {
				rs.stepDownLocked(reply.Term, "")
				rs.mu.Unlock()
				return
			}
			if !reply.VoteGranted || rs.role != CANDIDATE || rs.state.CurrentTerm != term {
				rs.mu.Unlock()
				return
			}
			votes++
			won := votes >= conf.Majority()
			if won {
				rs.becomeLeaderLocked()
			}
			rs.mu.Unlock()

			if won {
				rs.sendHeartbeats()
			}
		})
	}
}

// Must be called with rs.mu held.
func (rs *RaftServer) becomeLeaderLocked() {
	rs.logger.Infof("node %s is now the leader (term %d)", rs.id, rs.state.CurrentTerm)

	rs.role = LEADER
	rs.leaderID = rs.id

	lastIndex, _ := rs.state.Log.Last()
	now := rs.clock.Now()
	rs.nextIndex = make(map[string]int)
	rs.matchIndex = make(map[string]int)
	rs.lastAck = make(map[string]time.Time)
	rs.inflight = make(map[string]int)
	for _, peer := range rs.conf.Peers {
		rs.nextIndex[peer.ID] = lastIndex + 1
		rs.matchIndex[peer.ID] = 0
		rs.lastAck[peer.ID] = now
	}
}

// Must be called with rs.mu held.
func (rs *RaftServer) stepDownLocked(term int, leaderID string) {
	if term > rs.state.CurrentTerm {
		rs.state.CurrentTerm = term
		rs.state.VotedFor = ""
	}

	if rs.role == LEADER {
		rs.logger.Infof("leader %s stepping down to follower (term %d)", rs.id, rs.state.CurrentTerm)
		rs.releaseWaitersLocked()
	}
	if rs.role != INITIALIZING {
		rs.role = FOLLOWER
	}
	rs.leaderID = leaderID
	rs.resetElectionTimerLocked()
}

// Must be called with rs.mu held.
func (rs *RaftServer) resetElectionTimerLocked() {
	rs.lastContact = rs.clock.Now()
	rs.electionTimeout = rs.randomElectionTimeout()
}

// Must be called with rs.mu held.
func (rs *RaftServer) hasQuorumContactLocked() bool {
	contacted := 0
	for _, peer := range rs.conf.Peers {
		if peer.ID == rs.id {
			contacted++
			continue
		}
		if ack, ok := rs.lastAck[peer.ID]; ok && rs.clock.Since(ack) < rs.cfg.ElectionTimeoutMax {
			contacted++
		}
	}
	return contacted >= rs.conf.Majority()
}

func (rs *RaftServer) sendHeartbeats() {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.role != LEADER {
		return
	}

	lastIndex, _ := rs.state.Log.Last()
	conf := rs.conf.clone()

	for _, peer := range conf.Peers {
		if peer.ID == rs.id {
			continue
		}

		if _, busy := rs.inflight[peer.ID]; busy {
			continue
		}

		next, ok := rs.nextIndex[peer.ID]
		if !ok {
			next = lastIndex + 1
			rs.nextIndex[peer.ID] = next
		}

		args := AppendEntriesArgs{
			Term:          rs.state.CurrentTerm,
			LeaderID:      rs.id,
			PrevLogIndex:  next - 1,
			PrevLogTerm:   rs.state.Log.TermAt(next - 1),
			Entries:       rs.state.Log.From(next),
			LeaderCommit:  rs.commitIndex,
			Configuration: conf,
		}

		peerID := peer.ID
		rs.inflight[peerID] = args.Term
		rs.goFunc(func() {
			rs.replicateTo(peerID, args)
		})
	}
}

func (rs *RaftServer) replicateTo(peerID string, args AppendEntriesArgs) {
	reply, err := rs.appendEntries(peerID, args)

	rs.mu.Lock()
	defer rs.mu.Unlock()

	if term, ok := rs.inflight[peerID]; ok && term == args.Term {
		delete(rs.inflight, peerID)
	}
	if err != nil {
		rs.logger.Debugf("failed to send heartbeat to %s: %v", peerID, err)
		return
	}

	if reply.Term > rs.state.CurrentTerm {
		rs.logger.Infof("leader %s detected higher term %d from %s, stepping down", rs.id, reply.Term, peerID)
		rs.stepDownLocked(reply.Term, "")
		return
	}
	if rs.role != LEADER || rs.state.CurrentTerm != args.Term {
		return
	}

	rs.lastAck[peerID] = rs.clock.Now()

	if reply.Success {
		match := args.PrevLogIndex + len(args.Entries)
		if match > rs.matchIndex[peerID] {
			rs.matchIndex[peerID] = match
		}
		rs.nextIndex[peerID] = rs.matchIndex[peerID] + 1
		rs.advanceCommitIndexLocked()
		return
	}

	next := rs.nextIndex[peerID] - 1
	if hint := reply.LastLogIndex + 1; hint < next {
		next = hint
	}
	if next < 1 {
		next = 1
	}
	rs.nextIndex[peerID] = next
}

// Commit the highest entry of the current term stored on a majority.
// Must be called with rs.mu held.
func (rs *RaftServer) advanceCommitIndexLocked() {
	lastIndex, _ := rs.state.Log.Last()

	for n := lastIndex; n > rs.commitIndex; n-- {
		if rs.state.Log.TermAt(n) != rs.state.CurrentTerm {
			break
		}

		stored := 0
		for _, peer := range rs.conf.Peers {
			if peer.ID == rs.id || rs.matchIndex[peer.ID] >= n {
				stored++
			}
		}
		if stored >= rs.conf.Majority() {
			rs.setCommitIndexLocked(n)
			return
		}
	}
}

// Must be called with rs.mu held.
func (rs *RaftServer) setCommitIndexLocked(index int) {
	if index <= rs.commitIndex {
		return
	}
	rs.commitIndex = index

	for i, waiters := range rs.waiters {
		if i > index {
			continue
		}
		for _, ch := range waiters {
			close(ch)
		}
		delete(rs.waiters, i)
	}
}

// Wake up every waiting client request; they re-check commit status
// themselves. Must be called with rs.mu held.
func (rs *RaftServer) releaseWaitersLocked() {
	for i, waiters := range rs.waiters {
		for _, ch := range waiters {
			close(ch)
		}
		delete(rs.waiters, i)
	}
}

func (rs *RaftServer) randomElectionTimeout() time.Duration {
	spread := int64(rs.cfg.ElectionTimeoutMax - rs.cfg.ElectionTimeoutMin)
	return rs.cfg.ElectionTimeoutMin + time.Duration(rand.Int64N(spread))
}
