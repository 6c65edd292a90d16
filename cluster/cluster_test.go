package cluster

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/arbha1erao/miniraft/clustercfg"
	"github.com/arbha1erao/miniraft/raft"
)

func newTestCluster(t *testing.T, n int) *MiniRaftCluster {
	cfg := clustercfg.Default()
	cfg.LogLevel = "warn"
	return NewMiniRaftCluster(t, n, WithConfig(cfg))
}

func waitForLeader(t *testing.T, c *MiniRaftCluster) Server {
	t.Helper()

	var leader Server
	require.Eventually(t, func() bool {
		leader = c.GetLeader()
		return leader != nil
	}, 5*time.Second, 10*time.Millisecond, c.PrintServers())
	return leader
}

// Wait until there is a leader and every other member follows.
func waitConverged(t *testing.T, c *MiniRaftCluster) Server {
	t.Helper()

	var leader Server
	require.Eventually(t, func() bool {
		leader = c.GetLeader()
		return leader != nil && len(c.GetFollowers()) == c.Configuration().Size()-1
	}, 5*time.Second, 10*time.Millisecond, c.PrintServers())
	return leader
}

func TestNewMiniRaftCluster(t *testing.T) {
	for n := 1; n <= 5; n++ {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			c := newTestCluster(t, n)

			conf := c.Configuration()
			require.Equal(t, n, conf.Size())
			require.Equal(t, 0, conf.Version)
			require.Equal(t, conf.PeerIDs(), c.servers.IDs())
			require.ElementsMatch(t, conf.PeerIDs(), c.ServerRPC().Peers())
			require.ElementsMatch(t, conf.PeerIDs(), c.ClientRPC().Peers())

			for _, s := range c.GetServers() {
				require.False(t, s.IsRunning())
			}
			require.Nil(t, c.GetLeader())
			require.Empty(t, c.GetFollowers())
		})
	}
}

func TestNewMiniRaftClusterRejectsEmpty(t *testing.T) {
	require.Panics(t, func() { newTestCluster(t, 0) })
}

func TestClusterElectsLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	c.Start()

	leader := waitConverged(t, c)
	require.Equal(t, raft.LEADER, leader.Role())

	sent := testutil.ToFloat64(c.Metrics().RequestsSent.WithLabelValues("server", c.GetFollowers()[0].ID()))
	require.Positive(t, sent)
}

func TestAddNewPeers(t *testing.T) {
	c := newTestCluster(t, 3)
	before := c.Configuration()

	changes := c.AddNewPeers(2, false)

	require.Len(t, changes.AllPeersInNewConf, 5)
	require.Len(t, changes.NewPeers, 2)
	require.Empty(t, changes.RemovedPeers)
	for _, p := range changes.NewPeers {
		require.False(t, before.Contains(p.ID), p.ID)
		require.False(t, c.GetServer(p.ID).IsRunning())
	}
	require.Equal(t, ids(changes.AllPeersInNewConf), c.Configuration().PeerIDs())
	require.Equal(t, 5, len(c.GetServers()))
	require.Contains(t, c.ServerRPC().Peers(), "s4")
	require.Contains(t, c.ClientRPC().Peers(), "s4")

	more := c.AddNewPeers(1, false)
	require.Equal(t, []string{"s5"}, ids(more.NewPeers))
	require.Equal(t, "s5", c.Configuration().Peers[0].ID)
}

func TestAddedPeersJoinThroughLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	c.Start()
	leader := waitConverged(t, c)

	changes := c.AddNewPeers(2, true)
	for _, p := range changes.NewPeers {
		s := c.GetServer(p.ID)
		require.True(t, s.IsRunning())
	}

	cl := c.CreateClient("", leader.ID())
	require.NoError(t, cl.SetConfiguration(context.Background(), changes.AllPeersInNewConf))

	require.Eventually(t, func() bool {
		for _, p := range changes.NewPeers {
			if c.GetServer(p.ID).Role() != raft.FOLLOWER {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, c.PrintServers())
}

func TestRemovePeersWithLeader(t *testing.T) {
	c := newTestCluster(t, 5)
	c.Start()
	leader := waitConverged(t, c)
	firstFollower := c.GetFollowers()[0]

	changes := c.RemovePeers(2, true, nil)

	require.Equal(t, []string{leader.ID(), firstFollower.ID()}, ids(changes.RemovedPeers))
	require.Empty(t, changes.NewPeers)
	require.Len(t, changes.AllPeersInNewConf, 3)
	require.Equal(t, 3, c.Configuration().Size())
	require.False(t, c.Configuration().Contains(leader.ID()))

	// Removal only changes the configuration.
	require.True(t, leader.IsRunning())

	// Ids of removed peers are not handed out again.
	added := c.AddNewPeers(1, false)
	require.Equal(t, []string{"s5"}, ids(added.NewPeers))
	require.Equal(t, 4, c.Configuration().Size())
}

func TestRemovePeersRejectsExcludedLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	c.Start()
	leader := waitConverged(t, c)

	require.Panics(t, func() {
		c.RemovePeers(1, true, []raft.RaftPeer{{ID: leader.ID()}})
	})
	require.Equal(t, 3, c.Configuration().Size())
}

func TestShutdown(t *testing.T) {
	c := newTestCluster(t, 3)
	c.Start()
	waitConverged(t, c)

	c.Shutdown()

	require.Nil(t, c.GetLeader())
	require.Empty(t, c.GetFollowers())
	for _, s := range c.GetServers() {
		require.False(t, s.IsRunning())
	}

	c.Shutdown()
}

func TestStartAndKillServer(t *testing.T) {
	c := newTestCluster(t, 3)
	conf := c.Configuration()

	c.StartServer("s1", &conf)
	require.True(t, c.GetServer("s1").IsRunning())
	require.False(t, c.GetServer("s0").IsRunning())

	c.KillServer("s1")
	require.False(t, c.GetServer("s1").IsRunning())

	require.Panics(t, func() { c.KillServer("s7") })
}

func TestTryEnforceLeader(t *testing.T) {
	c := newTestCluster(t, 3)
	c.Start()
	leader := waitConverged(t, c)

	var target string
	for _, id := range c.Configuration().PeerIDs() {
		if id != leader.ID() {
			target = id
			break
		}
	}

	// Enforcement is timing based, so give it a few tries.
	enforced := false
	for i := 0; i < 5 && !enforced; i++ {
		enforced = c.TryEnforceLeader(target)
	}
	require.True(t, enforced, c.PrintServers())

	require.Eventually(t, func() bool {
		l := c.GetLeader()
		return l != nil && l.ID() == target
	}, 2*c.Config().EnforceWait(), 10*time.Millisecond, c.PrintServers())

	// Already the leader.
	require.True(t, c.TryEnforceLeader(target))
}

func TestEnforceServerLog(t *testing.T) {
	c := newTestCluster(t, 3)
	conf := c.Configuration()

	c.StartServer("s1", &conf)
	old := c.GetServer("s1")

	entries := []raft.LogEntry{
		{Term: 1, Index: 1, Command: "a"},
		{Term: 1, Index: 2, Command: "b"},
		{Term: 3, Index: 3, Command: "c"},
	}
	c.EnforceServerLog("s1", entries, &conf)

	restarted := c.GetServer("s1")
	require.NotSame(t, old, restarted)
	require.False(t, old.IsRunning())
	require.True(t, restarted.IsRunning())

	state := restarted.State()
	require.Equal(t, entries, state.Log.Entries())
	require.GreaterOrEqual(t, state.CurrentTerm, 3)
	require.Contains(t, c.PrintAllLogs(), "(t:3, i:3)")
}

func TestClientThroughCluster(t *testing.T) {
	c := newTestCluster(t, 3)
	c.Start()
	waitConverged(t, c)

	cl := c.CreateClient("", "")
	index, err := cl.Send(context.Background(), "x=1")
	require.NoError(t, err)
	require.Equal(t, 1, index)

	require.Eventually(t, func() bool {
		for _, s := range c.GetServers() {
			if s.State().Log.Len() != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond, c.PrintAllLogs())
}

func TestGetLeaderFailsOnTwoLeaders(t *testing.T) {
	tb := &recordingTB{TB: t}
	c := newFakeCluster(tb,
		newFakeServer("s0", raft.LEADER),
		newFakeServer("s1", raft.FOLLOWER),
		newFakeServer("s2", raft.LEADER),
	)

	require.Nil(t, c.GetLeader())
	require.Len(t, tb.fatals, 1)
	require.Contains(t, tb.fatals[0], "expected at most one leader, found 2")
	require.Contains(t, tb.fatals[0], "s2:LEADER")
}

func TestGetLeaderIgnoresStoppedLeader(t *testing.T) {
	tb := &recordingTB{TB: t}
	stale := newFakeServer("s0", raft.LEADER)
	stale.Kill()
	c := newFakeCluster(tb,
		stale,
		newFakeServer("s1", raft.FOLLOWER),
		newFakeServer("s2", raft.LEADER),
	)

	leader := c.GetLeader()
	require.Empty(t, tb.fatals)
	require.NotNil(t, leader)
	require.Equal(t, "s2", leader.ID())
	require.Equal(t, []string{"s1"}, serverIDs(c.GetFollowers()))
}

func serverIDs(servers []Server) []string {
	out := make([]string, len(servers))
	for i, s := range servers {
		out[i] = s.ID()
	}
	return out
}

func TestEnforceServerLogServesQueuedRequest(t *testing.T) {
	c := newTestCluster(t, 3)
	conf := c.Configuration()
	old := c.GetServer("s1")

	replies := make(chan raft.RaftServerReply, 1)
	go func() {
		reply, err := c.ServerRPC().SendRequest(context.Background(), "s0", "s1", raft.RaftServerRequest{
			Vote: &raft.RequestVoteArgs{Term: 10, CandidateID: "s0", LastLogIndex: 2, LastLogTerm: 2},
		})
		if err == nil {
			replies <- reply
		}
	}()
	require.Eventually(t, func() bool { return c.ServerRPC().Pending("s1") == 1 }, time.Second, time.Millisecond)

	entries := []raft.LogEntry{
		{Term: 1, Index: 1, Command: "a"},
		{Term: 2, Index: 2, Command: "b"},
	}
	c.EnforceServerLog("s1", entries, &conf)
	restarted := c.GetServer("s1")

	select {
	case reply := <-replies:
		require.NotNil(t, reply.Vote)
		require.True(t, reply.Vote.VoteGranted)
		require.Equal(t, 10, reply.Vote.Term)
	case <-time.After(time.Second):
		t.Fatal("queued request was not served by the new instance")
	}

	require.False(t, old.IsRunning())
	state := restarted.State()
	require.Equal(t, "s0", state.VotedFor)
	require.Equal(t, entries, state.Log.Entries())
}

func TestTryEnforceLeaderFiveServers(t *testing.T) {
	c := newTestCluster(t, 5)
	c.Start()
	waitConverged(t, c)
	target := c.GetFollowers()[2].ID()

	begin := time.Now()
	require.True(t, c.TryEnforceLeader(target), c.PrintServers())
	require.Less(t, time.Since(begin), 2*c.Config().EnforceWait()+200*time.Millisecond)

	leader := c.GetLeader()
	require.NotNil(t, leader)
	require.Equal(t, target, leader.ID())
}

func TestRemoveServer(t *testing.T) {
	c := newTestCluster(t, 3)
	c.Start()
	waitConverged(t, c)

	require.Panics(t, func() { c.RemoveServer("s0") })

	changes := c.RemovePeers(1, false, nil)
	removed := changes.RemovedPeers[0].ID
	s := c.GetServer(removed)

	c.RemoveServer(removed)
	require.False(t, s.IsRunning())
	require.NotContains(t, serverIDs(c.GetServers()), removed)
	require.Panics(t, func() { c.GetServer(removed) })
}
