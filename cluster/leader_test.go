package cluster

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/arbha1erao/miniraft/clustercfg"
	"github.com/arbha1erao/miniraft/raft"
)

type enforcerFixture struct {
	clock    *testingclock.FakeClock
	network  *fakeNetwork
	servers  map[string]*fakeServer
	enforcer *LeaderEnforcer
	cfg      clustercfg.Config
	start    time.Time
}

func newEnforcerFixture(t *testing.T) *enforcerFixture {
	t.Helper()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := testingclock.NewFakeClock(start)
	cfg := clustercfg.Default()

	registry := NewServerRegistry()
	servers := map[string]*fakeServer{
		"s0": newFakeServer("s0", raft.LEADER),
		"s1": newFakeServer("s1", raft.FOLLOWER),
		"s2": newFakeServer("s2", raft.FOLLOWER),
	}
	for _, id := range []string{"s0", "s1", "s2"} {
		registry.Add(servers[id])
	}

	network := &fakeNetwork{now: clk.Now}

	return &enforcerFixture{
		clock:    clk,
		network:  network,
		servers:  servers,
		enforcer: NewLeaderEnforcer(network, registry, clk, cfg, logrus.NewEntry(logrus.New())),
		cfg:      cfg,
		start:    start,
	}
}

func TestTryEnforceLeaderChoreography(t *testing.T) {
	f := newEnforcerFixture(t)
	f.network.onOpen = func(id string) {
		f.servers["s0"].setRole(raft.FOLLOWER)
		f.servers[id].setRole(raft.LEADER)
	}

	require.True(t, f.enforcer.TryEnforceLeader("s2"))

	require.Equal(t, []string{
		"delay s0 150ms",
		"delay s1 150ms",
		"open s2 false",
		"delay s0 0s",
		"delay s1 0s",
		"open s2 true",
	}, f.network.ops)

	wait := f.cfg.EnforceWait()
	for i, at := range f.network.times {
		if i < 3 {
			require.Equal(t, f.start, at, f.network.ops[i])
		} else {
			require.Equal(t, f.start.Add(wait), at, f.network.ops[i])
		}
	}
	require.Equal(t, f.start.Add(2*wait), f.clock.Now())
}

func TestTryEnforceLeaderReportsFailure(t *testing.T) {
	f := newEnforcerFixture(t)

	require.False(t, f.enforcer.TryEnforceLeader("s1"))
	require.Len(t, f.network.ops, 6)
	require.Equal(t, "open s1 true", f.network.ops[5])
	require.Equal(t, f.start.Add(2*f.cfg.EnforceWait()), f.clock.Now())
}

func TestTryEnforceLeaderFastPath(t *testing.T) {
	f := newEnforcerFixture(t)

	require.True(t, f.enforcer.TryEnforceLeader("s0"))
	require.Empty(t, f.network.ops)
	require.Equal(t, f.start, f.clock.Now())
}

func TestTryEnforceLeaderIgnoresStoppedLeader(t *testing.T) {
	f := newEnforcerFixture(t)
	f.servers["s0"].Kill()

	require.False(t, f.enforcer.TryEnforceLeader("s0"))
	require.Len(t, f.network.ops, 6)
}

func TestTryEnforceLeaderUnknownPeer(t *testing.T) {
	f := newEnforcerFixture(t)

	require.Panics(t, func() { f.enforcer.TryEnforceLeader("s9") })
	require.Empty(t, f.network.ops)
}
