// Package cluster runs a group of raft servers in one process over
// simulated transports, for tests that need to shape membership, timing
// and log contents directly.
package cluster

import (
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/arbha1erao/miniraft/client"
	"github.com/arbha1erao/miniraft/clustercfg"
	"github.com/arbha1erao/miniraft/raft"
	"github.com/arbha1erao/miniraft/simulation"
	"github.com/arbha1erao/miniraft/utils"
)

type options struct {
	cfg        clustercfg.Config
	clock      clock.WithTicker
	logger     *logrus.Logger
	registerer prometheus.Registerer
}

type Option func(*options)

// WithConfig sets the timing configuration of servers and enforcement.
func WithConfig(cfg clustercfg.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// WithClock drives transports, servers and enforcement from clk.
func WithClock(clk clock.WithTicker) Option {
	return func(o *options) { o.clock = clk }
}

func WithLogger(logger *logrus.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMetricsRegisterer registers the transport counters on reg instead of a
// private registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// MiniRaftCluster owns the servers of one test, the two transports they
// share and the current configuration.
type MiniRaftCluster struct {
	t      testing.TB
	cfg    clustercfg.Config
	clock  clock.WithTicker
	logger *logrus.Logger
	log    *logrus.Entry

	metrics   *simulation.Metrics
	serverRPC *raft.ServerRPC
	clientRPC *raft.ClientRPC

	servers  *ServerRegistry
	enforcer *LeaderEnforcer

	// Guards conf and nextPeerIndex.
	mu            sync.Mutex
	conf          raft.RaftConfiguration
	nextPeerIndex int
}

// NewMiniRaftCluster creates n stopped servers s0..s(n-1) sharing one
// configuration. All servers are killed when the test ends.
func NewMiniRaftCluster(t testing.TB, n int, opts ...Option) *MiniRaftCluster {
	if n < 1 {
		panic(fmt.Sprintf("cluster needs at least one server, got %d", n))
	}

	o := options{cfg: clustercfg.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		t.Fatalf("invalid cluster config: %v", err)
	}
	if o.clock == nil {
		o.clock = clock.RealClock{}
	}
	if o.logger == nil {
		o.logger = utils.NewLogger(o.cfg.LogLevel)
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}

	conf := InitConfiguration(n)
	ids := conf.PeerIDs()
	metrics := simulation.NewMetrics(o.registerer)

	c := &MiniRaftCluster{
		t:             t,
		cfg:           o.cfg,
		clock:         o.clock,
		logger:        o.logger,
		log:           o.logger.WithField("component", "minicluster"),
		metrics:       metrics,
		serverRPC:     simulation.NewSimulatedRPC[raft.RaftServerRequest, raft.RaftServerReply]("server", o.clock, metrics, ids...),
		clientRPC:     simulation.NewSimulatedRPC[raft.RaftClientRequest, raft.RaftClientReply]("client", o.clock, metrics, ids...),
		servers:       NewServerRegistry(),
		conf:          conf,
		nextPeerIndex: n,
	}
	c.enforcer = NewLeaderEnforcer(c.serverRPC, c.servers, c.clock, c.cfg, c.log)

	for _, id := range ids {
		c.servers.Add(c.newServer(id, nil))
	}
	t.Cleanup(c.Shutdown)

	return c
}

func (c *MiniRaftCluster) newServer(id string, state *raft.ServerState) Server {
	return raft.NewRaftServer(id, state, c.serverRPC, c.clientRPC, raft.Options{
		Config: c.cfg,
		Clock:  c.clock,
		Logger: c.logger,
	})
}

// Start starts every server with the current configuration.
func (c *MiniRaftCluster) Start() {
	conf := c.Configuration()
	for _, s := range c.servers.Servers() {
		s.Start(&conf)
	}
}

// AddNewPeers creates number servers with fresh ids and makes the cluster
// configuration the new peers followed by the current members. Started
// peers have no configuration and wait for a leader to send one. Existing
// servers are not told about the change.
func (c *MiniRaftCluster) AddNewPeers(number int, startNewPeer bool) PeerChanges {
	c.mu.Lock()
	defer c.mu.Unlock()

	changes := ComputeAddPeers(c.conf, c.nextPeerIndex, number)
	ids := make([]string, len(changes.NewPeers))
	for i, p := range changes.NewPeers {
		ids[i] = p.ID
	}

	// Routes must exist before any server can address the new peers.
	c.serverRPC.AddPeers(ids...)
	c.clientRPC.AddPeers(ids...)

	for _, id := range ids {
		s := c.newServer(id, nil)
		c.servers.Add(s)
		if startNewPeer {
			s.Start(nil)
		}
	}

	c.nextPeerIndex += number
	c.conf = changes.Configuration()
	c.log.Infof("added peers %v, configuration is now %s", changes.NewPeers, c.conf)

	return changes
}

// RemovePeers drops number peers from the cluster configuration, the
// current leader first if removeLeader is set, then followers in
// registration order. Removed servers keep running until killed.
func (c *MiniRaftCluster) RemovePeers(number int, removeLeader bool, excluded []raft.RaftPeer) PeerChanges {
	var leaderID string
	if removeLeader {
		if leader := c.GetLeader(); leader != nil {
			leaderID = leader.ID()
		}
	}

	followers := c.GetFollowers()
	followerIDs := make([]string, len(followers))
	for i, f := range followers {
		followerIDs[i] = f.ID()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	changes := ComputeRemovePeers(c.conf, leaderID, followerIDs, number, removeLeader, excluded)
	c.conf = changes.Configuration()
	c.log.Infof("removed peers %v, configuration is now %s", changes.RemovedPeers, c.conf)

	return changes
}

// StartServer starts one registered server with conf, or as initializing
// when conf is nil.
func (c *MiniRaftCluster) StartServer(id string, conf *raft.RaftConfiguration) {
	c.servers.MustGet(id).Start(conf)
}

func (c *MiniRaftCluster) KillServer(id string) {
	c.servers.MustGet(id).Kill()
}

// RemoveServer kills the server id and forgets it. The peer must already be
// out of the cluster configuration.
func (c *MiniRaftCluster) RemoveServer(id string) {
	if c.Configuration().Contains(id) {
		panic(fmt.Sprintf("server %s is still a member of the configuration", id))
	}
	s := c.servers.Remove(id)
	s.Kill()
	c.log.Infof("removed server %s", id)
}

// TryEnforceLeader tries to make id the leader. See LeaderEnforcer.
func (c *MiniRaftCluster) TryEnforceLeader(id string) bool {
	return c.enforcer.TryEnforceLeader(id)
}

// CreateClient returns a client for the current members. An empty leaderID
// lets the client discover the leader.
func (c *MiniRaftCluster) CreateClient(clientID, leaderID string) *client.RaftClient {
	conf := c.Configuration()
	return client.NewRaftClient(clientID, conf.Peers, c.clientRPC, leaderID, client.Options{
		RetryInterval: c.cfg.HeartbeatInterval,
		Logger:        c.logger,
	})
}

// Configuration returns a copy of the current cluster configuration.
func (c *MiniRaftCluster) Configuration() raft.RaftConfiguration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return raft.NewRaftConfiguration(c.conf.Peers, c.conf.Version)
}

func (c *MiniRaftCluster) Config() clustercfg.Config {
	return c.cfg
}

func (c *MiniRaftCluster) ServerRPC() *raft.ServerRPC {
	return c.serverRPC
}

func (c *MiniRaftCluster) ClientRPC() *raft.ClientRPC {
	return c.clientRPC
}

func (c *MiniRaftCluster) Metrics() *simulation.Metrics {
	return c.metrics
}
