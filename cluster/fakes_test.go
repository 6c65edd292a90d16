package cluster

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arbha1erao/miniraft/raft"
)

type fakeServer struct {
	mu      sync.Mutex
	id      string
	running bool
	role    raft.State
	conf    *raft.RaftConfiguration
	state   *raft.ServerState
	starts  int
	kills   int
}

func newFakeServer(id string, role raft.State) *fakeServer {
	return &fakeServer{id: id, running: true, role: role, state: raft.NewServerState()}
}

func (s *fakeServer) ID() string { return s.id }

func (s *fakeServer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%s:%s(running=%v)", s.id, s.role, s.running)
}

func (s *fakeServer) Start(conf *raft.RaftConfiguration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = true
	s.conf = conf
	s.starts++
}

func (s *fakeServer) Kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.kills++
}

func (s *fakeServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *fakeServer) Role() raft.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *fakeServer) setRole(role raft.State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = role
}

func (s *fakeServer) State() *raft.ServerState {
	return s.state.Clone()
}

// fakeNetwork records every control call together with the fake time at
// which it happened.
type fakeNetwork struct {
	now    func() time.Time
	ops    []string
	times  []time.Time
	onOpen func(id string)
}

func (n *fakeNetwork) SetTakeRequestDelay(id string, d time.Duration) {
	n.record(fmt.Sprintf("delay %s %s", id, d))
}

func (n *fakeNetwork) SetIsOpenForMessage(id string, open bool) {
	n.record(fmt.Sprintf("open %s %v", id, open))
	if open && n.onOpen != nil {
		n.onOpen(id)
	}
}

func (n *fakeNetwork) record(op string) {
	n.ops = append(n.ops, op)
	n.times = append(n.times, n.now())
}

// recordingTB captures Fatalf instead of stopping the test.
type recordingTB struct {
	testing.TB
	fatals []string
}

func (r *recordingTB) Fatalf(format string, args ...any) {
	r.fatals = append(r.fatals, fmt.Sprintf(format, args...))
}

// Cluster over fake servers, without transports or engines.
func newFakeCluster(tb testing.TB, servers ...*fakeServer) *MiniRaftCluster {
	registry := NewServerRegistry()
	for _, s := range servers {
		registry.Add(s)
	}
	return &MiniRaftCluster{
		t:       tb,
		servers: registry,
		log:     logrus.NewEntry(logrus.New()),
	}
}
