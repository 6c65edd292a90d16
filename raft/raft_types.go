package raft

import (
	"errors"
	"fmt"
	"strings"

	"github.com/arbha1erao/miniraft/simulation"
)

type State string

const (
	FOLLOWER  State = "FOLLOWER"
	CANDIDATE State = "CANDIDATE"
	LEADER    State = "LEADER"

	// INITIALIZING servers were started without a configuration and wait
	// for a leader to send them one.
	INITIALIZING State = "INITIALIZING"
)

// ErrNotLeader is reported to clients that contact a server which is not the
// current leader.
var ErrNotLeader = errors.New("not leader")

type RaftPeer struct {
	ID string `toml:"id"`
}

func (p RaftPeer) String() string {
	return p.ID
}

// RaftConfiguration is the versioned, ordered set of peers forming a group.
type RaftConfiguration struct {
	Peers   []RaftPeer
	Version int
}

// NewRaftConfiguration copies peers into a configuration. Duplicate ids are
// a programming error.
func NewRaftConfiguration(peers []RaftPeer, version int) RaftConfiguration {
	seen := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		if _, ok := seen[p.ID]; ok {
			panic(fmt.Sprintf("duplicate peer %s in configuration", p.ID))
		}
		seen[p.ID] = struct{}{}
	}

	return RaftConfiguration{
		Peers:   append([]RaftPeer(nil), peers...),
		Version: version,
	}
}

func (c RaftConfiguration) Contains(id string) bool {
	for _, p := range c.Peers {
		if p.ID == id {
			return true
		}
	}
	return false
}

func (c RaftConfiguration) PeerIDs() []string {
	ids := make([]string, len(c.Peers))
	for i, p := range c.Peers {
		ids[i] = p.ID
	}
	return ids
}

func (c RaftConfiguration) Size() int {
	return len(c.Peers)
}

// Majority is the number of votes or acks needed for a quorum.
func (c RaftConfiguration) Majority() int {
	return len(c.Peers)/2 + 1
}

func (c RaftConfiguration) String() string {
	return fmt.Sprintf("v%d[%s]", c.Version, strings.Join(c.PeerIDs(), ", "))
}

func (c RaftConfiguration) clone() *RaftConfiguration {
	conf := NewRaftConfiguration(c.Peers, c.Version)
	return &conf
}

type LogEntry struct {
	Term    int
	Index   int
	Command any
}

func (e LogEntry) String() string {
	return fmt.Sprintf("(t:%d, i:%d)", e.Term, e.Index)
}

type ServerRPC = simulation.SimulatedRPC[RaftServerRequest, RaftServerReply]

type ClientRPC = simulation.SimulatedRPC[RaftClientRequest, RaftClientReply]
