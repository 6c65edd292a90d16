package cluster

import (
	"fmt"
	"slices"

	"github.com/arbha1erao/miniraft/raft"
	"github.com/arbha1erao/miniraft/utils"
)

// PeerChanges describes a membership change: the full new membership, the
// peers it adds and the peers it drops.
type PeerChanges struct {
	AllPeersInNewConf []raft.RaftPeer
	NewPeers          []raft.RaftPeer
	RemovedPeers      []raft.RaftPeer
}

// Configuration returns the membership as a configuration. Membership
// changes always start over at version 0.
func (pc PeerChanges) Configuration() raft.RaftConfiguration {
	return raft.NewRaftConfiguration(pc.AllPeersInNewConf, 0)
}

func peerID(index int) string {
	return fmt.Sprintf("s%d", index)
}

// InitConfiguration returns n peers s0..s(n-1) at version 0.
func InitConfiguration(n int) raft.RaftConfiguration {
	peers := make([]raft.RaftPeer, n)
	for i := range peers {
		peers[i] = raft.RaftPeer{ID: peerID(i)}
	}
	return raft.NewRaftConfiguration(peers, 0)
}

// ComputeAddPeers allocates number peers starting at id index firstIndex.
// The new membership lists the new peers before the current ones.
func ComputeAddPeers(conf raft.RaftConfiguration, firstIndex, number int) PeerChanges {
	if number < 0 {
		panic(fmt.Sprintf("cannot add %d peers", number))
	}

	newPeers := make([]raft.RaftPeer, 0, number)
	for i := firstIndex; i < firstIndex+number; i++ {
		p := raft.RaftPeer{ID: peerID(i)}
		if conf.Contains(p.ID) {
			panic(fmt.Sprintf("peer %s is already a member of %s", p.ID, conf))
		}
		newPeers = append(newPeers, p)
	}

	all := append(slices.Clone(newPeers), conf.Peers...)
	return PeerChanges{
		AllPeersInNewConf: all,
		NewPeers:          newPeers,
		RemovedPeers:      []raft.RaftPeer{},
	}
}

// ComputeRemovePeers selects number peers to drop from conf. With
// removeLeader the leader goes first and counts towards number; the rest
// are taken from followerIDs in order, skipping excluded peers and peers
// that are not members.
func ComputeRemovePeers(conf raft.RaftConfiguration, leaderID string, followerIDs []string, number int, removeLeader bool, excluded []raft.RaftPeer) PeerChanges {
	peers := slices.Clone(conf.Peers)
	removed := make([]raft.RaftPeer, 0, number)

	isExcluded := func(id string) bool {
		return slices.Contains(excluded, raft.RaftPeer{ID: id})
	}

	if removeLeader {
		if leaderID == "" {
			panic("cannot remove the leader: there is no leader")
		}
		if isExcluded(leaderID) {
			panic(fmt.Sprintf("cannot remove leader %s: it is excluded", leaderID))
		}
		leader := raft.RaftPeer{ID: leaderID}
		utils.RemoveSliceElementInPlace(&peers, leader)
		removed = append(removed, leader)
	}

	for _, id := range followerIDs {
		if len(removed) >= number {
			break
		}
		follower := raft.RaftPeer{ID: id}
		if isExcluded(id) || !conf.Contains(id) || slices.Contains(removed, follower) {
			continue
		}
		utils.RemoveSliceElementInPlace(&peers, follower)
		removed = append(removed, follower)
	}

	return PeerChanges{
		AllPeersInNewConf: peers,
		NewPeers:          []raft.RaftPeer{},
		RemovedPeers:      removed,
	}
}
