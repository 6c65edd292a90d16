package cluster

import (
	"github.com/arbha1erao/miniraft/raft"
)

// EnforceServerLog restarts server id with its log replaced by entries and
// the given configuration. Term and vote are carried over. The old handle
// is killed before the new one is installed, so requests queued for id are
// only ever taken by the new handle.
func (c *MiniRaftCluster) EnforceServerLog(id string, entries []raft.LogEntry, conf *raft.RaftConfiguration) {
	old := c.servers.MustGet(id)
	state := raft.BuildServerState(old.State(), entries)

	old.Kill()

	s := c.newServer(id, state)
	c.servers.Replace(s)
	c.log.Infof("replaced %s with a new instance holding %d entries", id, len(entries))

	s.Start(conf)
}
