package cluster

import (
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/arbha1erao/miniraft/raft"
)

// GetLeader returns the running leader, or nil if there is none. Two
// running leaders fail the test.
func (c *MiniRaftCluster) GetLeader() Server {
	var leaders []Server
	for _, s := range c.servers.Servers() {
		if isRunningLeader(s) {
			leaders = append(leaders, s)
		}
	}

	switch len(leaders) {
	case 0:
		return nil
	case 1:
		return leaders[0]
	default:
		c.t.Fatalf("expected at most one leader, found %d:%s", len(leaders), c.PrintServers())
		return nil
	}
}

// GetFollowers returns the running followers in registration order.
func (c *MiniRaftCluster) GetFollowers() []Server {
	var followers []Server
	for _, s := range c.servers.Servers() {
		if s.IsRunning() && s.Role() == raft.FOLLOWER {
			followers = append(followers, s)
		}
	}
	return followers
}

func (c *MiniRaftCluster) GetServers() []Server {
	return c.servers.Servers()
}

func (c *MiniRaftCluster) GetServer(id string) Server {
	return c.servers.MustGet(id)
}

// Shutdown kills every running server. It can be called more than once.
func (c *MiniRaftCluster) Shutdown() {
	var g errgroup.Group
	for _, s := range c.servers.Servers() {
		if !s.IsRunning() {
			continue
		}
		g.Go(func() error {
			s.Kill()
			return nil
		})
	}
	_ = g.Wait()
	c.log.Debug("cluster shut down")
}

func (c *MiniRaftCluster) PrintServers() string {
	servers := c.servers.Servers()

	var b strings.Builder
	fmt.Fprintf(&b, "\n#servers = %d\n", len(servers))
	for _, s := range servers {
		fmt.Fprintf(&b, "  %v\n", s)
	}
	return b.String()
}

func (c *MiniRaftCluster) PrintAllLogs() string {
	servers := c.servers.Servers()

	var b strings.Builder
	fmt.Fprintf(&b, "\n#servers = %d\n", len(servers))
	for _, s := range servers {
		fmt.Fprintf(&b, "  %v\n    %s\n", s, s.State().Log.EntryString())
	}
	return b.String()
}
