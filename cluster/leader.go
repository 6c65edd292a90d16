package cluster

import (
	"time"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/arbha1erao/miniraft/clustercfg"
	"github.com/arbha1erao/miniraft/raft"
)

// Network is the part of the server-to-server transport that leader
// enforcement drives.
type Network interface {
	SetTakeRequestDelay(id string, d time.Duration)
	SetIsOpenForMessage(id string, open bool)
}

// LeaderEnforcer tries to make a chosen peer the leader by only changing
// when messages are delivered. It is best effort: a false result means the
// election did not go the target's way within the time budget.
type LeaderEnforcer struct {
	network Network
	servers *ServerRegistry
	clock   clock.Clock
	cfg     clustercfg.Config
	logger  *logrus.Entry
}

func NewLeaderEnforcer(network Network, servers *ServerRegistry, clk clock.Clock, cfg clustercfg.Config, logger *logrus.Entry) *LeaderEnforcer {
	return &LeaderEnforcer{
		network: network,
		servers: servers,
		clock:   clk,
		cfg:     cfg,
		logger:  logger,
	}
}

// TryEnforceLeader blocks for two enforcement waits unless id already leads.
//
// Every other peer processes inbound messages no faster than one per
// ElectionTimeoutMin, so none of them can win a race against the target.
// The target's queue is closed until its own election timer fires, then
// everything is released and the election is given time to settle.
func (e *LeaderEnforcer) TryEnforceLeader(id string) bool {
	target := e.servers.MustGet(id)
	if isRunningLeader(target) {
		return true
	}

	others := e.servers.IDs()
	wait := e.cfg.EnforceWait()

	e.logger.Debugf("slowing down peers other than %s", id)
	for _, other := range others {
		if other != id {
			e.network.SetTakeRequestDelay(other, e.cfg.ElectionTimeoutMin)
		}
	}
	e.network.SetIsOpenForMessage(id, false)
	e.logger.Debugf("closed inbound queue of %s", id)

	e.clock.Sleep(wait)
	e.logger.Debugf("%s should be a candidate by now, reopening queues", id)

	for _, other := range others {
		if other != id {
			e.network.SetTakeRequestDelay(other, 0)
		}
	}
	e.network.SetIsOpenForMessage(id, true)

	e.clock.Sleep(wait)

	// The handle may have been replaced while we waited.
	ok := isRunningLeader(e.servers.MustGet(id))
	e.logger.Debugf("enforcing %s as leader done, success=%v", id, ok)
	return ok
}

func isRunningLeader(s Server) bool {
	return s.IsRunning() && s.Role() == raft.LEADER
}
