// Package client sends requests to a simulated raft cluster through the
// client-to-server transport, following leader hints.
package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/strategy"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/arbha1erao/miniraft/raft"
)

// ErrNoLeader is returned when no server accepted the request within the
// retry budget.
var ErrNoLeader = errors.New("no leader accepted the request")

type Options struct {
	MaxAttempts   uint
	RetryInterval time.Duration
	CallTimeout   time.Duration
	Logger        *logrus.Logger
}

func DefaultOptions() Options {
	return Options{
		MaxAttempts:   20,
		RetryInterval: 100 * time.Millisecond,
		CallTimeout:   time.Second,
		Logger:        logrus.StandardLogger(),
	}
}

type RaftClient struct {
	id       string
	peers    []raft.RaftPeer
	rpc      *raft.ClientRPC
	leaderID string
	opts     Options
	logger   *logrus.Entry
}

// NewRaftClient creates a client for peers. An empty id gets a random one;
// an empty leaderID starts with the first peer.
func NewRaftClient(id string, peers []raft.RaftPeer, rpc *raft.ClientRPC, leaderID string, opts Options) *RaftClient {
	if id == "" {
		id = "client-" + uuid.NewString()
	}
	if len(peers) == 0 {
		panic("raft client needs at least one peer")
	}
	if leaderID == "" {
		leaderID = peers[0].ID
	}

	defaults := DefaultOptions()
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = defaults.MaxAttempts
	}
	if opts.RetryInterval == 0 {
		opts.RetryInterval = defaults.RetryInterval
	}
	if opts.CallTimeout == 0 {
		opts.CallTimeout = defaults.CallTimeout
	}
	if opts.Logger == nil {
		opts.Logger = defaults.Logger
	}

	return &RaftClient{
		id:       id,
		peers:    append([]raft.RaftPeer(nil), peers...),
		rpc:      rpc,
		leaderID: leaderID,
		opts:     opts,
		logger:   opts.Logger.WithField("client", id),
	}
}

func (c *RaftClient) ID() string {
	return c.id
}

// LeaderID is the server the next request will be sent to.
func (c *RaftClient) LeaderID() string {
	return c.leaderID
}

// Send appends command to the replicated log and returns its index once
// committed.
func (c *RaftClient) Send(ctx context.Context, command any) (int, error) {
	reply, err := c.call(ctx, raft.RaftClientRequest{ClientID: c.id, Command: command})
	if err != nil {
		return 0, err
	}
	return reply.Index, nil
}

// SetConfiguration asks the leader to switch the group to peers.
func (c *RaftClient) SetConfiguration(ctx context.Context, peers []raft.RaftPeer) error {
	conf := raft.NewRaftConfiguration(peers, 0)
	_, err := c.call(ctx, raft.RaftClientRequest{ClientID: c.id, Configuration: &conf})
	if err != nil {
		return err
	}

	// Later requests may target peers that only exist in the new group.
	c.peers = conf.Peers
	return nil
}

func (c *RaftClient) call(ctx context.Context, req raft.RaftClientRequest) (raft.RaftClientReply, error) {
	var (
		reply raft.RaftClientReply
		ok    bool
	)

	action := func(attempt uint) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
		defer cancel()

		target := c.leaderID
		r, err := c.rpc.SendRequest(callCtx, c.id, target, req)
		if err != nil {
			c.logger.Debugf("attempt %d to %s failed: %v", attempt, target, err)
			c.nextPeer()
			return err
		}
		if !r.Success {
			c.logger.Debugf("attempt %d to %s rejected: %s (hint %q)", attempt, target, r.Error, r.LeaderHint)
			if r.LeaderHint != "" && r.LeaderHint != target {
				c.leaderID = r.LeaderHint
			} else {
				c.nextPeer()
			}
			return fmt.Errorf("server %s: %s", target, r.Error)
		}

		reply = r
		ok = true
		return nil
	}

	err := retry.Retry(action,
		func(uint) bool { return ctx.Err() == nil },
		strategy.Limit(c.opts.MaxAttempts),
		strategy.Wait(c.opts.RetryInterval),
	)
	if ok {
		return reply, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return reply, ctxErr
	}
	return reply, fmt.Errorf("%w: %v", ErrNoLeader, err)
}

// Move on to the peer after the current leader guess.
func (c *RaftClient) nextPeer() {
	for i, p := range c.peers {
		if p.ID == c.leaderID {
			c.leaderID = c.peers[(i+1)%len(c.peers)].ID
			return
		}
	}
	c.leaderID = c.peers[0].ID
}
