package raft

import (
	"context"
	"fmt"
)

func (rs *RaftServer) serveServerRequests() {
	for {
		call, err := rs.serverRPC.TakeRequest(rs.ctx, rs.id)
		if err != nil {
			if rs.ctx.Err() == nil {
				rs.logger.Errorf("node %s stopped serving peers: %v", rs.id, err)
			}
			return
		}

		req := call.Request()
		var reply RaftServerReply
		switch {
		case req.Vote != nil:
			reply.Vote = rs.handleRequestVote(req.Vote)
		case req.Append != nil:
			reply.Append = rs.handleAppendEntries(req.Append)
		default:
			rs.logger.Warnf("node %s dropping empty request from %s", rs.id, call.From)
			continue
		}
		call.Reply(reply)
	}
}

func (rs *RaftServer) serveClientRequests() {
	for {
		call, err := rs.clientRPC.TakeRequest(rs.ctx, rs.id)
		if err != nil {
			if rs.ctx.Err() == nil {
				rs.logger.Errorf("node %s stopped serving clients: %v", rs.id, err)
			}
			return
		}

		// Commands block until committed, so each one gets its own goroutine.
		rs.goFunc(func() {
			req := call.Request()
			if req.Configuration != nil {
				call.Reply(rs.setConfiguration(req.Configuration.Peers))
				return
			}
			call.Reply(rs.appendCommand(req.Command))
		})
	}
}

func (rs *RaftServer) requestVote(peerID string, args RequestVoteArgs) (*RequestVoteReply, error) {
	ctx, cancel := context.WithTimeout(rs.ctx, rs.cfg.VoteTimeout)
	defer cancel()

	reply, err := rs.serverRPC.SendRequest(ctx, rs.id, peerID, RaftServerRequest{Vote: &args})
	if err != nil {
		return nil, err
	}
	if reply.Vote == nil {
		return nil, fmt.Errorf("peer %s sent no vote reply", peerID)
	}
	return reply.Vote, nil
}

func (rs *RaftServer) appendEntries(peerID string, args AppendEntriesArgs) (*AppendEntriesReply, error) {
	ctx, cancel := context.WithTimeout(rs.ctx, rs.cfg.RPCTimeout)
	defer cancel()

	reply, err := rs.serverRPC.SendRequest(ctx, rs.id, peerID, RaftServerRequest{Append: &args})
	if err != nil {
		return nil, err
	}
	if reply.Append == nil {
		return nil, fmt.Errorf("peer %s sent no append entries reply", peerID)
	}
	return reply.Append, nil
}
