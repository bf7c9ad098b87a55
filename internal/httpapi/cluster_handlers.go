package httpapi

import (
	"encoding/json"

	"github.com/conreg/conreg/internal/command"
	"github.com/hashicorp/raft"
	"github.com/valyala/fasthttp"
)

type clusterMember struct {
	NodeID string `json:"node_id"`
	Addr   string `json:"addr"`
}

// handleClusterInit bootstraps the cluster exactly once. Body is a list of
// (node_id, addr) pairs; an empty list bootstraps a singleton of just this
// node (spec §6).
func (s *Server) handleClusterInit(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	var members []clusterMember
	if err := json.Unmarshal(ctx.PostBody(), &members); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	servers := make([]raft.Server, len(members))
	for i, m := range members {
		servers[i] = raft.Server{ID: raft.ServerID(m.NodeID), Address: raft.ServerAddress(m.Addr)}
	}
	if err := s.Node.Init(servers); err != nil {
		s.fail(ctx, err.Error())
		return
	}
	s.ok(ctx, nil)
}

// handleAddLearner proposes a non-voting member that still replicates the
// log.
func (s *Server) handleAddLearner(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	var m clusterMember
	if err := json.Unmarshal(ctx.PostBody(), &m); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	body := ctx.PostBody()
	if err := s.Node.AddLearner(m.NodeID, m.Addr); err != nil {
		if s.maybeForward(ctx, "/api/cluster/add-learner", body, err) {
			return
		}
		s.fail(ctx, err.Error())
		return
	}
	s.ok(ctx, nil)
}

// handleChangeMembership promotes exactly the given id set to voters.
func (s *Server) handleChangeMembership(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	var ids []string
	if err := json.Unmarshal(ctx.PostBody(), &ids); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	body := ctx.PostBody()
	if err := s.Node.ChangeMembership(ids); err != nil {
		if s.maybeForward(ctx, "/api/cluster/change-membership", body, err) {
			return
		}
		s.fail(ctx, err.Error())
		return
	}
	s.ok(ctx, nil)
}

// handleClusterMetrics reports leader/term/log/membership state.
func (s *Server) handleClusterMetrics(ctx *fasthttp.RequestCtx) {
	m, err := s.Node.Metrics()
	if err != nil {
		s.fail(ctx, err.Error())
		return
	}
	s.ok(ctx, m)
}

// handleClusterWrite is the internal write entrypoint: submit a Command
// through Raft, forwarding to the leader when this node isn't it.
func (s *Server) handleClusterWrite(ctx *fasthttp.RequestCtx) {
	body := ctx.PostBody()
	cmd, err := command.Unmarshal(body)
	if err != nil {
		s.badRequest(ctx, "invalid command: "+err.Error())
		return
	}
	resp, err := s.Node.Write(cmd)
	if err != nil {
		if s.maybeForward(ctx, "/api/cluster/write", body, err) {
			return
		}
		s.fail(ctx, err.Error())
		return
	}
	s.ok(ctx, resp)
}

// handleClusterRead is a local (not-through-raft) KV lookup against the
// FSM's auxiliary key/value space.
func (s *Server) handleClusterRead(ctx *fasthttp.RequestCtx) {
	key := queryString(ctx, "key")
	v, ok := s.FSM.Get(key)
	if !ok {
		s.ok(ctx, nil)
		return
	}
	s.ok(ctx, v)
}

// handleRaftRPCStub answers the peer-RPC routes spec §6 enumerates
// (/vote, /append, /snapshot). This implementation runs Raft's own
// binary wire protocol over hashicorp/raft's NetworkTransport (C3) rather
// than reimplementing RequestVote/AppendEntries/InstallSnapshot bodies by
// hand over HTTP/JSON, so these routes exist only to answer the surface
// and point callers at the real transport port; see DESIGN.md.
func (s *Server) handleRaftRPCStub(ctx *fasthttp.RequestCtx) {
	s.ok(ctx, "handled over the internal raft transport, not HTTP")
}
