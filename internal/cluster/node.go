// Package cluster wraps hashicorp/raft into the C4 Raft core: leader
// election, log replication, commit/apply, cluster bootstrap, learners and
// membership changes, plus the ForwardToLeader detection spec §4.4/§4.5
// requires of the write path.
//
// Grounded on the teacher's store.New/Join/Leave/GetServers, generalized
// from a single bigcache FSM to internal/fsm.FSM and from
// tidwall/raft-fastlog's ":memory:" mode to a durable on-disk log.
package cluster

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/conreg/conreg/internal/command"
	"github.com/conreg/conreg/internal/fsm"
	"github.com/conreg/conreg/internal/raftlog"
	"github.com/conreg/conreg/internal/snapshotstore"
	"github.com/hashicorp/raft"
	"go.uber.org/zap"
)

// Heartbeat and election timing fixed by spec §4.4: heartbeat 500ms,
// election timeout uniformly random in [1500,3000]ms. hashicorp/raft
// randomizes between ElectionTimeout and 2x ElectionTimeout, so setting
// ElectionTimeout to 1500ms directly produces that range.
const (
	HeartbeatInterval = 500 * time.Millisecond
	ElectionTimeout    = 1500 * time.Millisecond
)

// ErrNoLeader means the cluster has no leader right now (mid-election);
// the write is rejected and surfaced to the client, not retried
// automatically.
var ErrNoLeader = errors.New("cluster: no leader elected")

// ErrUnreachable marks a transient peer network error distinct from a
// protocol error (spec §4.3/§7); Raft's own retry/backoff handles these,
// callers should not treat them as fatal.
var ErrUnreachable = errors.New("cluster: peer unreachable")

// ForwardToLeader is returned by Write when this node is not the leader.
// The HTTP layer (C10 internal/forward) turns this into a redirecting
// proxy call to LeaderAddr.
type ForwardToLeader struct {
	LeaderID   string
	LeaderAddr string
}

func (e *ForwardToLeader) Error() string {
	return fmt.Sprintf("cluster: not leader, forward to %s (%s)", e.LeaderID, e.LeaderAddr)
}

// Config holds the node-identifying and storage configuration a Node is
// built from.
type Config struct {
	NodeID     string
	BindAddr   string // raft transport bind address, host:port
	DataDir    string
	ApplyTimeout time.Duration
}

// Node owns the *raft.Raft instance plus its storage and transport.
type Node struct {
	raft      *raft.Raft
	fsm       *fsm.FSM
	transport *raft.NetworkTransport
	logStore  *raftlog.Store
	snapStore *raft.FileSnapshotStore
	conf      Config
	logger    *zap.Logger
}

// New constructs (but does not bootstrap) a Raft node bound to fsmInst,
// opening its own dedicated TCP listener at conf.BindAddr. Use
// NewWithListener instead when the Raft transport must share a listening
// port with something else (cmd/conregd shares it with the HTTP API via
// cmux).
func New(conf Config, fsmInst *fsm.FSM) (*Node, error) {
	addr, err := net.ResolveTCPAddr("tcp", conf.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(conf.BindAddr, addr, 5, 10*time.Second, io.Discard)
	if err != nil {
		return nil, fmt.Errorf("cluster: transport: %w", err)
	}
	return newNode(conf, fsmInst, transport)
}

// streamLayer adapts an already-accepting net.Listener (a cmux match) into
// the raft.StreamLayer hashicorp/raft's NetworkTransport needs. Accept
// comes from the shared listener; Dial still dials peers directly since
// cmux only discriminates inbound connections.
type streamLayer struct {
	ln        net.Listener
	advertise net.Addr
}

func (s *streamLayer) Accept() (net.Conn, error) { return s.ln.Accept() }
func (s *streamLayer) Close() error               { return s.ln.Close() }
func (s *streamLayer) Addr() net.Addr             { return s.advertise }
func (s *streamLayer) Dial(address raft.ServerAddress, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", string(address), timeout)
}

// NewWithListener builds a Node whose Raft transport accepts connections
// from ln instead of opening its own socket — the shape cmd/conregd uses
// when a cmux.CMux hands it the non-HTTP branch of one shared port.
func NewWithListener(conf Config, fsmInst *fsm.FSM, ln net.Listener) (*Node, error) {
	advertise, err := net.ResolveTCPAddr("tcp", conf.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("cluster: resolve bind addr: %w", err)
	}
	transport := raft.NewNetworkTransport(&streamLayer{ln: ln, advertise: advertise}, 5, 10*time.Second, io.Discard)
	return newNode(conf, fsmInst, transport)
}

func newNode(conf Config, fsmInst *fsm.FSM, transport *raft.NetworkTransport) (*Node, error) {
	if conf.ApplyTimeout == 0 {
		conf.ApplyTimeout = 10 * time.Second
	}

	logStore, err := raftlog.Open(conf.DataDir+"/raft-log.db", nil)
	if err != nil {
		return nil, err
	}

	snapStore, err := snapshotstore.Open(conf.DataDir+"/snapshots", 3, nil)
	if err != nil {
		return nil, err
	}

	raftConf := raft.DefaultConfig()
	raftConf.LocalID = raft.ServerID(conf.NodeID)
	raftConf.HeartbeatTimeout = HeartbeatInterval
	raftConf.ElectionTimeout = ElectionTimeout
	raftConf.LeaderLeaseTimeout = HeartbeatInterval
	raftConf.SnapshotInterval = fsm.SnapshotInterval()
	raftConf.SnapshotThreshold = 8192

	r, err := raft.NewRaft(raftConf, fsmInst, logStore, logStore, snapStore, transport)
	if err != nil {
		return nil, fmt.Errorf("cluster: new raft: %w", err)
	}

	return &Node{
		raft: r, fsm: fsmInst, transport: transport,
		logStore: logStore, snapStore: snapStore, conf: conf,
		logger: zap.L().Named("cluster"),
	}, nil
}

// Init bootstraps the cluster exactly once. An empty members list
// bootstraps a singleton cluster of just this node (spec §4.4).
func (n *Node) Init(members []raft.Server) error {
	if len(members) == 0 {
		members = []raft.Server{{
			ID:      raft.ServerID(n.conf.NodeID),
			Address: raft.ServerAddress(n.conf.BindAddr),
		}}
	}
	f := n.raft.BootstrapCluster(raft.Configuration{Servers: members})
	return f.Error()
}

// IsLeader reports whether this node currently believes it is the leader.
func (n *Node) IsLeader() bool { return n.raft.State() == raft.Leader }

// LeaderAddr returns the current leader's raft bind address, or "" if
// unknown.
func (n *Node) LeaderAddr() string { return string(n.raft.Leader()) }

// LeaderID returns the current leader's server id via the configuration,
// or "" if it cannot be resolved.
func (n *Node) LeaderID() string {
	leaderAddr := n.raft.Leader()
	if leaderAddr == "" {
		return ""
	}
	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return ""
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if srv.Address == leaderAddr {
			return string(srv.ID)
		}
	}
	return ""
}

// AddLearner adds a non-voting member that still replicates the log.
func (n *Node) AddLearner(id, addr string) error {
	if !n.IsLeader() {
		return n.notLeaderErr()
	}
	f := n.raft.AddNonvoter(raft.ServerID(id), raft.ServerAddress(addr), 0, 0)
	return f.Error()
}

// ChangeMembership promotes exactly the given set of ids to voters. Any
// existing voter/learner missing from newVoters is removed; ids not yet
// known must first be added as learners.
func (n *Node) ChangeMembership(newVoters []string) error {
	if !n.IsLeader() {
		return n.notLeaderErr()
	}
	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return err
	}
	wanted := make(map[string]bool, len(newVoters))
	for _, id := range newVoters {
		wanted[id] = true
	}

	for _, srv := range cfgFuture.Configuration().Servers {
		if !wanted[string(srv.ID)] {
			if f := n.raft.RemoveServer(srv.ID, 0, 0); f.Error() != nil {
				return f.Error()
			}
		}
	}
	for _, srv := range cfgFuture.Configuration().Servers {
		if wanted[string(srv.ID)] && srv.Suffrage != raft.Voter {
			if f := n.raft.AddVoter(srv.ID, srv.Address, 0, 0); f.Error() != nil {
				return f.Error()
			}
		}
	}
	return nil
}

// RemoveServer removes a node from the cluster (used by the CLI's
// remove-node and by the serf-backed membership helper on a Leave event).
func (n *Node) RemoveServer(id string) error {
	if !n.IsLeader() {
		return n.notLeaderErr()
	}
	return n.raft.RemoveServer(raft.ServerID(id), 0, 0).Error()
}

func (n *Node) notLeaderErr() error {
	addr := n.LeaderAddr()
	if addr == "" {
		return ErrNoLeader
	}
	return &ForwardToLeader{LeaderID: n.LeaderID(), LeaderAddr: addr}
}

// Write proposes cmd through Raft and blocks until it is applied on the
// leader (spec: "client_write returns only after apply on the leader",
// giving read-your-writes for the submitter). Non-leaders return
// ForwardToLeader immediately without proposing anything.
func (n *Node) Write(cmd command.Command) (any, error) {
	if !n.IsLeader() {
		return nil, n.notLeaderErr()
	}
	b, err := cmd.Marshal()
	if err != nil {
		return nil, err
	}
	f := n.raft.Apply(b, n.conf.ApplyTimeout)
	if err := f.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) {
			return nil, n.notLeaderErr()
		}
		if errors.Is(err, raft.ErrEnqueueTimeout) {
			return nil, ErrUnreachable
		}
		return nil, err
	}
	return f.Response(), nil
}

// Metrics is the payload for GET /api/cluster/metrics.
type Metrics struct {
	LeaderID     string       `json:"leader_id"`
	LeaderAddr   string       `json:"leader_addr"`
	Term         uint64       `json:"term"`
	LastLogIndex uint64       `json:"last_log_index"`
	LastApplied  uint64       `json:"last_applied"`
	Servers      []ServerInfo `json:"servers"`
}

// ServerInfo describes one cluster member. It does not carry a per-follower
// replication (match/next) index: hashicorp/raft v1.3.11 keeps that in its
// unexported leaderState and exposes no accessor for it — see DESIGN.md.
type ServerInfo struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	Suffrage string `json:"suffrage"`
	IsLeader bool   `json:"is_leader"`
}

// Metrics snapshots the current cluster state for observability.
func (n *Node) Metrics() (Metrics, error) {
	stats := n.raft.Stats()
	m := Metrics{
		LeaderID:     n.LeaderID(),
		LeaderAddr:   n.LeaderAddr(),
		LastApplied:  uint64(n.fsm.LastApplied()),
	}
	if termStr, ok := stats["term"]; ok {
		fmt.Sscanf(termStr, "%d", &m.Term)
	}
	if lastLogStr, ok := stats["last_log_index"]; ok {
		fmt.Sscanf(lastLogStr, "%d", &m.LastLogIndex)
	}

	cfgFuture := n.raft.GetConfiguration()
	if err := cfgFuture.Error(); err != nil {
		return m, err
	}
	leader := n.raft.Leader()
	for _, srv := range cfgFuture.Configuration().Servers {
		m.Servers = append(m.Servers, ServerInfo{
			ID: string(srv.ID), Addr: string(srv.Address),
			Suffrage: srv.Suffrage.String(), IsLeader: srv.Address == leader,
		})
	}
	return m, nil
}

// Shutdown tears down the raft runloop and transport.
func (n *Node) Shutdown() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		return err
	}
	return n.transport.Close()
}
