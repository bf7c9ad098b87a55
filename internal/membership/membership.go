// Package membership is an optional gossip-based auto-join helper layered
// under the admin /api/cluster/add-learner path (spec §6): when a new
// process joins the serf cluster it is automatically proposed as a Raft
// learner, and a graceful serf leave removes it from the Raft
// configuration. It never replaces the admin API — operators can still
// drive membership directly — it just saves them from having to call
// add-learner by hand in environments where nodes can reach each other
// over UDP gossip.
//
// Adapted directly from the teacher's registry/registry.go (same Handler
// seam, same event loop), generalized so the RPC address tag carries the
// raft bind address instead of a gRPC address.
package membership

import (
	"io"
	"net"

	"github.com/hashicorp/serf/serf"
	"go.uber.org/zap"
)

// Handler is the subset of cluster.Node membership needs: propose a
// learner on join, remove a server on leave.
type Handler interface {
	AddLearner(id, raftAddr string) error
	RemoveServer(id string) error
}

// Config configures the gossip layer.
type Config struct {
	NodeName       string
	BindAddr       string
	RaftAddr       string
	StartJoinAddrs []string
}

// Membership runs serf and forwards join/leave events to a Handler.
type Membership struct {
	Config
	handler Handler
	serf    *serf.Serf
	events  chan serf.Event
	logger  *zap.Logger
}

// New creates a Membership instance and starts its serf event loop.
func New(handler Handler, conf Config) (*Membership, error) {
	m := &Membership{
		Config:  conf,
		handler: handler,
		logger:  zap.L().Named("membership"),
	}
	if err := m.setupSerf(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Membership) setupSerf() error {
	addr, err := net.ResolveTCPAddr("tcp", m.BindAddr)
	if err != nil {
		return err
	}

	conf := serf.DefaultConfig()
	conf.Init()
	conf.LogOutput = io.Discard
	conf.MemberlistConfig.BindAddr = addr.IP.String()
	conf.MemberlistConfig.BindPort = addr.Port
	conf.NodeName = m.NodeName
	conf.Tags = map[string]string{"raft_addr": m.RaftAddr}

	m.events = make(chan serf.Event)
	conf.EventCh = m.events

	m.serf, err = serf.Create(conf)
	if err != nil {
		return err
	}

	go m.eventHandler()

	if len(m.StartJoinAddrs) > 0 {
		if _, err := m.serf.Join(m.StartJoinAddrs, true); err != nil {
			return err
		}
	}
	return nil
}

func (m *Membership) eventHandler() {
	for e := range m.events {
		switch e.EventType() {
		case serf.EventMemberJoin:
			for _, member := range e.(serf.MemberEvent).Members {
				if m.isLocal(member) {
					continue
				}
				if err := m.handler.AddLearner(member.Name, member.Tags["raft_addr"]); err != nil {
					m.logger.Error("failed to add learner on join", zap.String("name", member.Name), zap.Error(err))
				}
			}
		case serf.EventMemberLeave, serf.EventMemberFailed:
			for _, member := range e.(serf.MemberEvent).Members {
				if m.isLocal(member) {
					continue
				}
				if err := m.handler.RemoveServer(member.Name); err != nil {
					m.logger.Error("failed to remove server on leave", zap.String("name", member.Name), zap.Error(err))
				}
			}
		}
	}
}

func (m *Membership) isLocal(member serf.Member) bool {
	return m.serf.LocalMember().Name == member.Name
}

// Members is a point-in-time snapshot of the gossip membership.
func (m *Membership) Members() []serf.Member { return m.serf.Members() }

// Leave gracefully leaves the gossip cluster, e.g. on process shutdown.
func (m *Membership) Leave() error { return m.serf.Leave() }
