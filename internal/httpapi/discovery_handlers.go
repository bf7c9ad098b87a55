package httpapi

import (
	"encoding/json"

	"github.com/conreg/conreg/internal/command"
	"github.com/conreg/conreg/internal/discovery"
	"github.com/conreg/conreg/internal/model"
	"github.com/valyala/fasthttp"
)

type serviceBody struct {
	NamespaceID string            `json:"namespace_id"`
	ServiceID   string            `json:"service_id"`
	Metadata    map[string]string `json:"metadata"`
}

func (s *Server) handleServiceRegister(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	var b serviceBody
	if err := json.Unmarshal(ctx.PostBody(), &b); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	svc := model.Service{NamespaceID: b.NamespaceID, ServiceID: b.ServiceID, Metadata: b.Metadata}
	cmd, err := command.RegisterService(svc)
	if err != nil {
		s.fail(ctx, err.Error())
		return
	}
	s.writeThroughRaft(ctx, "/api/discovery/service/register", cmd, svc)
}

type serviceKeyBody struct {
	NamespaceID string `json:"namespace_id"`
	ServiceID   string `json:"service_id"`
}

func (s *Server) handleServiceDeregister(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	var b serviceKeyBody
	if err := json.Unmarshal(ctx.PostBody(), &b); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	cmd, err := command.DeregisterService(b.NamespaceID, b.ServiceID)
	if err != nil {
		s.fail(ctx, err.Error())
		return
	}
	s.writeThroughRaft(ctx, "/api/discovery/service/deregister", cmd, nil)
}

func (s *Server) handleServiceList(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	namespaceID := queryString(ctx, "namespace_id")
	all := s.Discovery.ListServices(namespaceID)
	s.ok(ctx, paginate(all, queryInt(ctx, "page_num", 1), queryInt(ctx, "page_size", 20)))
}

type instanceRegisterBody struct {
	NamespaceID string            `json:"namespace_id"`
	ServiceID   string            `json:"service_id"`
	IP          string            `json:"ip"`
	Port        int               `json:"port"`
	Metadata    map[string]string `json:"metadata"`
}

// handleInstanceRegister derives the deterministic instance_id, proposes a
// RegisterServiceInstance command, and returns the persisted instance
// (spec §6: "returns persisted instance (with deterministic id)").
func (s *Server) handleInstanceRegister(ctx *fasthttp.RequestCtx) {
	var b instanceRegisterBody
	if err := json.Unmarshal(ctx.PostBody(), &b); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	inst := model.ServiceInstance{
		NamespaceID: b.NamespaceID, ServiceID: b.ServiceID,
		InstanceID: discovery.InstanceID(b.IP, b.Port),
		IP:         b.IP, Port: b.Port, Metadata: b.Metadata,
		Status: model.StatusReady, LastHeartbeat: model.NowMillis(),
	}
	cmd, err := command.RegisterServiceInstance(inst)
	if err != nil {
		s.fail(ctx, err.Error())
		return
	}
	s.writeThroughRaft(ctx, "/api/discovery/instance/register", cmd, inst)
}

type instanceKeyBody struct {
	NamespaceID string `json:"namespace_id"`
	ServiceID   string `json:"service_id"`
	InstanceID  string `json:"instance_id"`
}

func (s *Server) handleInstanceDeregister(ctx *fasthttp.RequestCtx) {
	var b instanceKeyBody
	if err := json.Unmarshal(ctx.PostBody(), &b); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	cmd, err := command.DeregisterServiceInstance(b.NamespaceID, b.ServiceID, b.InstanceID)
	if err != nil {
		s.fail(ctx, err.Error())
		return
	}
	s.writeThroughRaft(ctx, "/api/discovery/instance/deregister", cmd, nil)
}

func (s *Server) handleInstanceList(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	namespaceID := queryString(ctx, "namespace_id")
	serviceID := queryString(ctx, "service_id")
	s.ok(ctx, s.Discovery.ListInstances(namespaceID, serviceID))
}

func (s *Server) handleInstanceAvailable(ctx *fasthttp.RequestCtx) {
	namespaceID := queryString(ctx, "namespace_id")
	if !s.requireNamespaceAuth(ctx, namespaceID) {
		return
	}
	serviceID := queryString(ctx, "service_id")
	s.ok(ctx, s.Discovery.AvailableInstances(namespaceID, serviceID))
}

// heartbeatResult mirrors spec §6's three-valued heartbeat outcome.
type heartbeatResult string

const (
	heartbeatOk              heartbeatResult = "Ok"
	heartbeatNoInstanceFound heartbeatResult = "NoInstanceFound"
	heartbeatUnknown         heartbeatResult = "Unknown"
)

func (s *Server) handleHeartbeat(ctx *fasthttp.RequestCtx) {
	var b instanceKeyBody
	if err := json.Unmarshal(ctx.PostBody(), &b); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}

	existing := s.Discovery.ListInstances(b.NamespaceID, b.ServiceID)
	found := false
	for _, i := range existing {
		if i.InstanceID == b.InstanceID {
			found = true
			break
		}
	}
	if !found {
		s.ok(ctx, heartbeatNoInstanceFound)
		return
	}

	cmd, err := command.Heartbeat(b.NamespaceID, b.ServiceID, b.InstanceID)
	if err != nil {
		s.ok(ctx, heartbeatUnknown)
		return
	}
	if _, err := s.Node.Write(cmd); err != nil {
		body, _ := cmd.Marshal()
		if s.maybeForward(ctx, "/api/discovery/heartbeat", body, err) {
			return
		}
		s.ok(ctx, heartbeatUnknown)
		return
	}
	s.ok(ctx, heartbeatOk)
}
