package httpapi

import (
	"encoding/json"

	"github.com/conreg/conreg/internal/command"
	"github.com/conreg/conreg/internal/model"
	"github.com/valyala/fasthttp"
)

type namespaceUpsertBody struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	AuthEnabled bool   `json:"auth_enabled"`
	AuthToken   string `json:"auth_token"`
}

func (s *Server) handleNamespaceUpsert(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	var b namespaceUpsertBody
	if err := json.Unmarshal(ctx.PostBody(), &b); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	now := model.NowMillis()
	ns := model.Namespace{
		ID: b.ID, Name: b.Name, Description: b.Description,
		AuthEnabled: b.AuthEnabled, AuthToken: b.AuthToken,
		CreateTime: now, UpdateTime: now,
	}
	cmd, err := command.UpsertNamespace(ns)
	if err != nil {
		s.fail(ctx, err.Error())
		return
	}
	s.writeThroughRaft(ctx, "/api/namespace/upsert", cmd, ns)
}

type namespaceIDBody struct {
	NamespaceID string `json:"namespace_id"`
}

func (s *Server) handleNamespaceDelete(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	var b namespaceIDBody
	if err := json.Unmarshal(ctx.PostBody(), &b); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	if b.NamespaceID == model.PublicNamespace {
		s.fail(ctx, "public namespace is reserved and cannot be deleted")
		return
	}
	cmd, err := command.DeleteNamespace(b.NamespaceID)
	if err != nil {
		s.fail(ctx, err.Error())
		return
	}
	s.writeThroughRaft(ctx, "/api/namespace/delete", cmd, nil)
}

func (s *Server) handleNamespaceList(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	s.ok(ctx, s.Namespaces.List())
}
