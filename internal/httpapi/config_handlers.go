package httpapi

import (
	"encoding/json"

	"github.com/conreg/conreg/internal/command"
	"github.com/conreg/conreg/internal/configstore"
	"github.com/conreg/conreg/internal/model"
	"github.com/valyala/fasthttp"
)

type configUpsertBody struct {
	NamespaceID string `json:"namespace_id"`
	ID          string `json:"id"`
	Content     string `json:"content"`
	Description string `json:"description"`
	Format      string `json:"format"`
}

// handleConfigUpsert computes the MD5 dedup locally (spec: "upsert_and_sync
// computes MD5 and may short-circuit without replicating"), then proposes
// a SetConfig/UpdateConfig command only when content actually changed.
func (s *Server) handleConfigUpsert(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	var b configUpsertBody
	if err := json.Unmarshal(ctx.PostBody(), &b); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}

	entry, noop := s.Configs.PrepareUpsert(b.NamespaceID, b.ID, b.Content, b.Description, b.Format)
	if noop {
		s.ok(ctx, entry)
		return
	}

	isNew := entry.CreateTime == entry.UpdateTime
	var cmd command.Command
	var err error
	if isNew {
		cmd, err = command.SetConfig(entry)
	} else {
		cmd, err = command.UpdateConfig(entry)
	}
	if err != nil {
		s.fail(ctx, err.Error())
		return
	}
	s.writeThroughRaft(ctx, "/api/config/upsert", cmd, entry)
}

type configKeyBody struct {
	NamespaceID string `json:"namespace_id"`
	ID          string `json:"id"`
}

func (s *Server) handleConfigDelete(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	var b configKeyBody
	if err := json.Unmarshal(ctx.PostBody(), &b); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	cmd, err := command.DeleteConfig(b.NamespaceID, b.ID)
	if err != nil {
		s.fail(ctx, err.Error())
		return
	}
	s.writeThroughRaft(ctx, "/api/config/delete", cmd, nil)
}

type configRecoverBody struct {
	HistoryID int64 `json:"id_"`
}

// handleConfigRecover reinstates a past history row as the current entry,
// itself replicated as a fresh UpdateConfig so every replica converges on
// the same "recovered" row and it gets its own new history entry.
func (s *Server) handleConfigRecover(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	var b configRecoverBody
	if err := json.Unmarshal(ctx.PostBody(), &b); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	h, ok := s.Configs.HistoryByID(b.HistoryID)
	if !ok {
		s.fail(ctx, "history id not found")
		return
	}
	current, _ := s.Configs.Get(h.NamespaceID, h.ConfigID)
	recovered := model.ConfigEntry{
		EntryID: h.EntryID, NamespaceID: h.NamespaceID, ConfigID: h.ConfigID,
		Content: h.Content, Format: h.Format, Description: h.Description,
		MD5: configstore.MD5Of(h.Content), CreateTime: current.CreateTime, UpdateTime: model.NowMillis(),
	}
	if recovered.CreateTime == 0 {
		recovered.CreateTime = recovered.UpdateTime
	}
	cmd, err := command.UpdateConfig(recovered)
	if err != nil {
		s.fail(ctx, err.Error())
		return
	}
	s.writeThroughRaft(ctx, "/api/config/recover", cmd, recovered)
}

func (s *Server) handleConfigGet(ctx *fasthttp.RequestCtx) {
	namespaceID := queryString(ctx, "namespace_id")
	if !s.requireNamespaceAuth(ctx, namespaceID) {
		return
	}
	id := queryString(ctx, "id")
	e, ok := s.Configs.Get(namespaceID, id)
	if !ok {
		s.ok(ctx, nil)
		return
	}
	s.ok(ctx, e)
}

func (s *Server) handleConfigList(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	namespaceID := queryString(ctx, "namespace_id")
	filterText := queryString(ctx, "filter_text")
	all := s.Configs.List(namespaceID, filterText)
	s.ok(ctx, paginate(all, queryInt(ctx, "page_num", 1), queryInt(ctx, "page_size", 20)))
}

func (s *Server) handleConfigHistories(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	namespaceID := queryString(ctx, "namespace_id")
	id := queryString(ctx, "id")
	all := s.Configs.Histories(namespaceID, id)
	s.ok(ctx, paginate(all, queryInt(ctx, "page_num", 1), queryInt(ctx, "page_size", 20)))
}

// handleConfigWatch long-polls up to the 29s cap; data is the changed
// config_id, or null on timeout (spec §6).
func (s *Server) handleConfigWatch(ctx *fasthttp.RequestCtx) {
	namespaceID := queryString(ctx, "namespace_id")
	if !s.requireNamespaceAuth(ctx, namespaceID) {
		return
	}
	changed := s.Configs.Watch(namespaceID, WatchTimeout)
	if changed == "" {
		s.ok(ctx, nil)
		return
	}
	s.ok(ctx, changed)
}

func (s *Server) handleConfigExport(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	namespaceID := queryString(ctx, "namespace_id")
	s.ok(ctx, s.Configs.List(namespaceID, ""))
}

func (s *Server) handleConfigImport(ctx *fasthttp.RequestCtx) {
	if _, ok := s.requireAdmin(ctx); !ok {
		return
	}
	body := ctx.PostBody()
	var entries []configUpsertBody
	if err := json.Unmarshal(body, &entries); err != nil {
		s.badRequest(ctx, "invalid body: "+err.Error())
		return
	}
	imported := 0
	for _, e := range entries {
		entry, noop := s.Configs.PrepareUpsert(e.NamespaceID, e.ID, e.Content, e.Description, e.Format)
		if noop {
			continue
		}
		cmd, err := command.UpdateConfig(entry)
		if err != nil {
			s.fail(ctx, err.Error())
			return
		}
		if _, err := s.Node.Write(cmd); err != nil {
			if s.maybeForward(ctx, "/api/config/import", body, err) {
				return
			}
			s.fail(ctx, "import failed at "+e.ID+": "+err.Error())
			return
		}
		imported++
	}
	s.ok(ctx, imported)
}

// writeThroughRaft submits cmd via s.Node.Write, forwarding to the leader
// when necessary, and answers with okData on success.
func (s *Server) writeThroughRaft(ctx *fasthttp.RequestCtx, path string, cmd command.Command, okData any) {
	body, err := cmd.Marshal()
	if err != nil {
		s.fail(ctx, err.Error())
		return
	}
	_, werr := s.Node.Write(cmd)
	if werr != nil {
		if s.maybeForward(ctx, path, body, werr) {
			return
		}
		s.fail(ctx, werr.Error())
		return
	}
	s.ok(ctx, okData)
}

type page struct {
	Items    any `json:"items"`
	PageNum  int `json:"page_num"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

func paginate[T any](all []T, pageNum, pageSize int) page {
	if pageNum < 1 {
		pageNum = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	start := (pageNum - 1) * pageSize
	if start > len(all) {
		start = len(all)
	}
	end := start + pageSize
	if end > len(all) {
		end = len(all)
	}
	return page{Items: all[start:end], PageNum: pageNum, PageSize: pageSize, Total: len(all)}
}
