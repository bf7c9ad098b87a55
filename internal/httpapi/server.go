// Package httpapi is the C12 HTTP surface: request decoding, authn guards,
// response shaping into the uniform {code,msg,data} envelope, and the
// cluster/config/namespace/discovery/system route groups from spec §6.
//
// Grounded on the teacher's http/http.go (fasthttp.RequestHandler, raw path
// dispatch, no router framework), generalized from a single POST/GET pair
// over one key to the full route table.
package httpapi

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/conreg/conreg/internal/cache"
	"github.com/conreg/conreg/internal/cluster"
	"github.com/conreg/conreg/internal/configstore"
	"github.com/conreg/conreg/internal/discovery"
	"github.com/conreg/conreg/internal/forward"
	"github.com/conreg/conreg/internal/fsm"
	"github.com/conreg/conreg/internal/model"
	"github.com/conreg/conreg/internal/namespacestore"
	"github.com/google/uuid"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// userTokenPrefix namespaces bearer-token lookups inside the shared C6
// cache (spec §4.7: "admin ... requests are ... pre-authenticated via a
// user-token (bearer), resolved through C6" and the Rust original's
// cache/mod.rs doing the same for its session lookup).
const userTokenPrefix = "user_token:"

// WatchTimeout is the long-poll bound for /config/watch, under the client
// SDK's 35s per-request watch timeout.
const WatchTimeout = 29 * time.Second

// Server is the HTTP surface. Read routes are served from the local
// replica's subsystems directly; write routes build a Command and submit
// it through Raft, forwarding to the leader when this node isn't it.
type Server struct {
	Node       *cluster.Node
	FSM        *fsm.FSM
	Namespaces *namespacestore.Store
	Configs    *configstore.Store
	Discovery  *discovery.Engine
	Cache      *cache.Cache
	Proxy      *forward.Proxy
	Prom       *PromRegistry

	// SelfHTTPAddr is this node's own client-facing address. No handler
	// reads it; forwarding is decided by the error Node.Write returns.
	SelfHTTPAddr string

	logger *zap.Logger
}

// New builds a Server wired to every subsystem it dispatches into.
func New(node *cluster.Node, f *fsm.FSM, proxy *forward.Proxy, selfHTTPAddr string) *Server {
	s := &Server{
		Node: node, FSM: f,
		Namespaces: f.Namespaces, Configs: f.Configs, Discovery: f.Discovery, Cache: f.Cache,
		Proxy: proxy, SelfHTTPAddr: selfHTTPAddr,
		logger: zap.L().Named("httpapi"),
	}
	s.seedDefaultAdmin()
	return s
}

// Handler is the fasthttp entrypoint: it assigns a request id, dispatches
// by method+path, and recovers from handler panics into a 500 envelope
// rather than crashing the listener goroutine.
func (s *Server) Handler(ctx *fasthttp.RequestCtx) {
	reqID := uuid.NewString()
	ctx.Response.Header.Set("X-Request-Id", reqID)

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic handling request", zap.String("request_id", reqID), zap.Any("panic", r))
			s.writeEnvelope(ctx, fasthttp.StatusInternalServerError, model.Err("internal error"))
		}
	}()

	path := string(ctx.Path())
	method := string(ctx.Method())

	if path == "/metrics" && method == fasthttp.MethodGet && s.Prom != nil {
		s.Prom.FastHTTPHandler()(ctx)
		return
	}

	route, ok := routes[routeKey{method, path}]
	if !ok {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	start := time.Now()
	route(s, ctx)
	s.logger.Debug("handled request",
		zap.String("request_id", reqID), zap.String("method", method),
		zap.String("path", path), zap.Duration("latency", time.Since(start)),
	)
}

type routeKey struct {
	method string
	path   string
}

var routes = map[routeKey]func(*Server, *fasthttp.RequestCtx){
	{fasthttp.MethodPost, "/api/cluster/init"}:             (*Server).handleClusterInit,
	{fasthttp.MethodPost, "/api/cluster/add-learner"}:      (*Server).handleAddLearner,
	{fasthttp.MethodPost, "/api/cluster/change-membership"}: (*Server).handleChangeMembership,
	{fasthttp.MethodGet, "/api/cluster/metrics"}:           (*Server).handleClusterMetrics,
	{fasthttp.MethodPost, "/api/cluster/write"}:            (*Server).handleClusterWrite,
	{fasthttp.MethodGet, "/api/cluster/read"}:              (*Server).handleClusterRead,
	{fasthttp.MethodPost, "/api/cluster/vote"}:             (*Server).handleRaftRPCStub,
	{fasthttp.MethodPost, "/api/cluster/append"}:           (*Server).handleRaftRPCStub,
	{fasthttp.MethodPost, "/api/cluster/snapshot"}:         (*Server).handleRaftRPCStub,

	{fasthttp.MethodPost, "/api/config/upsert"}:   (*Server).handleConfigUpsert,
	{fasthttp.MethodPost, "/api/config/delete"}:   (*Server).handleConfigDelete,
	{fasthttp.MethodPost, "/api/config/recover"}:  (*Server).handleConfigRecover,
	{fasthttp.MethodGet, "/api/config/get"}:       (*Server).handleConfigGet,
	{fasthttp.MethodGet, "/api/config/list"}:      (*Server).handleConfigList,
	{fasthttp.MethodGet, "/api/config/histories"}: (*Server).handleConfigHistories,
	{fasthttp.MethodGet, "/api/config/watch"}:     (*Server).handleConfigWatch,
	{fasthttp.MethodPost, "/api/config/export"}:   (*Server).handleConfigExport,
	{fasthttp.MethodPost, "/api/config/import"}:   (*Server).handleConfigImport,

	{fasthttp.MethodPost, "/api/namespace/upsert"}: (*Server).handleNamespaceUpsert,
	{fasthttp.MethodPost, "/api/namespace/delete"}: (*Server).handleNamespaceDelete,
	{fasthttp.MethodGet, "/api/namespace/list"}:    (*Server).handleNamespaceList,

	{fasthttp.MethodPost, "/api/discovery/service/register"}:    (*Server).handleServiceRegister,
	{fasthttp.MethodPost, "/api/discovery/service/deregister"}:  (*Server).handleServiceDeregister,
	{fasthttp.MethodGet, "/api/discovery/service/list"}:         (*Server).handleServiceList,
	{fasthttp.MethodPost, "/api/discovery/instance/register"}:   (*Server).handleInstanceRegister,
	{fasthttp.MethodPost, "/api/discovery/instance/deregister"}: (*Server).handleInstanceDeregister,
	{fasthttp.MethodGet, "/api/discovery/instance/list"}:        (*Server).handleInstanceList,
	{fasthttp.MethodGet, "/api/discovery/instance/available"}:   (*Server).handleInstanceAvailable,
	{fasthttp.MethodPost, "/api/discovery/heartbeat"}:            (*Server).handleHeartbeat,

	{fasthttp.MethodPost, "/api/system/login"}:           (*Server).handleLogin,
	{fasthttp.MethodPost, "/api/system/logout"}:          (*Server).handleLogout,
	{fasthttp.MethodPost, "/api/system/update_password"}: (*Server).handleUpdatePassword,
}

func (s *Server) writeEnvelope(ctx *fasthttp.RequestCtx, status int, env model.Envelope) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	b, err := json.Marshal(env)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		return
	}
	ctx.SetBody(b)
}

func (s *Server) ok(ctx *fasthttp.RequestCtx, data any) {
	s.writeEnvelope(ctx, fasthttp.StatusOK, model.OK(data))
}

func (s *Server) fail(ctx *fasthttp.RequestCtx, msg string) {
	s.writeEnvelope(ctx, fasthttp.StatusOK, model.Err(msg))
}

func (s *Server) badRequest(ctx *fasthttp.RequestCtx, msg string) {
	s.writeEnvelope(ctx, fasthttp.StatusBadRequest, model.Err(msg))
}

func queryString(ctx *fasthttp.RequestCtx, key string) string {
	return string(ctx.QueryArgs().Peek(key))
}

func queryInt(ctx *fasthttp.RequestCtx, key string, def int) int {
	v := queryString(ctx, key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// --- auth guards ---

// requireAdmin resolves the Authorization: Bearer <token> header through
// the shared cache and returns the associated username. Writes 401 itself
// on failure so handlers can just `if !ok { return }`.
func (s *Server) requireAdmin(ctx *fasthttp.RequestCtx) (username string, ok bool) {
	auth := string(ctx.Request.Header.Peek("Authorization"))
	const prefix = "Bearer "
	if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		return "", false
	}
	token := auth[len(prefix):]
	v, found := s.Cache.Get(userTokenPrefix + token)
	if !found {
		ctx.SetStatusCode(fasthttp.StatusUnauthorized)
		return "", false
	}
	return string(v), true
}

// requireNamespaceAuth authorizes a client read of a namespace-scoped
// resource: either the X-NS-Token header matches, or the request is
// console-originated (X-Console: 1) with a valid admin bearer token, which
// spec §6 allows to substitute for the namespace token.
func (s *Server) requireNamespaceAuth(ctx *fasthttp.RequestCtx, namespaceID string) bool {
	if string(ctx.Request.Header.Peek("X-Console")) == "1" {
		if _, ok := s.requireAdmin(ctx); ok {
			return true
		}
		ctx.SetStatusCode(fasthttp.StatusForbidden)
		return false
	}

	token := string(ctx.Request.Header.Peek("X-NS-Token"))
	if !s.Namespaces.Auth(namespaceID, token) {
		ctx.SetStatusCode(fasthttp.StatusForbidden)
		return false
	}
	return true
}

// leaderHTTPAddr derives the current leader's client-facing address from
// its raft bind address. Since cmd/conregd multiplexes Raft and HTTP onto
// one shared listener, the two addresses are the same.
func leaderHTTPAddr(raftAddr string) string {
	return deriveHTTPAddr(raftAddr)
}

// maybeForward relays a write to the leader when err is a ForwardToLeader.
// It returns true if it wrote the response (the leader's reply, or a
// failure envelope when the leader is unreachable), and false for any
// other err, leaving the caller to report it.
func (s *Server) maybeForward(ctx *fasthttp.RequestCtx, path string, body []byte, err error) bool {
	var fwd *cluster.ForwardToLeader
	if !asForwardToLeader(err, &fwd) {
		return false
	}

	status, respBody, ferr := s.Proxy.Forward(leaderHTTPAddr(fwd.LeaderAddr), path, body)
	if ferr != nil {
		s.fail(ctx, "leader unreachable: "+ferr.Error())
		return true
	}
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBody(respBody)
	return true
}

func asForwardToLeader(err error, out **cluster.ForwardToLeader) bool {
	if err == nil {
		return false
	}
	f, ok := err.(*cluster.ForwardToLeader)
	if ok {
		*out = f
	}
	return ok
}
