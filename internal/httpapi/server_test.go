package httpapi_test

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/conreg/conreg/internal/cache"
	"github.com/conreg/conreg/internal/cluster"
	"github.com/conreg/conreg/internal/configstore"
	"github.com/conreg/conreg/internal/discovery"
	"github.com/conreg/conreg/internal/forward"
	"github.com/conreg/conreg/internal/fsm"
	"github.com/conreg/conreg/internal/httpapi"
	"github.com/conreg/conreg/internal/model"
	"github.com/conreg/conreg/internal/namespacestore"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"
)

// testServer spins up a real single-node leader cluster and serves the
// httpapi.Server's Handler over an in-memory listener, mirroring the
// teacher's preference for exercising real network plumbing over mocks.
type testServer struct {
	srv *httpapi.Server
	cl  *fasthttp.Client
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	c, err := cache.Open(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	namespaces := namespacestore.New()
	f := fsm.New(namespaces, configstore.New(), discovery.New(namespaces), c)

	addr, err := freeAddr()
	require.NoError(t, err)
	n, err := cluster.New(cluster.Config{NodeID: "node-1", BindAddr: addr, DataDir: t.TempDir()}, f)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Shutdown() })
	require.NoError(t, n.Init(nil))
	require.Eventually(t, n.IsLeader, 5*time.Second, 10*time.Millisecond)

	s := httpapi.New(n, f, forward.New(2*time.Second), addr)

	ln := fasthttputil.NewInmemoryListener()
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		_ = fasthttp.Serve(ln, s.Handler)
	}()

	cl := &fasthttp.Client{
		Dial: func(addr string) (net.Conn, error) { return ln.Dial() },
	}

	return &testServer{srv: s, cl: cl}
}

func freeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}

// envelope mirrors model.Envelope but keeps Data as json.RawMessage so
// tests can decode it into whatever concrete type the route returns.
type envelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// do issues an in-memory request and decodes the {code,msg,data} envelope,
// leaving Data as json.RawMessage for the caller to unmarshal further.
func (ts *testServer) do(t *testing.T, method, path string, body []byte, headers map[string]string) (int, envelope) {
	t.Helper()
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.Header.SetMethod(method)
	req.SetRequestURI("http://in-memory" + path)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	if body != nil {
		req.SetBody(body)
	}

	require.NoError(t, ts.cl.Do(req, resp))

	var env envelope
	if len(resp.Body()) > 0 {
		require.NoError(t, json.Unmarshal(resp.Body(), &env))
	}
	return resp.StatusCode(), env
}

func (ts *testServer) adminToken(t *testing.T) string {
	t.Helper()
	_, env := ts.do(t, fasthttp.MethodPost, "/api/system/login", []byte(`{"username":"admin","password":"admin"}`), nil)
	var token string
	require.NoError(t, json.Unmarshal(env.Data, &token))
	return token
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestLogin_WithDefaultAdminSucceeds(t *testing.T) {
	ts := newTestServer(t)
	status, env := ts.do(t, fasthttp.MethodPost, "/api/system/login", []byte(`{"username":"admin","password":"admin"}`), nil)
	require.Equal(t, fasthttp.StatusOK, status)
	require.Equal(t, 0, env.Code)
}

func TestLogin_WrongPasswordFails(t *testing.T) {
	ts := newTestServer(t)
	_, env := ts.do(t, fasthttp.MethodPost, "/api/system/login", []byte(`{"username":"admin","password":"wrong"}`), nil)
	require.NotEqual(t, 0, env.Code)
}

func TestNamespaceUpsertAndList_RequiresAdminToken(t *testing.T) {
	ts := newTestServer(t)

	status, _ := ts.do(t, fasthttp.MethodPost, "/api/namespace/upsert", []byte(`{"id":"tenant-a","name":"A"}`), nil)
	require.Equal(t, fasthttp.StatusUnauthorized, status)

	token := ts.adminToken(t)
	status, env := ts.do(t, fasthttp.MethodPost, "/api/namespace/upsert", []byte(`{"id":"tenant-a","name":"A"}`), bearer(token))
	require.Equal(t, fasthttp.StatusOK, status)
	require.Equal(t, 0, env.Code)

	_, env = ts.do(t, fasthttp.MethodGet, "/api/namespace/list", nil, bearer(token))
	var namespaces []model.Namespace
	require.NoError(t, json.Unmarshal(env.Data, &namespaces))
	var found bool
	for _, ns := range namespaces {
		if ns.ID == "tenant-a" {
			found = true
		}
	}
	require.True(t, found)
}

func TestNamespaceDelete_RejectsPublicNamespace(t *testing.T) {
	ts := newTestServer(t)
	token := ts.adminToken(t)

	_, env := ts.do(t, fasthttp.MethodPost, "/api/namespace/delete", []byte(`{"namespace_id":"public"}`), bearer(token))
	require.NotEqual(t, 0, env.Code)
}

func TestConfigUpsertGetAndWatch(t *testing.T) {
	ts := newTestServer(t)
	token := ts.adminToken(t)

	body := []byte(`{"namespace_id":"public","id":"app.yaml","content":"a: 1","format":"yaml"}`)
	status, env := ts.do(t, fasthttp.MethodPost, "/api/config/upsert", body, bearer(token))
	require.Equal(t, fasthttp.StatusOK, status)
	require.Equal(t, 0, env.Code)

	_, env = ts.do(t, fasthttp.MethodGet, "/api/config/get?namespace_id=public&id=app.yaml", nil, nil)
	var entry model.ConfigEntry
	require.NoError(t, json.Unmarshal(env.Data, &entry))
	require.Equal(t, "a: 1", entry.Content)

	// Re-upserting identical content is a no-op and must not error.
	status, env = ts.do(t, fasthttp.MethodPost, "/api/config/upsert", body, bearer(token))
	require.Equal(t, fasthttp.StatusOK, status)
	require.Equal(t, 0, env.Code)
}

func TestConfigGet_RequiresNamespaceToken(t *testing.T) {
	ts := newTestServer(t)
	token := ts.adminToken(t)
	_, env := ts.do(t, fasthttp.MethodPost, "/api/namespace/upsert",
		[]byte(`{"id":"secure-ns","name":"Secure","auth_enabled":true,"auth_token":"secret"}`), bearer(token))
	require.Equal(t, 0, env.Code)

	status, _ := ts.do(t, fasthttp.MethodGet, "/api/config/get?namespace_id=secure-ns&id=app.yaml", nil, nil)
	require.Equal(t, fasthttp.StatusForbidden, status)

	status, _ = ts.do(t, fasthttp.MethodGet, "/api/config/get?namespace_id=secure-ns&id=app.yaml", nil,
		map[string]string{"X-NS-Token": "secret"})
	require.Equal(t, fasthttp.StatusOK, status)
}

func TestServiceAndInstanceLifecycle(t *testing.T) {
	ts := newTestServer(t)
	token := ts.adminToken(t)

	_, env := ts.do(t, fasthttp.MethodPost, "/api/discovery/service/register",
		[]byte(`{"namespace_id":"public","service_id":"orders"}`), bearer(token))
	require.Equal(t, 0, env.Code)

	_, env = ts.do(t, fasthttp.MethodPost, "/api/discovery/instance/register",
		[]byte(`{"namespace_id":"public","service_id":"orders","ip":"10.0.0.1","port":8080}`), nil)
	require.Equal(t, 0, env.Code)
	var inst model.ServiceInstance
	require.NoError(t, json.Unmarshal(env.Data, &inst))
	require.NotEmpty(t, inst.InstanceID)

	heartbeatBody, _ := json.Marshal(map[string]string{
		"namespace_id": "public", "service_id": "orders", "instance_id": inst.InstanceID,
	})
	_, env = ts.do(t, fasthttp.MethodPost, "/api/discovery/heartbeat", heartbeatBody, nil)
	var result string
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Equal(t, "Ok", result)

	_, env = ts.do(t, fasthttp.MethodGet, "/api/discovery/instance/available?namespace_id=public&service_id=orders", nil, nil)
	var available []model.ServiceInstance
	require.NoError(t, json.Unmarshal(env.Data, &available))
	require.Len(t, available, 1)
}

func TestHeartbeat_UnknownInstanceReportsNoInstanceFound(t *testing.T) {
	ts := newTestServer(t)
	body, _ := json.Marshal(map[string]string{
		"namespace_id": "public", "service_id": "orders", "instance_id": "bogus",
	})
	_, env := ts.do(t, fasthttp.MethodPost, "/api/discovery/heartbeat", body, nil)
	var result string
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.Equal(t, "NoInstanceFound", result)
}

func TestClusterMetrics_ReportsSelfAsLeader(t *testing.T) {
	ts := newTestServer(t)
	_, env := ts.do(t, fasthttp.MethodGet, "/api/cluster/metrics", nil, nil)
	require.Equal(t, 0, env.Code)

	var m cluster.Metrics
	require.NoError(t, json.Unmarshal(env.Data, &m))
	require.Equal(t, "node-1", m.LeaderID)
}

func TestUnknownRoute_Returns404(t *testing.T) {
	ts := newTestServer(t)
	status, _ := ts.do(t, fasthttp.MethodGet, "/api/does/not/exist", nil, nil)
	require.Equal(t, fasthttp.StatusNotFound, status)
}
