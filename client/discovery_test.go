package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/conreg/conreg/internal/model"
	"github.com/stretchr/testify/require"
)

// fakeDiscoveryServer emulates enough of /api/discovery/* to exercise
// DiscoveryClient's register/heartbeat/fetch paths without a full server.
type fakeDiscoveryServer struct {
	heartbeats int
	registers  int
	result     heartbeatResult
}

func (f *fakeDiscoveryServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/discovery/instance/register", func(w http.ResponseWriter, r *http.Request) {
		f.registers++
		inst := model.ServiceInstance{
			NamespaceID: "public", ServiceID: "orders",
			InstanceID: "fixed-id", IP: "10.0.0.5", Port: 9090,
			Status: model.StatusReady,
		}
		writeEnvelopeJSON(w, inst)
	})
	mux.HandleFunc("/api/discovery/heartbeat", func(w http.ResponseWriter, r *http.Request) {
		f.heartbeats++
		writeEnvelopeJSON(w, string(f.result))
	})
	mux.HandleFunc("/api/discovery/instance/available", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelopeJSON(w, []model.ServiceInstance{
			{InstanceID: "x", IP: "10.0.0.9", Port: 7000, Status: model.StatusUp},
		})
	})
	return mux
}

func writeEnvelopeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	b, _ := json.Marshal(model.OK(data))
	_, _ = w.Write(b)
}

func addrOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

func TestDiscoveryClient_Register(t *testing.T) {
	fake := &fakeDiscoveryServer{result: heartbeatOk}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := NewDiscoveryClient(Config{
		ServiceID: "orders", Namespace: "public",
		DiscoveryServerAddrs: []string{addrOf(srv)},
	}, nil)

	require.NoError(t, c.register())
	require.Equal(t, "fixed-id", c.self.InstanceID)
	require.Equal(t, model.StatusReady, c.self.Status)
}

func TestDiscoveryClient_HeartbeatOk(t *testing.T) {
	fake := &fakeDiscoveryServer{result: heartbeatOk}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := NewDiscoveryClient(Config{
		ServiceID: "orders", Namespace: "public",
		DiscoveryServerAddrs: []string{addrOf(srv)},
	}, nil)
	require.NoError(t, c.register())

	c.heartbeatOnce()
	require.Equal(t, 1, fake.heartbeats)
}

func TestDiscoveryClient_HeartbeatNoInstanceFoundReregisters(t *testing.T) {
	fake := &fakeDiscoveryServer{result: heartbeatNoInstanceFound}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := NewDiscoveryClient(Config{
		ServiceID: "orders", Namespace: "public",
		DiscoveryServerAddrs: []string{addrOf(srv)},
	}, nil)
	require.NoError(t, c.register())

	c.heartbeatOnce()
	// re-register happens on NoInstanceFound: a second register call, and
	// fixed-id comes back from it.
	require.Equal(t, 2, fake.registers)
	require.Equal(t, "fixed-id", c.self.InstanceID)
}

func TestDiscoveryClient_GetInstancesCachesOnMiss(t *testing.T) {
	fake := &fakeDiscoveryServer{result: heartbeatOk}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := NewDiscoveryClient(Config{
		ServiceID: "orders", Namespace: "public",
		DiscoveryServerAddrs: []string{addrOf(srv)},
	}, nil)

	insts, err := c.GetInstances("billing")
	require.NoError(t, err)
	require.Len(t, insts, 1)
	require.Equal(t, "x", insts[0].InstanceID)

	c.mu.RLock()
	_, cached := c.tracked["billing"]
	c.mu.RUnlock()
	require.True(t, cached)
}
