package client

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeConfigServer struct {
	contents map[string]string // config_id -> yaml content
	changed  string             // what /config/watch reports, once
	served   bool
}

func (f *fakeConfigServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/config/get", func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("id")
		writeEnvelopeJSON(w, map[string]string{
			"content": f.contents[id],
			"format":  "yaml",
		})
	})
	mux.HandleFunc("/api/config/watch", func(w http.ResponseWriter, r *http.Request) {
		data := ""
		if !f.served {
			data = f.changed
			f.served = true
		}
		writeEnvelopeJSON(w, data)
	})
	return mux
}

func TestConfigClient_RefreshAllMergesInOrder(t *testing.T) {
	fake := &fakeConfigServer{contents: map[string]string{
		"base":      "db:\n  host: localhost\n  port: 5432\n",
		"overrides": "db:\n  port: 5433\n",
	}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := NewConfigClient(Config{
		Namespace:         "public",
		ConfigIDs:         []string{"base", "overrides"},
		ConfigServerAddrs: []string{addrOf(srv)},
	})

	require.NoError(t, c.refreshAll())
	flat := c.Flat()
	require.Equal(t, "localhost", flat["db.host"])
	require.EqualValues(t, 5433, flat["db.port"])
}

func TestConfigClient_OnChangeFiresOnRefresh(t *testing.T) {
	fake := &fakeConfigServer{contents: map[string]string{"a": "k: v\n"}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := NewConfigClient(Config{
		Namespace:         "public",
		ConfigIDs:         []string{"a"},
		ConfigServerAddrs: []string{addrOf(srv)},
	})

	var got map[string]any
	c.OnChange(func(flat map[string]any) { got = flat })

	require.NoError(t, c.refreshAll())
	require.Equal(t, "v", got["k"])
}

func TestConfigClient_WatchOnceReportsChangedID(t *testing.T) {
	fake := &fakeConfigServer{contents: map[string]string{}, changed: "base"}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := NewConfigClient(Config{
		Namespace:         "public",
		ConfigServerAddrs: []string{addrOf(srv)},
	})

	changed, err := c.watchOnce()
	require.NoError(t, err)
	require.Equal(t, "base", changed)
}

func TestConfigClient_WatchOnceEmptyMeansNoChange(t *testing.T) {
	fake := &fakeConfigServer{contents: map[string]string{}}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	c := NewConfigClient(Config{
		Namespace:         "public",
		ConfigServerAddrs: []string{addrOf(srv)},
	})

	changed, err := c.watchOnce()
	require.NoError(t, err)
	require.Empty(t, changed)
}
