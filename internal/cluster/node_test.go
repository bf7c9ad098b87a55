package cluster_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/conreg/conreg/internal/cache"
	"github.com/conreg/conreg/internal/cluster"
	"github.com/conreg/conreg/internal/command"
	"github.com/conreg/conreg/internal/configstore"
	"github.com/conreg/conreg/internal/discovery"
	"github.com/conreg/conreg/internal/fsm"
	"github.com/conreg/conreg/internal/namespacestore"
	"github.com/stretchr/testify/require"
)

func newSingleNode(t *testing.T) *cluster.Node {
	t.Helper()

	dir := t.TempDir()
	c, err := cache.Open(context.Background(), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	namespaces := namespacestore.New()
	f := fsm.New(namespaces, configstore.New(), discovery.New(namespaces), c)

	addr, err := freeAddr()
	require.NoError(t, err)

	n, err := cluster.New(cluster.Config{NodeID: "node-1", BindAddr: addr, DataDir: dir}, f)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Shutdown() })

	require.NoError(t, n.Init(nil))
	require.Eventually(t, n.IsLeader, 5*time.Second, 10*time.Millisecond)
	return n
}

func freeAddr() (string, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", err
	}
	defer l.Close()
	return l.Addr().String(), nil
}

func TestInit_SingletonBecomesLeader(t *testing.T) {
	n := newSingleNode(t)
	require.True(t, n.IsLeader())
}

func TestWrite_OnLeaderAppliesAndIsReadable(t *testing.T) {
	n := newSingleNode(t)

	cmd, err := command.Set("foo", "bar")
	require.NoError(t, err)
	_, err = n.Write(cmd)
	require.NoError(t, err)

	m, err := n.Metrics()
	require.NoError(t, err)
	require.Equal(t, "node-1", m.LeaderID)
	require.GreaterOrEqual(t, m.LastApplied, uint64(1))
}

func TestMetrics_ListsSelfAsServer(t *testing.T) {
	n := newSingleNode(t)
	m, err := n.Metrics()
	require.NoError(t, err)
	require.Len(t, m.Servers, 1)
	require.Equal(t, "node-1", m.Servers[0].ID)
	require.True(t, m.Servers[0].IsLeader)
}
