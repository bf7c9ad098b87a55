package discovery_test

import (
	"context"
	"testing"
	"time"

	"github.com/conreg/conreg/internal/discovery"
	"github.com/conreg/conreg/internal/model"
	"github.com/conreg/conreg/internal/namespacestore"
	"github.com/stretchr/testify/require"
)

func TestInstanceID_DeterministicForSameEndpoint(t *testing.T) {
	a := discovery.InstanceID("10.0.0.1", 8080)
	b := discovery.InstanceID("10.0.0.1", 8080)
	require.Equal(t, a, b)
	require.NotEqual(t, a, discovery.InstanceID("10.0.0.1", 8081))
}

func TestRegisterInstance_StartsReady(t *testing.T) {
	e := discovery.New(namespacestore.New())
	id := discovery.InstanceID("10.0.0.1", 8080)
	e.RegisterInstance(model.ServiceInstance{
		NamespaceID: "public", ServiceID: "orders", InstanceID: id,
		IP: "10.0.0.1", Port: 8080,
	})

	all := e.ListInstances("public", "orders")
	require.Len(t, all, 1)
	require.Equal(t, model.StatusReady, all[0].Status)
	require.Empty(t, e.AvailableInstances("public", "orders"))
}

func TestHeartbeat_MovesInstanceToUp(t *testing.T) {
	e := discovery.New(namespacestore.New())
	id := discovery.InstanceID("10.0.0.1", 8080)
	e.RegisterInstance(model.ServiceInstance{NamespaceID: "public", ServiceID: "orders", InstanceID: id})

	e.Heartbeat("public", "orders", id)
	available := e.AvailableInstances("public", "orders")
	require.Len(t, available, 1)
	require.Equal(t, model.StatusUp, available[0].Status)
}

func TestHeartbeat_NoopOnUnknownInstance(t *testing.T) {
	e := discovery.New(namespacestore.New())
	require.NotPanics(t, func() { e.Heartbeat("public", "orders", "ghost") })
}

func TestDeregisterInstance_RemovesIt(t *testing.T) {
	e := discovery.New(namespacestore.New())
	id := discovery.InstanceID("10.0.0.1", 8080)
	e.RegisterInstance(model.ServiceInstance{NamespaceID: "public", ServiceID: "orders", InstanceID: id})

	e.DeregisterInstance("public", "orders", id)
	require.Empty(t, e.ListInstances("public", "orders"))
}

func TestSetOffline_ExcludesFromAvailable(t *testing.T) {
	e := discovery.New(namespacestore.New())
	id := discovery.InstanceID("10.0.0.1", 8080)
	e.RegisterInstance(model.ServiceInstance{NamespaceID: "public", ServiceID: "orders", InstanceID: id})
	e.Heartbeat("public", "orders", id)
	require.Len(t, e.AvailableInstances("public", "orders"), 1)

	e.SetOffline("public", "orders", id)
	require.Empty(t, e.AvailableInstances("public", "orders"))

	e.Heartbeat("public", "orders", id)
	require.Empty(t, e.AvailableInstances("public", "orders"),
		"an Offline instance must stay offline through a heartbeat until explicitly brought online")
}

func TestSetOnline_RestoresFromOffline(t *testing.T) {
	e := discovery.New(namespacestore.New())
	id := discovery.InstanceID("10.0.0.1", 8080)
	e.RegisterInstance(model.ServiceInstance{NamespaceID: "public", ServiceID: "orders", InstanceID: id})
	e.SetOffline("public", "orders", id)

	e.SetOnline("public", "orders", id)
	all := e.ListInstances("public", "orders")
	require.Equal(t, model.StatusReady, all[0].Status)
}

func TestServiceDefinitions_RegisterListDeregister(t *testing.T) {
	e := discovery.New(namespacestore.New())
	e.RegisterService(model.Service{NamespaceID: "public", ServiceID: "orders"})
	require.Len(t, e.ListServices("public"), 1)

	e.DeregisterService("public", "orders")
	require.Empty(t, e.ListServices("public"))
}

func TestRegisterService_PreservesCreateTimeOnUpdate(t *testing.T) {
	e := discovery.New(namespacestore.New())
	e.RegisterService(model.Service{NamespaceID: "public", ServiceID: "orders"})
	first := e.ListServices("public")[0]

	e.RegisterService(model.Service{NamespaceID: "public", ServiceID: "orders", Metadata: map[string]string{"v": "2"}})
	second := e.ListServices("public")[0]

	require.Equal(t, first.CreateTime, second.CreateTime)
	require.Equal(t, "2", second.Metadata["v"])
}

func TestServicesSnapshotRoundTrip(t *testing.T) {
	e := discovery.New(namespacestore.New())
	e.RegisterService(model.Service{NamespaceID: "public", ServiceID: "orders"})

	snap := e.SnapshotServices()

	e2 := discovery.New(namespacestore.New())
	e2.LoadServicesSnapshot(snap)
	require.Len(t, e2.ListServices("public"), 1)
}

func TestHeartbeatTick_MarksMissedAsSick(t *testing.T) {
	e := discovery.New(namespacestore.New())
	id := discovery.InstanceID("10.0.0.1", 8080)
	e.RegisterInstance(model.ServiceInstance{
		NamespaceID: "public", ServiceID: "orders", InstanceID: id,
		Status: model.StatusUp, LastHeartbeat: time.Now().Add(-time.Hour).UnixMilli(),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer cancel()
	go e.Run(ctx)

	require.Eventually(t, func() bool {
		all := e.ListInstances("public", "orders")
		return len(all) > 0 && all[0].Status == model.StatusSick
	}, 7*time.Second, 50*time.Millisecond)
}
