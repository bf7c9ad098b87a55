package namespacestore_test

import (
	"testing"

	"github.com/conreg/conreg/internal/model"
	"github.com/conreg/conreg/internal/namespacestore"
	"github.com/stretchr/testify/require"
)

func TestNew_SeedsPublicNamespace(t *testing.T) {
	s := namespacestore.New()
	ns, ok := s.Get(model.PublicNamespace)
	require.True(t, ok)
	require.Equal(t, model.PublicNamespace, ns.ID)
}

func TestUpsert_InsertThenUpdatePreservesCreateTime(t *testing.T) {
	s := namespacestore.New()
	s.Upsert(model.Namespace{ID: "tenant-a", Name: "Tenant A"})
	first, _ := s.Get("tenant-a")

	s.Upsert(model.Namespace{ID: "tenant-a", Name: "Tenant A Renamed"})
	second, _ := s.Get("tenant-a")

	require.Equal(t, first.CreateTime, second.CreateTime)
	require.Equal(t, "Tenant A Renamed", second.Name)
}

func TestDelete_RejectsPublicNamespace(t *testing.T) {
	s := namespacestore.New()
	err := s.Delete(model.PublicNamespace)
	require.ErrorIs(t, err, namespacestore.ErrReserved)
	require.True(t, s.Exists(model.PublicNamespace))
}

func TestDelete_RemovesOtherNamespaces(t *testing.T) {
	s := namespacestore.New()
	s.Upsert(model.Namespace{ID: "tenant-a"})
	require.NoError(t, s.Delete("tenant-a"))
	require.False(t, s.Exists("tenant-a"))
}

func TestAuth_NoAuthRequiredAllowsEmptyToken(t *testing.T) {
	s := namespacestore.New()
	s.Upsert(model.Namespace{ID: "tenant-a", AuthEnabled: false})
	require.True(t, s.Auth("tenant-a", ""))
}

func TestAuth_RequiresExactTokenMatch(t *testing.T) {
	s := namespacestore.New()
	s.Upsert(model.Namespace{ID: "tenant-a", AuthEnabled: true, AuthToken: "secret"})
	require.True(t, s.Auth("tenant-a", "secret"))
	require.False(t, s.Auth("tenant-a", "wrong"))
	require.False(t, s.Auth("tenant-a", ""))
}

func TestAuth_UnknownNamespaceFails(t *testing.T) {
	s := namespacestore.New()
	require.False(t, s.Auth("does-not-exist", ""))
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := namespacestore.New()
	s.Upsert(model.Namespace{ID: "tenant-a", Name: "A"})

	snap := s.Snapshot()

	s2 := namespacestore.New()
	s2.LoadSnapshot(snap)

	ns, ok := s2.Get("tenant-a")
	require.True(t, ok)
	require.Equal(t, "A", ns.Name)
	require.True(t, s2.Exists(model.PublicNamespace))
}

func TestLoadSnapshot_RestoresPublicIfMissing(t *testing.T) {
	s := namespacestore.New()
	s.LoadSnapshot(nil)
	require.True(t, s.Exists(model.PublicNamespace))
}
