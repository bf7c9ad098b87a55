package client

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringOrSlice(t *testing.T) {
	require.Equal(t, []string{"127.0.0.1:9000"}, stringOrSlice("127.0.0.1:9000"))
	require.Equal(t, []string{"a", "b"}, stringOrSlice([]any{"a", "b"}))
	require.Nil(t, stringOrSlice(nil))
}

func TestPickAddr_Single(t *testing.T) {
	addr, err := pickAddr([]string{"127.0.0.1:9000"})
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9000", addr)
}

func TestPickAddr_Empty(t *testing.T) {
	_, err := pickAddr(nil)
	require.Error(t, err)
}

func TestPickAddr_PicksFromCluster(t *testing.T) {
	addrs := []string{"a:1", "b:2", "c:3"}
	addr, err := pickAddr(addrs)
	require.NoError(t, err)
	require.Contains(t, addrs, addr)
}
