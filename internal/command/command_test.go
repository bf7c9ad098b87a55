package command_test

import (
	"encoding/json"
	"testing"

	"github.com/conreg/conreg/internal/command"
	"github.com/conreg/conreg/internal/model"
	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTripsPayload(t *testing.T) {
	cmd, err := command.Set("foo", "bar")
	require.NoError(t, err)
	require.Equal(t, command.KindSet, cmd.Kind)

	b, err := cmd.Marshal()
	require.NoError(t, err)

	decoded, err := command.Unmarshal(b)
	require.NoError(t, err)
	require.Equal(t, command.KindSet, decoded.Kind)

	var payload command.SetPayload
	require.NoError(t, decodePayload(decoded, &payload))
	require.Equal(t, "foo", payload.Key)
	require.Equal(t, "bar", payload.Value)
}

func TestSetConfigCarriesEntry(t *testing.T) {
	entry := model.ConfigEntry{NamespaceID: "public", ConfigID: "app.yaml", Content: "a: 1"}
	cmd, err := command.SetConfig(entry)
	require.NoError(t, err)
	require.Equal(t, command.KindSetConfig, cmd.Kind)

	var payload command.SetConfigPayload
	require.NoError(t, decodePayload(cmd, &payload))
	require.Equal(t, entry, payload.Entry)
}

func TestHeartbeatPayloadFields(t *testing.T) {
	cmd, err := command.Heartbeat("public", "orders", "inst-1")
	require.NoError(t, err)

	var payload command.HeartbeatPayload
	require.NoError(t, decodePayload(cmd, &payload))
	require.Equal(t, "public", payload.NamespaceID)
	require.Equal(t, "orders", payload.ServiceID)
	require.Equal(t, "inst-1", payload.InstanceID)
}

func TestHistoryIDDeterministic(t *testing.T) {
	a := command.HistoryID(10, 1000)
	b := command.HistoryID(10, 1000)
	require.Equal(t, a, b)
	require.NotEqual(t, a, command.HistoryID(10, 1001))
}

func decodePayload(cmd command.Command, out any) error {
	return json.Unmarshal(cmd.Payload, out)
}
