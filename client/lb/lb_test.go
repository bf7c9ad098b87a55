package lb

import (
	"testing"

	"github.com/conreg/conreg/internal/model"
	"github.com/stretchr/testify/require"
)

func instances(weights ...int) []model.ServiceInstance {
	out := make([]model.ServiceInstance, len(weights))
	for i, w := range weights {
		out[i] = model.ServiceInstance{
			InstanceID: string(rune('a' + i)),
			IP:         "10.0.0.1",
			Port:       8000 + i,
			Metadata:   map[string]string{"weight": itoa(w)},
		}
	}
	return out
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	digits := []byte{}
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	return string(digits)
}

func TestSingleInstanceShortCircuits(t *testing.T) {
	only := instances(1)

	for _, s := range []Strategy{
		&RoundRobin{}, &WeightedRoundRobin{}, NewWeightedRandom(1), NewRandom(1),
	} {
		inst, err := s.Pick(only)
		require.NoError(t, err)
		require.Equal(t, only[0], inst)
	}
}

func TestNoInstancesErrors(t *testing.T) {
	for _, s := range []Strategy{
		&RoundRobin{}, &WeightedRoundRobin{}, NewWeightedRandom(1), NewRandom(1),
	} {
		_, err := s.Pick(nil)
		require.ErrorIs(t, err, ErrNoInstances)
	}
}

func TestRoundRobin_CyclesInOrder(t *testing.T) {
	insts := instances(1, 1, 1)
	rr := &RoundRobin{}

	var seq []string
	for i := 0; i < 6; i++ {
		inst, err := rr.Pick(insts)
		require.NoError(t, err)
		seq = append(seq, inst.InstanceID)
	}
	require.Equal(t, []string{"a", "b", "c", "a", "b", "c"}, seq)
}

func TestWeightedRoundRobin_RespectsWeightShare(t *testing.T) {
	// weights 3:1 over a total of 4 means 3 of every 4 picks land on "a".
	insts := instances(3, 1)
	wrr := &WeightedRoundRobin{}

	counts := map[string]int{}
	for i := 0; i < 8; i++ {
		inst, err := wrr.Pick(insts)
		require.NoError(t, err)
		counts[inst.InstanceID]++
	}
	require.Equal(t, 6, counts["a"])
	require.Equal(t, 2, counts["b"])
}

func TestWeightedRandom_OnlyPicksKnownInstances(t *testing.T) {
	insts := instances(1, 2, 3)
	wr := NewWeightedRandom(42)

	valid := map[string]bool{"a": true, "b": true, "c": true}
	for i := 0; i < 50; i++ {
		inst, err := wr.Pick(insts)
		require.NoError(t, err)
		require.True(t, valid[inst.InstanceID])
	}
}

func TestRandom_OnlyPicksKnownInstances(t *testing.T) {
	insts := instances(1, 1, 1, 1)
	r := NewRandom(7)

	valid := map[string]bool{"a": true, "b": true, "c": true, "d": true}
	for i := 0; i < 50; i++ {
		inst, err := r.Pick(insts)
		require.NoError(t, err)
		require.True(t, valid[inst.InstanceID])
	}
}

func TestParseLBURL(t *testing.T) {
	serviceID, path, err := parseLBURL("lb://orders/v1/list?page=2")
	require.NoError(t, err)
	require.Equal(t, "orders", serviceID)
	require.Equal(t, "/v1/list?page=2", path)
}

func TestParseLBURL_RejectsNonLBScheme(t *testing.T) {
	_, _, err := parseLBURL("http://orders/v1/list")
	require.Error(t, err)
}

func TestParseLBURL_EmptyPathDefaultsToSlash(t *testing.T) {
	_, path, err := parseLBURL("lb://orders")
	require.NoError(t, err)
	require.Equal(t, "/", path)
}
