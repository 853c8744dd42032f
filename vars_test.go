package edge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetVarIntIsStableAcrossCalls(t *testing.T) {
	v1 := getVarInt("listener", "vars-test-int", "reqs")
	v1.Set(5)
	v2 := getVarInt("listener", "vars-test-int", "reqs")
	require.Equal(t, int64(5), v2.Value())
}

func TestGetVarMapIsStableAcrossCalls(t *testing.T) {
	m1 := getVarMap("listener", "vars-test-map", "counters")
	m1.Add("foo", 1)
	m2 := getVarMap("listener", "vars-test-map", "counters")
	require.Equal(t, "1", m2.Get("foo").String())
}
