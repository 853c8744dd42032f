package edge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStatsCounters(t *testing.T) {
	s := NewStats()

	s.IncTotalConns()
	s.IncTotalConns()
	require.EqualValues(t, 2, s.TotalConns())
	require.EqualValues(t, 2, s.OpenConns())

	s.DecOpenConns()
	require.EqualValues(t, 1, s.OpenConns())
	require.EqualValues(t, 2, s.TotalConns())

	s.Drop()
	require.EqualValues(t, 1, s.Drops())
	require.EqualValues(t, 3, s.TotalConns())

	s.IncReqs()
	s.IncChecks()
	s.IncTLSErrors()
	s.IncTimeouts()
	s.IncHeapSnaps()
	require.EqualValues(t, 1, s.Reqs())
	require.EqualValues(t, 1, s.Checks())
	require.EqualValues(t, 1, s.TLSErrors())
	require.EqualValues(t, 1, s.Timeouts())
	require.EqualValues(t, 1, s.HeapSnaps())
}

func TestStatsBackpressureSnapshot(t *testing.T) {
	s := NewStats()
	require.Equal(t, Backpressure{}, s.Backpressure())

	bp := Backpressure{Avg1: 10, Avg5: 20, Avg15: 30, Adj: 4, MaxConns: 100}
	s.PublishBackpressure(bp)
	require.Equal(t, bp, s.Backpressure())
}
