package edge

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeListener struct {
	maxConns int
}

func (f *fakeListener) Start() error       { return nil }
func (f *fakeListener) Stop() error        { return nil }
func (f *fakeListener) SetMaxConns(n int)  { f.maxConns = n }
func (f *fakeListener) String() string     { return "fake" }

var _ Listener = &fakeListener{}

func TestAdmissionTickExplicitCapClampsAndResetsAdj(t *testing.T) {
	stats := NewStats()
	l := &fakeListener{}
	a := NewAdmission(AdmissionOptions{MinConns: 10, MaxConns: 1000}, stats, []Listener{l}, nil, nil)
	a.adj = 42

	cap := 50000
	a.Tick(&cap)

	require.Equal(t, 1000, l.maxConns) // clamped to MaxConns
	require.Equal(t, 0, a.adj)
	require.Equal(t, 1000, stats.Backpressure().MaxConns)
}

func TestAdmissionComputeCapThresholds(t *testing.T) {
	stats := NewStats()
	a := NewAdmission(AdmissionOptions{MinConns: 10, MaxConns: 1000}, stats, nil, nil, nil)

	require.Equal(t, 10, a.computeCap(150, 50, false))     // avg1 > 100 -> MinConns
	require.Equal(t, 200, a.computeCap(95, 50, false))     // avg1 > 90 -> 20%
	require.Equal(t, 400, a.computeCap(85, 50, false))     // avg1 > 80 -> 40%
	require.Equal(t, 600, a.computeCap(75, 50, false))     // avg1 > 70 -> 60%
	require.Equal(t, 200, a.computeCap(10, 10, true))      // lowRam -> 20%

	a.adj = 10
	require.Equal(t, 1000, a.computeCap(10, 10, false)) // healthy path decays adj
	require.Equal(t, 7, a.adj)                          // floor(10*0.75)
}

func TestAdmissionShutdownEscalation(t *testing.T) {
	stats := NewStats()
	var shutdownCalled bool
	a := NewAdmission(AdmissionOptions{MinConns: 1, MaxConns: 10}, stats, nil, nil, func() { shutdownCalled = true })
	a.sample = func() (avg1, avg5, avg15, freeMem, totalMem float64, err error) {
		return 95, 95, 95, 1000, 1000, nil
	}
	a.adj = adjShutdownThreshold + 1

	a.Tick(nil)

	require.True(t, shutdownCalled)
}

func TestAdmissionStressEscalationReducesCap(t *testing.T) {
	stats := NewStats()
	l := &fakeListener{}
	a := NewAdmission(AdmissionOptions{MinConns: 10, MaxConns: 1000}, stats, []Listener{l}, nil, nil)
	// Moderate load (avg1 > 70) adds no pressure and skips the healthy
	// branch's adj decay, so adj stays above the stress threshold.
	a.sample = func() (avg1, avg5, avg15, freeMem, totalMem float64, err error) {
		return 75, 75, 75, 1000, 1000, nil
	}
	a.adj = adjStressThreshold + 1

	a.Tick(nil)

	require.Equal(t, 5, l.maxConns) // MinConns / 2
}

func TestAdmissionTickSkipsApplyOnSampleError(t *testing.T) {
	stats := NewStats()
	l := &fakeListener{maxConns: -1}
	a := NewAdmission(AdmissionOptions{MinConns: 10, MaxConns: 1000}, stats, []Listener{l}, nil, nil)
	a.sample = func() (avg1, avg5, avg15, freeMem, totalMem float64, err error) {
		return 0, 0, 0, 0, 0, errors.New("sample failed")
	}

	a.Tick(nil)

	require.Equal(t, -1, l.maxConns) // Tick returned before calling apply
}
