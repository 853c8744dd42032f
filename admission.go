package edge

import (
	"math"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/load"
	"github.com/shirou/gopsutil/mem"
)

func numCPU() int { return runtime.NumCPU() }

// adjPeriod is the admission sampling period, 5s per §4.9.
const adjPeriod = 5 * time.Second

// adjShutdownThreshold is 6 minutes of sustained stress expressed in
// admission ticks (1 tick = 5s).
const adjShutdownThreshold = 72

// adjStressThreshold is 4 minutes of sustained stress in ticks.
const adjStressThreshold = 48

const (
	lowRamFraction     = 0.10
	veryLowRamFraction = 0.025
)

// AdmissionOptions configures the controller's bounds; MinConns/MaxConns
// come straight from configuration (§6).
type AdmissionOptions struct {
	MinConns int
	MaxConns int
	// IsCloud gates the veryLowRam shutdown escalation, mirroring the
	// onLocal env var from §6 (OQ4 in SPEC_FULL.md).
	IsCloud bool
}

// Admission is the load-adaptive admission controller described in §4.9.
// It is invoked periodically by its own ticker and may also be invoked
// directly with an explicit cap (e.g. during drain).
type Admission struct {
	opt   AdmissionOptions
	stats *Stats

	adj int

	listeners []Listener
	gcTrace   func(bool)
	shutdown  func()
	sample    func() (avg1, avg5, avg15, freeMem, totalMem float64, err error)

	ticker *time.Ticker
	stopCh chan struct{}
}

// NewAdmission returns a controller that will retune listeners on every
// tick. gcTrace toggles GC tracing (called with true/false as the adj
// thresholds cross); shutdown initiates process shutdown when sustained
// pressure crosses the escalation threshold. Sampling defaults to live
// gopsutil reads (sampleGopsutil); tests override a.sample directly to
// drive Tick with fixed load/memory values.
func NewAdmission(opt AdmissionOptions, stats *Stats, listeners []Listener, gcTrace func(bool), shutdown func()) *Admission {
	return &Admission{
		opt:       opt,
		stats:     stats,
		listeners: listeners,
		gcTrace:   gcTrace,
		shutdown:  shutdown,
		sample:    sampleGopsutil,
	}
}

// Start begins the periodic 5s sampling loop. Call Stop to cancel it.
func (a *Admission) Start() {
	a.ticker = time.NewTicker(adjPeriod)
	a.stopCh = make(chan struct{})
	go func() {
		for {
			select {
			case <-a.ticker.C:
				a.Tick(nil)
			case <-a.stopCh:
				return
			}
		}
	}()
}

// Stop cancels the periodic sampling loop. Safe to call once.
func (a *Admission) Stop() {
	if a.ticker != nil {
		a.ticker.Stop()
	}
	if a.stopCh != nil {
		close(a.stopCh)
		a.stopCh = nil
	}
}

// sampleGopsutil reads load averages (normalised to percent-of-CPU-count)
// and memory stats from gopsutil, standing in for the OS-level signals
// §4.9 leaves abstract. It is Admission's default sample func.
func sampleGopsutil() (avg1, avg5, avg15, freeMem, totalMem float64, err error) {
	avgStat, err := load.Avg()
	if err != nil {
		return 0, 0, 0, 0, 0, err
	}
	cpus := float64(numCPU())
	avg1 = avgStat.Load1 / cpus * 100
	avg5 = avgStat.Load5 / cpus * 100
	avg15 = avgStat.Load15 / cpus * 100

	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, 0, 0, 0, err
	}
	freeMem = float64(vm.Free)
	totalMem = float64(vm.Total)
	return avg1, avg5, avg15, freeMem, totalMem, nil
}

// Tick runs one admission cycle. When explicitCap is non-nil, the cap is
// clamped into [MinConns, MaxConns] and adj is reset to 0, matching the
// drain-time call pattern described in §4.9.
func (a *Admission) Tick(explicitCap *int) {
	avg1, avg5, avg15, freeMem, totalMem, err := a.sample()
	if err != nil {
		Log.With("error", err).Warn("admission sample failed")
		return
	}

	if explicitCap != nil {
		n := clamp(*explicitCap, a.opt.MinConns, a.opt.MaxConns)
		a.adj = 0
		a.apply(n)
		a.stats.PublishBackpressure(Backpressure{Avg1: avg1, Avg5: avg5, Avg15: avg15, Adj: a.adj, MaxConns: n})
		return
	}

	lowRam := freeMem < lowRamFraction*totalMem
	veryLowRam := freeMem < veryLowRamFraction*totalMem

	// Pressure update (additive, §4.9).
	if avg5 > 90 {
		a.adj += 3
	}
	if avg1 > 100 {
		a.adj += 2
	}
	if avg1 > avg5 {
		a.adj += 1
	}

	n := a.computeCap(avg1, avg5, lowRam)

	switch {
	case a.adj > adjShutdownThreshold || (veryLowRam && a.opt.IsCloud):
		Log.Warn("sustained admission pressure, initiating shutdown", "adj", a.adj, "veryLowRam", veryLowRam)
		if a.shutdown != nil {
			a.shutdown()
		}
	case a.adj > adjStressThreshold:
		n = a.opt.MinConns / 2
		Log.Warn("elevated admission stress, forcing reduced cap", "adj", a.adj, "n", n)
	case a.adj > 0:
		Log.Info("elevated load", "adj", a.adj)
		if a.gcTrace != nil {
			a.gcTrace(true)
		}
	case a.adj == 0:
		if a.gcTrace != nil {
			a.gcTrace(false)
		}
	}

	a.apply(n)
	a.stats.PublishBackpressure(Backpressure{Avg1: avg1, Avg5: avg5, Avg15: avg15, Adj: a.adj, MaxConns: n})
}

// computeCap implements the cap table from §4.9 when no explicit cap was
// supplied, including the adj decay on the otherwise-healthy branch.
func (a *Admission) computeCap(avg1, avg5 float64, lowRam bool) int {
	switch {
	case avg1 > 100:
		return a.opt.MinConns
	case avg1 > 90 || avg5 > 80 || lowRam:
		return maxInt(int(0.2*float64(a.opt.MaxConns)), a.opt.MinConns)
	case avg1 > 80 || avg5 > 75:
		return maxInt(int(0.4*float64(a.opt.MaxConns)), a.opt.MinConns)
	case avg1 > 70:
		return maxInt(int(0.6*float64(a.opt.MaxConns)), a.opt.MinConns)
	default:
		a.adj = int(math.Floor(float64(a.adj) * 0.75))
		return a.opt.MaxConns
	}
}

func (a *Admission) apply(n int) {
	for _, l := range a.listeners {
		l.SetMaxConns(n)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
