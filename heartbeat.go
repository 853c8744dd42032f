package edge

import (
	"fmt"
	"os"
	"runtime/pprof"
	"sync"
	"time"
)

// maxHeapSnapshots caps how many heap profiles a single process writes over
// its lifetime, regardless of how long it runs (§4.10).
const maxHeapSnapshots = 20

// heapSnapshotRequestMultiplier spaces snapshots maxConns*multiplier
// requests apart, so a busier deployment snapshots more often in absolute
// time but at roughly the same load-proportional cadence as a quiet one.
const heapSnapshotRequestMultiplier = 50

// heartbeatPeriod is how often the periodic stats summary is logged.
const heartbeatPeriod = 30 * time.Second

// Heartbeat runs the periodic stats-logging and gated heap-snapshot loop
// described in §4.10: every request bumps the counter tick observes, the
// loop logs a Stats summary on its own cadence, and takes a heap profile
// once every maxConns()*heapSnapshotRequestMultiplier requests, subject to
// the snapshot cap and the cloud/pressure gate.
type Heartbeat struct {
	stats       *Stats
	maxConnsFn  func() int
	snapshotDir string
	isCloud     bool

	mu           sync.Mutex
	ticker       *time.Ticker
	stopCh       chan struct{}
	lastSnapReqs int64
}

// NewHeartbeat returns a heartbeat loop. snapshotDir is where heap profiles
// are written; isCloud gates snapshotting the way §6's onLocal setting
// does for the admission shutdown escalation (SPEC_FULL.md OQ4).
func NewHeartbeat(stats *Stats, maxConnsFn func() int, snapshotDir string, isCloud bool) *Heartbeat {
	return &Heartbeat{
		stats:       stats,
		maxConnsFn:  maxConnsFn,
		snapshotDir: snapshotDir,
		isCloud:     isCloud,
	}
}

// Start begins the periodic loop. Call Stop to cancel it.
func (h *Heartbeat) Start() {
	h.mu.Lock()
	h.ticker = time.NewTicker(heartbeatPeriod)
	h.stopCh = make(chan struct{})
	ticker, stopCh := h.ticker, h.stopCh
	h.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				h.tick()
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop cancels the periodic loop.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ticker != nil {
		h.ticker.Stop()
	}
	if h.stopCh != nil {
		close(h.stopCh)
		h.stopCh = nil
	}
}

func (h *Heartbeat) tick() {
	bp := h.stats.Backpressure()
	Log.With(
		"reqs", h.stats.Reqs(),
		"checks", h.stats.Checks(),
		"openConns", h.stats.OpenConns(),
		"totalConns", h.stats.TotalConns(),
		"drops", h.stats.Drops(),
		"tlsErrors", h.stats.TLSErrors(),
		"timeouts", h.stats.Timeouts(),
		"adj", bp.Adj,
	).Info("heartbeat")

	h.maybeSnapshot()
}

func (h *Heartbeat) maybeSnapshot() {
	maxConns := h.maxConnsFn()
	if maxConns <= 0 {
		return
	}
	interval := int64(maxConns) * heapSnapshotRequestMultiplier

	reqs := h.stats.Reqs()
	h.mu.Lock()
	due := reqs-h.lastSnapReqs >= interval
	if due {
		h.lastSnapReqs = reqs
	}
	h.mu.Unlock()
	if !due {
		return
	}
	if !h.shouldSnapshot() {
		return
	}
	if err := h.snapshot(); err != nil {
		Log.WithError(err).Warn("heap snapshot failed")
	}
}

// shouldSnapshot applies the cap and the cloud/pressure gate: off-cloud
// deployments always snapshot on cadence, but a cloud deployment only pays
// the cost of a heap dump when backpressure indicates something's wrong.
func (h *Heartbeat) shouldSnapshot() bool {
	if h.stats.HeapSnaps() >= maxHeapSnapshots {
		return false
	}
	if !h.isCloud {
		return true
	}
	return h.stats.Backpressure().Adj > 0
}

func (h *Heartbeat) snapshot() error {
	name := fmt.Sprintf("heap-%d-%d.pprof", os.Getpid(), h.stats.HeapSnaps())
	path := name
	if h.snapshotDir != "" {
		path = h.snapshotDir + "/" + name
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := pprof.WriteHeapProfile(f); err != nil {
		return err
	}
	h.stats.IncHeapSnaps()
	Log.With("path", path).Info("wrote heap snapshot")
	return nil
}
