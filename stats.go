package edge

import (
	"expvar"
	"fmt"
	"sync/atomic"
)

// Backpressure is the 5-tuple the admission controller publishes every
// tick: normalised load averages plus the pressure accumulator and the
// cap it computed from them.
type Backpressure struct {
	Avg1       float64
	Avg5       float64
	Avg15      float64
	Adj        int
	MaxConns   int
}

// statsSeq assigns each Stats instance a unique id for its expvar
// namespace, so two front-ends (or two tests) in the same process never
// collide registering the same expvar name.
var statsSeq int64

// Stats holds the process-wide monotonic counters and the live gauges
// described in §3, published via expvar under "edge.stats.<id>.<name>"
// (§3/C1) so they're visible on the health listener's /vars route. All
// fields are safe for concurrent use: *expvar.Int already serialises
// Add/Value the way sync/atomic did before.
type Stats struct {
	reqs      *expvar.Int
	checks    *expvar.Int
	tlsErrors *expvar.Int
	drops     *expvar.Int
	totalConn *expvar.Int
	openConn  *expvar.Int
	timeouts  *expvar.Int
	heapSnaps *expvar.Int

	bp atomic.Pointer[Backpressure]
}

// NewStats returns a zeroed Stats with an empty backpressure snapshot
// published so Backpressure never needs to nil-check the pointer.
func NewStats() *Stats {
	id := fmt.Sprintf("%d", atomic.AddInt64(&statsSeq, 1))
	s := &Stats{
		reqs:      getVarInt("stats", id, "reqs"),
		checks:    getVarInt("stats", id, "checks"),
		tlsErrors: getVarInt("stats", id, "tlsErrors"),
		drops:     getVarInt("stats", id, "drops"),
		totalConn: getVarInt("stats", id, "totalConns"),
		openConn:  getVarInt("stats", id, "openConns"),
		timeouts:  getVarInt("stats", id, "timeouts"),
		heapSnaps: getVarInt("stats", id, "heapSnaps"),
	}
	s.bp.Store(&Backpressure{})
	return s
}

func (s *Stats) IncReqs()      { s.reqs.Add(1) }
func (s *Stats) IncChecks()    { s.checks.Add(1) }
func (s *Stats) IncTLSErrors() { s.tlsErrors.Add(1) }
func (s *Stats) IncDrops()     { s.drops.Add(1) }
func (s *Stats) IncTimeouts()  { s.timeouts.Add(1) }
func (s *Stats) IncHeapSnaps() { s.heapSnaps.Add(1) }

// IncTotalConns bumps both totalConns and the live openConns gauge,
// mirroring a newly-accepted socket.
func (s *Stats) IncTotalConns() {
	s.totalConn.Add(1)
	s.openConn.Add(1)
}

// DecOpenConns decrements the live openConns gauge; called from a
// connection's terminal close handler.
func (s *Stats) DecOpenConns() { s.openConn.Add(-1) }

// Drop accounts for an admission-denied connection: per §9 ambiguity (a),
// a dropped connection still counts toward totalConns because it was
// accepted at the TCP level before being denied.
func (s *Stats) Drop() {
	s.drops.Add(1)
	s.totalConn.Add(1)
}

func (s *Stats) Reqs() int64       { return s.reqs.Value() }
func (s *Stats) Checks() int64     { return s.checks.Value() }
func (s *Stats) TLSErrors() int64  { return s.tlsErrors.Value() }
func (s *Stats) Drops() int64      { return s.drops.Value() }
func (s *Stats) TotalConns() int64 { return s.totalConn.Value() }
func (s *Stats) OpenConns() int64  { return s.openConn.Value() }
func (s *Stats) Timeouts() int64   { return s.timeouts.Value() }
func (s *Stats) HeapSnaps() int64  { return s.heapSnaps.Value() }

// PublishBackpressure atomically replaces the backpressure snapshot. The
// whole tuple is swapped as a single pointer so readers never observe a
// half-updated snapshot.
func (s *Stats) PublishBackpressure(bp Backpressure) {
	s.bp.Store(&bp)
}

// Backpressure returns the most recently published snapshot.
func (s *Stats) Backpressure() Backpressure {
	return *s.bp.Load()
}
